// Package permission decides whether a tool call needs the user's consent.
package permission

import (
	"sync"

	"github.com/m4xw311/axon/tools"
)

// Decision is the user's answer to a confirmation prompt.
type Decision int

const (
	Deny Decision = iota
	Allow
	// AllowAlways approves the tool for the rest of the session.
	AllowAlways
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case AllowAlways:
		return "always"
	default:
		return "deny"
	}
}

// ParseDecision maps prompt input (y, a, n) to a Decision. An empty answer
// allows once; anything unrecognised denies.
func ParseDecision(s string) Decision {
	switch s {
	case "", "y", "Y", "yes":
		return Allow
	case "a", "A", "always":
		return AllowAlways
	default:
		return Deny
	}
}

// Snapshot is the part of the permission state ShouldConfirm reads.
type Snapshot struct {
	Yolo      bool
	Confirmed map[string]bool
}

// ShouldConfirm reports whether invoking d requires a prompt.
func ShouldConfirm(d tools.Descriptor, s Snapshot) bool {
	if s.Yolo {
		return false
	}
	if s.Confirmed[d.Name] {
		return false
	}
	return d.RequiresConfirmation
}

// State is the session's mutable permission state.
type State struct {
	mu        sync.Mutex
	yolo      bool
	confirmed map[string]bool
}

func NewState(yolo bool) *State {
	return &State{yolo: yolo, confirmed: make(map[string]bool)}
}

// Snapshot copies the state for a pure decision.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := make(map[string]bool, len(s.confirmed))
	for k, v := range s.confirmed {
		c[k] = v
	}
	return Snapshot{Yolo: s.yolo, Confirmed: c}
}

func (s *State) Yolo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.yolo
}

// SetYolo switches auto-approval. Switching it off forgets every
// "always" answer.
func (s *State) SetYolo(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.yolo = on
	if !on {
		s.confirmed = make(map[string]bool)
	}
}

// Toggle flips yolo mode and returns the new value.
func (s *State) Toggle() bool {
	s.mu.Lock()
	on := !s.yolo
	s.mu.Unlock()
	s.SetYolo(on)
	return on
}

// Remember records that name was approved for the rest of the session.
func (s *State) Remember(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmed[name] = true
}
