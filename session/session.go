package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/m4xw311/axon/errors"
)

// Session is one conversation: its history, active model and usage.
type Session struct {
	ID       string
	Name     string
	Provider string
	Model    string
	History  *History
	Usage    *UsageTracker
	path     string
}

// onDisk is the persisted form; usage is recomputed from the ledger.
type onDisk struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Provider string    `json:"provider"`
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

// New creates a new session stored under dir. An empty name is replaced
// by a timestamp.
func New(dir, name string, rates RateTable) (*Session, error) {
	if name == "" {
		name = time.Now().Format("20060102-150405")
	}
	path, err := getSessionPath(dir, name)
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:      uuid.NewString(),
		Name:    name,
		History: NewHistory(),
		Usage:   NewUsageTracker(rates),
		path:    path,
	}, nil
}

// Load loads an existing session from disk.
func Load(dir, name string, rates RateTable) (*Session, error) {
	path, err := getSessionPath(dir, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read session file %s", path)
	}

	var d onDisk
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, errors.Wrapf(err, "could not parse session file %s", path)
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return &Session{
		ID:       d.ID,
		Name:     d.Name,
		Provider: d.Provider,
		Model:    d.Model,
		History:  NewHistory(d.Messages...),
		Usage:    NewUsageTracker(rates),
		path:     path,
	}, nil
}

// Save writes the current session state to disk.
func (s *Session) Save() error {
	d := onDisk{ID: s.ID, Name: s.Name, Provider: s.Provider, Model: s.Model, Messages: s.History.Messages()}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize session")
	}
	return os.WriteFile(s.path, data, 0o644)
}

func (s *Session) Path() string { return s.path }

// Dump writes a readable transcript of the history to path.
func (s *Session) Dump(path string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "session %s (%s) model %s:%s\n", s.Name, s.ID, s.Provider, s.Model)
	for i, m := range s.History.Messages() {
		fmt.Fprintf(&b, "\n--- %d %s", i, m.Role)
		if m.ToolCallID != "" {
			fmt.Fprintf(&b, " [%s %s]", m.Name, m.ToolCallID)
		}
		if m.IsError {
			b.WriteString(" error")
		}
		b.WriteString("\n")
		if m.Content != "" {
			b.WriteString(m.Content)
			b.WriteString("\n")
		}
		for _, c := range m.ToolCalls {
			args, _ := json.Marshal(c.Args)
			fmt.Fprintf(&b, "-> %s %s %s\n", c.ID, c.Name, args)
		}
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return errors.Wrapf(err, "writing dump %s", path)
	}
	return nil
}

func getSessionPath(dir, name string) (string, error) {
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", errors.New("invalid session name %q", name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "could not create session directory")
	}
	return filepath.Join(dir, fmt.Sprintf("%s.json", name)), nil
}
