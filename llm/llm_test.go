package llm

import (
	"context"
	"net/http"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/m4xw311/axon/config"
	"github.com/m4xw311/axon/errors"
	"github.com/m4xw311/axon/session"
	"github.com/ollama/ollama/api"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// collect drains a response stream.
func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func text(evs []Event) string {
	var b strings.Builder
	for _, ev := range evs {
		if d, ok := ev.(TextDelta); ok {
			b.WriteString(d.Text)
		}
	}
	return b.String()
}

func TestStreamCompletes(t *testing.T) {
	ch := stream(context.Background(), "test", func(emit emitFunc) (session.Usage, error) {
		emit(TextDelta{Text: "Hel"})
		emit(TextDelta{Text: "lo"})
		return session.Usage{InputTokens: 3, OutputTokens: 1}, nil
	})
	evs := collect(t, ch)
	if len(evs) != 3 {
		t.Fatalf("Expected 3 events, got %d: %v", len(evs), evs)
	}
	if got := text(evs); got != "Hello" {
		t.Errorf("Expected 'Hello', got %q", got)
	}
	done, ok := evs[2].(TurnComplete)
	if !ok {
		t.Fatalf("Expected TurnComplete last, got %T", evs[2])
	}
	if done.Usage.InputTokens != 3 || done.Usage.OutputTokens != 1 {
		t.Errorf("Unexpected usage %+v", done.Usage)
	}
}

func TestStreamFailure(t *testing.T) {
	ch := stream(context.Background(), "test", func(emit emitFunc) (session.Usage, error) {
		return session.Usage{}, api.StatusError{StatusCode: http.StatusUnauthorized, ErrorMessage: "bad key"}
	})
	evs := collect(t, ch)
	if len(evs) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(evs))
	}
	f, ok := evs[0].(Failed)
	if !ok || f.Kind != errors.ProviderAuthError {
		t.Errorf("Expected auth failure, got %#v", evs[0])
	}
}

func TestStreamCancelledHasNoTerminalEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	ch := stream(ctx, "test", func(emit emitFunc) (session.Usage, error) {
		emit(TextDelta{Text: "partial"})
		close(started)
		<-ctx.Done()
		return session.Usage{}, ctx.Err()
	})
	<-started
	cancel()
	for _, ev := range collect(t, ch) {
		switch ev.(type) {
		case TurnComplete, Failed:
			t.Errorf("Unexpected terminal event %T after cancellation", ev)
		}
	}
}

func TestClassify(t *testing.T) {
	header := http.Header{}
	header.Set("Retry-After", "7")
	tests := []struct {
		name     string
		err      error
		kind     errors.Kind
		contains string
	}{
		{"ollama auth", api.StatusError{StatusCode: 403, ErrorMessage: "forbidden"}, errors.ProviderAuthError, "forbidden"},
		{"google rate limit", &googleapi.Error{Code: 429, Message: "slow down", Header: header}, errors.ProviderRateLimited, "retry after 7s"},
		{"rate limit without header", &googleapi.Error{Code: 429, Message: "slow down"}, errors.ProviderRateLimited, "slow down (retry later)"},
		{"grpc exhausted", status.Error(codes.ResourceExhausted, "quota"), errors.ProviderRateLimited, "quota (retry later)"},
		{"grpc unauthenticated", status.Error(codes.Unauthenticated, "who"), errors.ProviderAuthError, "who"},
		{"server error", &googleapi.Error{Code: 500, Message: "boom"}, errors.ProviderTransportError, "boom"},
		{"malformed", malformed(errors.New("bad json")), errors.ProviderTransportError, "malformed response"},
		{"classified", errors.Errorf(errors.ProviderAuthError, "KEY not set"), errors.ProviderAuthError, "KEY not set"},
		{"plain", errors.New("connection reset"), errors.ProviderTransportError, "connection reset"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Classify(tt.err)
			if f.Kind != tt.kind {
				t.Errorf("Expected kind %s, got %s", tt.kind, f.Kind)
			}
			if !strings.Contains(f.Message, tt.contains) {
				t.Errorf("Expected message to contain %q, got %q", tt.contains, f.Message)
			}
		})
	}
}

func TestSplitAndFoldSystem(t *testing.T) {
	msgs := []session.Message{
		{Role: session.RoleSystem, Content: "guide"},
		{Role: session.RoleSystem, Content: "cwd: /tmp"},
		{Role: session.RoleUser, Content: "hi"},
		{Role: session.RoleAssistant, Content: "hello"},
	}
	system, rest := splitSystem(msgs)
	if system != "guide\n\ncwd: /tmp" {
		t.Errorf("Unexpected system text %q", system)
	}
	if len(rest) != 2 || rest[0].Role != session.RoleUser {
		t.Errorf("Unexpected remainder %+v", rest)
	}

	folded := FoldSystem(msgs)
	if len(folded) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(folded))
	}
	if folded[0].Content != "guide\n\ncwd: /tmp\n\nhi" {
		t.Errorf("Unexpected folded content %q", folded[0].Content)
	}
	if msgs[2].Content != "hi" {
		t.Error("FoldSystem must not modify its input")
	}
}

func TestSplitSchema(t *testing.T) {
	props, required, extra := splitSchema(map[string]any{
		"type":                 "object",
		"properties":           map[string]any{"path": map[string]any{"type": "string"}},
		"required":             []any{"path"},
		"additionalProperties": false,
	})
	if _, ok := props["path"]; !ok {
		t.Errorf("Expected path property, got %v", props)
	}
	if !reflect.DeepEqual(required, []string{"path"}) {
		t.Errorf("Unexpected required %v", required)
	}
	if extra["additionalProperties"] != false || len(extra) != 1 {
		t.Errorf("Unexpected extra %v", extra)
	}
	if schema := objectSchema(nil); schema["type"] != "object" {
		t.Errorf("Expected object schema, got %v", schema)
	}
}

func TestEcho(t *testing.T) {
	e := NewEcho("")
	if e.Capabilities().ToolCalls {
		t.Error("Echo should not advertise tool calls")
	}
	evs := collect(t, e.Send(context.Background(), Request{Messages: []session.Message{
		{Role: session.RoleSystem, Content: "ctx"},
		{Role: session.RoleUser, Content: "first"},
		{Role: session.RoleAssistant, Content: "Echo: first"},
		{Role: session.RoleUser, Content: "hello there"},
	}}))
	if got := text(evs); got != "Echo: hello there" {
		t.Errorf("Unexpected reply %q", got)
	}
	if _, ok := evs[len(evs)-1].(TurnComplete); !ok {
		t.Errorf("Expected TurnComplete, got %T", evs[len(evs)-1])
	}
}

func TestNew(t *testing.T) {
	cfg := &config.Config{Providers: []config.Provider{
		{Name: "local", Kind: config.KindOllama, BaseURL: "http://127.0.0.1:1"},
		{Name: "broken", Kind: config.KindOllama, BaseURL: "://nope"},
	}}

	p, err := New(context.Background(), cfg, "echo")
	if err != nil || p.ID() != "echo" {
		t.Fatalf("Expected echo provider, got %v, %v", p, err)
	}
	if p, err = New(context.Background(), cfg, "local"); err != nil || p.ID() != "local" {
		t.Errorf("Expected local ollama provider, got %v, %v", p, err)
	}
	if _, err = New(context.Background(), cfg, "broken"); errors.KindOf(err) != errors.ConfigError {
		t.Errorf("Expected config error for bad URL, got %v", err)
	}
	if _, err = New(context.Background(), cfg, "missing"); errors.KindOf(err) != errors.ConfigError {
		t.Errorf("Expected config error for unknown provider, got %v", err)
	}

	t.Setenv("ANTHROPIC_API_KEY", "")
	if _, err = New(context.Background(), cfg, "anthropic"); errors.KindOf(err) != errors.ProviderAuthError {
		t.Errorf("Expected auth error without a key, got %v", err)
	}
}
