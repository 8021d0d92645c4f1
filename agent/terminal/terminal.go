package terminal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/charmbracelet/glamour"
	"github.com/m4xw311/axon/agent"
	"github.com/m4xw311/axon/errors"
	"github.com/m4xw311/axon/logging"
	"github.com/m4xw311/axon/permission"
	"golang.org/x/term"
)

// Verbosity controls how much of each tool call is shown.
type Verbosity int

const (
	// VerbosityNone shows failed tool calls only.
	VerbosityNone Verbosity = iota
	// VerbosityInfo shows the name of every tool call.
	VerbosityInfo
	// VerbosityAll shows arguments, results and per-request usage.
	VerbosityAll
)

// ParseVerbosity maps "none", "info" or "all" to a Verbosity.
func ParseVerbosity(s string) (Verbosity, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return VerbosityNone, nil
	case "info":
		return VerbosityInfo, nil
	case "all":
		return VerbosityAll, nil
	}
	return VerbosityNone, errors.Errorf(errors.ConfigError, "invalid tool verbosity %q; must be 'none', 'info', or 'all'", s)
}

// maxResultPreview caps tool output echoed at VerbosityAll.
const maxResultPreview = 2000

// Options configures a Terminal.
type Options struct {
	Verbosity Verbosity
	// Markdown renders command output such as /help and /usage with glamour.
	Markdown bool
	// Width is the word-wrap width for rendered Markdown.
	Width int
}

// Terminal is the interactive front-end. It implements agent.Frontend.
type Terminal struct {
	in   io.Reader
	out  io.Writer
	opts Options

	renderer *glamour.TermRenderer

	startRead sync.Once
	lines     chan string
	readErr   error

	// mu serializes writes; Emit may be called from MCP goroutines.
	mu       sync.Mutex
	midLine  bool
	streamed bool
}

// New creates a terminal reading from in and writing to out.
func New(in io.Reader, out io.Writer, opts Options) *Terminal {
	t := &Terminal{in: in, out: out, opts: opts, lines: make(chan string)}
	if opts.Markdown {
		width := opts.Width
		if width <= 0 {
			width = 100
		}
		r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(width))
		if err != nil {
			logging.Warn("markdown rendering disabled", "error", err)
		} else {
			t.renderer = r
		}
	}
	return t
}

// Detect returns a terminal on in and out that renders Markdown when out is
// a TTY.
func Detect(in io.Reader, out io.Writer, verbosity Verbosity) *Terminal {
	opts := Options{Verbosity: verbosity}
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		opts.Markdown = true
		if w, _, err := term.GetSize(int(f.Fd())); err == nil {
			opts.Width = w
		}
	}
	return New(in, out, opts)
}

// Run reads input lines and hands them to a until EOF or an exit command.
// Ctrl-C cancels the running turn only.
func (t *Terminal) Run(ctx context.Context, a *agent.Agent, initialPrompt string) error {
	if initialPrompt != "" {
		if done, err := t.processTurn(ctx, a, initialPrompt); done {
			return err
		}
	}
	for {
		t.printf("You: ")
		line, err := t.readLine(ctx)
		if err != nil {
			t.printf("\n")
			if err == io.EOF {
				return nil
			}
			return err
		}
		if done, err := t.processTurn(ctx, a, line); done {
			return err
		}
	}
}

// processTurn runs one input. done reports that the loop should stop.
func (t *Terminal) processTurn(ctx context.Context, a *agent.Agent, input string) (done bool, err error) {
	turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	err = a.ProcessUserInput(turnCtx, input)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, agent.ErrExit):
		return true, nil
	case ctx.Err() != nil:
		return true, ctx.Err()
	case turnCtx.Err() != nil:
		t.finishLine()
		t.printf("Interrupted.\n")
		return false, nil
	}
	t.printf("Error: %v\n", err)
	return false, nil
}

// readLine returns the next input line. Reading happens on a separate
// goroutine so that a cancelled context does not wait for the user.
func (t *Terminal) readLine(ctx context.Context) (string, error) {
	t.startRead.Do(func() {
		go func() {
			scanner := bufio.NewScanner(t.in)
			for scanner.Scan() {
				t.lines <- scanner.Text()
			}
			t.readErr = scanner.Err()
			close(t.lines)
		}()
	})
	select {
	case line, ok := <-t.lines:
		if !ok {
			if t.readErr != nil {
				return "", t.readErr
			}
			return "", io.EOF
		}
		t.mu.Lock()
		t.midLine = false
		t.mu.Unlock()
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Confirm asks whether a tool call may run: y(es), a(lways) or n(o).
// Enter alone means yes.
func (t *Terminal) Confirm(ctx context.Context, req agent.PermissionPromptRequested) (permission.Decision, error) {
	t.printf("Allow %s? [Y]es / [a]lways / [n]o: ", req.Call.Name)
	line, err := t.readLine(ctx)
	if err != nil {
		t.printf("\n")
		return permission.Deny, err
	}
	return permission.ParseDecision(strings.ToLower(strings.TrimSpace(line))), nil
}

// Emit renders one agent event.
func (t *Terminal) Emit(ev agent.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev := ev.(type) {
	case agent.TextDelta:
		if !t.streamed {
			t.writeLocked("axon: ")
			t.streamed = true
		}
		t.writeLocked(ev.Text)
	case agent.ToolCallAnnounced:
		t.resetAnswerLocked()
		switch t.opts.Verbosity {
		case VerbosityAll:
			t.lineLocked("→ %s %s", ev.Call.Name, compactJSON(ev.Call.Args))
		case VerbosityInfo:
			t.lineLocked("→ %s", ev.Call.Name)
		}
	case agent.PermissionPromptRequested:
		t.resetAnswerLocked()
		source := ev.Descriptor.Source
		t.lineLocked("%s (%s) wants to run with %s", ev.Call.Name, source, compactJSON(ev.Call.Args))
	case agent.ToolResultAnnounced:
		r := ev.Result
		switch {
		case r.IsError:
			t.lineLocked("✗ %s: %s", r.Name, preview(r.Output))
		case t.opts.Verbosity == VerbosityAll:
			t.lineLocked("✓ %s:\n%s", r.Name, preview(r.Output))
		}
	case agent.UsageUpdated:
		if t.opts.Verbosity == VerbosityAll {
			u := ev.Request
			t.lineLocked("[%s:%s %d in (%d cached), %d out, $%.4f]", u.Provider, u.Model, u.InputTokens, u.CachedInputTokens, u.OutputTokens, u.Cost)
		}
	case agent.ErrorOccurred:
		t.resetAnswerLocked()
		if ev.Kind != errors.KindUnknown {
			t.lineLocked("Error (%s): %s", ev.Kind, ev.Message)
		} else {
			t.lineLocked("Error: %s", ev.Message)
		}
	case agent.Notice:
		t.resetAnswerLocked()
		text := ev.Text
		if ev.Markdown {
			text = t.render(text)
		}
		t.lineLocked("%s", strings.TrimRight(text, "\n"))
	case agent.TurnFinished:
		t.resetAnswerLocked()
	}
}

// resetAnswerLocked ends a streamed answer.
func (t *Terminal) resetAnswerLocked() {
	if t.midLine {
		t.writeLocked("\n")
	}
	t.streamed = false
}

func (t *Terminal) finishLine() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.midLine {
		t.writeLocked("\n")
	}
}

func (t *Terminal) render(md string) string {
	if t.renderer == nil {
		return md
	}
	out, err := t.renderer.Render(md)
	if err != nil {
		logging.Debug("markdown render failed", "error", err)
		return md
	}
	return out
}

func (t *Terminal) printf(format string, a ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeLocked(fmt.Sprintf(format, a...))
}

func (t *Terminal) lineLocked(format string, a ...any) {
	if t.midLine {
		t.writeLocked("\n")
	}
	t.writeLocked(fmt.Sprintf(format, a...) + "\n")
}

func (t *Terminal) writeLocked(s string) {
	if s == "" {
		return
	}
	io.WriteString(t.out, s)
	t.midLine = !strings.HasSuffix(s, "\n")
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func preview(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxResultPreview {
		cut := maxResultPreview
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		return s[:cut] + "\n… (truncated)"
	}
	return s
}
