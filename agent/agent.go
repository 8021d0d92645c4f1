package agent

import (
	"context"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m4xw311/axon/config"
	"github.com/m4xw311/axon/errors"
	"github.com/m4xw311/axon/llm"
	"github.com/m4xw311/axon/logging"
	"github.com/m4xw311/axon/permission"
	"github.com/m4xw311/axon/session"
	"github.com/m4xw311/axon/tools"
	"github.com/m4xw311/axon/tools/mcp"
	"golang.org/x/sync/errgroup"
)

// ErrExit is returned by ProcessUserInput when the user asked to leave.
var ErrExit = errors.New("exit requested")

// ProviderFactory creates the provider registered under name.
type ProviderFactory func(ctx context.Context, name string) (llm.Provider, error)

// Ledger persists usage across runs.
type Ledger interface {
	Record(ctx context.Context, sessionID string, r session.Request, priced bool) error
}

// Options wires an Agent. Config, Session, Registry and Frontend are required.
type Options struct {
	Config   *config.Config
	Session  *session.Session
	Registry *tools.Registry
	Frontend Frontend
	// Providers defaults to llm.New over Config.
	Providers ProviderFactory
	// MCP, Ledger and Changes are optional.
	MCP     *mcp.Manager
	Ledger  Ledger
	Changes ChangeSource
	Yolo    bool
	// Model overrides the configured default ("provider:model" table name).
	Model string
}

// Agent is the session orchestrator: it owns the conversation and runs the
// provider/tool loop for each user turn.
type Agent struct {
	cfg       *config.Config
	session   *session.Session
	registry  *tools.Registry
	frontend  Frontend
	providers ProviderFactory
	mcp       *mcp.Manager
	ledger    Ledger
	perms     *permission.State
	sysctx    *contextBuilder

	// mu serializes turns and commands.
	mu       sync.Mutex
	model    config.Model
	provider llm.Provider
	cache    map[string]llm.Provider
}

// New creates an agent and its active provider.
func New(ctx context.Context, opts Options) (*Agent, error) {
	if opts.Config == nil || opts.Session == nil || opts.Registry == nil || opts.Frontend == nil {
		return nil, errors.New("agent: config, session, registry and frontend are required")
	}
	a := &Agent{
		cfg:       opts.Config,
		session:   opts.Session,
		registry:  opts.Registry,
		frontend:  opts.Frontend,
		providers: opts.Providers,
		mcp:       opts.MCP,
		ledger:    opts.Ledger,
		perms:     permission.NewState(opts.Yolo),
		cache:     make(map[string]llm.Provider),
		sysctx: &contextBuilder{
			guideFile: opts.Config.GuideFile,
			changes:   opts.Changes,
			getwd:     os.Getwd,
			now:       time.Now,
		},
	}
	if a.providers == nil {
		cfg := opts.Config
		a.providers = func(ctx context.Context, name string) (llm.Provider, error) { return llm.New(ctx, cfg, name) }
	}

	model, err := a.initialModel(opts.Model)
	if err != nil {
		return nil, err
	}
	if err := a.useModel(ctx, model); err != nil {
		return nil, err
	}
	if a.mcp != nil {
		a.mcp.SetNotifier(func(name string, err error) { a.frontend.Emit(errorEvent(err)) })
	}
	return a, nil
}

// initialModel picks the explicit model, then the one a resumed session
// used, then the configured default.
func (a *Agent) initialModel(name string) (config.Model, error) {
	if name != "" {
		if m, ok := a.cfg.FindModel(name); ok {
			return m, nil
		}
		return config.Model{}, errors.Errorf(errors.ConfigError, "unknown model %q", name)
	}
	if a.session.Provider != "" && a.session.Model != "" {
		if m, ok := a.cfg.FindModel(a.session.Provider + ":" + a.session.Model); ok {
			return m, nil
		}
	}
	return a.cfg.ActiveModel()
}

// useModel makes m the target of future provider calls. History is not touched.
func (a *Agent) useModel(ctx context.Context, m config.Model) error {
	p, ok := a.cache[m.Provider]
	if !ok {
		var err error
		if p, err = a.providers(ctx, m.Provider); err != nil {
			return err
		}
		a.cache[m.Provider] = p
	}
	a.provider = p
	a.model = m
	a.session.Provider = m.Provider
	a.session.Model = m.Model
	return nil
}

// Session returns the conversation the agent owns.
func (a *Agent) Session() *session.Session { return a.session }

// Model returns the active model.
func (a *Agent) Model() config.Model {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.model
}

// Close releases provider clients that hold resources.
func (a *Agent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	for id, p := range a.cache {
		if c, ok := p.(io.Closer); ok {
			if err := c.Close(); err != nil {
				logging.Warn("closing provider", "provider", id, "error", err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	a.cache = make(map[string]llm.Provider)
	return firstErr
}

// Yolo reports whether confirmations are skipped.
func (a *Agent) Yolo() bool { return a.perms.Yolo() }

// ProcessUserInput runs a command or a full user turn. Errors from the
// provider or tools are reported to the front-end, not returned; the only
// errors returned are ErrExit and ctx's error when the turn was interrupted.
func (a *Agent) ProcessUserInput(ctx context.Context, input string) error {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if handled, err := a.runCommand(ctx, input); handled {
		return err
	}
	defer a.frontend.Emit(TurnFinished{})
	err := a.runTurn(ctx, input)
	a.save()
	return err
}

func (a *Agent) runTurn(ctx context.Context, input string) error {
	if a.mcp != nil {
		if err := a.mcp.EnsureStarted(ctx); err != nil {
			a.frontend.Emit(errorEvent(err))
		}
	}
	a.session.History.Append(session.Message{Role: session.RoleUser, Content: input})

	limit := a.cfg.MaxIterations
	if limit <= 0 {
		limit = config.DefaultMaxIterations
	}
	for i := 0; i < limit; i++ {
		st, err := a.dispatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.frontend.Emit(*err)
			return nil
		}

		if len(st.calls) == 0 {
			a.session.History.Append(session.Message{Role: session.RoleAssistant, Content: st.text})
			return nil
		}

		results, cerr := a.executeCalls(ctx, st.calls)
		if cerr != nil {
			return cerr
		}
		msgs := make([]session.Message, 0, len(results)+1)
		msgs = append(msgs, session.Message{Role: session.RoleAssistant, Content: st.text, ToolCalls: st.calls})
		for _, r := range results {
			msgs = append(msgs, r.Message())
		}
		a.session.History.Append(msgs...)
		a.save()
	}

	a.frontend.Emit(ErrorOccurred{
		Kind:    errors.TurnLimitExceeded,
		Message: "turn limit exceeded: stopped after " + strconv.Itoa(limit) + " provider calls",
	})
	return nil
}

// step is one completed provider call.
type step struct {
	text  string
	calls []session.ToolCall
}

// dispatch makes one provider call with fresh system context. A failure is
// returned as an ErrorOccurred; nothing is appended to History here.
func (a *Agent) dispatch(ctx context.Context) (step, *ErrorOccurred) {
	caps := a.provider.Capabilities()
	msgs := append([]session.Message{a.sysctx.build()}, a.session.History.Messages()...)
	if !caps.SystemPrompt {
		msgs = llm.FoldSystem(msgs)
	}
	req := llm.Request{Model: a.model.Model, Messages: msgs}
	if caps.ToolCalls {
		req.Tools = a.registry.Descriptors()
	}

	var st step
	var text strings.Builder
	seen := make(map[string]bool)
	var done *llm.TurnComplete
	for ev := range a.provider.Send(ctx, req) {
		switch ev := ev.(type) {
		case llm.TextDelta:
			text.WriteString(ev.Text)
			a.frontend.Emit(TextDelta{Text: ev.Text})
		case llm.ToolCallRequested:
			call := ev.Call
			if call.ID == "" || seen[call.ID] {
				call.ID = "call_" + uuid.NewString()
			}
			seen[call.ID] = true
			if call.Args == nil {
				call.Args = map[string]any{}
			}
			st.calls = append(st.calls, call)
		case llm.TurnComplete:
			done = &ev
		case llm.Failed:
			logging.Warn("provider call failed", "provider", a.provider.ID(), "model", a.model.Model, "kind", ev.Kind, "retryable", ev.Kind.Retryable(), "error", ev.Message)
			return step{}, &ErrorOccurred{Kind: ev.Kind, Message: ev.Message}
		}
	}
	if ctx.Err() != nil {
		return step{}, &ErrorOccurred{Kind: errors.KindUnknown, Message: ctx.Err().Error()}
	}
	if done == nil {
		return step{}, &ErrorOccurred{Kind: errors.ProviderTransportError, Message: "response stream ended without completion"}
	}
	st.text = text.String()
	a.recordUsage(ctx, done.Usage)
	return st, nil
}

func (a *Agent) recordUsage(ctx context.Context, u session.Usage) {
	req := a.session.Usage.Record(a.model.Provider, a.model.Model, u)
	if a.ledger != nil {
		_, priced := a.cfg.Rate(a.model.Provider, a.model.Model)
		if err := a.ledger.Record(ctx, a.session.ID, req, priced); err != nil {
			logging.Warn("failed to record usage", "error", err)
		}
	}
	a.frontend.Emit(UsageUpdated{Request: req, Summary: a.session.Usage.Summary()})
}

// executeCalls asks for permission one call at a time, then runs every
// approved call concurrently. Results are returned in request order once
// all calls have finished.
func (a *Agent) executeCalls(ctx context.Context, calls []session.ToolCall) ([]session.ToolResult, error) {
	results := make([]session.ToolResult, len(calls))
	toolsEnabled := a.provider.Capabilities().ToolCalls
	var approved []int

	for i, call := range calls {
		desc, known := a.registry.Resolve(call.Name)
		a.frontend.Emit(ToolCallAnnounced{Call: call, Source: desc.Source})
		switch {
		case !toolsEnabled:
			results[i] = session.ToolResult{
				ToolCallID: call.ID, Name: call.Name, IsError: true, Kind: errors.ToolValidationError,
				Output: "tools are not available with the active provider",
			}
			continue
		case !known:
			// The registry reports unknown tools without running anything.
			approved = append(approved, i)
			continue
		}

		if permission.ShouldConfirm(desc, a.perms.Snapshot()) {
			prompt := PermissionPromptRequested{Call: call, Descriptor: desc}
			a.frontend.Emit(prompt)
			decision, err := a.frontend.Confirm(ctx, prompt)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if err != nil {
				logging.Warn("permission prompt failed", "tool", call.Name, "error", err)
				decision = permission.Deny
			}
			switch decision {
			case permission.Deny:
				results[i] = session.ToolResult{
					ToolCallID: call.ID, Name: call.Name, IsError: true,
					Output: "The user declined to run " + call.Name + ".",
				}
				continue
			case permission.AllowAlways:
				a.perms.Remember(call.Name)
			}
		}
		approved = append(approved, i)
	}

	var g errgroup.Group
	for _, i := range approved {
		g.Go(func() error {
			results[i] = a.registry.Invoke(ctx, calls[i])
			return nil
		})
	}
	g.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	for _, r := range results {
		if r.IsError {
			logging.Info("tool call failed", "tool", r.Name, "kind", r.Kind, "output", r.Output)
		}
		a.frontend.Emit(ToolResultAnnounced{Result: r})
	}
	return results, nil
}

func (a *Agent) save() {
	if a.session.Path() == "" {
		return
	}
	if err := a.session.Save(); err != nil {
		logging.Warn("failed to save session", "session", a.session.Name, "error", err)
	}
}
