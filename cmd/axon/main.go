package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/m4xw311/axon/agent"
	"github.com/m4xw311/axon/agent/acp"
	"github.com/m4xw311/axon/agent/terminal"
	"github.com/m4xw311/axon/config"
	"github.com/m4xw311/axon/errors"
	"github.com/m4xw311/axon/logging"
	"github.com/m4xw311/axon/session"
	"github.com/m4xw311/axon/store"
	"github.com/m4xw311/axon/tools"
	"github.com/m4xw311/axon/tools/mcp"
	"github.com/m4xw311/axon/watch"
	"github.com/spf13/cobra"
)

type options struct {
	session       string
	resume        string
	model         string
	toolVerbosity string
	logLevel      string
	yolo          bool
	acp           bool
	trace         bool
}

// app holds everything a run needs from its environment.
type app struct {
	opts options
	home string
	wd   string
	in   io.Reader
	out  io.Writer
	// dial starts MCP servers; tests replace it.
	dial mcp.Dialer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{dial: mcp.CommandDialer}
	cmd := &cobra.Command{
		Use:           "axon [prompt...]",
		Short:         "An agentic coding assistant for the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			home, _ := os.UserHomeDir()
			wd, err := os.Getwd()
			if err != nil {
				return errors.Wrapf(err, "could not get working directory")
			}
			a.home, a.wd = home, wd
			a.in, a.out = cmd.InOrStdin(), cmd.OutOrStdout()
			return a.run(cmd.Context(), strings.Join(args, " "))
		},
	}
	f := cmd.Flags()
	f.StringVarP(&a.opts.session, "session", "s", "", "Session name to create")
	f.StringVarP(&a.opts.resume, "resume", "r", "", "Resume a session by name")
	f.StringVarP(&a.opts.model, "model", "m", "", "Model to use, as provider:model")
	f.StringVar(&a.opts.toolVerbosity, "tool-verbosity", "none", "Tool verbosity level: 'none', 'info', or 'all'")
	f.StringVar(&a.opts.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	f.BoolVar(&a.opts.yolo, "yolo", false, "Run tools without asking for confirmation")
	f.BoolVar(&a.opts.acp, "acp", false, "Serve the Agent Client Protocol on stdio")
	f.BoolVar(&a.opts.trace, "trace", false, "Enable debug logging to troubleshoot issues")
	cmd.MarkFlagsMutuallyExclusive("session", "resume")
	return cmd
}

func (a *app) run(ctx context.Context, prompt string) error {
	verbosity, err := terminal.ParseVerbosity(a.opts.toolVerbosity)
	if err != nil {
		return err
	}
	cfg, err := config.Load(a.home, a.wd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.ApplyEnv()

	stateDir := a.stateDir()
	level := logging.Level(cfg.LogLevel)
	if a.opts.logLevel != "" {
		level = logging.Level(a.opts.logLevel)
	}
	if a.opts.trace {
		level = "debug"
	}
	if err := logging.Setup(filepath.Join(stateDir, "logs"), level); err != nil {
		return errors.Wrapf(err, "could not set up logging")
	}
	defer logging.Close()
	logging.Info("starting", "wd", a.wd, "acp", a.opts.acp)

	registry, err := tools.NewToolRegistry(cfg)
	if err != nil {
		return err
	}
	manager := mcp.NewManager(cfg.MCPServers, registry, a.dial)
	defer manager.Shutdown()
	// Servers that fail to spawn only show up in /mcp; a tool name
	// collision stops startup.
	if err := manager.Start(ctx); err != nil {
		return err
	}

	ledger, err := store.Open(ctx, filepath.Join(stateDir, "usage.db"))
	if err != nil {
		return err
	}
	defer ledger.Close()
	totals, err := ledger.Totals(ctx)
	if err != nil {
		logging.Warn("reading lifetime usage", "error", err)
	}

	var changes agent.ChangeSource
	if cfg.WatchEnabled() {
		rec, err := watch.New(a.wd)
		if err != nil {
			logging.Warn("file watching disabled", "error", err)
		} else {
			defer rec.Close()
			changes = rec
		}
	}

	sessionsDir := filepath.Join(a.wd, config.DirName, "sessions")
	newSession := func(name string) (*session.Session, error) {
		sess, err := session.New(sessionsDir, name, cfg)
		if err != nil {
			return nil, err
		}
		sess.Usage.Seed(totals)
		return sess, nil
	}
	loadSession := func(name string) (*session.Session, error) {
		sess, err := session.Load(sessionsDir, name, cfg)
		if err != nil {
			return nil, err
		}
		sess.Usage.Seed(totals)
		return sess, nil
	}
	newAgent := func(ctx context.Context, sess *session.Session, fe agent.Frontend) (*agent.Agent, error) {
		return agent.New(ctx, agent.Options{
			Config:   cfg,
			Session:  sess,
			Registry: registry,
			Frontend: fe,
			MCP:      manager,
			Ledger:   ledger,
			Changes:  changes,
			Yolo:     a.opts.yolo,
			Model:    a.opts.model,
		})
	}

	if a.opts.acp {
		server := acp.NewServer(a.in, a.out, acp.Options{
			NewSession:  newSession,
			LoadSession: loadSession,
			NewAgent:    newAgent,
		})
		return server.Run(ctx)
	}

	var sess *session.Session
	if a.opts.resume != "" {
		sess, err = loadSession(a.opts.resume)
		if err != nil {
			return errors.Wrapf(err, "error resuming session '%s'", a.opts.resume)
		}
		fmt.Fprintf(a.out, "Resuming session: %s\n", sess.Name)
	} else {
		name := a.opts.session
		if name == "" {
			name = defaultSessionName(a.wd, time.Now())
		}
		sess, err = newSession(name)
		if err != nil {
			return errors.Wrapf(err, "error creating session '%s'", name)
		}
		fmt.Fprintf(a.out, "Starting new session: %s\n", sess.Name)
	}

	tty := terminal.Detect(a.in, a.out, verbosity)
	ag, err := newAgent(ctx, sess, tty)
	if err != nil {
		return err
	}
	defer ag.Close()
	fmt.Fprintf(a.out, "axon is ready (%s). Type your prompt, or /help.\n", ag.Model().Name)
	return tty.Run(ctx, ag, prompt)
}

// stateDir holds the log files and the usage ledger: ~/.axon, or the
// project's .axon when there is no home directory.
func (a *app) stateDir() string {
	if a.home != "" {
		return filepath.Join(a.home, config.DirName)
	}
	return filepath.Join(a.wd, config.DirName)
}

func defaultSessionName(wd string, now time.Time) string {
	dirName := filepath.Base(wd)
	if wd == "" || dirName == "/" || dirName == "." {
		dirName = "axon"
	}
	return fmt.Sprintf("%s_%s", dirName, now.Format("2006-01-02_15-04-05"))
}
