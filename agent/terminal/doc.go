// Package terminal implements the interactive command-line front-end.
//
// A Terminal reads one line at a time, hands it to an agent.Agent and
// renders the agent's events as they arrive: streamed assistant text,
// tool calls, permission prompts, errors and command output. Command
// output marked as Markdown (/help, /usage, /model) is rendered with
// glamour when stdout is a terminal.
//
// # Usage
//
//	term := terminal.Detect(os.Stdin, os.Stdout, terminal.VerbosityInfo)
//	a, err := agent.New(ctx, agent.Options{..., Frontend: term})
//	if err != nil {
//	    // handle error
//	}
//	err = term.Run(ctx, a, initialPrompt)
//
// # Permission prompts
//
// Tool calls that need confirmation are answered with y (run once),
// a (run and stop asking for this tool) or n (decline). Enter alone
// means y.
//
// # Verbosity Levels
//
//   - None: only failed tool calls are shown
//   - Info: tool names are shown when called
//   - All: tool arguments, results and per-request usage are shown
//
// Ctrl-C cancels the running turn; exit, quit or end of input leave the
// session.
package terminal
