package agent

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/m4xw311/axon/config"
	"github.com/m4xw311/axon/errors"
	"github.com/m4xw311/axon/session"
)

// DumpFile is where /dump writes the conversation.
const DumpFile = "dump.log"

const helpText = `**Commands**

| Command | Description |
|---|---|
| /help | Show this help |
| /yolo | Toggle yolo mode (run tools without confirmation) |
| /clear | Clear the conversation and the running usage |
| /model | List models |
| /model <n> | Switch to model n for the rest of the session |
| /model <n> default | Switch and save as the default model |
| /usage | Show token usage and cost |
| /dump | Write the conversation to dump.log |
| /mcp | Show MCP server status |
| /mcp reconnect <name> | Reconnect an MCP server |
| exit, quit | Leave axon |`

type command func(a *Agent, ctx context.Context, args []string) error

var commands = map[string]command{
	"/help":  (*Agent).cmdHelp,
	"/yolo":  (*Agent).cmdYolo,
	"/clear": (*Agent).cmdClear,
	"/model": (*Agent).cmdModel,
	"/usage": (*Agent).cmdUsage,
	"/dump":  (*Agent).cmdDump,
	"/mcp":   (*Agent).cmdMCP,
}

// runCommand handles input that is a session command. Commands never
// reach History.
func (a *Agent) runCommand(ctx context.Context, input string) (bool, error) {
	fields := strings.Fields(input)
	name := strings.ToLower(fields[0])
	switch name {
	case "exit", "quit", "/exit", "/quit":
		if len(fields) == 1 {
			return true, ErrExit
		}
		return false, nil
	}
	if !strings.HasPrefix(name, "/") {
		return false, nil
	}
	cmd, ok := commands[name]
	if !ok {
		a.frontend.Emit(ErrorOccurred{Message: fmt.Sprintf("unknown command %s; type /help for a list", fields[0])})
		return true, nil
	}
	if err := cmd(a, ctx, fields[1:]); err != nil {
		a.frontend.Emit(errorEvent(err))
	}
	return true, nil
}

func (a *Agent) cmdHelp(ctx context.Context, args []string) error {
	a.frontend.Emit(Notice{Text: helpText, Markdown: true})
	return nil
}

func (a *Agent) cmdYolo(ctx context.Context, args []string) error {
	if a.perms.Toggle() {
		a.frontend.Emit(Notice{Text: "Yolo mode on: tools run without confirmation."})
	} else {
		a.frontend.Emit(Notice{Text: "Yolo mode off: tools ask for confirmation again."})
	}
	return nil
}

func (a *Agent) cmdClear(ctx context.Context, args []string) error {
	a.session.History.Reset()
	a.session.Usage.ResetRunning()
	a.save()
	a.frontend.Emit(Notice{Text: "Conversation cleared."})
	return nil
}

func (a *Agent) cmdModel(ctx context.Context, args []string) error {
	if len(args) == 0 {
		a.frontend.Emit(Notice{Text: a.modelList(), Markdown: true})
		return nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 || n > len(a.cfg.Models) {
		return errors.Errorf(errors.ConfigError, "invalid model number %q; use /model to list models", args[0])
	}
	m := a.cfg.Models[n-1]
	if err := a.useModel(ctx, m); err != nil {
		return err
	}
	a.save()
	msg := fmt.Sprintf("Switched to %s.", m.Name)
	if len(args) > 1 && args[1] == "default" {
		if err := a.cfg.SaveDefaultModel(m.Name); err != nil {
			return err
		}
		msg = fmt.Sprintf("Switched to %s and saved it as the default model.", m.Name)
	}
	a.frontend.Emit(Notice{Text: msg})
	return nil
}

func (a *Agent) modelList() string {
	var b strings.Builder
	b.WriteString("**Models**\n\n| | # | Model | Input | Cached | Output | Context |\n|---|---|---|---|---|---|---|\n")
	for i, m := range a.cfg.Models {
		marker := ""
		if m.Name == a.model.Name {
			marker = "*"
		}
		fmt.Fprintf(&b, "| %s | %d | %s | %s | %s | %s | %s |\n", marker, i+1, m.Name,
			price(m.InputPrice), price(m.CachedInputPrice), price(m.OutputPrice), window(m))
	}
	b.WriteString("\nPrices are USD per million tokens. Use /model <n> to switch.")
	return b.String()
}

func price(p float64) string {
	if p == 0 {
		return "-"
	}
	return "$" + strconv.FormatFloat(p, 'f', -1, 64)
}

func window(m config.Model) string {
	if m.ContextWindow == 0 {
		return "-"
	}
	return strconv.Itoa(m.ContextWindow)
}

func (a *Agent) cmdUsage(ctx context.Context, args []string) error {
	a.frontend.Emit(Notice{Text: FormatUsage(a.session.Usage.Summary()), Markdown: true})
	return nil
}

// FormatUsage renders a usage summary as Markdown.
func FormatUsage(s session.Summary) string {
	var b strings.Builder
	writeBuckets := func(title string, buckets []session.Bucket, total float64) {
		fmt.Fprintf(&b, "**%s**\n\n", title)
		if len(buckets) == 0 {
			b.WriteString("No requests yet.\n\n")
			return
		}
		b.WriteString("| Provider | Model | Requests | Input | Cached | Output | Cost |\n|---|---|---|---|---|---|---|\n")
		for _, k := range buckets {
			fmt.Fprintf(&b, "| %s | %s | %d | %d | %d | %d | %s |\n",
				k.Provider, k.Model, k.Requests, k.InputTokens, k.CachedInputTokens, k.OutputTokens, cost(k.Cost, k.Priced))
		}
		fmt.Fprintf(&b, "\nTotal cost: $%.4f\n\n", total)
	}
	writeBuckets("This session", s.Running, s.RunningCost)
	writeBuckets("Lifetime", s.Lifetime, s.LifetimeCost)
	if s.Last != nil {
		fmt.Fprintf(&b, "**Last request**: %s:%s, %d input (%d cached), %d output, $%.4f",
			s.Last.Provider, s.Last.Model, s.Last.InputTokens, s.Last.CachedInputTokens, s.Last.OutputTokens, s.Last.Cost)
	}
	return strings.TrimSpace(b.String())
}

func cost(c float64, priced bool) string {
	if !priced {
		return "n/a"
	}
	return fmt.Sprintf("$%.4f", c)
}

func (a *Agent) cmdDump(ctx context.Context, args []string) error {
	if err := a.session.Dump(DumpFile); err != nil {
		return err
	}
	a.frontend.Emit(Notice{Text: fmt.Sprintf("Conversation written to %s.", DumpFile)})
	return nil
}

func (a *Agent) cmdMCP(ctx context.Context, args []string) error {
	if a.mcp == nil {
		a.frontend.Emit(Notice{Text: "No MCP servers configured."})
		return nil
	}
	if len(args) == 2 && args[0] == "reconnect" {
		if err := a.mcp.Reconnect(ctx, args[1]); err != nil {
			return err
		}
		a.frontend.Emit(Notice{Text: fmt.Sprintf("MCP server %s reconnected.", args[1])})
		return nil
	}
	if len(args) != 0 {
		return errors.New("usage: /mcp or /mcp reconnect <name>")
	}
	status := a.mcp.Status()
	if len(status) == 0 {
		a.frontend.Emit(Notice{Text: "No MCP servers configured."})
		return nil
	}
	lines := make([]string, len(status))
	for i, s := range status {
		lines[i] = s.String()
	}
	a.frontend.Emit(Notice{Text: strings.Join(lines, "\n")})
	return nil
}
