package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/m4xw311/axon/errors"
)

// RunCommandTool implements the tool for running OS commands.
type RunCommandTool struct {
	policy *Policy
}

func (t *RunCommandTool) Name() string   { return "run_command" }
func (t *RunCommandTool) ReadOnly() bool { return false }
func (t *RunCommandTool) Description() string {
	if len(t.policy.AllowedCommands) == 0 {
		return "Executes a command. No commands are currently allowed."
	}

	var b strings.Builder
	b.WriteString("Executes a command without a shell. Allowed command patterns:\n")
	for _, re := range t.policy.AllowedCommands {
		fmt.Fprintf(&b, "- %s\n", re.String())
	}
	return b.String()
}

func (t *RunCommandTool) InputSchema() map[string]any {
	return objectSchema([]string{"command"}, map[string]string{"command": "Command line to execute."})
}

func (t *RunCommandTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	command, ok := stringArg(args, "command")
	if !ok {
		return "", errors.E(errors.ToolValidationError, errors.New("missing or invalid 'command' argument"))
	}
	if !t.policy.CommandAllowed(command) {
		return "", errors.New("command '%s' is not in the list of allowed commands", command)
	}

	parts := strings.Fields(command)
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", errors.Wrapf(err, "command execution failed. Output:\n%s", string(output))
	}

	return fmt.Sprintf("Command executed successfully. Output:\n%s", string(output)), nil
}

// GitAddTool stages paths.
type GitAddTool struct {
	policy *Policy
}

func (t *GitAddTool) Name() string        { return "git_add" }
func (t *GitAddTool) ReadOnly() bool      { return false }
func (t *GitAddTool) Description() string { return "Stages files with git add." }

func (t *GitAddTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"paths": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Paths to stage.",
			},
		},
		"required": []any{"paths"},
	}
}

func (t *GitAddTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	raw, _ := args["paths"].([]any)
	if len(raw) == 0 {
		return "", errors.E(errors.ToolValidationError, errors.New("'paths' must be a non-empty list"))
	}
	gitArgs := []string{"add", "--"}
	for _, p := range raw {
		s, ok := p.(string)
		if !ok {
			return "", errors.E(errors.ToolValidationError, errors.New("'paths' must contain strings"))
		}
		if err := t.policy.CheckWrite(s); err != nil {
			return "", err
		}
		gitArgs = append(gitArgs, s)
	}
	return runGit(ctx, gitArgs...)
}

// GitCommitTool records staged changes.
type GitCommitTool struct{}

func (t *GitCommitTool) Name() string        { return "git_commit" }
func (t *GitCommitTool) ReadOnly() bool      { return false }
func (t *GitCommitTool) Description() string { return "Commits staged changes with a message." }

func (t *GitCommitTool) InputSchema() map[string]any {
	return objectSchema([]string{"message"}, map[string]string{"message": "Commit message."})
}

func (t *GitCommitTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	msg, _ := stringArg(args, "message")
	if strings.TrimSpace(msg) == "" {
		return "", errors.E(errors.ToolValidationError, errors.New("'message' must not be empty"))
	}
	return runGit(ctx, "commit", "-m", msg)
}

func runGit(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "git", args...).CombinedOutput()
	if err != nil {
		return "", errors.Wrapf(err, "git %s failed:\n%s", args[0], out)
	}
	return strings.TrimSpace(string(out)), nil
}
