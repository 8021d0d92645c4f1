package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/m4xw311/axon/logging"
	"github.com/m4xw311/axon/session"
	"github.com/m4xw311/axon/watch"
)

// recentChangeLimit caps the recently changed files listed per call.
const recentChangeLimit = 10

const baseInstructions = `You are axon, a coding assistant working in the user's project directory.
Use the available tools to inspect and change files and to run commands.
Prefer small, verifiable steps. When a tool call fails, read the error and adapt.
Answer concisely; use Markdown when it helps.`

// ChangeSource reports recently changed files.
type ChangeSource interface {
	Recent(n int) []watch.Change
}

// contextBuilder produces the per-call system message. It is rebuilt for
// every provider call and never stored in History.
type contextBuilder struct {
	guideFile string
	changes   ChangeSource
	getwd     func() (string, error)
	now       func() time.Time
}

func (b *contextBuilder) build() session.Message {
	var sb strings.Builder
	sb.WriteString(baseInstructions)

	wd, err := b.getwd()
	if err != nil {
		logging.Warn("cannot determine working directory", "error", err)
	}
	if guide := b.guide(wd); guide != "" {
		fmt.Fprintf(&sb, "\n\n<project-guide>\n%s\n</project-guide>", guide)
	}

	sb.WriteString("\n\n<reminders>")
	if wd != "" {
		fmt.Fprintf(&sb, "\nCurrent working directory: %s", wd)
	}
	fmt.Fprintf(&sb, "\nCurrent date: %s", b.now().Format("2006-01-02 (Monday)"))
	if b.changes != nil {
		if recent := b.changes.Recent(recentChangeLimit); len(recent) > 0 {
			sb.WriteString("\nRecently changed files (most recent first):")
			for _, c := range recent {
				fmt.Fprintf(&sb, "\n- %s (%s %s)", c.Path, c.Op, c.At.Format("15:04:05"))
			}
		}
	}
	sb.WriteString("\n</reminders>")

	return session.Message{Role: session.RoleSystem, Content: sb.String()}
}

// guide reads the guide file verbatim. A missing file is not an error.
func (b *contextBuilder) guide(wd string) string {
	if b.guideFile == "" {
		return ""
	}
	path := b.guideFile
	if !filepath.IsAbs(path) && wd != "" {
		path = filepath.Join(wd, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Warn("cannot read guide file", "path", path, "error", err)
		}
		return ""
	}
	return strings.TrimSpace(string(data))
}
