package tools

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/axon/errors"
)

const findLimit = 200

var errFindLimit = errors.New("result limit reached")

// FindTool searches files by glob and, optionally, by content.
type FindTool struct {
	policy *Policy
}

func (t *FindTool) Name() string   { return "find" }
func (t *FindTool) ReadOnly() bool { return true }
func (t *FindTool) Description() string {
	return "Finds files whose path matches a glob such as '**/*.go'. With 'contains', reports matching lines as path:line:text."
}

func (t *FindTool) InputSchema() map[string]any {
	return objectSchema([]string{"pattern"}, map[string]string{
		"pattern":  "Glob relative to the working directory; '**' matches any number of directories.",
		"contains": "Optional regular expression to search for inside matching files.",
	})
}

func (t *FindTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	pattern, _ := stringArg(args, "pattern")
	if pattern == "" {
		return "", errors.E(errors.ToolValidationError, errors.New("'pattern' is required"))
	}
	if !doublestar.ValidatePattern(pattern) {
		return "", errors.E(errors.ToolValidationError, errors.New("invalid glob pattern '%s'", pattern))
	}
	var re *regexp.Regexp
	if expr, _ := stringArg(args, "contains"); expr != "" {
		var err error
		if re, err = regexp.Compile(expr); err != nil {
			return "", errors.E(errors.ToolValidationError, errors.Wrapf(err, "invalid 'contains' expression"))
		}
	}

	fsys := os.DirFS(".")
	var results []string
	truncated := false
	err := doublestar.GlobWalk(fsys, pattern, func(p string, d fs.DirEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if t.policy.IsHidden(p) {
			if d.IsDir() {
				return doublestar.SkipDir
			}
			return nil
		}
		if re == nil {
			results = append(results, p)
		} else if !d.IsDir() {
			results = append(results, grepFile(fsys, p, re, findLimit-len(results))...)
		}
		if len(results) >= findLimit {
			truncated = true
			return errFindLimit
		}
		return nil
	})
	if err != nil && err != errFindLimit {
		return "", errors.Wrapf(err, "find failed")
	}
	if len(results) == 0 {
		return "no matches", nil
	}
	out := strings.Join(results, "\n")
	if truncated {
		out += fmt.Sprintf("\n... (truncated at %d results)", findLimit)
	}
	return out, nil
}

func grepFile(fsys fs.FS, p string, re *regexp.Regexp, max int) []string {
	f, err := fsys.Open(p)
	if err != nil {
		return nil
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() && len(out) < max {
		line++
		text := sc.Text()
		if strings.IndexByte(text, 0) >= 0 {
			return out
		}
		if re.MatchString(text) {
			out = append(out, fmt.Sprintf("%s:%d:%s", path.Clean(p), line, text))
		}
	}
	return out
}
