package tools

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/axon/config"
	"github.com/m4xw311/axon/errors"
	"github.com/m4xw311/axon/logging"
)

// Policy applies the filesystem_access and allowed_commands settings.
type Policy struct {
	Hidden          []string
	ReadOnly        []string
	AllowedCommands []*regexp.Regexp
}

// NewPolicy compiles the access settings of cfg. Invalid command patterns
// are logged and skipped.
func NewPolicy(cfg *config.Config) *Policy {
	p := &Policy{
		Hidden:   cfg.FilesystemAccess.Hidden,
		ReadOnly: cfg.FilesystemAccess.ReadOnly,
	}
	for _, pattern := range cfg.AllowedCommands {
		re, err := regexp.Compile(pattern)
		if err != nil {
			logging.Warn("invalid regex in allowed_commands", "pattern", pattern, "error", err)
			continue
		}
		p.AllowedCommands = append(p.AllowedCommands, re)
	}
	return p
}

// CheckRead rejects hidden paths.
func (p *Policy) CheckRead(path string) error {
	hidden, err := isPathRestricted(path, p.Hidden)
	if err != nil {
		return err
	}
	if hidden {
		return errors.New("access denied: path '%s' is hidden", path)
	}
	return nil
}

// CheckWrite rejects hidden and read-only paths.
func (p *Policy) CheckWrite(path string) error {
	if err := p.CheckRead(path); err != nil {
		return err
	}
	readOnly, err := isPathRestricted(path, p.ReadOnly)
	if err != nil {
		return err
	}
	if readOnly {
		return errors.New("access denied: path '%s' is read-only", path)
	}
	return nil
}

// IsHidden reports whether path matches a hidden pattern; bad patterns count
// as a match.
func (p *Policy) IsHidden(path string) bool {
	hidden, err := isPathRestricted(path, p.Hidden)
	return hidden || err != nil
}

// CommandAllowed reports whether command matches an allowed_commands pattern.
func (p *Policy) CommandAllowed(command string) bool {
	if len(strings.Fields(command)) == 0 {
		return false
	}
	for _, re := range p.AllowedCommands {
		if re.MatchString(command) {
			return true
		}
	}
	return false
}

// isPathRestricted checks if a path matches any of the glob patterns.
func isPathRestricted(path string, patterns []string) (bool, error) {
	if filepath.IsAbs(path) {
		if wd, err := os.Getwd(); err == nil {
			if rel, err := filepath.Rel(wd, path); err == nil && !strings.HasPrefix(rel, "..") {
				path = rel
			}
		}
	}
	clean := filepath.ToSlash(filepath.Clean(path))
	for _, pattern := range patterns {
		match, err := doublestar.Match(pattern, clean)
		if err != nil {
			return false, errors.Wrapf(err, "invalid glob pattern '%s'", pattern)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

// remarshal converts between JSON-compatible representations.
func remarshal(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func stringArg(args map[string]any, key string) (string, bool) {
	s, ok := args[key].(string)
	return s, ok
}

// objectSchema builds a JSON Schema object with string properties.
func objectSchema(required []string, props map[string]string) map[string]any {
	p := make(map[string]any, len(props))
	for name, desc := range props {
		p[name] = map[string]any{"type": "string", "description": desc}
	}
	req := make([]any, len(required))
	for i, r := range required {
		req[i] = r
	}
	return map[string]any{"type": "object", "properties": p, "required": req}
}
