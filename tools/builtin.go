package tools

import "github.com/m4xw311/axon/config"

// Builtins returns the local tools configured by cfg.
func Builtins(cfg *config.Config) []Tool {
	p := NewPolicy(cfg)
	return []Tool{
		&ReadFileTool{policy: p},
		&WriteFileTool{policy: p},
		&UpdateFileTool{policy: p},
		&ListDirectoryTool{policy: p},
		&FindTool{policy: p},
		&RunCommandTool{policy: p},
		&GitAddTool{policy: p},
		&GitCommitTool{},
	}
}

// NewToolRegistry returns a registry holding the built-in tools.
func NewToolRegistry(cfg *config.Config) (*Registry, error) {
	r := NewRegistry(cfg.AllowedTools)
	if err := r.AddSource(SourceLocal, Builtins(cfg)); err != nil {
		return nil, err
	}
	return r, nil
}
