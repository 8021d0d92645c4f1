package llm

import (
	"context"

	"github.com/m4xw311/axon/config"
	"github.com/m4xw311/axon/errors"
)

// New creates the provider registered under name in cfg.
func New(ctx context.Context, cfg *config.Config, name string) (Provider, error) {
	p, ok := cfg.Provider(name)
	if !ok {
		return nil, errors.Errorf(errors.ConfigError, "unknown provider %q", name)
	}
	kind := p.Kind
	if kind == "" {
		kind = p.Name
	}
	switch kind {
	case config.KindAnthropic:
		return NewAnthropic(p)
	case config.KindOpenAI:
		return NewOpenAI(p)
	case config.KindGemini:
		return NewGemini(ctx, p)
	case config.KindBedrock:
		return NewBedrock(ctx, p)
	case config.KindOllama:
		return NewOllama(p)
	case config.KindEcho:
		return NewEcho(p.Name), nil
	default:
		return nil, errors.Errorf(errors.ConfigError, "unsupported provider kind %q", kind)
	}
}
