package config

// DefaultMaxIterations bounds provider calls per user turn.
const DefaultMaxIterations = 25

// Provider kinds understood by the llm package.
const (
	KindAnthropic = "anthropic"
	KindOpenAI    = "openai"
	KindGemini    = "gemini"
	KindBedrock   = "bedrock"
	KindOllama    = "ollama"
	KindEcho      = "echo"
)

func knownKind(kind string) bool {
	switch kind {
	case KindAnthropic, KindOpenAI, KindGemini, KindBedrock, KindOllama, KindEcho:
		return true
	}
	return false
}

// DefaultModels is used when the configuration declares no models. Prices
// are USD per million tokens.
var DefaultModels = []Model{
	{Name: "anthropic:claude-opus-4-0", InputPrice: 3, CachedInputPrice: 1.5, OutputPrice: 15, ContextWindow: 200_000},
	{Name: "anthropic:claude-sonnet-4-0", InputPrice: 3, CachedInputPrice: 1.5, OutputPrice: 15, ContextWindow: 200_000},
	{Name: "gemini:gemini-2.5-pro", InputPrice: 1.25, CachedInputPrice: 1.25, OutputPrice: 10, ContextWindow: 2_000_000},
	{Name: "gemini:gemini-2.5-flash", InputPrice: 0.30, CachedInputPrice: 0.035, OutputPrice: 2.50, ContextWindow: 1_000_000},
	{Name: "openai:o4-mini", InputPrice: 1.10, CachedInputPrice: 0.275, OutputPrice: 4.40, ContextWindow: 200_000},
	{Name: "openai:o3", InputPrice: 10, CachedInputPrice: 2.5, OutputPrice: 40, ContextWindow: 200_000},
	{Name: "openai:gpt-4.1", InputPrice: 2, CachedInputPrice: 0.5, OutputPrice: 8, ContextWindow: 1_047_576},
	{Name: "openai:gpt-4.1-mini", InputPrice: 0.4, CachedInputPrice: 0.1, OutputPrice: 1.6, ContextWindow: 1_047_576},
	{Name: "openai:gpt-4.1-nano", InputPrice: 0.1, CachedInputPrice: 0.025, OutputPrice: 0.4, ContextWindow: 1_047_576},
	{Name: "bedrock:anthropic.claude-3-sonnet-20240229-v1:0", InputPrice: 3, CachedInputPrice: 3, OutputPrice: 15, ContextWindow: 200_000},
	{Name: "ollama:llama3.1", ContextWindow: 128_000},
	{Name: "echo:echo"},
}

// DefaultAllowedCommands are the command patterns run_command accepts when
// none are configured.
var DefaultAllowedCommands = func() []string {
	names := []string{
		"ls", "cat", "rg", "find", "pwd", "echo", "which", "head", "tail", "wc",
		"sort", "uniq", "diff", "tree", "file", "stat", "du", "df", "ps", "top",
		"env", "date", "whoami", "hostname", "uname", "id", "groups", "history",
	}
	patterns := make([]string, len(names))
	for i, n := range names {
		patterns[i] = `^` + n + `(\s|$)`
	}
	return patterns
}()
