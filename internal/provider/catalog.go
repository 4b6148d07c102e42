package provider

import "strings"

// ModelInfo describes the token geometry of a known model.
type ModelInfo struct {
	ID            string
	Provider      string
	ContextWindow int
	MaxOutput     int
}

// catalog lists models with known context windows. Dated or suffixed
// variants resolve by prefix, so "claude-sonnet-4-5-20250929" matches the
// "claude-sonnet-4-5" entry.
var catalog = []ModelInfo{
	{ID: "claude-sonnet-4-5", Provider: "anthropic", ContextWindow: 200000, MaxOutput: 64000},
	{ID: "claude-opus-4-1", Provider: "anthropic", ContextWindow: 200000, MaxOutput: 32000},
	{ID: "claude-opus-4", Provider: "anthropic", ContextWindow: 200000, MaxOutput: 32000},
	{ID: "claude-sonnet-4", Provider: "anthropic", ContextWindow: 200000, MaxOutput: 64000},
	{ID: "claude-3-7-sonnet", Provider: "anthropic", ContextWindow: 200000, MaxOutput: 64000},
	{ID: "claude-3-5-haiku", Provider: "anthropic", ContextWindow: 200000, MaxOutput: 8192},
	{ID: "gpt-4o-mini", Provider: "openai", ContextWindow: 128000, MaxOutput: 16384},
	{ID: "gpt-4o", Provider: "openai", ContextWindow: 128000, MaxOutput: 16384},
	{ID: "gpt-4.1", Provider: "openai", ContextWindow: 1000000, MaxOutput: 32768},
	{ID: "llama3.1", Provider: "openai", ContextWindow: 131072, MaxOutput: 8192},
	{ID: "llama3.2", Provider: "openai", ContextWindow: 131072, MaxOutput: 8192},
	{ID: "qwen2.5", Provider: "openai", ContextWindow: 32768, MaxOutput: 8192},
	{ID: "deepseek-r1", Provider: "openai", ContextWindow: 65536, MaxOutput: 8192},
	{ID: "mistral", Provider: "openai", ContextWindow: 32768, MaxOutput: 8192},
}

// LookupModel resolves a model id to its catalog entry. The full id is
// tried first, exact then by prefix, so ollama tags like "llama3.1:8b"
// resolve without qualifier handling. Ids with an unrecognized head are
// retried with the part after the first colon, which resolves qualified
// forms like "anthropic:claude-sonnet-4-5".
func LookupModel(model string) (ModelInfo, bool) {
	if info, ok := lookup(model); ok {
		return info, true
	}
	if _, rest, ok := strings.Cut(model, ":"); ok {
		return lookup(rest)
	}
	return ModelInfo{}, false
}

func lookup(id string) (ModelInfo, bool) {
	for _, info := range catalog {
		if info.ID == id {
			return info, true
		}
	}
	for _, info := range catalog {
		if strings.HasPrefix(id, info.ID) {
			return info, true
		}
	}
	return ModelInfo{}, false
}

// ContextWindowFor returns the model's context window, or fallback for
// models not in the catalog.
func ContextWindowFor(model string, fallback int) int {
	if info, ok := LookupModel(model); ok {
		return info.ContextWindow
	}
	return fallback
}

// MaxOutputFor returns the model's output ceiling, or fallback for models
// not in the catalog.
func MaxOutputFor(model string, fallback int) int {
	if info, ok := LookupModel(model); ok {
		return info.MaxOutput
	}
	return fallback
}

// CatalogModels returns the known model ids for a provider name, in
// catalog order.
func CatalogModels(providerName string) []string {
	var ids []string
	for _, info := range catalog {
		if info.Provider == providerName {
			ids = append(ids, info.ID)
		}
	}
	return ids
}
