package session

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"loom/internal/provider"
)

// ToolRunner executes model-requested tool calls during a generation.
// Implementations must be safe for concurrent use across sessions.
type ToolRunner interface {
	// Definitions lists the tools offered to the model.
	Definitions() []provider.Tool

	// Run executes one call and returns its textual output.
	Run(ctx context.Context, call provider.ToolCall) (string, error)
}

// FuncTool pairs a tool definition with its implementation.
type FuncTool struct {
	Def  provider.Tool
	Exec func(ctx context.Context, args json.RawMessage) (string, error)
}

// Runner is a static ToolRunner backed by a name-indexed table.
type Runner struct {
	names []string
	tools map[string]FuncTool
}

// NewRunner builds a runner from the given tools. Entries without a name
// or an implementation are dropped; a repeated name keeps the last entry.
func NewRunner(tools ...FuncTool) *Runner {
	r := &Runner{tools: make(map[string]FuncTool, len(tools))}
	for _, t := range tools {
		if t.Def.Name == "" || t.Exec == nil {
			continue
		}
		if _, ok := r.tools[t.Def.Name]; !ok {
			r.names = append(r.names, t.Def.Name)
		}
		r.tools[t.Def.Name] = t
	}
	sort.Strings(r.names)
	return r
}

// Definitions implements ToolRunner.
func (r *Runner) Definitions() []provider.Tool {
	defs := make([]provider.Tool, 0, len(r.names))
	for _, name := range r.names {
		defs = append(defs, r.tools[name].Def)
	}
	return defs
}

// Run implements ToolRunner. Case and separator variants of a registered
// name still resolve; a genuinely unknown name fails with a missing-tool
// error carrying the closest registered name. Malformed argument JSON
// fails validation before the tool executes.
func (r *Runner) Run(ctx context.Context, call provider.ToolCall) (string, error) {
	t, ok := r.tools[call.Name]
	if !ok {
		resolved := resolveToolName(call.Name, r.names)
		if resolved == "" {
			return "", errMissingTool(call.Name, suggestToolName(call.Name, r.names))
		}
		t = r.tools[resolved]
	}
	args := strings.TrimSpace(call.Arguments)
	if args == "" {
		args = "{}"
	}
	if !json.Valid([]byte(args)) {
		return "", errToolValidation(call.Name, "arguments are not valid JSON")
	}
	return t.Exec(ctx, json.RawMessage(args))
}

// resolveToolName maps case and separator variants onto a registered
// name, so "Read-File" still resolves a "read_file" tool.
func resolveToolName(name string, known []string) string {
	want := normalizeToolName(name)
	for _, k := range known {
		if normalizeToolName(k) == want {
			return k
		}
	}
	return ""
}

// suggestToolName proposes the closest registered name for an unknown
// tool by longest shared prefix. Overlaps shorter than three characters
// are too weak to suggest.
func suggestToolName(name string, known []string) string {
	want := normalizeToolName(name)
	best := ""
	bestLen := 0
	for _, k := range known {
		if n := commonPrefixLen(want, normalizeToolName(k)); n > bestLen {
			best, bestLen = k, n
		}
	}
	if bestLen < 3 {
		return ""
	}
	return best
}

func normalizeToolName(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "-", "_"))
}

func commonPrefixLen(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}
