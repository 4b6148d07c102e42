package compaction

import (
	"fmt"
	"regexp"
	"strings"

	"loom/internal/storage"
	"loom/internal/tier"
)

const (
	// shortVerbatim is the size under which a message survives verbatim.
	shortVerbatim = 240
	// headChars bounds the leading snippet of a summary.
	headChars = 200
	// emergencyHeadChars bounds the snippet at the emergency level.
	emergencyHeadChars = 120
	// maxPreserved bounds verbatim fragments kept per message.
	maxPreserved = 6
	// preservedChars bounds each verbatim fragment.
	preservedChars = 200
)

// preserveRe marks sentences that must survive summarization verbatim:
// task and todo state, decisions, errors and their fixes.
var preserveRe = regexp.MustCompile(`(?i)\b(decid\w*|decision|chose|agreed|settled on|error\w*|exception|panic\w*|fail(?:ed|ure|s)?|crash\w*|fix(?:ed|es)?|resolv\w*|solution|workaround|todo|in_progress|completed|cancelled)\b`)

var sentenceSplitRe = regexp.MustCompile(`[.!?]\s+|\n+`)

// summarize reduces a message to a deterministic summary line plus the
// verbatim fragments that must not be lost. Short messages pass through
// whole except at the emergency level.
func summarize(msg *storage.Message, level tier.Level) (string, []string) {
	text := strings.TrimSpace(msg.Text())
	if text == "" {
		return fmt.Sprintf("[%s, empty]", msg.Role), nil
	}
	if len(text) <= shortVerbatim && level != tier.LevelEmergency {
		return text, nil
	}

	head := headChars
	maxFragments := maxPreserved
	if level == tier.LevelEmergency {
		head = emergencyHeadChars
		maxFragments = 2
	}

	preserved := preservedFragments(text, maxFragments)
	summary := fmt.Sprintf("[%s, %d chars] %s", msg.Role, len(text), snippet(text, head))

	// The replacement must not outweigh what it replaces.
	for len(preserved) > 0 && combinedLen(summary, preserved) >= len(text) {
		preserved = preserved[:len(preserved)-1]
	}
	if combinedLen(summary, preserved) >= len(text) {
		summary = snippet(text, len(text)/2)
	}
	return summary, preserved
}

// preservedFragments returns the sentences carrying decision, error, fix
// or task markers, in document order.
func preservedFragments(text string, max int) []string {
	var out []string
	seen := map[string]bool{}
	for _, s := range splitSentences(text) {
		if !preserveRe.MatchString(s) {
			continue
		}
		frag := snippet(s, preservedChars)
		key := strings.ToLower(frag)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, frag)
		if len(out) >= max {
			break
		}
	}
	return out
}

func splitSentences(text string) []string {
	var out []string
	for _, s := range sentenceSplitRe.Split(text, -1) {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func snippet(text string, max int) string {
	text = strings.TrimSpace(text)
	if max < 1 || len(text) <= max {
		return text
	}
	cut := text[:max]
	if i := strings.LastIndexByte(cut, ' '); i > max/2 {
		cut = cut[:i]
	}
	return cut + "..."
}

func combinedLen(summary string, preserved []string) int {
	total := len(summary)
	for _, p := range preserved {
		total += len(p)
	}
	return total
}
