package semantic

import (
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"loom/internal/storage"
	"loom/pkg/logger"
)

// Pattern families. Each regex identifies candidate sentences; the
// surrounding sentence is captured as the fact content.
var (
	decisionRe = regexp.MustCompile(`(?i)\b(decided (?:to|on|that)|decision:|we(?:'ll| will) (?:use|go with|switch to)|let's (?:use|go with)|chose|settled on|agreed (?:to|on)|going with)\b`)

	architectureRe = regexp.MustCompile(`(?i)\b(architecture|layered|microservices?|monolith|event[- ]driven|client[- ]server|message (?:bus|broker)|api gateway)\b`)

	patternRe = regexp.MustCompile(`(?i)\b(singleton|factory pattern|observer pattern|pub[-/ ]?sub|worker pool|circuit breaker|middleware chain|repository pattern|state machine|actor model)\b`)

	errorRe = regexp.MustCompile(`(?i)\b(error|exception|panic|failed|failure|traceback|stack trace|crash(?:ed|es)?|nil pointer|segfault|undefined behavior)\b`)

	solutionRe = regexp.MustCompile(`(?i)\b(fixed (?:it|this|the|by)|resolved|solution was|solved (?:it|this|the)|works now|the fix (?:was|is)|turned out|root cause)\b`)

	relationVerbRe = regexp.MustCompile(`(?i)\b(imports?|depends on|calls|uses|extends|implements|wraps|embeds)\b`)

	fileRe = regexp.MustCompile(`\b([\w./-]+\.(?:go|ts|tsx|js|jsx|py|rs|java|rb|c|h|cpp|md|json|ya?ml|toml|sql|proto))\b`)

	configRe = regexp.MustCompile(`\b(?i:set|setting|configured?|export)\s+([A-Z][A-Z0-9_]{2,}|--[\w-]+|[\w.]+\.(?i:yaml|yml|json|toml))\b`)

	taskKeywordRe = regexp.MustCompile(`(?i)\b(todo|task|implement|refactor|fix(?:ing)?|build(?:ing)?|debug(?:ging)?)\b`)
)

// todoToolNames matches task-management tool call names across agents.
var todoToolNames = map[string]bool{
	"todowrite":    true,
	"todo_write":   true,
	"todoread":     false, // reads carry no state transitions
	"update_todos": true,
	"task_update":  true,
}

// Extractor produces facts from message batches.
type Extractor struct {
	log zerolog.Logger
}

// NewExtractor creates an extractor.
func NewExtractor() *Extractor {
	return &Extractor{log: logger.Component("semantic")}
}

// Extract runs every pattern family over the batch. A failure on one
// message skips that message and continues; the batch never aborts.
func (x *Extractor) Extract(messages []storage.Message) []Fact {
	var facts []Fact
	// Duplicate facts collapse into one, accumulating every source
	// message that stated them.
	seen := make(map[string]int)

	// Error markers wait up to four messages for a matching solution.
	type pendingError struct {
		sentence string
		id       string
		index    int
	}
	var pending *pendingError

	for i := range messages {
		msg := &messages[i]

		msgFacts := func() (out []Fact) {
			defer func() {
				if r := recover(); r != nil {
					x.log.Warn().Str("message_id", msg.ID).Interface("panic", r).
						Msg("Extraction failed for message, skipping")
					out = nil
				}
			}()
			return x.extractMessage(msg)
		}()

		for _, f := range msgFacts {
			key := dedupKey(f)
			if idx, ok := seen[key]; ok {
				facts[idx].SourceIDs = appendUnique(facts[idx].SourceIDs, msg.ID)
				continue
			}
			seen[key] = len(facts)
			facts = append(facts, f)
		}

		// Error-solution pairing, within a message or across up to four.
		text := msg.Text()
		solLoc := solutionRe.FindStringIndex(text)
		errLoc := errorRe.FindStringIndex(text)

		if solLoc != nil {
			var problem string
			var sources []string
			switch {
			case pending != nil && i-pending.index <= 4:
				problem = pending.sentence
				sources = dedupSources(pending.id, msg.ID)
			case errLoc != nil && errLoc[0] < solLoc[0]:
				problem = sentenceAround(text, errLoc[0])
				sources = []string{msg.ID}
			}
			if problem != "" {
				solution := sentenceAround(text, solLoc[0])
				f := newFact(FactErrorSolution, "Problem: "+problem+" Resolution: "+solution,
					ImportanceCritical, 0.8, sources)
				f.Tags = []string{"error", "resolution"}
				key := dedupKey(f)
				if idx, ok := seen[key]; ok {
					facts[idx].SourceIDs = appendUnique(facts[idx].SourceIDs, msg.ID)
				} else {
					seen[key] = len(facts)
					facts = append(facts, f)
				}
				pending = nil
			}
		}

		// A trailing unanswered error becomes the new pending problem.
		if errLoc != nil && (solLoc == nil || errLoc[0] > solLoc[0]) {
			pending = &pendingError{
				sentence: sentenceAround(text, errLoc[0]),
				id:       msg.ID,
				index:    i,
			}
		}
	}

	linkRelated(facts)
	return facts
}

// extractMessage runs the single-message families.
func (x *Extractor) extractMessage(msg *storage.Message) []Fact {
	var facts []Fact

	facts = append(facts, extractTodos(msg)...)

	text := msg.Text()
	if text == "" {
		return facts
	}

	if loc := decisionRe.FindStringIndex(text); loc != nil {
		f := newFact(FactDecision, sentenceAround(text, loc[0]), ImportanceHigh, 0.8, []string{msg.ID})
		f.Tags = []string{"decision"}
		facts = append(facts, f)
	}

	if loc := architectureRe.FindStringIndex(text); loc != nil {
		f := newFact(FactArchitecture, sentenceAround(text, loc[0]), ImportanceMedium, 0.6, []string{msg.ID})
		facts = append(facts, f)
	}

	if loc := patternRe.FindStringIndex(text); loc != nil {
		f := newFact(FactPattern, sentenceAround(text, loc[0]), ImportanceMedium, 0.6, []string{msg.ID})
		facts = append(facts, f)
	}

	facts = append(facts, extractFileFacts(msg.ID, text)...)

	if m := configRe.FindStringSubmatch(text); m != nil {
		loc := configRe.FindStringIndex(text)
		f := newFact(FactConfiguration, sentenceAround(text, loc[0]), ImportanceLow, 0.6, []string{msg.ID})
		f.Tags = []string{"config", m[1]}
		facts = append(facts, f)
	}

	return facts
}

// extractTodos reads task state from todo tool calls. Structural, not
// inferred, so confidence is 1.0.
func extractTodos(msg *storage.Message) []Fact {
	var facts []Fact

	for _, part := range msg.Parts {
		if part.Type != storage.PartToolCall || part.ToolCall == nil {
			continue
		}
		name := strings.ToLower(part.ToolCall.Name)
		if !todoToolNames[name] {
			continue
		}

		todos := gjson.Get(part.ToolCall.Arguments, "todos")
		if !todos.IsArray() {
			continue
		}

		todos.ForEach(func(_, todo gjson.Result) bool {
			content := todo.Get("content").String()
			status := todo.Get("status").String()
			if content == "" || status == "" {
				return true
			}

			var importance Importance
			switch status {
			case "in_progress":
				importance = ImportanceCritical
			case "completed":
				importance = ImportanceHigh
			case "cancelled":
				return true
			default:
				importance = ImportanceMedium
			}

			f := newFact(FactToolUsage, "["+status+"] "+content, importance, 1.0, []string{msg.ID})
			f.Tags = []string{"todo", status}
			facts = append(facts, f)
			return true
		})
	}

	return facts
}

// extractFileFacts turns file mentions into relationship or structure
// facts. A relation verb near a file mention means the sentence describes
// a dependency; several files with no verb is a structure listing.
func extractFileFacts(msgID, text string) []Fact {
	files := fileRe.FindAllString(text, 8)
	if len(files) == 0 {
		return nil
	}

	if relationVerbRe.MatchString(text) {
		loc := fileRe.FindStringIndex(text)
		f := newFact(FactRelationship, sentenceAround(text, loc[0]), ImportanceMedium, 0.7, []string{msgID})
		f.Tags = uniqueStrings(files)
		return []Fact{f}
	}

	if len(files) >= 2 {
		f := newFact(FactFileStructure, "Files discussed: "+strings.Join(uniqueStrings(files), ", "),
			ImportanceLow, 0.6, []string{msgID})
		return []Fact{f}
	}

	return nil
}

// Distill produces low-detail facts from text being discarded by deep
// compression, at most maxFacts, preferring sentences that carry any
// pattern marker and falling back to leading sentences.
func (x *Extractor) Distill(text, sourceID string, maxFacts int) []Fact {
	if maxFacts <= 0 || text == "" {
		return nil
	}

	sentences := splitSentences(text)
	var facts []Fact
	seen := make(map[string]bool)

	add := func(s string) bool {
		s = strings.TrimSpace(s)
		if len(s) < 16 {
			return false
		}
		s = capLen(s, 240)
		key := strings.ToLower(s)
		if seen[key] {
			return false
		}
		seen[key] = true
		facts = append(facts, newFact(FactPattern, s, ImportanceLow, 0.5, []string{sourceID}))
		return true
	}

	for _, s := range sentences {
		if len(facts) >= maxFacts {
			return facts
		}
		if decisionRe.MatchString(s) || errorRe.MatchString(s) || architectureRe.MatchString(s) || fileRe.MatchString(s) {
			add(s)
		}
	}
	for _, s := range sentences {
		if len(facts) >= maxFacts {
			break
		}
		add(s)
	}

	return facts
}

// TaskDensity measures how task-heavy a window of messages is: the
// fraction of messages carrying tool activity or task keywords. Used to
// raise compression thresholds while active work is in flight.
func TaskDensity(messages []storage.Message) float64 {
	if len(messages) == 0 {
		return 0
	}

	count := 0
	for i := range messages {
		msg := &messages[i]
		hasTool := false
		for _, part := range msg.Parts {
			if part.Type == storage.PartToolCall || part.Type == storage.PartToolResult {
				hasTool = true
				break
			}
		}
		if hasTool || taskKeywordRe.MatchString(msg.Text()) {
			count++
		}
	}
	return float64(count) / float64(len(messages))
}

func newFact(t FactType, content string, imp Importance, confidence float64, sources []string) Fact {
	return Fact{
		ID:         NewFactID(),
		Type:       t,
		Content:    capLen(strings.TrimSpace(content), 240),
		Importance: imp,
		Confidence: confidence,
		SourceIDs:  sources,
		CreatedAt:  time.Now(),
	}
}

// linkRelated cross-references facts sharing a source message, capped so
// link lists stay small.
func linkRelated(facts []Fact) {
	bySource := make(map[string][]int)
	for i, f := range facts {
		for _, src := range f.SourceIDs {
			bySource[src] = append(bySource[src], i)
		}
	}

	for _, idxs := range bySource {
		if len(idxs) < 2 {
			continue
		}
		for _, i := range idxs {
			for _, j := range idxs {
				if i == j || len(facts[i].RelatedIDs) >= 4 {
					continue
				}
				facts[i].RelatedIDs = appendUnique(facts[i].RelatedIDs, facts[j].ID)
			}
		}
	}
}

// sentenceAround expands a match position to its containing sentence.
func sentenceAround(text string, pos int) string {
	if pos > len(text) {
		pos = len(text)
	}
	start := 0
	for i := pos - 1; i >= 0; i-- {
		if text[i] == '.' || text[i] == '!' || text[i] == '?' || text[i] == '\n' {
			start = i + 1
			break
		}
	}
	end := len(text)
	for i := pos; i < len(text); i++ {
		if text[i] == '.' || text[i] == '!' || text[i] == '?' || text[i] == '\n' {
			end = i + 1
			break
		}
	}
	return capLen(strings.TrimSpace(text[start:end]), 240)
}

func splitSentences(text string) []string {
	parts := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func capLen(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func dedupKey(f Fact) string {
	return string(f.Type) + "|" + strings.ToLower(f.Content)
}

func dedupSources(ids ...string) []string {
	return uniqueStrings(ids)
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
