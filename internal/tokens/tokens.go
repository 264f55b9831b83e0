// Package tokens estimates how many model tokens a piece of text costs.
//
// Estimates are a characters-per-token heuristic chosen per model family.
// They always round up: overestimating triggers truncation slightly early,
// underestimating risks a context overflow at the provider.
package tokens

import (
	"math"
	"strings"
	"unicode/utf8"
)

// Estimator turns text into a token count for a given model.
// Implementations must be pure: same (text, modelID), same answer.
type Estimator interface {
	Estimate(text, modelID string) int
}

// EstimatorFunc adapts a function to Estimator.
type EstimatorFunc func(text, modelID string) int

func (f EstimatorFunc) Estimate(text, modelID string) int { return f(text, modelID) }

// Family is one row of the estimation table.
type Family struct {
	Name               string
	Prefixes           []string
	CharactersPerToken float64
}

// defaultCharactersPerToken matches cl100k-style BPE on English text with code.
const defaultCharactersPerToken = 4.0

// DefaultFamilies is the table used by Default. Model ids are matched
// case-insensitively on prefix, with or without an OpenRouter-style
// vendor segment ("anthropic/claude-3.5-sonnet").
var DefaultFamilies = []Family{
	{Name: "claude", Prefixes: []string{"anthropic/", "claude"}, CharactersPerToken: 3.5},
	{Name: "gpt", Prefixes: []string{"openai/", "gpt-", "o1", "o3", "o4"}, CharactersPerToken: 4.0},
	{Name: "gemini", Prefixes: []string{"google/", "gemini"}, CharactersPerToken: 4.0},
	{Name: "llama", Prefixes: []string{"meta-llama/", "llama"}, CharactersPerToken: 3.8},
	{Name: "mistral", Prefixes: []string{"mistralai/", "mistral", "mixtral"}, CharactersPerToken: 3.7},
}

// Table estimates with a fixed, read-only family list.
type Table struct {
	families []Family
	fallback float64
}

// NewTable copies families so later edits by the caller cannot leak in.
func NewTable(families []Family) *Table {
	fs := make([]Family, len(families))
	copy(fs, families)
	return &Table{families: fs, fallback: defaultCharactersPerToken}
}

// Default is the estimator used when none is configured.
var Default Estimator = NewTable(DefaultFamilies)

// Estimate returns ceil(runes / ratio) for the model's family, 0 for "".
func (t *Table) Estimate(text, modelID string) int {
	if text == "" {
		return 0
	}
	ratio := t.ratio(modelID)
	return int(math.Ceil(float64(utf8.RuneCountInString(text)) / ratio))
}

// FamilyOf reports which family a model id resolves to, "" for the fallback.
func (t *Table) FamilyOf(modelID string) string {
	f, ok := t.lookup(modelID)
	if !ok {
		return ""
	}
	return f.Name
}

func (t *Table) ratio(modelID string) float64 {
	if f, ok := t.lookup(modelID); ok && f.CharactersPerToken > 0 {
		return f.CharactersPerToken
	}
	return t.fallback
}

func (t *Table) lookup(modelID string) (Family, bool) {
	id := strings.ToLower(modelID)
	bare := id
	if i := strings.LastIndex(id, "/"); i >= 0 {
		bare = id[i+1:]
	}
	for _, f := range t.families {
		for _, p := range f.Prefixes {
			if strings.HasPrefix(id, p) || strings.HasPrefix(bare, p) {
				return f, true
			}
		}
	}
	return Family{}, false
}
