// Package resolver deterministically maps short user utterances ("#2",
// "option 3", an exact SKU) to items in working memory, avoiding a model
// round trip for the common case. Descriptive references ("the black one")
// are left to the model.
package resolver

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/haasonsaas/shopagent/pkg/models"
)

// Confidence grades how certain a resolution is.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
)

// Match is a resolved reference. Reason is phrased so it can be injected
// into the model's context as an explanatory hint; the resolver informs the
// model, it never overrides it.
type Match struct {
	Item       models.ResultItem `json:"item"`
	Source     string            `json:"source"` // "results" or "choices"
	Confidence Confidence        `json:"confidence"`
	Reason     string            `json:"reason"`
}

// Ordinal patterns, checked in fixed order; first match wins. The bare
// number pattern comes last so "option 2" is not consumed as a bare "2".
var ordinalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)#\s*(\d+)`),
	regexp.MustCompile(`(?i)\boption\s+(\d+)\b`),
	regexp.MustCompile(`(?i)\bnumber\s+(\d+)\b`),
	regexp.MustCompile(`(?i)\bnr\.?\s*(\d+)\b`),
	regexp.MustCompile(`(?i)\b(\d+)(?:st|nd|rd|th)\b`),
	regexp.MustCompile(`(?i)^\s*(\d+)\s*$`),
}

var selectionKeywords = []string{
	"this one", "that one", "take", "pick", "choose", "select", "the first", "the second", "the third", "the last",
}

// ParseOrdinal extracts an ordinal position from the text, or 0 if none of
// the patterns match. The returned value is 1-based and unvalidated against
// any list length.
func ParseOrdinal(text string) int {
	for _, pat := range ordinalPatterns {
		if m := pat.FindStringSubmatch(text); m != nil {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			return n
		}
	}
	return 0
}

// LooksLikeSelectionIntent is a cheap heuristic used upstream to decide
// whether to surface a resolver hint to the model at all.
func LooksLikeSelectionIntent(text string) bool {
	if ParseOrdinal(text) > 0 {
		return true
	}
	if len(text) > 80 {
		return false
	}
	lower := strings.ToLower(text)
	for _, kw := range selectionKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Resolve maps the utterance to at most one item from working memory.
// The active choice set takes precedence over the last search results for
// ordinal references since it is the most recently presented list. An
// ordinal out of range yields no result; the resolver never fabricates one.
func Resolve(text string, memory *models.WorkingMemory) *Match {
	if memory == nil {
		return nil
	}

	if n := ParseOrdinal(text); n > 0 {
		if cs := memory.ActiveChoiceSet; cs != nil && len(cs.Options) > 0 {
			if n <= len(cs.Options) {
				opt := cs.Options[n-1]
				return &Match{
					Item:       models.ResultItem{Index: n, ID: opt.ID, Title: opt.Label},
					Source:     "choices",
					Confidence: ConfidenceHigh,
					Reason:     fmt.Sprintf("user referred to option %d of the presented %s choices (%s)", n, cs.Kind, opt.ID),
				}
			}
			return nil
		}
		if len(memory.LastResults) > 0 {
			if n <= len(memory.LastResults) {
				item := memory.LastResults[n-1]
				return &Match{
					Item:       item,
					Source:     "results",
					Confidence: ConfidenceHigh,
					Reason:     fmt.Sprintf("user referred to result %d of the last search (%s)", n, item.ID),
				}
			}
			return nil
		}
		return nil
	}

	return resolveExact(text, memory)
}

// resolveExact looks for a candidate's id or SKU as a case-insensitive
// substring of the utterance; first candidate in list order wins.
func resolveExact(text string, memory *models.WorkingMemory) *Match {
	lower := strings.ToLower(text)

	for _, item := range memory.LastResults {
		if ident, ok := containsIdentifier(lower, item.ID, item.SKU); ok {
			return &Match{
				Item:       item,
				Source:     "results",
				Confidence: ConfidenceMedium,
				Reason:     fmt.Sprintf("user mentioned identifier %q of a recent result", ident),
			}
		}
	}
	if cs := memory.ActiveChoiceSet; cs != nil {
		for _, opt := range cs.Options {
			if ident, ok := containsIdentifier(lower, opt.ID, ""); ok {
				return &Match{
					Item:       models.ResultItem{Index: opt.Index, ID: opt.ID, Title: opt.Label},
					Source:     "choices",
					Confidence: ConfidenceMedium,
					Reason:     fmt.Sprintf("user mentioned identifier %q of a presented choice", ident),
				}
			}
		}
	}
	return nil
}

func containsIdentifier(lowerText string, ids ...string) (string, bool) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		if strings.Contains(lowerText, strings.ToLower(id)) {
			return id, true
		}
	}
	return "", false
}
