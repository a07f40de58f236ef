package detect

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// InvalidScoreCap is the score given to a match whose validator failed when
// the recognizer keeps such matches. It stays below HighConfidence even after
// a context boost is applied.
const InvalidScoreCap = 0.4

// HighConfidence is the score at or above which a match is considered certain.
const HighConfidence = 0.8

type Pattern struct {
	Name  string
	Regex *regexp.Regexp
	Score float64
}

// PatternRecognizer finds one entity kind with regular expressions. It is
// built once at startup and never mutated, so it is safe for concurrent use.
type PatternRecognizer struct {
	name       string
	kind       string
	patterns   []Pattern
	positive   []phrase
	negative   []phrase
	window     ContextWindow
	validator  Validator
	capInvalid bool
}

type PatternOptions struct {
	Context         []string
	NegativeContext []string
	Window          ContextWindow
	Validator       Validator
	// CapInvalid keeps matches that fail validation with a capped score
	// instead of dropping them.
	CapInvalid bool
}

func NewPatternRecognizer(name, kind string, patterns []Pattern, opts PatternOptions) *PatternRecognizer {
	w := opts.Window
	if w.Before == 0 && w.After == 0 {
		w = DefaultContextWindow()
	}
	return &PatternRecognizer{
		name:       name,
		kind:       kind,
		patterns:   patterns,
		positive:   compilePhrases(opts.Context),
		negative:   compilePhrases(opts.NegativeContext),
		window:     w,
		validator:  opts.Validator,
		capInvalid: opts.CapInvalid,
	}
}

// NewDenyListRecognizer matches any of words case-insensitively on word
// boundaries with a fixed score.
func NewDenyListRecognizer(name, kind string, words []string, score float64, opts PatternOptions) (*PatternRecognizer, error) {
	if len(words) == 0 {
		return nil, fmt.Errorf("deny list recognizer %s: empty deny list", name)
	}
	quoted := make([]string, 0, len(words))
	for _, w := range words {
		if w = strings.TrimSpace(w); w != "" {
			quoted = append(quoted, regexp.QuoteMeta(w))
		}
	}
	sort.Slice(quoted, func(i, j int) bool { return len(quoted[i]) > len(quoted[j]) })
	re, err := regexp.Compile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
	if err != nil {
		return nil, fmt.Errorf("deny list recognizer %s: %w", name, err)
	}
	if score <= 0 {
		score = 1.0
	}
	return NewPatternRecognizer(name, kind, []Pattern{{Name: name + "_deny_list", Regex: re, Score: score}}, opts), nil
}

func (r *PatternRecognizer) Name() string    { return r.name }
func (r *PatternRecognizer) Kinds() []string { return []string{r.kind} }

func (r *PatternRecognizer) Recognize(ctx context.Context, doc *Document) ([]Entity, error) {
	out := make([]Entity, 0)
	for _, p := range r.patterns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, loc := range p.Regex.FindAllStringIndex(doc.Text, -1) {
			start, end := loc[0], loc[1]
			if start == end {
				continue
			}
			score, keep := r.score(doc, p.Score, start, end)
			if !keep {
				continue
			}
			out = append(out, Entity{Kind: r.kind, Start: start, End: end, Score: score, Source: r.name})
		}
	}
	return resolveOwnOverlaps(out), nil
}

func (r *PatternRecognizer) score(doc *Document, base float64, start, end int) (float64, bool) {
	verdict := Plausible
	if r.validator != nil {
		verdict = r.validator(doc.Text, start, end)
	}
	switch verdict {
	case Valid:
		return 1.0, true
	case Invalid:
		if !r.capInvalid {
			return 0, false
		}
		s := enhanceWithContext(base, doc.Tokens, start, end, r.positive, r.negative, r.window)
		if s > InvalidScoreCap {
			s = InvalidScoreCap
		}
		return s, true
	default:
		return enhanceWithContext(base, doc.Tokens, start, end, r.positive, r.negative, r.window), true
	}
}

// resolveOwnOverlaps keeps one match per overlapping group from a single
// recognizer: the longer span wins, then the higher score, then the leftmost.
func resolveOwnOverlaps(in []Entity) []Entity {
	if len(in) < 2 {
		return in
	}
	sort.SliceStable(in, func(i, j int) bool {
		if in[i].Len() != in[j].Len() {
			return in[i].Len() > in[j].Len()
		}
		if in[i].Score != in[j].Score {
			return in[i].Score > in[j].Score
		}
		return in[i].Start < in[j].Start
	})
	kept := make([]Entity, 0, len(in))
	for _, e := range in {
		clash := false
		for _, k := range kept {
			if e.Overlaps(k) {
				clash = true
				break
			}
		}
		if !clash {
			kept = append(kept, e)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}
