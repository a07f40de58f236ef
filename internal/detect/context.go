package detect

import "sort"

const (
	// ContextBoost is added to a pattern score when a context word is near the match.
	ContextBoost = 0.35
	// MinScoreWithContext is the floor for a score that received a context boost.
	MinScoreWithContext = 0.4
)

// ContextWindow is the number of tokens inspected before and after a match.
type ContextWindow struct {
	Before int
	After  int
}

func DefaultContextWindow() ContextWindow {
	return ContextWindow{Before: 5, After: 2}
}

// phrase is a context word or multi-word phrase in folded token form.
type phrase []string

func compilePhrases(words []string) []phrase {
	out := make([]phrase, 0, len(words))
	seen := map[string]bool{}
	for _, w := range words {
		toks := WordTokenizer{}.Tokenize(w)
		if len(toks) == 0 {
			continue
		}
		p := make(phrase, len(toks))
		key := ""
		for i, t := range toks {
			p[i] = t.Norm
			key += t.Norm + " "
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
	}
	return out
}

// enhanceWithContext raises score when a positive phrase occurs within the
// window around [start,end) and lowers it when a negative phrase does. The
// result stays in [0,1].
func enhanceWithContext(score float64, tokens []Token, start, end int, positive, negative []phrase, w ContextWindow) float64 {
	if len(tokens) == 0 || (len(positive) == 0 && len(negative) == 0) {
		return score
	}
	before, after := windowTokens(tokens, start, end, w)
	if anyPhraseIn(positive, before) || anyPhraseIn(positive, after) {
		score += ContextBoost
		if score < MinScoreWithContext {
			score = MinScoreWithContext
		}
	}
	if anyPhraseIn(negative, before) || anyPhraseIn(negative, after) {
		score -= ContextBoost
	}
	return clampScore(score)
}

func windowTokens(tokens []Token, start, end int, w ContextWindow) (before, after []Token) {
	// first token ending after start
	i := sort.Search(len(tokens), func(i int) bool { return tokens[i].End > start })
	lo := i - w.Before
	if lo < 0 {
		lo = 0
	}
	before = tokens[lo:i]
	j := sort.Search(len(tokens), func(j int) bool { return tokens[j].Start >= end })
	hi := j + w.After
	if hi > len(tokens) {
		hi = len(tokens)
	}
	after = tokens[j:hi]
	return before, after
}

func anyPhraseIn(phrases []phrase, window []Token) bool {
	for _, p := range phrases {
		if len(p) > len(window) {
			continue
		}
		for i := 0; i+len(p) <= len(window); i++ {
			match := true
			for k, w := range p {
				if !sameWord(window[i+k].Norm, w) {
					match = false
					break
				}
			}
			if match {
				return true
			}
		}
	}
	return false
}

// sameWord treats a trailing plural "s" as insignificant.
func sameWord(token, word string) bool {
	if token == word {
		return true
	}
	return token == word+"s" || token+"s" == word
}
