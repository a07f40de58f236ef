package detect

import (
	"math"
	"strings"
)

// mapNERType maps model label families onto entity kinds. An empty result
// means the label is not sensitive and is dropped.
func mapNERType(t string) string {
	switch strings.ToUpper(t) {
	case "PER", "PERSON":
		return KindPerson
	case "ORG", "ORGANIZATION":
		return KindOrganization
	case "LOC", "GPE", "LOCATION":
		return KindLocation
	case "DATE":
		return KindDateTime
	case "MISC", "NORP", "CARDINAL", "ORDINAL", "QUANTITY", "PERCENT", "MONEY":
		return ""
	default:
		return strings.ToUpper(t)
	}
}

type bioSpan struct {
	Type       string
	Start, End int
	Score      float64
}

func tokensToEntities(tokens []Token, labels []string, scores []float64, source string) []Entity {
	spans := mergeBIO(tokens, labels, scores)
	out := make([]Entity, 0, len(spans))
	for _, s := range spans {
		kind := mapNERType(s.Type)
		if kind == "" {
			continue
		}
		out = append(out, Entity{Kind: kind, Start: s.Start, End: s.End, Score: clampScore(s.Score), Source: source})
	}
	return out
}

// mergeBIO joins B-/I- labelled tokens into spans. The span score is the
// mean of its token scores.
func mergeBIO(tokens []Token, labels []string, scores []float64) []bioSpan {
	out := make([]bioSpan, 0)
	var cur *bioSpan
	curCount := 0.0
	flush := func() {
		if cur != nil {
			cur.Score = cur.Score / math.Max(1, curCount)
			out = append(out, *cur)
			cur = nil
			curCount = 0
		}
	}
	for i := range tokens {
		label := labels[i]
		score := scores[i]
		if label == "O" || label == "" {
			flush()
			continue
		}
		parts := strings.SplitN(label, "-", 2)
		if len(parts) != 2 {
			flush()
			continue
		}
		prefix, typ := parts[0], parts[1]
		if prefix != "I" && prefix != "B" {
			flush()
			continue
		}
		if prefix == "B" || cur == nil || cur.Type != typ {
			flush()
			cur = &bioSpan{Type: typ, Start: tokens[i].Start, End: tokens[i].End, Score: score}
			curCount = 1
			continue
		}
		cur.End = tokens[i].End
		cur.Score += score
		curCount++
	}
	flush()
	return out
}

func softmax(logits []float32) []float64 {
	if len(logits) == 0 {
		return nil
	}
	maxV := float64(logits[0])
	for _, l := range logits[1:] {
		if float64(l) > maxV {
			maxV = float64(l)
		}
	}
	out := make([]float64, len(logits))
	sum := 0.0
	for i, l := range logits {
		out[i] = math.Exp(float64(l) - maxV)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func argmax(probs []float64) (int, float64) {
	best, bestP := 0, -1.0
	for i, p := range probs {
		if p > bestP {
			best, bestP = i, p
		}
	}
	return best, bestP
}
