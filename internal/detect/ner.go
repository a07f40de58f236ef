package detect

import (
	"context"
	"errors"
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

// Model is a statistical named-entity model for one language. Predict returns
// spans with byte offsets into text and scores in [0,1]. A model that cannot
// run returns an error wrapping ErrModelUnavailable.
type Model interface {
	Name() string
	Predict(ctx context.Context, text string, tokens []Token) ([]Entity, error)
}

var nerKinds = []string{KindPerson, KindLocation, KindOrganization}

// NERRecognizer adapts a Model to the Recognizer interface. An unavailable
// model yields no entities rather than an error.
type NERRecognizer struct {
	language string
	model    Model
	allow    func(kind string) bool
	warnOnce sync.Once
}

func NewNERRecognizer(language string, model Model, allow func(kind string) bool) *NERRecognizer {
	if allow == nil {
		allow = func(string) bool { return true }
	}
	return &NERRecognizer{language: language, model: model, allow: allow}
}

func (r *NERRecognizer) Name() string { return "ner:" + r.model.Name() }

func (r *NERRecognizer) Kinds() []string {
	out := make([]string, 0, len(nerKinds))
	for _, k := range nerKinds {
		if r.allow(k) {
			out = append(out, k)
		}
	}
	return out
}

func (r *NERRecognizer) Recognize(ctx context.Context, doc *Document) ([]Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entities, err := r.model.Predict(ctx, doc.Text, doc.Tokens)
	if err != nil {
		if errors.Is(err, ErrModelUnavailable) {
			r.warnOnce.Do(func() {
				log.Warn().Err(err).Str("component", "ner").Str("model", r.model.Name()).Str("language", r.language).
					Msg("statistical model unavailable; continuing with pattern recognizers only")
			})
			return nil, nil
		}
		return nil, err
	}
	out := make([]Entity, 0, len(entities))
	for _, e := range entities {
		if !r.allow(e.Kind) || !spanWithin(doc.Text, e.Start, e.End) {
			continue
		}
		e.Score = clampScore(e.Score)
		if e.Source == "" {
			e.Source = r.Name()
		}
		out = append(out, e)
	}
	return out, nil
}

// spanWithin reports whether [start,end) is a non-empty range of text that
// begins and ends on rune boundaries.
func spanWithin(text string, start, end int) bool {
	if start < 0 || end > len(text) || start >= end {
		return false
	}
	if start < len(text) && !utf8.RuneStart(text[start]) {
		return false
	}
	if end < len(text) && !utf8.RuneStart(text[end]) {
		return false
	}
	return true
}
