// Package engine runs detection and anonymization for one request.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	oteltrace "go.opentelemetry.io/otel/trace"

	"scrub/internal/anonymizer"
	"scrub/internal/detect"
	"scrub/internal/trace"
)

const instrumentationName = "scrub/internal/engine"

var (
	ErrEmptyText = errors.New("text is empty")
	ErrTimeout   = errors.New("scrub timed out")
)

var tracer = trace.Tracer(instrumentationName)

type Config struct {
	// MinScore drops candidates below it and is used as given; zero keeps
	// every candidate. DefaultConfig sets detect.DefaultMinScore.
	MinScore float64
	Policy   anonymizer.Policy
	// Timeout bounds one Scrub call; zero leaves only the caller's deadline.
	Timeout time.Duration
	// Parallel runs the recognizers of a request concurrently.
	Parallel bool
}

func DefaultConfig() Config {
	return Config{MinScore: detect.DefaultMinScore, Parallel: true}
}

// Entity is a resolved span. Start and End count characters, ByteStart and
// ByteEnd index the same span in the UTF-8 text.
type Entity struct {
	Kind      string  `json:"kind"`
	Start     int     `json:"start"`
	End       int     `json:"end"`
	ByteStart int     `json:"byte_start"`
	ByteEnd   int     `json:"byte_end"`
	Score     float64 `json:"confidence"`
	Source    string  `json:"source"`
}

type Result struct {
	Text     string   `json:"anonymized_text"`
	Language string   `json:"language"`
	Entities []Entity `json:"entities"`
	Warnings []string `json:"warnings,omitempty"`
}

// Counts returns the number of entities per kind.
func (r *Result) Counts() map[string]int {
	out := make(map[string]int, len(r.Entities))
	for _, e := range r.Entities {
		out[e.Kind]++
	}
	return out
}

// Engine is safe for concurrent use; it holds no per-request state.
type Engine struct {
	cfg      Config
	registry *detect.Registry
	entities metric.Int64Counter
}

func New(cfg Config, registry *detect.Registry) (*Engine, error) {
	if registry == nil {
		return nil, fmt.Errorf("engine: registry is required")
	}
	if math.IsNaN(cfg.MinScore) || cfg.MinScore < 0 || cfg.MinScore > 1 {
		return nil, fmt.Errorf("engine: min score %.2f outside [0,1]", cfg.MinScore)
	}
	counter, err := trace.Meter(instrumentationName).Int64Counter(
		"scrub.entities",
		metric.WithDescription("Entities removed, by kind"),
	)
	if err != nil {
		return nil, fmt.Errorf("engine: entity counter: %w", err)
	}
	return &Engine{cfg: cfg, registry: registry, entities: counter}, nil
}

func (e *Engine) Registry() *detect.Registry { return e.registry }

// Scrub detects entities in text and returns it with every entity removed or
// substituted per the configured policy. An empty language means English.
func (e *Engine) Scrub(ctx context.Context, text, language string) (*Result, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	if language == "" {
		language = detect.DefaultLanguage
	}
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}
	ctx, span := tracer.Start(ctx, "engine.scrub", oteltrace.WithAttributes(
		attribute.String("scrub.language", language),
		attribute.Int("scrub.text_bytes", len(text)),
	))
	defer span.End()
	tr, _ := trace.FromContext(ctx)

	tr.Mark(trace.DetectStarted)
	resolved, lang, warnings, err := e.Analyze(ctx, text, language)
	tr.Mark(trace.DetectDone)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	tr.Mark(trace.AnonymizeStarted)
	out, err := anonymizer.Anonymize(text, resolved, e.cfg.Policy)
	tr.Mark(trace.AnonymizeDone)
	if err != nil {
		log.Error().Err(err).Str("component", "engine").Str("language", lang).Msg("resolved spans are inconsistent")
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	res := &Result{Text: out, Language: lang, Entities: withCharOffsets(text, resolved), Warnings: warnings}
	for kind, n := range res.Counts() {
		e.entities.Add(ctx, int64(n), metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("language", lang),
		))
	}
	span.SetAttributes(attribute.Int("scrub.entities", len(res.Entities)))
	if tr != nil {
		tr.Language = lang
		tr.Entities = len(res.Entities)
	}
	return res, nil
}

// Analyze runs every recognizer registered for language and merges their
// candidates. It returns the resolved entities in ascending offset order, the
// language whose recognizers ran and any recognizer warnings.
func (e *Engine) Analyze(ctx context.Context, text, language string) ([]detect.Entity, string, []string, error) {
	recognizers, lang, err := e.registry.RecognizersFor(language)
	if err != nil {
		return nil, "", nil, err
	}
	doc := &detect.Document{
		Text:     text,
		Language: lang,
		Tokens:   detect.TokenizerFor(lang).Tokenize(text),
	}

	results := make([]outcome, len(recognizers))
	if e.cfg.Parallel && len(recognizers) > 1 {
		var wg sync.WaitGroup
		for i, rec := range recognizers {
			wg.Add(1)
			go func(i int, rec detect.Recognizer) {
				defer wg.Done()
				results[i] = run(ctx, rec, doc)
			}(i, rec)
		}
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		// a timed-out request returns at once; stragglers write into results
		// nobody reads any more
		select {
		case <-done:
		case <-ctx.Done():
			return nil, lang, nil, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		}
	} else {
		for i, rec := range recognizers {
			results[i] = run(ctx, rec, doc)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, lang, nil, fmt.Errorf("%w: %w", ErrTimeout, err)
	}

	var candidates []detect.Entity
	var warnings []string
	for i, r := range results {
		if r.err != nil {
			name := recognizers[i].Name()
			log.Warn().Err(r.err).Str("component", "engine").Str("recognizer", name).Str("language", lang).
				Msg("recognizer failed; its candidates are dropped")
			warnings = append(warnings, fmt.Sprintf("recognizer %s failed: %v", name, r.err))
			continue
		}
		candidates = append(candidates, r.entities...)
	}
	return detect.Merge(text, candidates, e.cfg.MinScore), lang, warnings, nil
}

type outcome struct {
	entities []detect.Entity
	err      error
}

func run(ctx context.Context, rec detect.Recognizer, doc *detect.Document) (out outcome) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("component", "engine").Str("recognizer", rec.Name()).
				Str("stack", string(debug.Stack())).Msg("recognizer panicked")
			out = outcome{err: fmt.Errorf("panic: %v", p)}
		}
	}()
	entities, err := rec.Recognize(ctx, doc)
	return outcome{entities: entities, err: err}
}

// withCharOffsets adds character offsets to byte-offset entities sorted by
// start, in one pass over text.
func withCharOffsets(text string, in []detect.Entity) []Entity {
	out := make([]Entity, 0, len(in))
	pos, chars := 0, 0
	advance := func(to int) int {
		chars += utf8.RuneCountInString(text[pos:to])
		pos = to
		return chars
	}
	for _, e := range in {
		out = append(out, Entity{
			Kind:      e.Kind,
			Start:     advance(e.Start),
			End:       advance(e.End),
			ByteStart: e.Start,
			ByteEnd:   e.End,
			Score:     e.Score,
			Source:    e.Source,
		})
	}
	return out
}
