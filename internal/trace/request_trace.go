package trace

import (
	"context"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type requestTraceContextKey string

const traceContextKey requestTraceContextKey = "trace"

// DefaultSampleRate is the share of requests whose stage timings are logged.
const DefaultSampleRate = 0.1

// RequestTrace records stage timings of one scrub request.
type RequestTrace struct {
	ID string

	Start time.Time

	DecodeEnd time.Time

	DetectStart time.Time
	DetectEnd   time.Time

	AnonymizeStart time.Time
	AnonymizeEnd   time.Time

	ResponseEnd time.Time

	Language string
	Entities int
	Sampled  bool

	logOnce sync.Once
}

func NewRequestTrace(sampleRate float64) *RequestTrace {
	return &RequestTrace{
		ID:      uuid.NewString(),
		Start:   time.Now(),
		Sampled: sampleRate > 0 && mathrand.Float64() <= sampleRate,
	}
}

func WithContext(ctx context.Context, tr *RequestTrace) context.Context {
	if tr == nil {
		return ctx
	}
	return context.WithValue(ctx, traceContextKey, tr)
}

func FromContext(ctx context.Context) (*RequestTrace, bool) {
	if ctx == nil {
		return nil, false
	}
	tr, ok := ctx.Value(traceContextKey).(*RequestTrace)
	return tr, ok
}

type Stage int

const (
	Decoded Stage = iota
	DetectStarted
	DetectDone
	AnonymizeStarted
	AnonymizeDone
	Responded
)

// Mark records the time a stage was reached. It is a no-op on a nil trace.
func (t *RequestTrace) Mark(s Stage) {
	if t == nil {
		return
	}
	now := time.Now()
	switch s {
	case Decoded:
		t.DecodeEnd = now
	case DetectStarted:
		t.DetectStart = now
	case DetectDone:
		t.DetectEnd = now
	case AnonymizeStarted:
		t.AnonymizeStart = now
	case AnonymizeDone:
		t.AnonymizeEnd = now
	case Responded:
		t.ResponseEnd = now
	}
}

func (t *RequestTrace) Total(end time.Time) time.Duration {
	if t == nil {
		return 0
	}
	return durationBetween(t.Start, end)
}

// LogAt writes the stage timings once, for sampled traces only.
func (t *RequestTrace) LogAt(logger zerolog.Logger, end time.Time) {
	if t == nil || !t.Sampled {
		return
	}
	t.logOnce.Do(func() {
		logger.Info().
			Str("component", "trace").
			Str("trace", t.ID).
			Str("language", t.Language).
			Int("entities", t.Entities).
			Dur("total", durationBetween(t.Start, end)).
			Dur("decode", durationBetween(t.Start, t.DecodeEnd)).
			Dur("detect", durationBetween(t.DetectStart, t.DetectEnd)).
			Dur("anonymize", durationBetween(t.AnonymizeStart, t.AnonymizeEnd)).
			Msg("request trace")
	})
}

func durationBetween(start, end time.Time) time.Duration {
	if start.IsZero() || end.IsZero() || end.Before(start) {
		return 0
	}
	return end.Sub(start)
}
