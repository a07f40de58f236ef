// Package server exposes the scrubber over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"scrub/internal/audit"
	"scrub/internal/detect"
	"scrub/internal/engine"
	"scrub/internal/trace"
)

const defaultMaxBodyBytes = 1 << 20

// Scrubber is the engine call the HTTP layer depends on.
type Scrubber interface {
	Scrub(ctx context.Context, text, language string) (*engine.Result, error)
}

// Describer lists the recognizers that serve a language.
type Describer interface {
	Describe(language string) ([]detect.RecognizerInfo, string, error)
}

type Server struct {
	router      *chi.Mux
	scrubber    Scrubber
	describer   Describer
	audit       audit.Store
	fingerprint *audit.Fingerprinter
	apiKey      string
	limiter     *RateLimiter
	maxBody     int64
	sampleRate  float64
	startTime   time.Time
	addr        string
}

type Option func(*Server)

// WithAPIKey requires requests to carry key in X-API-Key.
func WithAPIKey(key string) Option {
	return func(s *Server) { s.apiKey = key }
}

// WithAudit records one entry per scrub request and serves /api/stats from store.
func WithAudit(store audit.Store, fp *audit.Fingerprinter) Option {
	return func(s *Server) { s.audit, s.fingerprint = store, fp }
}

// WithRateLimit limits each caller to rps requests per second.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps > 0 {
			s.limiter = NewRateLimiter(rps, burst)
		}
	}
}

func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

func WithTraceSampleRate(rate float64) Option {
	return func(s *Server) { s.sampleRate = rate }
}

func WithDescriber(d Describer) Option {
	return func(s *Server) { s.describer = d }
}

func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

func New(scrubber Scrubber, opts ...Option) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		scrubber:   scrubber,
		maxBody:    defaultMaxBodyBytes,
		sampleRate: trace.DefaultSampleRate,
		startTime:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(trace.Middleware())

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(APIKeyMiddleware(s.apiKey))
		r.Use(RateLimitMiddleware(s.limiter, s.apiKey != ""))

		r.Post("/scrub", s.handleScrub)
		r.Get("/api/stats", s.handleStats)
		r.Get("/api/recognizers", s.handleRecognizers)
	})
	return r
}

type ListenConfig struct {
	Addr         string
	H2C          bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, cfg ListenConfig) error {
	var handler http.Handler = s.Routes()
	if cfg.H2C {
		handler = h2c.NewHandler(handler, &http2.Server{})
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
	s.addr = cfg.Addr

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("component", "server").Str("addr", cfg.Addr).Bool("h2c", cfg.H2C).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	case <-ctx.Done():
		log.Info().Str("component", "server").Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
