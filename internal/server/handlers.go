package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"scrub/internal/audit"
	"scrub/internal/detect"
	"scrub/internal/engine"
	"scrub/internal/stats"
	"scrub/internal/trace"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

type scrubRequest struct {
	Transcript *string `json:"transcript"`
	Lang       string  `json:"lang"`
}

type scrubResponse struct {
	ScrubbedText string          `json:"scrubbed_text"`
	Language     string          `json:"language"`
	Entities     []engine.Entity `json:"entities"`
	Warnings     []string        `json:"warnings,omitempty"`
}

func (s *Server) handleScrub(w http.ResponseWriter, r *http.Request) {
	tr := trace.NewRequestTrace(s.sampleRate)
	w.Header().Set("X-Scrub-Trace", tr.ID)
	entry := audit.Entry{RequestID: tr.ID, Origin: "http"}
	status := http.StatusOK
	defer func() {
		end := time.Now()
		tr.LogAt(log.Logger, end)
		entry.StatusCode = status
		entry.TotalMs = ms(tr.Total(end))
		s.record(entry)
	}()

	var req scrubRequest
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
			writeError(w, status, "too_large", "Request body too large")
			return
		}
		status = http.StatusBadRequest
		writeError(w, status, "invalid_request", "Request body must be JSON with a transcript field")
		return
	}
	tr.Mark(trace.Decoded)
	if req.Transcript == nil || *req.Transcript == "" {
		status = http.StatusUnprocessableEntity
		writeError(w, status, "invalid_request", "transcript is required")
		return
	}
	if req.Lang == "" {
		req.Lang = detect.DefaultLanguage
	}
	text := *req.Transcript
	entry.Language = req.Lang
	entry.InputChars = utf8.RuneCountInString(text)
	entry.Fingerprint = s.fingerprint.Sum(text)

	res, err := s.scrubber.Scrub(trace.WithContext(r.Context(), tr), text, req.Lang)
	entry.DetectMs = ms(tr.DetectEnd.Sub(tr.DetectStart))
	entry.AnonymizeMs = ms(tr.AnonymizeEnd.Sub(tr.AnonymizeStart))
	if err != nil {
		status = statusFor(err)
		entry.Error = err.Error()
		log.Warn().Err(err).Str("component", "server").Str("request_id", middleware.GetReqID(r.Context())).
			Str("trace", tr.ID).Int("status", status).Msg("scrub failed")
		switch status {
		case http.StatusInternalServerError:
			writeError(w, status, "internal", "Error processing text: "+err.Error())
		default:
			writeError(w, status, errorCode(status), err.Error())
		}
		return
	}

	entry.Language = res.Language
	entry.OutputChars = utf8.RuneCountInString(res.Text)
	entry.Entities = res.Counts()
	entry.Warnings = len(res.Warnings)
	writeJSON(w, status, scrubResponse{
		ScrubbedText: res.Text,
		Language:     res.Language,
		Entities:     res.Entities,
		Warnings:     res.Warnings,
	})
	tr.Mark(trace.Responded)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrEmptyText):
		return http.StatusUnprocessableEntity
	case errors.Is(err, detect.ErrUnsupportedLanguage):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "unsupported_language"
	case http.StatusGatewayTimeout:
		return "timeout"
	default:
		return "invalid_request"
	}
}

func (s *Server) record(entry audit.Entry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(entry); err != nil {
		log.Error().Err(err).Str("component", "audit").Msg("write audit entry")
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var entries []audit.Entry
	if s.audit != nil {
		var err error
		if entries, err = s.audit.Entries(); err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, stats.CollectFromEntries(entries, stats.Options{
		Now:    time.Now().UTC(),
		Status: "running",
		Uptime: time.Since(s.startTime),
		Addr:   s.addr,
	}))
}

func (s *Server) handleRecognizers(w http.ResponseWriter, r *http.Request) {
	if s.describer == nil {
		writeError(w, http.StatusNotFound, "not_found", "recognizer listing is disabled")
		return
	}
	lang := r.URL.Query().Get("lang")
	if lang == "" {
		lang = detect.DefaultLanguage
	}
	infos, resolved, err := s.describer.Describe(lang)
	if err != nil {
		writeError(w, statusFor(err), "unsupported_language", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"language": resolved, "recognizers": infos})
}

func ms(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
