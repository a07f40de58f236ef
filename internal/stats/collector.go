// Package stats aggregates audit entries into service statistics.
package stats

import (
	"sort"
	"strings"
	"time"

	"scrub/internal/audit"
)

type Stats struct {
	Status        string          `json:"status"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Addr          string          `json:"addr,omitempty"`
	Requests      RequestStats    `json:"requests"`
	Entities      EntityStats     `json:"entities"`
	Latency       LatencyStats    `json:"latency"`
	Languages     []LanguageStats `json:"languages"`
	Recent        []RecentRequest `json:"recent,omitempty"`
}

type RequestStats struct {
	Total       int     `json:"total"`
	Failed      int     `json:"failed"`
	PerMinute   float64 `json:"per_minute"`
	Last5Minute []int   `json:"last_5_minute"`
}

type EntityStats struct {
	Total  int            `json:"total"`
	ByKind map[string]int `json:"by_kind"`
}

type LatencyStats struct {
	DetectMs    float64 `json:"detect_ms"`
	AnonymizeMs float64 `json:"anonymize_ms"`
	TotalMs     float64 `json:"total_ms"`
}

type LanguageStats struct {
	Language string `json:"language"`
	Requests int    `json:"requests"`
}

type RecentRequest struct {
	Timestamp  string         `json:"timestamp"`
	RequestID  string         `json:"request_id"`
	Origin     string         `json:"origin"`
	Language   string         `json:"language"`
	StatusCode int            `json:"status_code"`
	ByKind     map[string]int `json:"by_kind"`
	Entities   int            `json:"entity_count"`
	InputChars int            `json:"input_chars"`
	TotalMs    float64        `json:"total_ms"`
}

type Options struct {
	Now     time.Time
	Status  string
	Uptime  time.Duration
	Addr    string
	TopN    int
	RecentN int
}

type mean struct {
	sum float64
	n   int
}

func (m *mean) add(v float64) {
	if v > 0 {
		m.sum += v
		m.n++
	}
}

func (m mean) value() float64 {
	if m.n == 0 {
		return 0
	}
	return m.sum / float64(m.n)
}

func CollectFromEntries(entries []audit.Entry, opts Options) Stats {
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	topN := opts.TopN
	if topN <= 0 {
		topN = 5
	}
	recentN := opts.RecentN
	if recentN <= 0 {
		recentN = 20
	}

	out := Stats{
		Status:        opts.Status,
		UptimeSeconds: int64(opts.Uptime.Seconds()),
		Addr:          opts.Addr,
		Entities:      EntityStats{ByKind: map[string]int{}},
		Requests:      RequestStats{Last5Minute: make([]int, 5)},
	}
	if out.Status == "" {
		out.Status = "stopped"
	}

	languages := map[string]int{}
	var detect, anonymize, total mean
	recent := make([]RecentRequest, 0, len(entries))

	for _, e := range entries {
		out.Requests.Total++
		if e.StatusCode >= 400 {
			out.Requests.Failed++
		}
		if lang := strings.TrimSpace(e.Language); lang != "" {
			languages[lang]++
		}

		byKind := map[string]int{}
		for kind, n := range e.Entities {
			kind = strings.ToUpper(strings.TrimSpace(kind))
			if kind == "" || n <= 0 {
				continue
			}
			byKind[kind] += n
			out.Entities.ByKind[kind] += n
			out.Entities.Total += n
		}

		if e.Timestamp != "" {
			if ts, err := time.Parse(time.RFC3339Nano, e.Timestamp); err == nil {
				delta := now.Sub(ts)
				if delta >= 0 && delta < 5*time.Minute {
					idx := int(delta / time.Minute)
					out.Requests.Last5Minute[4-idx]++
				}
			}
		}

		detect.add(e.DetectMs)
		anonymize.add(e.AnonymizeMs)
		total.add(e.TotalMs)

		recent = append(recent, RecentRequest{
			Timestamp:  e.Timestamp,
			RequestID:  e.RequestID,
			Origin:     e.Origin,
			Language:   e.Language,
			StatusCode: e.StatusCode,
			ByKind:     byKind,
			Entities:   e.EntityTotal(),
			InputChars: e.InputChars,
			TotalMs:    e.TotalMs,
		})
	}

	sum5 := 0
	for _, n := range out.Requests.Last5Minute {
		sum5 += n
	}
	out.Requests.PerMinute = float64(sum5) / 5

	out.Latency = LatencyStats{
		DetectMs:    detect.value(),
		AnonymizeMs: anonymize.value(),
		TotalMs:     total.value(),
	}

	for l, c := range languages {
		out.Languages = append(out.Languages, LanguageStats{Language: l, Requests: c})
	}
	sort.Slice(out.Languages, func(i, j int) bool {
		if out.Languages[i].Requests == out.Languages[j].Requests {
			return out.Languages[i].Language < out.Languages[j].Language
		}
		return out.Languages[i].Requests > out.Languages[j].Requests
	})
	if len(out.Languages) > topN {
		out.Languages = out.Languages[:topN]
	}

	for i := len(recent) - 1; i >= 0 && len(out.Recent) < recentN; i-- {
		out.Recent = append(out.Recent, recent[i])
	}
	return out
}
