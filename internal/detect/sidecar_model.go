package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// SidecarModel calls an external NER service over HTTP:
//
//	POST {base}/classify {"text": "...", "language": "en"}
//	-> {"spans": [{"start": 0, "end": 4, "label": "PER", "score": 0.97}]}
//
// Offsets in the response are character (rune) offsets. An unreachable
// service or a non-200 answer is reported as ErrModelUnavailable.
type SidecarModel struct {
	url      string
	language string
	http     *http.Client
}

func NewSidecarModel(baseURL, language string, timeout time.Duration) *SidecarModel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SidecarModel{
		url:      strings.TrimRight(baseURL, "/") + "/classify",
		language: language,
		http:     &http.Client{Timeout: timeout},
	}
}

type sidecarRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

type sidecarResponse struct {
	Spans []sidecarSpan `json:"spans"`
}

type sidecarSpan struct {
	Start int      `json:"start"`
	End   int      `json:"end"`
	Label string   `json:"label"`
	Score *float64 `json:"score,omitempty"`
}

func (m *SidecarModel) Name() string { return "sidecar:" + m.language }

func (m *SidecarModel) Predict(ctx context.Context, text string, _ []Token) ([]Entity, error) {
	body, err := json.Marshal(sidecarRequest{Text: text, Language: m.language})
	if err != nil {
		return nil, fmt.Errorf("sidecar: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("sidecar: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: sidecar unreachable: %v", ErrModelUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: sidecar status %d", ErrModelUnavailable, resp.StatusCode)
	}

	var result sidecarResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("sidecar: decode: %w", err)
	}

	offsets := runeByteOffsets(text)
	out := make([]Entity, 0, len(result.Spans))
	for _, s := range result.Spans {
		if s.Start < 0 || s.End >= len(offsets) || s.Start >= s.End {
			continue
		}
		kind := mapNERType(strings.TrimPrefix(strings.TrimPrefix(s.Label, "B-"), "I-"))
		if kind == "" {
			continue
		}
		score := 0.85
		if s.Score != nil {
			score = *s.Score
		}
		out = append(out, Entity{Kind: kind, Start: offsets[s.Start], End: offsets[s.End], Score: clampScore(score), Source: m.Name()})
	}
	return out, nil
}

// runeByteOffsets maps rune index i to its byte offset; the final element is
// len(text), so the slice has one more entry than text has runes.
func runeByteOffsets(text string) []int {
	out := make([]int, 0, len(text)+1)
	for i := range text {
		out = append(out, i)
	}
	return append(out, len(text))
}
