package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"
)

// sessionInput is one encoded window.
type sessionInput struct {
	InputIDs      []int64 `json:"input_ids"`
	AttentionMask []int64 `json:"attention_mask"`
	TokenTypeIDs  []int64 `json:"token_type_ids"`
}

// nerSession runs a token-classification graph over a batch of windows and
// returns, per window, one row of logits per input position.
type nerSession interface {
	Run(ctx context.Context, batch []sessionInput) ([][][]float32, error)
	Close() error
}

type ONNXConfig struct {
	ModelDir string
	// Backend is "python" (default) or "native"; native needs the onnxruntime build tag.
	Backend string
	// MaxBytes bounds the text sent to the session in one call. Longer text
	// is split at sentence boundaries into several calls.
	MaxBytes int
}

// ONNXModel runs a BERT-style token classifier exported to ONNX. Files are
// loaded lazily on first use; a load failure is cached and reported as
// ErrModelUnavailable on every call.
type ONNXModel struct {
	cfg       ONNXConfig
	once      sync.Once
	loadErr   error
	labels    map[int]string
	tokenizer *WordPieceTokenizer
	session   nerSession
}

func NewONNXModel(cfg ONNXConfig) *ONNXModel {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 32 * 1024
	}
	return &ONNXModel{cfg: cfg}
}

func (m *ONNXModel) Name() string { return "onnx:" + filepath.Base(m.cfg.ModelDir) }

func (m *ONNXModel) init() error {
	m.once.Do(func() {
		modelPath := filepath.Join(m.cfg.ModelDir, "model.onnx")
		if _, err := os.Stat(modelPath); err != nil {
			m.loadErr = fmt.Errorf("model missing: %w", err)
			return
		}
		labels, err := loadLabels(filepath.Join(m.cfg.ModelDir, "labels.json"))
		if err != nil {
			m.loadErr = fmt.Errorf("load labels: %w", err)
			return
		}
		tok, err := NewWordPieceTokenizer(filepath.Join(m.cfg.ModelDir, "tokenizer.json"))
		if err != nil {
			m.loadErr = fmt.Errorf("load tokenizer: %w", err)
			return
		}
		session, err := createONNXSession(modelPath, m.cfg.Backend)
		if err != nil {
			m.loadErr = fmt.Errorf("create session: %w", err)
			return
		}
		m.labels, m.tokenizer, m.session = labels, tok, session
	})
	return m.loadErr
}

func loadLabels(path string) (map[int]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var byIndex map[string]string
	if err := json.Unmarshal(raw, &byIndex); err != nil {
		return nil, err
	}
	out := make(map[int]string, len(byIndex))
	for k, v := range byIndex {
		idx, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("label index %q: %w", k, err)
		}
		out[idx] = v
	}
	return out, nil
}

func (m *ONNXModel) Predict(ctx context.Context, text string, _ []Token) ([]Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(text) == 0 || !looksLikeProse(text) {
		return nil, nil
	}
	if err := m.init(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	start := time.Now()
	var out []Entity
	batches := 0
	for _, group := range groupSpans(Sentences(text), m.cfg.MaxBytes) {
		entities, err := m.predictGroup(ctx, text, group)
		if err != nil {
			return nil, err
		}
		out = append(out, entities...)
		batches++
	}
	log.Debug().Str("component", "ner").Str("model", m.Name()).Int("batches", batches).
		Dur("took", time.Since(start)).Int("entities", len(out)).Msg("onnx inference")
	return out, nil
}

// groupSpans packs consecutive spans into groups of at most maxBytes. A span
// longer than maxBytes forms a group of its own.
func groupSpans(spans []Span, maxBytes int) [][]Span {
	var groups [][]Span
	var cur []Span
	for _, s := range spans {
		if len(cur) > 0 && maxBytes > 0 && s.End-cur[0].Start > maxBytes {
			groups = append(groups, cur)
			cur = nil
		}
		cur = append(cur, s)
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

// predictGroup encodes every sentence of the group and runs all their
// windows in one session call.
func (m *ONNXModel) predictGroup(ctx context.Context, text string, group []Span) ([]Entity, error) {
	encodings := make([]*Encoding, len(group))
	var batch []sessionInput
	for i, s := range group {
		enc, err := m.tokenizer.Encode(text[s.Start:s.End])
		if err != nil {
			return nil, err
		}
		encodings[i] = enc
		for _, w := range enc.Windows {
			batch = append(batch, sessionInput{InputIDs: w.InputIDs, AttentionMask: w.AttentionMask, TokenTypeIDs: w.TokenTypeIDs})
		}
	}
	if len(batch) == 0 {
		return nil, nil
	}
	logits, err := m.session.Run(ctx, batch)
	if err != nil {
		return nil, err
	}
	if len(logits) != len(batch) {
		return nil, fmt.Errorf("onnx session returned %d results for %d windows", len(logits), len(batch))
	}

	var out []Entity
	next := 0
	for i, enc := range encodings {
		labels := make([]string, len(enc.Words))
		scores := make([]float64, len(enc.Words))
		for _, w := range enc.Windows {
			rows := logits[next]
			next++
			if len(rows) != len(w.InputIDs) {
				return nil, fmt.Errorf("onnx output has %d rows for %d inputs", len(rows), len(w.InputIDs))
			}
			m.labelWindow(w, rows, labels, scores)
		}
		for _, e := range tokensToEntities(enc.Words, labels, scores, m.Name()) {
			e.Start += group[i].Start
			e.End += group[i].Start
			out = append(out, e)
		}
	}
	return out, nil
}

// labelWindow sets the label of every word the window owns from the logits
// of the word's first sub-token.
func (m *ONNXModel) labelWindow(w EncodedWindow, rows [][]float32, labels []string, scores []float64) {
	prev := -1
	for pos, wi := range w.TokenToWordIdx {
		if wi < w.OwnStart || wi >= w.OwnEnd || wi == prev {
			continue
		}
		prev = wi
		idx, p := argmax(softmax(rows[pos]))
		labels[wi] = m.labels[idx]
		scores[wi] = p
	}
}

// looksLikeProse skips inputs that are mostly symbols or digits, where a
// language model adds cost and no signal.
func looksLikeProse(text string) bool {
	if len(text) < 8 {
		return false
	}
	total, letters, spaces := 0.0, 0.0, 0.0
	for _, r := range text {
		total++
		if unicode.IsLetter(r) {
			letters++
		}
		if unicode.IsSpace(r) {
			spaces++
		}
	}
	return total > 0 && letters/total > 0.4 && spaces/total > 0.05
}

func (m *ONNXModel) Close() error {
	if m.session == nil {
		return nil
	}
	return m.session.Close()
}
