// Package audit records one entry per scrub request. Entries never carry the
// input or output text, only counts, timings and an optional keyed
// fingerprint of the input.
package audit

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

type Entry struct {
	Timestamp   string         `json:"timestamp"`
	RequestID   string         `json:"request_id"`
	Origin      string         `json:"origin"`
	Language    string         `json:"language,omitempty"`
	StatusCode  int            `json:"status_code"`
	Error       string         `json:"error,omitempty"`
	InputChars  int            `json:"input_chars"`
	OutputChars int            `json:"output_chars"`
	Entities    map[string]int `json:"entities,omitempty"`
	Warnings    int            `json:"warnings,omitempty"`
	DetectMs    float64        `json:"detect_ms"`
	AnonymizeMs float64        `json:"anonymize_ms"`
	TotalMs     float64        `json:"total_ms"`
	Fingerprint string         `json:"fingerprint,omitempty"`
}

// EntityTotal is the number of entities removed.
func (e Entry) EntityTotal() int {
	n := 0
	for _, c := range e.Entities {
		n += c
	}
	return n
}

type Logger interface {
	Log(entry Entry) error
}

// Store is a Logger whose entries can be read back.
type Store interface {
	Logger
	Entries() ([]Entry, error)
	Close() error
}

func stamp(entry *Entry) {
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
}

type JSONLLogger struct {
	path string
	mu   sync.Mutex
}

func NewJSONLLogger(path string) (*JSONLLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create audit log: %w", err)
	}
	_ = f.Close()
	return &JSONLLogger{path: path}, nil
}

func (l *JSONLLogger) Log(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	stamp(&entry)

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	if err := enc.Encode(entry); err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}

func (l *JSONLLogger) Entries() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ParseFile(l.path)
}

func (l *JSONLLogger) Close() error { return nil }

// Open returns the store for backend ("jsonl" or "bolt") at path.
func Open(backend, path string) (Store, error) {
	switch backend {
	case "", "jsonl":
		return NewJSONLLogger(path)
	case "bolt":
		return NewBoltStore(path)
	default:
		return nil, fmt.Errorf("unknown audit backend %q", backend)
	}
}

// Fingerprinter derives a keyed BLAKE2b digest of request text so repeated
// inputs can be correlated without storing them.
type Fingerprinter struct {
	key []byte
}

// NewFingerprinter returns nil for an empty key; a nil Fingerprinter yields
// empty fingerprints.
func NewFingerprinter(key string) (*Fingerprinter, error) {
	if key == "" {
		return nil, nil
	}
	if len(key) > blake2b.Size {
		return nil, fmt.Errorf("fingerprint key longer than %d bytes", blake2b.Size)
	}
	return &Fingerprinter{key: []byte(key)}, nil
}

func (f *Fingerprinter) Sum(text string) string {
	if f == nil {
		return ""
	}
	h, err := blake2b.New(16, f.key)
	if err != nil {
		return ""
	}
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}
