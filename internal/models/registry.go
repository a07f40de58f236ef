// Package models describes the statistical NER models the scrubber can load
// and where they are installed. Fetching models is left to deployment.
package models

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

//go:embed registry.json
var embeddedRegistry []byte

// AnyLanguage marks a multilingual model.
const AnyLanguage = "*"

var requiredFiles = []string{"model.onnx", "labels.json", "tokenizer.json"}

type Registry struct {
	Version string      `json:"version"`
	Models  []ModelSpec `json:"models"`
}

type Accuracy struct {
	F1Score   float64 `json:"f1_score"`
	Benchmark string  `json:"benchmark"`
}

type ModelSpec struct {
	Name         string   `json:"name"`
	DisplayName  string   `json:"display_name"`
	Version      string   `json:"version"`
	Language     string   `json:"language"`
	Source       string   `json:"source"`
	SizeBytes    int64    `json:"size_bytes"`
	EntityTypes  []string `json:"entity_types"`
	Description  string   `json:"description"`
	Architecture string   `json:"architecture"`
	Accuracy     Accuracy `json:"accuracy"`
	License      string   `json:"license"`
	Recommended  bool     `json:"recommended"`
}

func LoadEmbeddedRegistry() (Registry, error) {
	return parseRegistry(embeddedRegistry)
}

func parseRegistry(data []byte) (Registry, error) {
	var reg Registry
	if err := json.Unmarshal(data, &reg); err != nil {
		return Registry{}, fmt.Errorf("parse model registry: %w", err)
	}
	sort.Slice(reg.Models, func(i, j int) bool { return reg.Models[i].Name < reg.Models[j].Name })
	return reg, nil
}

func (r Registry) Find(name string) (ModelSpec, bool) {
	for _, m := range r.Models {
		if m.Name == name {
			return m, true
		}
	}
	return ModelSpec{}, false
}

// ForLanguage picks the model to use for language among those installed under
// root: a dedicated model first (recommended before others), then a
// multilingual one.
func (r Registry) ForLanguage(root, language string) (ModelSpec, bool) {
	var best, multi *ModelSpec
	for i := range r.Models {
		m := &r.Models[i]
		if !IsInstalled(root, *m) {
			continue
		}
		switch m.Language {
		case language:
			if best == nil || (m.Recommended && !best.Recommended) {
				best = m
			}
		case AnyLanguage:
			if multi == nil {
				multi = m
			}
		}
	}
	if best != nil {
		return *best, true
	}
	if multi != nil {
		return *multi, true
	}
	return ModelSpec{}, false
}

func DefaultModelsRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".scrub", "models"), nil
}

func ModelInstallPath(root string, name string) string {
	return filepath.Join(root, name)
}

func IsInstalled(root string, model ModelSpec) bool {
	base := ModelInstallPath(root, model.Name)
	for _, f := range requiredFiles {
		if _, err := os.Stat(filepath.Join(base, f)); err != nil {
			return false
		}
	}
	return true
}

// ValidateModelDir checks that dir holds a model, a non-empty label map and
// a parseable tokenizer.
func ValidateModelDir(dir string) error {
	for _, f := range requiredFiles {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			return fmt.Errorf("missing %s: %w", f, err)
		}
	}
	labelsRaw, err := os.ReadFile(filepath.Join(dir, "labels.json"))
	if err != nil {
		return fmt.Errorf("read labels.json: %w", err)
	}
	var labels map[string]string
	if err := json.Unmarshal(labelsRaw, &labels); err != nil {
		return fmt.Errorf("parse labels.json: %w", err)
	}
	if len(labels) == 0 {
		return fmt.Errorf("labels.json is empty")
	}
	tokenizerRaw, err := os.ReadFile(filepath.Join(dir, "tokenizer.json"))
	if err != nil {
		return fmt.Errorf("read tokenizer.json: %w", err)
	}
	var tokenizer map[string]any
	if err := json.Unmarshal(tokenizerRaw, &tokenizer); err != nil {
		return fmt.Errorf("parse tokenizer.json: %w", err)
	}
	if len(tokenizer) == 0 {
		return fmt.Errorf("tokenizer.json is empty")
	}
	return nil
}
