package detect

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default_recognizers.yaml
var defaultRecognizersYAML []byte

// RecognizerFile is the top-level structure of a recognizer YAML file. The
// schema follows Presidio's recognizer registry format.
type RecognizerFile struct {
	Recognizers []RecognizerConfig `yaml:"recognizers" json:"recognizers"`
}

type RecognizerConfig struct {
	Name               string            `yaml:"name" json:"name"`
	SupportedEntity    string            `yaml:"supported_entity" json:"supported_entity"`
	Enabled            *bool             `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Patterns           []PatternConfig   `yaml:"patterns,omitempty" json:"patterns,omitempty"`
	SupportedLanguages []LanguageContext `yaml:"supported_languages,omitempty" json:"supported_languages,omitempty"`
	DenyList           []string          `yaml:"deny_list,omitempty" json:"deny_list,omitempty"`
	DenyListScore      float64           `yaml:"deny_list_score,omitempty" json:"deny_list_score,omitempty"`
	Validator          string            `yaml:"validator,omitempty" json:"validator,omitempty"`
	// OnInvalid is "drop" (default) or "cap".
	OnInvalid string `yaml:"on_invalid,omitempty" json:"on_invalid,omitempty"`
}

type PatternConfig struct {
	Name  string  `yaml:"name" json:"name"`
	Regex string  `yaml:"regex" json:"regex"`
	Score float64 `yaml:"score" json:"score"`
}

// LanguageContext holds context words for one language. An empty Language
// applies the words to every language.
type LanguageContext struct {
	Language        string   `yaml:"language" json:"language"`
	Context         []string `yaml:"context,omitempty" json:"context,omitempty"`
	NegativeContext []string `yaml:"negative_context,omitempty" json:"negative_context,omitempty"`
}

func (r *RecognizerConfig) IsEnabled() bool {
	if r.Enabled == nil {
		return true
	}
	return *r.Enabled
}

// Languages returns the explicit languages of the recognizer; nil means it
// applies to every language. A recognizer with no language entries, or with
// an entry for the empty language, is language-agnostic; named entries then
// only add context words.
func (r *RecognizerConfig) Languages() []string {
	var out []string
	for _, lc := range r.SupportedLanguages {
		if lc.Language == "" {
			return nil
		}
		out = append(out, NormalizeLanguage(lc.Language))
	}
	return out
}

func (r *RecognizerConfig) Supports(language string) bool {
	langs := r.Languages()
	if len(langs) == 0 {
		return true
	}
	for _, l := range langs {
		if l == language {
			return true
		}
	}
	return false
}

func (r *RecognizerConfig) contextFor(language string) (positive, negative []string) {
	for _, lc := range r.SupportedLanguages {
		if lc.Language == "" || NormalizeLanguage(lc.Language) == language {
			positive = append(positive, lc.Context...)
			negative = append(negative, lc.NegativeContext...)
		}
	}
	return positive, negative
}

func DefaultRecognizers() ([]RecognizerConfig, error) {
	rf, err := ParseRecognizerFile(defaultRecognizersYAML)
	if err != nil {
		return nil, fmt.Errorf("default recognizers: %w", err)
	}
	return rf.Recognizers, nil
}

func ParseRecognizerFile(data []byte) (*RecognizerFile, error) {
	var rf RecognizerFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing recognizer YAML: %w", err)
	}
	return &rf, nil
}

// legacyRecognizer is one entry of the flat JSON map format
// {"NAME": {"pattern": {...}, "context": [...]}}, where NAME is also the
// entity kind.
type legacyRecognizer struct {
	Pattern PatternConfig `json:"pattern"`
	Context []string      `json:"context"`
}

// ParseLegacyRecognizerJSON reads the flat JSON map format. Keys are sorted
// so the resulting order is deterministic.
func ParseLegacyRecognizerJSON(data []byte) ([]RecognizerConfig, error) {
	var raw map[string]legacyRecognizer
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing recognizer JSON: %w", err)
	}
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]RecognizerConfig, 0, len(raw))
	for _, name := range names {
		lr := raw[name]
		rc := RecognizerConfig{
			Name:            strings.ToLower(name),
			SupportedEntity: strings.ToUpper(name),
			Patterns:        []PatternConfig{lr.Pattern},
		}
		if len(lr.Context) > 0 {
			rc.SupportedLanguages = []LanguageContext{{Context: lr.Context}}
		}
		out = append(out, rc)
	}
	return out, nil
}

// LoadRecognizerFile reads a YAML recognizer file or a JSON file in either the
// list or the flat map format.
func LoadRecognizerFile(path string) ([]RecognizerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading recognizer file %s: %w", path, err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") && !bytes.Contains(data, []byte(`"recognizers"`)) {
		return ParseLegacyRecognizerJSON(data)
	}
	rf, err := ParseRecognizerFile(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rf.Recognizers, nil
}

// MergeRecognizers layers recognizer definitions. A later definition replaces
// an earlier one with the same name; new names are appended in order.
func MergeRecognizers(layers ...[]RecognizerConfig) []RecognizerConfig {
	index := make(map[string]int)
	var merged []RecognizerConfig
	for _, layer := range layers {
		for _, rc := range layer {
			if idx, ok := index[rc.Name]; ok {
				merged[idx] = rc
				continue
			}
			index[rc.Name] = len(merged)
			merged = append(merged, rc)
		}
	}
	return merged
}

// Compile builds the recognizer for one language. extraContext is appended
// to the recognizer's own context words.
func (r *RecognizerConfig) Compile(language string, extraContext []string, window ContextWindow) (*PatternRecognizer, error) {
	if r.Name == "" {
		return nil, fmt.Errorf("recognizer without name")
	}
	if r.SupportedEntity == "" {
		return nil, fmt.Errorf("recognizer %s: supported_entity is required", r.Name)
	}
	positive, negative := r.contextFor(language)
	opts := PatternOptions{
		Context:         append(positive, extraContext...),
		NegativeContext: negative,
		Window:          window,
		CapInvalid:      strings.EqualFold(r.OnInvalid, "cap"),
	}
	if r.Validator != "" {
		v, ok := LookupValidator(r.Validator)
		if !ok {
			return nil, fmt.Errorf("recognizer %s: unknown validator %q (known: %s)", r.Name, r.Validator, strings.Join(ValidatorNames(), ", "))
		}
		opts.Validator = v
	}
	kind := strings.ToUpper(r.SupportedEntity)
	if len(r.DenyList) > 0 {
		return NewDenyListRecognizer(r.Name, kind, r.DenyList, r.DenyListScore, opts)
	}
	if len(r.Patterns) == 0 {
		return nil, fmt.Errorf("recognizer %s: no patterns or deny_list", r.Name)
	}
	patterns := make([]Pattern, 0, len(r.Patterns))
	for _, pc := range r.Patterns {
		re, err := regexp.Compile(pc.Regex)
		if err != nil {
			return nil, fmt.Errorf("recognizer %s pattern %s: %w", r.Name, pc.Name, err)
		}
		if pc.Score < 0 || pc.Score > 1 {
			return nil, fmt.Errorf("recognizer %s pattern %s: score %.2f outside [0,1]", r.Name, pc.Name, pc.Score)
		}
		patterns = append(patterns, Pattern{Name: pc.Name, Regex: re, Score: pc.Score})
	}
	return NewPatternRecognizer(r.Name, kind, patterns, opts), nil
}
