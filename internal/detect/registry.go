package detect

import (
	"fmt"
	"sort"
	"strings"
)

var DefaultLanguages = []string{"en", "de", "es", "fr", "it", "nl"}

type RegistryConfig struct {
	// Languages with a recognizer set. Defaults to DefaultLanguages.
	Languages []string
	// FallbackLanguage serves requests for languages without a set. Empty
	// disables fallback.
	FallbackLanguage string
	// Recognizers are the merged pattern definitions (defaults plus files).
	Recognizers []RecognizerConfig
	// Entities switches kinds on or off. Kinds not listed stay enabled.
	Entities map[string]bool
	// ContextWords are added to every pattern recognizer.
	ContextWords  []string
	ContextWindow ContextWindow
	// Models holds the statistical model per language, if any.
	Models map[string]Model
}

// Registry maps a language to its recognizers. It is built once at startup
// and read concurrently afterwards.
type Registry struct {
	sets     map[string][]Recognizer
	fallback string
}

func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	langs := cfg.Languages
	if len(langs) == 0 {
		langs = DefaultLanguages
	}
	switches := make(map[string]bool, len(cfg.Entities))
	for k, on := range cfg.Entities {
		switches[strings.ToUpper(k)] = on
	}
	enabled := func(kind string) bool {
		on, ok := switches[strings.ToUpper(kind)]
		return !ok || on
	}
	r := &Registry{sets: map[string][]Recognizer{}}
	if cfg.FallbackLanguage != "" {
		r.fallback = NormalizeLanguage(cfg.FallbackLanguage)
	}
	for _, raw := range langs {
		lang := NormalizeLanguage(raw)
		if _, dup := r.sets[lang]; dup {
			continue
		}
		set := make([]Recognizer, 0, len(cfg.Recognizers)+1)
		for i := range cfg.Recognizers {
			rc := &cfg.Recognizers[i]
			if !rc.IsEnabled() || !enabled(rc.SupportedEntity) || !rc.Supports(lang) {
				continue
			}
			rec, err := rc.Compile(lang, cfg.ContextWords, cfg.ContextWindow)
			if err != nil {
				return nil, err
			}
			set = append(set, rec)
		}
		if m, ok := cfg.Models[lang]; ok && m != nil {
			ner := NewNERRecognizer(lang, m, enabled)
			if len(ner.Kinds()) > 0 {
				set = append(set, ner)
			}
		}
		r.sets[lang] = set
	}
	if r.fallback != "" {
		if _, ok := r.sets[r.fallback]; !ok {
			return nil, fmt.Errorf("fallback language %q is not among the configured languages", r.fallback)
		}
	}
	return r, nil
}

// RecognizersFor returns the recognizer set for language and the language
// whose set was used. Unknown languages use the fallback set when one is
// configured and fail with ErrUnsupportedLanguage otherwise.
func (r *Registry) RecognizersFor(language string) ([]Recognizer, string, error) {
	lang := NormalizeLanguage(language)
	if set, ok := r.sets[lang]; ok {
		return set, lang, nil
	}
	if r.fallback != "" {
		return r.sets[r.fallback], r.fallback, nil
	}
	return nil, "", fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
}

func (r *Registry) Languages() []string {
	out := make([]string, 0, len(r.sets))
	for l := range r.sets {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Fallback() string { return r.fallback }

// RecognizerInfo describes one registered recognizer.
type RecognizerInfo struct {
	Name  string   `json:"name"`
	Kinds []string `json:"kinds"`
}

func (r *Registry) Describe(language string) ([]RecognizerInfo, string, error) {
	set, lang, err := r.RecognizersFor(language)
	if err != nil {
		return nil, "", err
	}
	out := make([]RecognizerInfo, 0, len(set))
	for _, rec := range set {
		out = append(out, RecognizerInfo{Name: rec.Name(), Kinds: rec.Kinds()})
	}
	return out, lang, nil
}
