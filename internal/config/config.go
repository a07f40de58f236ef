// Package config loads scrubber settings from defaults, an optional YAML or
// JSON file, a .env file and SCRUB_* environment variables, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix        = "SCRUB"
	defaultAddr      = ":8000"
	defaultAuditPath = "~/.scrub/audit.log"
	defaultMinScore  = 0.5
)

// NER backends.
const (
	NERAuto    = "auto"
	NERONNX    = "onnx"
	NERLexicon = "lexicon"
	NERSidecar = "sidecar"
	NERNone    = "none"
)

type Config struct {
	Languages        []string `mapstructure:"languages"`
	FallbackLanguage string   `mapstructure:"fallback_language"`
	// MinScore drops candidates below it.
	MinScore float64 `mapstructure:"min_score"`
	// Entities switches kinds on or off; kinds not listed stay on.
	Entities        map[string]bool `mapstructure:"entities"`
	Substitution    Substitution    `mapstructure:"substitution"`
	ContextWords    []string        `mapstructure:"context_words"`
	ContextWindow   ContextWindow   `mapstructure:"context_window"`
	RecognizerFiles []string        `mapstructure:"recognizer_files"`
	Parallel        bool            `mapstructure:"parallel"`
	Timeout         time.Duration   `mapstructure:"timeout"`

	NER       NERConfig       `mapstructure:"ner"`
	Server    ServerConfig    `mapstructure:"server"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type Substitution struct {
	Default string            `mapstructure:"default"`
	PerKind map[string]string `mapstructure:"per_kind"`
}

type ContextWindow struct {
	Before int `mapstructure:"before"`
	After  int `mapstructure:"after"`
}

type NERConfig struct {
	// Backend is auto, onnx, lexicon, sidecar or none. auto uses an installed
	// ONNX model and falls back to the lexicon.
	Backend    string `mapstructure:"backend"`
	ModelsRoot string `mapstructure:"models_root"`
	// ONNXRuntime is python or native.
	ONNXRuntime    string        `mapstructure:"onnx_runtime"`
	MaxBytes       int           `mapstructure:"max_bytes"`
	SidecarURL     string        `mapstructure:"sidecar_url"`
	SidecarTimeout time.Duration `mapstructure:"sidecar_timeout"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	APIKey       string        `mapstructure:"api_key"`
	RateLimit    float64       `mapstructure:"rate_limit"`
	RateBurst    int           `mapstructure:"rate_burst"`
	H2C          bool          `mapstructure:"h2c"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type AuditConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Backend is jsonl or bolt.
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
	// FingerprintKey keys the input fingerprint; empty disables fingerprints.
	FingerprintKey string `mapstructure:"fingerprint_key"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TelemetryConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

func Default() Config {
	return Config{
		Languages:        []string{"en", "de", "es", "fr", "it", "nl"},
		FallbackLanguage: "en",
		MinScore:         defaultMinScore,
		ContextWords: []string{
			"full name", "name", "postcode", "birth", "account",
			"address", "actor", "actor name", "message",
		},
		ContextWindow: ContextWindow{Before: 5, After: 2},
		Parallel:      true,
		Timeout:       10 * time.Second,
		NER: NERConfig{
			Backend:        NERAuto,
			ModelsRoot:     "~/.scrub/models",
			ONNXRuntime:    "python",
			MaxBytes:       32 * 1024,
			SidecarTimeout: 5 * time.Second,
		},
		Server: ServerConfig{
			Addr:         defaultAddr,
			RateLimit:    20,
			RateBurst:    40,
			MaxBodyBytes: 1 << 20,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Audit: AuditConfig{
			Enabled: true,
			Backend: "jsonl",
			Path:    defaultAuditPath,
		},
		Log:       LogConfig{Level: "info", Format: "console"},
		Telemetry: TelemetryConfig{SampleRate: 0.1},
	}
}

func ConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".scrub", "config.yaml"), nil
}

// Load builds the configuration. A missing file at path is not an error; an
// empty path skips the file entirely.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("read .env: %w", err)
	}

	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !isNotExist(err) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	d := Default()
	v.SetDefault("languages", d.Languages)
	v.SetDefault("fallback_language", d.FallbackLanguage)
	v.SetDefault("min_score", d.MinScore)
	v.SetDefault("entities", map[string]bool{})
	v.SetDefault("substitution.default", d.Substitution.Default)
	v.SetDefault("substitution.per_kind", map[string]string{})
	v.SetDefault("context_words", d.ContextWords)
	v.SetDefault("context_window.before", d.ContextWindow.Before)
	v.SetDefault("context_window.after", d.ContextWindow.After)
	v.SetDefault("recognizer_files", []string{})
	v.SetDefault("parallel", d.Parallel)
	v.SetDefault("timeout", d.Timeout)
	v.SetDefault("ner.backend", d.NER.Backend)
	v.SetDefault("ner.models_root", d.NER.ModelsRoot)
	v.SetDefault("ner.onnx_runtime", d.NER.ONNXRuntime)
	v.SetDefault("ner.max_bytes", d.NER.MaxBytes)
	v.SetDefault("ner.sidecar_url", d.NER.SidecarURL)
	v.SetDefault("ner.sidecar_timeout", d.NER.SidecarTimeout)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.api_key", d.Server.APIKey)
	v.SetDefault("server.rate_limit", d.Server.RateLimit)
	v.SetDefault("server.rate_burst", d.Server.RateBurst)
	v.SetDefault("server.h2c", d.Server.H2C)
	v.SetDefault("server.max_body_bytes", d.Server.MaxBodyBytes)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("audit.enabled", d.Audit.Enabled)
	v.SetDefault("audit.backend", d.Audit.Backend)
	v.SetDefault("audit.path", d.Audit.Path)
	v.SetDefault("audit.fingerprint_key", d.Audit.FingerprintKey)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("telemetry.enabled", d.Telemetry.Enabled)
	v.SetDefault("telemetry.sample_rate", d.Telemetry.SampleRate)

	// SCRUB_SERVER_API_KEY for server.api_key and so on
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("server.api_key", "SCRUB_SERVER_API_KEY", "SCRUB_API_KEY")
	return v
}

func isNotExist(err error) bool {
	var nf viper.ConfigFileNotFoundError
	return errors.As(err, &nf) || errors.Is(err, os.ErrNotExist)
}

func (c *Config) normalize() {
	c.Audit.Path = expandHome(c.Audit.Path)
	c.NER.ModelsRoot = expandHome(c.NER.ModelsRoot)
	for i, f := range c.RecognizerFiles {
		c.RecognizerFiles[i] = expandHome(f)
	}
	c.Languages = splitList(c.Languages)
	c.ContextWords = splitList(c.ContextWords)
	c.NER.Backend = strings.ToLower(strings.TrimSpace(c.NER.Backend))
	c.Audit.Backend = strings.ToLower(strings.TrimSpace(c.Audit.Backend))
}

// splitList accepts both YAML lists and comma-separated env values.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) Validate() error {
	if math.IsNaN(c.MinScore) || c.MinScore < 0 || c.MinScore > 1 {
		return fmt.Errorf("min_score %.2f outside [0,1]", c.MinScore)
	}
	if len(c.Languages) == 0 {
		return fmt.Errorf("languages must not be empty")
	}
	if c.FallbackLanguage != "" && !contains(c.Languages, c.FallbackLanguage) {
		return fmt.Errorf("fallback_language %q is not in languages", c.FallbackLanguage)
	}
	if c.ContextWindow.Before < 0 || c.ContextWindow.After < 0 {
		return fmt.Errorf("context_window must not be negative")
	}
	switch c.NER.Backend {
	case NERAuto, NERONNX, NERLexicon, NERNone:
	case NERSidecar:
		if c.NER.SidecarURL == "" {
			return fmt.Errorf("ner.sidecar_url is required for the sidecar backend")
		}
	default:
		return fmt.Errorf("unknown ner.backend %q", c.NER.Backend)
	}
	switch c.Audit.Backend {
	case "jsonl", "bolt":
	default:
		return fmt.Errorf("unknown audit.backend %q", c.Audit.Backend)
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must not be negative")
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func EnsureConfigDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}
