package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"scrub/internal/anonymizer"
	"scrub/internal/config"
	"scrub/internal/detect"
	"scrub/internal/engine"
	"scrub/internal/models"
)

// pipeline is everything a command needs to scrub text.
type pipeline struct {
	registry *detect.Registry
	engine   *engine.Engine
	closers  []io.Closer
}

func (r *pipeline) Close() error {
	var errs []error
	for _, c := range r.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func buildPipeline(cfg config.Config) (*pipeline, error) {
	nerModels, closers, err := buildModels(cfg)
	if err != nil {
		return nil, err
	}
	reg, err := buildRegistry(cfg, nerModels)
	if err != nil {
		return nil, err
	}
	eng, err := engine.New(engine.Config{
		MinScore: cfg.MinScore,
		Policy:   anonymizer.Policy{Default: cfg.Substitution.Default, PerKind: cfg.Substitution.PerKind},
		Timeout:  cfg.Timeout,
		Parallel: cfg.Parallel,
	}, reg)
	if err != nil {
		return nil, err
	}
	return &pipeline{registry: reg, engine: eng, closers: closers}, nil
}

func buildRegistry(cfg config.Config, nerModels map[string]detect.Model) (*detect.Registry, error) {
	defs, err := detect.DefaultRecognizers()
	if err != nil {
		return nil, err
	}
	layers := [][]detect.RecognizerConfig{defs}
	for _, path := range cfg.RecognizerFiles {
		extra, err := detect.LoadRecognizerFile(path)
		if err != nil {
			return nil, err
		}
		layers = append(layers, extra)
	}
	return detect.NewRegistry(detect.RegistryConfig{
		Languages:        cfg.Languages,
		FallbackLanguage: cfg.FallbackLanguage,
		Recognizers:      detect.MergeRecognizers(layers...),
		Entities:         cfg.Entities,
		ContextWords:     cfg.ContextWords,
		ContextWindow:    detect.ContextWindow{Before: cfg.ContextWindow.Before, After: cfg.ContextWindow.After},
		Models:           nerModels,
	})
}

// buildModels picks the statistical model per configured language.
func buildModels(cfg config.Config) (map[string]detect.Model, []io.Closer, error) {
	out := map[string]detect.Model{}
	var closers []io.Closer
	if cfg.NER.Backend == config.NERNone {
		return out, nil, nil
	}
	var catalog models.Registry
	if cfg.NER.Backend == config.NERAuto || cfg.NER.Backend == config.NERONNX {
		var err error
		if catalog, err = models.LoadEmbeddedRegistry(); err != nil {
			return nil, nil, err
		}
	}
	for _, raw := range cfg.Languages {
		lang := detect.NormalizeLanguage(raw)
		switch cfg.NER.Backend {
		case config.NERSidecar:
			out[lang] = detect.NewSidecarModel(cfg.NER.SidecarURL, lang, cfg.NER.SidecarTimeout)
			continue
		case config.NERAuto, config.NERONNX:
			if spec, ok := catalog.ForLanguage(cfg.NER.ModelsRoot, lang); ok {
				m := detect.NewONNXModel(detect.ONNXConfig{
					ModelDir: models.ModelInstallPath(cfg.NER.ModelsRoot, spec.Name),
					Backend:  cfg.NER.ONNXRuntime,
					MaxBytes: cfg.NER.MaxBytes,
				})
				out[lang] = m
				closers = append(closers, m)
				log.Debug().Str("component", "ner").Str("language", lang).Str("model", spec.Name).Msg("using onnx model")
				continue
			}
			if cfg.NER.Backend == config.NERONNX {
				log.Warn().Str("component", "ner").Str("language", lang).Str("models_root", cfg.NER.ModelsRoot).
					Msg("no installed onnx model; pattern recognizers only")
				continue
			}
		}
		lex, ok, err := detect.NewLexiconModel(lang)
		if err != nil {
			return nil, nil, fmt.Errorf("lexicon for %s: %w", lang, err)
		}
		if ok {
			out[lang] = lex
		}
	}
	return out, closers, nil
}
