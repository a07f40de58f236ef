package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scrub/internal/config"
	"scrub/internal/detect"
	"scrub/internal/engine"
)

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("SCRUB_NER_BACKEND", "lexicon")
	t.Setenv("SCRUB_AUDIT_PATH", filepath.Join(t.TempDir(), "audit.log"))
	cfgFile, verbose, logLevel, logFormat, otelFlag = "", false, "", "", false

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "--log-level", "error"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestTextCommandJSON(t *testing.T) {
	out, err := runCLI(t, "", "text", "--json", "My name is John Smith and my email is john@example.com")
	require.NoError(t, err)

	var res engine.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "en", res.Language)
	kinds := res.Counts()
	assert.Equal(t, 1, kinds[detect.KindPerson])
	assert.Equal(t, 1, kinds["EMAIL_ADDRESS"])
	assert.NotContains(t, res.Text, "John")
	assert.NotContains(t, res.Text, "john@example.com")
}

func TestTextCommandStdinWithPlaceholder(t *testing.T) {
	out, err := runCLI(t, "Mail john@example.com please\n", "text", "--placeholder", "<{{kind}}>")
	require.NoError(t, err)
	assert.Equal(t, "Mail <EMAIL_ADDRESS> please\n", out)
}

func TestTextCommandEmptyInput(t *testing.T) {
	_, err := runCLI(t, "", "text")
	assert.ErrorIs(t, err, engine.ErrEmptyText)
}

func TestRecognizersCommand(t *testing.T) {
	out, err := runCLI(t, "", "recognizers", "--lang", "pt")
	require.NoError(t, err)
	assert.Contains(t, out, "served by the en recognizers")
	assert.Contains(t, out, "ner:lexicon:en")
	assert.Contains(t, out, "EMAIL_ADDRESS")
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, resolvedVersion()+"\n", out)
}

func TestBuildModelsByBackend(t *testing.T) {
	c := config.Default()
	c.Languages = []string{"en", "de"}
	c.NER.ModelsRoot = t.TempDir()

	c.NER.Backend = config.NERNone
	got, _, err := buildModels(c)
	require.NoError(t, err)
	assert.Empty(t, got)

	c.NER.Backend = config.NERLexicon
	got, _, err = buildModels(c)
	require.NoError(t, err)
	require.Contains(t, got, "en")
	assert.Equal(t, "lexicon:en", got["en"].Name())

	// nothing installed: auto falls back to the lexicon, onnx runs patterns only
	c.NER.Backend = config.NERAuto
	got, closers, err := buildModels(c)
	require.NoError(t, err)
	assert.Equal(t, "lexicon:en", got["en"].Name())
	assert.Empty(t, closers)

	c.NER.Backend = config.NERONNX
	got, _, err = buildModels(c)
	require.NoError(t, err)
	assert.Empty(t, got)

	c.NER.Backend = config.NERSidecar
	c.NER.SidecarURL = "http://127.0.0.1:1"
	got, _, err = buildModels(c)
	require.NoError(t, err)
	assert.Equal(t, "sidecar:en", got["en"].Name())
	assert.Equal(t, "sidecar:de", got["de"].Name())
}

func TestBuildModelsPicksInstalledONNX(t *testing.T) {
	c := config.Default()
	c.Languages = []string{"en"}
	c.NER.ModelsRoot = t.TempDir()
	writeModelDir(t, filepath.Join(c.NER.ModelsRoot, "ner_en"), `{"0":"O"}`)

	got, closers, err := buildModels(c)
	require.NoError(t, err)
	assert.Equal(t, "onnx:ner_en", got["en"].Name())
	assert.Len(t, closers, 1)
}

func TestBuildRuntimeRecognizerFiles(t *testing.T) {
	c := config.Default()
	c.NER.Backend = config.NERNone
	path := filepath.Join(t.TempDir(), "extra.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"ticket": {"pattern": {"name": "ticket_id", "regex": "\\bTCK-\\d{4}\\b", "score": 0.9}}}`), 0o644))
	c.RecognizerFiles = []string{path}

	rt, err := buildPipeline(c)
	require.NoError(t, err)
	defer rt.Close()
	res, err := rt.engine.Scrub(context.Background(), "see TCK-1234", "en")
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)
	assert.Equal(t, "TICKET", res.Entities[0].Kind)
	assert.Equal(t, "see ", res.Text)
}
