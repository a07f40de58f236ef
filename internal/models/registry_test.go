package models

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func install(t *testing.T, root, name string) string {
	t.Helper()
	dir := ModelInstallPath(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	files := map[string]string{
		"model.onnx":     "onnx",
		"labels.json":    `{"0":"O","1":"B-PER"}`,
		"tokenizer.json": `{"model":{"vocab":{"[UNK]":0}}}`,
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func TestEmbeddedRegistry(t *testing.T) {
	reg, err := LoadEmbeddedRegistry()
	require.NoError(t, err)
	require.NotEmpty(t, reg.Models)
	m, ok := reg.Find("ner_en")
	require.True(t, ok)
	assert.Equal(t, "en", m.Language)
	assert.Contains(t, m.EntityTypes, "PERSON")
	_, ok = reg.Find("nope")
	assert.False(t, ok)
	for i := 1; i < len(reg.Models); i++ {
		assert.Less(t, reg.Models[i-1].Name, reg.Models[i].Name)
	}
}

func TestParseRegistryError(t *testing.T) {
	_, err := parseRegistry([]byte("{"))
	assert.Error(t, err)
}

func TestForLanguagePrefersDedicatedModel(t *testing.T) {
	reg, err := LoadEmbeddedRegistry()
	require.NoError(t, err)
	root := t.TempDir()

	_, ok := reg.ForLanguage(root, "en")
	assert.False(t, ok, "nothing installed")

	install(t, root, "ner_multi")
	m, ok := reg.ForLanguage(root, "fr")
	require.True(t, ok)
	assert.Equal(t, "ner_multi", m.Name)

	install(t, root, "ner_en")
	m, ok = reg.ForLanguage(root, "en")
	require.True(t, ok)
	assert.Equal(t, "ner_en", m.Name)
}

func TestValidateModelDir(t *testing.T) {
	root := t.TempDir()
	dir := install(t, root, "ner_en")
	assert.NoError(t, ValidateModelDir(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "labels.json"), []byte("{}"), 0o644))
	assert.ErrorContains(t, ValidateModelDir(dir), "labels.json is empty")

	require.NoError(t, os.Remove(filepath.Join(dir, "model.onnx")))
	assert.ErrorContains(t, ValidateModelDir(dir), "missing model.onnx")
}
