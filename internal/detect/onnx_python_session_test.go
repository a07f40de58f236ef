package detect

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeInterpreter writes a shell script standing in for python3. It records
// every invocation and its stdin under dir and prints out.
func fakeInterpreter(t *testing.T, out string) (bin, dir string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	dir = t.TempDir()
	bin = filepath.Join(dir, "python3")
	script := "#!/bin/sh\n" +
		"cat > '" + filepath.Join(dir, "stdin.json") + "'\n" +
		"echo run >> '" + filepath.Join(dir, "calls") + "'\n" +
		"printf '%s' '" + out + "'\n"
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))
	return bin, dir
}

func twoWindows() []sessionInput {
	return []sessionInput{
		{InputIDs: []int64{101, 3, 102}, AttentionMask: []int64{1, 1, 1}, TokenTypeIDs: []int64{0, 0, 0}},
		{InputIDs: []int64{101, 4, 102}, AttentionMask: []int64{1, 1, 1}, TokenTypeIDs: []int64{0, 0, 0}},
	}
}

func TestPythonSession_OneProcessPerBatch(t *testing.T) {
	bin, dir := fakeInterpreter(t, `{"logits":[[[0.1,0.9]],[[0.8,0.2]]]}`)
	s := &pythonONNXSession{modelPath: "/models/ner.onnx", python: bin}

	logits, err := s.Run(context.Background(), twoWindows())
	require.NoError(t, err)
	require.Len(t, logits, 2)
	assert.InDelta(t, 0.9, logits[0][0][1], 1e-6)
	assert.InDelta(t, 0.8, logits[1][0][0], 1e-6)

	calls, err := os.ReadFile(filepath.Join(dir, "calls"))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(calls), "run"))

	raw, err := os.ReadFile(filepath.Join(dir, "stdin.json"))
	require.NoError(t, err)
	var req pythonBatchRequest
	require.NoError(t, json.Unmarshal(raw, &req))
	assert.Equal(t, "/models/ner.onnx", req.ModelPath)
	require.Len(t, req.Batch, 2)
	assert.Equal(t, []int64{101, 4, 102}, req.Batch[1].InputIDs)
}

func TestPythonSession_EmptyBatchStartsNothing(t *testing.T) {
	bin, dir := fakeInterpreter(t, `{"logits":[]}`)
	s := &pythonONNXSession{modelPath: "m.onnx", python: bin}
	logits, err := s.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, logits)
	assert.NoFileExists(t, filepath.Join(dir, "calls"))
}

func TestPythonSession_Failures(t *testing.T) {
	bin, _ := fakeInterpreter(t, `{"error":"missing python dependencies"}`)
	s := &pythonONNXSession{modelPath: "m.onnx", python: bin}
	_, err := s.Run(context.Background(), twoWindows())
	assert.ErrorIs(t, err, ErrModelUnavailable)
	assert.ErrorContains(t, err, "missing python dependencies")

	s = &pythonONNXSession{modelPath: "m.onnx", python: filepath.Join(t.TempDir(), "no-such-python")}
	_, err = s.Run(context.Background(), twoWindows())
	assert.ErrorIs(t, err, ErrModelUnavailable)

	bin, _ = fakeInterpreter(t, `{"logits":[[[0.1,0.9]]]}`)
	s = &pythonONNXSession{modelPath: "m.onnx", python: bin}
	_, err = s.Run(context.Background(), twoWindows())
	assert.ErrorContains(t, err, "1 results for 2 windows")
}
