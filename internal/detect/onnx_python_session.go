package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// pythonONNXSession runs inference through python3 with onnxruntime. Each
// Run starts one interpreter, loads the model once and scores every window of
// the batch, so a request costs one process however many sentences it has.
// It needs no cgo and is the default session backend.
type pythonONNXSession struct {
	modelPath string
	python    string
}

type pythonBatchRequest struct {
	ModelPath string         `json:"model_path"`
	Batch     []sessionInput `json:"batch"`
}

type pythonBatchResponse struct {
	Logits [][][]float32 `json:"logits"`
	Error  string        `json:"error"`
}

func newPythonONNXSession(modelPath string) nerSession {
	return &pythonONNXSession{modelPath: modelPath, python: "python3"}
}

func (s *pythonONNXSession) Close() error { return nil }

func (s *pythonONNXSession) Run(ctx context.Context, batch []sessionInput) ([][][]float32, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(pythonBatchRequest{ModelPath: s.modelPath, Batch: batch})
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, s.python, "-c", pythonBatchScript)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: python session: %v: %s", ErrModelUnavailable, err, msg)
		}
		return nil, fmt.Errorf("%w: python session: %v", ErrModelUnavailable, err)
	}

	var resp pythonBatchResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("parse python session output: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: python session: %s", ErrModelUnavailable, resp.Error)
	}
	if len(resp.Logits) != len(batch) {
		return nil, fmt.Errorf("python session returned %d results for %d windows", len(resp.Logits), len(batch))
	}
	return resp.Logits, nil
}

const pythonBatchScript = `
import json
import sys

try:
    import numpy as np
    import onnxruntime as ort
except Exception as exc:
    print(json.dumps({"error": f"missing python dependencies (onnxruntime, numpy): {exc}"}))
    sys.exit(0)

try:
    req = json.load(sys.stdin)
    sess = ort.InferenceSession(req["model_path"], providers=["CPUExecutionProvider"])
    names = [i.name for i in sess.get_inputs()]
    results = []
    for item in req["batch"]:
        n = len(item["input_ids"])
        fields = {
            "input_ids": item["input_ids"],
            "attention_mask": item["attention_mask"],
            "token_type_ids": item["token_type_ids"],
        }
        feed = {}
        for name in names:
            data = next((v for k, v in fields.items() if k in name), None)
            if data is None:
                data = [0] * n
            feed[name] = np.array([data], dtype=np.int64)
        logits = sess.run(None, feed)[0][0]
        results.append(logits.astype(np.float32).tolist())
    print(json.dumps({"logits": results}))
except Exception as exc:
    print(json.dumps({"error": str(exc)}))
`
