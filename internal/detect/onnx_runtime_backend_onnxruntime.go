//go:build onnxruntime

package detect

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

func createONNXSession(modelPath, backend string) (nerSession, error) {
	if backend == "" {
		backend = os.Getenv("SCRUB_ONNX_BACKEND")
	}
	if !strings.EqualFold(strings.TrimSpace(backend), "native") {
		return newPythonONNXSession(modelPath), nil
	}
	ortInitOnce.Do(func() {
		if lib := os.Getenv("SCRUB_ONNXRUNTIME_LIB"); lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("initialize onnxruntime: %w", ortInitErr)
	}
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("inspect model: %w", err)
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("model %s has no outputs", modelPath)
	}
	inputNames := make([]string, len(inputs))
	for i, in := range inputs {
		inputNames[i] = in.Name
	}
	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, []string{outputs[0].Name}, nil)
	if err != nil {
		return nil, fmt.Errorf("create onnxruntime session: %w", err)
	}
	return &nativeONNXSession{session: session, inputNames: inputNames}, nil
}

// nativeONNXSession calls onnxruntime in-process through cgo. Runs are
// serialized; the underlying session is not documented as reentrant.
type nativeONNXSession struct {
	mu         sync.Mutex
	session    *ort.DynamicAdvancedSession
	inputNames []string
}

func (s *nativeONNXSession) Run(ctx context.Context, batch []sessionInput) ([][][]float32, error) {
	out := make([][][]float32, 0, len(batch))
	for _, in := range batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := s.runWindow(in.InputIDs, in.AttentionMask, in.TokenTypeIDs)
		if err != nil {
			return nil, err
		}
		out = append(out, rows)
	}
	return out, nil
}

func (s *nativeONNXSession) runWindow(inputIDs, attentionMask, tokenTypeIDs []int64) ([][]float32, error) {
	seqLen := int64(len(inputIDs))
	shape := ort.NewShape(1, seqLen)
	inputs := make([]ort.Value, len(s.inputNames))
	defer func() {
		for _, v := range inputs {
			if v != nil {
				_ = v.Destroy()
			}
		}
	}()
	for i, name := range s.inputNames {
		var data []int64
		switch {
		case strings.Contains(name, "input_ids"):
			data = inputIDs
		case strings.Contains(name, "attention_mask"):
			data = attentionMask
		case strings.Contains(name, "token_type_ids"):
			data = tokenTypeIDs
		default:
			data = make([]int64, seqLen)
		}
		t, err := ort.NewTensor(shape, append([]int64(nil), data...))
		if err != nil {
			return nil, fmt.Errorf("input tensor %s: %w", name, err)
		}
		inputs[i] = t
	}

	s.mu.Lock()
	outputs := []ort.Value{nil}
	err := s.session.Run(inputs, outputs)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("onnxruntime run: %w", err)
	}
	defer func() {
		if outputs[0] != nil {
			_ = outputs[0].Destroy()
		}
	}()

	logits, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type %T", outputs[0])
	}
	dims := logits.GetShape()
	if len(dims) != 3 || dims[0] != 1 || dims[1] != seqLen {
		return nil, fmt.Errorf("unexpected output shape %v", dims)
	}
	numLabels := int(dims[2])
	flat := logits.GetData()
	rows := make([][]float32, seqLen)
	for i := range rows {
		rows[i] = append([]float32(nil), flat[i*numLabels:(i+1)*numLabels]...)
	}
	return rows, nil
}

func (s *nativeONNXSession) Close() error {
	return s.session.Destroy()
}
