//go:build !onnxruntime

package detect

import (
	"fmt"
	"os"
	"strings"
)

func createONNXSession(modelPath, backend string) (nerSession, error) {
	if backend == "" {
		backend = os.Getenv("SCRUB_ONNX_BACKEND")
	}
	if strings.EqualFold(strings.TrimSpace(backend), "native") {
		return nil, fmt.Errorf("native ONNX backend requires build tag 'onnxruntime'")
	}
	return newPythonONNXSession(modelPath), nil
}
