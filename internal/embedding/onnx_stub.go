//go:build !cgo

package embedding

import (
	"context"

	"github.com/hyperjump/kbase/internal/apperr"
)

// ONNXEmbedder is unavailable without CGO (see onnx.go).
type ONNXEmbedder struct{}

// NewONNXEmbedder returns an apperr.ErrConfig when built without CGO.
func NewONNXEmbedder(_ string, _, _ int) (*ONNXEmbedder, error) {
	return nil, apperr.Newf(apperr.ErrConfig, "embedding.ONNX",
		"ONNX embedder requires CGO; build with CGO_ENABLED=1 and onnxruntime")
}

func (*ONNXEmbedder) Embed(context.Context, string) ([]float32, error)       { return nil, nil }
func (*ONNXEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) { return nil, nil }
func (*ONNXEmbedder) Dimensions() int                                        { return 0 }
func (*ONNXEmbedder) Close() error                                           { return nil }
