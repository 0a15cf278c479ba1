// Package ml defines the named tensor map passed to and from inference backends
// and the Backend contract the classification pipeline relies on.
package ml

import (
	"context"
	"sort"
	"strings"

	"gorgonia.org/tensor"

	"github.com/Brownie44l1/civic-classifier/internal/apperr"
)

// InputName is the tensor name every classifier model binds its image input to.
const InputName = "input"

// Image tensor layout: batch, height, width, channels (NHWC).
const (
	ImageSize     = 224
	ImageChannels = 3
	ImageLen      = ImageSize * ImageSize * ImageChannels
)

// ImageShape is the only input shape the models accept.
var ImageShape = tensor.Shape{1, ImageSize, ImageSize, ImageChannels}

// Tensors maps tensor names to dense tensors.
type Tensors map[string]*tensor.Dense

// Backend runs one loaded model. Implementations must be safe for concurrent
// use; the pipeline calls Infer from many goroutines with the same Backend.
type Backend interface {
	Infer(ctx context.Context, in Tensors) (Tensors, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, in Tensors) (Tensors, error)

// Infer calls f.
func (f BackendFunc) Infer(ctx context.Context, in Tensors) (Tensors, error) {
	return f(ctx, in)
}

// Names returns the tensor names in sorted order.
func (ts Tensors) Names() []string {
	names := make([]string, 0, len(ts))
	for name := range ts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Primary returns the tensor called name, or the only tensor when the map
// holds exactly one.
func (ts Tensors) Primary(name string) (*tensor.Dense, error) {
	if t, ok := ts[name]; ok && t != nil {
		return t, nil
	}
	if len(ts) == 1 {
		for _, t := range ts {
			if t != nil {
				return t, nil
			}
		}
	}
	return nil, apperr.Wrapf(apperr.ErrInference,
		"no output tensor %q among [%s]", name, strings.Join(ts.Names(), ", "))
}

// NewImageTensor wraps an NHWC float32 buffer of ImageLen values.
func NewImageTensor(data []float32) (*tensor.Dense, error) {
	if len(data) != ImageLen {
		return nil, apperr.Wrapf(apperr.ErrInference,
			"image tensor needs %d values, got %d", ImageLen, len(data))
	}
	return tensor.New(tensor.WithShape(ImageShape...), tensor.WithBacking(data)), nil
}

// CheckImageTensor verifies t has the model input shape and float32 data.
func CheckImageTensor(t *tensor.Dense) error {
	if t == nil {
		return apperr.Wrapf(apperr.ErrInference, "missing image tensor")
	}
	if !t.Shape().Eq(ImageShape) {
		return apperr.Wrapf(apperr.ErrInference,
			"image tensor shape %v, want %v", t.Shape(), ImageShape)
	}
	if _, ok := t.Data().([]float32); !ok {
		return apperr.Wrapf(apperr.ErrInference,
			"image tensor holds %T, want []float32", t.Data())
	}
	return nil
}

// ScoreRow interprets t as a 2-D [batch, classes] score array and returns the
// first row. A rank or batch mismatch is an inference error; an empty row or
// non-float data is an invalid output.
func ScoreRow(t *tensor.Dense) ([]float32, error) {
	if t == nil {
		return nil, apperr.Wrapf(apperr.ErrInvalidOutput, "nil output tensor")
	}
	shape := t.Shape()
	if len(shape) != 2 {
		return nil, apperr.Wrapf(apperr.ErrInference,
			"output tensor has rank %d with shape %v, want rank 2", len(shape), shape)
	}
	if shape[0] < 1 {
		return nil, apperr.Wrapf(apperr.ErrInference, "output tensor %v has no rows", shape)
	}
	classes := shape[1]
	if classes == 0 {
		return nil, apperr.Wrapf(apperr.ErrInvalidOutput, "output tensor %v has an empty score row", shape)
	}

	switch data := t.Data().(type) {
	case []float32:
		if len(data) < classes {
			return nil, apperr.Wrapf(apperr.ErrInvalidOutput,
				"output tensor %v backed by %d values", shape, len(data))
		}
		row := make([]float32, classes)
		copy(row, data[:classes])
		return row, nil
	case []float64:
		if len(data) < classes {
			return nil, apperr.Wrapf(apperr.ErrInvalidOutput,
				"output tensor %v backed by %d values", shape, len(data))
		}
		row := make([]float32, classes)
		for i := range row {
			row[i] = float32(data[i])
		}
		return row, nil
	default:
		return nil, apperr.Wrapf(apperr.ErrInvalidOutput, "output tensor holds %T, want floats", data)
	}
}
