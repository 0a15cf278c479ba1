package model

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"
	"gorgonia.org/tensor"

	"github.com/Brownie44l1/civic-classifier/internal/apperr"
	"github.com/Brownie44l1/civic-classifier/internal/ml"
)

// Session is one ONNX model bound to preallocated input and output tensors.
// The bound tensors are shared buffers, so Infer holds a lock for the whole
// copy-run-copy sequence.
type Session struct {
	spec Spec

	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

func newSession(spec Spec, options *ort.SessionOptions) (*Session, error) {
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(spec.InputShape...))
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrModelLoad, err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(spec.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, apperr.Wrap(apperr.ErrModelLoad, err)
	}

	session, err := ort.NewAdvancedSession(spec.Path,
		[]string{spec.InputName}, []string{spec.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		options)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, apperr.Wrap(apperr.ErrModelLoad, err)
	}

	return &Session{
		spec:         spec,
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// Infer copies the "input" tensor into the session, runs it and returns a copy
// of the output as a [batch, classes] tensor.
func (s *Session) Infer(ctx context.Context, in ml.Tensors) (ml.Tensors, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Wrap(apperr.ErrInference, err)
	}
	input, ok := in[s.spec.InputName]
	if !ok || input == nil {
		return nil, apperr.Wrapf(apperr.ErrInference, "%s: no input tensor %q", s.spec.Role, s.spec.InputName)
	}
	if err := checkShape(input.Shape(), s.spec.InputShape); err != nil {
		return nil, apperr.Wrapf(apperr.ErrInference, "%s: %v", s.spec.Role, err)
	}
	data, ok := input.Data().([]float32)
	if !ok {
		return nil, apperr.Wrapf(apperr.ErrInference, "%s: input holds %T, want []float32", s.spec.Role, input.Data())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, apperr.Wrapf(apperr.ErrInference, "%s: session closed", s.spec.Role)
	}

	copy(s.inputTensor.GetData(), data)
	if err := s.session.Run(); err != nil {
		return nil, apperr.Wrap(apperr.ErrInference, err)
	}

	raw := s.outputTensor.GetData()
	out := make([]float32, len(raw))
	copy(out, raw)
	shape := make([]int, len(s.spec.OutputShape))
	for i, dim := range s.spec.OutputShape {
		shape[i] = int(dim)
	}
	return ml.Tensors{s.spec.OutputName: tensor.New(tensor.WithShape(shape...), tensor.WithBacking(out))}, nil
}

// Spec returns the artifact description the session was built from.
func (s *Session) Spec() Spec {
	return s.spec
}

// Destroy releases the session and its tensors. Later Infer calls fail.
func (s *Session) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.session != nil {
		err = multierr.Append(err, s.session.Destroy())
		s.session = nil
	}
	if s.inputTensor != nil {
		err = multierr.Append(err, s.inputTensor.Destroy())
		s.inputTensor = nil
	}
	if s.outputTensor != nil {
		err = multierr.Append(err, s.outputTensor.Destroy())
		s.outputTensor = nil
	}
	return err
}

func checkShape(got tensor.Shape, want []int64) error {
	if len(got) != len(want) {
		return errors.Errorf("input shape %v, want %v", got, want)
	}
	for i := range want {
		if int64(got[i]) != want[i] {
			return errors.Errorf("input shape %v, want %v", got, want)
		}
	}
	return nil
}
