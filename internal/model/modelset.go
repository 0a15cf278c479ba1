// Package model loads the ONNX classifier artifacts and exposes them as
// inference backends.
package model

import (
	"os"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Brownie44l1/civic-classifier/internal/apperr"
	"github.com/Brownie44l1/civic-classifier/internal/ml"
	"github.com/Brownie44l1/civic-classifier/internal/pipeline"
)

// ModelSet owns the four sessions and the ONNX Runtime environment.
type ModelSet struct {
	sessions map[Role]*Session
	ownsEnv  bool
	logger   *zap.SugaredLogger
}

// Load creates one session per spec. Any failure releases the sessions
// already created and is reported as a model load error.
func Load(specs []Spec, opts Options, logger *zap.SugaredLogger) (*ModelSet, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if err := checkSpecs(specs); err != nil {
		return nil, err
	}

	set := &ModelSet{sessions: make(map[Role]*Session, len(specs)), logger: logger}
	if !ort.IsInitialized() {
		if opts.SharedLibraryPath != "" {
			ort.SetSharedLibraryPath(opts.SharedLibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, apperr.Wrap(apperr.ErrModelLoad, errors.Wrap(err, "initialize onnxruntime"))
		}
		set.ownsEnv = true
	}

	options, err := sessionOptions(opts)
	if err != nil {
		return nil, multierr.Append(apperr.Wrap(apperr.ErrModelLoad, err), set.Close())
	}
	if options != nil {
		defer options.Destroy()
	}

	for _, spec := range specs {
		logger.Infow("loading model", "role", spec.Role, "path", spec.Path)
		s, err := newSession(spec, options)
		if err != nil {
			return nil, multierr.Append(errors.Wrapf(err, "load %s model %s", spec.Role, spec.Path), set.Close())
		}
		set.sessions[spec.Role] = s
	}
	return set, nil
}

func checkSpecs(specs []Spec) error {
	seen := make(map[Role]bool, len(specs))
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return err
		}
		if seen[spec.Role] {
			return apperr.Wrapf(apperr.ErrModelLoad, "duplicate model role %q", spec.Role)
		}
		seen[spec.Role] = true
		if _, err := os.Stat(spec.Path); err != nil {
			return apperr.Wrap(apperr.ErrModelLoad, errors.Wrapf(err, "%s model", spec.Role))
		}
	}
	for _, role := range Roles {
		if !seen[role] {
			return apperr.Wrapf(apperr.ErrModelLoad, "no spec for %s model", role)
		}
	}
	return nil
}

func sessionOptions(opts Options) (*ort.SessionOptions, error) {
	if opts.IntraOpThreads <= 0 {
		return nil, nil
	}
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "create session options")
	}
	if err := options.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
		options.Destroy()
		return nil, errors.Wrap(err, "set intra-op threads")
	}
	return options, nil
}

// Models returns the sessions as the pipeline's backend set.
func (m *ModelSet) Models() pipeline.Models {
	return pipeline.Models{
		Category:        m.backend(RoleCategory),
		ChildSeverity:   m.backend(RoleChildSeverity),
		RoadSeverity:    m.backend(RoleRoadSeverity),
		GarbageSeverity: m.backend(RoleGarbageSeverity),
	}
}

// backend keeps a missing session a nil interface so Models.Validate sees it.
func (m *ModelSet) backend(role Role) ml.Backend {
	s, ok := m.sessions[role]
	if !ok || s == nil {
		return nil
	}
	return s
}

// Info lists the loaded models in role order.
func (m *ModelSet) Info() []Info {
	infos := make([]Info, 0, len(m.sessions))
	for _, role := range Roles {
		s, ok := m.sessions[role]
		if !ok {
			continue
		}
		infos = append(infos, Info{
			Role:        role,
			Path:        s.spec.Path,
			InputShape:  s.spec.InputShape,
			OutputShape: s.spec.OutputShape,
		})
	}
	return infos
}

// Close destroys every session and, if Load initialized it, the runtime
// environment.
func (m *ModelSet) Close() error {
	var err error
	for _, role := range Roles {
		if s, ok := m.sessions[role]; ok {
			err = multierr.Append(err, s.Destroy())
			delete(m.sessions, role)
		}
	}
	if m.ownsEnv {
		err = multierr.Append(err, ort.DestroyEnvironment())
		m.ownsEnv = false
	}
	if err != nil {
		m.logger.Warnw("releasing models", "error", err)
	}
	return err
}
