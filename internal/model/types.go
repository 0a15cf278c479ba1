package model

import (
	"path/filepath"

	"github.com/Brownie44l1/civic-classifier/internal/apperr"
	"github.com/Brownie44l1/civic-classifier/internal/ml"
)

// Role identifies what a loaded model is used for.
type Role string

const (
	RoleCategory        Role = "category"
	RoleChildSeverity   Role = "child_severity"
	RoleRoadSeverity    Role = "road_severity"
	RoleGarbageSeverity Role = "garbage_severity"
)

// Roles lists every model the service needs, in load order.
var Roles = []Role{RoleCategory, RoleChildSeverity, RoleRoadSeverity, RoleGarbageSeverity}

// DefaultFiles are the artifact names shipped in the model directory.
var DefaultFiles = map[Role]string{
	RoleCategory:        "main_category_model.onnx",
	RoleChildSeverity:   "child_severity_model.onnx",
	RoleRoadSeverity:    "road_severity_model.onnx",
	RoleGarbageSeverity: "garbage_severity_model.onnx",
}

// DefaultOutputShapes match the label tables: three categories, two severities.
var DefaultOutputShapes = map[Role][]int64{
	RoleCategory:        {1, 3},
	RoleChildSeverity:   {1, 2},
	RoleRoadSeverity:    {1, 2},
	RoleGarbageSeverity: {1, 2},
}

// Spec describes one model artifact.
type Spec struct {
	Role        Role    `json:"role"`
	Path        string  `json:"path"`
	InputName   string  `json:"input_name"`
	OutputName  string  `json:"output_name"`
	InputShape  []int64 `json:"input_shape"`
	OutputShape []int64 `json:"output_shape"`
}

// DefaultSpec returns the spec for role with its artifact under dir.
func DefaultSpec(role Role, dir string) Spec {
	return Spec{
		Role:        role,
		Path:        filepath.Join(dir, DefaultFiles[role]),
		InputName:   ml.InputName,
		OutputName:  "output",
		InputShape:  []int64{1, ml.ImageSize, ml.ImageSize, ml.ImageChannels},
		OutputShape: append([]int64(nil), DefaultOutputShapes[role]...),
	}
}

// Validate checks the shapes before any runtime resources are created.
func (s Spec) Validate() error {
	if _, ok := DefaultFiles[s.Role]; !ok {
		return apperr.Wrapf(apperr.ErrModelLoad, "unknown model role %q", s.Role)
	}
	if s.Path == "" {
		return apperr.Wrapf(apperr.ErrModelLoad, "%s: empty model path", s.Role)
	}
	if s.InputName == "" || s.OutputName == "" {
		return apperr.Wrapf(apperr.ErrModelLoad, "%s: tensor names are required", s.Role)
	}
	if len(s.InputShape) != 4 {
		return apperr.Wrapf(apperr.ErrModelLoad, "%s: input shape %v must be NHWC", s.Role, s.InputShape)
	}
	if len(s.OutputShape) != 2 || s.OutputShape[0] < 1 || s.OutputShape[1] < 1 {
		return apperr.Wrapf(apperr.ErrModelLoad, "%s: output shape %v must be [batch, classes]", s.Role, s.OutputShape)
	}
	return nil
}

// Options configures the ONNX Runtime environment shared by all sessions.
type Options struct {
	// SharedLibraryPath points at libonnxruntime. Empty uses the platform default.
	SharedLibraryPath string
	// IntraOpThreads limits per-session threads. Zero leaves the runtime default.
	IntraOpThreads int
}

// Info describes a loaded model for diagnostics.
type Info struct {
	Role        Role    `json:"role"`
	Path        string  `json:"path"`
	InputShape  []int64 `json:"input_shape"`
	OutputShape []int64 `json:"output_shape"`
}
