// Package pipeline runs the two-stage civic issue classification: a category
// model followed by the severity model of the predicted category.
package pipeline

import (
	"context"
	"io"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorgonia.org/tensor"

	"github.com/Brownie44l1/civic-classifier/internal/apperr"
	"github.com/Brownie44l1/civic-classifier/internal/labels"
	"github.com/Brownie44l1/civic-classifier/internal/ml"
	"github.com/Brownie44l1/civic-classifier/internal/preprocess"
)

// OutputName is the output tensor the pipeline reads scores from. Backends that
// expose a single output may name it anything.
const OutputName = "output"

// Models holds the four loaded backends. It is built once at startup and
// shared read-only by every call.
type Models struct {
	Category        ml.Backend
	ChildSeverity   ml.Backend
	RoadSeverity    ml.Backend
	GarbageSeverity ml.Backend
}

// Validate reports a model load error if any backend is missing.
func (m Models) Validate() error {
	var missing []string
	if m.Category == nil {
		missing = append(missing, "category")
	}
	if m.ChildSeverity == nil {
		missing = append(missing, "child_severity")
	}
	if m.RoadSeverity == nil {
		missing = append(missing, "road_severity")
	}
	if m.GarbageSeverity == nil {
		missing = append(missing, "garbage_severity")
	}
	if len(missing) > 0 {
		return apperr.Wrapf(apperr.ErrModelLoad, "missing models: %s", strings.Join(missing, ", "))
	}
	return nil
}

// severityRoute is the second stage selected by a category.
type severityRoute struct {
	name    string
	backend ml.Backend
	table   labels.Table[labels.Severity]
}

// route returns the severity stage for c. Unknown has none.
func (m Models) route(c labels.Category) (severityRoute, bool) {
	switch c {
	case labels.Child:
		return severityRoute{"child_severity", m.ChildSeverity, labels.SeverityTable}, true
	case labels.Road:
		return severityRoute{"road_severity", m.RoadSeverity, labels.SeverityTable}, true
	case labels.Garbage:
		return severityRoute{"garbage_severity", m.GarbageSeverity, labels.SeverityTable}, true
	}
	return severityRoute{}, false
}

// Result is the outcome of one classification.
type Result struct {
	Category string `json:"category"`
	Severity string `json:"severity"`
}

// AsMap returns the result as a two-key map.
func (r Result) AsMap() map[string]string {
	return map[string]string{
		"category": r.Category,
		"severity": r.Severity,
	}
}

// Classifier sequences preprocessing, category inference and the severity
// cascade. It keeps no state between calls.
type Classifier struct {
	models Models
	pre    *preprocess.Preprocessor
	logger *zap.SugaredLogger
}

// New builds a Classifier. Every backend in models must be present.
func New(models Models, pre *preprocess.Preprocessor, logger *zap.SugaredLogger) (*Classifier, error) {
	if err := models.Validate(); err != nil {
		return nil, err
	}
	if pre == nil {
		return nil, errors.New("preprocessor is required")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Classifier{models: models, pre: pre, logger: logger}, nil
}

// ClassifyFile classifies the image stored at path.
func (c *Classifier) ClassifyFile(ctx context.Context, path string) (Result, error) {
	input, err := c.pre.PreprocessFile(path)
	if err != nil {
		return Result{}, err
	}
	return c.ClassifyTensor(ctx, input)
}

// Classify decodes an image from r and classifies it.
func (c *Classifier) Classify(ctx context.Context, r io.Reader) (Result, error) {
	input, err := c.pre.Preprocess(r)
	if err != nil {
		return Result{}, err
	}
	return c.ClassifyTensor(ctx, input)
}

// ClassifyTensor classifies an already preprocessed 1x224x224x3 tensor. The
// same tensor feeds both the category and the severity model.
func (c *Classifier) ClassifyTensor(ctx context.Context, input *tensor.Dense) (Result, error) {
	if err := ml.CheckImageTensor(input); err != nil {
		return Result{}, err
	}

	category, err := decode(ctx, c.models.Category, input, labels.CategoryTable, c.logger, "category")
	if err != nil {
		return Result{}, err
	}

	res := Result{Category: string(category), Severity: string(labels.SeverityNone)}
	route, ok := c.models.route(category)
	if !ok {
		c.logger.Debugw("no severity model for category", "category", category)
		return res, nil
	}

	severity, err := decode(ctx, route.backend, input, route.table, c.logger, route.name)
	if err != nil {
		return Result{}, err
	}
	res.Severity = string(severity)
	return res, nil
}

// decode runs one backend on input and maps its score row through table.
func decode[L ~string](
	ctx context.Context,
	backend ml.Backend,
	input *tensor.Dense,
	table labels.Table[L],
	logger *zap.SugaredLogger,
	stage string,
) (L, error) {
	var zero L
	out, err := backend.Infer(ctx, ml.Tensors{ml.InputName: input})
	if err != nil {
		if apperr.Kind(err) == nil {
			err = apperr.Wrap(apperr.ErrInference, err)
		}
		return zero, errors.Wrapf(err, "%s model", stage)
	}
	primary, err := out.Primary(OutputName)
	if err != nil {
		return zero, errors.Wrapf(err, "%s model", stage)
	}
	scores, err := ml.ScoreRow(primary)
	if err != nil {
		return zero, errors.Wrapf(err, "%s model", stage)
	}
	logger.Debugw("raw model output", "stage", stage, "scores", scores)

	label, err := labels.DecodeArgmax(scores, table)
	if err != nil {
		return zero, errors.Wrapf(err, "%s model", stage)
	}
	return label, nil
}
