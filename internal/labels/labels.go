// Package labels turns model score vectors into category and severity labels.
package labels

import (
	"github.com/Brownie44l1/civic-classifier/internal/apperr"
)

// Category is the civic issue class predicted by the category model.
type Category string

const (
	Child   Category = "Child"
	Garbage Category = "Garbage"
	Road    Category = "Road"
	Unknown Category = "Unknown"
)

// Severity is the binary severity predicted by a per-category model.
type Severity string

const (
	Low             Severity = "Low"
	High            Severity = "High"
	SeverityUnknown Severity = "Unknown"
	// SeverityNone is reported when no severity model applies.
	SeverityNone Severity = ""
)

// Table maps a score index to a label. Indices outside Labels decode to Default.
type Table[L ~string] struct {
	Labels  []L
	Default L
}

// Label returns the label at index i.
func (t Table[L]) Label(i int) L {
	if i < 0 || i >= len(t.Labels) {
		return t.Default
	}
	return t.Labels[i]
}

// The index order matches the output layers of the trained models.
var (
	CategoryTable = Table[Category]{
		Labels:  []Category{Child, Garbage, Road},
		Default: Unknown,
	}
	SeverityTable = Table[Severity]{
		Labels:  []Severity{Low, High},
		Default: SeverityUnknown,
	}
)

// Argmax returns the index of the largest score. Ties resolve to the lowest index.
func Argmax(scores []float32) (int, error) {
	if len(scores) == 0 {
		return 0, apperr.Wrapf(apperr.ErrInvalidOutput, "empty score vector")
	}
	maxIdx := 0
	maxVal := scores[0]
	for i, val := range scores[1:] {
		if val > maxVal {
			maxVal = val
			maxIdx = i + 1
		}
	}
	return maxIdx, nil
}

// DecodeArgmax picks the label of the highest score in scores.
func DecodeArgmax[L ~string](scores []float32, table Table[L]) (L, error) {
	idx, err := Argmax(scores)
	if err != nil {
		var zero L
		return zero, err
	}
	return table.Label(idx), nil
}
