package labels

import (
	"errors"
	"math"
	"testing"

	"go.viam.com/test"

	"github.com/Brownie44l1/civic-classifier/internal/apperr"
)

func TestDecodeArgmax(t *testing.T) {
	abc := Table[string]{Labels: []string{"A", "B", "C"}, Default: "default"}

	tcs := []struct {
		name   string
		scores []float32
		want   string
	}{
		{"strict max", []float32{5, 2, 9}, "C"},
		{"tie goes to first", []float32{3, 3, 1}, "A"},
		{"single", []float32{-1}, "A"},
		{"all equal", []float32{0.5, 0.5, 0.5}, "A"},
		{"negative scores", []float32{-3, -1, -2}, "B"},
		{"index beyond table", []float32{0, 0, 0, 0, 7}, "default"},
		{"NaN never wins", []float32{1, float32(math.NaN()), 0}, "A"},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeArgmax(tc.scores, abc)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, got, test.ShouldEqual, tc.want)
		})
	}
}

func TestDecodeArgmaxEmpty(t *testing.T) {
	_, err := DecodeArgmax([]float32{}, CategoryTable)
	test.That(t, errors.Is(err, apperr.ErrInvalidOutput), test.ShouldBeTrue)

	_, err = DecodeArgmax(nil, SeverityTable)
	test.That(t, errors.Is(err, apperr.ErrInvalidOutput), test.ShouldBeTrue)
}

func TestFixedTables(t *testing.T) {
	c, err := DecodeArgmax([]float32{0.1, 0.2, 0.9}, CategoryTable)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c, test.ShouldEqual, Road)

	c, err = DecodeArgmax([]float32{0.9, 0.05, 0.05}, CategoryTable)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c, test.ShouldEqual, Child)

	c, err = DecodeArgmax([]float32{0.1, 0.8, 0.1}, CategoryTable)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c, test.ShouldEqual, Garbage)

	c, err = DecodeArgmax([]float32{0, 0, 0, 0, 1}, CategoryTable)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c, test.ShouldEqual, Unknown)

	s, err := DecodeArgmax([]float32{0.8, 0.1}, SeverityTable)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s, test.ShouldEqual, Low)

	s, err = DecodeArgmax([]float32{0.2, 0.7}, SeverityTable)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s, test.ShouldEqual, High)

	s, err = DecodeArgmax([]float32{0.2, 0.1, 0.7}, SeverityTable)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s, test.ShouldEqual, SeverityUnknown)
}
