package ml

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Sentinel errors. Typed errors below match them with errors.Is.
var (
	ErrShapeMismatch       = errors.New("shape mismatch")
	ErrMalformedCheckpoint = errors.New("malformed checkpoint")
	ErrChecksumMismatch    = errors.New("checksum mismatch: checkpoint data may be corrupted")
)

// Mismatch describes one parameter (or input) whose shape disagrees with
// the slot it is assigned to. Missing and Unexpected mark tensors that are
// absent on one side; the shape for that side is then left zero.
type Mismatch struct {
	Name       string
	Expected   Shape
	Actual     Shape
	Missing    bool
	Unexpected bool
}

func (m Mismatch) String() string {
	switch {
	case m.Missing:
		return fmt.Sprintf("%s: expected %v, missing", m.Name, m.Expected)
	case m.Unexpected && m.Actual == (Shape{}):
		return fmt.Sprintf("%s: unexpected nil tensor", m.Name)
	case m.Unexpected:
		return fmt.Sprintf("%s: unexpected tensor with shape %v", m.Name, m.Actual)
	default:
		return fmt.Sprintf("%s: expected %v, got %v", m.Name, m.Expected, m.Actual)
	}
}

// ShapeMismatchError lists every mismatch found by an operation, not just the first.
type ShapeMismatchError struct {
	Op         string
	Mismatches []Mismatch
}

func (e *ShapeMismatchError) Error() string {
	parts := make([]string, len(e.Mismatches))
	for i, m := range e.Mismatches {
		parts[i] = m.String()
	}
	return fmt.Sprintf("%s: shape mismatch (%d): %s", e.Op, len(e.Mismatches), strings.Join(parts, "; "))
}

func (e *ShapeMismatchError) Is(target error) bool {
	return target == ErrShapeMismatch
}

func shapeError(op, name string, expected, actual Shape) error {
	return &ShapeMismatchError{Op: op, Mismatches: []Mismatch{{Name: name, Expected: expected, Actual: actual}}}
}

// MissingKeyError reports a required checkpoint key that is absent.
type MissingKeyError struct {
	Key string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("malformed checkpoint: missing required key %q", e.Key)
}

func (e *MissingKeyError) Is(target error) bool {
	return target == ErrMalformedCheckpoint
}
