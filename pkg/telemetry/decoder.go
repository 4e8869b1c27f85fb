package telemetry

import (
	"errors"
	"fmt"
)

// RegisterSpec describes where a reading lives in the register map and how to
// turn its raw words into an engineering value.
type RegisterSpec struct {
	Key       Key
	Address   uint16
	WordCount uint16
	// Scale is a divisor: 10 turns 1234 into 123.4
	Scale  float64
	Signed bool
}

func (s RegisterSpec) Validate() error {
	if s.WordCount != 1 && s.WordCount != 2 {
		return fmt.Errorf("register spec %s: word count must be 1 or 2, got %d", s.Key, s.WordCount)
	}
	if s.Scale <= 0 {
		return fmt.Errorf("register spec %s: scale must be positive", s.Key)
	}
	return nil
}

// End returns the address right after the last word of the spec.
func (s RegisterSpec) End() uint16 {
	return s.Address + s.WordCount
}

type DecodeError struct {
	Key      Key
	Expected int
	Got      int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: expected %d words, got %d", e.Key, e.Expected, e.Got)
}

var ErrInvalidSpec = errors.New("invalid register spec")

// Decode converts raw big-endian words into the value described by spec.
// Only the first spec.WordCount words are used.
func Decode(raw []uint16, spec RegisterSpec) (float64, error) {
	if spec.WordCount != 1 && spec.WordCount != 2 || spec.Scale <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrInvalidSpec, spec.Key)
	}
	if len(raw) < int(spec.WordCount) {
		return 0, &DecodeError{Key: spec.Key, Expected: int(spec.WordCount), Got: len(raw)}
	}

	var value float64
	if spec.WordCount == 1 {
		if spec.Signed {
			value = float64(int16(raw[0]))
		} else {
			value = float64(raw[0])
		}
	} else {
		combined := uint32(raw[0])<<16 | uint32(raw[1])
		if spec.Signed {
			value = float64(int32(combined))
		} else {
			value = float64(combined)
		}
	}
	return value / spec.Scale, nil
}
