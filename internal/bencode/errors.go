package bencode

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingKey is returned by Dict helpers when the key is absent.
	ErrMissingKey = errors.New("bencode: missing key")
	// ErrTrailingData is wrapped by the FormatError returned when input
	// continues past the first complete value.
	ErrTrailingData = errors.New("bencode: trailing data")
)

// FormatError reports malformed input at a byte offset. Err, when set,
// classifies the failure.
type FormatError struct {
	Offset int
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("bencode: format error at offset %d: %s", e.Offset, e.Reason)
}

func (e *FormatError) Unwrap() error { return e.Err }

// TypeMismatchError is returned when a value is read as a kind it is not.
// Index is the list position (or -1), Key the dict key (or "").
type TypeMismatchError struct {
	Index int
	Key   string
	Want  Kind
	Got   Kind
}

func (e *TypeMismatchError) Error() string {
	switch {
	case e.Key != "":
		return fmt.Sprintf("bencode: key %q: want %s, got %s", e.Key, e.Want, e.Got)
	case e.Index >= 0:
		return fmt.Sprintf("bencode: element %d: want %s, got %s", e.Index, e.Want, e.Got)
	default:
		return fmt.Sprintf("bencode: want %s, got %s", e.Want, e.Got)
	}
}

func mismatch(want, got Kind) error {
	return &TypeMismatchError{Index: -1, Want: want, Got: got}
}
