package codec

import (
	"errors"
	"fmt"
)

// ErrDecode matches every *DecodeError through errors.Is.
var ErrDecode = errors.New("decode error")

// DecodeError reports account bytes that cannot be interpreted at all.
type DecodeError struct {
	Layout string
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("decode %s at offset %d: %s", e.Layout, e.Offset, e.Reason)
	}
	return fmt.Sprintf("decode %s: %s", e.Layout, e.Reason)
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

func decodeErr(layout string, offset int, format string, args ...interface{}) *DecodeError {
	return &DecodeError{Layout: layout, Offset: offset, Reason: fmt.Sprintf(format, args...)}
}

// Warning describes a single entry skipped while the rest of the buffer decoded.
type Warning struct {
	Index  int
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("entry %d: %s", w.Index, w.Reason)
}
