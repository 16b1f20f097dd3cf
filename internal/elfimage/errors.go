package elfimage

import (
	"errors"
	"fmt"
)

// ErrMalformed is matched by every structural parse failure.
var ErrMalformed = errors.New("malformed ELF")

// MalformedError describes why a buffer is not a usable ELF image.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return "malformed ELF: " + e.Reason
}

// Unwrap lets errors.Is(err, ErrMalformed) match.
func (e *MalformedError) Unwrap() error { return ErrMalformed }

// Malformed builds a *MalformedError with a formatted reason.
func Malformed(format string, args ...any) error {
	return &MalformedError{Reason: fmt.Sprintf(format, args...)}
}
