package errdefs

import (
	"fmt"
	"strings"
)

// Attempt records one strategy tried by the lifecycle manager and why it
// failed.
type Attempt struct {
	Strategy string
	Err      error
}

// UnavailableError is returned when no strategy could produce a database.
type UnavailableError struct {
	Subject  string
	Attempts []Attempt
}

func (e *UnavailableError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "UnavailableError: no database available for %s", e.Subject)
	if len(e.Attempts) == 0 {
		b.WriteString(" (no strategy was enabled)")
		return b.String()
	}
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, "\n  - %s: %v", a.Strategy, a.Err)
	}
	return b.String()
}

// Unwrap exposes every attempt's error to errors.Is and errors.As.
func (e *UnavailableError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		if a.Err != nil {
			errs = append(errs, a.Err)
		}
	}
	return errs
}

// Is matches ErrUnavailable.
func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

// Attempted reports whether strategy was tried.
func (e *UnavailableError) Attempted(strategy string) bool {
	_, ok := e.Find(strategy)
	return ok
}

// Find returns the error recorded for strategy.
func (e *UnavailableError) Find(strategy string) (error, bool) {
	for _, a := range e.Attempts {
		if a.Strategy == strategy {
			return a.Err, true
		}
	}
	return nil, false
}
