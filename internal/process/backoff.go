package process

import (
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"time"
)

// Backoff computes exponential restart delays.
type Backoff struct {
	// Initial is the delay before the first retry.
	Initial time.Duration

	// Max caps the delay. Zero means uncapped.
	Max time.Duration
}

// Delay returns the wait before retry number attempt (1-based):
// Initial, 2*Initial, 4*Initial, ... capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
		if d <= 0 {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// RecoverableError is implemented by errors that know whether retrying can
// help.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// IsRecoverable reports whether err may go away on retry. Errors that do not
// implement RecoverableError are treated as recoverable.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	var re RecoverableError
	if errors.As(err, &re) {
		return re.IsRecoverable()
	}
	return true
}

// StartError wraps a failure to fork the process.
type StartError struct {
	Name        string
	Err         error
	recoverable bool
}

func (e *StartError) Error() string {
	return fmt.Sprintf("starting %s: %v", e.Name, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// IsRecoverable implements RecoverableError.
func (e *StartError) IsRecoverable() bool { return e.recoverable }

func classifyStartError(spec Spec, err error) error {
	permanent := errors.Is(err, exec.ErrNotFound) ||
		errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, fs.ErrPermission)
	return &StartError{Name: spec.Name, Err: err, recoverable: !permanent}
}
