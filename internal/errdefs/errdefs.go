// Package errdefs defines the error kinds of the deployment engine. Each
// kind is a sentinel matched with errors.Is; IoError adds the failed
// operation and path to an underlying filesystem error.
package errdefs

import (
	"errors"
	"fmt"
)

// Sentinel errors for the deployment engine. Callers match them with errors.Is.
var (
	// ErrNotFound covers a missing kernel, initramfs, deployment or origin.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTree is returned for trees with both /etc and /usr/etc, or
	// malformed checksum-suffixed boot file names.
	ErrInvalidTree = errors.New("invalid tree")
	// ErrChecksumMismatch is returned when kernel and initramfs checksums disagree.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrMissingField is returned when a required os-release field is absent.
	ErrMissingField = errors.New("missing field")
	// ErrCannotRemoveBooted is returned when a new deployment set omits the booted deployment.
	ErrCannotRemoveBooted = errors.New("attempting to remove booted deployment")
	// ErrIO wraps filesystem operation failures.
	ErrIO = errors.New("i/o error")
	// ErrBootloader wraps platform bootloader config write failures.
	ErrBootloader = errors.New("bootloader error")
)

// IoError records a failed filesystem operation. It matches both ErrIO and
// the underlying cause.
type IoError struct {
	Op   string
	Path string
	Err  error
}

func (e *IoError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap exposes both the ErrIO sentinel and the cause.
func (e *IoError) Unwrap() []error {
	return []error{ErrIO, e.Err}
}

// IO wraps err as an *IoError. A nil err yields nil and errors that already
// carry ErrIO are returned unchanged.
func IO(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrIO) {
		return err
	}
	return &IoError{Op: op, Path: path, Err: err}
}

// Bootloader wraps err so that it matches ErrBootloader.
func Bootloader(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", name, ErrBootloader, err)
}
