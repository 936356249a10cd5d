package terrastream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// errors.go provides the error taxonomy for the streaming core
//
// error handling policy:
//   transient errors (network) are absorbed by the per (tile, layer) update
//   state and retried with backoff. cancellations never count against the
//   retry budget. format errors are never retried and propagate to the
//   caller of the driver.

var (
	// the command or request was dropped before or during transfer
	// because its requester became irrelevant
	ErrCancelled = errors.New("cancelled")

	ErrQueueClosed = errors.New("resource queue closed")
)

// transient unless the status says otherwise. see `Definitive`
type NetworkError struct {
	Status int
	Url    string
	// transport cause. nil when the failure is a bad status.
	Cause error
}

func (self *NetworkError) Error() string {
	if self.Cause != nil {
		return fmt.Sprintf("network error (%d) %s: %v", self.Status, self.Url, self.Cause)
	}
	return fmt.Sprintf("network error (%d) %s", self.Status, self.Url)
}

func (self *NetworkError) Unwrap() error {
	return self.Cause
}

// a 4xx will not get better by retrying. 5xx and transport failures
// (status 0) may.
func (self *NetworkError) Definitive() bool {
	return http.StatusBadRequest <= self.Status && self.Status < http.StatusInternalServerError
}

// unrecognized raster encoding. a configuration error, never retried.
type UnsupportedFormatError struct {
	Format      RasterFormat
	ContentType string
}

func (self *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported raster format %s (%s)", self.Format, self.ContentType)
}

// the retry budget for one (tile, layer) is exhausted,
// or the provider reported an unrecoverable condition
type DefinitiveFailureError struct {
	Attempts int
	Cause    error
}

func (self *DefinitiveFailureError) Error() string {
	return fmt.Sprintf("definitive failure after %d attempts: %v", self.Attempts, self.Cause)
}

func (self *DefinitiveFailureError) Unwrap() error {
	return self.Cause
}

func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// true for errors that must not be retried
func IsDefinitive(err error) bool {
	var networkError *NetworkError
	if errors.As(err, &networkError) {
		return networkError.Definitive()
	}
	var unsupportedFormatError *UnsupportedFormatError
	if errors.As(err, &unsupportedFormatError) {
		return true
	}
	var definitiveFailureError *DefinitiveFailureError
	return errors.As(err, &definitiveFailureError)
}
