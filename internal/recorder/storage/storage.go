// Package storage holds the local clip directory and the transports that
// move finished clips off the device.
package storage

import (
	"context"
	"errors"
	"net/http"
)

// Uploader transfers one finished clip, identified by its base name. It reads
// <name>.<ext> and, when present, <name>_thumb.jpg from the clip store. It
// succeeds only if the clip itself transferred; a failed thumbnail is logged.
type Uploader interface {
	Upload(ctx context.Context, name string) error
	Name() string
}

// StorageError represents a storage operation error
type StorageError struct {
	Op         string
	Key        string
	Err        error
	StatusCode int
	Retryable  bool
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return e.Op + " " + e.Key + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsNotExist returns true if the error indicates the object doesn't exist
func IsNotExist(err error) bool {
	var serr *StorageError
	if errors.As(err, &serr) {
		return serr.StatusCode == http.StatusNotFound
	}
	return false
}

// IsAccessDenied returns true if the error indicates access was denied
func IsAccessDenied(err error) bool {
	var serr *StorageError
	if errors.As(err, &serr) {
		return serr.StatusCode == http.StatusForbidden || serr.StatusCode == http.StatusUnauthorized
	}
	return false
}

// retryableStatus reports whether an HTTP status is worth another attempt.
// Client errors other than throttling are permanent.
func retryableStatus(code int) bool {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return true
	case code >= 400 && code < 500:
		return false
	default:
		return true
	}
}

// NopUploader accepts nothing. It is used when uploads are disabled, so
// clips stay on local storage.
type NopUploader struct{}

var errUploadsDisabled = errors.New("uploads disabled")

func (NopUploader) Upload(context.Context, string) error {
	return &StorageError{Op: "upload", Err: errUploadsDisabled}
}

func (NopUploader) Name() string { return "none" }
