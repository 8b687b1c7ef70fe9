package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a record does not exist.
// Absence is not a storage failure; callers branch on it.
var ErrNotFound = errors.New("record not found")

// StorageError wraps a failure of the underlying database. Storage
// failures are fatal for the operation that hit them and are never
// retried by the engine.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// storageErr wraps err unless it is nil or already a StorageError.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// IsStorage reports whether err is (or wraps) a StorageError.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
