package seeder

import (
	"errors"
	"fmt"
)

// Tracker errors.
var (
	ErrDuplicateResource     = errors.New("resource already added")
	ErrUnknownResource       = errors.New("resource does not exist")
	ErrInvalidType           = errors.New("invalid resource type")
	ErrSeedersAlreadyEnabled = errors.New("seeders was already enabled")
	ErrListAlreadyTracked    = errors.New("a list is already tracked")
)

// StorageOpenError reports that the storage behind a resource could not be
// opened. Nothing is tracked when it is returned.
type StorageOpenError struct {
	Key  string
	Type string
	Err  error
}

func (e *StorageOpenError) Error() string {
	return fmt.Sprintf("failed to open %s %s: %v", e.Type, e.Key, e.Err)
}

func (e *StorageOpenError) Unwrap() error {
	return e.Err
}
