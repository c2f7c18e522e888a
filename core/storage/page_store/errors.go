package pagestore

import "errors"

var (
	// ErrPageNotFound is returned when no local storage exists for the
	// requested page.
	ErrPageNotFound = errors.New("page storage not found")
	// ErrPageExists is returned when creating storage for a page that
	// already has some.
	ErrPageExists = errors.New("page storage already exists")
	// ErrEntryNotFound is returned when a page holds no entry under the
	// requested key.
	ErrEntryNotFound = errors.New("page entry not found")
	// ErrIllegalState is returned for operations that conflict with the
	// live state of a page, such as deleting one that still has users.
	ErrIllegalState = errors.New("illegal page state")
	// ErrInterrupted is returned when the owning component was torn down
	// before the operation finished.
	ErrInterrupted = errors.New("operation interrupted")
)
