// Package pagestore is the local persistence collaborator of the page
// lifecycle core. A Factory opens, creates, and deletes per-page storage; a
// Storage answers the state questions the reclamation predicates are built
// from. All calls may block on IO and must run off the dispatch queue.
package pagestore

import (
	"context"

	"github.com/sushant-115/pagesync/core/pages"
)

// Storage is one page's local store.
type Storage interface {
	// PageID returns the id of the page this storage belongs to.
	PageID() pages.ID

	// IsEmpty reports whether the page holds no entries.
	IsEmpty(ctx context.Context) (bool, error)

	// IsSynced reports whether every local entry has been uploaded.
	IsSynced(ctx context.Context) (bool, error)

	// IsOnline reports whether the page has ever exchanged state with the
	// cloud. A page that is not online exists nowhere but this device.
	IsOnline(ctx context.Context) (bool, error)

	// Close releases the storage handle. It does not delete anything.
	Close() error
}

// Factory manages the storage of all pages under one repository root.
type Factory interface {
	// Open returns the existing storage for the page, or ErrPageNotFound.
	Open(ctx context.Context, key pages.Key) (Storage, error)

	// Create makes fresh storage for the page. It fails with ErrPageExists
	// if storage is already present.
	Create(ctx context.Context, key pages.Key) (Storage, error)

	// Delete removes the page's storage entirely. It fails with
	// ErrPageNotFound if there is nothing to delete.
	Delete(ctx context.Context, key pages.Key) error
}
