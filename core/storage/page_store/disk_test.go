package pagestore

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/pagesync/core/pages"
)

func setupFactory(t *testing.T) *DiskFactory {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	f, err := NewDiskFactory(t.TempDir(), logger)
	require.NoError(t, err)
	return f
}

func storeKey(page string) pages.Key {
	return pages.Key{Ledger: "ledger", Page: pages.ID(page)}
}

// TestCreateOpenDelete walks the storage lifecycle of a single page.
func TestCreateOpenDelete(t *testing.T) {
	f := setupFactory(t)
	ctx := context.Background()
	key := storeKey("page-one")

	_, err := f.Open(ctx, key)
	require.ErrorIs(t, err, ErrPageNotFound)

	created, err := f.Create(ctx, key)
	require.NoError(t, err)
	require.Equal(t, key.Page, created.PageID())

	opened, err := f.Open(ctx, key)
	require.NoError(t, err)
	require.NoError(t, opened.Close())

	_, err = f.Create(ctx, key)
	require.ErrorIs(t, err, ErrPageExists)

	require.NoError(t, f.Delete(ctx, key))
	_, err = f.Open(ctx, key)
	require.ErrorIs(t, err, ErrPageNotFound)
	require.ErrorIs(t, f.Delete(ctx, key), ErrPageNotFound)
}

// TestFreshPageIsOfflineAndEmpty verifies the state of storage that has
// never seen a write or a sync.
func TestFreshPageIsOfflineAndEmpty(t *testing.T) {
	f := setupFactory(t)
	ctx := context.Background()

	s, err := f.Create(ctx, storeKey("fresh"))
	require.NoError(t, err)

	empty, err := s.IsEmpty(ctx)
	require.NoError(t, err)
	require.True(t, empty)

	synced, err := s.IsSynced(ctx)
	require.NoError(t, err)
	require.True(t, synced, "a page with no entries has nothing to upload")

	online, err := s.IsOnline(ctx)
	require.NoError(t, err)
	require.False(t, online)
}

// TestWriteMakesPageDirty verifies that local writes flip the page to
// non-empty and unsynced, and that MarkSynced brings it clean and online.
func TestWriteMakesPageDirty(t *testing.T) {
	f := setupFactory(t)
	ctx := context.Background()

	s, err := f.Create(ctx, storeKey("dirty"))
	require.NoError(t, err)
	disk := s.(*DiskStorage)

	require.NoError(t, disk.PutEntry([]byte("title"), []byte("grocery list")))

	empty, err := s.IsEmpty(ctx)
	require.NoError(t, err)
	require.False(t, empty)

	synced, err := s.IsSynced(ctx)
	require.NoError(t, err)
	require.False(t, synced)

	value, err := disk.GetEntry([]byte("title"))
	require.NoError(t, err)
	require.Equal(t, []byte("grocery list"), value)

	_, err = disk.GetEntry([]byte("absent"))
	require.ErrorIs(t, err, ErrEntryNotFound)

	require.NoError(t, disk.MarkSynced())

	synced, err = s.IsSynced(ctx)
	require.NoError(t, err)
	require.True(t, synced)

	online, err := s.IsOnline(ctx)
	require.NoError(t, err)
	require.True(t, online)
}

// TestPagePathsAreDisjoint verifies that distinct (ledger, page) pairs get
// distinct directories even when their raw byte strings overlap.
func TestPagePathsAreDisjoint(t *testing.T) {
	f := setupFactory(t)

	a := f.pagePath(pages.Key{Ledger: "ab", Page: pages.ID("c")})
	b := f.pagePath(pages.Key{Ledger: "a", Page: pages.ID("bc")})
	require.NotEqual(t, a, b)

	c := f.pagePath(pages.Key{Ledger: "ab", Page: pages.ID("c")})
	require.Equal(t, a, c, "paths must be deterministic")
}

// TestDeleteRemovesEverything verifies that deletion leaves no residue that
// a later Create would trip over.
func TestDeleteRemovesEverything(t *testing.T) {
	f := setupFactory(t)
	ctx := context.Background()
	key := storeKey("cycled")

	s, err := f.Create(ctx, key)
	require.NoError(t, err)
	require.NoError(t, s.(*DiskStorage).PutEntry([]byte("k"), []byte("v")))
	require.NoError(t, f.Delete(ctx, key))

	recreated, err := f.Create(ctx, key)
	require.NoError(t, err)
	empty, err := recreated.IsEmpty(ctx)
	require.NoError(t, err)
	require.True(t, empty)
}

// TestCanceledContext verifies that operations respect context cancelation
// before touching the filesystem.
func TestCanceledContext(t *testing.T) {
	f := setupFactory(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Open(ctx, storeKey("nope"))
	require.ErrorIs(t, err, context.Canceled)
	_, err = f.Create(ctx, storeKey("nope"))
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, f.Delete(ctx, storeKey("nope")), context.Canceled)

	// Nothing was created along the way.
	entries, err := os.ReadDir(f.root)
	require.NoError(t, err)
	require.Empty(t, entries)
}
