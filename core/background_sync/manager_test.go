package backgroundsync

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/pagesync/core/dispatch"
	"github.com/sushant-115/pagesync/core/pages"
	usagedb "github.com/sushant-115/pagesync/core/storage/usage_db"
)

type recordingDelegate struct {
	mu   sync.Mutex
	keys []pages.Key
}

func (d *recordingDelegate) TrySyncClosedPage(key pages.Key) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys = append(d.keys, key)
}

func (d *recordingDelegate) snapshot() []pages.Key {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]pages.Key, len(d.keys))
	copy(out, d.keys)
	return out
}

func newTestManager(t *testing.T, limit int) (*Manager, *usagedb.Store, *recordingDelegate, *dispatch.Queue) {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	db, err := usagedb.Open(filepath.Join(t.TempDir(), "usage.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	q := dispatch.NewQueue()
	t.Cleanup(q.Close)

	m := New(db, limit, q, logger)
	d := &recordingDelegate{}
	m.SetDelegate(d)
	return m, db, d, q
}

func closeCycle(q *dispatch.Queue, m *Manager, key pages.Key) {
	q.Sync(func() { m.OnExternallyUsed(key) })
	q.Sync(func() { m.OnExternallyUnused(key) })
}

// waitIdle waits for the in-flight candidate read, if any, to land.
func waitIdle(t *testing.T, q *dispatch.Queue, m *Manager) {
	t.Helper()
	require.Eventually(t, func() bool {
		var idle bool
		q.Sync(func() { idle = m.IsDiscardable() })
		return idle
	}, 5*time.Second, 5*time.Millisecond)
}

func closedRow(t *testing.T, db *usagedb.Store, ledger string, id pages.ID) pages.Key {
	t.Helper()
	ctx := context.Background()
	key := pages.Key{Ledger: ledger, Page: id}
	require.NoError(t, db.MarkPageOpened(ctx, key))
	require.NoError(t, db.MarkPageClosed(ctx, key))
	// Keep close timestamps strictly ordered between helper calls.
	time.Sleep(2 * time.Millisecond)
	return key
}

// TestZeroLimitDisablesSync verifies the default limit of zero never calls
// the delegate no matter how many candidates exist.
func TestZeroLimitDisablesSync(t *testing.T) {
	m, db, d, q := newTestManager(t, 0)
	closedRow(t, db, "ledger", pages.NewID())
	closedRow(t, db, "ledger", pages.NewID())

	closeCycle(q, m, pages.Key{Ledger: "ledger", Page: pages.NewID()})
	waitIdle(t, q, m)

	require.Empty(t, d.snapshot())
}

// TestOldestClosedPageSelected verifies that with a limit of one and two
// closed candidates, a close event triggers sync for exactly the page that
// has been closed the longest.
func TestOldestClosedPageSelected(t *testing.T) {
	m, db, d, q := newTestManager(t, 1)
	older := closedRow(t, db, "ledger", pages.NewID())
	closedRow(t, db, "ledger", pages.NewID())

	trigger := pages.Key{Ledger: "ledger", Page: pages.NewID()}
	closeCycle(q, m, trigger)
	waitIdle(t, q, m)

	require.Equal(t, []pages.Key{older}, d.snapshot())
}

// TestOpenPagesConsumeBudget verifies pages currently in use count against
// the limit, shrinking how many candidates get triggered.
func TestOpenPagesConsumeBudget(t *testing.T) {
	m, db, d, q := newTestManager(t, 2)
	older := closedRow(t, db, "ledger", pages.NewID())
	closedRow(t, db, "ledger", pages.NewID())

	// One page stays open for the whole test.
	q.Sync(func() { m.OnExternallyUsed(pages.Key{Ledger: "ledger", Page: pages.NewID()}) })

	closeCycle(q, m, pages.Key{Ledger: "ledger", Page: pages.NewID()})
	waitIdle(t, q, m)

	require.Equal(t, []pages.Key{older}, d.snapshot())
}

// TestLimitReachedSkipsSync verifies no candidates are triggered while the
// number of pages in use already meets the limit.
func TestLimitReachedSkipsSync(t *testing.T) {
	m, db, d, q := newTestManager(t, 1)
	closedRow(t, db, "ledger", pages.NewID())

	q.Sync(func() { m.OnExternallyUsed(pages.Key{Ledger: "ledger", Page: pages.NewID()}) })

	closeCycle(q, m, pages.Key{Ledger: "ledger", Page: pages.NewID()})
	waitIdle(t, q, m)

	require.Empty(t, d.snapshot())
}

// TestTriggeredPageNotRepeated verifies a candidate handed to the delegate
// is skipped on later rounds until an external client uses it again.
func TestTriggeredPageNotRepeated(t *testing.T) {
	m, db, d, q := newTestManager(t, 1)
	first := closedRow(t, db, "a", pages.NewID())
	second := closedRow(t, db, "b", pages.NewID())

	trigger := pages.Key{Ledger: "c", Page: pages.NewID()}
	closeCycle(q, m, trigger)
	waitIdle(t, q, m)
	require.Equal(t, []pages.Key{first}, d.snapshot())

	closeCycle(q, m, trigger)
	waitIdle(t, q, m)
	require.Equal(t, []pages.Key{first, second}, d.snapshot())

	// Both candidates consumed, nothing left to trigger.
	closeCycle(q, m, trigger)
	waitIdle(t, q, m)
	require.Equal(t, []pages.Key{first, second}, d.snapshot())

	// An external open of the first page makes it eligible again.
	closedRow(t, db, first.Ledger, first.Page)
	closeCycle(q, m, first)
	waitIdle(t, q, m)
	require.Equal(t, []pages.Key{first, second, first}, d.snapshot())
}

// TestOpenRowsAreNotCandidates verifies rows carrying the open sentinel are
// never handed to the delegate.
func TestOpenRowsAreNotCandidates(t *testing.T) {
	m, db, d, q := newTestManager(t, 5)
	openID := pages.NewID()
	require.NoError(t, db.MarkPageOpened(context.Background(), pages.Key{Ledger: "ledger", Page: openID}))
	closed := closedRow(t, db, "ledger", pages.NewID())

	closeCycle(q, m, pages.Key{Ledger: "other", Page: pages.NewID()})
	waitIdle(t, q, m)

	require.Equal(t, []pages.Key{closed}, d.snapshot())
}

// TestInternalUseAloneHoldsPage verifies a page released externally but
// still held internally stays counted as in use and defers syncing.
func TestInternalUseAloneHoldsPage(t *testing.T) {
	m, db, d, q := newTestManager(t, 1)
	closedRow(t, db, "ledger", pages.NewID())

	held := pages.Key{Ledger: "ledger", Page: pages.NewID()}
	q.Sync(func() {
		m.OnExternallyUsed(held)
		m.OnInternallyUsed(held)
	})
	q.Sync(func() { m.OnExternallyUnused(held) })
	waitIdle(t, q, m)
	require.Empty(t, d.snapshot())

	q.Sync(func() { m.OnInternallyUnused(held) })
	waitIdle(t, q, m)
	require.Len(t, d.snapshot(), 1)
}
