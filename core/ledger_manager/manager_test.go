package ledgermanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	activepage "github.com/sushant-115/pagesync/core/active_page"
	"github.com/sushant-115/pagesync/core/dispatch"
	"github.com/sushant-115/pagesync/core/pages"
	pagestore "github.com/sushant-115/pagesync/core/storage/page_store"
)

type fakeStorage struct {
	mu     sync.Mutex
	key    pages.Key
	synced bool
	online bool
	empty  bool
	closed bool
}

func (s *fakeStorage) PageID() pages.ID { return s.key.Page }

func (s *fakeStorage) IsSynced(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synced, nil
}

func (s *fakeStorage) IsOnline(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online, nil
}

func (s *fakeStorage) IsEmpty(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.empty, nil
}

func (s *fakeStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// fakeFactory is an in-memory page store with optional gates that hold
// operations open, used to order interleavings deterministically.
type fakeFactory struct {
	mu      sync.Mutex
	pages   map[pages.Key]*fakeStorage
	created []pages.Key
	deleted []pages.Key

	openGate   chan struct{}
	deleteGate chan struct{}
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{pages: make(map[pages.Key]*fakeStorage)}
}

func (f *fakeFactory) seed(key pages.Key, synced, online, empty bool) *fakeStorage {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeStorage{key: key, synced: synced, online: online, empty: empty}
	f.pages[key] = s
	return s
}

func (f *fakeFactory) Open(ctx context.Context, key pages.Key) (pagestore.Storage, error) {
	if f.openGate != nil {
		<-f.openGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.pages[key]
	if !ok {
		return nil, pagestore.ErrPageNotFound
	}
	return s, nil
}

func (f *fakeFactory) Create(ctx context.Context, key pages.Key) (pagestore.Storage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pages[key]; ok {
		return nil, pagestore.ErrPageExists
	}
	s := &fakeStorage{key: key, empty: true}
	f.pages[key] = s
	f.created = append(f.created, key)
	return s, nil
}

func (f *fakeFactory) Delete(ctx context.Context, key pages.Key) error {
	if f.deleteGate != nil {
		<-f.deleteGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pages[key]; !ok {
		return pagestore.ErrPageNotFound
	}
	delete(f.pages, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeFactory) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type fakeConn struct {
	onClosed func()
}

func (f *fakeConn) SetOnClosed(cb func()) { f.onClosed = cb }
func (f *fakeConn) Close()                {}

type fakeStarter struct {
	mu      sync.Mutex
	started []pages.Key
}

func (f *fakeStarter) StartSyncing(key pages.Key) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, key)
}

func (f *fakeStarter) keys() []pages.Key {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pages.Key(nil), f.started...)
}

const ledgerName = "test-ledger"

func setupManager(t *testing.T, factory *fakeFactory, starter *fakeStarter) (*Manager, *dispatch.Queue) {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	q := dispatch.NewQueue()
	t.Cleanup(q.Close)
	var ss activepage.SyncStarter
	if starter != nil {
		ss = starter
	}
	m := New(ledgerName, factory, ss, nil, q, logger)
	return m, q
}

func awaitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
		return nil
	}
}

func awaitPredicate(t *testing.T, ch <-chan pages.PredicateResult) pages.PredicateResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for predicate")
		return 0
	}
}

// openPage drives a full GetPage and waits for the bind to complete.
func openPage(t *testing.T, m *Manager, q *dispatch.Queue, id pages.ID, policy CreationPolicy) *fakeConn {
	t.Helper()
	conn := &fakeConn{}
	done := make(chan error, 1)
	q.Post(func() {
		m.GetPage(id, policy, conn, func(err error) { done <- err })
	})
	require.NoError(t, awaitErr(t, done))
	return conn
}

func runPredicate(t *testing.T, q *dispatch.Queue, start func(complete func(pages.PredicateResult, error))) (pages.PredicateResult, error) {
	t.Helper()
	results := make(chan pages.PredicateResult, 1)
	errs := make(chan error, 1)
	q.Post(func() {
		start(func(r pages.PredicateResult, err error) {
			errs <- err
			results <- r
		})
	})
	err := awaitErr(t, errs)
	return awaitPredicate(t, results), err
}

// TestGetPageCreatesMissingStorage verifies the open-then-create fallback
// and that a second request reuses the live container.
func TestGetPageCreatesMissingStorage(t *testing.T) {
	factory := newFakeFactory()
	m, q := setupManager(t, factory, nil)
	id := pages.ID("page-aaaa")

	openPage(t, m, q, id, GuaranteedNew)
	require.Equal(t, 1, factory.createdCount())
	q.Sync(func() { require.Equal(t, 1, m.PageCount()) })

	openPage(t, m, q, id, GuaranteedNew)
	require.Equal(t, 1, factory.createdCount(), "second open must reuse the container")
	q.Sync(func() { require.Equal(t, 1, m.PageCount()) })
}

// TestGetPageOpensExistingStorage verifies that a page with local storage is
// opened without a create.
func TestGetPageOpensExistingStorage(t *testing.T) {
	factory := newFakeFactory()
	id := pages.ID("page-bbbb")
	factory.seed(pages.Key{Ledger: ledgerName, Page: id}, true, true, false)
	m, q := setupManager(t, factory, nil)

	openPage(t, m, q, id, MaybeExisting)
	require.Zero(t, factory.createdCount())
}

// TestCreationPolicyControlsInitialSync verifies that only pages created
// under a caller-supplied id probe the cloud for existing state.
func TestCreationPolicyControlsInitialSync(t *testing.T) {
	factory := newFakeFactory()
	starter := &fakeStarter{}
	m, q := setupManager(t, factory, starter)

	named := pages.ID("named-page")
	openPage(t, m, q, named, MaybeExisting)
	require.Equal(t, []pages.Key{{Ledger: ledgerName, Page: named}}, starter.keys())

	fresh := pages.ID("fresh-page")
	openPage(t, m, q, fresh, GuaranteedNew)
	require.Equal(t, []pages.Key{{Ledger: ledgerName, Page: named}}, starter.keys(),
		"a guaranteed-new page must skip the sync probe")
}

// TestClosedPagePredicates verifies the YES and NO answers of both
// predicates against seeded storage state.
func TestClosedPagePredicates(t *testing.T) {
	factory := newFakeFactory()
	m, q := setupManager(t, factory, nil)

	syncedID := pages.ID("synced-page")
	factory.seed(pages.Key{Ledger: ledgerName, Page: syncedID}, true, true, false)
	dirtyID := pages.ID("dirty-page")
	factory.seed(pages.Key{Ledger: ledgerName, Page: dirtyID}, false, true, false)
	lonelyID := pages.ID("lonely-page")
	factory.seed(pages.Key{Ledger: ledgerName, Page: lonelyID}, true, false, true)

	r, err := runPredicate(t, q, func(c func(pages.PredicateResult, error)) { m.PageIsClosedAndSynced(syncedID, c) })
	require.NoError(t, err)
	require.Equal(t, pages.PredicateYes, r)

	r, err = runPredicate(t, q, func(c func(pages.PredicateResult, error)) { m.PageIsClosedAndSynced(dirtyID, c) })
	require.NoError(t, err)
	require.Equal(t, pages.PredicateNo, r)

	r, err = runPredicate(t, q, func(c func(pages.PredicateResult, error)) { m.PageIsClosedOfflineAndEmpty(lonelyID, c) })
	require.NoError(t, err)
	require.Equal(t, pages.PredicateYes, r)

	r, err = runPredicate(t, q, func(c func(pages.PredicateResult, error)) { m.PageIsClosedOfflineAndEmpty(syncedID, c) })
	require.NoError(t, err)
	require.Equal(t, pages.PredicateNo, r)

	// Predicate containers are transient: none of the checks above may
	// leave a live container behind.
	q.Sync(func() { require.Zero(t, m.PageCount()) })
}

// TestPredicateOverriddenByConcurrentOpen verifies that an external open
// arriving while the predicate is still evaluating forces PAGE_OPENED even
// though the page was closed when the check started.
func TestPredicateOverriddenByConcurrentOpen(t *testing.T) {
	factory := newFakeFactory()
	id := pages.ID("raced-page")
	factory.seed(pages.Key{Ledger: ledgerName, Page: id}, true, true, false)
	factory.openGate = make(chan struct{})
	m, q := setupManager(t, factory, nil)

	results := make(chan pages.PredicateResult, 1)
	q.Post(func() {
		m.PageIsClosedAndSynced(id, func(r pages.PredicateResult, err error) {
			require.NoError(t, err)
			results <- r
		})
	})

	// The predicate is stuck opening storage; an external open lands now.
	bindDone := make(chan error, 1)
	q.Post(func() {
		m.GetPage(id, MaybeExisting, &fakeConn{}, func(err error) { bindDone <- err })
	})

	close(factory.openGate)
	require.NoError(t, awaitErr(t, bindDone))
	require.Equal(t, pages.PredicatePageOpened, awaitPredicate(t, results))
}

// TestPredicateOnOpenPageShortCircuits verifies the immediate PAGE_OPENED
// answer for a page that is externally open when the check starts.
func TestPredicateOnOpenPageShortCircuits(t *testing.T) {
	factory := newFakeFactory()
	id := pages.ID("open-page")
	factory.seed(pages.Key{Ledger: ledgerName, Page: id}, true, true, false)
	m, q := setupManager(t, factory, nil)

	openPage(t, m, q, id, MaybeExisting)

	r, err := runPredicate(t, q, func(c func(pages.PredicateResult, error)) { m.PageIsClosedAndSynced(id, c) })
	require.NoError(t, err)
	require.Equal(t, pages.PredicatePageOpened, r)
}

// TestPredicateOnMissingPageFails verifies that predicates never create
// pages and surface ErrPageNotFound instead.
func TestPredicateOnMissingPageFails(t *testing.T) {
	factory := newFakeFactory()
	m, q := setupManager(t, factory, nil)

	_, err := runPredicate(t, q, func(c func(pages.PredicateResult, error)) {
		m.PageIsClosedAndSynced(pages.ID("never-created"), c)
	})
	require.ErrorIs(t, err, pagestore.ErrPageNotFound)
	require.Zero(t, factory.createdCount())
}

// TestDeleteRefusedForLivePage verifies the ErrIllegalState guard while a
// container exists.
func TestDeleteRefusedForLivePage(t *testing.T) {
	factory := newFakeFactory()
	id := pages.ID("held-page")
	factory.seed(pages.Key{Ledger: ledgerName, Page: id}, true, true, false)
	m, q := setupManager(t, factory, nil)

	openPage(t, m, q, id, MaybeExisting)

	done := make(chan error, 1)
	q.Post(func() { m.DeletePageStorage(id, func(err error) { done <- err }) })
	require.ErrorIs(t, awaitErr(t, done), pagestore.ErrIllegalState)
}

// TestDeleteGateHoldsConcurrentOpen verifies that a GetPage issued during an
// in-flight deletion waits for the deletion and then recreates the page.
func TestDeleteGateHoldsConcurrentOpen(t *testing.T) {
	factory := newFakeFactory()
	id := pages.ID("deleted-page")
	factory.seed(pages.Key{Ledger: ledgerName, Page: id}, true, true, false)
	factory.deleteGate = make(chan struct{})
	m, q := setupManager(t, factory, nil)

	deleteDone := make(chan error, 1)
	q.Post(func() { m.DeletePageStorage(id, func(err error) { deleteDone <- err }) })

	bindDone := make(chan error, 1)
	q.Post(func() {
		m.GetPage(id, GuaranteedNew, &fakeConn{}, func(err error) { bindDone <- err })
	})

	select {
	case <-bindDone:
		t.Fatal("open must wait for the deletion to finish")
	case <-time.After(50 * time.Millisecond):
	}

	close(factory.deleteGate)
	require.NoError(t, awaitErr(t, deleteDone))
	require.NoError(t, awaitErr(t, bindDone))
	require.Equal(t, 1, factory.createdCount(), "page is recreated after deletion")
}

// TestContainerDroppedAfterLastDisconnect verifies teardown propagation from
// connection close up to ledger discardability.
func TestContainerDroppedAfterLastDisconnect(t *testing.T) {
	factory := newFakeFactory()
	m, q := setupManager(t, factory, nil)
	id := pages.ID("short-lived")

	discardable := make(chan struct{}, 1)
	q.Sync(func() {
		m.SetOnDiscardable(func() { discardable <- struct{}{} })
	})

	conn := openPage(t, m, q, id, GuaranteedNew)
	q.Sync(func() { require.Equal(t, 1, m.PageCount()) })

	q.Post(func() { conn.onClosed() })
	select {
	case <-discardable:
	case <-time.After(5 * time.Second):
		t.Fatal("ledger never became discardable")
	}
	q.Sync(func() {
		require.Zero(t, m.PageCount())
		require.True(t, m.IsDiscardable())
	})
}

// TestTrySyncClosedPage verifies the sync trigger for an existing closed
// page and the silent skip for a missing one.
func TestTrySyncClosedPage(t *testing.T) {
	factory := newFakeFactory()
	starter := &fakeStarter{}
	id := pages.ID("sync-me")
	factory.seed(pages.Key{Ledger: ledgerName, Page: id}, false, true, false)
	m, q := setupManager(t, factory, starter)

	q.Post(func() { m.TrySyncClosedPage(id) })
	q.Post(func() { m.TrySyncClosedPage(pages.ID("missing")) })

	require.Eventually(t, func() bool {
		keys := starter.keys()
		return len(keys) == 1 && keys[0] == (pages.Key{Ledger: ledgerName, Page: id})
	}, 5*time.Second, 10*time.Millisecond)

	// The sync trigger's internal open must not leave a container behind.
	require.Eventually(t, func() bool {
		var count int
		q.Sync(func() { count = m.PageCount() })
		return count == 0
	}, 5*time.Second, 10*time.Millisecond)

	require.Zero(t, factory.createdCount())
}
