// Package backgroundsync opportunistically syncs pages that clients have
// closed. It observes usage transitions, and whenever a page becomes fully
// unused it selects the least-recently-closed pages from the persisted usage
// table and asks its delegate to start syncing them, keeping the total
// number of pages it holds open under a configured limit.
package backgroundsync

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/sushant-115/pagesync/core/dispatch"
	"github.com/sushant-115/pagesync/core/lifecycle/token"
	"github.com/sushant-115/pagesync/core/pages"
	usagedb "github.com/sushant-115/pagesync/core/storage/usage_db"
)

// Delegate starts a sync for one closed page. Called on the dispatch queue.
type Delegate interface {
	TrySyncClosedPage(key pages.Key)
}

type connectionsState struct {
	external bool
	internal bool
}

// Manager implements usage.Listener and drives delegate sync triggers.
// Confined to the owning dispatch queue.
type Manager struct {
	queue  *dispatch.Queue
	db     *usagedb.Store
	logger *zap.Logger

	// limit caps how many pages may be in use, by anyone, before
	// background syncing pauses. Zero disables background sync entirely.
	limit    int
	delegate Delegate

	pagesInUse map[pages.Key]*connectionsState
	// triggered remembers pages already handed to the delegate, so a sync's
	// own internal open/close cycle does not retrigger it. An external use
	// of the page resets its entry.
	triggered map[pages.Key]struct{}

	tokens        *token.Manager
	onDiscardable func()
	detached      bool
}

// New creates a background sync manager reading candidates from db. The
// delegate is attached separately because the repository that implements it
// is assembled around this manager.
func New(db *usagedb.Store, openPagesLimit int, queue *dispatch.Queue, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		queue:      queue,
		db:         db,
		logger:     logger.Named("backgroundsync"),
		limit:      openPagesLimit,
		pagesInUse: make(map[pages.Key]*connectionsState),
		triggered:  make(map[pages.Key]struct{}),
		tokens:     token.NewManager(),
	}
	m.tokens.SetOnDiscardable(m.checkDiscardable)
	return m
}

// SetDelegate attaches the component that can actually start page syncs.
func (m *Manager) SetDelegate(d Delegate) {
	m.delegate = d
}

func (m *Manager) OnExternallyUsed(key pages.Key) {
	m.stateOf(key).external = true
	delete(m.triggered, key)
}

func (m *Manager) OnInternallyUsed(key pages.Key) {
	m.stateOf(key).internal = true
}

func (m *Manager) OnExternallyUnused(key pages.Key) {
	s, ok := m.pagesInUse[key]
	if !ok {
		return
	}
	s.external = false
	m.handleIfUnused(key, s)
}

func (m *Manager) OnInternallyUnused(key pages.Key) {
	s, ok := m.pagesInUse[key]
	if !ok {
		return
	}
	s.internal = false
	m.handleIfUnused(key, s)
}

// TrySync reads the usage table off-queue and, once back on the queue,
// hands the best closed candidates to the delegate.
func (m *Manager) TrySync() {
	if m.limit <= 0 || m.delegate == nil || m.detached {
		return
	}
	keep := m.tokens.CreateToken()
	go func() {
		infos, err := m.db.GetPages(context.Background())
		m.queue.Post(func() {
			defer keep.Done()
			if m.detached {
				return
			}
			if err != nil {
				m.logger.Warn("reading usage table failed", zap.Error(err))
				return
			}
			m.syncCandidates(infos)
		})
	}()
}

// IsDiscardable reports whether no candidate read is in flight.
func (m *Manager) IsDiscardable() bool {
	return m.tokens.IsDiscardable()
}

// SetOnDiscardable registers the callback fired when in-flight work drains.
func (m *Manager) SetOnDiscardable(f func()) {
	m.onDiscardable = f
}

// Detach silences the manager during repository teardown.
func (m *Manager) Detach() {
	m.detached = true
	m.onDiscardable = nil
	m.tokens.Detach()
}

func (m *Manager) stateOf(key pages.Key) *connectionsState {
	s, ok := m.pagesInUse[key]
	if !ok {
		s = &connectionsState{}
		m.pagesInUse[key] = s
	}
	return s
}

func (m *Manager) handleIfUnused(key pages.Key, s *connectionsState) {
	if s.external || s.internal {
		return
	}
	delete(m.pagesInUse, key)
	m.TrySync()
}

func (m *Manager) syncCandidates(infos []usagedb.PageInfo) {
	open := len(m.pagesInUse)
	if open >= m.limit {
		return
	}
	budget := m.limit - open

	present := make(map[pages.Key]struct{}, len(infos))
	var candidates []usagedb.PageInfo
	for _, info := range infos {
		key := info.Key()
		present[key] = struct{}{}
		if info.IsOpen() {
			continue
		}
		if _, done := m.triggered[key]; done {
			continue
		}
		candidates = append(candidates, info)
	}
	// Rows evicted from the table cannot retrigger; drop their dedupe
	// entries so the map does not grow unbounded.
	for key := range m.triggered {
		if _, ok := present[key]; !ok {
			delete(m.triggered, key)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.LedgerName != b.LedgerName {
			return a.LedgerName < b.LedgerName
		}
		return a.PageID < b.PageID
	})

	if len(candidates) > budget {
		candidates = candidates[:budget]
	}
	for _, info := range candidates {
		key := info.Key()
		m.triggered[key] = struct{}{}
		m.logger.Debug("starting background sync",
			zap.String("ledger", key.Ledger),
			zap.String("pageID", key.Page.Short()))
		m.delegate.TrySyncClosedPage(key)
	}
}

func (m *Manager) checkDiscardable() {
	if m.detached || m.onDiscardable == nil || !m.IsDiscardable() {
		return
	}
	m.onDiscardable()
}
