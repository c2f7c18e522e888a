// Package activepage serves one page whose storage is open: it tracks the
// page's client connections, answers the state predicates reclamation needs,
// and triggers cloud sync. Storage calls block, so they run on their own
// goroutines and post completions back to the dispatch queue.
package activepage

import (
	"context"

	"go.uber.org/zap"

	"github.com/sushant-115/pagesync/core/dispatch"
	"github.com/sushant-115/pagesync/core/lifecycle/token"
	pagecontainer "github.com/sushant-115/pagesync/core/page_container"
	"github.com/sushant-115/pagesync/core/pages"
	pagestore "github.com/sushant-115/pagesync/core/storage/page_store"
)

// SyncStarter triggers cloud synchronization of a page. Implementations must
// be safe to call from the dispatch queue and return quickly.
type SyncStarter interface {
	StartSyncing(key pages.Key)
}

// Manager is the active manager of one open page. Confined to the owning
// dispatch queue.
type Manager struct {
	key     pages.Key
	storage pagestore.Storage
	sync    SyncStarter
	queue   *dispatch.Queue
	logger  *zap.Logger

	tokens        *token.Manager
	conns         map[pagecontainer.PageConnection]struct{}
	onDiscardable func()
	detached      bool
}

// NewManager creates a manager over open page storage. sync may be nil when
// cloud sync is disabled.
func NewManager(key pages.Key, storage pagestore.Storage, sync SyncStarter, queue *dispatch.Queue, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		key:     key,
		storage: storage,
		sync:    sync,
		queue:   queue,
		logger:  logger.Named("activepage"),
		tokens:  token.NewManager(),
		conns:   make(map[pagecontainer.PageConnection]struct{}),
	}
	m.tokens.SetOnDiscardable(m.checkDiscardable)
	return m
}

// BindPage attaches a client connection. The manager counts the page as used
// until the connection's on-closed callback runs.
func (m *Manager) BindPage(conn pagecontainer.PageConnection, complete func(error)) {
	if m.detached {
		complete(pagestore.ErrInterrupted)
		return
	}
	m.conns[conn] = struct{}{}
	conn.SetOnClosed(func() { m.onConnClosed(conn) })
	m.logger.Debug("page connection bound",
		zap.String("ledger", m.key.Ledger),
		zap.String("pageID", m.key.Page.Short()),
		zap.Int("connections", len(m.conns)))
	complete(nil)
}

// IsSynced reports whether every local entry of the page has been uploaded.
func (m *Manager) IsSynced(complete func(bool, error)) {
	keep := m.tokens.CreateToken()
	go func() {
		synced, err := m.storage.IsSynced(context.Background())
		m.queue.Post(func() {
			complete(synced, err)
			keep.Done()
		})
	}()
}

// IsOfflineAndEmpty reports whether the page exists nowhere but this device
// and holds no data. Such a page can vanish without losing anything.
func (m *Manager) IsOfflineAndEmpty(complete func(bool, error)) {
	keep := m.tokens.CreateToken()
	go func() {
		result, err := m.offlineAndEmpty()
		m.queue.Post(func() {
			complete(result, err)
			keep.Done()
		})
	}()
}

func (m *Manager) offlineAndEmpty() (bool, error) {
	ctx := context.Background()
	online, err := m.storage.IsOnline(ctx)
	if err != nil {
		return false, err
	}
	if online {
		return false, nil
	}
	return m.storage.IsEmpty(ctx)
}

// StartSync asks the sync starter to begin syncing the page with the cloud.
func (m *Manager) StartSync() {
	if m.detached || m.sync == nil {
		return
	}
	m.logger.Debug("requesting cloud sync",
		zap.String("ledger", m.key.Ledger),
		zap.String("pageID", m.key.Page.Short()))
	m.sync.StartSyncing(m.key)
}

// IsDiscardable reports whether the page has no connections and no storage
// work in flight.
func (m *Manager) IsDiscardable() bool {
	return len(m.conns) == 0 && m.tokens.IsDiscardable()
}

// SetOnDiscardable registers the callback fired each time the manager
// becomes unused.
func (m *Manager) SetOnDiscardable(f func()) {
	m.onDiscardable = f
}

// Close releases the page storage and silences in-flight completions'
// effects on lifecycle state.
func (m *Manager) Close() error {
	m.detached = true
	m.onDiscardable = nil
	m.tokens.Detach()
	return m.storage.Close()
}

func (m *Manager) onConnClosed(conn pagecontainer.PageConnection) {
	if m.detached {
		return
	}
	delete(m.conns, conn)
	m.checkDiscardable()
}

func (m *Manager) checkDiscardable() {
	if m.detached || m.onDiscardable == nil || !m.IsDiscardable() {
		return
	}
	m.onDiscardable()
}
