// Package ledgermanager owns all pages of one ledger. It routes page
// requests into per-page containers, initializes page storage with an
// open-then-create fallback, answers the closed-page predicates that
// reclamation is built on, and gates page deletion against concurrent opens.
package ledgermanager

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	activepage "github.com/sushant-115/pagesync/core/active_page"
	"github.com/sushant-115/pagesync/core/dispatch"
	"github.com/sushant-115/pagesync/core/lifecycle/token"
	"github.com/sushant-115/pagesync/core/lifecycle/usage"
	pagecontainer "github.com/sushant-115/pagesync/core/page_container"
	"github.com/sushant-115/pagesync/core/pages"
	pagestore "github.com/sushant-115/pagesync/core/storage/page_store"
)

// CreationPolicy describes whether a requested page can already have state
// elsewhere.
type CreationPolicy int

const (
	// GuaranteedNew marks a page id freshly generated on this device. The
	// page cannot exist remotely, so creation skips the initial sync probe.
	GuaranteedNew CreationPolicy = iota
	// MaybeExisting marks a caller-supplied page id. The page may live on
	// other devices, so a locally created copy starts a sync immediately to
	// pick up remote state.
	MaybeExisting
)

// Manager owns the page containers of a single ledger. Confined to the
// owning dispatch queue.
type Manager struct {
	name      string
	queue     *dispatch.Queue
	logger    *zap.Logger
	storage   pagestore.Factory
	sync      activepage.SyncStarter
	listeners []usage.Listener

	containers   map[pages.ID]*pagecontainer.Container
	availability *availabilityGate

	// tracked holds, per page, the predicate operations started while the
	// page was closed. An external open wipes the page's entry, which is
	// how a finishing predicate learns the page was opened under it.
	tracked  map[pages.ID]map[uint64]struct{}
	nextOpID uint64

	tokens        *token.Manager
	onDiscardable func()
	detached      bool
}

// New creates a manager for the named ledger. Usage transitions of its pages
// fan out to the given listeners; sync may be nil when cloud sync is
// disabled.
func New(name string, storage pagestore.Factory, sync activepage.SyncStarter, listeners []usage.Listener, queue *dispatch.Queue, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		name:         name,
		queue:        queue,
		logger:       logger.Named("ledgermanager").With(zap.String("ledger", name)),
		storage:      storage,
		sync:         sync,
		listeners:    listeners,
		containers:   make(map[pages.ID]*pagecontainer.Container),
		availability: newAvailabilityGate(),
		tracked:      make(map[pages.ID]map[uint64]struct{}),
		tokens:       token.NewManager(),
	}
	m.tokens.SetOnDiscardable(m.checkDiscardable)
	return m
}

// Name returns the ledger's name.
func (m *Manager) Name() string {
	return m.name
}

// PageCount returns the number of live page containers.
func (m *Manager) PageCount() int {
	return len(m.containers)
}

// GetPage attaches a client connection to the page, creating local storage
// if the page has none. The connection is queued inside the page's container
// until initialization resolves.
func (m *Manager) GetPage(id pages.ID, policy CreationPolicy, conn pagecontainer.PageConnection, complete func(error)) {
	m.markPageOpened(id)
	if c, ok := m.containers[id]; ok {
		c.BindPage(conn, complete)
		return
	}
	c := m.addContainer(id)
	c.BindPage(conn, complete)
	m.initContainer(c, id, func(err error) {
		if errors.Is(err, pagestore.ErrPageNotFound) {
			m.createPageStorage(c, id, policy)
		}
	})
}

// NewInternalRequest hands background work a keep-alive token and the page's
// manager without counting as an external open. A page with no local
// storage fails with ErrPageNotFound; internal requests never create pages.
func (m *Manager) NewInternalRequest(id pages.ID, complete func(error, *token.Token, pagecontainer.ActivePageManager)) {
	c := m.internalContainer(id)
	c.NewInternalRequest(complete)
}

// PageIsClosedAndSynced reports whether the page has no client connections
// and every local entry is uploaded. A concurrent external open at any point
// of the evaluation yields PredicatePageOpened.
func (m *Manager) PageIsClosedAndSynced(id pages.ID, complete func(pages.PredicateResult, error)) {
	m.pageIsClosedAndSatisfies(id,
		func(apm pagecontainer.ActivePageManager, done func(bool, error)) { apm.IsSynced(done) },
		complete)
}

// PageIsClosedOfflineAndEmpty reports whether the page has no client
// connections, has never been synced anywhere, and holds no data.
func (m *Manager) PageIsClosedOfflineAndEmpty(id pages.ID, complete func(pages.PredicateResult, error)) {
	m.pageIsClosedAndSatisfies(id,
		func(apm pagecontainer.ActivePageManager, done func(bool, error)) { apm.IsOfflineAndEmpty(done) },
		complete)
}

// TrySyncClosedPage opens the page internally and triggers a cloud sync for
// it. Pages without local storage are skipped silently.
func (m *Manager) TrySyncClosedPage(id pages.ID) {
	c := m.internalContainer(id)
	logger := m.logger
	c.NewInternalRequest(func(err error, tk *token.Token, apm pagecontainer.ActivePageManager) {
		if err != nil {
			logger.Debug("background sync skipped",
				zap.String("pageID", id.Short()), zap.Error(err))
			return
		}
		apm.StartSync()
		tk.Done()
	})
}

// DeletePageStorage removes the page's local storage. It refuses with
// ErrIllegalState while a live container exists, and holds new opens of the
// page until the deletion finished.
func (m *Manager) DeletePageStorage(id pages.ID, complete func(error)) {
	if _, ok := m.containers[id]; ok {
		complete(fmt.Errorf("page %s has a live container: %w", id.Short(), pagestore.ErrIllegalState))
		return
	}
	m.availability.onAvailable(id, func() {
		// A container may have appeared while queued behind an earlier
		// deletion of the same page.
		if _, ok := m.containers[id]; ok {
			complete(fmt.Errorf("page %s has a live container: %w", id.Short(), pagestore.ErrIllegalState))
			return
		}
		m.availability.markBusy(id)
		keep := m.tokens.CreateToken()
		go func() {
			err := m.storage.Delete(context.Background(), pages.Key{Ledger: m.name, Page: id})
			m.queue.Post(func() {
				m.availability.markAvailable(id)
				keep.Done()
				if m.detached {
					complete(pagestore.ErrInterrupted)
					return
				}
				if err == nil {
					m.logger.Info("page storage deleted", zap.String("pageID", id.Short()))
				}
				complete(err)
			})
		}()
	})
}

// IsDiscardable reports whether the ledger has no live containers and no
// storage work in flight.
func (m *Manager) IsDiscardable() bool {
	return len(m.containers) == 0 && m.tokens.IsDiscardable()
}

// SetOnDiscardable registers the callback fired each time the ledger becomes
// empty. The callback may destroy the manager.
func (m *Manager) SetOnDiscardable(f func()) {
	m.onDiscardable = f
}

// Detach tears the ledger down: containers detach, in-flight completions are
// swallowed.
func (m *Manager) Detach() {
	m.detached = true
	m.onDiscardable = nil
	for _, c := range m.containers {
		c.Detach()
	}
	m.containers = make(map[pages.ID]*pagecontainer.Container)
	m.tokens.Detach()
}

// markPageOpened wipes the page's predicate tracking entries. Predicates
// finishing later observe the wipe and report PredicatePageOpened.
func (m *Manager) markPageOpened(id pages.ID) {
	delete(m.tracked, id)
}

func (m *Manager) trackOp(id pages.ID) uint64 {
	opID := m.nextOpID
	m.nextOpID++
	ops, ok := m.tracked[id]
	if !ok {
		ops = make(map[uint64]struct{})
		m.tracked[id] = ops
	}
	ops[opID] = struct{}{}
	return opID
}

func (m *Manager) opStillTracked(id pages.ID, opID uint64) bool {
	_, ok := m.tracked[id][opID]
	return ok
}

func (m *Manager) untrackOp(id pages.ID, opID uint64) {
	ops, ok := m.tracked[id]
	if !ok {
		return
	}
	delete(ops, opID)
	if len(ops) == 0 {
		delete(m.tracked, id)
	}
}

// pageIsClosedAndSatisfies evaluates one predicate against an internally
// opened page. The evaluation posts through goroutines, so the page is
// re-validated when the answer arrives: if its tracking entry is gone, an
// external open raced the check and wins.
func (m *Manager) pageIsClosedAndSatisfies(id pages.ID,
	predicate func(pagecontainer.ActivePageManager, func(bool, error)),
	complete func(pages.PredicateResult, error)) {

	opID := m.trackOp(id)
	c := m.internalContainer(id)
	if c.PageConnectionIsOpen() {
		m.untrackOp(id, opID)
		complete(pages.PredicatePageOpened, nil)
		return
	}
	c.NewInternalRequest(func(err error, tk *token.Token, apm pagecontainer.ActivePageManager) {
		if err != nil {
			m.untrackOp(id, opID)
			complete(pages.PredicateNo, err)
			return
		}
		predicate(apm, func(value bool, perr error) {
			wasOpened := !m.opStillTracked(id, opID)
			m.untrackOp(id, opID)
			// Release the page before completing so that a decision taken
			// in the completion (such as deleting the page) does not trip
			// over this operation's own keep-alive.
			tk.Done()
			switch {
			case perr != nil:
				complete(pages.PredicateNo, perr)
			case wasOpened:
				complete(pages.PredicatePageOpened, nil)
			case value:
				complete(pages.PredicateYes, nil)
			default:
				complete(pages.PredicateNo, nil)
			}
		})
	})
}

// internalContainer returns the page's container, creating one in open-only
// mode if needed: absent storage fails the container with ErrPageNotFound
// instead of creating the page.
func (m *Manager) internalContainer(id pages.ID) *pagecontainer.Container {
	if c, ok := m.containers[id]; ok {
		return c
	}
	c := m.addContainer(id)
	m.initContainer(c, id, func(err error) {
		if errors.Is(err, pagestore.ErrPageNotFound) {
			c.SetManager(pagestore.ErrPageNotFound, nil)
		}
	})
	return c
}

func (m *Manager) addContainer(id pages.ID) *pagecontainer.Container {
	c := pagecontainer.NewContainer(pages.Key{Ledger: m.name, Page: id}, m.listeners, m.logger)
	m.containers[id] = c
	c.SetOnDiscardable(func() { m.dropContainer(id, c) })
	return c
}

func (m *Manager) dropContainer(id pages.ID, c *pagecontainer.Container) {
	if m.containers[id] != c {
		return
	}
	delete(m.containers, id)
	c.Detach()
	m.logger.Debug("page container discarded", zap.String("pageID", id.Short()))
	m.checkDiscardable()
}

// initContainer opens the page's storage off-queue and resolves the
// container. ErrPageNotFound is left to the onNotFound continuation so that
// external and internal request paths can differ on creation.
func (m *Manager) initContainer(c *pagecontainer.Container, id pages.ID, onNotFound func(error)) {
	m.availability.onAvailable(id, func() {
		keep := m.tokens.CreateToken()
		go func() {
			storage, err := m.storage.Open(context.Background(), pages.Key{Ledger: m.name, Page: id})
			m.queue.Post(func() {
				defer keep.Done()
				if m.detached {
					if storage != nil {
						storage.Close()
					}
					return
				}
				switch {
				case err == nil:
					apm := activepage.NewManager(pages.Key{Ledger: m.name, Page: id}, storage, m.sync, m.queue, m.logger)
					c.SetManager(nil, apm)
				case errors.Is(err, pagestore.ErrPageNotFound):
					onNotFound(err)
				default:
					c.SetManager(err, nil)
				}
			})
		}()
	})
}

// createPageStorage makes storage for a page that did not exist locally. A
// page created under a caller-supplied id may already have remote state, so
// it starts syncing right away.
func (m *Manager) createPageStorage(c *pagecontainer.Container, id pages.ID, policy CreationPolicy) {
	keep := m.tokens.CreateToken()
	go func() {
		storage, err := m.storage.Create(context.Background(), pages.Key{Ledger: m.name, Page: id})
		m.queue.Post(func() {
			defer keep.Done()
			if m.detached {
				if storage != nil {
					storage.Close()
				}
				return
			}
			if err != nil {
				c.SetManager(err, nil)
				return
			}
			apm := activepage.NewManager(pages.Key{Ledger: m.name, Page: id}, storage, m.sync, m.queue, m.logger)
			if policy == MaybeExisting {
				apm.StartSync()
			}
			c.SetManager(nil, apm)
		})
	}()
}

func (m *Manager) checkDiscardable() {
	if m.detached || m.onDiscardable == nil || !m.IsDiscardable() {
		return
	}
	m.onDiscardable()
}

// availabilityGate holds operations on pages whose storage is being deleted.
type availabilityGate struct {
	busy map[pages.ID][]func()
}

func newAvailabilityGate() *availabilityGate {
	return &availabilityGate{busy: make(map[pages.ID][]func())}
}

// onAvailable runs f now if the page is free, or queues it behind the
// in-flight deletion.
func (g *availabilityGate) onAvailable(id pages.ID, f func()) {
	if waiters, busy := g.busy[id]; busy {
		g.busy[id] = append(waiters, f)
		return
	}
	f()
}

func (g *availabilityGate) markBusy(id pages.ID) {
	if _, busy := g.busy[id]; !busy {
		g.busy[id] = nil
	}
}

// markAvailable releases the page and runs everything that queued behind the
// deletion, in arrival order.
func (g *availabilityGate) markAvailable(id pages.ID) {
	waiters := g.busy[id]
	delete(g.busy, id)
	for _, f := range waiters {
		f()
	}
}
