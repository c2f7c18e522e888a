// Package pagecontainer decouples page requests from page initialization.
// A Container accepts connection and internal requests from the moment a
// page is first asked for, queues them while storage is being opened, and
// replays the single initialization outcome to everything queued and to
// every request that arrives later.
package pagecontainer

import (
	"go.uber.org/zap"

	"github.com/sushant-115/pagesync/core/lifecycle/token"
	"github.com/sushant-115/pagesync/core/lifecycle/usage"
	"github.com/sushant-115/pagesync/core/pages"
)

// PageConnection is the handle of one client session on a page. The
// transport implements it; the lifecycle core only needs to learn when the
// session ends and to be able to end it.
type PageConnection interface {
	// SetOnClosed registers the callback run when the client ends the
	// session. The callback must be invoked on the owning dispatch queue.
	SetOnClosed(func())
	// Close ends the session from the server side.
	Close()
}

// ActivePageManager serves all connections of one initialized page and
// answers the state questions reclamation is built from. Completion
// callbacks run on the owning dispatch queue.
type ActivePageManager interface {
	BindPage(conn PageConnection, complete func(error))
	IsSynced(complete func(synced bool, err error))
	IsOfflineAndEmpty(complete func(offlineAndEmpty bool, err error))
	StartSync()
	IsDiscardable() bool
	SetOnDiscardable(func())
	Close() error
}

type pendingBind struct {
	conn     PageConnection
	complete func(error)
}

// Container holds one page's requests and, once assigned, its manager or
// its initialization failure. Confined to the owning dispatch queue.
type Container struct {
	key      pages.Key
	logger   *zap.Logger
	notifier *usage.ConnectionNotifier
	tokens   *token.Manager

	managerSet bool
	draining   bool
	manager    ActivePageManager
	err        error

	pendingBinds    []pendingBind
	pendingInternal []func(error, *token.Token, ActivePageManager)

	onDiscardable func()
	detached      bool
}

// NewContainer creates an empty container for the given page. Usage
// transitions fan out to the given listeners.
func NewContainer(key pages.Key, listeners []usage.Listener, logger *zap.Logger) *Container {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Container{
		key:      key,
		logger:   logger.Named("container"),
		notifier: usage.NewConnectionNotifier(key, listeners),
		tokens:   token.NewManager(),
	}
	c.tokens.SetOnDiscardable(c.checkDiscardable)
	c.notifier.SetOnEmpty(c.checkDiscardable)
	return c
}

// Key returns the page this container belongs to.
func (c *Container) Key() pages.Key {
	return c.key
}

// BindPage attaches a client connection to the page. The external usage
// registration happens immediately; the bind itself is forwarded, queued, or
// failed depending on whether the manager has been assigned yet.
func (c *Container) BindPage(conn PageConnection, complete func(error)) {
	c.notifier.RegisterExternalRequest()
	if !c.managerSet || c.draining {
		c.pendingBinds = append(c.pendingBinds, pendingBind{conn: conn, complete: complete})
		return
	}
	if c.err != nil {
		complete(c.err)
		// The session never materialized, so the registration above must
		// not keep the failed container externally open.
		c.notifier.UnregisterExternalRequests()
		return
	}
	c.manager.BindPage(conn, complete)
}

// NewInternalRequest hands background work a keep-alive token and the page's
// manager, queuing the request if initialization is still in flight. On
// failure the completion receives the stored error and no token.
func (c *Container) NewInternalRequest(complete func(err error, t *token.Token, manager ActivePageManager)) {
	if !c.managerSet || c.draining {
		c.pendingInternal = append(c.pendingInternal, complete)
		return
	}
	if c.err != nil {
		complete(c.err, nil, nil)
		return
	}
	complete(nil, c.notifier.NewInternalRequestToken(), c.manager)
}

// SetManager assigns the page's initialization outcome: exactly one of
// manager and err. It may be called at most once per container; everything
// queued drains in FIFO order, and requests arriving during the drain join
// the queue and drain in turn. A token held across the drain keeps the
// container alive even when a drained callback empties it.
func (c *Container) SetManager(err error, manager ActivePageManager) {
	if c.managerSet {
		panic("pagecontainer: manager assigned twice for page " + c.key.String())
	}
	if (err == nil) == (manager == nil) {
		panic("pagecontainer: exactly one of manager and error must be set")
	}
	c.managerSet = true
	c.err = err
	c.manager = manager
	c.draining = true
	keep := c.tokens.CreateToken()

	for len(c.pendingBinds) > 0 || len(c.pendingInternal) > 0 {
		binds := c.pendingBinds
		c.pendingBinds = nil
		for _, b := range binds {
			if err != nil {
				b.complete(err)
			} else {
				manager.BindPage(b.conn, b.complete)
			}
		}
		internals := c.pendingInternal
		c.pendingInternal = nil
		for _, complete := range internals {
			if err != nil {
				complete(err, nil, nil)
			} else {
				complete(nil, c.notifier.NewInternalRequestToken(), manager)
			}
		}
	}
	c.draining = false

	if manager != nil {
		manager.SetOnDiscardable(c.onManagerDiscardable)
	} else {
		c.logger.Warn("page initialization failed",
			zap.String("ledger", c.key.Ledger),
			zap.String("pageID", c.key.Page.Short()),
			zap.Error(err))
		c.notifier.UnregisterExternalRequests()
	}
	keep.Done()
}

// PageConnectionIsOpen reports whether any client currently has the page
// open.
func (c *Container) PageConnectionIsOpen() bool {
	return c.notifier.HasExternalRequests()
}

// IsDiscardable reports whether the container can be destroyed: the
// initialization outcome is known, nobody uses the page, and no drain or
// notification is in flight.
func (c *Container) IsDiscardable() bool {
	return c.managerSet &&
		c.tokens.IsDiscardable() &&
		c.notifier.IsDiscardable() &&
		(c.manager == nil || c.manager.IsDiscardable())
}

// SetOnDiscardable registers the callback fired when the container becomes
// discardable. The callback may destroy the container.
func (c *Container) SetOnDiscardable(f func()) {
	c.onDiscardable = f
}

// Detach neutralizes the container during owner teardown, closing the
// manager and silencing late token expiries.
func (c *Container) Detach() {
	c.detached = true
	c.onDiscardable = nil
	c.notifier.Detach()
	c.tokens.Detach()
	if c.manager != nil {
		if err := c.manager.Close(); err != nil {
			c.logger.Warn("closing page manager failed",
				zap.String("pageID", c.key.Page.Short()), zap.Error(err))
		}
		c.manager = nil
	}
}

func (c *Container) onManagerDiscardable() {
	c.notifier.UnregisterExternalRequests()
	c.checkDiscardable()
}

func (c *Container) checkDiscardable() {
	if c.detached || c.onDiscardable == nil || !c.IsDiscardable() {
		return
	}
	c.onDiscardable()
}
