// Package pageeviction reclaims local storage held by pages nobody uses.
// The manager records open/close transitions in the persisted usage table,
// evaluates safety predicates through its delegate before touching a page,
// and lets pluggable policies choose victims from the table.
package pageeviction

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/pagesync/core/dispatch"
	"github.com/sushant-115/pagesync/core/lifecycle/token"
	"github.com/sushant-115/pagesync/core/pages"
	pagestore "github.com/sushant-115/pagesync/core/storage/page_store"
	usagedb "github.com/sushant-115/pagesync/core/storage/usage_db"
)

// Condition selects the safety predicate guarding a single-page eviction.
type Condition int

const (
	// IfPossible evicts a closed page that is fully synced, or offline and
	// empty. A page opened at any point during the check is refused.
	IfPossible Condition = iota
	// IfEmpty evicts only a closed page that is offline and empty. A synced
	// page with content is never evicted under this condition.
	IfEmpty
)

// Delegate is how evictions reach the pages themselves. All methods are
// called, and call their completions, on the dispatch queue.
type Delegate interface {
	PageIsClosedAndSynced(key pages.Key, complete func(pages.PredicateResult, error))
	PageIsClosedOfflineAndEmpty(key pages.Key, complete func(pages.PredicateResult, error))
	DeletePageStorage(key pages.Key, complete func(error))
}

// Config carries the eviction manager knobs.
type Config struct {
	// DeleteRate paces storage deletions so reclamation never saturates IO.
	// Zero values pick the defaults below.
	DeleteRate  rate.Limit
	DeleteBurst int
}

func (c *Config) setDefaults() {
	if c.DeleteRate <= 0 {
		c.DeleteRate = rate.Limit(10)
	}
	if c.DeleteBurst <= 0 {
		c.DeleteBurst = 5
	}
}

type markKind int

const (
	markOpened markKind = iota
	markClosed
	markEvicted
)

type markOp struct {
	kind markKind
	key  pages.Key
	// done, when set, is posted to the queue with the write result.
	done func(error)
}

// Manager implements page eviction over the usage table. Its public methods
// run on the dispatch queue; usage-table writes are applied in order by a
// dedicated writer goroutine so an open and a close for the same page can
// never land reversed.
type Manager struct {
	queue    *dispatch.Queue
	db       *usagedb.Store
	logger   *zap.Logger
	delegate Delegate
	limiter  *rate.Limiter

	markCh     chan markOp
	writerDone chan struct{}

	tokens        *token.Manager
	onDiscardable func()
	detached      bool
}

// New creates an eviction manager writing through db. The delegate is
// attached separately because the repository implementing it is assembled
// around this manager.
func New(db *usagedb.Store, cfg Config, queue *dispatch.Queue, logger *zap.Logger) *Manager {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		queue:      queue,
		db:         db,
		logger:     logger.Named("pageeviction"),
		limiter:    rate.NewLimiter(cfg.DeleteRate, cfg.DeleteBurst),
		markCh:     make(chan markOp, 1024),
		writerDone: make(chan struct{}),
		tokens:     token.NewManager(),
	}
	m.tokens.SetOnDiscardable(m.checkDiscardable)
	go m.markLoop()
	return m
}

// SetDelegate attaches the component that evaluates predicates and deletes
// page storage.
func (m *Manager) SetDelegate(d Delegate) {
	m.delegate = d
}

// MarkPageOpened records that the page is currently open.
func (m *Manager) MarkPageOpened(key pages.Key) {
	m.submitMark(markOp{kind: markOpened, key: key})
}

// MarkPageClosed stamps the page's last-closed time with the current clock.
func (m *Manager) MarkPageClosed(key pages.Key) {
	m.submitMark(markOp{kind: markClosed, key: key})
}

// TryEvictPages reads the usage table and hands a snapshot to the policy,
// which evicts through this manager. The completion runs on the queue with
// the policy's verdict.
func (m *Manager) TryEvictPages(policy Policy, complete func(error)) {
	if m.detached {
		complete(pagestore.ErrInterrupted)
		return
	}
	keep := m.tokens.CreateToken()
	go func() {
		infos, err := m.db.GetPages(context.Background())
		m.queue.Post(func() {
			defer keep.Done()
			if m.detached {
				complete(pagestore.ErrInterrupted)
				return
			}
			if err != nil {
				complete(err)
				return
			}
			policy.SelectAndEvict(infos, m, complete)
		})
	}()
}

// TryEvictPage evaluates the condition's safety predicate and, when it
// passes, deletes the page's local storage and updates the bookkeeping.
// wasEvicted reports whether storage was actually reclaimed by this call.
// A page whose storage is already gone counts as evicted by an earlier,
// interrupted run: its stale usage row is repaired and the call completes
// with wasEvicted=false instead of an error.
func (m *Manager) TryEvictPage(key pages.Key, cond Condition, complete func(wasEvicted bool, err error)) {
	if m.detached || m.delegate == nil {
		complete(false, pagestore.ErrInterrupted)
		return
	}
	switch cond {
	case IfEmpty:
		m.delegate.PageIsClosedOfflineAndEmpty(key, func(res pages.PredicateResult, err error) {
			switch {
			case errors.Is(err, pagestore.ErrPageNotFound):
				m.repairEvicted(key, complete)
			case err != nil:
				complete(false, err)
			case res != pages.PredicateYes:
				complete(false, nil)
			default:
				m.evictPage(key, complete)
			}
		})
	default:
		m.canEvictPage(key, func(canEvict bool, err error) {
			switch {
			case errors.Is(err, pagestore.ErrPageNotFound):
				m.repairEvicted(key, complete)
			case err != nil:
				complete(false, err)
			case !canEvict:
				complete(false, nil)
			default:
				m.evictPage(key, complete)
			}
		})
	}
}

// IsDiscardable reports whether no eviction or bookkeeping work is pending.
func (m *Manager) IsDiscardable() bool {
	return m.tokens.IsDiscardable()
}

// SetOnDiscardable registers the callback fired when in-flight work drains.
func (m *Manager) SetOnDiscardable(f func()) {
	m.onDiscardable = f
}

// Detach silences the manager. Runs on the queue during teardown.
func (m *Manager) Detach() {
	m.detached = true
	m.onDiscardable = nil
	m.tokens.Detach()
}

// Close stops the usage-table writer after it drains. Safe to call once the
// dispatch queue no longer submits marks.
func (m *Manager) Close() {
	close(m.markCh)
	<-m.writerDone
}

// canEvictPage runs both safety predicates concurrently. A page opened
// during either check overrides any YES and any error: the page is live
// again and the other answer is stale.
func (m *Manager) canEvictPage(key pages.Key, complete func(bool, error)) {
	var (
		remaining = 2
		refused   bool
		allowed   bool
		firstErr  error
	)
	join := func(res pages.PredicateResult, err error) {
		remaining--
		if err != nil && firstErr == nil {
			firstErr = err
		}
		switch res {
		case pages.PredicatePageOpened:
			refused = true
		case pages.PredicateYes:
			allowed = true
		}
		if remaining > 0 {
			return
		}
		if refused {
			m.logger.Debug("eviction refused, page reopened during check",
				zap.String("page", key.String()))
			complete(false, nil)
			return
		}
		if firstErr != nil {
			complete(false, firstErr)
			return
		}
		complete(allowed, nil)
	}
	m.delegate.PageIsClosedAndSynced(key, join)
	m.delegate.PageIsClosedOfflineAndEmpty(key, join)
}

// evictPage deletes local storage, then marks the eviction in the usage
// table. The two steps are not atomic: a page whose storage is already gone
// gets its bookkeeping repaired and reports wasEvicted=false.
func (m *Manager) evictPage(key pages.Key, complete func(bool, error)) {
	m.paced(func() {
		m.delegate.DeletePageStorage(key, func(err error) {
			switch {
			case err == nil:
				m.logger.Info("evicted page", zap.String("page", key.String()))
				m.submitMark(markOp{kind: markEvicted, key: key, done: func(dbErr error) {
					complete(true, dbErr)
				}})
			case errors.Is(err, pagestore.ErrPageNotFound):
				m.repairEvicted(key, complete)
			default:
				complete(false, err)
			}
		})
	})
}

// repairEvicted removes the usage row of a page whose storage is already
// gone, the on-disk state left by a run interrupted between storage
// deletion and the eviction mark. The row delete is idempotent, so repeated
// repairs of the same page all complete with wasEvicted=false.
func (m *Manager) repairEvicted(key pages.Key, complete func(bool, error)) {
	m.logger.Info("page storage already gone, repairing bookkeeping",
		zap.String("page", key.String()))
	m.submitMark(markOp{kind: markEvicted, key: key, done: func(dbErr error) {
		complete(false, dbErr)
	}})
}

// paced defers run through the delete limiter without blocking the queue.
func (m *Manager) paced(run func()) {
	res := m.limiter.Reserve()
	d := res.Delay()
	if d <= 0 {
		run()
		return
	}
	keep := m.tokens.CreateToken()
	time.AfterFunc(d, func() {
		m.queue.Post(func() {
			defer keep.Done()
			if m.detached {
				return
			}
			run()
		})
	})
}

// submitMark queues one usage-table write, holding a token until its result
// lands back on the queue.
func (m *Manager) submitMark(op markOp) {
	if m.detached {
		if op.done != nil {
			op.done(pagestore.ErrInterrupted)
		}
		return
	}
	keep := m.tokens.CreateToken()
	done := op.done
	op.done = func(err error) {
		m.queue.Post(func() {
			defer keep.Done()
			if err != nil {
				m.logger.Error("usage table write failed",
					zap.String("page", op.key.String()), zap.Error(err))
			}
			if done != nil {
				done(err)
			}
		})
	}
	m.markCh <- op
}

// markLoop applies usage-table writes strictly in submission order.
func (m *Manager) markLoop() {
	defer close(m.writerDone)
	ctx := context.Background()
	for op := range m.markCh {
		var err error
		switch op.kind {
		case markOpened:
			err = m.db.MarkPageOpened(ctx, op.key)
		case markClosed:
			err = m.db.MarkPageClosed(ctx, op.key)
		case markEvicted:
			err = m.db.MarkPageEvicted(ctx, op.key)
		}
		op.done(err)
	}
}

func (m *Manager) checkDiscardable() {
	if m.detached || m.onDiscardable == nil || !m.IsDiscardable() {
		return
	}
	m.onDiscardable()
}
