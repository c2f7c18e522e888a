// Package repository assembles the page lifecycle core for one process: the
// event loop, the usage table, per-ledger managers created on demand, the
// background sync manager and the eviction manager, wired to each other
// through the usage-listener fabric and the two delegates.
package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	activepage "github.com/sushant-115/pagesync/core/active_page"
	backgroundsync "github.com/sushant-115/pagesync/core/background_sync"
	cloudsync "github.com/sushant-115/pagesync/core/cloud_sync"
	"github.com/sushant-115/pagesync/core/dispatch"
	ledgermanager "github.com/sushant-115/pagesync/core/ledger_manager"
	"github.com/sushant-115/pagesync/core/lifecycle/usage"
	pagecontainer "github.com/sushant-115/pagesync/core/page_container"
	pageeviction "github.com/sushant-115/pagesync/core/page_eviction"
	"github.com/sushant-115/pagesync/core/pages"
	pagestore "github.com/sushant-115/pagesync/core/storage/page_store"
	usagedb "github.com/sushant-115/pagesync/core/storage/usage_db"
	internaltelemetry "github.com/sushant-115/pagesync/internal/telemetry"
)

// Config carries the repository knobs.
type Config struct {
	// RootDir is the repository's directory. Page storage lives under
	// RootDir/pages and the usage table at RootDir/usage.db.
	RootDir string
	// OpenPagesLimit caps the pages background sync may hold open.
	// Zero disables background sync.
	OpenPagesLimit int
	// Eviction configures the eviction manager.
	Eviction pageeviction.Config
	// Storage overrides the default disk-backed page storage. Tests use this.
	Storage pagestore.Factory
	// SyncStarter is the cloud sync trigger. Nil runs without a cloud
	// endpoint.
	SyncStarter activepage.SyncStarter
	// Metrics, when set, records lifecycle instruments.
	Metrics *internaltelemetry.LifecycleMetrics
	Logger  *zap.Logger
}

// Stats is a point-in-time snapshot of the repository, as reported to
// completions of Stats.
type Stats struct {
	// Ledgers maps each live ledger to its number of active page containers.
	Ledgers map[string]int `json:"ledgers"`
	// TrackedPages counts the rows of the usage table.
	TrackedPages int `json:"tracked_pages"`
	// OpenPages counts usage rows currently carrying the open sentinel.
	OpenPages int `json:"open_pages"`
}

// Repository owns one process's page lifecycle state. Public methods are
// safe from any goroutine; completions run on the repository's event loop,
// so they must not block.
type Repository struct {
	queue   *dispatch.Queue
	logger  *zap.Logger
	db      *usagedb.Store
	storage pagestore.Factory
	sync    activepage.SyncStarter
	bgsync  *backgroundsync.Manager
	evict   *pageeviction.Manager
	metrics *internaltelemetry.LifecycleMetrics

	// Queue-confined state.
	ledgers   map[string]*ledgermanager.Manager
	listeners []usage.Listener
	stopped   bool

	closed atomic.Bool
}

// New opens the repository rooted at cfg.RootDir, creating it if needed, and
// starts its event loop. A background sync pass for pages left closed by
// earlier runs is scheduled immediately.
func New(cfg Config) (*Repository, error) {
	if cfg.RootDir == "" {
		return nil, errors.New("repository: Config.RootDir is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("repository")

	if err := os.MkdirAll(cfg.RootDir, 0o755); err != nil {
		return nil, fmt.Errorf("create repository dir: %w", err)
	}
	db, err := usagedb.Open(filepath.Join(cfg.RootDir, "usage.db"), logger)
	if err != nil {
		return nil, err
	}

	storage := cfg.Storage
	if storage == nil {
		storage, err = pagestore.NewDiskFactory(filepath.Join(cfg.RootDir, "pages"), logger)
		if err != nil {
			db.Close()
			return nil, err
		}
	}
	syncStarter := cfg.SyncStarter
	if syncStarter == nil {
		syncStarter = cloudsync.NopStarter{}
	}

	queue := dispatch.NewQueue()
	r := &Repository{
		queue:   queue,
		logger:  logger,
		db:      db,
		storage: storage,
		sync:    syncStarter,
		bgsync:  backgroundsync.New(db, cfg.OpenPagesLimit, queue, logger),
		evict:   pageeviction.New(db, cfg.Eviction, queue, logger),
		metrics: cfg.Metrics,
		ledgers: make(map[string]*ledgermanager.Manager),
	}
	r.bgsync.SetDelegate(syncDelegate{r})
	r.evict.SetDelegate(evictionDelegate{r})
	// Bridge order matters: the usage table learns about a transition before
	// background sync reacts to it.
	r.listeners = []usage.Listener{usageBridge{r}, r.bgsync}

	queue.Post(r.bgsync.TrySync)
	logger.Info("repository opened", zap.String("root", cfg.RootDir))
	return r, nil
}

// Post schedules fn on the repository's event loop. Transports use it to
// deliver connection-closed callbacks on the loop that owns page state.
// After Close the task is dropped.
func (r *Repository) Post(fn func()) {
	if r.closed.Load() {
		return
	}
	r.queue.Post(fn)
}

// GetPage binds conn to the page named by (ledger, id). A zero id allocates
// a fresh page that cannot exist remotely; the id in use is handed to the
// completion.
func (r *Repository) GetPage(ledger string, id pages.ID, conn pagecontainer.PageConnection, complete func(pages.ID, error)) {
	policy := ledgermanager.MaybeExisting
	if id == "" {
		id = pages.NewID()
		policy = ledgermanager.GuaranteedNew
	}
	if ledger == "" {
		complete(id, errors.New("ledger name required"))
		return
	}
	if r.closed.Load() {
		complete(id, pagestore.ErrInterrupted)
		return
	}
	r.queue.Post(func() {
		if r.stopped {
			complete(id, pagestore.ErrInterrupted)
			return
		}
		r.ledger(ledger).GetPage(id, policy, conn, func(err error) {
			complete(id, err)
		})
	})
}

// PageIsClosedAndSynced evaluates the closed-and-synced predicate for the
// page.
func (r *Repository) PageIsClosedAndSynced(key pages.Key, complete func(pages.PredicateResult, error)) {
	r.runPredicate(key, complete, func(lm *ledgermanager.Manager) {
		lm.PageIsClosedAndSynced(key.Page, complete)
	})
}

// PageIsClosedOfflineAndEmpty evaluates the closed-offline-and-empty
// predicate for the page.
func (r *Repository) PageIsClosedOfflineAndEmpty(key pages.Key, complete func(pages.PredicateResult, error)) {
	r.runPredicate(key, complete, func(lm *ledgermanager.Manager) {
		lm.PageIsClosedOfflineAndEmpty(key.Page, complete)
	})
}

// DeletePageStorage removes the page's local storage, refusing while the
// page is open.
func (r *Repository) DeletePageStorage(key pages.Key, complete func(error)) {
	if r.closed.Load() {
		complete(pagestore.ErrInterrupted)
		return
	}
	r.queue.Post(func() {
		if r.stopped {
			complete(pagestore.ErrInterrupted)
			return
		}
		r.ledger(key.Ledger).DeletePageStorage(key.Page, complete)
	})
}

// TryCleanUp runs one eviction pass under the policy; nil selects the
// least-recently-used policy.
func (r *Repository) TryCleanUp(policy pageeviction.Policy, complete func(error)) {
	if policy == nil {
		policy = pageeviction.NewLeastRecentlyUsedPolicy()
	}
	if r.closed.Load() {
		complete(pagestore.ErrInterrupted)
		return
	}
	start := time.Now()
	r.queue.Post(func() {
		if r.stopped {
			complete(pagestore.ErrInterrupted)
			return
		}
		r.evict.TryEvictPages(policy, func(err error) {
			if r.metrics != nil {
				r.metrics.CleanupDurationHist.Record(context.Background(), time.Since(start).Milliseconds())
			}
			complete(err)
		})
	})
}

// Stats reports a snapshot of live ledgers and the usage table.
func (r *Repository) Stats(complete func(Stats, error)) {
	if r.closed.Load() {
		complete(Stats{}, pagestore.ErrInterrupted)
		return
	}
	r.queue.Post(func() {
		if r.stopped {
			complete(Stats{}, pagestore.ErrInterrupted)
			return
		}
		stats := Stats{Ledgers: make(map[string]int, len(r.ledgers))}
		for name, lm := range r.ledgers {
			stats.Ledgers[name] = lm.PageCount()
		}
		go func() {
			infos, err := r.db.GetPages(context.Background())
			r.queue.Post(func() {
				if err != nil {
					complete(Stats{}, err)
					return
				}
				stats.TrackedPages = len(infos)
				for _, info := range infos {
					if info.IsOpen() {
						stats.OpenPages++
					}
				}
				complete(stats, nil)
			})
		}()
	})
}

// Close tears the repository down: ledgers detach, managers stop, the event
// loop drains, and the usage table closes. In-flight completions may be
// dropped.
func (r *Repository) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return errors.New("repository already closed")
	}
	r.queue.Sync(func() {
		r.stopped = true
		for _, lm := range r.ledgers {
			lm.Detach()
		}
		r.ledgers = make(map[string]*ledgermanager.Manager)
		r.bgsync.Detach()
		r.evict.Detach()
	})
	r.queue.Close()
	r.evict.Close()
	err := r.db.Close()
	r.logger.Info("repository closed")
	return err
}

// runPredicate shares the closed-guard plumbing of the two predicates.
func (r *Repository) runPredicate(key pages.Key, complete func(pages.PredicateResult, error), run func(*ledgermanager.Manager)) {
	if r.closed.Load() {
		complete(pages.PredicateNo, pagestore.ErrInterrupted)
		return
	}
	r.queue.Post(func() {
		if r.stopped {
			complete(pages.PredicateNo, pagestore.ErrInterrupted)
			return
		}
		run(r.ledger(key.Ledger))
	})
}

// ledger returns the named ledger's manager, creating it on first use. A
// manager that becomes discardable drops out of the map.
func (r *Repository) ledger(name string) *ledgermanager.Manager {
	if lm, ok := r.ledgers[name]; ok {
		return lm
	}
	lm := ledgermanager.New(name, r.storage, r.sync, r.listeners, r.queue, r.logger)
	r.ledgers[name] = lm
	lm.SetOnDiscardable(func() {
		if r.ledgers[name] != lm {
			return
		}
		delete(r.ledgers, name)
		lm.Detach()
		r.logger.Debug("ledger discarded", zap.String("ledger", name))
	})
	return lm
}

// usageBridge records external usage transitions in the usage table and the
// lifecycle instruments. Internal opens are transient and stay out of both.
type usageBridge struct {
	r *Repository
}

func (b usageBridge) OnExternallyUsed(key pages.Key) {
	b.r.evict.MarkPageOpened(key)
	if m := b.r.metrics; m != nil {
		m.PagesOpenedCounter.Add(context.Background(), 1)
		m.OpenPagesUpDownCounter.Add(context.Background(), 1)
	}
}

func (b usageBridge) OnExternallyUnused(key pages.Key) {
	b.r.evict.MarkPageClosed(key)
	if m := b.r.metrics; m != nil {
		m.PagesClosedCounter.Add(context.Background(), 1)
		m.OpenPagesUpDownCounter.Add(context.Background(), -1)
	}
}

func (usageBridge) OnInternallyUsed(pages.Key) {}

func (usageBridge) OnInternallyUnused(pages.Key) {}

// syncDelegate routes background sync triggers to the page's ledger.
type syncDelegate struct {
	r *Repository
}

func (d syncDelegate) TrySyncClosedPage(key pages.Key) {
	d.r.ledger(key.Ledger).TrySyncClosedPage(key.Page)
	if m := d.r.metrics; m != nil {
		m.SyncTriggersCounter.Add(context.Background(), 1)
	}
}

// evictionDelegate routes predicate and deletion calls to the page's ledger.
type evictionDelegate struct {
	r *Repository
}

func (d evictionDelegate) PageIsClosedAndSynced(key pages.Key, complete func(pages.PredicateResult, error)) {
	d.r.ledger(key.Ledger).PageIsClosedAndSynced(key.Page, complete)
}

func (d evictionDelegate) PageIsClosedOfflineAndEmpty(key pages.Key, complete func(pages.PredicateResult, error)) {
	d.r.ledger(key.Ledger).PageIsClosedOfflineAndEmpty(key.Page, complete)
}

func (d evictionDelegate) DeletePageStorage(key pages.Key, complete func(error)) {
	d.r.ledger(key.Ledger).DeletePageStorage(key.Page, func(err error) {
		if err == nil {
			if m := d.r.metrics; m != nil {
				m.PagesEvictedCounter.Add(context.Background(), 1)
			}
		}
		complete(err)
	})
}

var (
	_ usage.Listener          = usageBridge{}
	_ backgroundsync.Delegate = syncDelegate{}
	_ pageeviction.Delegate   = evictionDelegate{}
)
