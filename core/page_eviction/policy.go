package pageeviction

import (
	"sort"
	"time"

	"github.com/sushant-115/pagesync/core/pages"
	usagedb "github.com/sushant-115/pagesync/core/storage/usage_db"
)

// DefaultMaxAge is the closed-duration threshold of NewAgeBasedPolicy when
// none is configured.
const DefaultMaxAge = 5 * time.Hour

// Evictor attempts the eviction of a single page. Implemented by Manager;
// policies call it sequentially so at most one candidate is in flight.
type Evictor interface {
	TryEvictPage(key pages.Key, cond Condition, complete func(wasEvicted bool, err error))
}

// Policy selects eviction victims from a snapshot of the usage table.
type Policy interface {
	// SelectAndEvict drives the evictor over its chosen candidates and
	// reports on the dispatch queue when the pass is over.
	SelectAndEvict(infos []usagedb.PageInfo, evictor Evictor, complete func(error))
}

type leastRecentlyUsedPolicy struct{}

// NewLeastRecentlyUsedPolicy returns the single-victim policy: candidates
// are the closed pages, oldest close first, and the pass stops at the first
// page actually evicted. Running out of candidates is not an error.
func NewLeastRecentlyUsedPolicy() Policy {
	return leastRecentlyUsedPolicy{}
}

func (leastRecentlyUsedPolicy) SelectAndEvict(infos []usagedb.PageInfo, evictor Evictor, complete func(error)) {
	candidates := closedOldestFirst(infos)
	var tryNext func(i int)
	tryNext = func(i int) {
		if i >= len(candidates) {
			complete(nil)
			return
		}
		evictor.TryEvictPage(candidates[i].Key(), IfPossible, func(wasEvicted bool, err error) {
			if err != nil {
				complete(err)
				return
			}
			if wasEvicted {
				complete(nil)
				return
			}
			tryNext(i + 1)
		})
	}
	tryNext(0)
}

type ageBasedPolicy struct {
	maxAge time.Duration
	now    func() time.Time
}

// NewAgeBasedPolicy returns the policy that evicts every page closed for
// longer than maxAge, independent of count. A non-positive maxAge selects
// DefaultMaxAge.
func NewAgeBasedPolicy(maxAge time.Duration) Policy {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &ageBasedPolicy{maxAge: maxAge, now: time.Now}
}

func (p *ageBasedPolicy) SelectAndEvict(infos []usagedb.PageInfo, evictor Evictor, complete func(error)) {
	cutoff := p.now().Add(-p.maxAge)
	all := closedOldestFirst(infos)
	candidates := all[:0:0]
	for _, info := range all {
		if info.Timestamp.Before(cutoff) {
			candidates = append(candidates, info)
		}
	}

	// One failed candidate does not spare the rest; the first error is
	// reported once the pass completes.
	var firstErr error
	var evictNext func(i int)
	evictNext = func(i int) {
		if i >= len(candidates) {
			complete(firstErr)
			return
		}
		evictor.TryEvictPage(candidates[i].Key(), IfPossible, func(wasEvicted bool, err error) {
			if err != nil && firstErr == nil {
				firstErr = err
			}
			evictNext(i + 1)
		})
	}
	evictNext(0)
}

// closedOldestFirst filters out open rows and orders the rest by
// (timestamp, ledger, page) ascending.
func closedOldestFirst(infos []usagedb.PageInfo) []usagedb.PageInfo {
	candidates := make([]usagedb.PageInfo, 0, len(infos))
	for _, info := range infos {
		if info.IsOpen() {
			continue
		}
		candidates = append(candidates, info)
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
	return candidates
}
