package cloudsync

import (
	activepage "github.com/sushant-115/pagesync/core/active_page"
	"github.com/sushant-115/pagesync/core/pages"
)

// NopStarter satisfies the sync starter contract for repositories running
// without a cloud endpoint. Sync requests are accepted and ignored, which
// leaves every page permanently unsynced.
type NopStarter struct{}

func (NopStarter) StartSyncing(pages.Key) {}

var (
	_ activepage.SyncStarter = NopStarter{}
	_ activepage.SyncStarter = (*Uplink)(nil)
)
