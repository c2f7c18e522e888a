// Package usagedb persists when each page was last externally used. The
// table survives restarts and is the ground truth that eviction policies and
// the background sync manager select their candidates from.
package usagedb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/sushant-115/pagesync/core/pages"
)

// PageInfo is one row of the usage table.
type PageInfo struct {
	LedgerName string
	PageID     pages.ID
	// Timestamp is the moment the page was last fully closed. The zero
	// time is the sentinel for "currently open".
	Timestamp time.Time
}

// IsOpen reports whether the row carries the currently-open sentinel.
func (i PageInfo) IsOpen() bool {
	return i.Timestamp.IsZero()
}

// Key returns the page's (ledger, page) key.
func (i PageInfo) Key() pages.Key {
	return pages.Key{Ledger: i.LedgerName, Page: i.PageID}
}

// The open sentinel is stored as 0 nanoseconds; close timestamps are always
// real clock readings and never collide with it.
const schema = `
CREATE TABLE IF NOT EXISTS page_usage (
	ledger_name  TEXT    NOT NULL,
	page_id      BLOB    NOT NULL,
	last_used_ns INTEGER NOT NULL,
	PRIMARY KEY (ledger_name, page_id)
);
`

// Store is the SQLite-backed usage table. Calls may block on IO and must run
// off the dispatch queue.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// Open opens or creates the usage database at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open usage db: %w", err)
	}
	// SQLite allows a single writer; funneling everything through one
	// connection avoids spurious busy errors from concurrent coroutines.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init usage db schema: %w", err)
	}
	return &Store{db: db, logger: logger.Named("usagedb"), now: time.Now}, nil
}

// MarkPageOpened records that the page is externally open right now.
func (s *Store) MarkPageOpened(ctx context.Context, key pages.Key) error {
	return s.upsert(ctx, key, 0)
}

// MarkPageClosed stamps the page with the current time.
func (s *Store) MarkPageClosed(ctx context.Context, key pages.Key) error {
	return s.upsert(ctx, key, s.now().UnixNano())
}

// MarkPageEvicted removes the page's row entirely.
func (s *Store) MarkPageEvicted(ctx context.Context, key pages.Key) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM page_usage WHERE ledger_name = ? AND page_id = ?`,
		key.Ledger, []byte(key.Page))
	if err != nil {
		return fmt.Errorf("remove usage row: %w", err)
	}
	s.logger.Debug("usage row removed",
		zap.String("ledger", key.Ledger), zap.String("pageID", key.Page.Short()))
	return nil
}

// GetPages returns the whole usage table, ordered by (ledger, page id) for
// deterministic iteration. Policies apply their own ordering on top.
func (s *Store) GetPages(ctx context.Context) ([]PageInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ledger_name, page_id, last_used_ns FROM page_usage ORDER BY ledger_name, page_id`)
	if err != nil {
		return nil, fmt.Errorf("read usage table: %w", err)
	}
	defer rows.Close()

	var infos []PageInfo
	for rows.Next() {
		var (
			ledger string
			id     []byte
			ns     int64
		)
		if err := rows.Scan(&ledger, &id, &ns); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		info := PageInfo{LedgerName: ledger, PageID: pages.ID(id)}
		if ns != 0 {
			info.Timestamp = time.Unix(0, ns)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage table: %w", err)
	}
	return infos, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) upsert(ctx context.Context, key pages.Key, ns int64) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO page_usage (ledger_name, page_id, last_used_ns) VALUES (?, ?, ?)
ON CONFLICT (ledger_name, page_id) DO UPDATE SET last_used_ns = excluded.last_used_ns`,
		key.Ledger, []byte(key.Page), ns)
	if err != nil {
		return fmt.Errorf("write usage row: %w", err)
	}
	return nil
}
