package pagestore

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/sushant-115/pagesync/core/pages"
)

const (
	pagesDirName   = "pages"
	entriesDirName = "entries"
	dirtyMarker    = "dirty"
	onlineMarker   = "online"
)

// DiskFactory keeps each page in its own directory under the repository
// root. Page directories are named by the blake3 hash of (ledger, page id)
// so that arbitrary byte-string ids map onto safe filesystem paths.
type DiskFactory struct {
	root   string
	logger *zap.Logger
}

// NewDiskFactory creates the on-disk layout under root if needed.
func NewDiskFactory(root string, logger *zap.Logger) (*DiskFactory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := filepath.Join(root, pagesDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create page store root: %w", err)
	}
	return &DiskFactory{root: dir, logger: logger.Named("pagestore")}, nil
}

func (f *DiskFactory) pagePath(key pages.Key) string {
	h := blake3.New()
	h.Write([]byte(key.Ledger))
	h.Write([]byte{0})
	h.Write([]byte(key.Page))
	sum := hex.EncodeToString(h.Sum(nil))
	return filepath.Join(f.root, sum[:2], sum[2:])
}

// Open returns the storage of an existing page.
func (f *DiskFactory) Open(ctx context.Context, key pages.Key) (Storage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := f.pagePath(key)
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, ErrPageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("stat page storage: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("page storage path is not a directory: %s", dir)
	}
	f.logger.Debug("opened page storage",
		zap.String("ledger", key.Ledger), zap.String("pageID", key.Page.Short()))
	return &DiskStorage{key: key, dir: dir}, nil
}

// Create makes fresh storage for a page that has none yet.
func (f *DiskFactory) Create(ctx context.Context, key pages.Key) (Storage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := f.pagePath(key)
	if _, err := os.Stat(dir); err == nil {
		return nil, ErrPageExists
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat page storage: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, entriesDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create page storage: %w", err)
	}
	f.logger.Info("created page storage",
		zap.String("ledger", key.Ledger), zap.String("pageID", key.Page.Short()))
	return &DiskStorage{key: key, dir: dir}, nil
}

// Delete removes a page's storage entirely.
func (f *DiskFactory) Delete(ctx context.Context, key pages.Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := f.pagePath(key)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return ErrPageNotFound
	} else if err != nil {
		return fmt.Errorf("stat page storage: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete page storage: %w", err)
	}
	f.logger.Info("deleted page storage",
		zap.String("ledger", key.Ledger), zap.String("pageID", key.Page.Short()))
	return nil
}

// DiskStorage is the on-disk storage of one page. Entry contents live as
// individual files named by the blake3 hash of their key; two marker files
// carry the sync state. A page is dirty from the first local write until
// MarkSynced, and online from the first MarkSynced onward.
type DiskStorage struct {
	key pages.Key
	dir string
}

func (s *DiskStorage) PageID() pages.ID {
	return s.key.Page
}

func (s *DiskStorage) IsEmpty(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	entries, err := os.ReadDir(filepath.Join(s.dir, entriesDirName))
	if err != nil {
		return false, fmt.Errorf("read page entries: %w", err)
	}
	return len(entries) == 0, nil
}

func (s *DiskStorage) IsSynced(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return !s.markerExists(dirtyMarker), nil
}

func (s *DiskStorage) IsOnline(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.markerExists(onlineMarker), nil
}

func (s *DiskStorage) Close() error {
	return nil
}

func (s *DiskStorage) markerExists(name string) bool {
	_, err := os.Stat(filepath.Join(s.dir, name))
	return err == nil
}

// PutEntry stores value under the given entry key and marks the page dirty.
func (s *DiskStorage) PutEntry(entryKey, value []byte) error {
	sum := blake3.Sum256(entryKey)
	path := filepath.Join(s.dir, entriesDirName, hex.EncodeToString(sum[:]))
	if err := writeFileAtomic(path, value); err != nil {
		return fmt.Errorf("write page entry: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, dirtyMarker), nil); err != nil {
		return fmt.Errorf("mark page dirty: %w", err)
	}
	return nil
}

// GetEntry returns the value stored under the given entry key.
func (s *DiskStorage) GetEntry(entryKey []byte) ([]byte, error) {
	sum := blake3.Sum256(entryKey)
	path := filepath.Join(s.dir, entriesDirName, hex.EncodeToString(sum[:]))
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read page entry: %w", err)
	}
	return data, nil
}

// MarkSynced records that every local entry has been uploaded. The page
// becomes clean and, from now on, online.
func (s *DiskStorage) MarkSynced() error {
	if err := os.Remove(filepath.Join(s.dir, dirtyMarker)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear dirty marker: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, onlineMarker), nil); err != nil {
		return fmt.Errorf("write online marker: %w", err)
	}
	return nil
}

// writeFileAtomic writes data through a temp file in the target directory
// and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
