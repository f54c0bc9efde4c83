package cache

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/warptools/sciflo/pkg/fsutil"
	"github.com/warptools/sciflo/sfapi"
)

// FileCache keeps one small entry file per hash, holding the record path.
// Entries are written with rename, so concurrent processes sharing the
// directory never read a torn entry.
type FileCache struct {
	root string
}

// NewFileCache checks that dir/namespace is writable before returning.
//
// Errors:
//
//    - sciflo-error-cache-io -- when the directory cannot be created or written
func NewFileCache(dir string, namespace string) (*FileCache, error) {
	if dir == "" {
		return nil, sfapi.ErrorCacheIo("no cache directory configured", errors.New("empty path"))
	}
	root := filepath.Join(dir, namespace)
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, sfapi.ErrorCacheIo("creating cache directory", err)
	}
	probe := filepath.Join(root, ".probe")
	if err := fsutil.WriteFileAtomic(probe, []byte("ok"), 0644); err != nil {
		return nil, sfapi.ErrorCacheIo("cache directory is not writable", err)
	}
	os.Remove(probe)
	return &FileCache{root: root}, nil
}

func (c *FileCache) entryPath(ks Keyspace, hash string) string {
	shard := hash
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return filepath.Join(c.root, string(ks), shard, hash)
}

func (c *FileCache) Get(ctx context.Context, ks Keyspace, hash string) (string, bool, error) {
	data, err := os.ReadFile(c.entryPath(ks, hash))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, sfapi.ErrorCacheIo("reading entry", err)
	}
	path := strings.TrimSpace(string(data))
	if !exists(path) {
		// the record was removed from under us; treat as a miss
		return "", false, nil
	}
	return path, true, nil
}

func (c *FileCache) Put(ctx context.Context, ks Keyspace, hash string, path string) error {
	if err := fsutil.WriteFileAtomic(c.entryPath(ks, hash), []byte(path+"\n"), 0644); err != nil {
		return sfapi.ErrorCacheIo("writing entry", err)
	}
	return nil
}
