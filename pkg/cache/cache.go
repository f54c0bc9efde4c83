// Package cache maps content hashes to persisted result records.
//
// Two keyspaces are kept apart: unit results, keyed by a unit's hash,
// and post-execution results, keyed by the hash of (unit hash, step index, step key).
// All backends are best effort. Errors are sciflo-error-cache-io and the executor
// treats them as a miss.
package cache

import (
	"context"
	"os"
	"path/filepath"

	"github.com/warptools/sciflo/pkg/fsutil"
	"github.com/warptools/sciflo/pkg/logging"
	"github.com/warptools/sciflo/sfapi"
)

const LOG_TAG = "cache"

type Keyspace string

const (
	Units    Keyspace = "units"
	PostExec Keyspace = "postexec"
)

// Cache is the lookup from hash to the path of a persisted record.
//
// Errors:
//
//    - sciflo-error-cache-io -- when the backing store fails
type Cache interface {
	Get(ctx context.Context, ks Keyspace, hash string) (path string, ok bool, err error)
	Put(ctx context.Context, ks Keyspace, hash string, path string) error
}

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendNone   = "none"
)

type Config struct {
	Backend   string `yaml:"backend" json:"backend"`
	Dir       string `yaml:"dir" json:"dir"`
	Namespace string `yaml:"namespace" json:"namespace"`
}

// Open builds the configured backend.
// Any failure to set it up degrades to NullCache, and the fact is logged;
// a cache is never a reason to refuse to run.
func Open(ctx context.Context, cfg Config) Cache {
	log := logging.Ctx(ctx)
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	switch cfg.Backend {
	case BackendNone:
		return NullCache{}
	case BackendSQLite:
		c, err := NewSQLCache(ctx, filepath.Join(cfg.Dir, "cache.db"), cfg.Namespace)
		if err != nil {
			log.Info(LOG_TAG, "cache disabled: %s", err)
			return NullCache{}
		}
		return c
	default:
		c, err := NewFileCache(cfg.Dir, cfg.Namespace)
		if err != nil {
			log.Info(LOG_TAG, "cache disabled: %s", err)
			return NullCache{}
		}
		return c
	}
}

// NullCache never hits and forgets every write.
type NullCache struct{}

func (NullCache) Get(ctx context.Context, ks Keyspace, hash string) (string, bool, error) {
	return "", false, nil
}

func (NullCache) Put(ctx context.Context, ks Keyspace, hash string, path string) error {
	return nil
}

// WriteRecord persists a result record at path atomically.
//
// Errors:
//
//    - sciflo-error-cache-io -- when the record cannot be written
func WriteRecord(path string, info sfapi.WorkUnitInfo) error {
	if err := fsutil.WriteJSONAtomic(path, info); err != nil {
		return sfapi.ErrorCacheIo("writing record", err)
	}
	return nil
}

// ReadRecord loads a result record.
//
// Errors:
//
//    - sciflo-error-cache-io -- when the record is missing or unreadable
func ReadRecord(path string) (sfapi.WorkUnitInfo, error) {
	var info sfapi.WorkUnitInfo
	if err := fsutil.ReadJSON(path, &info); err != nil {
		return info, sfapi.ErrorCacheIo("reading record", err)
	}
	return info, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
