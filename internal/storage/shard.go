package storage

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Backend owns a fixed set of shard databases and routes a user to one of
// them by taking the user id modulo the shard count, direct arithmetic in
// place of sha1-hash-based pool routing, since every user already carries
// a stable numeric id on this wire protocol.
type Backend struct {
	mu     sync.RWMutex
	shards []*DB
}

// BackendConfig describes where each shard's sqlite file lives and how its
// connections are tuned.
type BackendConfig struct {
	Dir        string
	ShardCount int
	DB         Config
}

// OpenBackend opens (or creates) ShardCount sqlite files under Dir, named
// shard-0.db .. shard-<ShardCount-1>.db.
func OpenBackend(cfg BackendConfig) (*Backend, error) {
	if cfg.ShardCount < 1 {
		return nil, errors.New("storage: shard count must be >= 1")
	}

	shards := make([]*DB, cfg.ShardCount)
	for i := 0; i < cfg.ShardCount; i++ {
		path := filepath.Join(cfg.Dir, fmt.Sprintf("shard-%d.db", i))
		db, err := Open(path, cfg.DB)
		if err != nil {
			for _, opened := range shards {
				if opened != nil {
					opened.Close()
				}
			}
			return nil, errors.Wrapf(err, "storage: open shard %d", i)
		}
		shards[i] = db
	}

	log.WithFields(log.Fields{"shards": cfg.ShardCount, "dir": cfg.Dir}).Info("storage: backend ready")

	return &Backend{shards: shards}, nil
}

// Shard returns the DB owning userID's rows.
func (b *Backend) Shard(userID int64) *DB {
	b.mu.RLock()
	defer b.mu.RUnlock()

	idx := userID % int64(len(b.shards))
	if idx < 0 {
		idx += int64(len(b.shards))
	}
	return b.shards[idx]
}

// ShardCount reports how many physical databases the backend manages.
func (b *Backend) ShardCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.shards)
}

// Close shuts down every shard, collecting the first error encountered but
// always attempting to close the rest.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var first error
	for _, db := range b.shards {
		if err := db.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// PurgeExpired sweeps every shard for expired rows, returning the total
// number of rows removed. No request handler calls it, and cmd/syncstored
// does not schedule it.
func (b *Backend) PurgeExpired() (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var total int64
	for i, db := range b.shards {
		n, err := db.PurgeExpired()
		if err != nil {
			return total, errors.Wrapf(err, "storage: purge shard %d", i)
		}
		total += n
	}
	return total, nil
}
