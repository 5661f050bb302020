package cache

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/allegro/bigcache"
	"github.com/pkg/errors"

	"github.com/mozilla-services/syncstore/internal/apperror"
	"github.com/mozilla-services/syncstore/internal/bso"
	"github.com/mozilla-services/syncstore/internal/clock"
)

// EphemeralStore holds an entire collection in memory rather than in a
// shard database, for collections configured as ephemeral (the "tabs"
// collection in the default configuration: tab state is republished every
// sync and is cheap to lose, so paying for durable storage buys nothing).
type EphemeralStore struct {
	bc  *bigcache.BigCache
	ttl time.Duration
}

// ephemeralBSO is a plain serialisation record distinct from bso.BSO: BSO
// has a custom MarshalJSON for the wire format (bare seconds.hundredths
// number) that default JSON unmarshal can't invert, so the in-memory
// representation here stays a separate, symmetric type.
type ephemeralBSO struct {
	Id        string `json:"id"`
	Modified  int64  `json:"modified"`
	Payload   string `json:"payload"`
	SortIndex *int   `json:"sortindex,omitempty"`
}

type ephemeralEntry struct {
	Modified clock.Timestamp          `json:"m"`
	BSOs     map[string]*ephemeralBSO `json:"b"`
}

// NewEphemeralStore constructs a store whose entries expire after ttl of
// no writes, bounded to maxSizeMB.
func NewEphemeralStore(maxSizeMB int, ttl time.Duration) *EphemeralStore {
	cfg := bigcache.DefaultConfig(ttl)
	cfg.HardMaxCacheSize = maxSizeMB
	cfg.MaxEntrySize = 4096

	bc, err := bigcache.NewBigCache(cfg)
	if err != nil {
		panic(errors.Wrap(err, "cache: init ephemeral store"))
	}
	return &EphemeralStore{bc: bc, ttl: ttl}
}

func ephemeralKey(userID int64, collection string) string {
	return strconv.FormatInt(userID, 10) + ":" + collection
}

func (s *EphemeralStore) load(userID int64, collection string) ephemeralEntry {
	data, err := s.bc.Get(ephemeralKey(userID, collection))
	if err != nil || len(data) == 0 {
		return ephemeralEntry{BSOs: map[string]*ephemeralBSO{}}
	}
	var e ephemeralEntry
	if err := json.Unmarshal(data, &e); err != nil || e.BSOs == nil {
		return ephemeralEntry{BSOs: map[string]*ephemeralBSO{}}
	}
	return e
}

func (s *EphemeralStore) save(userID int64, collection string, e ephemeralEntry) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	s.bc.Set(ephemeralKey(userID, collection), data)
}

// Put creates or updates one BSO in an ephemeral collection.
func (s *EphemeralStore) Put(userID int64, collection string, modified clock.Timestamp, in bso.WriteInput) error {
	if err := bso.ValidateWrite(in); err != nil {
		return err
	}

	e := s.load(userID, collection)
	existing, ok := e.BSOs[in.Id]

	payload := ""
	if ok {
		payload = existing.Payload
	}
	if in.Payload != nil {
		payload = *in.Payload
	}

	sortIndex := (*int)(nil)
	if ok {
		sortIndex = existing.SortIndex
	}
	if in.SortIndex != nil {
		sortIndex = in.SortIndex
	}

	e.BSOs[in.Id] = &ephemeralBSO{Id: in.Id, Modified: int64(modified), Payload: payload, SortIndex: sortIndex}
	e.Modified = modified
	s.save(userID, collection, e)
	return nil
}

// Get returns one live BSO from an ephemeral collection.
func (s *EphemeralStore) Get(userID int64, collection, id string) (*bso.BSO, error) {
	e := s.load(userID, collection)
	b, ok := e.BSOs[id]
	if !ok {
		return nil, apperror.ErrNotFound
	}
	return toBSO(b), nil
}

// GetAll returns every live BSO in an ephemeral collection and its
// collection-level modified timestamp.
func (s *EphemeralStore) GetAll(userID int64, collection string) ([]*bso.BSO, clock.Timestamp) {
	e := s.load(userID, collection)
	out := make([]*bso.BSO, 0, len(e.BSOs))
	for _, b := range e.BSOs {
		out = append(out, toBSO(b))
	}
	return out, e.Modified
}

func toBSO(b *ephemeralBSO) *bso.BSO {
	return &bso.BSO{Id: b.Id, Modified: clock.Timestamp(b.Modified), Payload: b.Payload, SortIndex: b.SortIndex}
}

// Delete removes one or more BSOs from an ephemeral collection.
func (s *EphemeralStore) Delete(userID int64, collection string, ids []string, modified clock.Timestamp) {
	e := s.load(userID, collection)
	for _, id := range ids {
		delete(e.BSOs, id)
	}
	e.Modified = modified
	s.save(userID, collection, e)
}

// DeleteCollection empties an ephemeral collection, retaining the
// collection's last-modified tombstone.
func (s *EphemeralStore) DeleteCollection(userID int64, collection string, modified clock.Timestamp) {
	s.save(userID, collection, ephemeralEntry{Modified: modified, BSOs: map[string]*ephemeralBSO{}})
}
