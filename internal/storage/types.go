package storage

import (
	"github.com/mozilla-services/syncstore/internal/bso"
	"github.com/mozilla-services/syncstore/internal/clock"
)

// SortType is the ordering requested for a range query.
type SortType int

const (
	SortNewest SortType = iota
	SortOldest
	SortIndex
)

// LimitMax bounds the absolute largest page getBSOs will ever return in
// one call, regardless of a client-requested limit, matching
// syncstorage.LIMIT_MAX.
const LimitMax = 1000

// Query describes a range read over a collection. Offset is the opaque
// continuation token: this implementation encodes it as a plain
// non-negative integer, since forward compatibility only requires clients
// treat it as opaque.
type Query struct {
	IDs       []string
	HasNewer  bool
	Newer     clock.Timestamp // strictly greater than
	HasOlder  bool
	Older     clock.Timestamp // strictly less than
	Sort      SortType
	Limit     int
	Offset    int
	Full      bool
}

// Results is what a range read returns: the matching rows (bounded by
// Limit), the total count of rows matching the filter (for
// X-Weave-Records), and an opaque offset for the next page when more rows
// remain.
type Results struct {
	BSOs       []*bso.BSO
	Total      int
	NextOffset int
	More       bool
}

// PostResults accumulates per-id outcomes for a POST batch: partial
// success is the normal case. Modified is excluded from the wire body
// (it surfaces as the X-Last-Modified header instead); the body is
// exactly {"success":[...],"failed":{...}}.
type PostResults struct {
	Modified clock.Timestamp     `json:"-"`
	Success  []string            `json:"success"`
	Failed   map[string][]string `json:"failed"`
}

func newPostResults(modified clock.Timestamp) *PostResults {
	return &PostResults{Modified: modified, Success: []string{}, Failed: map[string][]string{}}
}

func (p *PostResults) addSuccess(id string) { p.Success = append(p.Success, id) }
func (p *PostResults) addFailure(id, reason string) {
	p.Failed[id] = append(p.Failed[id], reason)
}

// CollectionInfo is the denormalised (last_modified, count) tuple for one
// collection.
type CollectionInfo struct {
	Name         string
	LastModified clock.Timestamp
	Count        int
	UsageBytes   int64
}
