// Package bso defines the Basic Storage Object wire/model type and its
// validation rules. It has no knowledge of storage or HTTP; it is the leaf
// the rest of the system is built on, the way syncstorage.BSO was a leaf
// of the syncstorage package in the reference server this generalises.
package bso

import (
	"bytes"
	"encoding/json"
	"regexp"

	"github.com/mozilla-services/syncstore/internal/apperror"
	"github.com/mozilla-services/syncstore/internal/clock"
)

var (
	idCheck   *regexp.Regexp
	nameCheck *regexp.Regexp
)

func init() {
	// URL-safe, forbids '/'. [:print:] minus '/' would be awkward to
	// express directly so we check length/charset with two passes in
	// IDOk instead of trying to cram it into one regexp.
	idCheck = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,64}$`)
	nameCheck = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,32}$`)
}

const (
	// MaxSortIndex and MinSortIndex bound the signed 32 bit range a
	// sortindex value may occupy.
	MaxSortIndex = 1<<31 - 1
	MinSortIndex = -(1 << 31)

	// MaxIDLength is the hard cap on a BSO id.
	MaxIDLength = 64

	// MaxCollectionNameLength bounds collection names, same charset as ids.
	MaxCollectionNameLength = 32
)

// BSO is a single Basic Storage Object as returned to clients. Modified is
// always server-assigned; it is never taken from client input.
type BSO struct {
	Id        string          `json:"id"`
	Modified  clock.Timestamp `json:"modified"`
	Payload   string          `json:"payload"`
	SortIndex *int            `json:"sortindex,omitempty"`
	TTL       *int            `json:"ttl,omitempty"`
}

// MarshalJSON renders Modified as a bare JSON number with the fixed
// two-decimal seconds format clients expect, rather than however
// encoding/json would format a raw integer centisecond count.
func (b *BSO) MarshalJSON() ([]byte, error) {
	type alias struct {
		Id        string `json:"id"`
		Payload   string `json:"payload"`
		SortIndex *int   `json:"sortindex,omitempty"`
		TTL       *int   `json:"ttl,omitempty"`
	}

	body, err := json.Marshal(alias{Id: b.Id, Payload: b.Payload, SortIndex: b.SortIndex, TTL: b.TTL})
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(`{"modified":`)
	buf.WriteString(b.Modified.String())
	buf.WriteByte(',')
	buf.Write(body[1:]) // drop alias's leading '{'
	return buf.Bytes(), nil
}

// WriteInput is the set of client-supplied fields for a PUT or one element
// of a POST batch. Pointer fields distinguish "not supplied" (nil) from
// "supplied as zero value", which matters because a metadata-only update
// must not clobber payload.
type WriteInput struct {
	Id        string
	Payload   *string
	SortIndex *int
	TTL       *int // seconds, as sent on the wire
}

// IDOk reports whether id is 1-64 bytes, URL-safe, and contains no '/'.
func IDOk(id string) bool {
	return len(id) >= 1 && len(id) <= MaxIDLength && idCheck.MatchString(id)
}

// CollectionNameOk reports whether name is a legal collection name.
func CollectionNameOk(name string) bool {
	return len(name) >= 1 && len(name) <= MaxCollectionNameLength && nameCheck.MatchString(name)
}

// SortIndexOk reports whether v is within the signed 32 bit range a
// sortindex value may occupy.
func SortIndexOk(v int) bool {
	return v >= MinSortIndex && v <= MaxSortIndex
}

// TTLOk reports whether a client-supplied TTL (seconds) is acceptable:
// non-negative.
func TTLOk(ttl int) bool {
	return ttl >= 0
}

// LimitOk reports whether a limit query parameter is a usable positive value.
func LimitOk(limit int) bool {
	return limit > 0
}

// OffsetOk reports whether an offset continuation token parses to a
// non-negative value.
func OffsetOk(offset int) bool {
	return offset >= 0
}

// NewerOk reports whether a newer/older filter parameter (already
// converted to centiseconds) is usable.
func NewerOk(v int64) bool {
	return v >= 0
}

// ValidateWrite checks the per-record validation rules that apply before
// any side effect: id, sortindex, ttl, payload shape. It does not check
// payload size against a configured limit; that's the caller's job since
// the limit is configuration, not a BSO-intrinsic invariant.
func ValidateWrite(in WriteInput) error {
	if !IDOk(in.Id) {
		return apperror.ErrInvalidBSOId
	}
	if in.SortIndex != nil && !SortIndexOk(*in.SortIndex) {
		return apperror.ErrInvalidSortIndex
	}
	if in.TTL != nil && !TTLOk(*in.TTL) {
		return apperror.ErrInvalidTTL
	}
	if in.Payload == nil && in.SortIndex == nil && in.TTL == nil {
		return apperror.ErrNothingToDo
	}
	return nil
}
