// Package apperror is the uniform error taxonomy shared by storage, cache
// and the HTTP pipeline. Storage code returns one of the sentinel errors
// below; the pipeline maps them to a stable wire code and HTTP status.
package apperror

import "github.com/pkg/errors"

// Sentinel errors returned by internal/storage and internal/cache. Compare
// with errors.Cause(err) == apperror.ErrX since callers wrap with
// github.com/pkg/errors for stack traces.
var (
	ErrNotFound         = errors.New("not found")
	ErrNothingToDo      = errors.New("nothing to do")
	ErrInvalidBSOId     = errors.New("invalid id")
	ErrInvalidCollName  = errors.New("invalid collection name")
	ErrInvalidPayload   = errors.New("invalid payload")
	ErrInvalidSortIndex = errors.New("invalid sortindex")
	ErrInvalidTTL       = errors.New("invalid ttl")
	ErrInvalidLimit     = errors.New("invalid limit")
	ErrInvalidOffset    = errors.New("invalid offset")
	ErrInvalidNewer     = errors.New("invalid newer")
	ErrPayloadTooBig    = errors.New("payload too big")
	ErrOverQuota        = errors.New("over quota")
	ErrPrecondition     = errors.New("precondition failed")
	ErrNotModified      = errors.New("not modified")
	ErrTooBusy          = errors.New("server busy")
	ErrNoWritePerm      = errors.New("no write permission")
	ErrInvalidUser      = errors.New("invalid user")
)

// Code is the small stable integer carried in the JSON error body alongside
// the HTTP status.
type Code int

const (
	CodeInvalidProtocol  Code = 1
	CodeInvalidID        Code = 2
	CodeInvalidUser      Code = 3
	CodeOverQuota        Code = 4
	CodeBodyParse        Code = 5
	CodeInvalidBSO       Code = 6
	CodeNoWritePerm      Code = 7
	CodeInvalidConfig    Code = 8
)

// CodeFor maps a sentinel (or wrapped sentinel) error to its wire code.
// Returns (0, false) for errors that have no stable code, i.e. ones that
// should be logged and reported as an opaque internal error instead.
func CodeFor(err error) (Code, bool) {
	switch errors.Cause(err) {
	case ErrInvalidBSOId, ErrInvalidCollName:
		return CodeInvalidID, true
	case ErrInvalidUser:
		return CodeInvalidUser, true
	case ErrOverQuota:
		return CodeOverQuota, true
	case ErrInvalidPayload, ErrInvalidSortIndex, ErrInvalidTTL, ErrPayloadTooBig:
		return CodeInvalidBSO, true
	case ErrNoWritePerm:
		return CodeNoWritePerm, true
	default:
		return 0, false
	}
}
