package syncweb

import (
	"net/http"

	"github.com/pkg/errors"

	"github.com/mozilla-services/syncstore/internal/apperror"
	"github.com/mozilla-services/syncstore/internal/clock"
)

// modHeaderKind identifies which conditional-request header a client sent.
type modHeaderKind int

const (
	modHeaderNone modHeaderKind = iota
	modHeaderIfModifiedSince
	modHeaderIfUnmodifiedSince
)

// extractModifiedHeader reads X-If-Modified-Since / X-If-Unmodified-Since
// from the request. Both being present is a client error, matching the
// extractModifiedTimestamp.
func extractModifiedHeader(r *http.Request) (clock.Timestamp, modHeaderKind, error) {
	modSince := r.Header.Get("X-If-Modified-Since")
	unmodSince := r.Header.Get("X-If-Unmodified-Since")

	if modSince != "" && unmodSince != "" {
		return 0, modHeaderNone, errors.New("X-If-Modified-Since and X-If-Unmodified-Since both provided")
	}

	if modSince != "" {
		ts, err := clock.Parse(modSince)
		if err != nil {
			return 0, modHeaderNone, errors.New("invalid X-If-Modified-Since")
		}
		return ts, modHeaderIfModifiedSince, nil
	}

	if unmodSince != "" {
		ts, err := clock.Parse(unmodSince)
		if err != nil {
			return 0, modHeaderNone, errors.New("invalid X-If-Unmodified-Since")
		}
		return ts, modHeaderIfUnmodifiedSince, nil
	}

	return 0, modHeaderNone, nil
}

// checkPrecondition compares a resource's modified timestamp against any
// conditional-request header on r. It returns apperror.ErrNotModified or
// apperror.ErrPrecondition when the request should be rejected without
// running the handler's main logic, or nil to proceed.
func checkPrecondition(r *http.Request, modified clock.Timestamp) error {
	ts, kind, err := extractModifiedHeader(r)
	if err != nil {
		return errors.Wrap(apperror.ErrPrecondition, err.Error())
	}

	switch {
	case kind == modHeaderIfModifiedSince && modified <= ts:
		return apperror.ErrNotModified
	case kind == modHeaderIfUnmodifiedSince && modified > ts:
		return apperror.ErrPrecondition
	}
	return nil
}
