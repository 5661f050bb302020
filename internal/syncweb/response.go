// Package syncweb is the HTTP pipeline: routing, content negotiation,
// precondition checks, and the handlers that translate sync 1.5 requests
// into internal/storage and internal/cache calls. Adapted from the
// web package.
package syncweb

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"reflect"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mozilla-services/syncstore/internal/apperror"
	"github.com/mozilla-services/syncstore/internal/clock"
)

// getMediaType extracts the mediatype portion of a Content-Type/Accept
// header, discarding parameters.
func getMediaType(header string) string {
	mediatype, _, _ := mime.ParseMediaType(header)
	return mediatype
}

// AcceptHeaderOk reports whether the request's Accept header is usable
// (application/json or application/newlines, or one of the common
// wildcard forms clients send), writing an error response and returning
// false otherwise.
func AcceptHeaderOk(w http.ResponseWriter, r *http.Request) bool {
	accept := r.Header.Get("Accept")
	if accept == "" {
		r.Header.Set("Accept", "application/json")
		return true
	}

	switch getMediaType(accept) {
	case "application/json", "application/newlines":
		return true
	}

	for _, rewrite := range []string{"*/*", "application/*", "*/json"} {
		if strings.Contains(accept, rewrite) {
			r.Header.Set("Accept", "application/json")
			return true
		}
	}

	sendProblem(w, r, http.StatusNotAcceptable, errors.Errorf("unsupported Accept header: %s", accept))
	return false
}

// JSON writes val as a single JSON document.
func JSON(w http.ResponseWriter, r *http.Request, val interface{}) {
	data, err := json.Marshal(val)
	if err != nil {
		InternalError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
	w.Write([]byte("\n"))
}

// writeModified writes a timestamp as the bare JSON number the wire
// protocol expects for single-write responses (PUT/DELETE of one BSO,
// collection, or the whole user): seconds with two decimal places, not
// an object. Writing the string directly avoids letting encoding/json
// round a float and drop a trailing zero.
func writeModified(w http.ResponseWriter, modified clock.Timestamp) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(modified.String()))
}

// NewLine writes val as newline-delimited JSON, one element per line when
// val is a slice or array.
func NewLine(w http.ResponseWriter, r *http.Request, val interface{}) {
	rv := reflect.ValueOf(val)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		JSON(w, r, val)
		return
	}

	w.Header().Set("Content-Type", "application/newlines")
	for i := 0; i < rv.Len(); i++ {
		if !rv.Index(i).CanInterface() {
			continue
		}
		item := rv.Index(i).Interface()

		var raw []byte
		var err error
		if m, ok := item.(json.Marshaler); ok {
			raw, err = m.MarshalJSON()
		} else {
			raw, err = json.Marshal(item)
		}
		if err != nil {
			InternalError(w, r, errors.Wrap(err, "syncweb: marshal newline item"))
			return
		}
		w.Write(raw)
		w.Write([]byte("\n"))
	}
}

// JSONOrNewline picks NewLine or JSON based on the request's Accept
// header, the content negotiation rule named for list endpoints.
func JSONOrNewline(w http.ResponseWriter, r *http.Request, val interface{}) {
	if strings.Contains(r.Header.Get("Accept"), "application/newlines") {
		NewLine(w, r, val)
	} else {
		JSON(w, r, val)
	}
}

type jsonError struct {
	Err  string        `json:"err"`
	Code apperror.Code `json:"code,omitempty"`
}

// JSONErrorCode writes a JSON error body carrying the stable wire code.
func JSONErrorCode(w http.ResponseWriter, status int, msg string, code apperror.Code) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	data, _ := json.Marshal(jsonError{Err: msg, Code: code})
	w.Write(data)
}

// WriteAppError maps a sentinel apperror to its HTTP status and wire code
// and writes the response; unmapped errors are logged and reported as a
// 500 without leaking internal detail to the client.
func WriteAppError(w http.ResponseWriter, r *http.Request, err error) {
	status, ok := httpStatusFor(err)
	if !ok {
		InternalError(w, r, err)
		return
	}
	code, _ := apperror.CodeFor(err)
	JSONErrorCode(w, status, errors.Cause(err).Error(), code)
}

func httpStatusFor(err error) (int, bool) {
	switch errors.Cause(err) {
	case apperror.ErrNotFound:
		return http.StatusNotFound, true
	case apperror.ErrNothingToDo:
		return http.StatusBadRequest, true
	case apperror.ErrInvalidBSOId, apperror.ErrInvalidCollName, apperror.ErrInvalidPayload,
		apperror.ErrInvalidSortIndex, apperror.ErrInvalidTTL, apperror.ErrInvalidLimit,
		apperror.ErrInvalidOffset, apperror.ErrInvalidNewer:
		return http.StatusBadRequest, true
	case apperror.ErrPayloadTooBig:
		return http.StatusRequestEntityTooLarge, true
	case apperror.ErrOverQuota:
		return http.StatusForbidden, true
	case apperror.ErrPrecondition:
		return http.StatusPreconditionFailed, true
	case apperror.ErrNotModified:
		return http.StatusNotModified, true
	case apperror.ErrTooBusy:
		return http.StatusServiceUnavailable, true
	case apperror.ErrNoWritePerm, apperror.ErrInvalidUser:
		return http.StatusUnauthorized, true
	default:
		return 0, false
	}
}

// InternalError logs err with its cause chain and reports an opaque 500,
// never echoing internal detail to the client.
func InternalError(w http.ResponseWriter, r *http.Request, err error) {
	log.WithFields(log.Fields{
		"cause":  errors.Cause(err).Error(),
		"method": r.Method,
		"path":   r.URL.EscapedPath() + "?" + r.URL.RawQuery,
	}).Errorf("syncweb: internal error: %s", err.Error())

	switch getMediaType(w.Header().Get("Content-Type")) {
	case "application/newlines":
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("internal error"))
	default:
		JSONErrorCode(w, http.StatusInternalServerError, "internal error", 0)
	}
}

func sendProblem(w http.ResponseWriter, r *http.Request, status int, err error) {
	log.WithFields(log.Fields{
		"method":    r.Method,
		"path":      r.URL.Path,
		"http_code": status,
		"error":     err.Error(),
	}).Warn("syncweb: request problem")
	JSONErrorCode(w, status, err.Error(), 0)
}

// OKResponse writes a 200 response with a plain-text body, for the
// operational probe endpoints.
func OKResponse(w http.ResponseWriter, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, s)
}
