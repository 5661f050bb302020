package syncweb

import (
	"net/http"

	"github.com/mozilla-services/syncstore/internal/clock"
)

// HeaderWriter injects the X-Weave-Timestamp header on every response as
// late as possible (copying X-Last-Modified if a handler set one, else
// stamping the current time), matching WeaveWrapperHandler.
// Other X-Weave-* headers (Records, Next-Offset, Backoff) are set directly
// by handlers since they're resource-specific, not a cross-cutting concern.
func HeaderWriter(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := &weaveWriter{w: w}
		defer ww.addTimestamp()
		h.ServeHTTP(ww, r)
	})
}

type weaveWriter struct {
	w           http.ResponseWriter
	wroteTS     bool
	wroteHeader bool
}

func (w *weaveWriter) addTimestamp() {
	if w.wroteTS {
		return
	}
	if lm := w.w.Header().Get("X-Last-Modified"); lm != "" {
		w.w.Header().Set("X-Weave-Timestamp", lm)
	} else {
		w.w.Header().Set("X-Weave-Timestamp", clock.Now().String())
	}
	w.wroteTS = true
}

func (w *weaveWriter) Header() http.Header { return w.w.Header() }

func (w *weaveWriter) Write(b []byte) (int, error) {
	w.addTimestamp()
	return w.w.Write(b)
}

func (w *weaveWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.addTimestamp()
	w.w.WriteHeader(status)
}
