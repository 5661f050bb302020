package syncweb

import (
	"context"
	"net/http"

	"github.com/mozilla-services/syncstore/internal/auth"
)

type sessionKey struct{}

// Session carries the authenticated identity and a place to stash the
// error that caused a non-2xx response, so the logging middleware can
// report it without threading it through every handler return value,
// the same role Session plays for its token payload.
type Session struct {
	Identity    auth.Identity
	ErrorResult error
}

// NewSessionContext attaches a Session to ctx.
func NewSessionContext(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFromContext retrieves the Session attached by NewSessionContext.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok
}

// sessionOrNew returns the request's Session, creating and attaching a
// fresh one if none is present yet.
func sessionOrNew(r *http.Request) (*http.Request, *Session) {
	if s, ok := SessionFromContext(r.Context()); ok {
		return r, s
	}
	s := &Session{}
	return r.WithContext(NewSessionContext(r.Context(), s)), s
}
