package syncweb

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/mozilla-services/syncstore/internal/auth"
)

// AuthMiddleware resolves the request's Identity via authn and checks it
// against the {uid} path variable, matching hawkHandler.go
// step 4 ("token UID matches path UID"). A mismatch is reported as 401 so
// clients fetch fresh credentials rather than retry the same ones.
func AuthMiddleware(authn auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r, session := sessionOrNew(r)

			ident, err := authn.Authenticate(r)
			if err != nil {
				session.ErrorResult = err
				JSONErrorCode(w, http.StatusUnauthorized, "authentication required", 0)
				return
			}

			if pathUID, ok := mux.Vars(r)["uid"]; ok {
				if pathUID != strconv.FormatInt(ident.UserID, 10) {
					JSONErrorCode(w, http.StatusUnauthorized, "uid mismatch", 0)
					return
				}
			}

			session.Identity = ident
			next.ServeHTTP(w, r.WithContext(r.Context()))
		})
	}
}
