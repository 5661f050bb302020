package syncweb

import (
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/mozilla-services/syncstore/internal/auth"
)

// RouterConfig gathers what NewRouter needs beyond the Server's own
// collaborators: the authenticator, logging behavior, and version string
// for the operational probes.
type RouterConfig struct {
	Authenticator auth.Authenticator
	Logging       LoggingConfig
	Logger        log.FieldLogger
	Version       string
}

// NewRouter builds the full request pipeline: operational probes mounted
// unauthenticated, then the per-user sync 1.5 tree behind auth and uid
// matching. Request logging wraps everything so it sees the final status
// code, weave-timestamp injection sits inside it, and auth runs innermost,
// after routing and just before the handler, so the {uid} path variable
// is available to the uid check.
func NewRouter(s *Server, cfg RouterConfig) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		OKResponse(w, "syncstore")
	}).Methods("GET")
	r.HandleFunc("/__heartbeat__", func(w http.ResponseWriter, r *http.Request) {
		OKResponse(w, "OK")
	}).Methods("GET")
	r.HandleFunc("/__lbheartbeat__", func(w http.ResponseWriter, r *http.Request) {
		OKResponse(w, "OK")
	}).Methods("GET")
	r.HandleFunc("/__version__", func(w http.ResponseWriter, r *http.Request) {
		OKResponse(w, cfg.Version)
	}).Methods("GET")

	user := r.PathPrefix("/1.5/{uid}").Subrouter()
	user.Use(AuthMiddleware(cfg.Authenticator))
	user.HandleFunc("", s.HandleDeleteEverything).Methods("DELETE")
	user.HandleFunc("/storage", s.HandleDeleteEverything).Methods("DELETE")

	info := user.PathPrefix("/info").Subrouter()
	info.HandleFunc("/collections", s.HandleInfoCollections).Methods("GET")
	info.HandleFunc("/collection_usage", s.HandleInfoCollectionUsage).Methods("GET")
	info.HandleFunc("/collection_counts", s.HandleInfoCollectionCounts).Methods("GET")
	info.HandleFunc("/quota", s.HandleInfoQuota).Methods("GET")

	storage := user.PathPrefix("/storage").Subrouter()
	storage.HandleFunc("/{collection}", s.HandleCollectionGET).Methods("GET")
	storage.HandleFunc("/{collection}", s.HandleCollectionPOST).Methods("POST")
	storage.HandleFunc("/{collection}", s.HandleCollectionDELETE).Methods("DELETE")
	storage.HandleFunc("/{collection}/{bsoId}", s.HandleBSOGET).Methods("GET")
	storage.HandleFunc("/{collection}/{bsoId}", s.HandleBSOPUT).Methods("PUT")
	storage.HandleFunc("/{collection}/{bsoId}", s.HandleBSODELETE).Methods("DELETE")

	var handler http.Handler = r
	handler = HeaderWriter(handler)
	handler = NewLoggingHandler(cfg.Logger, cfg.Logging, handler)
	return handler
}
