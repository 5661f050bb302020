package syncweb

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/mozilla-services/syncstore/internal/apperror"
	"github.com/mozilla-services/syncstore/internal/bso"
	"github.com/mozilla-services/syncstore/internal/cache"
	"github.com/mozilla-services/syncstore/internal/clock"
	"github.com/mozilla-services/syncstore/internal/config"
	"github.com/mozilla-services/syncstore/internal/storage"
)

const batchMaxIDs = 100

// Server holds every collaborator a handler needs: the sharded storage
// backend, the info/collections cache, the ephemeral collection store, the
// daily write-rate cap, and the clock service used to freeze one timestamp
// per request.
type Server struct {
	Backend   *storage.Backend
	Info      *cache.InfoCache
	Ephemeral *cache.EphemeralStore
	RateCap   *cache.WriteCapTracker
	Clock     *clock.Service
	Config    *config.Config
}

func (s *Server) userID(r *http.Request) int64 {
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		return 0
	}
	return sess.Identity.UserID
}

func (s *Server) db(userID int64) *storage.DB {
	return s.Backend.Shard(userID)
}

// freeze picks the timestamp for one request's writes, keeping it strictly
// greater than the user's last recorded write so that X-Last-Modified
// never goes backwards across requests even under clock skew or write
// bursts. A lookup failure (e.g. brand new user) just means lastSeen
// stays zero, so Freeze falls back to wall-clock time.
func (s *Server) freeze(userID int64) clock.Timestamp {
	lastSeen, _ := s.db(userID).LastModified(userID)
	return s.Clock.Freeze(lastSeen)
}

// collectionID resolves {collection} to an id, auto-creating it when
// automake is true, grounded on SyncUserHandler.getcid.
func (s *Server) collectionID(r *http.Request, userID int64, name string, automake bool) (int, error) {
	if !bso.CollectionNameOk(name) {
		return 0, apperror.ErrInvalidCollName
	}
	if automake {
		return s.db(userID).EnsureCollectionID(userID, name)
	}
	return s.db(userID).CollectionID(userID, name)
}

func collectionVar(r *http.Request) string { return routeVar(r, "collection") }
func bsoIDVar(r *http.Request) string       { return routeVar(r, "bsoId") }

// -- info/* --------------------------------------------------------------

func (s *Server) HandleInfoCollections(w http.ResponseWriter, r *http.Request) {
	if !AcceptHeaderOk(w, r) {
		return
	}
	userID := s.userID(r)

	if lastModified, collections, ok := s.Info.Get(userID); ok {
		if err := checkPrecondition(r, lastModified); err != nil {
			WriteAppError(w, r, err)
			return
		}
		w.Header().Set("X-Last-Modified", lastModified.String())
		JSONOrNewline(w, r, collections)
		return
	}

	info, err := s.db(userID).InfoCollections(userID)
	if err != nil {
		InternalError(w, r, err)
		return
	}

	var lastModified clock.Timestamp
	for _, m := range info {
		if m > lastModified {
			lastModified = m
		}
	}

	if err := checkPrecondition(r, lastModified); err != nil {
		WriteAppError(w, r, err)
		return
	}

	s.Info.Set(userID, lastModified, info)

	w.Header().Set("X-Last-Modified", lastModified.String())
	JSONOrNewline(w, r, info)
}

func (s *Server) HandleInfoCollectionUsage(w http.ResponseWriter, r *http.Request) {
	if !AcceptHeaderOk(w, r) {
		return
	}
	userID := s.userID(r)

	lastModified, err := s.db(userID).LastModified(userID)
	if err != nil {
		InternalError(w, r, err)
		return
	}
	if err := checkPrecondition(r, lastModified); err != nil {
		WriteAppError(w, r, err)
		return
	}

	usage, err := s.db(userID).InfoCollectionUsage(userID)
	if err != nil {
		InternalError(w, r, err)
		return
	}

	usageKB := make(map[string]float64, len(usage))
	for name, bytes := range usage {
		usageKB[name] = float64(bytes) / 1024
	}

	w.Header().Set("X-Last-Modified", lastModified.String())
	JSONOrNewline(w, r, usageKB)
}

func (s *Server) HandleInfoCollectionCounts(w http.ResponseWriter, r *http.Request) {
	if !AcceptHeaderOk(w, r) {
		return
	}
	userID := s.userID(r)

	counts, err := s.db(userID).InfoCollectionCounts(userID)
	if err != nil {
		InternalError(w, r, err)
		return
	}

	lastModified, err := s.db(userID).LastModified(userID)
	if err != nil {
		InternalError(w, r, err)
		return
	}
	if err := checkPrecondition(r, lastModified); err != nil {
		WriteAppError(w, r, err)
		return
	}

	w.Header().Set("X-Last-Modified", lastModified.String())
	JSONOrNewline(w, r, counts)
}

func (s *Server) HandleInfoQuota(w http.ResponseWriter, r *http.Request) {
	if !AcceptHeaderOk(w, r) {
		return
	}
	userID := s.userID(r)

	used, err := s.db(userID).InfoQuota(userID)
	if err != nil {
		InternalError(w, r, err)
		return
	}

	lastModified, err := s.db(userID).LastModified(userID)
	if err != nil {
		InternalError(w, r, err)
		return
	}
	if err := checkPrecondition(r, lastModified); err != nil {
		WriteAppError(w, r, err)
		return
	}

	usedKB := float64(used) / 1024
	var quotaKB interface{}
	if s.Config.Quota.QuotaKB > 0 {
		quotaKB = s.Config.Quota.QuotaKB
	}

	w.Header().Set("X-Last-Modified", lastModified.String())
	JSONOrNewline(w, r, []interface{}{usedKB, quotaKB})
}

// -- storage/{collection} -------------------------------------------------

func (s *Server) HandleCollectionGET(w http.ResponseWriter, r *http.Request) {
	if !AcceptHeaderOk(w, r) {
		return
	}
	userID := s.userID(r)
	name := collectionVar(r)

	if s.Config.IsEphemeral(name) {
		s.handleEphemeralGET(w, r, userID, name)
		return
	}

	cID, err := s.collectionID(r, userID, name, false)
	if err != nil {
		if errors.Cause(err) == apperror.ErrNotFound {
			JSON(w, r, []*bso.BSO{})
			return
		}
		InternalError(w, r, err)
		return
	}

	q, err := parseQuery(r, s.Config.Limit.MaxTotalRecords)
	if err != nil {
		WriteAppError(w, r, err)
		return
	}

	results, err := s.db(userID).GetBSOs(userID, cID, q)
	if err != nil {
		WriteAppError(w, r, err)
		return
	}

	w.Header().Set("X-Weave-Records", strconv.Itoa(results.Total))
	if results.More {
		w.Header().Set("X-Weave-Next-Offset", strconv.Itoa(results.NextOffset))
	}
	JSONOrNewline(w, r, results.BSOs)
}

func (s *Server) handleEphemeralGET(w http.ResponseWriter, r *http.Request, userID int64, name string) {
	all, modified := s.Ephemeral.GetAll(userID, name)
	if err := checkPrecondition(r, modified); err != nil {
		WriteAppError(w, r, err)
		return
	}
	w.Header().Set("X-Weave-Records", strconv.Itoa(len(all)))
	JSONOrNewline(w, r, all)
}

func parseQuery(r *http.Request, maxTotalRecords int) (storage.Query, error) {
	var q storage.Query

	if err := r.ParseForm(); err != nil {
		return q, errors.Wrap(apperror.ErrInvalidLimit, "malformed query parameters")
	}

	if v := r.Form.Get("ids"); v != "" {
		ids := strings.Split(v, ",")
		if len(ids) > batchMaxIDs {
			return q, errors.Wrap(apperror.ErrInvalidLimit, "exceeded max id batch size")
		}
		for i, id := range ids {
			id = strings.TrimSpace(id)
			if !bso.IDOk(id) {
				return q, apperror.ErrInvalidBSOId
			}
			ids[i] = id
		}
		q.IDs = ids
	}

	if v := r.Form.Get("newer"); v != "" {
		ts, err := clock.Parse(v)
		if err != nil {
			return q, apperror.ErrInvalidNewer
		}
		q.HasNewer = true
		q.Newer = ts
	}

	if v := r.Form.Get("older"); v != "" {
		ts, err := clock.Parse(v)
		if err != nil {
			return q, apperror.ErrInvalidNewer
		}
		q.HasOlder = true
		q.Older = ts
	}

	if r.Form.Get("full") != "" {
		q.Full = true
	}

	q.Limit = storage.LimitMax
	if maxTotalRecords > 0 && maxTotalRecords < q.Limit {
		q.Limit = maxTotalRecords
	}
	if v := r.Form.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || !bso.LimitOk(limit) {
			return q, apperror.ErrInvalidLimit
		}
		q.Limit = limit
		if q.Limit > storage.LimitMax {
			q.Limit = storage.LimitMax
		}
	}

	if v := r.Form.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || !bso.OffsetOk(offset) {
			return q, apperror.ErrInvalidOffset
		}
		q.Offset = offset
	}

	switch r.Form.Get("sort") {
	case "", "newest":
		q.Sort = storage.SortNewest
	case "oldest":
		q.Sort = storage.SortOldest
	case "index":
		q.Sort = storage.SortIndex
	default:
		return q, errors.Wrap(apperror.ErrInvalidLimit, "invalid sort value")
	}

	return q, nil
}

func (s *Server) HandleCollectionPOST(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)
	name := collectionVar(r)

	items, err := decodeWriteInputs(r, s.Config.Limit.MaxPOSTRecords, s.Config.Limit.MaxPOSTBytes)
	if err != nil {
		WriteAppError(w, r, err)
		return
	}

	modified := s.freeze(userID)

	if s.Config.IsEphemeral(name) {
		res := storagePostResultsFor(modified)
		for _, in := range items {
			if err := s.Ephemeral.Put(userID, name, modified, in); err != nil {
				res.Failed[in.Id] = append(res.Failed[in.Id], err.Error())
				continue
			}
			res.Success = append(res.Success, in.Id)
		}
		w.Header().Set("X-Last-Modified", modified.String())
		JSONOrNewline(w, r, res)
		return
	}

	var addedBytes int64
	for _, in := range items {
		if in.Payload != nil {
			addedBytes += int64(len(*in.Payload))
		}
	}
	if !s.RateCap.Record(userID, addedBytes) {
		WriteAppError(w, r, apperror.ErrTooBusy)
		return
	}

	cID, err := s.collectionID(r, userID, name, true)
	if err != nil {
		WriteAppError(w, r, err)
		return
	}

	quotaKB := s.Config.Quota.QuotaKB

	results, err := s.db(userID).PostBSOs(userID, cID, modified, items, quotaKB)
	if err != nil {
		InternalError(w, r, err)
		return
	}
	s.Info.Invalidate(userID)

	w.Header().Set("X-Last-Modified", results.Modified.String())
	JSONOrNewline(w, r, results)
}

func storagePostResultsFor(modified clock.Timestamp) *storage.PostResults {
	return &storage.PostResults{Modified: modified, Success: []string{}, Failed: map[string][]string{}}
}

func (s *Server) HandleCollectionDELETE(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)
	name := collectionVar(r)
	modified := s.freeze(userID)

	if s.Config.IsEphemeral(name) {
		if ids := r.URL.Query().Get("ids"); ids != "" {
			s.Ephemeral.Delete(userID, name, strings.Split(ids, ","), modified)
		} else {
			s.Ephemeral.DeleteCollection(userID, name, modified)
		}
		writeModified(w, modified)
		return
	}

	cID, err := s.collectionID(r, userID, name, false)
	if err != nil {
		if errors.Cause(err) == apperror.ErrNotFound {
			writeModified(w, modified)
			return
		}
		InternalError(w, r, err)
		return
	}

	cModified, err := s.db(userID).GetCollectionModified(userID, cID)
	if err != nil {
		InternalError(w, r, err)
		return
	}
	if err := checkPrecondition(r, cModified); err != nil {
		WriteAppError(w, r, err)
		return
	}

	if ids := r.URL.Query().Get("ids"); ids != "" {
		idList := strings.Split(ids, ",")
		if len(idList) > batchMaxIDs {
			WriteAppError(w, r, errors.Wrap(apperror.ErrInvalidLimit, "exceeded max batch size"))
			return
		}
		if err := s.db(userID).DeleteBSOs(userID, cID, idList, modified); err != nil {
			InternalError(w, r, err)
			return
		}
	} else {
		if err := s.db(userID).DeleteCollection(userID, cID, modified); err != nil {
			InternalError(w, r, err)
			return
		}
	}
	s.Info.Invalidate(userID)

	writeModified(w, modified)
}

// -- storage/{collection}/{bsoId} -----------------------------------------

func (s *Server) HandleBSOGET(w http.ResponseWriter, r *http.Request) {
	if !AcceptHeaderOk(w, r) {
		return
	}
	userID := s.userID(r)
	name := collectionVar(r)
	id := bsoIDVar(r)

	if !bso.IDOk(id) {
		WriteAppError(w, r, apperror.ErrInvalidBSOId)
		return
	}

	var b *bso.BSO
	var err error
	if s.Config.IsEphemeral(name) {
		b, err = s.Ephemeral.Get(userID, name, id)
	} else {
		var cID int
		cID, err = s.collectionID(r, userID, name, false)
		if err == nil {
			b, err = s.db(userID).GetBSO(userID, cID, id)
		}
	}
	if err != nil {
		WriteAppError(w, r, err)
		return
	}

	if err := checkPrecondition(r, b.Modified); err != nil {
		WriteAppError(w, r, err)
		return
	}

	w.Header().Set("X-Last-Modified", b.Modified.String())
	JSON(w, r, b)
}

func (s *Server) HandleBSOPUT(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)
	name := collectionVar(r)
	id := bsoIDVar(r)

	in, err := decodeSingleWriteInput(r, id, s.Config.Limit.MaxRecordPayloadBytes)
	if err != nil {
		WriteAppError(w, r, err)
		return
	}

	modified := s.freeze(userID)

	if s.Config.IsEphemeral(name) {
		if err := s.Ephemeral.Put(userID, name, modified, in); err != nil {
			WriteAppError(w, r, err)
			return
		}
		w.Header().Set("X-Last-Modified", modified.String())
		writeModified(w, modified)
		return
	}

	if in.Payload != nil && !s.RateCap.Record(userID, int64(len(*in.Payload))) {
		WriteAppError(w, r, apperror.ErrTooBusy)
		return
	}

	cID, err := s.collectionID(r, userID, name, true)
	if err != nil {
		WriteAppError(w, r, err)
		return
	}

	if existing, err := s.db(userID).GetBSOModified(userID, cID, id); err == nil {
		if err := checkPrecondition(r, existing); err != nil {
			WriteAppError(w, r, err)
			return
		}
	}

	if err := s.db(userID).PutBSO(userID, cID, modified, in, s.Config.Quota.QuotaKB); err != nil {
		WriteAppError(w, r, err)
		return
	}
	s.Info.Invalidate(userID)

	w.Header().Set("X-Last-Modified", modified.String())
	writeModified(w, modified)
}

func (s *Server) HandleBSODELETE(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)
	name := collectionVar(r)
	id := bsoIDVar(r)
	modified := s.freeze(userID)

	if s.Config.IsEphemeral(name) {
		s.Ephemeral.Delete(userID, name, []string{id}, modified)
		writeModified(w, modified)
		return
	}

	cID, err := s.collectionID(r, userID, name, false)
	if err != nil {
		WriteAppError(w, r, err)
		return
	}

	existing, err := s.db(userID).GetBSOModified(userID, cID, id)
	if err != nil {
		WriteAppError(w, r, err)
		return
	}
	if err := checkPrecondition(r, existing); err != nil {
		WriteAppError(w, r, err)
		return
	}

	if err := s.db(userID).DeleteBSOs(userID, cID, []string{id}, modified); err != nil {
		InternalError(w, r, err)
		return
	}
	s.Info.Invalidate(userID)

	writeModified(w, modified)
}

// -- whole-user deletion ---------------------------------------------------

func (s *Server) HandleDeleteEverything(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)
	if err := s.db(userID).DeleteUser(userID); err != nil {
		InternalError(w, r, err)
		return
	}
	s.Info.Invalidate(userID)

	modified := s.freeze(userID)
	writeModified(w, modified)
}
