// Package storage is the relational reference backend. A DB wraps one
// physical sqlite database (one shard, selected by taking the user id
// modulo the shard count) and serves many users' rows, each scoped by a
// user_id column, generalised from a one-sqlite-file-per-user layout that
// never needed a user_id column at all.
package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mozilla-services/syncstore/internal/apperror"
	"github.com/mozilla-services/syncstore/internal/bso"
	"github.com/mozilla-services/syncstore/internal/clock"
)

// dbTx lets the row-level helpers below accept either *sql.DB or *sql.Tx,
// the same trick as syncstorage/db.go's dbTx interface.
type dbTx interface {
	Exec(string, ...interface{}) (sql.Result, error)
	Query(string, ...interface{}) (*sql.Rows, error)
	QueryRow(string, ...interface{}) *sql.Row
}

// Config tunes a single shard's sqlite connection, mirroring
// syncstorage.Config / config/config.go's SqliteConfig.
type Config struct {
	// CacheSize is passed to sqlite's PRAGMA cache_size; 0 leaves the
	// sqlite default.
	CacheSize int
	// MaxOpenConns bounds the connection pool for this shard.
	MaxOpenConns int
}

// DB owns one shard's sqlite database. All public methods take a userID
// and are safe for concurrent use; write methods use a transaction that
// holds row locks for the duration, matching the per-user serialisation
// expected of writes (sqlite serialises all writers regardless, but the
// transaction boundary is what makes the upsert+touch atomic).
type DB struct {
	mu   sync.Mutex
	Path string
	sql  *sql.DB
}

// Open creates (or opens) the shard database file at path and ensures the
// schema exists.
func Open(path string, cfg Config) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "storage: open sqlite")
	}

	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if cfg.CacheSize != 0 {
		if _, err := sqlDB.Exec(fmt.Sprintf("PRAGMA cache_size=%d", cfg.CacheSize)); err != nil {
			return nil, errors.Wrap(err, "storage: set cache_size")
		}
	}

	if _, err := sqlDB.Exec(schemaV1); err != nil {
		return nil, errors.Wrap(err, "storage: init schema")
	}

	log.WithFields(log.Fields{"path": path}).Debug("storage: shard opened")

	return &DB{Path: path, sql: sqlDB}, nil
}

// Close releases the shard's connections.
func (d *DB) Close() error {
	return d.sql.Close()
}

// collectionID interns name for userID, creating the mapping when
// automake is true and it doesn't exist yet. Matches
// SyncUserHandler.getcid, generalised to per-user custom ids. Reserved
// names resolve without a lookup; when automake is true their mapping is
// also recorded in the collections table so the info queries, which join
// against it, report them by name.
func (d *DB) collectionID(tx dbTx, userID int64, name string, automake bool) (int, error) {
	if rid, ok := reservedCollections[name]; ok {
		if automake {
			if _, err := tx.Exec(
				`INSERT OR IGNORE INTO collections (user_id, collection_id, name) VALUES (?,?,?)`,
				userID, rid, name,
			); err != nil {
				return 0, errors.Wrap(err, "storage: record reserved collection")
			}
		}
		return rid, nil
	}

	if !bso.CollectionNameOk(name) {
		return 0, apperror.ErrInvalidCollName
	}

	var id int
	err := tx.QueryRow(
		`SELECT collection_id FROM collections WHERE user_id=? AND name=?`,
		userID, name,
	).Scan(&id)

	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, errors.Wrap(err, "storage: lookup collection id")
	}
	if !automake {
		return 0, apperror.ErrNotFound
	}

	var maxID sql.NullInt64
	if err := tx.QueryRow(
		`SELECT MAX(collection_id) FROM collections WHERE user_id=?`, userID,
	).Scan(&maxID); err != nil {
		return 0, errors.Wrap(err, "storage: compute next collection id")
	}

	nextID := firstCustomCollectionID
	if maxID.Valid && int(maxID.Int64)+1 > nextID {
		nextID = int(maxID.Int64) + 1
	}

	if _, err := tx.Exec(
		`INSERT INTO collections (user_id, collection_id, name) VALUES (?,?,?)`,
		userID, nextID, name,
	); err != nil {
		return 0, errors.Wrap(err, "storage: intern collection name")
	}

	return nextID, nil
}

// CollectionID looks up an existing collection without creating it.
func (d *DB) CollectionID(userID int64, name string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.collectionID(d.sql, userID, name, false)
}

// EnsureCollectionID looks up or creates the collection mapping.
func (d *DB) EnsureCollectionID(userID int64, name string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.collectionID(d.sql, userID, name, true)
}

// touchCollection upserts the user_collections row for cID to the given
// last_modified and bumps count by countDelta. Deleting the last row in a
// collection still leaves a row behind recording the delete timestamp.
func (d *DB) touchCollection(tx dbTx, userID int64, cID int, modified clock.Timestamp, countDelta int) error {
	res, err := tx.Exec(
		`UPDATE user_collections SET last_modified=?, count=MAX(count+?,0) WHERE user_id=? AND collection_id=?`,
		int64(modified), countDelta, userID, cID,
	)
	if err != nil {
		return errors.Wrap(err, "storage: touch collection")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "storage: touch collection rows affected")
	}
	if n == 0 {
		count := countDelta
		if count < 0 {
			count = 0
		}
		if _, err := tx.Exec(
			`INSERT INTO user_collections (user_id, collection_id, last_modified, count) VALUES (?,?,?,?)`,
			userID, cID, int64(modified), count,
		); err != nil {
			return errors.Wrap(err, "storage: insert collection touch")
		}
	}
	return nil
}

// LastModified returns the greatest last_modified across all of a user's
// collections.
func (d *DB) LastModified(userID int64) (clock.Timestamp, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var m sql.NullInt64
	err := d.sql.QueryRow(
		`SELECT MAX(last_modified) FROM user_collections WHERE user_id=?`, userID,
	).Scan(&m)
	if err != nil {
		return 0, errors.Wrap(err, "storage: last modified")
	}
	if !m.Valid {
		return 0, nil
	}
	return clock.Timestamp(m.Int64), nil
}

// GetCollectionModified returns the last_modified of one collection, or 0
// if the collection has never been written to (absent collection is not
// an error.
func (d *DB) GetCollectionModified(userID int64, cID int) (clock.Timestamp, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var m int64
	err := d.sql.QueryRow(
		`SELECT last_modified FROM user_collections WHERE user_id=? AND collection_id=?`,
		userID, cID,
	).Scan(&m)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "storage: collection modified")
	}
	return clock.Timestamp(m), nil
}

// InfoCollections returns {name: last_modified} for every collection the
// user has ever written to.
func (d *DB) InfoCollections(userID int64) (map[string]clock.Timestamp, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rows, err := d.sql.Query(
		`SELECT c.name, uc.last_modified
		 FROM user_collections uc JOIN collections c
		   ON c.user_id=uc.user_id AND c.collection_id=uc.collection_id
		 WHERE uc.user_id=?`, userID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "storage: info collections")
	}
	defer rows.Close()

	out := make(map[string]clock.Timestamp)
	for rows.Next() {
		var name string
		var m int64
		if err := rows.Scan(&name, &m); err != nil {
			return nil, errors.Wrap(err, "storage: scan info collections")
		}
		out[name] = clock.Timestamp(m)
	}
	return out, rows.Err()
}

// InfoCollectionCounts returns {name: count of live BSOs}.
func (d *DB) InfoCollectionCounts(userID int64) (map[string]int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rows, err := d.sql.Query(
		`SELECT c.name, uc.count
		 FROM user_collections uc JOIN collections c
		   ON c.user_id=uc.user_id AND c.collection_id=uc.collection_id
		 WHERE uc.user_id=? AND uc.count > 0`, userID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "storage: info collection counts")
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, errors.Wrap(err, "storage: scan collection counts")
		}
		out[name] = n
	}
	return out, rows.Err()
}

// InfoCollectionUsage returns {name: bytes used}.
func (d *DB) InfoCollectionUsage(userID int64) (map[string]int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rows, err := d.sql.Query(
		`SELECT c.name, SUM(b.payload_size)
		 FROM bso b JOIN collections c
		   ON c.user_id=b.user_id AND c.collection_id=b.collection_id
		 WHERE b.user_id=? AND (b.ttl_expire_at IS NULL OR b.ttl_expire_at > ?)
		 GROUP BY b.collection_id`, userID, int64(clock.Now()),
	)
	if err != nil {
		return nil, errors.Wrap(err, "storage: info collection usage")
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var name string
		var used int64
		if err := rows.Scan(&name, &used); err != nil {
			return nil, errors.Wrap(err, "storage: scan collection usage")
		}
		out[name] = used
	}
	return out, rows.Err()
}

// InfoQuota returns the total bytes used across all of a user's live BSOs.
func (d *DB) InfoQuota(userID int64) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.usedBytes(d.sql, userID)
}

func (d *DB) usedBytes(tx dbTx, userID int64) (int64, error) {
	var used sql.NullInt64
	err := tx.QueryRow(
		`SELECT SUM(payload_size) FROM bso WHERE user_id=? AND (ttl_expire_at IS NULL OR ttl_expire_at > ?)`,
		userID, int64(clock.Now()),
	).Scan(&used)
	if err != nil {
		return 0, errors.Wrap(err, "storage: used bytes")
	}
	if !used.Valid {
		return 0, nil
	}
	return used.Int64, nil
}

// bsoExists reports whether a row is already present (including expired
// rows, since an upsert must replace an expired row rather than collide
// with it on the primary key).
func (d *DB) bsoExists(tx dbTx, userID int64, cID int, id string) (bool, int, error) {
	var size int
	err := tx.QueryRow(
		`SELECT payload_size FROM bso WHERE user_id=? AND collection_id=? AND id=?`,
		userID, cID, id,
	).Scan(&size)
	if err == sql.ErrNoRows {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, errors.Wrap(err, "storage: bso exists")
	}
	return true, size, nil
}

// upsertOne inserts or updates a single BSO row within tx. It returns the
// payload-size delta (new minus old) so callers can maintain a running
// quota total across a batch, and whether the row's presence changed
// (insert), used by touchCollection's count delta.
func (d *DB) upsertOne(tx dbTx, userID int64, cID int, modified clock.Timestamp, in bso.WriteInput) (sizeDelta int64, inserted bool, err error) {
	if err := bso.ValidateWrite(in); err != nil {
		return 0, false, err
	}

	exists, oldSize, err := d.bsoExists(tx, userID, cID, in.Id)
	if err != nil {
		return 0, false, err
	}

	if exists {
		return d.updateOne(tx, userID, cID, modified, in, oldSize)
	}
	return d.insertOne(tx, userID, cID, modified, in)
}

func (d *DB) insertOne(tx dbTx, userID int64, cID int, modified clock.Timestamp, in bso.WriteInput) (int64, bool, error) {
	payload := ""
	if in.Payload != nil {
		payload = *in.Payload
	}
	sortIndex := interface{}(nil)
	if in.SortIndex != nil {
		sortIndex = *in.SortIndex
	}

	var ttlExpire interface{}
	if in.TTL != nil {
		ttlExpire = int64(modified) + int64(*in.TTL)*100
	}

	_, err := tx.Exec(
		`INSERT INTO bso (user_id, collection_id, id, sortindex, payload, payload_size, modified, ttl_expire_at)
		 VALUES (?,?,?,?,?,?,?,?)`,
		userID, cID, in.Id, sortIndex, payload, len(payload), int64(modified), ttlExpire,
	)
	if err != nil {
		return 0, false, errors.Wrap(err, "storage: insert bso")
	}
	return int64(len(payload)), true, nil
}

func (d *DB) updateOne(tx dbTx, userID int64, cID int, modified clock.Timestamp, in bso.WriteInput, oldSize int) (int64, bool, error) {
	set := make([]string, 0, 4)
	args := make([]interface{}, 0, 6)

	// modified changes when payload or ttl is supplied, or when sortindex
	// is supplied with a value different from the stored one; an update
	// whose only field is an unchanged sortindex does not bump modified.
	touchesModified := in.Payload != nil || in.SortIndex != nil
	if in.SortIndex != nil && in.Payload == nil && in.TTL == nil {
		var cur sql.NullInt64
		if err := tx.QueryRow(
			`SELECT sortindex FROM bso WHERE user_id=? AND collection_id=? AND id=?`,
			userID, cID, in.Id,
		).Scan(&cur); err != nil {
			return 0, false, errors.Wrap(err, "storage: read sortindex")
		}
		touchesModified = !cur.Valid || int(cur.Int64) != *in.SortIndex
	}

	var sizeDelta int64
	if in.Payload != nil {
		set = append(set, "payload=?", "payload_size=?")
		args = append(args, *in.Payload, len(*in.Payload))
		sizeDelta = int64(len(*in.Payload) - oldSize)
	}
	if in.SortIndex != nil {
		set = append(set, "sortindex=?")
		args = append(args, *in.SortIndex)
	}
	if in.TTL != nil {
		set = append(set, "ttl_expire_at=?")
		args = append(args, int64(modified)+int64(*in.TTL)*100)
		touchesModified = true
	}
	if touchesModified {
		set = append(set, "modified=?")
		args = append(args, int64(modified))
	}

	args = append(args, userID, cID, in.Id)
	dml := fmt.Sprintf(
		"UPDATE bso SET %s WHERE user_id=? AND collection_id=? AND id=?",
		strings.Join(set, ","),
	)
	if _, err := tx.Exec(dml, args...); err != nil {
		return 0, false, errors.Wrap(err, "storage: update bso")
	}
	return sizeDelta, false, nil
}

// quotaCheck enforces that a write which would push used bytes past
// quota fails with ErrOverQuota before any rows are written.
// quotaKB <= 0 means unlimited.
func (d *DB) quotaCheck(tx dbTx, userID int64, quotaKB int64, addedBytes int64) error {
	if quotaKB <= 0 || addedBytes <= 0 {
		return nil
	}
	used, err := d.usedBytes(tx, userID)
	if err != nil {
		return err
	}
	if used+addedBytes > quotaKB*1024 {
		return apperror.ErrOverQuota
	}
	return nil
}

// PutBSO creates or updates a single BSO, returning the request timestamp
// applied to the collection. quotaKB<=0 disables quota enforcement.
func (d *DB) PutBSO(userID int64, cID int, modified clock.Timestamp, in bso.WriteInput, quotaKB int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.sql.Begin()
	if err != nil {
		return errors.Wrap(err, "storage: begin put")
	}

	if err := bso.ValidateWrite(in); err != nil {
		tx.Rollback()
		return err
	}

	_, oldSize, err := d.bsoExists(tx, userID, cID, in.Id)
	if err != nil {
		tx.Rollback()
		return err
	}

	var addedBytes int64
	if in.Payload != nil {
		addedBytes = int64(len(*in.Payload) - oldSize)
	}
	if err := d.quotaCheck(tx, userID, quotaKB, addedBytes); err != nil {
		tx.Rollback()
		return err
	}

	_, inserted, err := d.upsertOne(tx, userID, cID, modified, in)
	if err != nil {
		tx.Rollback()
		return err
	}

	countDelta := 0
	if inserted {
		countDelta = 1
	}
	if err := d.touchCollection(tx, userID, cID, modified, countDelta); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// PostBSOs applies a batch of writes in input order ("last write wins" on
// duplicate ids within the batch), splitting into
// chunks of batchChunkSize while the transaction stays open the whole
// time. Per-record validation failures are recorded in Failed and do not
// abort the transaction; only infrastructure errors do.
const batchChunkSize = 100

func (d *DB) PostBSOs(userID int64, cID int, modified clock.Timestamp, items []bso.WriteInput, quotaKB int64) (*PostResults, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	results := newPostResults(modified)

	tx, err := d.sql.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "storage: begin post")
	}

	// last-write-wins on duplicate ids within the same batch: keep only
	// the last WriteInput for each id, but still report every id as
	// attempted to the caller via Success/Failed below.
	order := make([]string, 0, len(items))
	byID := make(map[string]bso.WriteInput, len(items))
	for _, in := range items {
		if _, ok := byID[in.Id]; !ok {
			order = append(order, in.Id)
		}
		byID[in.Id] = in
	}

	var totalAdded int64
	applied := make([]string, 0, len(order))
	for i := 0; i < len(order); i += batchChunkSize {
		end := i + batchChunkSize
		if end > len(order) {
			end = len(order)
		}
		for _, id := range order[i:end] {
			in := byID[id]

			if err := bso.ValidateWrite(in); err != nil {
				results.addFailure(in.Id, err.Error())
				continue
			}

			_, oldSize, err := d.bsoExists(tx, userID, cID, in.Id)
			if err != nil {
				tx.Rollback()
				return nil, err
			}

			var added int64
			if in.Payload != nil {
				added = int64(len(*in.Payload) - oldSize)
			}
			if err := d.quotaCheck(tx, userID, quotaKB, totalAdded+added); err != nil {
				results.addFailure(in.Id, err.Error())
				continue
			}

			if _, _, err := d.upsertOne(tx, userID, cID, modified, in); err != nil {
				tx.Rollback()
				return nil, errors.Wrap(err, "storage: post upsert")
			}

			totalAdded += added
			results.addSuccess(in.Id)
			applied = append(applied, in.Id)
		}
	}

	if len(applied) > 0 {
		count, err := d.countRows(tx, userID, cID)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		prevCount, err := d.collectionCount(tx, userID, cID)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := d.touchCollection(tx, userID, cID, modified, count-prevCount); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "storage: commit post")
	}

	return results, nil
}

func (d *DB) countRows(tx dbTx, userID int64, cID int) (int, error) {
	var n int
	err := tx.QueryRow(
		`SELECT COUNT(1) FROM bso WHERE user_id=? AND collection_id=? AND (ttl_expire_at IS NULL OR ttl_expire_at > ?)`,
		userID, cID, int64(clock.Now()),
	).Scan(&n)
	return n, errors.Wrap(err, "storage: count rows")
}

func (d *DB) collectionCount(tx dbTx, userID int64, cID int) (int, error) {
	var n int
	err := tx.QueryRow(
		`SELECT count FROM user_collections WHERE user_id=? AND collection_id=?`, userID, cID,
	).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, errors.Wrap(err, "storage: collection count")
}

// GetBSO returns a single live BSO, or ErrNotFound.
func (d *DB) GetBSO(userID int64, cID int, id string) (*bso.BSO, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.getBSO(d.sql, userID, cID, id)
}

func (d *DB) getBSO(tx dbTx, userID int64, cID int, id string) (*bso.BSO, error) {
	if !bso.IDOk(id) {
		return nil, apperror.ErrInvalidBSOId
	}

	b := &bso.BSO{Id: id}
	var sortIndex sql.NullInt64
	var modified int64

	err := tx.QueryRow(
		`SELECT sortindex, payload, modified FROM bso
		 WHERE user_id=? AND collection_id=? AND id=? AND (ttl_expire_at IS NULL OR ttl_expire_at > ?)`,
		userID, cID, id, int64(clock.Now()),
	).Scan(&sortIndex, &b.Payload, &modified)

	if err == sql.ErrNoRows {
		return nil, apperror.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "storage: get bso")
	}

	b.Modified = clock.Timestamp(modified)
	if sortIndex.Valid {
		v := int(sortIndex.Int64)
		b.SortIndex = &v
	}
	return b, nil
}

// GetBSOModified returns the modified timestamp of a live BSO, used for
// precondition checks before a PUT.
func (d *DB) GetBSOModified(userID int64, cID int, id string) (clock.Timestamp, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var modified int64
	err := d.sql.QueryRow(
		`SELECT modified FROM bso WHERE user_id=? AND collection_id=? AND id=? AND (ttl_expire_at IS NULL OR ttl_expire_at > ?)`,
		userID, cID, id, int64(clock.Now()),
	).Scan(&modified)
	if err == sql.ErrNoRows {
		return 0, apperror.ErrNotFound
	}
	if err != nil {
		return 0, errors.Wrap(err, "storage: get bso modified")
	}
	return clock.Timestamp(modified), nil
}

// GetBSOs runs a range query with stable ordering.
func (d *DB) GetBSOs(userID int64, cID int, q Query) (*Results, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if q.Limit != 0 && !bso.LimitOk(q.Limit) {
		return nil, apperror.ErrInvalidLimit
	}
	if !bso.OffsetOk(q.Offset) {
		return nil, apperror.ErrInvalidOffset
	}

	where := []string{"user_id=?", "collection_id=?", "(ttl_expire_at IS NULL OR ttl_expire_at > ?)"}
	args := []interface{}{userID, cID, int64(clock.Now())}

	if len(q.IDs) > 0 {
		ids := q.IDs
		if len(ids) > 100 {
			ids = ids[:100]
		}
		where = append(where, "id IN (?"+strings.Repeat(",?", len(ids)-1)+")")
		for _, id := range ids {
			args = append(args, id)
		}
	}

	if q.HasNewer {
		where = append(where, "modified > ?")
		args = append(args, int64(q.Newer))
	}
	if q.HasOlder {
		where = append(where, "modified < ?")
		args = append(args, int64(q.Older))
	}

	var orderBy string
	switch q.Sort {
	case SortIndex:
		// Ties broken by modified DESC then id ASC for a deterministic
		// scan.
		orderBy = "ORDER BY sortindex DESC, modified DESC, id ASC"
	case SortOldest:
		orderBy = "ORDER BY modified ASC, id ASC"
	default: // SortNewest
		orderBy = "ORDER BY modified DESC, id ASC"
	}

	limit := q.Limit
	if limit == 0 || limit > LimitMax {
		limit = LimitMax
	}

	whereSQL := "WHERE " + strings.Join(where, " AND ")

	var total int
	countQuery := "SELECT COUNT(1) FROM bso " + whereSQL
	if err := d.sql.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, errors.Wrap(err, "storage: count bsos")
	}

	limitSQL := fmt.Sprintf("LIMIT %d", limit+1)
	queryArgs := append(append([]interface{}{}, args...))
	if q.Offset != 0 {
		limitSQL += fmt.Sprintf(" OFFSET %d", q.Offset)
	}

	query := "SELECT id, sortindex, payload, modified FROM bso " + whereSQL + " " + orderBy + " " + limitSQL
	rows, err := d.sql.Query(query, queryArgs...)
	if err != nil {
		return nil, errors.Wrap(err, "storage: query bsos")
	}
	defer rows.Close()

	bsos := make([]*bso.BSO, 0, limit)
	for rows.Next() {
		b := &bso.BSO{}
		var sortIndex sql.NullInt64
		var modified int64
		if err := rows.Scan(&b.Id, &sortIndex, &b.Payload, &modified); err != nil {
			return nil, errors.Wrap(err, "storage: scan bso row")
		}
		b.Modified = clock.Timestamp(modified)
		if sortIndex.Valid {
			v := int(sortIndex.Int64)
			b.SortIndex = &v
		}
		bsos = append(bsos, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	more := len(bsos) > limit
	if more {
		bsos = bsos[:limit]
	}

	next := 0
	if more {
		next = q.Offset + limit
	}

	return &Results{BSOs: bsos, Total: total, NextOffset: next, More: more}, nil
}

// DeleteBSOs removes rows by id within a collection. If this empties the
// collection the tombstone (the delete timestamp) is retained in
// user_collections so clients can observe the deletion.
func (d *DB) DeleteBSOs(userID int64, cID int, ids []string, modified clock.Timestamp) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(ids) == 0 {
		return apperror.ErrNothingToDo
	}

	tx, err := d.sql.Begin()
	if err != nil {
		return errors.Wrap(err, "storage: begin delete bsos")
	}

	args := make([]interface{}, 0, len(ids)+2)
	args = append(args, userID, cID)
	for _, id := range ids {
		args = append(args, id)
	}

	dml := fmt.Sprintf(
		"DELETE FROM bso WHERE user_id=? AND collection_id=? AND id IN (?%s)",
		strings.Repeat(",?", len(ids)-1),
	)
	if _, err := tx.Exec(dml, args...); err != nil {
		tx.Rollback()
		return errors.Wrap(err, "storage: delete bsos")
	}

	count, err := d.countRows(tx, userID, cID)
	if err != nil {
		tx.Rollback()
		return err
	}
	prevCount, err := d.collectionCount(tx, userID, cID)
	if err != nil {
		tx.Rollback()
		return err
	}

	if err := d.touchCollection(tx, userID, cID, modified, count-prevCount); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// DeleteCollection removes every row in a collection, retaining a
// tombstone with the delete timestamp.
func (d *DB) DeleteCollection(userID int64, cID int, modified clock.Timestamp) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.sql.Begin()
	if err != nil {
		return errors.Wrap(err, "storage: begin delete collection")
	}

	if _, err := tx.Exec(`DELETE FROM bso WHERE user_id=? AND collection_id=?`, userID, cID); err != nil {
		tx.Rollback()
		return errors.Wrap(err, "storage: delete collection rows")
	}

	if _, err := tx.Exec(
		`UPDATE user_collections SET last_modified=?, count=0 WHERE user_id=? AND collection_id=?`,
		int64(modified), userID, cID,
	); err != nil {
		tx.Rollback()
		return errors.Wrap(err, "storage: tombstone collection")
	}

	return tx.Commit()
}

// DeleteUser removes all of a user's rows across every table in a single
// transaction.
func (d *DB) DeleteUser(userID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.sql.Begin()
	if err != nil {
		return errors.Wrap(err, "storage: begin delete user")
	}

	stmts := []string{
		`DELETE FROM bso WHERE user_id=?`,
		`DELETE FROM user_collections WHERE user_id=?`,
		`DELETE FROM collections WHERE user_id=?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt, userID); err != nil {
			tx.Rollback()
			return errors.Wrap(err, "storage: delete user")
		}
	}

	return tx.Commit()
}

// PurgeExpired removes globally expired rows. It is a maintenance sweep,
// not part of the read-path correctness contract: reads already filter
// ttl_expire_at themselves.
func (d *DB) PurgeExpired() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.sql.Exec(`DELETE FROM bso WHERE ttl_expire_at IS NOT NULL AND ttl_expire_at <= ?`, int64(clock.Now()))
	if err != nil {
		return 0, errors.Wrap(err, "storage: purge expired")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "storage: purge expired rows affected")
}
