package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mozilla-services/syncstore/internal/apperror"
	"github.com/mozilla-services/syncstore/internal/bso"
	"github.com/mozilla-services/syncstore/internal/clock"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:", Config{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func strp(s string) *string { return &s }
func intp(i int) *int       { return &i }

func TestCollectionIDReservedAndCustom(t *testing.T) {
	db := openTestDB(t)

	id, err := db.CollectionID(1, "bookmarks")
	require.NoError(t, err)
	assert.Equal(t, reservedCollections["bookmarks"], id)

	_, err = db.CollectionID(1, "my-custom-thing")
	assert.Equal(t, apperror.ErrNotFound, err)

	custom, err := db.EnsureCollectionID(1, "my-custom-thing")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, custom, firstCustomCollectionID)

	again, err := db.EnsureCollectionID(1, "my-custom-thing")
	require.NoError(t, err)
	assert.Equal(t, custom, again)
}

func TestPutAndGetBSO(t *testing.T) {
	db := openTestDB(t)
	cID, err := db.EnsureCollectionID(1, "bookmarks")
	require.NoError(t, err)

	now := clock.Now()
	err = db.PutBSO(1, cID, now, bso.WriteInput{Id: "a", Payload: strp("hello")}, 0)
	require.NoError(t, err)

	got, err := db.GetBSO(1, cID, "a")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Payload)
	assert.Equal(t, now, got.Modified)

	modTime, err := db.GetCollectionModified(1, cID)
	require.NoError(t, err)
	assert.Equal(t, now, modTime)
}

func TestGetBSONotFound(t *testing.T) {
	db := openTestDB(t)
	cID, _ := db.EnsureCollectionID(1, "bookmarks")
	_, err := db.GetBSO(1, cID, "missing")
	assert.Equal(t, apperror.ErrNotFound, err)
}

func TestPutBSOTTLOnlyUpdateKeepsPayloadAndBumpsModified(t *testing.T) {
	db := openTestDB(t)
	cID, _ := db.EnsureCollectionID(1, "bookmarks")

	t1 := clock.Now()
	require.NoError(t, db.PutBSO(1, cID, t1, bso.WriteInput{Id: "a", Payload: strp("v1")}, 0))

	t2 := t1 + 500
	require.NoError(t, db.PutBSO(1, cID, t2, bso.WriteInput{Id: "a", SortIndex: nil, TTL: intp(3600)}, 0))

	got, err := db.GetBSO(1, cID, "a")
	require.NoError(t, err)
	assert.Equal(t, "v1", got.Payload)
	assert.Equal(t, t2, got.Modified) // ttl change does bump modified
}

func TestPutBSORejectsNothingToDo(t *testing.T) {
	db := openTestDB(t)
	cID, _ := db.EnsureCollectionID(1, "bookmarks")
	err := db.PutBSO(1, cID, clock.Now(), bso.WriteInput{Id: "a"}, 0)
	assert.Equal(t, apperror.ErrNothingToDo, err)
}

func TestPutBSOQuotaEnforced(t *testing.T) {
	db := openTestDB(t)
	cID, _ := db.EnsureCollectionID(1, "bookmarks")

	big := make([]byte, 2000)
	for i := range big {
		big[i] = 'x'
	}
	err := db.PutBSO(1, cID, clock.Now(), bso.WriteInput{Id: "a", Payload: strp(string(big))}, 1)
	assert.Equal(t, apperror.ErrOverQuota, err)
}

func TestPostBSOsPartialSuccess(t *testing.T) {
	db := openTestDB(t)
	cID, _ := db.EnsureCollectionID(1, "bookmarks")

	now := clock.Now()
	items := []bso.WriteInput{
		{Id: "a", Payload: strp("1")},
		{Id: "", Payload: strp("bad id")},
		{Id: "b", Payload: strp("2")},
	}
	res, err := db.PostBSOs(1, cID, now, items, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, res.Success)
	assert.Contains(t, res.Failed, "")
}

func TestPostBSOsLastWriteWinsOnDuplicateID(t *testing.T) {
	db := openTestDB(t)
	cID, _ := db.EnsureCollectionID(1, "bookmarks")

	now := clock.Now()
	items := []bso.WriteInput{
		{Id: "a", Payload: strp("first")},
		{Id: "a", Payload: strp("second")},
	}
	_, err := db.PostBSOs(1, cID, now, items, 0)
	require.NoError(t, err)

	got, err := db.GetBSO(1, cID, "a")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Payload)
}

func TestGetBSOsFilterAndPagination(t *testing.T) {
	db := openTestDB(t)
	cID, _ := db.EnsureCollectionID(1, "bookmarks")

	base := clock.Now()
	for i := 0; i < 5; i++ {
		err := db.PutBSO(1, cID, base+clock.Timestamp(i), bso.WriteInput{
			Id: string(rune('a' + i)), Payload: strp("x"),
		}, 0)
		require.NoError(t, err)
	}

	res, err := db.GetBSOs(1, cID, Query{Sort: SortNewest, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, res.BSOs, 2)
	assert.True(t, res.More)
	assert.Equal(t, 5, res.Total)

	res2, err := db.GetBSOs(1, cID, Query{Sort: SortNewest, Limit: 2, Offset: res.NextOffset})
	require.NoError(t, err)
	assert.Len(t, res2.BSOs, 2)
}

func TestDeleteBSOsTombstonesCollection(t *testing.T) {
	db := openTestDB(t)
	cID, _ := db.EnsureCollectionID(1, "bookmarks")

	t1 := clock.Now()
	require.NoError(t, db.PutBSO(1, cID, t1, bso.WriteInput{Id: "a", Payload: strp("x")}, 0))

	t2 := t1 + 100
	require.NoError(t, db.DeleteBSOs(1, cID, []string{"a"}, t2))

	_, err := db.GetBSO(1, cID, "a")
	assert.Equal(t, apperror.ErrNotFound, err)

	modTime, err := db.GetCollectionModified(1, cID)
	require.NoError(t, err)
	assert.Equal(t, t2, modTime)
}

func TestDeleteUserRemovesEverything(t *testing.T) {
	db := openTestDB(t)
	cID, _ := db.EnsureCollectionID(1, "bookmarks")
	require.NoError(t, db.PutBSO(1, cID, clock.Now(), bso.WriteInput{Id: "a", Payload: strp("x")}, 0))

	require.NoError(t, db.DeleteUser(1))

	_, err := db.GetBSO(1, cID, "a")
	assert.Equal(t, apperror.ErrNotFound, err)
}

func TestInfoCollectionsAndUsage(t *testing.T) {
	db := openTestDB(t)
	cID, _ := db.EnsureCollectionID(1, "bookmarks")
	require.NoError(t, db.PutBSO(1, cID, clock.Now(), bso.WriteInput{Id: "a", Payload: strp("hello")}, 0))

	info, err := db.InfoCollections(1)
	require.NoError(t, err)
	assert.Contains(t, info, "bookmarks")

	usage, err := db.InfoCollectionUsage(1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), usage["bookmarks"])

	used, err := db.InfoQuota(1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), used)
}
