package bso

import (
	"encoding/json"
	"testing"

	"github.com/mozilla-services/syncstore/internal/apperror"
	"github.com/mozilla-services/syncstore/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDOk(t *testing.T) {
	assert.True(t, IDOk("a"))
	assert.True(t, IDOk("abc-123_XYZ"))
	assert.False(t, IDOk(""))
	assert.False(t, IDOk("has/slash"))
	assert.False(t, IDOk(string(make([]byte, 65))))
}

func TestCollectionNameOk(t *testing.T) {
	assert.True(t, CollectionNameOk("bookmarks"))
	assert.False(t, CollectionNameOk(""))
	assert.False(t, CollectionNameOk("has space"))
}

func TestSortIndexOk(t *testing.T) {
	assert.True(t, SortIndexOk(0))
	assert.True(t, SortIndexOk(MaxSortIndex))
	assert.True(t, SortIndexOk(MinSortIndex))
	assert.False(t, SortIndexOk(MaxSortIndex+1))
	assert.False(t, SortIndexOk(MinSortIndex-1))
}

func TestValidateWrite(t *testing.T) {
	payload := "hello"
	err := ValidateWrite(WriteInput{Id: "a", Payload: &payload})
	assert.NoError(t, err)

	err = ValidateWrite(WriteInput{Id: ""})
	assert.Equal(t, apperror.ErrInvalidBSOId, err)

	err = ValidateWrite(WriteInput{Id: "a"})
	assert.Equal(t, apperror.ErrNothingToDo, err)

	badSort := MaxSortIndex + 1
	err = ValidateWrite(WriteInput{Id: "a", SortIndex: &badSort})
	assert.Equal(t, apperror.ErrInvalidSortIndex, err)

	badTTL := -1
	err = ValidateWrite(WriteInput{Id: "a", TTL: &badTTL})
	assert.Equal(t, apperror.ErrInvalidTTL, err)
}

func TestBSOMarshalJSON(t *testing.T) {
	b := &BSO{Id: "aaa", Modified: clock.Timestamp(12345), Payload: "X"}
	data, err := json.Marshal(b)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "aaa", out["id"])
	assert.Equal(t, "X", out["payload"])
	assert.Equal(t, 123.45, out["modified"])
	assert.NotContains(t, string(data), `"modified":"`) // must be a bare number, not a string
}
