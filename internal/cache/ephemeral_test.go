package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mozilla-services/syncstore/internal/apperror"
	"github.com/mozilla-services/syncstore/internal/bso"
	"github.com/mozilla-services/syncstore/internal/clock"
)

func strp(s string) *string { return &s }

func TestEphemeralStorePutGet(t *testing.T) {
	s := NewEphemeralStore(8, time.Hour)

	now := clock.Now()
	require.NoError(t, s.Put(1, "tabs", now, bso.WriteInput{Id: "a", Payload: strp("hi")}))

	got, err := s.Get(1, "tabs", "a")
	require.NoError(t, err)
	assert.Equal(t, "hi", got.Payload)
	assert.Equal(t, now, got.Modified)
}

func TestEphemeralStoreGetMissing(t *testing.T) {
	s := NewEphemeralStore(8, time.Hour)
	_, err := s.Get(1, "tabs", "missing")
	assert.Equal(t, apperror.ErrNotFound, err)
}

func TestEphemeralStoreDelete(t *testing.T) {
	s := NewEphemeralStore(8, time.Hour)
	now := clock.Now()
	require.NoError(t, s.Put(1, "tabs", now, bso.WriteInput{Id: "a", Payload: strp("hi")}))

	s.Delete(1, "tabs", []string{"a"}, now+100)

	_, err := s.Get(1, "tabs", "a")
	assert.Equal(t, apperror.ErrNotFound, err)
}

func TestEphemeralStoreGetAll(t *testing.T) {
	s := NewEphemeralStore(8, time.Hour)
	now := clock.Now()
	require.NoError(t, s.Put(1, "tabs", now, bso.WriteInput{Id: "a", Payload: strp("1")}))
	require.NoError(t, s.Put(1, "tabs", now, bso.WriteInput{Id: "b", Payload: strp("2")}))

	all, modified := s.GetAll(1, "tabs")
	assert.Len(t, all, 2)
	assert.Equal(t, now, modified)
}

func TestEphemeralStoreDeleteCollection(t *testing.T) {
	s := NewEphemeralStore(8, time.Hour)
	now := clock.Now()
	require.NoError(t, s.Put(1, "tabs", now, bso.WriteInput{Id: "a", Payload: strp("1")}))

	s.DeleteCollection(1, "tabs", now+50)

	all, modified := s.GetAll(1, "tabs")
	assert.Len(t, all, 0)
	assert.Equal(t, now+50, modified)
}
