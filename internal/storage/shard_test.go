package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenBackendRoutesByModulo(t *testing.T) {
	dir := t.TempDir()
	backend, err := OpenBackend(BackendConfig{Dir: dir, ShardCount: 4})
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	assert.Equal(t, 4, backend.ShardCount())
	assert.Same(t, backend.Shard(1), backend.Shard(5))
	assert.Same(t, backend.Shard(2), backend.Shard(6))
	assert.NotSame(t, backend.Shard(1), backend.Shard(2))
}

func TestOpenBackendRejectsZeroShards(t *testing.T) {
	_, err := OpenBackend(BackendConfig{Dir: t.TempDir(), ShardCount: 0})
	assert.Error(t, err)
}

func TestPurgeExpiredSumsAcrossShards(t *testing.T) {
	dir := t.TempDir()
	backend, err := OpenBackend(BackendConfig{Dir: dir, ShardCount: 2})
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	n, err := backend.PurgeExpired()
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
