package providerkv_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/shi"
	"github.com/ledgerwatch/shi/providerkv"
)

func TestInsertGetUpdateDelete(t *testing.T) {
	kv := providerkv.New()
	ctx := context.Background()

	id := kv.Insert("a", 1)
	data, ok := kv.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, data)

	current, ok, err := kv.CurrentRecordId(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, current)

	key, ok, err := kv.PrimaryKeyOf(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, shi.PrimaryKey("a"), key)

	beforeId, beforeData, afterId, afterData, ok := kv.Update("a", 2)
	require.True(t, ok)
	require.Equal(t, id, beforeId)
	require.Equal(t, 1, beforeData)
	require.Equal(t, 2, afterData)
	require.NotEqual(t, beforeId, afterId)

	tombstoned, err := kv.IsTombstoned(ctx, beforeId)
	require.NoError(t, err)
	require.False(t, tombstoned, "the superseded record itself is not tombstoned, only no longer current")

	delId, delData, ok := kv.Delete("a")
	require.True(t, ok)
	require.Equal(t, afterId, delId)
	require.Equal(t, 2, delData)

	tombstoned, err = kv.IsTombstoned(ctx, delId)
	require.NoError(t, err)
	require.True(t, tombstoned)

	_, ok, err = kv.CurrentRecordId(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEpochEnterExitIsANoOp(t *testing.T) {
	kv := providerkv.New()
	token, err := kv.Epoch().Enter()
	require.NoError(t, err)
	kv.Epoch().Exit(token)
}
