package shi_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/shi"
	"github.com/ledgerwatch/shi/providerkv"
	"github.com/ledgerwatch/shi/shitest"
)

// TestRandomInsertUpdateDeleteSequenceStaysConsistent fuzzes a sequence of
// insert/update/delete mutations over a handful of primary keys and checks,
// after every mutation, that querying each key's current owner returns the
// key's current RecordId as its first result - the same reconciliation a
// liveness check performs, exercised end to end.
func TestRandomInsertUpdateDeleteSequenceStaysConsistent(t *testing.T) {
	runRandomInsertUpdateDeleteSequence(t)
}

// TestRandomInsertUpdateDeleteSequenceStaysConsistentWithIPUCache runs the
// identical fuzzed sequence with the before-key cache enabled, checking
// that enabling BeforeKeyCache does not disturb the query results. Every
// update here carries a fresh BeforeRecordId, so no cached entry matches
// and each before-key is still evaluated by running the Predicate.
func TestRandomInsertUpdateDeleteSequenceStaysConsistentWithIPUCache(t *testing.T) {
	runRandomInsertUpdateDeleteSequence(t, shi.WithBeforeKeyCache(64*1024))
}

func runRandomInsertUpdateDeleteSequence(t *testing.T, opts ...shi.Option) {
	dir := t.TempDir()
	kv := providerkv.New()
	x := shi.New(kv, dir, opts...)
	owner := registerOwnerGroup(t, x, dir)

	f := shitest.NewFuzzer(42)
	names := []string{"k0", "k1", "k2", "k3", "k4"}
	present := make(map[string]bool, len(names))

	for step := 0; step < 200; step++ {
		name := names[step%len(names)]
		payload := shitest.RandomPayload(f)
		payload.Owner = name + ":" + payload.Tag

		switch {
		case !present[name]:
			id := kv.Insert(shi.PrimaryKey(name), account{Owner: payload.Owner})
			require.NoError(t, x.OnInsert(id, account{Owner: payload.Owner}))
			present[name] = true
		case step%7 == 0:
			id, data, ok := kv.Delete(shi.PrimaryKey(name))
			require.True(t, ok)
			require.NoError(t, x.OnDelete(id, data))
			present[name] = false
		default:
			before, ok := kv.Get(shi.PrimaryKey(name))
			require.True(t, ok)
			beforeId := mustCurrentId(t, kv, name)
			tracker := x.NewChangeTracker(shi.OpReadCopyUpdate)
			require.NoError(t, tracker.SetBeforeData(before, beforeId, false, nil))
			_, _, afterId, afterData, ok := kv.Update(shi.PrimaryKey(name), account{Owner: payload.Owner})
			require.True(t, ok)
			tracker.SetAfterData(afterData, afterId)
			require.NoError(t, x.OnUpdate(tracker))
		}

		for _, k := range names {
			if !present[k] {
				continue
			}
			data, ok := kv.Get(shi.PrimaryKey(k))
			require.True(t, ok)
			a := data.(account)
			it, err := x.Query1(owner, fixedKey(a.Owner), shi.QuerySettings{})
			require.NoError(t, err)
			got, ok, err := it.Next(context.Background())
			require.NoError(t, err)
			require.True(t, ok, "expected a live record for owner %q at step %d", a.Owner, step)
			current, _, err := kv.CurrentRecordId(context.Background(), shi.PrimaryKey(k))
			require.NoError(t, err)
			require.Equal(t, current, got)
		}
	}
}

func mustCurrentId(t *testing.T, kv *providerkv.KV, key string) shi.RecordId {
	t.Helper()
	id, ok, err := kv.CurrentRecordId(context.Background(), shi.PrimaryKey(key))
	require.NoError(t, err)
	require.True(t, ok)
	return id
}
