package shi_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/shi"
	"github.com/ledgerwatch/shi/providerkv"
	"github.com/ledgerwatch/shi/storelog"
)

const keySize = 16

func testStoreSettings(dir string) storelog.Settings {
	return storelog.Settings{
		HashTableSize:  16,
		LogPageSize:    1 * datasize.KB,
		LogSegmentSize: 64 * datasize.KB,
		LogMemorySize:  1 * datasize.MB,
		CheckpointDir:  dir,
	}
}

func fixedKey(s string) []byte {
	key := make([]byte, keySize)
	copy(key, s)
	return key
}

type account struct {
	Owner string
	Tag   string
	City  string
}

func byOwner(data shi.ProviderData) ([]byte, bool) {
	a, ok := data.(account)
	if !ok || a.Owner == "" {
		return nil, false
	}
	return fixedKey(a.Owner), true
}

func byTag(data shi.ProviderData) ([]byte, bool) {
	a, ok := data.(account)
	if !ok || a.Tag == "" {
		return nil, false
	}
	return fixedKey(a.Tag), true
}

func byCity(data shi.ProviderData) ([]byte, bool) {
	a, ok := data.(account)
	if !ok || a.City == "" {
		return nil, false
	}
	return fixedKey(a.City), true
}

func newTestIndex(t *testing.T, provider shi.Provider) *shi.SubsetHashIndex {
	t.Helper()
	return shi.New(provider, t.TempDir())
}

func registerOwnerGroup(t *testing.T, x *shi.SubsetHashIndex, dir string) shi.PredicateHandle {
	t.Helper()
	handles, err := x.Register(shi.GroupSpec{
		Name:    "by-owner",
		KeySize: keySize,
		Store:   testStoreSettings(filepath.Join(dir, "by-owner")),
	}, []shi.PredicateSpec{{Name: "owner", Fn: byOwner}})
	require.NoError(t, err)
	require.Len(t, handles, 1)
	return handles[0]
}

// A freshly inserted record is immediately visible to a query on the
// Predicate key it produced.
func TestInsertThenQueryFindsRecord(t *testing.T) {
	dir := t.TempDir()
	kv := providerkv.New()
	x := newTestIndex(t, kv)
	owner := registerOwnerGroup(t, x, dir)

	data := account{Owner: "alice"}
	id := kv.Insert("alice", data)
	require.NoError(t, x.OnInsert(id, data))

	it, err := x.Query1(owner, fixedKey("alice"), shi.QuerySettings{})
	require.NoError(t, err)
	got, ok, err := it.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, got)

	_, ok, err = it.Next(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

// Updating a record to a new owner moves it into the new owner's chain and
// out of the old owner's chain.
func TestUpdateMovesChain(t *testing.T) {
	dir := t.TempDir()
	kv := providerkv.New()
	x := newTestIndex(t, kv)
	owner := registerOwnerGroup(t, x, dir)

	before := account{Owner: "alice"}
	beforeId := kv.Insert("acct1", before)
	require.NoError(t, x.OnInsert(beforeId, before))

	after := account{Owner: "bob"}
	tracker := x.NewChangeTracker(shi.OpReadCopyUpdate)
	require.NoError(t, tracker.SetBeforeData(before, beforeId, false, nil))
	_, _, afterId, _, ok := kv.Update("acct1", after)
	require.True(t, ok)
	tracker.SetAfterData(after, afterId)
	require.NoError(t, x.OnUpdate(tracker))

	it, err := x.Query1(owner, fixedKey("bob"), shi.QuerySettings{})
	require.NoError(t, err)
	got, ok, err := it.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, afterId, got)

	it, err = x.Query1(owner, fixedKey("alice"), shi.QuerySettings{})
	require.NoError(t, err)
	_, ok, err = it.Next(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

// Deleting a record tombstones its chain entries; the record no longer
// satisfies any query.
func TestDeleteTombstonesRecord(t *testing.T) {
	dir := t.TempDir()
	kv := providerkv.New()
	x := newTestIndex(t, kv)
	owner := registerOwnerGroup(t, x, dir)

	data := account{Owner: "carol"}
	id := kv.Insert("carol", data)
	require.NoError(t, x.OnInsert(id, data))

	delId, delData, ok := kv.Delete("carol")
	require.True(t, ok)
	require.Equal(t, id, delId)
	require.NoError(t, x.OnDelete(delId, delData))

	it, err := x.Query1(owner, fixedKey("carol"), shi.QuerySettings{})
	require.NoError(t, err)
	_, ok, err = it.Next(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

// Two independent Predicate groups can be combined with And2: only records
// matching both keys are returned.
func TestTwoGroupAndQuery(t *testing.T) {
	dir := t.TempDir()
	kv := providerkv.New()
	x := newTestIndex(t, kv)
	owner := registerOwnerGroup(t, x, dir)
	tagHandles, err := x.Register(shi.GroupSpec{
		Name:    "by-tag",
		KeySize: keySize,
		Store:   testStoreSettings(filepath.Join(dir, "by-tag")),
	}, []shi.PredicateSpec{{Name: "tag", Fn: byTag}})
	require.NoError(t, err)
	tag := tagHandles[0]

	match := account{Owner: "dave", Tag: "vip"}
	matchId := kv.Insert("dave", match)
	require.NoError(t, x.OnInsert(matchId, match))

	mismatch := account{Owner: "erin", Tag: "vip"}
	mismatchId := kv.Insert("erin", mismatch)
	require.NoError(t, x.OnInsert(mismatchId, mismatch))

	it, err := x.Query2(owner, fixedKey("dave"), tag, fixedKey("vip"), shi.And2, shi.QuerySettings{})
	require.NoError(t, err)
	got, ok, err := it.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, matchId, got)

	_, ok, err = it.Next(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

// Three independent Predicate groups can be combined with And3: only
// records matching all three keys are returned.
func TestThreeGroupAndQuery(t *testing.T) {
	dir := t.TempDir()
	kv := providerkv.New()
	x := newTestIndex(t, kv)
	owner := registerOwnerGroup(t, x, dir)
	tagHandles, err := x.Register(shi.GroupSpec{
		Name:    "by-tag-3",
		KeySize: keySize,
		Store:   testStoreSettings(filepath.Join(dir, "by-tag-3")),
	}, []shi.PredicateSpec{{Name: "tag-3", Fn: byTag}})
	require.NoError(t, err)
	tag := tagHandles[0]
	cityHandles, err := x.Register(shi.GroupSpec{
		Name:    "by-city",
		KeySize: keySize,
		Store:   testStoreSettings(filepath.Join(dir, "by-city")),
	}, []shi.PredicateSpec{{Name: "city", Fn: byCity}})
	require.NoError(t, err)
	city := cityHandles[0]

	match := account{Owner: "ivan", Tag: "vip", City: "ny"}
	matchId := kv.Insert("ivan", match)
	require.NoError(t, x.OnInsert(matchId, match))

	mismatch := account{Owner: "judy", Tag: "vip", City: "sf"}
	mismatchId := kv.Insert("judy", mismatch)
	require.NoError(t, x.OnInsert(mismatchId, mismatch))

	it, err := x.Query3(owner, fixedKey("ivan"), tag, fixedKey("vip"), city, fixedKey("ny"), shi.And3, shi.QuerySettings{})
	require.NoError(t, err)
	got, ok, err := it.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, matchId, got)

	_, ok, err = it.Next(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

// A Predicate registered (in a new Group) after earlier records were
// inserted treats those records as NULL: it holds no entry for them, while
// the earlier Group still finds them.
func TestPredicateAddedLaterSeesNullForOlderRecords(t *testing.T) {
	dir := t.TempDir()
	kv := providerkv.New()
	x := newTestIndex(t, kv)
	owner := registerOwnerGroup(t, x, dir)

	old := account{Owner: "frank", Tag: "vip"}
	oldId := kv.Insert("frank", old)
	require.NoError(t, x.OnInsert(oldId, old))

	lateHandles, err := x.Register(shi.GroupSpec{
		Name:    "by-tag-late",
		KeySize: keySize,
		Store:   testStoreSettings(filepath.Join(dir, "by-tag-late")),
	}, []shi.PredicateSpec{{Name: "tag-late", Fn: byTag}})
	require.NoError(t, err)

	it, err := x.Query1(owner, fixedKey("frank"), shi.QuerySettings{})
	require.NoError(t, err)
	_, ok, err := it.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	it, err = x.Query1(lateHandles[0], fixedKey("vip"), shi.QuerySettings{})
	require.NoError(t, err)
	_, ok, err = it.Next(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

// A query terminates early once TerminationPredicate reports true, without
// visiting the remainder of the chain.
func TestQueryTerminationPredicateStopsEarly(t *testing.T) {
	dir := t.TempDir()
	kv := providerkv.New()
	x := newTestIndex(t, kv)
	owner := registerOwnerGroup(t, x, dir)

	var lastId shi.RecordId
	for i := 0; i < 3; i++ {
		data := account{Owner: "grace"}
		id := kv.Insert("grace", data)
		require.NoError(t, x.OnInsert(id, data))
		lastId = id
	}

	seen := 0
	it, err := x.Query1(owner, fixedKey("grace"), shi.QuerySettings{
		TerminationPredicate: func(shi.RecordId) bool { seen++; return true },
	})
	require.NoError(t, err)
	got, ok, err := it.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, lastId, got)
	require.Equal(t, 1, seen)

	_, ok, err = it.Next(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

// NextAsync delivers the same result Next would, through a channel.
func TestQueryNextAsyncMatchesNext(t *testing.T) {
	dir := t.TempDir()
	kv := providerkv.New()
	x := newTestIndex(t, kv)
	owner := registerOwnerGroup(t, x, dir)

	data := account{Owner: "heidi"}
	id := kv.Insert("heidi", data)
	require.NoError(t, x.OnInsert(id, data))

	it, err := x.Query1(owner, fixedKey("heidi"), shi.QuerySettings{})
	require.NoError(t, err)
	res := <-it.NextAsync(context.Background())
	require.NoError(t, res.Err)
	require.True(t, res.Ok)
	require.Equal(t, id, res.RecordId)

	res = <-it.NextAsync(context.Background())
	require.NoError(t, res.Err)
	require.False(t, res.Ok)
}
