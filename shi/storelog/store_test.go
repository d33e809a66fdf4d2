package storelog

import (
	"os"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/require"
)

func testSettings(t *testing.T) (Settings, string) {
	t.Helper()
	dir := t.TempDir()
	return Settings{
		HashTableSize:  16,
		LogPageSize:    256 * datasize.B,
		LogSegmentSize: 4 * datasize.KB,
		LogMemorySize:  1 * datasize.MB,
		CheckpointDir:  dir,
	}, dir
}

func TestLogAppendReadRoundTrip(t *testing.T) {
	settings, dir := testSettings(t)
	l, err := OpenLog(dir, settings)
	require.NoError(t, err)
	defer l.Close()

	addrs := make([]Address, 0, 8)
	for i := 0; i < 8; i++ {
		addr, err := l.Append([]byte{byte(i), byte(i + 1)})
		require.NoError(t, err)
		addrs = append(addrs, addr)
	}
	for i, addr := range addrs {
		got, err := l.Read(addr)
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i), byte(i + 1)}, got)
	}
}

func TestLogSealsAcrossSegmentBoundary(t *testing.T) {
	settings, dir := testSettings(t)
	l, err := OpenLog(dir, settings)
	require.NoError(t, err)
	defer l.Close()

	payload := make([]byte, 1024)
	var addrs []Address
	for i := 0; i < 20; i++ {
		addr, err := l.Append(payload)
		require.NoError(t, err)
		addrs = append(addrs, addr)
	}
	require.Greater(t, len(l.segments), 1, "expected the log to roll into multiple segments")

	for _, addr := range addrs {
		got, err := l.Read(addr)
		require.NoError(t, err)
		require.Len(t, got, len(payload))
	}
}

func TestHashTableLinkReturnsPreviousHead(t *testing.T) {
	ht := NewHashTable(8)
	bucket := ht.BucketFor(42)
	require.Equal(t, Address(InvalidAddress), ht.Head(bucket))

	prev, err := ht.Link(bucket, Address(100), func(head Address) Address { return head })
	require.NoError(t, err)
	require.Equal(t, Address(InvalidAddress), prev)
	require.Equal(t, Address(100), ht.Head(bucket))

	prev, err = ht.Link(bucket, Address(200), func(head Address) Address { return head })
	require.NoError(t, err)
	require.Equal(t, Address(100), prev)
	require.Equal(t, Address(200), ht.Head(bucket))
}

func TestStoreCheckpointRecover(t *testing.T) {
	settings, dir := testSettings(t)
	groupDir := dir + "/group"
	require.NoError(t, os.MkdirAll(groupDir, 0o755))

	s, err := Open(groupDir, settings)
	require.NoError(t, err)

	addr, err := s.Log.Append([]byte("hello"))
	require.NoError(t, err)
	bucket := s.Table.BucketFor(7)
	_, err = s.Table.Link(bucket, addr, func(head Address) Address { return head })
	require.NoError(t, err)

	ckptDir := dir + "/ckpt"
	_, err = s.Checkpoint(ckptDir)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(groupDir, settings)
	require.NoError(t, err)
	require.NoError(t, s2.Recover(ckptDir))
	require.Equal(t, addr, s2.Table.Head(bucket))

	got, err := s2.Log.Read(addr)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}
