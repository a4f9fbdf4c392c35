package kvs

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashkv/flashkv/pkg/checksum"
	"github.com/flashkv/flashkv/pkg/entry"
	"github.com/flashkv/flashkv/pkg/flash"
)

const testMagic = 0xc001beef

func sumFormats() entry.Formats {
	return entry.Formats{{Magic: testMagic, Checksum: checksum.NewSumOfBytes()}}
}

// manualOptions mirrors a store with no automatic repair at all.
func manualOptions() *Options {
	opts := NewDefaultOptions()
	opts.GCOnWrite = GCDisabled
	opts.Recovery = RecoveryManual
	return opts
}

// lazyNoGCOptions recovers during Init but never collects during writes.
func lazyNoGCOptions() *Options {
	opts := NewDefaultOptions()
	opts.GCOnWrite = GCDisabled
	opts.Recovery = RecoveryLazy
	return opts
}

// lazyGCOptions is the default embedded configuration.
func lazyGCOptions() *Options {
	opts := NewDefaultOptions()
	opts.GCOnWrite = GCOneSector
	opts.Recovery = RecoveryLazy
	return opts
}

// makeEntry builds the raw flash bytes of one entry the way the store
// writes them: 16-byte alignment, erased-byte padding.
func makeEntry(t *testing.T, f entry.Format, txid uint32, key, value string) []byte {
	t.Helper()
	buf := make([]byte, 512)
	var val []byte
	if value != "" {
		val = []byte(value)
	}
	out, err := entry.Serialize(buf, f, 16, []byte(key), val, txid, 0xff)
	require.NoError(t, err)
	return append([]byte(nil), out...)
}

type fixture struct {
	fake  *flash.Fake
	part  *flash.Partition
	store *Store
}

// newFixture builds a 4-sector, 512-byte, 16-byte-aligned store and
// pre-seeds the raw entries back to back from address zero.
func newFixture(t *testing.T, opts *Options, preseed ...[]byte) *fixture {
	t.Helper()
	fake := flash.NewFake(512, 4, 16)
	part := flash.NewPartition(fake)

	off := 0
	for _, raw := range preseed {
		copy(fake.Buffer()[off:], raw)
		off += len(raw)
	}

	store, err := New(part, sumFormats(), opts)
	require.NoError(t, err)
	return &fixture{fake: fake, part: part, store: store}
}

func (f *fixture) reseed(t *testing.T, preseed ...[]byte) {
	t.Helper()
	require.NoError(t, f.part.EraseAll())
	off := 0
	for _, raw := range preseed {
		copy(f.fake.Buffer()[off:], raw)
		off += len(raw)
	}
}

func TestNewValidation(t *testing.T) {
	fake := flash.NewFake(512, 4, 16)
	part := flash.NewPartition(fake)

	_, err := New(part, entry.Formats{}, nil)
	assert.Error(t, err, "no formats")

	opts := NewDefaultOptions()
	opts.Redundancy = 4
	_, err = New(part, sumFormats(), opts)
	assert.ErrorIs(t, err, ErrInvalidOptions, "redundancy needs a spare sector")

	opts = NewDefaultOptions()
	opts.MaxEntries = 0
	_, err = New(part, sumFormats(), opts)
	assert.ErrorIs(t, err, ErrInvalidOptions)

	_, err = New(part, sumFormats(), nil)
	assert.NoError(t, err)
}

func TestOperationsBeforeInit(t *testing.T) {
	f := newFixture(t, lazyGCOptions())

	_, err := f.store.Get("key", nil)
	assert.ErrorIs(t, err, ErrFailedPrecondition)
	assert.ErrorIs(t, f.store.Put("key", []byte("v")), ErrFailedPrecondition)
	assert.ErrorIs(t, f.store.Delete("key"), ErrFailedPrecondition)
	assert.ErrorIs(t, f.store.FullMaintenance(), ErrFailedPrecondition)
}

func TestInitEmptyPartition(t *testing.T) {
	f := newFixture(t, lazyGCOptions())

	require.NoError(t, f.store.Init())
	assert.True(t, f.store.Initialized())
	assert.True(t, f.store.Empty())
	assert.False(t, f.store.ErrorDetected())

	stats := f.store.StorageStats()
	assert.Equal(t, uint32(0), stats.InUseBytes)
	assert.Equal(t, uint32(0), stats.ReclaimableBytes)
	assert.Equal(t, uint32(3*512), stats.WritableBytes, "one empty sector stays reserved")
}

func TestPutGetRoundTrip(t *testing.T) {
	f := newFixture(t, lazyGCOptions())
	require.NoError(t, f.store.Init())

	longKey := string(make([]byte, entry.MaxKeyLength))
	pairs := map[string]string{
		"k":       "shortest key",
		"key1":    "value1",
		"a_key":   string([]byte{0x00, 0x01, 0xff, 0xfe}),
		longKey:   "long key",
		"sensor7": "28.5C",
	}

	for k, v := range pairs {
		require.NoError(t, f.store.Put(k, []byte(v)))
	}
	assert.Equal(t, len(pairs), f.store.Size())

	buf := make([]byte, 64)
	for k, v := range pairs {
		n, err := f.store.Get(k, buf)
		require.NoError(t, err, "key %q", k)
		assert.Equal(t, len(v), n)
		assert.Equal(t, v, string(buf[:n]))
	}
}

func TestGetTruncatesButReportsFullSize(t *testing.T) {
	f := newFixture(t, lazyGCOptions())
	require.NoError(t, f.store.Init())

	require.NoError(t, f.store.Put("key", []byte("a long value here")))

	small := make([]byte, 6)
	n, err := f.store.Get("key", small)
	require.NoError(t, err)
	assert.Equal(t, 17, n, "full value size even when truncated")
	assert.Equal(t, "a long", string(small))
}

func TestGetAt(t *testing.T) {
	f := newFixture(t, lazyGCOptions())
	require.NoError(t, f.store.Init())
	require.NoError(t, f.store.Put("key", []byte("0123456789")))

	buf := make([]byte, 64)
	n, err := f.store.GetAt("key", buf, 4)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "456789", string(buf[:6]))

	n, err = f.store.GetAt("key", buf, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = f.store.GetAt("key", buf, 11)
	assert.ErrorIs(t, err, flash.ErrOutOfRange)
}

func TestValueSize(t *testing.T) {
	f := newFixture(t, lazyGCOptions())
	require.NoError(t, f.store.Init())
	require.NoError(t, f.store.Put("key", []byte("value1")))

	n, err := f.store.ValueSize("key")
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	_, err = f.store.ValueSize("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutRejectsBadArguments(t *testing.T) {
	f := newFixture(t, lazyGCOptions())
	require.NoError(t, f.store.Init())

	assert.ErrorIs(t, f.store.Put("", []byte("v")), flash.ErrInvalidArgument)
	assert.ErrorIs(t, f.store.Put(string(make([]byte, 128)), []byte("v")), flash.ErrInvalidArgument)
	assert.ErrorIs(t, f.store.Put("key", nil), flash.ErrInvalidArgument,
		"zero-length records are tombstones")
	assert.ErrorIs(t, f.store.Put("key", make([]byte, 600)), flash.ErrInvalidArgument,
		"entry larger than a sector")
}

func TestPutUpdatesValue(t *testing.T) {
	f := newFixture(t, lazyGCOptions())
	require.NoError(t, f.store.Init())

	for i := 0; i < 10; i++ {
		require.NoError(t, f.store.Put("counter", []byte(fmt.Sprintf("count %d", i))))
	}
	assert.Equal(t, 1, f.store.Size())

	buf := make([]byte, 64)
	n, err := f.store.Get("counter", buf)
	require.NoError(t, err)
	assert.Equal(t, "count 9", string(buf[:n]))

	stats := f.store.StorageStats()
	assert.Equal(t, uint32(32), stats.InUseBytes, "only the latest version is live")
	assert.Equal(t, uint32(9*32), stats.ReclaimableBytes)
}

func TestDeleteLifecycle(t *testing.T) {
	f := newFixture(t, lazyGCOptions())
	require.NoError(t, f.store.Init())

	require.NoError(t, f.store.Put("key", []byte("value")))
	require.NoError(t, f.store.Delete("key"))

	_, err := f.store.Get("key", make([]byte, 16))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, f.store.Size())
	assert.True(t, f.store.Empty())

	assert.ErrorIs(t, f.store.Delete("key"), ErrNotFound, "double delete")
	assert.ErrorIs(t, f.store.Delete("never"), ErrNotFound)

	// The key can come back.
	require.NoError(t, f.store.Put("key", []byte("restored")))
	buf := make([]byte, 16)
	n, err := f.store.Get("key", buf)
	require.NoError(t, err)
	assert.Equal(t, "restored", string(buf[:n]))
}

func TestDeletePersistsAfterInit(t *testing.T) {
	f := newFixture(t, lazyGCOptions())
	require.NoError(t, f.store.Init())

	require.NoError(t, f.store.Put("kEy", []byte("value")))
	require.NoError(t, f.store.Put("kEy2", []byte("value2")))
	require.NoError(t, f.store.Delete("kEy"))

	require.NoError(t, f.store.Init())

	_, err := f.store.Get("kEy", make([]byte, 16))
	assert.ErrorIs(t, err, ErrNotFound, "tombstone survives reinitialization")
	assert.Equal(t, 1, f.store.Size())

	buf := make([]byte, 16)
	n, err := f.store.Get("kEy2", buf)
	require.NoError(t, err)
	assert.Equal(t, "value2", string(buf[:n]))
}

func TestMaintenanceDropsTombstones(t *testing.T) {
	f := newFixture(t, lazyGCOptions())
	require.NoError(t, f.store.Init())

	for i := 0; i < 4; i++ {
		require.NoError(t, f.store.Put(fmt.Sprintf("key%d", i), []byte("value")))
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, f.store.Delete(fmt.Sprintf("key%d", i)))
	}
	assert.Equal(t, 0, f.store.Size())

	require.NoError(t, f.store.FullMaintenance())
	assert.Equal(t, 0, f.store.Size())

	stats := f.store.StorageStats()
	assert.Equal(t, uint32(0), stats.InUseBytes, "tombstones dropped")
	assert.Equal(t, uint32(0), stats.ReclaimableBytes)

	// Nothing resurrects across a rescan.
	require.NoError(t, f.store.Init())
	assert.Equal(t, 0, f.store.Size())
}

func TestMaintenanceIdempotent(t *testing.T) {
	f := newFixture(t, lazyGCOptions())
	require.NoError(t, f.store.Init())

	for i := 0; i < 8; i++ {
		require.NoError(t, f.store.Put("churn", []byte(fmt.Sprintf("v%d", i))))
	}
	require.NoError(t, f.store.Put("stable", []byte("value")))
	require.NoError(t, f.store.Delete("churn"))

	require.NoError(t, f.store.FullMaintenance())
	first := f.store.StorageStats()

	require.NoError(t, f.store.FullMaintenance())
	assert.Equal(t, first, f.store.StorageStats(), "second maintenance pass changes nothing")
}

func TestEach(t *testing.T) {
	f := newFixture(t, lazyGCOptions())
	require.NoError(t, f.store.Init())

	want := map[string]bool{"alpha": true, "beta": true, "gamma": true}
	for k := range want {
		require.NoError(t, f.store.Put(k, []byte("x")))
	}
	require.NoError(t, f.store.Put("doomed", []byte("x")))
	require.NoError(t, f.store.Delete("doomed"))

	seen := make(map[string]bool)
	require.NoError(t, f.store.Each(func(key []byte) bool {
		seen[string(key)] = true
		return true
	}))
	assert.Equal(t, want, seen, "deleted keys are not visited")

	// Early stop.
	visits := 0
	require.NoError(t, f.store.Each(func(key []byte) bool {
		visits++
		return false
	}))
	assert.Equal(t, 1, visits)
}

func TestFillSectorsWithoutGC(t *testing.T) {
	f := newFixture(t, lazyNoGCOptions())
	require.NoError(t, f.store.Init())

	// 32-byte entries fill three sectors; the fourth stays reserved.
	for i := 0; i < 48; i++ {
		require.NoError(t, f.store.Put("key", []byte(fmt.Sprintf("fill %02d", i))), "put %d", i)
	}

	err := f.store.Put("key", []byte("one more"))
	assert.ErrorIs(t, err, ErrResourceExhausted,
		"the last empty sector is reserved for compaction")

	buf := make([]byte, 16)
	n, gerr := f.store.Get("key", buf)
	require.NoError(t, gerr)
	assert.Equal(t, "fill 47", string(buf[:n]), "failed put does not clobber the live value")
}

func TestGCOnWriteReclaimsSpace(t *testing.T) {
	f := newFixture(t, lazyGCOptions())
	require.NoError(t, f.store.Init())

	// Far more updates than fit without collection.
	for i := 0; i < 100; i++ {
		require.NoError(t, f.store.Put("key", []byte(fmt.Sprintf("fill %03d", i))), "put %d", i)
	}

	buf := make([]byte, 16)
	n, err := f.store.Get("key", buf)
	require.NoError(t, err)
	assert.Equal(t, "fill 099", string(buf[:n]))
	assert.Equal(t, 1, f.store.Size())
}

func TestResourceExhaustedWhenIndexFull(t *testing.T) {
	opts := lazyGCOptions()
	opts.MaxEntries = 2
	f := newFixture(t, opts)
	require.NoError(t, f.store.Init())

	require.NoError(t, f.store.Put("one", []byte("1")))
	require.NoError(t, f.store.Put("two", []byte("2")))
	assert.ErrorIs(t, f.store.Put("three", []byte("3")), ErrResourceExhausted)

	// Updates to existing keys still work.
	require.NoError(t, f.store.Put("one", []byte("1!")))
}

func TestReinitPreservesData(t *testing.T) {
	f := newFixture(t, lazyGCOptions())
	require.NoError(t, f.store.Init())

	for i := 0; i < 10; i++ {
		require.NoError(t, f.store.Put(fmt.Sprintf("key%d", i), []byte(fmt.Sprintf("value%d", i))))
	}

	require.NoError(t, f.store.Init())
	assert.Equal(t, 10, f.store.Size())

	buf := make([]byte, 32)
	for i := 0; i < 10; i++ {
		n, err := f.store.Get(fmt.Sprintf("key%d", i), buf)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("value%d", i), string(buf[:n]))
	}
}

func TestReadOnlyPartition(t *testing.T) {
	fake := flash.NewFake(512, 4, 16)
	seed := makeEntry(t, sumFormats().Primary(), 1, "key1", "value1")
	copy(fake.Buffer(), seed)

	part, err := flash.NewSubPartition(fake, 0, 4, 16, true)
	require.NoError(t, err)
	store, err := New(part, sumFormats(), lazyNoGCOptions())
	require.NoError(t, err)

	require.NoError(t, store.Init())

	buf := make([]byte, 16)
	n, err := store.Get("key1", buf)
	require.NoError(t, err)
	assert.Equal(t, "value1", string(buf[:n]))

	assert.ErrorIs(t, store.Put("key1", []byte("nope")), flash.ErrPermissionDenied)
	assert.ErrorIs(t, store.Delete("key1"), flash.ErrPermissionDenied)
}

func TestStorageStatsAfterWrites(t *testing.T) {
	f := newFixture(t, lazyGCOptions())
	require.NoError(t, f.store.Init())

	require.NoError(t, f.store.Put("key1", []byte("value1")))
	require.NoError(t, f.store.Put("k2", []byte("value2")))

	stats := f.store.StorageStats()
	assert.Equal(t, uint32(64), stats.InUseBytes)
	assert.Equal(t, uint32(0), stats.ReclaimableBytes)
	assert.Equal(t, uint32(448+2*512), stats.WritableBytes,
		"both entries pack into the first sector; one empty sector reserved")
}

func TestMetricsCounters(t *testing.T) {
	f := newFixture(t, lazyGCOptions())
	require.NoError(t, f.store.Init())
	require.NoError(t, f.store.Put("key", []byte("value")))
	_, err := f.store.Get("key", make([]byte, 16))
	require.NoError(t, err)

	m := f.store.Metrics()
	assert.Equal(t, uint64(1), m["init_ops"])
	assert.Equal(t, uint64(1), m["put_ops"])
	assert.Equal(t, uint64(1), m["get_ops"])
	assert.NotZero(t, m["total_bytes_written"])
}
