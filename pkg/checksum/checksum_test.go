package checksum

import (
	"hash/crc32"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSumOfBytes(t *testing.T) {
	s := NewSumOfBytes()
	s.Update([]byte{1, 2, 3})
	assert.Equal(t, uint32(6), s.Sum32())

	// Incremental updates accumulate.
	s.Update([]byte{250})
	assert.Equal(t, uint32(256), s.Sum32())

	s.Reset()
	assert.Equal(t, uint32(0), s.Sum32())
}

func TestSumOfBytesMatchesSingleShot(t *testing.T) {
	data := []byte("the quick brown fox")

	var want uint32
	for _, b := range data {
		want += uint32(b)
	}

	s := NewSumOfBytes()
	s.Update(data[:5])
	s.Update(data[5:])
	assert.Equal(t, want, s.Sum32())
}

func TestCRC32(t *testing.T) {
	data := []byte("hello, flash")

	c := NewCRC32()
	c.Update(data)
	assert.Equal(t, crc32.ChecksumIEEE(data), c.Sum32())

	c.Reset()
	c.Update(data[:6])
	c.Update(data[6:])
	assert.Equal(t, crc32.ChecksumIEEE(data), c.Sum32())
}

func TestXXHash(t *testing.T) {
	data := []byte("entry payload bytes")

	x := NewXXHash()
	x.Update(data)
	assert.Equal(t, uint32(xxhash.Sum64(data)), x.Sum32())

	x.Reset()
	x.Update(data)
	assert.Equal(t, uint32(xxhash.Sum64(data)), x.Sum32())
}

func TestHighwayHash(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	h, err := NewHighwayHash(key)
	require.NoError(t, err)

	h.Update([]byte("abc"))
	first := h.Sum32()

	h.Reset()
	h.Update([]byte("abc"))
	assert.Equal(t, first, h.Sum32(), "same input must produce same checksum after reset")

	h.Reset()
	h.Update([]byte("abd"))
	assert.NotEqual(t, first, h.Sum32(), "different input should produce a different checksum")
}

func TestCompute(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	assert.Equal(t, uint32(10), Compute(NewSumOfBytes(), data))

	// A nil algorithm means no checksum; Compute yields zero.
	assert.Equal(t, uint32(0), Compute(nil, data))

	// Compute resets any prior state.
	s := NewSumOfBytes()
	s.Update([]byte{99})
	assert.Equal(t, uint32(10), Compute(s, data))
}
