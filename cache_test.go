package codalfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheReadThrough(t *testing.T) {
	dev := newTestDevice()
	var c flashCache
	c.init(dev, 2, nil)

	// Stage some flash content directly.
	want := pattern(16)
	require.NoError(t, dev.Erase(testStart))
	require.NoError(t, dev.Write(testStart+64, want))

	got := make([]byte, 16)
	require.Equal(t, rOK, c.read(testStart+64, got))
	assert.Equal(t, want, got)

	// Reads spanning a page boundary assemble from two lines.
	require.NoError(t, dev.Erase(testStart+testPageSize))
	span := make([]byte, 8)
	require.Equal(t, rOK, c.read(testStart+testPageSize-4, span))
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, span)
}

func TestCacheWriteBackOnEviction(t *testing.T) {
	dev := newTestDevice()
	var c flashCache
	c.init(dev, 2, nil)
	require.NoError(t, dev.Erase(testStart))

	staged := []byte{0x12, 0x34, 0x56, 0x78}
	require.Equal(t, rOK, c.write(testStart, staged))

	// Nothing on flash yet.
	onFlash := make([]byte, 4)
	require.NoError(t, dev.Read(onFlash, testStart))
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, onFlash)

	// Touch two more pages; the dirty page is evicted and written back.
	var scratch [1]byte
	require.Equal(t, rOK, c.read(testStart+testPageSize, scratch[:]))
	require.Equal(t, rOK, c.read(testStart+2*testPageSize, scratch[:]))

	require.NoError(t, dev.Read(onFlash, testStart))
	assert.Equal(t, staged, onFlash)
}

func TestCachePinPreventsEviction(t *testing.T) {
	dev := newTestDevice()
	var c flashCache
	c.init(dev, 2, nil)

	require.Equal(t, rOK, c.pin(testStart))
	var scratch [1]byte
	for page := uint32(1); page < 8; page++ {
		require.Equal(t, rOK, c.read(testStart+page*testPageSize, scratch[:]))
	}
	assert.NotNil(t, c.lookup(testStart), "pinned page was evicted")

	// With a single unpinned line the cache still operates; pinning
	// everything would exhaust it.
	require.Equal(t, rOK, c.pin(testStart+testPageSize))
	_, fr := c.cachePage(testStart + 2*testPageSize)
	assert.Equal(t, rNoResources, fr)
}

func TestCacheEraseDropsStagedWrites(t *testing.T) {
	dev := newTestDevice()
	var c flashCache
	c.init(dev, 2, nil)
	require.NoError(t, dev.Erase(testStart))

	require.Equal(t, rOK, c.write(testStart, []byte{0, 0, 0, 0}))
	c.erase(testStart)
	require.Equal(t, rOK, c.flushAll())

	onFlash := make([]byte, 4)
	require.NoError(t, dev.Read(onFlash, testStart))
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, onFlash, "dropped write reached flash")
}

func TestCacheClearFlushesAndDrops(t *testing.T) {
	dev := newTestDevice()
	var c flashCache
	c.init(dev, 4, nil)
	require.NoError(t, dev.Erase(testStart))
	require.Equal(t, rOK, c.pin(testStart))

	require.Equal(t, rOK, c.write(testStart+4, []byte{1, 2, 3, 4}))
	require.Equal(t, rOK, c.clear())

	onFlash := make([]byte, 4)
	require.NoError(t, dev.Read(onFlash, testStart+4))
	assert.Equal(t, []byte{1, 2, 3, 4}, onFlash)

	// The pinned line survives a clear.
	assert.NotNil(t, c.lookup(testStart))
}
