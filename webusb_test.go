package codalfs

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func issue(t *testing.T, m *Interface, opcode byte, payload []byte) {
	t.Helper()
	for i := 1; i < commandBufferLength; i++ {
		m.Buffer[i] = 0
	}
	copy(m.Buffer[1:], payload)
	m.Buffer[0] = opcode
	m.IdleTick()
	require.Equal(t, byte(opSuccess), m.Buffer[0], "command not acknowledged")
	for i := 1; i < commandBufferLength; i++ {
		require.Zero(t, m.Buffer[i], "frame byte %d not cleared", i)
	}
}

func TestInterfaceIgnoresIdleFrames(t *testing.T) {
	fs, _ := newTestFS(t)
	m := NewInterface(fs, InterfaceConfig{})

	m.IdleTick() // opSuccess: nothing to do.
	assert.Equal(t, byte(opSuccess), m.Buffer[0])

	m.Buffer[0] = opNoOp
	m.IdleTick()
	assert.Equal(t, byte(opNoOp), m.Buffer[0], "NO_OP must not be acknowledged")
}

func TestInterfacePushPatch(t *testing.T) {
	fs, _ := newTestFS(t)
	writeFile(t, fs, "/a.txt", []byte("hello world"))
	m := NewInterface(fs, InterfaceConfig{})

	// Patch the file's data block directly: positions are relative to the
	// filesystem region.
	chain := fileChain(t, fs, "/a.txt")
	pos := uint32(chain[0]) * testBlockSize

	var payload [6 + 5]byte
	binary.LittleEndian.PutUint32(payload[0:4], pos+6) // Unaligned on purpose.
	payload[4] = 5
	copy(payload[5:], "WORLD")
	issue(t, m, opPushPatch, payload[:])

	// The patch is staged through the cache, so the filesystem sees it.
	assert.Equal(t, "hello WORLD", string(readFileAll(t, fs, "/a.txt")))
}

func TestInterfacePatchLengthClamp(t *testing.T) {
	fs, _ := newTestFS(t)
	writeFile(t, fs, "/a.txt", pattern(300))
	m := NewInterface(fs, InterfaceConfig{})

	chain := fileChain(t, fs, "/a.txt")
	pos := uint32(chain[0]) * testBlockSize

	var payload [commandBufferLength - 1]byte
	binary.LittleEndian.PutUint32(payload[0:4], pos)
	payload[4] = 0xFF // Claims more than the frame can carry.
	issue(t, m, opPushPatch, payload[:])

	// Only the clamped window is patched; the bytes past its word-aligned
	// end survive.
	got := readFileAll(t, fs, "/a.txt")
	want := pattern(300)
	assert.NotEqual(t, want[:maxPatchLength], got[:maxPatchLength])
	assert.Equal(t, want[252:], got[252:])
}

func TestInterfaceFormat(t *testing.T) {
	fs, _ := newTestFS(t)
	writeFile(t, fs, "/a.txt", []byte("doomed"))
	m := NewInterface(fs, InterfaceConfig{})

	issue(t, m, opFormatFS, nil)

	entries, err := fs.ReadDir("/")
	require.NoError(t, err)
	assert.Empty(t, entries)
	checkInvariants(t, fs)
}

func TestInterfaceErasePage(t *testing.T) {
	fs, dev := newTestFS(t)
	writeFile(t, fs, "/a.txt", []byte("data"))
	m := NewInterface(fs, InterfaceConfig{Opcode3: Opcode3ErasePage})

	chain := fileChain(t, fs, "/a.txt")
	pos := uint32(chain[0]) * testBlockSize

	var payload [4]byte
	binary.LittleEndian.PutUint32(payload[:], pos)
	issue(t, m, opPage, payload[:])

	page := fs.getPage(chain[0])
	buf := make([]byte, testPageSize)
	require.NoError(t, dev.Read(buf, page))
	for i, b := range buf {
		require.Equal(t, byte(0xFF), b, "page byte %d not erased", i)
	}

	// The erased page also holds the pinned root directory line; reads
	// through the cache must see the erased flash, not stale bytes.
	var cached [sizeDirent]byte
	require.Equal(t, rOK, fs.cache.read(fs.rootDirectory, cached[:]))
	for i, b := range cached {
		require.Equal(t, byte(0xFF), b, "cached root byte %d stale after erase", i)
	}
}

func TestInterfacePrintMessageVariant(t *testing.T) {
	fs, dev := newTestFS(t)
	writeFile(t, fs, "/a.txt", []byte("data"))
	m := NewInterface(fs, InterfaceConfig{Opcode3: Opcode3PrintMessage})

	issue(t, m, opPage, []byte("hello host\x00"))

	// The print variant must not have erased anything.
	chain := fileChain(t, fs, "/a.txt")
	buf := make([]byte, 4)
	require.NoError(t, dev.Read(buf, fs.addressOfBlock(chain[0])))
	assert.Equal(t, []byte("data"), buf)
}

func TestInterfaceDefaultFilesystem(t *testing.T) {
	prev := defaultFileSystem
	defaultFileSystem = nil
	t.Cleanup(func() { defaultFileSystem = prev })

	fs, _ := newTestFS(t)
	require.Same(t, fs, Default())

	writeFile(t, fs, "/a.txt", []byte("doomed"))
	m := NewInterface(nil, InterfaceConfig{}) // Binds to the default.
	issue(t, m, opFormatFS, nil)

	entries, err := fs.ReadDir("/")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInterfaceRemount(t *testing.T) {
	fs, _ := newTestFS(t)
	m := NewInterface(fs, InterfaceConfig{})
	issue(t, m, opRemount, nil)
}
