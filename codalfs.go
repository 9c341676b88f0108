package codalfs

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"math/bits"
)

// NVMController is the raw non-volatile memory driver the filesystem is
// layered over. It exposes page-granular erase, word-granular program and
// byte-granular read over a linear address range. Write addresses and
// lengths must be word (4-byte) aligned; Erase addresses must be
// page-aligned.
type NVMController interface {
	FlashStart() uint32
	FlashEnd() uint32
	FlashSize() uint32
	PageSize() uint32
	Erase(pageAddr uint32) error
	Read(dst []byte, addr uint32) error
	Write(addr uint32, src []byte) error
	Remount() error
}

// Config parametrises a filesystem instance.
type Config struct {
	// BlockSize is the logical block size in bytes. Must be a power of two
	// no larger than the controller's page size.
	BlockSize int
	// Offset reserves bytes at the start of flash before the filesystem
	// region, e.g. for a landing header. Must be a multiple of the page
	// size. The filesystem owns [FlashStart()+Offset, FlashEnd()).
	Offset uint32
	// CacheLines is the number of page-sized cache buffers. Defaults to 4;
	// minimum 2 (the root directory page stays pinned).
	CacheLines int
	// Logger receives structured trace/debug output. Nil disables logging.
	Logger *slog.Logger
}

// FS is an embedded filesystem over raw NOR flash. All flash access is
// mediated by a small write-back page cache; durable state changes are
// framed as bit-clearing writes or whole-page rewrites so that the flash's
// monotonic-clear programming constraint is never violated.
//
// FS is not safe for concurrent use; callers serialise access (the host
// command surface in this package does so with a handling guard).
type FS struct {
	nvm   NVMController
	cache flashCache
	log   *slog.Logger

	blockSize uint32
	offset    uint32

	fileSystemSize      uint16 // Size of the filesystem in logical blocks.
	fileSystemTableSize uint16 // Blocks occupied by the file table itself.
	lastBlockAllocated  uint16 // Round-robin wear spreading state.
	rootDirectory       uint32 // Address of the root directory block.

	openFiles *fileDescriptor
	status    uint8
}

// defaultFileSystem is established at construction of the first instance
// and consumed by the host command dispatcher.
var defaultFileSystem *FS

// Default returns the process-wide default filesystem, or nil if none has
// been constructed yet.
func Default() *FS {
	return defaultFileSystem
}

var (
	errNilController = errors.New("codalfs: nil NVM controller")
	errBlockSize     = errors.New("codalfs: block size must be a power of two no larger than the page size")
	errOffset        = errors.New("codalfs: offset must be a page-aligned size smaller than the flash region")
)

// New mounts an existing filesystem on nvm, or formats a fresh one if no
// valid filesystem is found. The first instance constructed becomes the
// process default used by the host command surface.
func New(nvm NVMController, cfg Config) (*FS, error) {
	if nvm == nil {
		return nil, errNilController
	}
	bs := cfg.BlockSize
	ps := nvm.PageSize()
	if bs <= 0 || bits.OnesCount(uint(bs)) != 1 || uint32(bs) > ps {
		return nil, errBlockSize
	}
	if cfg.Offset%ps != 0 || cfg.Offset >= nvm.FlashSize() {
		return nil, errOffset
	}
	lines := cfg.CacheLines
	if lines == 0 {
		lines = 4
	}
	if lines < 2 {
		return nil, errors.New("codalfs: need at least two cache lines")
	}
	fs := &FS{
		nvm:       nvm,
		log:       cfg.Logger,
		blockSize: uint32(bs),
		offset:    cfg.Offset,
	}
	fs.cache.init(nvm, lines, cfg.Logger)
	if fr := fs.init(); fr != rOK {
		return nil, fr
	}
	if defaultFileSystem == nil {
		defaultFileSystem = fs
	}
	return fs, nil
}

// init loads an existing filesystem if one exists, and formats the flash
// region otherwise.
func (fs *FS) init() fsResult {
	if fs.status&statusInitialised != 0 {
		return rNotSupported
	}
	if fs.nvm.FlashSize() <= fs.offset {
		return rInvalidParameter
	}
	fs.lastBlockAllocated = 0
	fs.rootDirectory = invalidAddress
	fs.openFiles = nil

	fs.debug("fs:init")
	if fs.load() != rOK {
		fs.info("fs:init:no filesystem found, formatting")
		if fr := fs.format(); fr != rOK {
			return fr
		}
	}
	fs.status |= statusInitialised
	return rOK
}

// load attempts to detect and mount an existing filesystem. A valid
// filesystem has its first T file table entries all equal to T, followed
// by a root directory block starting with the magic entry.
func (fs *FS) load() fsResult {
	fs.trace("fs:load")
	regionBlocks := (fs.nvm.FlashSize() - fs.offset) / fs.blockSize
	rootOffset := fs.fileTableRead(0)
	if rootOffset == 0 || uint32(rootOffset) >= regionBlocks {
		return rNoData
	}
	for i := uint16(0); i < rootOffset; i++ {
		if fs.fileTableRead(i) != rootOffset {
			fs.debug("fs:load:file table corrupted", slog.Uint64("index", uint64(i)))
			return rNoData
		}
	}

	root, fr := fs.readDirent(fs.addressOfBlock(rootOffset))
	if fr != rOK {
		return rNoData
	}
	if root.filename() != magicName || !root.isValid() || root.length&directoryLength == 0 {
		fs.debug("fs:load:invalid magic", slog.String("name", root.filename()))
		return rNoData
	}

	fs.fileSystemSize = uint16(root.length &^ directoryLength)
	if uint32(fs.fileSystemSize) > regionBlocks {
		return rNoData
	}
	fs.fileSystemTableSize = fs.calculateFileTableSize()
	if fs.fileSystemTableSize != rootOffset {
		return rNoData
	}

	// Keep the root directory resident for the lifetime of the mount.
	fs.rootDirectory = fs.addressOfBlock(rootOffset)
	if fr := fs.cache.pin(fs.rootDirectory); fr != rOK {
		return rNoData
	}
	return rOK
}

// format initialises a fresh filesystem across the flash region. Only the
// pages covering the file table and root directory are erased eagerly;
// data pages are erased lazily on first use by the allocator.
func (fs *FS) format() fsResult {
	fs.debug("fs:format", slog.Uint64("pageSize", uint64(fs.nvm.PageSize())))
	fs.fileSystemSize = uint16((fs.nvm.FlashSize() - fs.offset) / fs.blockSize)
	fs.fileSystemTableSize = fs.calculateFileTableSize()
	fs.openFiles = nil
	fs.cache.reset()

	blocksPerPage := uint16(fs.nvm.PageSize() / fs.blockSize)
	for b := uint16(0); b < fs.fileSystemTableSize+1; b += blocksPerPage {
		if err := fs.nvm.Erase(fs.getPage(b)); err != nil {
			fs.logerror("fs:format:erase", slog.String("err", err.Error()))
			return rNoResources
		}
	}

	// Mark the file table blocks themselves as used. The sentinel value
	// doubles as the mount-time validity check.
	for block := uint16(0); block < fs.fileSystemTableSize; block++ {
		if fr := fs.fileTableWrite(block, fs.fileSystemTableSize); fr != rOK {
			return fr
		}
	}

	// Create the root directory.
	if fr := fs.fileTableWrite(fs.fileSystemTableSize, fsEOF); fr != rOK {
		return fr
	}

	// Store the magic entry in the first root directory slot. Its length
	// word records the filesystem size for later mounts.
	var magic dirEntry
	copy(magic.name[:], magicName)
	magic.firstBlock = fs.fileSystemTableSize
	magic.flags = direntValidBit
	magic.length = directoryLength | uint32(fs.fileSystemSize)

	fs.rootDirectory = fs.addressOfBlock(fs.fileSystemTableSize)
	if fr := fs.writeDirent(fs.rootDirectory, &magic); fr != rOK {
		return fr
	}
	if fr := fs.cache.pin(fs.rootDirectory); fr != rOK {
		return fr
	}
	return fs.cache.flushAll()
}

// calculateFileTableSize returns the number of logical blocks required to
// hold the file table.
func (fs *FS) calculateFileTableSize() uint16 {
	size := uint16(uint32(fs.fileSystemSize) * 2 / fs.blockSize)
	if uint32(fs.fileSystemSize)*2%fs.blockSize != 0 {
		size++
	}
	return size
}

// fileTableRead retrieves the value of the file table at the given index,
// reading through the cache.
func (fs *FS) fileTableRead(index uint16) uint16 {
	var buf [2]byte
	if fs.cache.read(fs.fatAddress(index), buf[:]) != rOK {
		return fsEOF
	}
	return binary.LittleEndian.Uint16(buf[:])
}

// fileTableWrite updates a file table entry. The new value must be a
// bitwise subset of the current one unless the containing page has been
// erased; callers uphold that invariant.
func (fs *FS) fileTableWrite(block, value uint16) fsResult {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	return fs.cache.write(fs.fatAddress(block), buf[:])
}

// getNextFileBlock retrieves the next block in a chain.
func (fs *FS) getNextFileBlock(block uint16) uint16 {
	return fs.fileTableRead(block)
}

func (fs *FS) fatAddress(index uint16) uint32 {
	return fs.nvm.FlashStart() + fs.offset + uint32(index)*2
}

// addressOfBlock determines the flash address of the start of a block.
func (fs *FS) addressOfBlock(block uint16) uint32 {
	return fs.nvm.FlashStart() + fs.offset + uint32(block)*fs.blockSize
}

// getBlockNumber determines the logical block containing an address.
func (fs *FS) getBlockNumber(address uint32) uint16 {
	return uint16((address - fs.nvm.FlashStart() - fs.offset) / fs.blockSize)
}

// getPage returns the address of the physical erase-page holding a block.
func (fs *FS) getPage(block uint16) uint32 {
	address := fs.addressOfBlock(block)
	return address - address%fs.nvm.PageSize()
}

func (fs *FS) blocksPerPage() uint16 {
	return uint16(fs.nvm.PageSize() / fs.blockSize)
}

// getFreeBlock allocates a free logical block. Allocation starts
// immediately after the last block allocated and wraps around the
// filesystem space, spreading wear round-robin. Returns zero if no space
// is available (block zero always belongs to the file table).
func (fs *FS) getFreeBlock() uint16 {
	fs.trace("fs:getFreeBlock")
	var deletedBlock uint16
	blocksPerPage := fs.blocksPerPage()

	for i := uint16(1); i < fs.fileSystemSize; i++ {
		block := (fs.lastBlockAllocated + i) % fs.fileSystemSize
		b := fs.fileTableRead(block)
		if b == fsUnused {
			fs.lastBlockAllocated = block

			// If this is the first block used on a page marked entirely
			// free, erase the physical page before use. A stale cached
			// copy must not survive the erase.
			firstBlock := block - block%blocksPerPage
			needErase := true
			for p := firstBlock; p < firstBlock+blocksPerPage; p++ {
				if fs.fileTableRead(p) != fsUnused {
					needErase = false
					break
				}
			}
			if needErase {
				fs.cache.erase(fs.getPage(block))
				if err := fs.nvm.Erase(fs.getPage(block)); err != nil {
					fs.logerror("fs:getFreeBlock:erase", slog.String("err", err.Error()))
					return 0
				}
			}
			return block
		}
		if b == fsDeleted {
			deletedBlock = block
		}
	}

	// No UNUSED blocks left; recycle one marked DELETED if possible.
	// Recycling the file table in bulk upcycles every DELETED entry back
	// to UNUSED, so this is done once rather than block by block.
	block := deletedBlock
	if block != 0 {
		fs.recycleFileTable()
		fs.lastBlockAllocated = block
	}
	return block
}

// sync commits all staged cache state to flash.
func (fs *FS) sync() fsResult {
	fs.trace("fs:sync")
	return fs.cache.flushAll()
}

const slogLevelTrace = slog.LevelDebug - 2

func (fs *FS) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if fs.log != nil {
		fs.log.LogAttrs(context.Background(), level, msg, attrs...)
	}
}

func (fs *FS) trace(msg string, attrs ...slog.Attr) {
	fs.logattrs(slogLevelTrace, msg, attrs...)
}
func (fs *FS) debug(msg string, attrs ...slog.Attr) {
	fs.logattrs(slog.LevelDebug, msg, attrs...)
}
func (fs *FS) info(msg string, attrs ...slog.Attr) {
	fs.logattrs(slog.LevelInfo, msg, attrs...)
}
func (fs *FS) warn(msg string, attrs ...slog.Attr) {
	fs.logattrs(slog.LevelWarn, msg, attrs...)
}
func (fs *FS) logerror(msg string, attrs ...slog.Attr) {
	fs.logattrs(slog.LevelError, msg, attrs...)
}
