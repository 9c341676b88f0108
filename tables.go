package codalfs

const (
	badFilesystem = "codalfs: bad filesystem"
)

// File table sentinels. Any other value below the filesystem size is the
// index of the next block in a chain.
const (
	fsUnused  uint16 = 0xFFFF // erased and free
	fsDeleted uint16 = 0x0000 // obsolete, page erase required before reuse
	fsEOF     uint16 = 0xEFFF // last block of a chain
)

const (
	sizeDirent     = 24 // On-flash size of a directory entry.
	filenameLength = 16 // Maximum length of a single path component.

	direntNameOff       = 0
	direntFirstBlockOff = 16
	direntFlagsOff      = 18
	direntLengthOff     = 20
)

// Directory entry flag words. The lifecycle is FREE -> NEW -> VALID ->
// DELETED and every transition clears bits only, so it can be realised
// in place on NOR flash without an erase.
const (
	direntValidBit     uint16 = 0x4000 // set on finalised entries
	direntDirectoryBit uint16 = 0x2000 // entry describes a directory
	direntFreeBit      uint16 = 0x8000 // still set until first finalisation

	direntFree    uint16 = 0xFFFF // erased slot
	direntNew     uint16 = 0xFFFE // claimed slot, length not yet written
	direntDeleted uint16 = 0x0000 // invalidated slot
)

const (
	// directoryLength is set in the length word of directory entries; the
	// low bits of the root magic entry carry the filesystem size in blocks.
	directoryLength uint32 = 0x8000_0000
	// unwrittenLength is the length word of a NEW entry (erased flash).
	unwrittenLength uint32 = 0xFFFF_FFFF
)

// magicName is the filename of the first root directory entry. Together
// with the file table sentinel prefix it identifies a formatted filesystem.
const magicName = "CODALFS_V1"

const separator = '/'

// invalidAddress is the internal "not found" sentinel. It never escapes to
// callers of the public API.
const invalidAddress uint32 = 0xFFFF_FFFF

// Block types passed to recycleBlock.
const (
	blockTypeFile = iota
	blockTypeDirectory
	blockTypeFileTable
)

const statusInitialised uint8 = 1 << 0

// File access flags.
const (
	flagRead   uint32 = 1 << iota // open for reading
	flagWrite                     // open for writing
	flagCreate                    // create the file if it does not exist
	flagAppend                    // seek to the end of the file on open
)

// fsResult is the internal operation return code. It implements error so
// the public API can hand it straight back to callers.
type fsResult int

const (
	rOK               fsResult = iota // succeeded
	rNotSupported                     // not mounted, or operation disallowed in current state
	rInvalidParameter                 // bad filename, missing path component, seek out of range
	rNoResources                      // file table exhausted after recycling, or device error
	rNoData                           // no filesystem found on the media
)

func (r fsResult) Error() string {
	return r.String()
}

func (r fsResult) String() string {
	switch r {
	case rOK:
		return "codalfs: ok"
	case rNotSupported:
		return "codalfs: operation not supported"
	case rInvalidParameter:
		return "codalfs: invalid parameter"
	case rNoResources:
		return "codalfs: no resources"
	case rNoData:
		return "codalfs: no filesystem data"
	}
	return badFilesystem
}
