package codalfs

import (
	"encoding/binary"
	"log/slog"
	"strings"
)

// dirEntry is the in-RAM form of a 24-byte on-flash directory entry.
// On flash, entries are laid out back-to-back across a directory's block
// chain and never straddle a block boundary.
type dirEntry struct {
	name       [filenameLength]byte
	firstBlock uint16
	flags      uint16
	length     uint32
}

func decodeDirent(b []byte) (d dirEntry) {
	copy(d.name[:], b[direntNameOff:])
	d.firstBlock = binary.LittleEndian.Uint16(b[direntFirstBlockOff:])
	d.flags = binary.LittleEndian.Uint16(b[direntFlagsOff:])
	d.length = binary.LittleEndian.Uint32(b[direntLengthOff:])
	return d
}

func (d *dirEntry) encode(b []byte) {
	copy(b[direntNameOff:direntFirstBlockOff], d.name[:])
	binary.LittleEndian.PutUint16(b[direntFirstBlockOff:], d.firstBlock)
	binary.LittleEndian.PutUint16(b[direntFlagsOff:], d.flags)
	binary.LittleEndian.PutUint32(b[direntLengthOff:], d.length)
}

// filename returns the entry's zero-padded name as a string. Erased slots
// (all 0xFF) yield an empty string.
func (d *dirEntry) filename() string {
	i := 0
	for i < len(d.name) && d.name[i] != 0 && d.name[i] != 0xFF {
		i++
	}
	return string(d.name[:i])
}

func (d *dirEntry) isValid() bool {
	return d.flags&direntValidBit != 0 && d.flags&direntFreeBit == 0
}

func (d *dirEntry) isDirectory() bool {
	return d.isValid() && d.flags&direntDirectoryBit != 0
}

func (d *dirEntry) isFree() bool {
	return d.flags == direntFree
}

func (d *dirEntry) isNew() bool {
	return d.flags == direntNew
}

// isDeleted reports whether the entry has been invalidated. Free and NEW
// slots still carry the valid bit from the erased state and do not count.
func (d *dirEntry) isDeleted() bool {
	return d.flags&direntValidBit == 0
}

func (fs *FS) readDirent(address uint32) (dirEntry, fsResult) {
	var buf [sizeDirent]byte
	if fr := fs.cache.read(address, buf[:]); fr != rOK {
		return dirEntry{}, fr
	}
	return decodeDirent(buf[:]), rOK
}

func (fs *FS) writeDirent(address uint32, d *dirEntry) fsResult {
	var buf [sizeDirent]byte
	d.encode(buf[:])
	return fs.cache.write(address, buf[:])
}

// basename returns the filename portion of a (potentially) fully
// qualified path.
func basename(path string) string {
	if i := strings.LastIndexByte(path, separator); i >= 0 {
		return path[i+1:]
	}
	return path
}

// isValidFilename reports whether a path is acceptable: non-empty,
// printable ASCII, no empty components, and every component within the
// fixed name budget. A single "/" names the root directory.
func isValidFilename(name string) bool {
	if len(name) == 0 {
		return false
	}
	if name == string(separator) {
		return true
	}
	if name[len(name)-1] == separator {
		return false
	}
	component := 0
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c < 32 || c > 126 {
			return false
		}
		if c == separator {
			if i > 0 && component == 0 {
				return false // Empty component ("//").
			}
			component = 0
			continue
		}
		component++
		if component > filenameLength {
			return false
		}
	}
	return true
}

// getDirectoryEntry scans the given directory's block chain for a VALID
// entry matching the basename of filename. Returns the entry's flash
// address, or invalidAddress if no such entry exists.
func (fs *FS) getDirectoryEntry(filename string, directory *dirEntry) uint32 {
	fs.trace("dir:getDirectoryEntry", slog.String("filename", filename))
	file := basename(filename)
	entriesPerBlock := fs.blockSize / sizeDirent
	block := directory.firstBlock

	for hops := uint16(0); hops < fs.fileSystemSize; hops++ {
		if block >= fs.fileSystemSize {
			return invalidAddress
		}
		for e := uint32(0); e < entriesPerBlock; e++ {
			address := fs.addressOfBlock(block) + e*sizeDirent
			d, fr := fs.readDirent(address)
			if fr != rOK {
				return invalidAddress
			}
			if d.isValid() && d.filename() == file {
				return address
			}
		}
		block = fs.getNextFileBlock(block)
		if block == fsEOF {
			break
		}
	}
	return invalidAddress
}

// getDirectoryOf resolves the directory holding the named file, walking
// each intermediate path component as a VALID directory entry. Returns the
// address of that directory's own entry; an empty path or bare "/"
// resolves to the root.
func (fs *FS) getDirectoryOf(filename string) uint32 {
	fs.trace("dir:getDirectoryOf", slog.String("filename", filename))
	if filename == "" || filename == string(separator) {
		return fs.rootDirectory
	}

	path := strings.TrimPrefix(filename, string(separator))
	directoryAddress := fs.rootDirectory
	directory, fr := fs.readDirent(directoryAddress)
	if fr != rOK {
		return invalidAddress
	}

	components := strings.Split(path, string(separator))
	for _, component := range components[:len(components)-1] {
		if len(component) == 0 || len(component) > filenameLength {
			return invalidAddress
		}
		address := fs.getDirectoryEntry(component, &directory)
		if address == invalidAddress {
			return invalidAddress
		}
		d, fr := fs.readDirent(address)
		if fr != rOK || !d.isDirectory() {
			return invalidAddress
		}
		directory = d
		directoryAddress = address
	}
	return directoryAddress
}

// resolveEntry resolves a full path to the address of its directory entry.
// The root path resolves to the root directory's own (magic) entry.
func (fs *FS) resolveEntry(path string) uint32 {
	if path == "" || path == string(separator) {
		return fs.rootDirectory
	}
	directoryAddress := fs.getDirectoryOf(path)
	if directoryAddress == invalidAddress {
		return invalidAddress
	}
	directory, fr := fs.readDirent(directoryAddress)
	if fr != rOK {
		return invalidAddress
	}
	return fs.getDirectoryEntry(path, &directory)
}

// createDirectoryEntry chooses a slot for a fresh entry in the given
// directory. Preference order keeps flash churn low: a FREE slot in an
// existing block costs nothing; a DELETED slot costs a page recycle; only
// as a last resort is the directory extended with a newly allocated block.
func (fs *FS) createDirectoryEntry(directoryAddress uint32) uint32 {
	fs.trace("dir:createDirectoryEntry", slog.Uint64("directory", uint64(directoryAddress)))
	directory, fr := fs.readDirent(directoryAddress)
	if fr != rOK {
		return invalidAddress
	}

	emptyAddress := invalidAddress
	invalidSlot := invalidAddress
	var invalidBlock uint16
	entriesPerBlock := fs.blockSize / sizeDirent
	block := directory.firstBlock

scan:
	for hops := uint16(0); hops < fs.fileSystemSize; hops++ {
		if block >= fs.fileSystemSize {
			return invalidAddress
		}
		for e := uint32(0); e < entriesPerBlock; e++ {
			address := fs.addressOfBlock(block) + e*sizeDirent
			d, fr := fs.readDirent(address)
			if fr != rOK {
				return invalidAddress
			}
			if d.isFree() {
				emptyAddress = address
				break scan
			}
			if d.isDeleted() && invalidSlot == invalidAddress {
				invalidSlot = address
				invalidBlock = block
			}
		}
		block = fs.getNextFileBlock(block)
		if block == fsEOF {
			break
		}
	}

	switch {
	case emptyAddress != invalidAddress:
		return emptyAddress

	case invalidSlot != invalidAddress:
		// Reclaim a second-hand slot. The recycle rewrites the page with
		// invalidated entries dropped, leaving this slot erased.
		if fs.recycleBlock(invalidBlock, blockTypeDirectory) != rOK {
			return invalidAddress
		}
		return invalidSlot

	default:
		newBlock := fs.getFreeBlock()
		if newBlock == 0 {
			return invalidAddress
		}
		lastBlock := directory.firstBlock
		for hops := uint16(0); hops < fs.fileSystemSize; hops++ {
			next := fs.getNextFileBlock(lastBlock)
			if next == fsEOF {
				break
			}
			lastBlock = next
		}
		if fs.fileTableWrite(lastBlock, newBlock) != rOK {
			return invalidAddress
		}
		if fs.fileTableWrite(newBlock, fsEOF) != rOK {
			return invalidAddress
		}
		return fs.addressOfBlock(newBlock)
	}
}

// createFile populates a fresh directory entry and first data block for
// the named file or directory. Regular files are written in the NEW state,
// their length pending a flush; directories are complete immediately.
func (fs *FS) createFile(filename string, directoryAddress uint32, isDirectory bool) uint32 {
	fs.trace("dir:createFile", slog.String("filename", filename), slog.Bool("dir", isDirectory))
	direntAddress := fs.createDirectoryEntry(directoryAddress)
	if direntAddress == invalidAddress {
		return invalidAddress
	}

	newBlock := fs.getFreeBlock()
	if newBlock == 0 {
		return invalidAddress
	}

	var d dirEntry
	copy(d.name[:], basename(filename))
	d.firstBlock = newBlock
	if isDirectory {
		// Directories are finalised up front with a fixed length word, so
		// they never need a replacement entry on flush.
		d.flags = direntValidBit | direntDirectoryBit
		d.length = directoryLength
	} else {
		d.flags = direntNew
		d.length = unwrittenLength
	}

	if fs.writeDirent(direntAddress, &d) != rOK {
		return invalidAddress
	}
	if fs.fileTableWrite(newBlock, fsEOF) != rOK {
		return invalidAddress
	}
	return direntAddress
}
