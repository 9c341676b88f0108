package codalfs

import (
	"io"
	"log/slog"
)

// fileDescriptor is the in-RAM state of one open file. Descriptors form a
// singly linked list headed at FS.openFiles.
type fileDescriptor struct {
	id        int
	flags     uint32
	seek      uint32
	length    uint32
	dirent    uint32 // Flash address of the file's directory entry.
	directory uint32 // Flash address of the holding directory's entry.
	next      *fileDescriptor
}

// getFileDescriptor searches the list of open files for the given id,
// optionally unlinking it.
func (fs *FS) getFileDescriptor(fd int, remove bool) *fileDescriptor {
	var prev *fileDescriptor
	for file := fs.openFiles; file != nil; file = file.next {
		if file.id == fd {
			if remove {
				if prev != nil {
					prev.next = file.next
				} else {
					fs.openFiles = file.next
				}
			}
			return file
		}
		prev = file
	}
	return nil
}

// open opens or creates the named file and returns a small-integer handle.
func (fs *FS) open(filename string, flags uint32) (int, fsResult) {
	fs.trace("file:open", slog.String("filename", filename), slog.Uint64("flags", uint64(flags)))
	if fs.status&statusInitialised == 0 {
		return -1, rNotSupported
	}
	if !isValidFilename(filename) {
		return -1, rInvalidParameter
	}

	directoryAddress := fs.getDirectoryOf(filename)
	if directoryAddress == invalidAddress {
		return -1, rInvalidParameter
	}
	directory, fr := fs.readDirent(directoryAddress)
	if fr != rOK {
		return -1, rInvalidParameter
	}

	direntAddress := fs.getDirectoryEntry(filename, &directory)

	// The root directory has no parent; opening "/" yields its own entry.
	if filename == string(separator) {
		direntAddress = directoryAddress
	}

	if direntAddress != invalidAddress {
		// Files may only be opened once.
		for file := fs.openFiles; file != nil; file = file.next {
			if file.dirent == direntAddress {
				return -1, rNotSupported
			}
		}
	} else {
		if flags&flagCreate == 0 {
			return -1, rInvalidParameter
		}
		direntAddress = fs.createFile(filename, directoryAddress, false)
		if direntAddress == invalidAddress {
			return -1, rNoResources
		}
	}

	d, fr := fs.readDirent(direntAddress)
	if fr != rOK {
		return -1, rNoResources
	}

	// Choose the smallest id not in use.
	id := 0
	for taken := true; taken; {
		taken = false
		for file := fs.openFiles; file != nil; file = file.next {
			if file.id == id {
				id++
				taken = true
				break
			}
		}
	}

	file := &fileDescriptor{
		id:        id,
		flags:     flags &^ flagCreate,
		dirent:    direntAddress,
		directory: directoryAddress,
	}
	if !d.isNew() {
		file.length = d.length
	}
	if flags&flagAppend != 0 {
		file.seek = file.length
	}
	file.next = fs.openFiles
	fs.openFiles = file
	return file.id, rOK
}

// read copies up to len(buffer) bytes from the current seek position,
// walking the file's block chain, and advances the seek position by the
// number of bytes copied.
func (fs *FS) read(fd int, buffer []byte) (int, fsResult) {
	fs.trace("file:read", slog.Int("fd", fd), slog.Int("len", len(buffer)))
	if fs.status&statusInitialised == 0 {
		return 0, rNotSupported
	}
	file := fs.getFileDescriptor(fd, false)
	if file == nil || len(buffer) == 0 {
		return 0, rInvalidParameter
	}
	if file.flags&flagRead == 0 {
		return 0, rNotSupported
	}

	size := len(buffer)
	if remain := file.length - file.seek; uint32(size) > remain {
		size = int(remain)
	}

	d, fr := fs.readDirent(file.dirent)
	if fr != rOK {
		return 0, fr
	}
	block, offset := fs.walkToSeek(&d, file.seek)
	if block == fsEOF {
		return 0, rOK
	}

	bytesCopied := 0
	for bytesCopied < size {
		segment := size - bytesCopied
		if max := int(fs.blockSize - offset); segment > max {
			segment = max
		}
		if segment > 0 {
			fr = fs.cache.read(fs.addressOfBlock(block)+offset, buffer[bytesCopied:bytesCopied+segment])
			if fr != rOK {
				return bytesCopied, fr
			}
		}
		bytesCopied += segment
		offset += uint32(segment)

		if offset == fs.blockSize {
			block = fs.getNextFileBlock(block)
			offset = 0
			// Unexpected end of chain; occurs when reading directories as
			// files.
			if block == fsEOF {
				break
			}
		}
	}

	file.seek += uint32(bytesCopied)
	return bytesCopied, rOK
}

// walkToSeek follows the chain from the file's first block until the block
// containing the seek position, returning that block and the byte offset
// into it. The offset may equal the block size when the position sits
// exactly on a block boundary; the copy loops resolve that on their first
// crossing.
func (fs *FS) walkToSeek(d *dirEntry, seek uint32) (block uint16, offset uint32) {
	block = d.firstBlock
	position := uint32(0)
	for hops := uint16(0); seek-position > fs.blockSize && hops < fs.fileSystemSize; hops++ {
		block = fs.getNextFileBlock(block)
		position += fs.blockSize
		if block == fsEOF {
			return fsEOF, 0
		}
	}
	return block, seek - position
}

// writeBuffer copies bytes into the file's chain at the current seek
// position, splicing in freshly allocated blocks as the write crosses the
// end of the chain. Data is staged through the cache; durability comes
// with flush or close.
func (fs *FS) writeBuffer(file *fileDescriptor, buffer []byte) (int, fsResult) {
	d, fr := fs.readDirent(file.dirent)
	if fr != rOK {
		return 0, fr
	}
	block, offset := fs.walkToSeek(&d, file.seek)
	if block == fsEOF {
		return 0, rNoResources
	}

	size := len(buffer)
	bytesCopied := 0
	for bytesCopied < size {
		segment := size - bytesCopied
		if max := int(fs.blockSize - offset); segment > max {
			segment = max
		}
		if segment > 0 {
			fr = fs.cache.write(fs.addressOfBlock(block)+offset, buffer[bytesCopied:bytesCopied+segment])
			if fr != rOK {
				break
			}
		}
		offset += uint32(segment)
		bytesCopied += segment

		if offset == fs.blockSize && bytesCopied < size {
			newBlock := fs.getFreeBlock()
			if newBlock == 0 {
				break
			}
			// Terminate the new block first so an interruption between the
			// two writes never leaves a dangling chain.
			fs.fileTableWrite(newBlock, fsEOF)
			fs.fileTableWrite(block, newBlock)
			block = newBlock
			offset = 0
		}
	}

	if newLength := file.seek + uint32(bytesCopied); newLength > file.length {
		file.length = newLength
	}
	file.seek += uint32(bytesCopied)
	return bytesCopied, rOK
}

func (fs *FS) write(fd int, buffer []byte) (int, fsResult) {
	fs.trace("file:write", slog.Int("fd", fd), slog.Int("len", len(buffer)))
	if fs.status&statusInitialised == 0 {
		return 0, rNotSupported
	}
	file := fs.getFileDescriptor(fd, false)
	if file == nil || len(buffer) == 0 {
		return 0, rInvalidParameter
	}
	if file.flags&flagWrite == 0 {
		return 0, rNotSupported
	}
	return fs.writeBuffer(file, buffer)
}

// seek moves the file position. The resulting position must lie within
// [0, length].
func (fs *FS) seek(fd int, offset int, whence int) (int, fsResult) {
	fs.trace("file:seek", slog.Int("fd", fd), slog.Int("offset", offset), slog.Int("whence", whence))
	if fs.status&statusInitialised == 0 {
		return 0, rNotSupported
	}
	file := fs.getFileDescriptor(fd, false)
	if file == nil {
		return 0, rInvalidParameter
	}

	position := int(file.seek)
	switch whence {
	case io.SeekStart:
		position = offset
	case io.SeekCurrent:
		position = int(file.seek) + offset
	case io.SeekEnd:
		position = int(file.length) + offset
	default:
		return 0, rInvalidParameter
	}

	if position < 0 || uint32(position) > file.length {
		return 0, rInvalidParameter
	}
	file.seek = uint32(position)
	return position, rOK
}

// flush commits the file's state to flash, leaving it open. If the length
// changed and the entry is still NEW, the length and valid flag are
// written in place (both transitions only clear bits). An already-VALID
// entry cannot be updated in place: a replacement entry is written first
// and the old one invalidated after.
func (fs *FS) flush(fd int) fsResult {
	fs.trace("file:flush", slog.Int("fd", fd))
	if fs.status&statusInitialised == 0 {
		return rNotSupported
	}
	file := fs.getFileDescriptor(fd, false)
	if file == nil {
		return rInvalidParameter
	}

	d, fr := fs.readDirent(file.dirent)
	if fr != rOK {
		return fr
	}
	if d.length != file.length && !d.isDirectory() {
		updated := d
		updated.length = file.length

		if d.isNew() {
			updated.flags = direntValidBit
			if fr = fs.writeDirent(file.dirent, &updated); fr != rOK {
				return fr
			}
		} else {
			newDirent := fs.createDirectoryEntry(file.directory)
			if newDirent == invalidAddress {
				return rNoResources
			}
			if fr = fs.writeDirent(newDirent, &updated); fr != rOK {
				return fr
			}
			if fr = fs.invalidateDirent(file.dirent); fr != rOK {
				return fr
			}
			file.dirent = newDirent
		}
	}
	return fs.sync()
}

// invalidateDirent clears the flag word of the entry at the given address
// to DELETED. The slot stays unusable until its page is recycled.
func (fs *FS) invalidateDirent(address uint32) fsResult {
	var buf [2]byte // direntDeleted, little-endian zero.
	return fs.cache.write(address+direntFlagsOff, buf[:])
}

// close flushes and releases the descriptor.
func (fs *FS) close(fd int) fsResult {
	fs.trace("file:close", slog.Int("fd", fd))
	if fr := fs.flush(fd); fr != rOK {
		return fr
	}
	fs.getFileDescriptor(fd, true)
	return rOK
}

// remove deletes the named file. Its chain is marked DELETED in the file
// table and its directory entry invalidated; nothing is erased here.
// Reclamation happens lazily the next time the allocator runs dry.
func (fs *FS) remove(filename string) fsResult {
	fs.trace("file:remove", slog.String("filename", filename))
	fd, fr := fs.open(filename, flagRead)
	if fr != rOK {
		return fr
	}
	file := fs.getFileDescriptor(fd, true)

	d, fr := fs.readDirent(file.dirent)
	if fr != rOK {
		return fr
	}
	// Removing a directory would orphan its children's chains.
	if d.isDirectory() || file.dirent == fs.rootDirectory {
		return rNotSupported
	}
	block := d.firstBlock
	for hops := uint16(0); block != fsEOF && hops < fs.fileSystemSize; hops++ {
		nextBlock := fs.fileTableRead(block)
		if fr = fs.fileTableWrite(block, fsDeleted); fr != rOK {
			return fr
		}
		block = nextBlock
	}

	if fr = fs.invalidateDirent(file.dirent); fr != rOK {
		return fr
	}
	return fs.sync()
}

// createDirectory creates a new directory at the given path. Fails if an
// entry of that name already exists.
func (fs *FS) createDirectory(name string) fsResult {
	fs.trace("file:createDirectory", slog.String("name", name))
	if fs.status&statusInitialised == 0 {
		return rNotSupported
	}
	if !isValidFilename(name) || name == string(separator) {
		return rInvalidParameter
	}

	directoryAddress := fs.getDirectoryOf(name)
	if directoryAddress == invalidAddress {
		return rInvalidParameter
	}
	directory, fr := fs.readDirent(directoryAddress)
	if fr != rOK {
		return rInvalidParameter
	}

	// Files and directories of the same name may not coexist.
	if fs.getDirectoryEntry(name, &directory) != invalidAddress {
		return rInvalidParameter
	}

	if fs.createFile(name, directoryAddress, true) == invalidAddress {
		return rNoResources
	}
	return fs.sync()
}

// readDirectory lists the valid entries of the directory at path.
func (fs *FS) readDirectory(path string) ([]FileInfo, fsResult) {
	fs.trace("file:readDirectory", slog.String("path", path))
	if fs.status&statusInitialised == 0 {
		return nil, rNotSupported
	}
	if !isValidFilename(path) {
		return nil, rInvalidParameter
	}
	address := fs.resolveEntry(path)
	if address == invalidAddress {
		return nil, rInvalidParameter
	}
	d, fr := fs.readDirent(address)
	if fr != rOK {
		return nil, fr
	}
	// The root's magic entry carries no directory bit; it is recognised by
	// address instead.
	if !d.isDirectory() && address != fs.rootDirectory {
		return nil, rInvalidParameter
	}

	var entries []FileInfo
	entriesPerBlock := fs.blockSize / sizeDirent
	block := d.firstBlock
	for hops := uint16(0); hops < fs.fileSystemSize; hops++ {
		if block >= fs.fileSystemSize {
			break
		}
		for e := uint32(0); e < entriesPerBlock; e++ {
			entry, fr := fs.readDirent(fs.addressOfBlock(block) + e*sizeDirent)
			if fr != rOK {
				return entries, fr
			}
			if !entry.isValid() || entry.firstBlock == d.firstBlock {
				// Skip free, pending and invalidated slots, and the
				// self-describing magic entry in the root.
				continue
			}
			info := FileInfo{
				name:  entry.filename(),
				isDir: entry.flags&direntDirectoryBit != 0,
			}
			if !info.isDir && entry.length != unwrittenLength {
				info.size = int64(entry.length)
			}
			entries = append(entries, info)
		}
		block = fs.getNextFileBlock(block)
		if block == fsEOF {
			break
		}
	}
	return entries, rOK
}
