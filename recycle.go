package codalfs

import (
	"encoding/binary"
	"log/slog"
)

// recycleBlock refreshes the physical page holding the given block through
// a RAM scratch buffer: live content is carried over, anything marked for
// deletion is dropped, and the page is erased and rewritten in one step.
// This is the only way a DELETED state (all zero bits) can return to
// UNUSED (all ones) under the flash's monotonic-clear programming rule.
func (fs *FS) recycleBlock(block uint16, blockType int) fsResult {
	page := fs.getPage(block)
	pageSize := fs.nvm.PageSize()
	fs.debug("fs:recycleBlock", slog.Uint64("page", uint64(page)), slog.Uint64("block", uint64(block)))

	scratch := make([]byte, pageSize)
	for i := range scratch {
		scratch[i] = 0xFF
	}

	b := fs.getBlockNumber(page)
	for i := uint16(0); i < fs.blocksPerPage(); i++ {
		write := scratch[uint32(i)*fs.blockSize:]
		state := fs.fileTableRead(b)

		switch {
		case state == fsUnused || state == fsDeleted:
			// Nothing to preserve; the slot stays erased.

		case b == block && blockType == blockTypeDirectory:
			// Carry over only entries still marked VALID, leaving erased
			// slots where invalidated entries used to be.
			for e := uint32(0); e+sizeDirent <= fs.blockSize; e += sizeDirent {
				d, fr := fs.readDirent(fs.addressOfBlock(b) + e)
				if fr != rOK {
					return fr
				}
				if !d.isDeleted() {
					d.encode(write[e:])
				}
			}

		case b < fs.fileSystemTableSize:
			// The block belongs to the file table itself. Copy entries,
			// upcycling DELETED back to UNUSED as we go.
			buf := make([]byte, fs.blockSize)
			if fr := fs.cache.read(fs.addressOfBlock(b), buf); fr != rOK {
				return fr
			}
			for e := uint32(0); e+2 <= fs.blockSize; e += 2 {
				if binary.LittleEndian.Uint16(buf[e:]) != fsDeleted {
					copy(write[e:e+2], buf[e:])
				}
			}

		default:
			// Live file data; copy the block verbatim.
			if fr := fs.cache.read(fs.addressOfBlock(b), write[:fs.blockSize]); fr != rOK {
				return fr
			}
		}
		b++
	}

	// Refresh the physical page, then bring any still-resident cached copy
	// in line with what was just programmed.
	fs.cache.erase(page)
	if err := fs.nvm.Erase(page); err != nil {
		fs.logerror("fs:recycleBlock:erase", slog.String("err", err.Error()))
		return rNoResources
	}
	if err := fs.nvm.Write(page, scratch); err != nil {
		fs.logerror("fs:recycleBlock:write", slog.String("err", err.Error()))
		return rNoResources
	}
	fs.cache.update(page, scratch)
	return rOK
}

// recycleFileTable refreshes every page holding a block marked DELETED,
// then recycles the file table's own pages so their DELETED entries come
// back as UNUSED. Doing the whole table in bulk costs far fewer erase
// cycles than reclaiming block by block.
func (fs *FS) recycleFileTable() fsResult {
	fs.debug("fs:recycleFileTable")
	blocksPerPage := fs.blocksPerPage()

	pageRecycled := false
	for block := uint16(0); block < fs.fileSystemSize; block++ {
		if block%blocksPerPage == 0 {
			pageRecycled = false
		}
		if !pageRecycled && fs.fileTableRead(block) == fsDeleted {
			if fr := fs.recycleBlock(block, blockTypeFile); fr != rOK {
				return fr
			}
			pageRecycled = true
		}
	}

	for block := uint16(0); block < fs.fileSystemTableSize; block += blocksPerPage {
		if fr := fs.recycleBlock(block, blockTypeFileTable); fr != rOK {
			return fr
		}
	}
	return rOK
}
