package codalfs

import (
	"context"
	"log/slog"
)

// cacheLine is a page-sized RAM buffer keyed by page base address.
type cacheLine struct {
	addr   uint32
	page   []byte
	valid  bool
	dirty  bool
	pinned bool
}

// flashCache mediates all filesystem access to the NVM. Reads load whole
// pages on demand; writes are staged into the cached page and written back
// as a word-aligned whole-page program on eviction or flush. The cache
// does not enforce the monotonic-clear invariant; callers only stage
// writes that clear bits, or rewrite whole pages after an erase.
type flashCache struct {
	nvm      NVMController
	pageSize uint32
	lines    []cacheLine
	hand     int
	log      *slog.Logger
}

func (c *flashCache) init(nvm NVMController, nlines int, log *slog.Logger) {
	c.nvm = nvm
	c.pageSize = nvm.PageSize()
	c.log = log
	c.lines = make([]cacheLine, nlines)
	for i := range c.lines {
		c.lines[i].page = make([]byte, c.pageSize)
	}
}

func (c *flashCache) pageBase(addr uint32) uint32 {
	return addr - addr%c.pageSize
}

func (c *flashCache) lookup(base uint32) *cacheLine {
	for i := range c.lines {
		if c.lines[i].valid && c.lines[i].addr == base {
			return &c.lines[i]
		}
	}
	return nil
}

// victim selects a line for reuse, preferring empty lines and never
// touching pinned ones. Returns nil if every line is pinned.
func (c *flashCache) victim() *cacheLine {
	for i := range c.lines {
		if !c.lines[i].valid {
			return &c.lines[i]
		}
	}
	for range c.lines {
		line := &c.lines[c.hand]
		c.hand = (c.hand + 1) % len(c.lines)
		if !line.pinned {
			return line
		}
	}
	return nil
}

// cachePage pulls the page at the given base address into cache memory,
// evicting (and flushing) another page if necessary.
func (c *flashCache) cachePage(base uint32) (*cacheLine, fsResult) {
	if line := c.lookup(base); line != nil {
		return line, rOK
	}
	c.trace("cache:cachePage", slog.Uint64("base", uint64(base)))
	line := c.victim()
	if line == nil {
		return nil, rNoResources
	}
	if line.valid && line.dirty {
		if fr := c.flushLine(line); fr != rOK {
			return nil, fr
		}
	}
	if err := c.nvm.Read(line.page, base); err != nil {
		c.logerror("cache:cachePage:read", slog.String("err", err.Error()))
		line.valid = false
		return nil, rNoResources
	}
	line.addr = base
	line.valid = true
	line.dirty = false
	line.pinned = false
	return line, rOK
}

// read copies n bytes from flash at addr, loading pages on demand.
func (c *flashCache) read(addr uint32, dst []byte) fsResult {
	for len(dst) > 0 {
		base := c.pageBase(addr)
		line, fr := c.cachePage(base)
		if fr != rOK {
			return fr
		}
		n := copy(dst, line.page[addr-base:])
		dst = dst[n:]
		addr += uint32(n)
	}
	return rOK
}

// write stages bytes into the cached page and marks it dirty. No data
// reaches flash until the line is flushed or evicted.
func (c *flashCache) write(addr uint32, src []byte) fsResult {
	for len(src) > 0 {
		base := c.pageBase(addr)
		line, fr := c.cachePage(base)
		if fr != rOK {
			return fr
		}
		n := copy(line.page[addr-base:], src)
		line.dirty = true
		src = src[n:]
		addr += uint32(n)
	}
	return rOK
}

// pin marks the page containing addr as non-evictable.
func (c *flashCache) pin(addr uint32) fsResult {
	line, fr := c.cachePage(c.pageBase(addr))
	if fr != rOK {
		return fr
	}
	line.pinned = true
	return rOK
}

// erase forgets the cached copy of the page containing addr without
// writing it back. Used when the page is about to be physically erased.
// A pinned line stays mapped, so its bytes are reset to the erased
// pattern to keep it in step with the flash; update rehydrates it when
// the page is rewritten.
func (c *flashCache) erase(addr uint32) {
	line := c.lookup(c.pageBase(addr))
	if line == nil {
		return
	}
	line.dirty = false
	if !line.pinned {
		line.valid = false
		return
	}
	for i := range line.page {
		line.page[i] = 0xFF
	}
}

// update refreshes the cached copy of a page from data just programmed to
// flash, leaving the line clean.
func (c *flashCache) update(addr uint32, data []byte) {
	line := c.lookup(c.pageBase(addr))
	if line == nil {
		return
	}
	copy(line.page, data)
	line.dirty = false
}

func (c *flashCache) flushLine(line *cacheLine) fsResult {
	c.trace("cache:flushLine", slog.Uint64("base", uint64(line.addr)))
	if err := c.nvm.Write(line.addr, line.page); err != nil {
		c.logerror("cache:flushLine", slog.String("err", err.Error()))
		return rNoResources
	}
	line.dirty = false
	return rOK
}

// flushAll writes back every dirty line, leaving all lines resident.
func (c *flashCache) flushAll() fsResult {
	for i := range c.lines {
		line := &c.lines[i]
		if line.valid && line.dirty {
			if fr := c.flushLine(line); fr != rOK {
				return fr
			}
		}
	}
	return rOK
}

// clear flushes and drops every non-pinned line.
func (c *flashCache) clear() fsResult {
	for i := range c.lines {
		line := &c.lines[i]
		if !line.valid {
			continue
		}
		if line.dirty {
			if fr := c.flushLine(line); fr != rOK {
				return fr
			}
		}
		if !line.pinned {
			line.valid = false
		}
	}
	return rOK
}

// reset drops every line, pinned or not, without writing anything back.
// Used by format and unmount, where staged state is being abandoned.
func (c *flashCache) reset() {
	for i := range c.lines {
		c.lines[i].valid = false
		c.lines[i].dirty = false
		c.lines[i].pinned = false
	}
}

func (c *flashCache) trace(msg string, attrs ...slog.Attr) {
	if c.log != nil {
		c.log.LogAttrs(context.Background(), slogLevelTrace, msg, attrs...)
	}
}

func (c *flashCache) logerror(msg string, attrs ...slog.Attr) {
	if c.log != nil {
		c.log.LogAttrs(context.Background(), slog.LevelError, msg, attrs...)
	}
}
