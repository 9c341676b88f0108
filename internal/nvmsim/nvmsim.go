// Package nvmsim provides a RAM-backed NOR flash controller with real NOR
// programming semantics: word-aligned programs that can only clear bits,
// page-granular erases, and byte-granular reads. It records
// monotonic-clear violations and can simulate power loss part way through
// a program sequence.
package nvmsim

import "github.com/pkg/errors"

// Config describes the simulated flash geometry.
type Config struct {
	// Start is the base address of the flash region.
	Start uint32
	// PageSize is the erase granularity in bytes.
	PageSize uint32
	// Size is the total flash size in bytes; must be a multiple of
	// PageSize.
	Size uint32
}

// Violation records a program operation that attempted to set a cleared
// bit without an intervening page erase.
type Violation struct {
	Addr uint32
	Old  byte
	New  byte
}

// Flash is a simulated NOR flash array.
type Flash struct {
	start    uint32
	pageSize uint32
	mem      []byte

	violations []Violation
	eraseCount map[uint32]int

	// cutBudget counts words that may still be programmed before the
	// simulated power cut; negative means unlimited.
	cutBudget int
	cut       bool
}

// New creates a simulated flash with all bits erased.
func New(cfg Config) *Flash {
	if cfg.PageSize == 0 || cfg.Size%cfg.PageSize != 0 {
		panic("nvmsim: size must be a multiple of the page size")
	}
	f := &Flash{
		start:      cfg.Start,
		pageSize:   cfg.PageSize,
		mem:        make([]byte, cfg.Size),
		eraseCount: make(map[uint32]int),
		cutBudget:  -1,
	}
	for i := range f.mem {
		f.mem[i] = 0xFF
	}
	return f
}

func (f *Flash) FlashStart() uint32 { return f.start }
func (f *Flash) FlashEnd() uint32   { return f.start + uint32(len(f.mem)) }
func (f *Flash) FlashSize() uint32  { return uint32(len(f.mem)) }
func (f *Flash) PageSize() uint32   { return f.pageSize }

// Read copies bytes from flash. Reads are byte-granular.
func (f *Flash) Read(dst []byte, addr uint32) error {
	off, err := f.offsetOf(addr, uint32(len(dst)))
	if err != nil {
		return err
	}
	copy(dst, f.mem[off:])
	return nil
}

// Write programs words into flash. Programming can only clear bits; an
// attempted 0->1 transition is recorded as a violation and the cell keeps
// its AND-ed value, as real NOR hardware would. After a scheduled power
// cut, programs are silently lost.
func (f *Flash) Write(addr uint32, src []byte) error {
	if addr%4 != 0 || len(src)%4 != 0 {
		return errors.Errorf("nvmsim: unaligned program addr=%#x len=%d", addr, len(src))
	}
	off, err := f.offsetOf(addr, uint32(len(src)))
	if err != nil {
		return err
	}
	for w := 0; w < len(src); w += 4 {
		if f.cut {
			return nil
		}
		if f.cutBudget == 0 {
			f.cut = true
			return nil
		}
		if f.cutBudget > 0 {
			f.cutBudget--
		}
		for i := w; i < w+4; i++ {
			old := f.mem[off+uint32(i)]
			b := src[i]
			if b&^old != 0 {
				f.violations = append(f.violations, Violation{
					Addr: addr + uint32(i), Old: old, New: b,
				})
			}
			f.mem[off+uint32(i)] = old & b
		}
	}
	return nil
}

// Erase resets a page to all ones.
func (f *Flash) Erase(pageAddr uint32) error {
	if (pageAddr-f.start)%f.pageSize != 0 {
		return errors.Errorf("nvmsim: unaligned erase addr=%#x", pageAddr)
	}
	off, err := f.offsetOf(pageAddr, f.pageSize)
	if err != nil {
		return err
	}
	if f.cut {
		return nil
	}
	for i := uint32(0); i < f.pageSize; i++ {
		f.mem[off+i] = 0xFF
	}
	f.eraseCount[pageAddr]++
	return nil
}

// Remount is a host-side notification; the simulator has nothing to do.
func (f *Flash) Remount() error { return nil }

func (f *Flash) offsetOf(addr, length uint32) (uint32, error) {
	if addr < f.start || addr+length > f.FlashEnd() {
		return 0, errors.Errorf("nvmsim: access out of range addr=%#x len=%d", addr, length)
	}
	return addr - f.start, nil
}

// CutAfterWords schedules a power cut after n more programmed words.
// Subsequent programs and erases are lost until Restore.
func (f *Flash) CutAfterWords(n int) {
	f.cutBudget = n
	f.cut = n == 0
}

// Restore clears a simulated power cut, as if the device rebooted.
func (f *Flash) Restore() {
	f.cut = false
	f.cutBudget = -1
}

// Cut reports whether the scheduled power cut has triggered.
func (f *Flash) Cut() bool { return f.cut }

// Violations returns every recorded monotonic-clear violation.
func (f *Flash) Violations() []Violation { return f.violations }

// EraseCount returns how many times the page at the given address has
// been erased.
func (f *Flash) EraseCount(pageAddr uint32) int { return f.eraseCount[pageAddr] }

// ErasedPages returns the number of distinct pages erased at least once.
func (f *Flash) ErasedPages() int { return len(f.eraseCount) }
