package codalfs

import (
	"context"
	"encoding/binary"
	"log/slog"

	"github.com/pkg/errors"
)

// Host control surface opcodes. Byte 0 of the shared command buffer holds
// the opcode; the host writes a command and polls for opSuccess.
const (
	opNoOp      = 0x00
	opPushPatch = 0x01
	opRemount   = 0x02
	opPage      = 0x03 // ERASE_PAGE or PRINT_MESSAGE, per configuration
	opFormatFS  = 0x04
	opSuccess   = 0xFF
)

const (
	commandBufferLength = 256
	// maxPatchLength is the payload budget of a PUSH_PATCH frame: 256
	// bytes minus the 6-byte header.
	maxPatchLength = 250
)

// Opcode3 selects the behaviour of command 0x03, which diverged between
// driver revisions.
type Opcode3 uint8

const (
	// Opcode3ErasePage clears the cache and erases the physical page at
	// the given position within the filesystem region.
	Opcode3ErasePage Opcode3 = iota
	// Opcode3PrintMessage logs the NUL-terminated payload instead.
	Opcode3PrintMessage
)

// InterfaceConfig parametrises the host control surface.
type InterfaceConfig struct {
	Opcode3 Opcode3
	Logger  *slog.Logger
}

// Interface is the host-side control channel: a 256-byte command buffer
// shared with the host, polled each idle tick. Commands run to completion
// before the next is accepted; a handling guard serialises re-entrant
// ticks.
type Interface struct {
	// Buffer is the shared command frame. Byte 0 is the opcode.
	Buffer [commandBufferLength]byte

	fs       *FS // nil selects the process default filesystem
	opcode3  Opcode3
	handling bool
	log      *slog.Logger
}

// NewInterface creates a host control surface bound to the given
// filesystem. Passing nil binds it to the process default at dispatch
// time.
func NewInterface(fs *FS, cfg InterfaceConfig) *Interface {
	m := &Interface{
		fs:      fs,
		opcode3: cfg.Opcode3,
		log:     cfg.Logger,
	}
	m.Buffer[0] = opSuccess
	return m
}

// IdleTick polls the command buffer and dispatches a pending command.
// Call it from the scheduler's idle loop.
func (m *Interface) IdleTick() {
	cmd := m.Buffer[0]
	if m.handling || cmd == opNoOp || cmd == opSuccess {
		return
	}
	m.handling = true
	m.handleCommand()
	m.handling = false
}

func (m *Interface) handleCommand() {
	fs := m.fs
	if fs == nil {
		fs = Default()
	}
	cmd := m.Buffer[0]
	m.trace("webusb:handleCommand", slog.Uint64("cmd", uint64(cmd)))

	if fs == nil {
		m.logerror("webusb:no filesystem")
	} else {
		switch cmd {
		case opPushPatch:
			if err := m.pushPatch(fs); err != nil {
				m.logerror("webusb:pushPatch", slog.String("err", err.Error()))
			}
		case opRemount:
			if err := fs.nvm.Remount(); err != nil {
				m.logerror("webusb:remount", slog.String("err", err.Error()))
			}
		case opPage:
			if m.opcode3 == Opcode3PrintMessage {
				m.printMessage()
			} else if err := m.erasePage(fs); err != nil {
				m.logerror("webusb:erasePage", slog.String("err", err.Error()))
			}
		case opFormatFS:
			if fr := fs.format(); fr != rOK {
				m.logerror("webusb:format", slog.String("err", fr.Error()))
			}
		}
	}

	// Hand the frame back to the host.
	for i := 1; i < commandBufferLength; i++ {
		m.Buffer[i] = 0
	}
	m.Buffer[0] = opSuccess
}

// pushPatch overlays up to 250 bytes at a host-supplied position within
// the filesystem region. The patch window is widened to word alignment,
// read through the cache, overlaid, and staged back.
func (m *Interface) pushPatch(fs *FS) error {
	patchPos := binary.LittleEndian.Uint32(m.Buffer[1:5])
	patchLength := uint32(m.Buffer[5])
	if patchLength > maxPatchLength {
		patchLength = maxPatchLength
	}

	alignedPos := patchPos &^ 3
	posOffset := patchPos - alignedPos
	alignedLength := (posOffset + patchLength + 3) &^ 3

	window := make([]byte, alignedLength)
	address := fs.nvm.FlashStart() + fs.offset + alignedPos
	if fr := fs.cache.read(address, window); fr != rOK {
		return errors.Wrap(fr, "read patch window")
	}
	copy(window[posOffset:posOffset+patchLength], m.Buffer[6:6+patchLength])
	if fr := fs.cache.write(address, window); fr != rOK {
		return errors.Wrap(fr, "write patch window")
	}
	return nil
}

func (m *Interface) erasePage(fs *FS) error {
	pos := binary.LittleEndian.Uint32(m.Buffer[1:5])
	address := fs.nvm.FlashStart() + fs.offset + pos
	pageSize := fs.nvm.PageSize()
	address -= address % pageSize

	if fr := fs.cache.clear(); fr != rOK {
		return errors.Wrap(fr, "clear cache")
	}
	fs.cache.erase(address)
	if err := fs.nvm.Erase(address); err != nil {
		return errors.Wrapf(err, "erase page %#x", address)
	}
	return nil
}

func (m *Interface) printMessage() {
	msg := m.Buffer[1:]
	n := 0
	for n < len(msg) && msg[n] != 0 {
		n++
	}
	if m.log != nil {
		m.log.LogAttrs(context.Background(), slog.LevelInfo, "webusb:message",
			slog.String("message", string(msg[:n])))
	}
}

func (m *Interface) trace(msg string, attrs ...slog.Attr) {
	if m.log != nil {
		m.log.LogAttrs(context.Background(), slogLevelTrace, msg, attrs...)
	}
}

func (m *Interface) logerror(msg string, attrs ...slog.Attr) {
	if m.log != nil {
		m.log.LogAttrs(context.Background(), slog.LevelError, msg, attrs...)
	}
}
