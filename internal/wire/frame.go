// Package wire defines the on-the-wire framing protocol spoken between
// usbexecd and its single peer over the control socket: a fixed 4-byte
// header, per-command payload rules, and the protocol-level constants
// (ring size, slot count, credit width) that the rest of the daemon is
// built around.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Role names one of the four byte streams multiplexed per process slot.
type Role byte

const (
	RoleControl Role = 0
	RoleStdin   Role = 1
	RoleStdout  Role = 2
	RoleStderr  Role = 3
)

// NumRoles is the number of stream roles per process slot.
const NumRoles = 4

// String renders a Role for log lines.
func (r Role) String() string {
	switch r {
	case RoleControl:
		return "ctrl"
	case RoleStdin:
		return "stdin"
	case RoleStdout:
		return "stdout"
	case RoleStderr:
		return "stderr"
	default:
		return "role?"
	}
}

// Outbound reports whether a role carries bytes from peer to child.
// CONTROL and STDIN are outbound-to-child; STDOUT and STDERR are
// inbound-from-child.
func (r Role) Outbound() bool {
	return r == RoleControl || r == RoleStdin
}

// Command codes, spec.md section 6.
const (
	CmdReset      byte = 0x00
	CmdOpen       byte = 0x01
	CmdClose      byte = 0x02
	CmdKill       byte = 0x03
	CmdExitStatus byte = 0x05
	CmdCloseAck   byte = 0x06

	cmdWriteBase byte = 0x10
	cmdAckBase   byte = 0x20
	cmdCloseBase byte = 0x30
)

// CmdWrite returns the WRITE_* command for role.
func CmdWrite(r Role) byte { return cmdWriteBase | byte(r) }

// CmdAck returns the ACK_* command for role.
func CmdAck(r Role) byte { return cmdAckBase | byte(r) }

// CmdCloseStream returns the CLOSE_* per-stream command for role.
func CmdCloseStream(r Role) byte { return cmdCloseBase | byte(r) }

// IsWrite, IsAck and IsCloseStream classify a command byte and recover
// its role. ok is false if cmd is not in the corresponding command
// family.
func IsWrite(cmd byte) (Role, bool) { return classify(cmd, cmdWriteBase) }
func IsAck(cmd byte) (Role, bool)   { return classify(cmd, cmdAckBase) }
func IsCloseStream(cmd byte) (Role, bool) {
	return classify(cmd, cmdCloseBase)
}

func classify(cmd, base byte) (Role, bool) {
	if cmd < base || cmd >= base+NumRoles {
		return 0, false
	}
	return Role(cmd - base), true
}

// Protocol-level size constants, spec.md section 4.1 / 6.
const (
	// RingSize (B) is the capacity of every PipeBuf's ring buffer, and
	// the credit granted on OPEN for each outbound stream.
	RingSize = 4096

	// MaxSlots is the fixed capacity of the process table (the on-wire
	// id is a single byte).
	MaxSlots = 256

	// MaxWriteChunk is the largest payload a single WRITE frame may
	// carry; the header length field is one unsigned byte.
	MaxWriteChunk = 255

	// CreditWidth is the width, in bytes, of the little-endian credit
	// increment carried by ACK frames. Pinned to 4 regardless of host
	// integer width (spec.md section 9, "eliminate platform drift").
	CreditWidth = 4
)

// Header is the fixed 4-byte frame header.
type Header struct {
	Cmd byte
	ID  byte
	Arg byte
	Len byte
}

const HeaderSize = 4

// Encode writes h into buf, which must be at least HeaderSize bytes.
func (h Header) Encode(buf []byte) {
	buf[0] = h.Cmd
	buf[1] = h.ID
	buf[2] = h.Arg
	buf[3] = h.Len
}

// Bytes returns h as a standalone HeaderSize-byte slice.
func (h Header) Bytes() []byte {
	buf := make([]byte, HeaderSize)
	h.Encode(buf)
	return buf
}

// DecodeHeader parses a HeaderSize-byte slice into a Header.
func DecodeHeader(buf []byte) Header {
	return Header{Cmd: buf[0], ID: buf[1], Arg: buf[2], Len: buf[3]}
}

// ReadHeader performs the "block-until-complete read of a 4-byte
// header" of spec.md section 4.2. io.ReadFull already gives us the
// loop-over-short-reads semantics the spec describes for the raw
// socket case; a clean EOF before any header byte is returned as a bare
// io.EOF, while a partial header where the peer has closed its end is
// reported as io.ErrUnexpectedEOF wrapped with errors.Wrap (recover it
// with errors.Cause); both end up on the daemon's fatal path
// (spec.md section 7, class 1).
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if err == io.EOF {
			return Header{}, io.EOF
		}
		return Header{}, errors.Wrap(err, "read frame header")
	}
	return DecodeHeader(buf[:]), nil
}

// WriteFrame writes a complete header, optionally followed by
// payload, as a single atomic frame. A short write is always fatal
// per spec.md section 4.2 ("writing is similarly atomic per frame: a
// partial short write is treated as fatal"); callers surface the
// returned error up to the daemon's fatal-error path.
func WriteFrame(w io.Writer, h Header, payload []byte) error {
	var buf [HeaderSize]byte
	h.Encode(buf[:])
	if _, err := w.Write(buf[:]); err != nil {
		return errors.Wrap(err, "write frame header")
	}
	if len(payload) > 0 {
		n, err := w.Write(payload)
		if err != nil {
			return errors.Wrap(err, "write frame payload")
		}
		if n != len(payload) {
			return errors.Errorf("short write: wrote %d of %d payload bytes", n, len(payload))
		}
	}
	return nil
}

// EncodeCredit renders a credit increment as the CreditWidth-byte
// little-endian payload carried by ACK frames.
func EncodeCredit(n uint32) []byte {
	buf := make([]byte, CreditWidth)
	binary.LittleEndian.PutUint32(buf, n)
	return buf
}

// DecodeCredit parses the CreditWidth-byte little-endian ACK payload.
func DecodeCredit(buf []byte) (uint32, error) {
	if len(buf) != CreditWidth {
		return 0, errors.Errorf("ACK payload must be %d bytes, got %d", CreditWidth, len(buf))
	}
	return binary.LittleEndian.Uint32(buf), nil
}
