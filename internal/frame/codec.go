// Package frame implements the Oblique control-channel wire codec: a
// fixed 13-byte header followed by an opaque payload, tolerant of
// arbitrary stream segmentation.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic identifies an Oblique frame header.
const Magic uint32 = 0xBACCAA73

// HeaderLen is the fixed header size: MAGIC(4) | CMD(1) | SID(4) | LEN(4).
const HeaderLen = 13

// Command identifies the purpose of a frame.
type Command byte

const (
	CmdInit    Command = 0x01
	CmdOpen    Command = 0x02
	CmdData    Command = 0x03
	CmdDead    Command = 0x04
	CmdBeat    Command = 0xAA
	CmdInvalid Command = 0xF0
)

func (c Command) valid() bool {
	switch c {
	case CmdInit, CmdOpen, CmdData, CmdDead, CmdBeat, CmdInvalid:
		return true
	default:
		return false
	}
}

func (c Command) String() string {
	switch c {
	case CmdInit:
		return "INIT"
	case CmdOpen:
		return "OPEN"
	case CmdData:
		return "DATA"
	case CmdDead:
		return "DEAD"
	case CmdBeat:
		return "BEAT"
	case CmdInvalid:
		return "INVALID"
	default:
		return fmt.Sprintf("CMD(0x%02x)", byte(c))
	}
}

// Mode selects the kind of forwarding an INIT frame announces.
type Mode uint32

const (
	ModeMgmt Mode = 0
	ModeTCP  Mode = 1
	ModeUDP  Mode = 2
)

// ErrMalformedFrame is returned whenever the decoder cannot trust the
// byte stream any further: bad magic, unknown command, or an
// undersized INIT payload. It is fatal to the control channel.
var ErrMalformedFrame = errors.New("frame: malformed")

// Frame is one decoded control-channel message.
type Frame struct {
	Cmd     Command
	SID     uint32
	Payload []byte
}

// Encode packs cmd/sid/payload into their wire representation. payload
// may be nil or empty.
func Encode(cmd Command, sid uint32, payload []byte) []byte {
	buf := make([]byte, HeaderLen+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	buf[4] = byte(cmd)
	binary.BigEndian.PutUint32(buf[5:9], sid)
	binary.BigEndian.PutUint32(buf[9:13], uint32(len(payload)))
	copy(buf[HeaderLen:], payload)
	return buf
}

// EncodeInit builds the payload‑shaped INIT frame: mode(4, BE) ‖ info.
func EncodeInit(mode Mode, info string) []byte {
	payload := make([]byte, 4+len(info))
	binary.BigEndian.PutUint32(payload[0:4], uint32(mode))
	copy(payload[4:], info)
	return Encode(CmdInit, 0, payload)
}

// Decode parses as many complete frames as are present in buf and
// returns them along with the unconsumed remainder. A malformed frame
// aborts decoding immediately: the frames decoded so far are still
// returned, alongside ErrMalformedFrame, so the caller can emit
// INVALID(0) before closing.
func Decode(buf []byte) ([]Frame, []byte, error) {
	var out []Frame
	for {
		if len(buf) < HeaderLen {
			return out, buf, nil
		}
		magic := binary.BigEndian.Uint32(buf[0:4])
		if magic != Magic {
			return out, buf, fmt.Errorf("%w: bad magic 0x%08x", ErrMalformedFrame, magic)
		}
		cmd := Command(buf[4])
		if !cmd.valid() {
			return out, buf, fmt.Errorf("%w: unknown command 0x%02x", ErrMalformedFrame, buf[4])
		}
		sid := binary.BigEndian.Uint32(buf[5:9])
		length := binary.BigEndian.Uint32(buf[9:13])
		if uint64(len(buf)-HeaderLen) < uint64(length) {
			// incomplete frame; wait for more bytes
			return out, buf, nil
		}
		if cmd == CmdInit && length < 4 {
			return out, buf, fmt.Errorf("%w: INIT payload too short (%d)", ErrMalformedFrame, length)
		}
		payload := buf[HeaderLen : HeaderLen+length]
		out = append(out, Frame{Cmd: cmd, SID: sid, Payload: payload})
		buf = buf[HeaderLen+length:]
	}
}

// Decoder accumulates bytes across reads and yields fully received
// frames, retaining any partial trailing frame for the next Feed call.
// It tolerates a single read delivering zero, partial, one, or many
// frames.
type Decoder struct {
	buf []byte
}

// NewDecoder returns a ready-to-use Decoder.
func NewDecoder() *Decoder { return &Decoder{} }

// Feed appends p to the internal buffer and returns every frame that
// is now fully available. On ErrMalformedFrame the Decoder is not
// reset; the caller must treat the control channel as dead.
func (d *Decoder) Feed(p []byte) ([]Frame, error) {
	if len(p) > 0 {
		d.buf = append(d.buf, p...)
	}
	frames, rest, err := Decode(d.buf)
	// Copy the remainder so the backing array of a long-lived buffer
	// doesn't retain consumed bytes forever.
	if len(rest) == 0 {
		d.buf = d.buf[:0]
	} else {
		next := make([]byte, len(rest))
		copy(next, rest)
		d.buf = next
	}
	return frames, err
}
