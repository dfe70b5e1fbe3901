// Package frame assembles and validates CEC frames (§4.2) on top of the
// bit-timing driver: header parsing, arbitration via the driver, broadcast
// vs. direct ACK polarity, and the 1..16 byte length limits.
package frame

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/doismellburning/pico-cec-bridge/internal/bittiming"
)

// MinBytes and MaxBytes bound a CEC frame (§3, §8 boundary behaviors).
const (
	MinBytes = 1
	MaxBytes = 16
)

// Frame is a decoded CEC message (§3 "CEC frame").
type Frame struct {
	Initiator   uint8
	Destination uint8
	Opcode      uint8 // only meaningful when HasOpcode is true
	HasOpcode   bool
	Operands    []byte
}

// IsPoll reports whether this is a 1-byte polling frame: no opcode, no
// operands, used for logical-address probing (§4.2, §4.3).
func (f Frame) IsPoll() bool {
	return !f.HasOpcode
}

// Encode packs a Frame back into its wire bytes (header, then opcode and
// operands if present). encode(decode(frame)) == frame is a round-trip law
// (§8).
func Encode(f Frame) []byte {
	header := (f.Initiator << 4) | (f.Destination & 0x0F)
	if !f.HasOpcode {
		return []byte{header}
	}
	out := make([]byte, 0, 2+len(f.Operands))
	out = append(out, header, f.Opcode)
	out = append(out, f.Operands...)
	return out
}

// ErrTooLong and ErrTooShort are the sanity limits described in §4.2.
var (
	ErrTooShort       = errors.New("frame: shorter than 1 byte")
	ErrTooLong        = fmt.Errorf("frame: longer than %d bytes", MaxBytes)
	ErrBadSelfAddress = errors.New("frame: initiator equals destination in a multi-byte frame")
)

// Decode parses raw wire bytes into a Frame, applying §4.2's sanity limits:
// reject frames longer than 16 bytes, and reject initiator == destination
// unless the frame is exactly 1 byte (a poll).
func Decode(raw []byte) (Frame, error) {
	if len(raw) < MinBytes {
		return Frame{}, ErrTooShort
	}
	if len(raw) > MaxBytes {
		return Frame{}, ErrTooLong
	}

	header := raw[0]
	initiator := header >> 4
	destination := header & 0x0F

	if initiator == destination && len(raw) != 1 {
		return Frame{}, ErrBadSelfAddress
	}

	f := Frame{Initiator: initiator, Destination: destination}
	if len(raw) == 1 {
		return f, nil
	}

	f.HasOpcode = true
	f.Opcode = raw[1]
	if len(raw) > 2 {
		f.Operands = append([]byte(nil), raw[2:]...)
	}
	return f, nil
}

// Bus is the bit-timing driver's public surface as seen by the codec
// (§4.1 operations). Narrowed to an interface so the codec, and anything
// built on it, can be tested without real GPIO.
type Bus interface {
	SendFrame(ctx context.Context, payload []byte) (bittiming.Result, error)
	RecvFrame(ctx context.Context) ([]byte, error)
}

// Result is the outcome of a Send (§4.1 operations table).
type Result = bittiming.Result

// Codec is the thin framing layer over Bus.
type Codec struct {
	bus Bus
	log *log.Logger
}

func New(bus Bus, logger *log.Logger) *Codec {
	return &Codec{bus: bus, log: logger}
}

// Send encodes f and transmits it, returning whether it was ultimately
// acknowledged.
func (c *Codec) Send(ctx context.Context, f Frame) (Result, error) {
	payload := Encode(f)
	if len(payload) > MaxBytes {
		return Result{}, ErrTooLong
	}
	res, err := c.bus.SendFrame(ctx, payload)
	if err != nil {
		return Result{}, err
	}
	c.log.Debug("frame sent", "initiator", f.Initiator, "destination", f.Destination, "opcode", fmt.Sprintf("0x%02X", f.Opcode), "acked", res.Acked, "arbitration_lost", res.ArbitrationLost)
	return res, nil
}

// Recv blocks for the next complete, decodable frame. A frame that fails
// §4.2's sanity checks is logged and skipped — it was already accepted at
// the bit-timing layer (malformed bit timing there resyncs silently), so a
// structural violation here is a protocol-level oddity worth a log line
// rather than a crash.
func (c *Codec) Recv(ctx context.Context) (Frame, error) {
	for {
		raw, err := c.bus.RecvFrame(ctx)
		if err != nil {
			return Frame{}, err
		}
		f, err := Decode(raw)
		if err != nil {
			c.log.Warn("dropping malformed frame", "err", err, "bytes", len(raw))
			continue
		}
		c.log.Debug("frame received", "initiator", f.Initiator, "destination", f.Destination, "opcode", fmt.Sprintf("0x%02X", f.Opcode), "poll", f.IsPoll())
		return f, nil
	}
}

// Poll sends a 1-byte polling frame with initiator == destination ==
// candidate, for logical-address probing (§4.2, §4.3). An ACK means the
// address is already taken.
func (c *Codec) Poll(ctx context.Context, candidate uint8) (taken bool, err error) {
	res, err := c.bus.SendFrame(ctx, []byte{(candidate << 4) | (candidate & 0x0F)})
	if err != nil {
		return false, err
	}
	return res.Acked, nil
}
