// Package protocol implements the §4.4 Protocol Engine: device state, the
// opcode dispatch table, and the startup/receive-dispatch loop that sits on
// top of the frame codec.
package protocol

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/doismellburning/pico-cec-bridge/internal/addressing"
	"github.com/doismellburning/pico-cec-bridge/internal/bittiming"
	"github.com/doismellburning/pico-cec-bridge/internal/config"
	"github.com/doismellburning/pico-cec-bridge/internal/edid"
	"github.com/doismellburning/pico-cec-bridge/internal/frame"
	"github.com/doismellburning/pico-cec-bridge/internal/hidqueue"
	"github.com/doismellburning/pico-cec-bridge/internal/indicator"
)

// AddressSink receives the claimed logical address so the bit-timing
// driver knows which ACKs to answer for (bittiming.Driver satisfies this
// structurally).
type AddressSink interface {
	SetSelfAddress(uint8)
}

// Engine is the protocol engine task (§4.4, §5): it owns Device state
// exclusively and is not safe for concurrent use — the wider system runs
// exactly one instance on one goroutine.
type Engine struct {
	log         *log.Logger
	codec       *frame.Codec
	cfg         config.Config
	edid        edid.Reader
	addressSink AddressSink
	keys        *hidqueue.Queue
	indicator   indicator.Indicator
	trace       *BusTrace

	state State
}

// New builds an Engine. trace may be nil to disable bus tracing.
func New(logger *log.Logger, codec *frame.Codec, cfg config.Config, edidReader edid.Reader, addressSink AddressSink, keys *hidqueue.Queue, ind indicator.Indicator, trace *BusTrace) *Engine {
	return &Engine{
		log:         logger,
		codec:       codec,
		cfg:         cfg,
		edid:        edidReader,
		addressSink: addressSink,
		keys:        keys,
		indicator:   ind,
		trace:       trace,
	}
}

// State returns a snapshot of the engine's current device state. Safe to
// call only between dispatch cycles (e.g. from tests); nothing enforces
// that at runtime because nothing besides the engine task ever calls it
// (§5 "Shared resources").
func (e *Engine) State() State {
	return e.state
}

// Startup implements §4.4's startup sequence: settle delay, then resolve
// both addresses.
func (e *Engine) Startup(ctx context.Context) error {
	if e.cfg.EDIDSettleDelayMS > 0 {
		if err := sleepCtx(ctx, time.Duration(e.cfg.EDIDSettleDelayMS)*time.Millisecond); err != nil {
			return err
		}
	}
	return e.resolveAddresses(ctx)
}

func (e *Engine) resolveAddresses(ctx context.Context) error {
	pa, err := addressing.ResolvePhysicalAddress(ctx, e.edid, e.log, e.cfg.PhysicalAddress)
	if err != nil {
		return fmt.Errorf("protocol: resolving physical address: %w", err)
	}
	e.state.SelfPhysicalAddress = pa

	la, err := addressing.ClaimLogicalAddress(ctx, e.codec, e.log, e.cfg.DeviceType, e.cfg.LogicalAddress)
	if err != nil {
		return fmt.Errorf("protocol: claiming logical address: %w", err)
	}
	e.state.SelfLogicalAddress = la
	if e.addressSink != nil {
		e.addressSink.SetSelfAddress(la)
	}
	return nil
}

// Run is the receive-dispatch loop (§4.4, §5): it blocks in Recv, the
// engine's only suspension point besides the sends dispatch performs, until
// ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	for {
		f, err := e.codec.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		e.trace.Record("recv", frame.Encode(f))
		e.dispatch(ctx, f)
	}
}

// dispatch implements the §4.4 opcode handling table's destination gating:
// direct frames are always acted on; broadcast frames only for opcodes the
// table (or real CEC v1.3a semantics — see DESIGN.md) marks broadcast-
// eligible. A node that never claimed a logical address answers no direct
// messages (§8 boundary behavior).
func (e *Engine) dispatch(ctx context.Context, f frame.Frame) {
	if f.IsPoll() {
		return
	}

	direct := e.state.SelfLogicalAddress != addressing.Unregistered && f.Destination == e.state.SelfLogicalAddress
	broadcast := f.Destination == addressing.Unregistered

	if !direct && !broadcast {
		return
	}

	entry, known := dispatchTable[f.Opcode]
	if !known {
		if direct {
			e.sendFeatureAbort(ctx, f, ReasonUnrecognizedOpcode)
		}
		return
	}

	if direct {
		entry.handle(e, ctx, f)
		return
	}
	if entry.broadcast {
		entry.handle(e, ctx, f)
	}
}

// send transmits f, logging on failure. NACK retries up to the bit-timing
// driver's bound happen inside SendFrame (§4.1). A direct frame that loses
// arbitration is sent again here, up to the same bound; a broadcast frame
// that loses arbitration is not (§7).
func (e *Engine) send(ctx context.Context, f frame.Frame) {
	for attempt := 0; attempt < bittiming.MaxSendAttempts; attempt++ {
		res, err := e.codec.Send(ctx, f)
		if err != nil {
			e.log.Warn("reply send failed", "opcode", fmt.Sprintf("0x%02X", f.Opcode), "err", err)
			return
		}
		e.trace.Record("send", frame.Encode(f))
		if !res.ArbitrationLost || f.Destination == addressing.Unregistered {
			return
		}
	}
}

func (e *Engine) reply(ctx context.Context, dest, opcode uint8, operands ...byte) {
	e.send(ctx, frame.Frame{
		Initiator:   e.state.SelfLogicalAddress,
		Destination: dest,
		HasOpcode:   true,
		Opcode:      opcode,
		Operands:    operands,
	})
}

func (e *Engine) sendFeatureAbort(ctx context.Context, f frame.Frame, reason uint8) {
	e.reply(ctx, f.Initiator, OpFeatureAbort, f.Opcode, reason)
}

func (e *Engine) broadcastActiveSource(ctx context.Context) {
	pa := encode16(e.state.SelfPhysicalAddress)
	e.reply(ctx, addressing.Unregistered, OpActiveSource, pa[0], pa[1])
}

func (e *Engine) broadcastDeviceVendorID(ctx context.Context) {
	e.reply(ctx, addressing.Unregistered, OpDeviceVendorID, VendorID[0], VendorID[1], VendorID[2])
}

func (e *Engine) updateActiveIndicator() {
	if e.state.isActive() {
		e.indicator.Set(indicator.Active)
	} else {
		e.indicator.Set(indicator.Idle)
	}
}

func encode16(v uint16) []byte {
	return []byte{byte(v >> 8), byte(v)}
}

func decode16(b []byte) uint16 {
	if len(b) < 2 {
		return 0
	}
	return uint16(b[0])<<8 | uint16(b[1])
}

// lastTwo returns the trailing two bytes of b, or nil if b is too short —
// used for Routing Change's "new address" operand, carried as the last two
// bytes of the real 4-byte (old, new) payload (§4.4).
func lastTwo(b []byte) []byte {
	if len(b) < 2 {
		return nil
	}
	return b[len(b)-2:]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
