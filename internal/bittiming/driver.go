package bittiming

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/warthog618/go-gpiocdev"
)

// errMalformedFrame is returned internally when bit timing falls outside
// tolerance; callers never see it directly — RecvFrame resynchronizes and
// keeps waiting, matching §4.1's "no error is surfaced" Error condition.
var errMalformedFrame = errors.New("bittiming: malformed bit timing")

// Result reports the outcome of SendFrame (§4.1 operations table).
type Result struct {
	Acked           bool
	ArbitrationLost bool
}

// RejectBroadcastFunc lets a higher layer object to a broadcast frame by
// pulling the ACK line low during its ACK window, inverting the normal
// accepted/no-objection default (§4.1). The engine built here never
// objects; the hook exists so the hook's absence is a documented decision
// rather than a hardcoded impossibility.
type RejectBroadcastFunc func(frame []byte) bool

// Driver drives a single open-drain GPIO to CEC bit-cell timing (§4.1). It
// owns the GPIO line exclusively (§5 Shared resources) and is safe for use
// by exactly one caller goroutine at a time — that invariant is the
// protocol engine's single task, not enforced here beyond the send-path
// mutex.
type Driver struct {
	log  *log.Logger
	line cecLine

	selfLA atomic.Uint32

	rejectBroadcastMu sync.RWMutex
	rejectBroadcast   RejectBroadcastFunc

	edges chan edge

	activityMu sync.Mutex
	lastActive time.Time
	ownLastTx  bool

	// pendingFrames holds a frame recovered by becomeReceiverAfterArbitrationLoss
	// until the next RecvFrame call picks it up (§4.1 point 3).
	pendingFrames chan []byte

	txMu sync.Mutex
}

// NewDriver requests offset on chip as the CEC line and begins listening
// for edges immediately, released (idle high).
func NewDriver(logger *log.Logger, chip string, offset int) (*Driver, error) {
	d := &Driver{
		log:           logger,
		edges:         make(chan edge, 64),
		pendingFrames: make(chan []byte, 1),
	}
	d.selfLA.Store(NoAddress)
	d.touchActivity(false)

	line, err := openLine(chip, offset, d.onEvent)
	if err != nil {
		return nil, err
	}
	d.line = line
	return d, nil
}

// Close releases the GPIO line.
func (d *Driver) Close() error {
	return d.line.Close()
}

// SetSelfAddress updates the logical address this node answers ACKs for.
// Called by the addressing module once a logical address is claimed, and
// again on re-allocation after a Routing Change (§4.3, §4.4).
func (d *Driver) SetSelfAddress(la uint8) {
	d.selfLA.Store(uint32(la))
}

// SetRejectBroadcastFunc installs the broadcast-objection hook (see
// RejectBroadcastFunc). A nil func clears it.
func (d *Driver) SetRejectBroadcastFunc(f RejectBroadcastFunc) {
	d.rejectBroadcastMu.Lock()
	d.rejectBroadcast = f
	d.rejectBroadcastMu.Unlock()
}

func (d *Driver) shouldReject(frame []byte) bool {
	d.rejectBroadcastMu.RLock()
	f := d.rejectBroadcast
	d.rejectBroadcastMu.RUnlock()
	if f == nil {
		return false
	}
	return f(frame)
}

func (d *Driver) onEvent(evt gpiocdev.LineEvent) {
	e := toEdge(evt)
	d.touchActivity(false)
	select {
	case d.edges <- e:
	default:
		d.log.Warn("edge queue full, dropping event")
	}
}

func (d *Driver) touchActivity(ownTx bool) {
	d.activityMu.Lock()
	d.lastActive = time.Now()
	d.ownLastTx = ownTx
	d.activityMu.Unlock()
}

func (d *Driver) idleFor() (time.Duration, bool) {
	d.activityMu.Lock()
	defer d.activityMu.Unlock()
	return time.Since(d.lastActive), d.ownLastTx
}

// ---- transmit path (§4.1 "Transmit path") ----

// SendFrame blocks the calling task until the frame has been fully sent and
// acknowledged, rejected, lost arbitration, or exhausted its retry budget.
// It never blocks the GPIO edge handler — all of its waits are on the
// caller's own goroutine.
func (d *Driver) SendFrame(ctx context.Context, payload []byte) (Result, error) {
	d.txMu.Lock()
	defer d.txMu.Unlock()

	if len(payload) == 0 {
		return Result{}, errors.New("bittiming: empty frame")
	}

	broadcast := payload[0]&0x0F == BroadcastAddress
	attempts := MaxSendAttempts
	if broadcast {
		// §7: the engine does not retry broadcast responses; mirror that
		// at the driver level too, since a broadcast has no per-attempt
		// NACK to retry against in normal operation.
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if err := d.waitBusFree(ctx, attempt); err != nil {
			return Result{}, err
		}

		acked, lost, err := d.transmitOnce(ctx, payload, broadcast)
		d.touchActivity(true)
		if err != nil {
			return Result{}, err
		}
		if lost {
			return Result{ArbitrationLost: true}, nil
		}
		if acked {
			return Result{Acked: true}, nil
		}
	}
	return Result{Acked: false}, nil
}

func (d *Driver) waitBusFree(ctx context.Context, attempt int) error {
	threshold := FreeTimeFirstAttempt
	if attempt > 0 {
		threshold = FreeTimeRetry
	}

	for {
		idle, ownTx := d.idleFor()
		if ownTx && idle >= FreeTimeAfterOwnFrame {
			return nil
		}
		if idle >= threshold {
			return nil
		}
		wait := threshold - idle
		if ownTx && FreeTimeAfterOwnFrame-idle < wait {
			wait = FreeTimeAfterOwnFrame - idle
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

// transmitOnce drives a single send attempt. On arbitration loss (§4.1
// point 3) it does not simply bail out: the frame in progress belongs to
// whichever other initiator won, and may well be addressed to this node,
// so it finishes receiving that frame instead and queues it for the next
// RecvFrame call before reporting the loss to its own caller.
func (d *Driver) transmitOnce(ctx context.Context, payload []byte, broadcast bool) (acked, lost bool, err error) {
	if err := d.sendStartBit(ctx); err != nil {
		return false, false, err
	}

	for i, b := range payload {
		partial, knownBits, byteLost, err := d.sendByte(ctx, b)
		if err != nil {
			return false, false, err
		}
		if byteLost {
			d.becomeReceiverAfterArbitrationLoss(ctx, payload[:i], partial, knownBits)
			return false, true, nil
		}

		eom := 0
		if i == len(payload)-1 {
			eom = 1
		}
		bitLost, err := d.sendBit(ctx, eom)
		if err != nil {
			return false, false, err
		}
		if bitLost {
			d.becomeReceiverAfterArbitrationLoss(ctx, payload[:i+1], 0, 8)
			return false, true, nil
		}

		byteAcked, err := d.sampleAckCell(ctx, broadcast)
		if err != nil {
			return false, false, err
		}
		if !byteAcked {
			return false, false, nil
		}
	}
	return true, false, nil
}

// becomeReceiverAfterArbitrationLoss finishes receiving the frame this
// node lost arbitration on and hands it to the next RecvFrame call,
// instead of discarding an in-flight frame that may be addressed here.
// Errors are logged, not returned: the caller has already committed to
// reporting the loss, and a resync failure here just means the next
// RecvFrame call falls back to its ordinary start-bit search.
func (d *Driver) becomeReceiverAfterArbitrationLoss(ctx context.Context, bytesSoFar []byte, partial byte, knownBits int) {
	frame, err := d.recvFrameAfterArbitrationLoss(ctx, bytesSoFar, partial, knownBits)
	if err != nil {
		d.log.Warn("receiving frame after arbitration loss", "err", err)
		return
	}
	select {
	case d.pendingFrames <- frame:
	default:
		d.log.Warn("pending-frame slot full, dropping frame recovered after arbitration loss")
	}
}

func (d *Driver) sendStartBit(ctx context.Context) error {
	if err := d.assertLow(); err != nil {
		return err
	}
	if err := sleepCtx(ctx, StartLow); err != nil {
		return err
	}
	if err := d.release(); err != nil {
		return err
	}
	return sleepCtx(ctx, StartPeriod-StartLow)
}

// sendByte transmits x MSB first (§4.1 "followed by EOM"). On arbitration
// loss it also reports the byte as known so far: partial holds the bits
// sent up to and including the collision bit (MSB-aligned within the
// 8-bit byte position, collision bit forced to 0 per sendBit's contract),
// and knownBits is how many of those high bits are settled.
func (d *Driver) sendByte(ctx context.Context, x byte) (partial byte, knownBits int, lost bool, err error) {
	for i := 7; i >= 0; i-- {
		bit := int((x >> uint(i)) & 1)
		bitLost, err := d.sendBit(ctx, bit)
		if err != nil {
			return 0, 0, false, err
		}
		if bitLost {
			// sendBit only ever detects loss while trying to send a 1 and
			// finding the bus still held low, so the contended bit is 0.
			known := 7 - i
			return x &^ (1<<uint(i+1) - 1), known, true, nil
		}
	}
	return 0, 0, false, nil
}

// sendBit drives one data bit cell and, for a logical 1, verifies the bus
// actually rises when released — a concurrent initiator driving a 0 pulls
// it low instead, which is loss of arbitration (§4.1 point 3).
func (d *Driver) sendBit(ctx context.Context, bit int) (lost bool, err error) {
	low := OneLow
	if bit == 0 {
		low = ZeroLow
	}

	if err := d.assertLow(); err != nil {
		return false, err
	}
	if err := sleepCtx(ctx, low); err != nil {
		return false, err
	}
	if err := d.release(); err != nil {
		return false, err
	}

	remaining := BitPeriod - low
	if bit == 0 {
		return false, sleepCtx(ctx, remaining)
	}

	half := remaining / 2
	if err := sleepCtx(ctx, half); err != nil {
		return false, err
	}
	v, err := d.line.Value()
	if err != nil {
		return false, err
	}
	if v == 0 {
		return true, nil
	}
	return false, sleepCtx(ctx, remaining-half)
}

// sampleAckCell plays the ACK bit cell as initiator: release early (as if
// sending a 1) and sample at the nominal sample point. A follower wishing
// to acknowledge overrides by holding the line low longer, which the
// wired-AND bus reflects as a low sample.
func (d *Driver) sampleAckCell(ctx context.Context, broadcast bool) (bool, error) {
	if err := d.assertLow(); err != nil {
		return false, err
	}
	if err := sleepCtx(ctx, OneLow); err != nil {
		return false, err
	}
	if err := d.release(); err != nil {
		return false, err
	}
	if err := sleepCtx(ctx, SamplePoint-OneLow); err != nil {
		return false, err
	}

	v, err := d.line.Value()
	if err != nil {
		return false, err
	}
	if err := sleepCtx(ctx, BitPeriod-SamplePoint); err != nil {
		return false, err
	}

	low := v == 0
	if broadcast {
		return !low, nil // low during broadcast ACK means a follower rejected it.
	}
	return low, nil // low during direct ACK means the destination accepted it.
}

func (d *Driver) assertLow() error {
	return d.line.Reconfigure(gpiocdev.AsOutput(0), gpiocdev.AsOpenDrain)
}

func (d *Driver) release() error {
	return d.line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullUp, gpiocdev.WithBothEdges, gpiocdev.WithEventHandler(d.onEvent))
}

// ---- receive path (§4.1 "Receive path") ----

// RecvFrame blocks until a complete frame has been received. Malformed bit
// timing resynchronizes silently at the next start bit (§4.1 Error
// conditions) rather than returning an error.
func (d *Driver) RecvFrame(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-d.pendingFrames:
		return frame, nil
	default:
	}

	for {
		if err := d.waitStartBit(ctx); err != nil {
			return nil, err
		}

		frame, err := d.recvBytes(ctx)
		if err != nil {
			if errors.Is(err, errMalformedFrame) {
				d.log.Debug("malformed frame, resynchronizing")
				continue
			}
			return nil, err
		}
		return frame, nil
	}
}

func (d *Driver) waitStartBit(ctx context.Context) error {
	for {
		fall, err := d.waitEdge(ctx, false)
		if err != nil {
			return err
		}
		rise, err := d.waitEdge(ctx, true)
		if err != nil {
			return err
		}
		if isStartBit(rise.at - fall.at) {
			return nil
		}
		// Noise or a stray edge: keep looking for a genuine start bit.
	}
}

func (d *Driver) recvBytes(ctx context.Context) ([]byte, error) {
	return d.recvLoop(ctx, nil)
}

// recvLoop receives whole bytes (start-bit-aligned) until EOM or
// MaxFrameBytes, appending each to frame. frame may already hold bytes
// received before this call, e.g. bytes fully sent before an arbitration
// loss.
func (d *Driver) recvLoop(ctx context.Context, frame []byte) ([]byte, error) {
	for {
		b, err := d.recvByteBits(ctx)
		if err != nil {
			return nil, err
		}
		frame = append(frame, b)

		eomBit, err := d.readDataBit(ctx)
		if err != nil {
			return nil, err
		}

		done, err := d.ackAndCheckDone(ctx, frame, eomBit)
		if err != nil {
			return nil, err
		}
		if done {
			return frame, nil
		}
	}
}

// ackAndCheckDone drives this node's ACK cell for the byte just appended
// to frame and reports whether the frame is complete.
func (d *Driver) ackAndCheckDone(ctx context.Context, frame []byte, eomBit int) (bool, error) {
	dest := frame[0] & 0x0F
	shouldAck := dest == uint8(d.selfLA.Load()) || (dest == BroadcastAddress && d.shouldReject(frame))
	if err := d.driveAckCell(ctx, shouldAck); err != nil {
		return false, err
	}
	return eomBit == 1 || len(frame) == MaxFrameBytes, nil
}

// recvFrameAfterArbitrationLoss completes the byte this node was sending
// when it lost arbitration, then falls through to the ordinary receive
// loop for the rest of the frame (§4.1 point 3). partial holds the
// collision byte's settled high bits (its low bits, including the
// collision bit itself, are 0 per sendByte's contract); knownBits is how
// many of those high bits are settled. The EOM-bit collision case passes
// knownBits=8, meaning the byte is already complete and only its EOM bit
// (necessarily 0, by the same reasoning) remains to be accounted for.
func (d *Driver) recvFrameAfterArbitrationLoss(ctx context.Context, bytesSoFar []byte, partial byte, knownBits int) ([]byte, error) {
	frame := append([]byte(nil), bytesSoFar...)

	var eomBit int
	if knownBits >= 8 {
		// Collision was on the EOM bit itself: the byte transmitted in
		// full, and the contended EOM bit is known to be 0 (not last byte).
		eomBit = 0
	} else {
		// knownBits high bits are settled (from partial), 1 more bit (the
		// collision bit itself) is known to be 0, and the remainder must
		// still be read off the bus, MSB first, to fill in the low end.
		remaining := 7 - knownBits
		b := partial
		for k := 0; k < remaining; k++ {
			bit, err := d.readDataBit(ctx)
			if err != nil {
				return nil, err
			}
			pos := remaining - 1 - k
			b |= byte(bit) << uint(pos)
		}
		frame = append(frame, b)

		bit, err := d.readDataBit(ctx)
		if err != nil {
			return nil, err
		}
		eomBit = bit
	}

	done, err := d.ackAndCheckDone(ctx, frame, eomBit)
	if err != nil {
		return nil, err
	}
	if done {
		return frame, nil
	}
	return d.recvLoop(ctx, frame)
}

func (d *Driver) recvByteBits(ctx context.Context) (byte, error) {
	var b byte
	for i := 0; i < 8; i++ {
		bit, err := d.readDataBit(ctx)
		if err != nil {
			return 0, err
		}
		b = (b << 1) | byte(bit)
	}
	return b, nil
}

func (d *Driver) readDataBit(ctx context.Context) (int, error) {
	fall, err := d.waitEdge(ctx, false)
	if err != nil {
		return 0, err
	}
	rise, err := d.waitEdge(ctx, true)
	if err != nil {
		return 0, err
	}
	bit, ok := classifyBit(rise.at - fall.at)
	if !ok {
		return 0, errMalformedFrame
	}
	return bit, nil
}

// driveAckCell, when assert is true, overrides the bit cell that the
// frame's initiator is currently playing out by holding the line low for
// the "0" pattern — this is this node acknowledging a direct frame, or
// objecting to a broadcast per the (never exercised, see
// RejectBroadcastFunc) hook. When false, it leaves the initiator's default
// pattern alone.
func (d *Driver) driveAckCell(ctx context.Context, assert bool) error {
	if _, err := d.waitEdge(ctx, false); err != nil {
		return err
	}
	if !assert {
		_, err := d.waitEdge(ctx, true)
		return err
	}

	if err := d.assertLow(); err != nil {
		return err
	}
	if err := sleepCtx(ctx, ZeroLow); err != nil {
		return err
	}
	return d.release()
}

func (d *Driver) waitEdge(ctx context.Context, rising bool) (edge, error) {
	select {
	case e := <-d.edges:
		if e.rising != rising {
			return edge{}, errMalformedFrame
		}
		return e, nil
	case <-ctx.Done():
		return edge{}, ctx.Err()
	}
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
