// Package hidqueue implements the key-event queue (§6): an ordered stream
// of bytes, each either an HID keycode or the reserved "no key" sentinel,
// consumed by the out-of-scope HID task. It is single-producer (the
// protocol engine), single-consumer (§5 Shared resources).
package hidqueue

import (
	"context"
	"time"
)

// NoKey is the HID "no key" sentinel emitted on User Control Released
// (§4.4, §6) — 0x00 in the HID keycode space. It is distinct from
// config.Unmapped, which never reaches this queue at all.
const NoKey uint8 = 0x00

// SendTimeout is the queue's short producer timeout (§5): a full queue
// after this long causes the event to be dropped rather than block the
// protocol engine task.
const SendTimeout = 10 * time.Millisecond

// Queue is a bounded, single-producer/single-consumer channel of HID
// keycodes.
type Queue struct {
	ch chan uint8
}

// New creates a queue with the given buffer depth.
func New(depth int) *Queue {
	return &Queue{ch: make(chan uint8, depth)}
}

// Send enqueues keycode, dropping it if the queue is still full after
// SendTimeout (§5). Returns whether it was enqueued.
func (q *Queue) Send(ctx context.Context, keycode uint8) bool {
	t := time.NewTimer(SendTimeout)
	defer t.Stop()
	select {
	case q.ch <- keycode:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// C exposes the receive side for the HID consumer task.
func (q *Queue) C() <-chan uint8 {
	return q.ch
}
