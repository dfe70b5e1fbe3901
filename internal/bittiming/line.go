package bittiming

import (
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// cecLine is the subset of *gpiocdev.Line the driver needs. Narrowing to an
// interface here, rather than embedding *gpiocdev.Line directly, is what
// lets the bit-level edge and ACK logic below be exercised in tests without
// a real GPIO chip.
type cecLine interface {
	SetValue(value int) error
	Value() (int, error)
	Reconfigure(...gpiocdev.LineReqOption) error
	Close() error
}

// edge is a single GPIO transition, timestamped relative to an arbitrary
// monotonic origin. It mirrors gpiocdev.LineEvent, decoupled so the driver's
// edge-classification logic can be fed synthetic events in tests.
type edge struct {
	at     time.Duration
	rising bool
}

// openLine requests offset on the named chip as an open-drain I/O capable of
// both driving (transmit) and edge-detecting (receive), matching the CEC
// line's single-wire, pulled-up-high-idle semantics (§4.1). The line starts
// released (logic high).
func openLine(chip string, offset int, onEdge func(gpiocdev.LineEvent)) (*gpiocdev.Line, error) {
	return gpiocdev.RequestLine(chip, offset,
		gpiocdev.AsOutput(1),
		gpiocdev.AsOpenDrain,
		gpiocdev.WithBothEdges,
		gpiocdev.WithEventHandler(onEdge),
		gpiocdev.WithConsumer("pico-cec"),
	)
}

func toEdge(evt gpiocdev.LineEvent) edge {
	return edge{at: evt.Timestamp, rising: evt.Type == gpiocdev.LineEventRisingEdge}
}
