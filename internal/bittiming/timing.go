// Package bittiming drives a single open-drain GPIO line to HDMI-CEC v1.3a
// bit timing: start bits, data bits, EOM and ACK, using GPIO edge events on
// receive and scheduled timers on transmit.
package bittiming

import "time"

// Nominal CEC v1.3a bit-cell timing (§4.1). All durations are the
// falling-edge-to-falling-edge period unless noted.
const (
	BitPeriod = 2400 * time.Microsecond

	// Data bit low times. High time is BitPeriod - low time.
	ZeroLow = 1500 * time.Microsecond
	OneLow  = 600 * time.Microsecond

	// Start bit: low for StartLow, then released; total period StartPeriod.
	StartLow    = 3700 * time.Microsecond
	StartPeriod = 4500 * time.Microsecond

	// SamplePoint is measured from the falling edge of a data bit cell and
	// sits at the midpoint of the 0/1 ambiguity window.
	SamplePoint = 1050 * time.Microsecond

	// Tolerances (§4.1).
	TransmitTolerance = 200 * time.Microsecond
	ReceiveTolerance  = 400 * time.Microsecond

	// Bus-free time required before initiating a transmission.
	FreeTimeFirstAttempt  = 7 * BitPeriod // 16.8ms
	FreeTimeRetry         = 5 * BitPeriod // 12ms
	FreeTimeAfterOwnFrame = 3 * BitPeriod // 7.2ms

	// MaxSendAttempts bounds retries on NACK (§4.1, §5).
	MaxSendAttempts = 5
)

// BroadcastAddress is logical address 0x0F: "unregistered" as a
// self-identity, broadcast as a destination.
const BroadcastAddress = 0x0F

// NoAddress is the driver's idle ACK-responder state: no logical address has
// been claimed yet, so no direct frame is ever acknowledged (only a reply to
// a broadcast-rejection request could be, and the engine never asks for
// that during the addressing phase).
const NoAddress = 0xFF

// MaxFrameBytes is the largest CEC frame (§3): header, opcode and 14 operand
// bytes.
const MaxFrameBytes = 16

// classifyBit maps a measured low-time to a data bit value, honoring the
// receive tolerance around the nominal low times. ok is false when the
// timing falls in neither window, signaling a malformed frame to the
// caller (§4.1 Error conditions: discard and resync, no error surfaced).
func classifyBit(low time.Duration) (bit int, ok bool) {
	switch {
	case withinTolerance(low, ZeroLow, ReceiveTolerance):
		return 0, true
	case withinTolerance(low, OneLow, ReceiveTolerance):
		return 1, true
	default:
		return 0, false
	}
}

func withinTolerance(got, want, tolerance time.Duration) bool {
	d := got - want
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}

func isStartBit(low time.Duration) bool {
	return withinTolerance(low, StartLow, ReceiveTolerance)
}
