package protocol

import (
	"fmt"
	"time"

	"github.com/lestrrat-go/strftime"
)

// BusTrace renders one timestamped line per frame the engine sends or
// receives, the same call shape as the teacher's received-packet log
// (tq.go's strftime.Format call) but for CEC opcodes instead of AX.25
// frames. It is a diagnostic convenience (§12 "Bus trace / diagnostic
// log"), never consulted by the dispatch logic.
type BusTrace struct {
	pattern string
	sink    func(line string)
}

// NewBusTrace builds a trace that formats timestamps with pattern (strftime
// syntax) and hands each rendered line to sink. A nil sink makes every
// Record call a no-op.
func NewBusTrace(pattern string, sink func(string)) *BusTrace {
	return &BusTrace{pattern: pattern, sink: sink}
}

// Record logs one direction ("recv" or "send") and the frame's raw wire
// bytes.
func (t *BusTrace) Record(direction string, raw []byte) {
	if t == nil || t.sink == nil {
		return
	}
	ts, err := strftime.Format(t.pattern, time.Now())
	if err != nil {
		ts = time.Now().Format(time.RFC3339)
	}
	t.sink(fmt.Sprintf("%s %-4s % X", ts, direction, raw))
}
