package protocol

// MenuState is the engine's menu_state machine (§4.4): {active, inactive},
// initial inactive, driven by Menu Request Activate/Deactivate and by Set
// Stream Path adoption.
type MenuState int

const (
	MenuInactive MenuState = iota
	MenuActive
)

func (m MenuState) String() string {
	if m == MenuActive {
		return "active"
	}
	return "inactive"
}

// State is the protocol engine's process-lifetime device state (§3 "Device
// state"). Owned entirely by the engine's dispatch goroutine; nothing else
// reads or writes it.
type State struct {
	SelfLogicalAddress          uint8
	SelfPhysicalAddress         uint16
	ActiveSourcePhysicalAddress uint16
	AudioSystemMode             bool
	MenuState                   MenuState
	activeSourceLostCount       int
}

// activeSourceLostCountBound is the monotone counter's ceiling (§3, §4.4).
const activeSourceLostCountBound = 2

// isActive reports whether this node currently considers itself the
// selected source (§4.4 "State machine — active").
func (s *State) isActive() bool {
	return s.SelfPhysicalAddress != 0 && s.ActiveSourcePhysicalAddress == s.SelfPhysicalAddress
}
