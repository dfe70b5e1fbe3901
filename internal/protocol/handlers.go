package protocol

import (
	"context"

	"github.com/doismellburning/pico-cec-bridge/internal/addressing"
	"github.com/doismellburning/pico-cec-bridge/internal/frame"
	"github.com/doismellburning/pico-cec-bridge/internal/hidqueue"
	"github.com/doismellburning/pico-cec-bridge/internal/indicator"
)

type handlerFunc func(e *Engine, ctx context.Context, f frame.Frame)

type opEntry struct {
	handle    handlerFunc
	broadcast bool
}

func noop(*Engine, context.Context, frame.Frame) {}

// dispatchTable is the §4.4 opcode handling table. broadcast marks the
// opcodes the dispatcher also acts on when D == broadcast: Standby, Set
// System Audio Mode, Report Physical Address, and Device Vendor ID per the
// table's own "(direct|B)" annotations, plus Routing Change, Active
// Source, Request Active Source, and Set Stream Path, which real CEC
// v1.3a defines as broadcast-only messages (the table omits the
// annotation, but §8 scenario 1 is only reachable if Set Stream Path is
// dispatched on broadcast too — see DESIGN.md).
var dispatchTable = map[uint8]opEntry{
	OpFeatureAbort:              {handle: noop},
	OpImageViewOn:               {handle: noop},
	OpTextViewOn:                {handle: noop},
	OpStandby:                   {handle: (*Engine).handleStandby, broadcast: true},
	OpSystemAudioModeRequest:    {handle: (*Engine).handleSystemAudioModeRequest},
	OpGiveAudioStatus:           {handle: (*Engine).handleGiveAudioStatus},
	OpSetSystemAudioMode:        {handle: (*Engine).handleSetSystemAudioMode, broadcast: true},
	OpGiveSystemAudioModeStatus: {handle: (*Engine).handleGiveSystemAudioModeStatus},
	OpSystemAudioModeStatus:     {handle: noop},
	OpRoutingChange:             {handle: (*Engine).handleRoutingChange, broadcast: true},
	OpActiveSource:              {handle: (*Engine).handleActiveSource, broadcast: true},
	OpReportPhysicalAddress:     {handle: (*Engine).handleReportPhysicalAddress, broadcast: true},
	OpRequestActiveSource:       {handle: (*Engine).handleRequestActiveSource, broadcast: true},
	OpSetStreamPath:             {handle: (*Engine).handleSetStreamPath, broadcast: true},
	OpDeviceVendorID:            {handle: (*Engine).handleDeviceVendorID, broadcast: true},
	OpGiveDeviceVendorID:        {handle: (*Engine).handleGiveDeviceVendorID},
	OpMenuRequest:               {handle: (*Engine).handleMenuRequest},
	OpGiveDevicePowerStatus:     {handle: (*Engine).handleGiveDevicePowerStatus},
	OpGetCECVersion:             {handle: (*Engine).handleGetCECVersion},
	OpGiveOSDName:               {handle: (*Engine).handleGiveOSDName},
	OpGivePhysicalAddress:       {handle: (*Engine).handleGivePhysicalAddress},
	OpUserControlPressed:        {handle: (*Engine).handleUserControlPressed},
	OpUserControlReleased:       {handle: (*Engine).handleUserControlReleased},
	OpAbort:                     {handle: (*Engine).handleAbort},
}

func (e *Engine) handleStandby(ctx context.Context, f frame.Frame) {
	e.state.ActiveSourcePhysicalAddress = 0
	e.indicator.Set(indicator.Idle)
}

func (e *Engine) handleSystemAudioModeRequest(ctx context.Context, f frame.Frame) {
	var mode byte
	if e.state.AudioSystemMode {
		mode = 1
	}
	e.reply(ctx, f.Initiator, OpSetSystemAudioMode, mode)
}

func (e *Engine) handleGiveAudioStatus(ctx context.Context, f frame.Frame) {
	e.reply(ctx, f.Initiator, OpReportAudioStatus, AudioStatusDefault)
}

func (e *Engine) handleSetSystemAudioMode(ctx context.Context, f frame.Frame) {
	e.state.AudioSystemMode = len(f.Operands) > 0 && f.Operands[0] == 1
}

func (e *Engine) handleGiveSystemAudioModeStatus(ctx context.Context, f frame.Frame) {
	var status byte
	if e.state.AudioSystemMode {
		status = 1
	}
	e.reply(ctx, f.Initiator, OpSystemAudioModeStatus, status)
}

func (e *Engine) handleRoutingChange(ctx context.Context, f frame.Frame) {
	newAddr := decode16(lastTwo(f.Operands))
	e.state.ActiveSourcePhysicalAddress = newAddr

	if err := e.resolveAddresses(ctx); err != nil {
		e.log.Warn("recomputing addressing after routing change", "err", err)
	}

	if newAddr == e.state.SelfPhysicalAddress {
		e.reply(ctx, f.Initiator, OpImageViewOn)
		e.broadcastActiveSource(ctx)
	}
	e.updateActiveIndicator()
}

func (e *Engine) handleActiveSource(ctx context.Context, f frame.Frame) {
	e.state.ActiveSourcePhysicalAddress = decode16(f.Operands)
	e.state.activeSourceLostCount = 0
	e.updateActiveIndicator()
}

func (e *Engine) handleReportPhysicalAddress(ctx context.Context, f frame.Frame) {
	if f.Initiator != 0 || f.Destination != addressing.Unregistered {
		return
	}
	if err := e.resolveAddresses(ctx); err != nil {
		e.log.Warn("recomputing addressing after TV physical address report", "err", err)
	}
}

func (e *Engine) handleRequestActiveSource(ctx context.Context, f frame.Frame) {
	e.state.activeSourceLostCount++
	trigger := e.state.isActive() || e.state.activeSourceLostCount > activeSourceLostCountBound
	if e.state.activeSourceLostCount > activeSourceLostCountBound {
		e.state.activeSourceLostCount = activeSourceLostCountBound
	}
	if !trigger {
		return
	}
	e.reply(ctx, f.Initiator, OpImageViewOn)
	e.broadcastActiveSource(ctx)
	e.state.activeSourceLostCount = 0
}

func (e *Engine) handleSetStreamPath(ctx context.Context, f frame.Frame) {
	addr := decode16(f.Operands)
	if e.state.SelfPhysicalAddress == 0 || addr != e.state.SelfPhysicalAddress {
		return
	}
	e.state.ActiveSourcePhysicalAddress = addr
	e.reply(ctx, f.Initiator, OpImageViewOn)
	e.broadcastActiveSource(ctx)
	e.state.MenuState = MenuActive
	e.reply(ctx, f.Initiator, OpMenuStatus, MenuStatusActivated)
	e.indicator.Set(indicator.Active)
}

func (e *Engine) handleDeviceVendorID(ctx context.Context, f frame.Frame) {
	if f.Initiator != 0 {
		return
	}
	e.broadcastDeviceVendorID(ctx)
}

func (e *Engine) handleGiveDeviceVendorID(ctx context.Context, f frame.Frame) {
	e.broadcastDeviceVendorID(ctx)
}

func (e *Engine) handleMenuRequest(ctx context.Context, f frame.Frame) {
	if len(f.Operands) > 0 {
		switch f.Operands[0] {
		case MenuRequestActivate:
			e.state.MenuState = MenuActive
		case MenuRequestDeactivate:
			e.state.MenuState = MenuInactive
		}
	}

	status := byte(MenuStatusDeactivated)
	if e.state.MenuState == MenuActive {
		status = MenuStatusActivated
	}
	e.reply(ctx, f.Initiator, OpMenuStatus, status)
}

func (e *Engine) handleGiveDevicePowerStatus(ctx context.Context, f frame.Frame) {
	status := byte(PowerStatusStandby)
	if e.state.isActive() {
		status = PowerStatusOn
	}
	e.reply(ctx, f.Initiator, OpReportPowerStatus, status)
}

func (e *Engine) handleGetCECVersion(ctx context.Context, f frame.Frame) {
	e.reply(ctx, f.Initiator, OpCECVersion, CECVersion1_3a)
}

func (e *Engine) handleGiveOSDName(ctx context.Context, f frame.Frame) {
	e.reply(ctx, f.Initiator, OpSetOSDName, []byte(OSDName)...)
}

func (e *Engine) handleGivePhysicalAddress(ctx context.Context, f frame.Frame) {
	if e.state.SelfPhysicalAddress == 0 {
		return
	}
	pa := encode16(e.state.SelfPhysicalAddress)
	e.reply(ctx, addressing.Unregistered, OpReportPhysicalAddress, pa[0], pa[1], byte(e.cfg.DeviceType))
}

func (e *Engine) handleUserControlPressed(ctx context.Context, f frame.Frame) {
	if len(f.Operands) == 0 {
		return
	}
	keycode, mapped := e.cfg.KeyMap.Get(f.Operands[0])
	if !mapped {
		return
	}
	e.keys.Send(ctx, keycode)
	e.indicator.Set(indicator.KeyPressed)
}

func (e *Engine) handleUserControlReleased(ctx context.Context, f frame.Frame) {
	e.keys.Send(ctx, hidqueue.NoKey)
	e.updateActiveIndicator()
}

func (e *Engine) handleAbort(ctx context.Context, f frame.Frame) {
	e.sendFeatureAbort(ctx, f, ReasonRefused)
}
