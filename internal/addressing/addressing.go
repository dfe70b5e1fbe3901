// Package addressing selects a logical address by probing candidates of
// the configured device type and derives the physical address from the
// downstream EDID (§4.3).
package addressing

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/doismellburning/pico-cec-bridge/internal/config"
)

// Unregistered is the "give up" sentinel candidate (§4.3) and also the
// CEC broadcast address.
const Unregistered = 0x0F

// candidates lists the logical-address probe order per device type
// (§4.3), right-padded with Unregistered.
var candidates = map[config.DeviceType][4]uint8{
	config.DeviceTV:        {0, 0, 0, 0},
	config.DeviceRecording: {1, 2, 9, 15},
	config.DeviceReserved:  {15, 15, 15, 15},
	config.DeviceTuner:     {3, 6, 7, 15},
	config.DevicePlayback:  {4, 8, 11, 15},
	config.DeviceAudio:     {5, 5, 5, 5},
}

// Prober is the minimal codec surface needed to probe for a free logical
// address: send a 1-byte poll frame and observe whether it was ACKed.
type Prober interface {
	Poll(ctx context.Context, candidate uint8) (taken bool, err error)
}

// ClaimLogicalAddress implements §4.3's allocation rule: use the
// configured override verbatim unless it requests auto-allocation (0x00 or
// 0x0F), in which case probe the device type's candidate list in order and
// take the first one that does not ACK.
//
// Returns Unregistered if every candidate in the list is already taken —
// the node then answers no direct messages (§8 boundary behavior).
func ClaimLogicalAddress(ctx context.Context, prober Prober, logger *log.Logger, deviceType config.DeviceType, override uint8) (uint8, error) {
	if override != 0x00 && override != 0x0F {
		logger.Info("logical address set by configuration override", "address", override)
		return override, nil
	}

	list, ok := candidates[deviceType]
	if !ok {
		return 0, fmt.Errorf("addressing: no candidate list for device type %s", deviceType)
	}

	for _, candidate := range list {
		if candidate == Unregistered {
			logger.Warn("logical address candidate list exhausted, remaining unregistered")
			return Unregistered, nil
		}
		taken, err := prober.Poll(ctx, candidate)
		if err != nil {
			return 0, fmt.Errorf("addressing: probing candidate 0x%02X: %w", candidate, err)
		}
		if !taken {
			logger.Info("claimed logical address", "address", candidate, "device_type", deviceType)
			return candidate, nil
		}
		logger.Debug("logical address candidate already in use", "address", candidate)
	}
	return Unregistered, nil
}

// EDIDReader is the downstream EDID collaborator (§6, out of scope here):
// I2C/DDC reads and CEC Vendor-Specific Data Block extraction happen on
// the other side of this interface.
type EDIDReader interface {
	PhysicalAddress(ctx context.Context) (uint16, error)
}

// ResolvePhysicalAddress implements §4.3: use the configured override if
// non-zero, else ask the EDID collaborator. A 0x0000 result from either
// source means "unknown."
func ResolvePhysicalAddress(ctx context.Context, reader EDIDReader, logger *log.Logger, override uint16) (uint16, error) {
	if override != 0x0000 {
		logger.Info("physical address set by configuration override", "address", fmt.Sprintf("0x%04X", override))
		return override, nil
	}

	pa, err := reader.PhysicalAddress(ctx)
	if err != nil {
		return 0, fmt.Errorf("addressing: reading EDID physical address: %w", err)
	}
	if pa == 0x0000 {
		logger.Warn("EDID did not yield a physical address; withholding Report Physical Address")
	} else {
		logger.Info("resolved physical address from EDID", "address", fmt.Sprintf("0x%04X", pa))
	}
	return pa, nil
}
