// Package config loads the device configuration (§3 "Device configuration")
// read once at startup, following the search-path-then-parse shape of the
// teacher's tocalls.yaml loader (deviceid_init) but for this system's own
// small, fully-typed record.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DeviceType enumerates the CEC device types (§3), in the numeric order
// CEC itself assigns them.
type DeviceType uint8

const (
	DeviceTV         DeviceType = 0
	DeviceRecording  DeviceType = 1
	DeviceReserved   DeviceType = 2
	DeviceTuner      DeviceType = 3
	DevicePlayback   DeviceType = 4
	DeviceAudio      DeviceType = 5
)

func (d DeviceType) String() string {
	switch d {
	case DeviceTV:
		return "TV"
	case DeviceRecording:
		return "Recording"
	case DeviceReserved:
		return "Reserved"
	case DeviceTuner:
		return "Tuner"
	case DevicePlayback:
		return "Playback"
	case DeviceAudio:
		return "Audio"
	default:
		return fmt.Sprintf("DeviceType(%d)", uint8(d))
	}
}

// Unmapped is the key-map sentinel for a CEC user-control code with no HID
// keycode assigned — distinct from the legitimate HID "no key" code 0x00
// (§9 "Key map representation").
const Unmapped int16 = -1

// KeyMap is the 256-entry CEC-user-control-code -> HID-keycode table (§3).
type KeyMap [256]int16

// Get returns the mapped HID keycode and whether code is mapped at all.
func (m KeyMap) Get(code uint8) (hidKeycode uint8, mapped bool) {
	v := m[code]
	if v == Unmapped {
		return 0, false
	}
	return uint8(v), true
}

// Config is the device configuration loaded once at startup (§3).
type Config struct {
	DeviceType        DeviceType
	LogicalAddress    uint8  // 0x00 or 0x0F requests auto-allocation
	PhysicalAddress   uint16 // 0x0000 requests EDID-derived lookup
	EDIDSettleDelayMS int
	KeyMap            KeyMap
}

// yamlDoc is the on-disk shape, kept distinct from Config so the public
// struct carries only validated, typed values.
type yamlDoc struct {
	DeviceType        string      `yaml:"device_type"`
	LogicalAddress    *uint8      `yaml:"logical_address"`
	PhysicalAddress   *uint16     `yaml:"physical_address"`
	EDIDSettleDelayMS int         `yaml:"edid_settle_delay_ms"`
	KeyMap            []keyMapRow `yaml:"key_map"`
}

type keyMapRow struct {
	CEC uint8 `yaml:"cec"`
	HID uint8 `yaml:"hid"`
}

var deviceTypeNames = map[string]DeviceType{
	"tv":        DeviceTV,
	"recording": DeviceRecording,
	"reserved":  DeviceReserved,
	"tuner":     DeviceTuner,
	"playback":  DevicePlayback,
	"audio":     DeviceAudio,
}

// SearchPaths mirrors the teacher's multi-location config search
// (deviceid_init's search_locations), letting the same binary find its
// config whether run from a source checkout, an installed prefix, or the
// working directory of a service manager.
var SearchPaths = []string{
	"pico-cec.yaml",
	"./config/pico-cec.yaml",
	"/etc/pico-cec/config.yaml",
	"/usr/local/etc/pico-cec/config.yaml",
}

// Load reads and parses the first config file found along SearchPaths (or
// path, if non-empty, taking priority over the search list).
//
// A load failure is fatal per §7: the caller does not start the engine.
func Load(path string) (Config, error) {
	var data []byte
	var err error
	var found string

	if path != "" {
		data, err = os.ReadFile(path)
		found = path
	} else {
		for _, candidate := range SearchPaths {
			data, err = os.ReadFile(candidate)
			if err == nil {
				found = candidate
				break
			}
		}
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: no readable config file found: %w", err)
	}

	var doc yamlDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", found, err)
	}

	return fromYAML(doc)
}

func fromYAML(doc yamlDoc) (Config, error) {
	dt, ok := deviceTypeNames[normalizeDeviceType(doc.DeviceType)]
	if !ok {
		return Config{}, fmt.Errorf("config: unknown device_type %q", doc.DeviceType)
	}

	cfg := Config{
		DeviceType:        dt,
		EDIDSettleDelayMS: doc.EDIDSettleDelayMS,
	}
	if doc.LogicalAddress != nil {
		cfg.LogicalAddress = *doc.LogicalAddress
	}
	if doc.PhysicalAddress != nil {
		cfg.PhysicalAddress = *doc.PhysicalAddress
	}

	for i := range cfg.KeyMap {
		cfg.KeyMap[i] = Unmapped
	}
	for _, row := range doc.KeyMap {
		cfg.KeyMap[row.CEC] = int16(row.HID)
	}

	return cfg, nil
}

func normalizeDeviceType(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}
