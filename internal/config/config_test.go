package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromYAML(t *testing.T) {
	la := uint8(0x0F)
	pa := uint16(0x1000)
	doc := yamlDoc{
		DeviceType:        "Playback",
		LogicalAddress:    &la,
		PhysicalAddress:   &pa,
		EDIDSettleDelayMS: 500,
		KeyMap: []keyMapRow{
			{CEC: 0x01, HID: 0x52}, // Up -> Up arrow
			{CEC: 0x02, HID: 0x51}, // Down -> Down arrow
		},
	}

	cfg, err := fromYAML(doc)
	require.NoError(t, err)
	assert.Equal(t, DevicePlayback, cfg.DeviceType)
	assert.Equal(t, uint8(0x0F), cfg.LogicalAddress)
	assert.Equal(t, uint16(0x1000), cfg.PhysicalAddress)
	assert.Equal(t, 500, cfg.EDIDSettleDelayMS)

	hid, mapped := cfg.KeyMap.Get(0x01)
	assert.True(t, mapped)
	assert.Equal(t, uint8(0x52), hid)

	_, mapped = cfg.KeyMap.Get(0x03)
	assert.False(t, mapped)
}

func TestFromYAMLRejectsUnknownDeviceType(t *testing.T) {
	_, err := fromYAML(yamlDoc{DeviceType: "toaster"})
	assert.Error(t, err)
}

func TestFromYAMLDefaultsKeyMapToUnmapped(t *testing.T) {
	var m KeyMap
	// The zero value of the backing array is 0, which must never be
	// mistaken for the legitimate HID code 0x00 ("no key"); only
	// fromYAML's explicit Unmapped fill makes that distinction real.
	cfg, err := fromYAML(yamlDoc{DeviceType: "tv"})
	require.NoError(t, err)
	_, mapped := cfg.KeyMap.Get(0x00)
	assert.False(t, mapped)
	_ = m
}
