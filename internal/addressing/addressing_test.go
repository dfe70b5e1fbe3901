package addressing

import (
	"context"
	"io"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/doismellburning/pico-cec-bridge/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	taken map[uint8]bool
	tried []uint8
}

func (p *fakeProber) Poll(_ context.Context, candidate uint8) (bool, error) {
	p.tried = append(p.tried, candidate)
	return p.taken[candidate], nil
}

func testLogger() *log.Logger {
	return log.New(io.Discard)
}

func TestClaimLogicalAddressOverride(t *testing.T) {
	prober := &fakeProber{}
	la, err := ClaimLogicalAddress(context.Background(), prober, testLogger(), config.DevicePlayback, 0x04)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x04), la)
	assert.Empty(t, prober.tried)
}

func TestClaimLogicalAddressNoConflicts(t *testing.T) {
	prober := &fakeProber{taken: map[uint8]bool{}}
	la, err := ClaimLogicalAddress(context.Background(), prober, testLogger(), config.DevicePlayback, 0x00)
	require.NoError(t, err)
	assert.Equal(t, uint8(4), la)
	assert.Equal(t, []uint8{4}, prober.tried)
}

func TestClaimLogicalAddressFallsThrough(t *testing.T) {
	prober := &fakeProber{taken: map[uint8]bool{4: true, 8: true, 11: true}}
	la, err := ClaimLogicalAddress(context.Background(), prober, testLogger(), config.DevicePlayback, 0x0F)
	require.NoError(t, err)
	assert.Equal(t, uint8(Unregistered), la)
	assert.Equal(t, []uint8{4, 8, 11}, prober.tried)
}

func TestClaimLogicalAddressSkipsConflicts(t *testing.T) {
	prober := &fakeProber{taken: map[uint8]bool{4: true}}
	la, err := ClaimLogicalAddress(context.Background(), prober, testLogger(), config.DevicePlayback, 0x00)
	require.NoError(t, err)
	assert.Equal(t, uint8(8), la)
}

type fakeEDID struct {
	pa  uint16
	err error
}

func (f fakeEDID) PhysicalAddress(context.Context) (uint16, error) { return f.pa, f.err }

func TestResolvePhysicalAddressOverride(t *testing.T) {
	pa, err := ResolvePhysicalAddress(context.Background(), fakeEDID{pa: 0x2000}, testLogger(), 0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1000), pa)
}

func TestResolvePhysicalAddressFromEDID(t *testing.T) {
	pa, err := ResolvePhysicalAddress(context.Background(), fakeEDID{pa: 0x2000}, testLogger(), 0x0000)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x2000), pa)
}

func TestResolvePhysicalAddressUnknown(t *testing.T) {
	pa, err := ResolvePhysicalAddress(context.Background(), fakeEDID{pa: 0x0000}, testLogger(), 0x0000)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0000), pa)
}
