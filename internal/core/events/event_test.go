package events

import (
	"errors"
	"testing"
	"time"

	"github.com/berfenger/winet2mqtt/internal/core/domain"
	"github.com/berfenger/winet2mqtt/internal/core/port"
	"github.com/berfenger/winet2mqtt/pkg/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotToUpdateEvents(t *testing.T) {
	now := time.Now()
	snap := telemetry.NewSnapshot("modbus", now, []telemetry.Reading{
		telemetry.NewReading(telemetry.KeyPVPower, 3250, now),
		telemetry.NewReading(telemetry.KeyInverterStatus, 1, now),
		telemetry.NewReading(telemetry.KeyDailyRunningTime, 415, now),
	})

	evs := SnapshotToUpdateEvents(snap)
	require.Len(t, evs, 3)

	running, ok := evs[0].(domain.FloatSensorUpdateEvent)
	require.True(t, ok)
	assert.Equal(t, string(telemetry.KeyDailyRunningTime), running.Id)
	assert.Equal(t, uint(0), running.Decimals)

	status, ok := evs[1].(domain.TextSensorUpdateEvent)
	require.True(t, ok)
	assert.Equal(t, string(telemetry.KeyInverterStatus), status.Id)
	assert.Equal(t, "Running", status.Value)

	pv, ok := evs[2].(domain.FloatSensorUpdateEvent)
	require.True(t, ok)
	assert.Equal(t, string(telemetry.KeyPVPower), pv.Id)
	assert.Equal(t, 3250.0, pv.Value)
	assert.Equal(t, "W", pv.Unit)
	assert.Equal(t, uint(2), pv.Decimals)
}

func TestCycleResultToAcquisitionState(t *testing.T) {
	now := time.Now()
	snap := telemetry.NewSnapshot("http", now, []telemetry.Reading{
		telemetry.NewReading(telemetry.KeyPVPower, 3200, now),
		telemetry.NewReading(telemetry.KeyBatterySoC, 64, now),
	})

	ev := CycleResultToAcquisitionState(port.CycleResult{Transport: "http", Success: true, Snapshot: &snap}, nil)
	assert.Equal(t, "http", ev.Transport)
	assert.Equal(t, "using_transport", ev.Mode)
	assert.False(t, ev.Stale)
	require.NotNil(t, ev.CapturedAt)
	assert.Equal(t, now, *ev.CapturedAt)
	assert.Equal(t, []string{string(telemetry.KeyBatterySoC), string(telemetry.KeyPVPower)}, ev.Keys)
	assert.Len(t, ev.Missing, len(telemetry.Keys())-2)
	assert.Contains(t, ev.Missing, string(telemetry.KeyBatteryVoltage))
	assert.NotContains(t, ev.Missing, string(telemetry.KeyPVPower))

	ev = CycleResultToAcquisitionState(port.CycleResult{Transport: "cloud", AllExhausted: true, Error: errors.New("down")}, &snap)
	assert.Equal(t, "cloud", ev.Transport)
	assert.Equal(t, "all_exhausted", ev.Mode)
	assert.True(t, ev.Stale)
	assert.Equal(t, now, *ev.CapturedAt)
	assert.Len(t, ev.Keys, 2, "keys of the stale snapshot")

	ev = CycleResultToAcquisitionState(port.CycleResult{Transport: "modbus", Error: errors.New("down")}, nil)
	assert.False(t, ev.Stale)
	assert.Nil(t, ev.CapturedAt)
	assert.Empty(t, ev.Keys)
	assert.Empty(t, ev.Missing)
}

func TestBridgeStateUpdateEvents(t *testing.T) {
	evs := BridgeStateUpdateEvents(true)
	require.Len(t, evs, 1)
	bridge, ok := evs[0].(domain.BridgeStateUpdateEvent)
	require.True(t, ok)
	assert.True(t, bridge.Value)
}
