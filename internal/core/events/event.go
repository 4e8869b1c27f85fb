package events

import (
	"sort"

	. "github.com/berfenger/winet2mqtt/internal/core/domain"
	"github.com/berfenger/winet2mqtt/internal/core/port"
	"github.com/berfenger/winet2mqtt/internal/core/service"
	"github.com/berfenger/winet2mqtt/pkg/telemetry"
)

const defaultDecimals = 2

// integer valued readings
var decimalsByUnit = map[telemetry.Unit]uint{
	telemetry.UnitMinute: 0,
}

// SnapshotToUpdateEvents turns every reading of a snapshot into a sensor
// update, ordered by key. Enum readings become text sensors.
func SnapshotToUpdateEvents(snap telemetry.Snapshot) []any {
	keys := make([]string, 0, len(snap.Readings))
	for k := range snap.Readings {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)

	events := make([]any, 0, len(keys))
	for _, k := range keys {
		r := snap.Readings[telemetry.Key(k)]
		if r.IsEnum() {
			events = append(events, TextSensorUpdateEvent{
				SensorUpdateEventMixIn: SensorUpdateEventMixIn{Id: k},
				Value:                  r.Enum,
			})
			continue
		}
		decimals, ok := decimalsByUnit[r.Unit]
		if !ok {
			decimals = defaultDecimals
		}
		events = append(events, FloatSensorUpdateEvent{
			SensorUpdateEventMixIn: SensorUpdateEventMixIn{Id: k},
			Value:                  r.Value,
			Unit:                   string(r.Unit),
			Decimals:               decimals,
		})
	}
	return events
}

// CycleResultToAcquisitionState describes the acquisition after a cycle.
// last is the last published snapshot, nil before the first one.
func CycleResultToAcquisitionState(res port.CycleResult, last *telemetry.Snapshot) AcquisitionStateUpdateEvent {
	mode := service.ModeUsingTransport
	if res.AllExhausted {
		mode = service.ModeAllExhausted
	}
	if res.Success && res.Snapshot != nil {
		last = res.Snapshot
	}
	ev := AcquisitionStateUpdateEvent{
		Transport: res.Transport,
		Mode:      string(mode),
		Stale:     !res.Success && last != nil,
		Keys:      []string{},
		Missing:   []string{},
	}
	if last == nil {
		return ev
	}
	capturedAt := last.CapturedAt
	ev.CapturedAt = &capturedAt
	present := last.KeySet()
	for _, k := range telemetry.Keys() {
		if _, ok := present[k]; ok {
			ev.Keys = append(ev.Keys, string(k))
		} else {
			ev.Missing = append(ev.Missing, string(k))
		}
	}
	sort.Strings(ev.Keys)
	sort.Strings(ev.Missing)
	return ev
}

// BridgeStateUpdateEvents announces the bridge going online or offline.
func BridgeStateUpdateEvents(online bool) []any {
	return []any{BridgeStateUpdateEvent{Value: online}}
}
