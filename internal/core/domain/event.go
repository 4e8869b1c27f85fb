package domain

import (
	"time"
)

type SensorUpdateEventMixIn struct {
	Id string
}

// SensorUpdateEvent carries the latest state of one published sensor.
type SensorUpdateEvent interface {
	SensorId() string
}

func (e SensorUpdateEventMixIn) SensorId() string {
	return e.Id
}

type FloatSensorUpdateEvent struct {
	SensorUpdateEventMixIn
	Value    float64
	Unit     string
	Decimals uint
}

type TextSensorUpdateEvent struct {
	SensorUpdateEventMixIn
	Value string
}

type BridgeStateUpdateEvent struct {
	SensorUpdateEventMixIn
	Value bool
}

// AcquisitionStateUpdateEvent is published after every cycle.
type AcquisitionStateUpdateEvent struct {
	Transport string `json:"transport"`
	Mode      string `json:"mode"`
	Stale     bool   `json:"stale"`
	// CapturedAt of the last published snapshot, nil before the first one
	CapturedAt *time.Time `json:"captured_at"`
	// Keys the last snapshot carries; Missing are canonical keys it lacks,
	// whose sensor topics still hold values from an earlier transport
	Keys    []string `json:"keys"`
	Missing []string `json:"missing"`
}
