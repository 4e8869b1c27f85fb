package port

import (
	"context"
	"time"

	"github.com/berfenger/winet2mqtt/pkg/telemetry"
)

type TransportClass string

const (
	TransportClassLocal TransportClass = "local"
	TransportClassCloud TransportClass = "cloud"
)

// Transport is one way of acquiring a Snapshot from the inverter.
type Transport interface {
	Identity() string
	Class() TransportClass
	// Connect prepares the transport (session, token). FetchSnapshot connects
	// lazily too, so calling it is optional.
	Connect(ctx context.Context) error
	FetchSnapshot(ctx context.Context) (telemetry.Snapshot, error)
	Close() error
}

// AcquisitionCoordinator is what the acquisition actor drives.
type AcquisitionCoordinator interface {
	// Connect warms up the first transport of the chain. Failures are not fatal.
	Connect(ctx context.Context)
	RunCycle(ctx context.Context) (CycleResult, error)
	NextInterval() time.Duration
	Close() error
}

type CycleResult struct {
	ID           string
	Transport    string
	Index        int
	PrimaryRetry bool
	Success      bool
	Escalated    bool
	Recovered    bool
	Stale        bool
	// AllExhausted is set while every transport of the chain is failing
	AllExhausted bool
	Error        error
	Duration     time.Duration
	Snapshot     *telemetry.Snapshot
}
