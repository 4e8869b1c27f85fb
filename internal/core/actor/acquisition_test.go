package actor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/berfenger/winet2mqtt/internal/core/domain"
	"github.com/berfenger/winet2mqtt/internal/core/port"
	"github.com/berfenger/winet2mqtt/internal/util/actorutil"
	"github.com/berfenger/winet2mqtt/pkg/telemetry"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCoordinator struct {
	interval time.Duration
	delay    time.Duration
	fail     atomic.Bool

	cycles    atomic.Int32
	running   atomic.Int32
	overlaps  atomic.Int32
	connects  atomic.Int32
	closed    atomic.Bool
}

func (f *fakeCoordinator) Connect(context.Context) {
	f.connects.Add(1)
}

func (f *fakeCoordinator) RunCycle(ctx context.Context) (port.CycleResult, error) {
	if f.running.Add(1) > 1 {
		f.overlaps.Add(1)
	}
	defer f.running.Add(-1)
	f.cycles.Add(1)

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail.Load() {
		return port.CycleResult{ID: "c", Transport: "modbus", Error: errors.New("down"), Stale: true}, nil
	}
	now := time.Now()
	snap := telemetry.NewSnapshot("modbus", now, []telemetry.Reading{
		telemetry.NewReading(telemetry.KeyPVPower, 3250, now),
		telemetry.NewReading(telemetry.KeyInverterStatus, 1, now),
	})
	return port.CycleResult{ID: "c", Transport: "modbus", Success: true, Snapshot: &snap}, nil
}

func (f *fakeCoordinator) NextInterval() time.Duration {
	return f.interval
}

func (f *fakeCoordinator) Close() error {
	f.closed.Store(true)
	return nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []any
}

func (r *eventRecorder) record(ev any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) acquisitionStates() []domain.AcquisitionStateUpdateEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.AcquisitionStateUpdateEvent
	for _, ev := range r.events {
		if s, ok := ev.(domain.AcquisitionStateUpdateEvent); ok {
			out = append(out, s)
		}
	}
	return out
}

func (r *eventRecorder) count(fn func(any) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if fn(ev) {
			n++
		}
	}
	return n
}

func spawnAcquisition(t *testing.T, coord *fakeCoordinator) (*actor.ActorSystem, *actor.PID, *eventRecorder) {
	logger := zap.NewNop()
	as := actorutil.NewActorSystemWithZapLogger(logger)
	es := &eventstream.EventStream{}
	rec := &eventRecorder{}
	es.Subscribe(rec.record)

	props := actor.PropsFromProducer(func() actor.Actor {
		return NewAcquisitionActor(coord, es, time.Second, logger)
	})
	pid := as.Root.Spawn(props)
	t.Cleanup(as.Shutdown)
	return as, pid, rec
}

func TestAcquisitionActorPublishesSnapshots(t *testing.T) {
	coord := &fakeCoordinator{interval: 20 * time.Millisecond}
	_, _, rec := spawnAcquisition(t, coord)

	require.Eventually(t, func() bool { return coord.cycles.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), coord.connects.Load())

	require.Eventually(t, func() bool { return len(rec.acquisitionStates()) >= 3 }, time.Second, 10*time.Millisecond)
	state := rec.acquisitionStates()[0]
	assert.Equal(t, "modbus", state.Transport)
	assert.Equal(t, "using_transport", state.Mode)
	assert.False(t, state.Stale)
	assert.NotNil(t, state.CapturedAt)

	floats := rec.count(func(ev any) bool {
		f, ok := ev.(domain.FloatSensorUpdateEvent)
		return ok && f.Id == string(telemetry.KeyPVPower)
	})
	texts := rec.count(func(ev any) bool {
		_, ok := ev.(domain.TextSensorUpdateEvent)
		return ok
	})
	assert.GreaterOrEqual(t, floats, 3)
	assert.GreaterOrEqual(t, texts, 3)
}

func TestAcquisitionActorFailedCycleIsStale(t *testing.T) {
	coord := &fakeCoordinator{interval: 20 * time.Millisecond}
	_, _, rec := spawnAcquisition(t, coord)

	require.Eventually(t, func() bool { return len(rec.acquisitionStates()) >= 1 }, time.Second, 10*time.Millisecond)
	coord.fail.Store(true)

	require.Eventually(t, func() bool {
		states := rec.acquisitionStates()
		return len(states) > 0 && states[len(states)-1].Stale
	}, time.Second, 10*time.Millisecond)

	states := rec.acquisitionStates()
	last := states[len(states)-1]
	assert.NotNil(t, last.CapturedAt, "stale state still carries the last capture time")
}

func TestAcquisitionActorCyclesNeverOverlap(t *testing.T) {
	coord := &fakeCoordinator{interval: time.Millisecond, delay: 50 * time.Millisecond}
	as, pid, _ := spawnAcquisition(t, coord)

	for i := 0; i < 20; i++ {
		as.Root.Send(pid, domain.RunCycleRequest{})
		time.Sleep(5 * time.Millisecond)
	}
	require.Eventually(t, func() bool { return coord.cycles.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(0), coord.overlaps.Load())
}

func TestAcquisitionActorHealthAndLastCycle(t *testing.T) {
	coord := &fakeCoordinator{interval: time.Hour}
	as, pid, _ := spawnAcquisition(t, coord)

	res, err := as.Root.RequestFuture(pid, domain.ActorHealthRequest{}, time.Second).Result()
	require.NoError(t, err)
	health, ok := res.(domain.ActorHealthResponse)
	require.True(t, ok)
	assert.True(t, health.Healthy)
	assert.Equal(t, domain.ACTOR_ID_ACQUISITION, health.Id)

	require.Eventually(t, func() bool { return coord.cycles.Load() == 1 }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		res, err := as.Root.RequestFuture(pid, domain.GetLastCycleRequest{}, time.Second).Result()
		if err != nil {
			return false
		}
		last := res.(domain.GetLastCycleResponse)
		return !last.HasResponseError() && last.Cycles == 1 && last.Success && last.Transport == "modbus"
	}, time.Second, 10*time.Millisecond)
}

func TestAcquisitionActorClosesCoordinatorOnStop(t *testing.T) {
	coord := &fakeCoordinator{interval: time.Hour}
	as, pid, _ := spawnAcquisition(t, coord)

	require.Eventually(t, func() bool { return coord.cycles.Load() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, as.Root.StopFuture(pid).Wait())
	assert.True(t, coord.closed.Load())
}
