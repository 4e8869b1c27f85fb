package actor

import (
	"testing"
	"time"

	adactor "github.com/berfenger/winet2mqtt/internal/adapter/actor"
	"github.com/berfenger/winet2mqtt/internal/core/domain"
	"github.com/berfenger/winet2mqtt/internal/util"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func spawnMaster(t *testing.T, withMQTT bool) (*actor.RootContext, *actor.PID, *fakeCoordinator) {
	as := actor.NewActorSystem()
	t.Cleanup(as.Shutdown)

	cfg := util.LoadTestConfig()
	logger := zap.NewNop()
	coord := &fakeCoordinator{interval: time.Hour}

	var mqttProvider MQTTActorProvider
	if withMQTT {
		mqttProvider = func(es *eventstream.EventStream) *adactor.MQTTActor {
			return adactor.NewTestMQTTActor(&cfg, es, logger)
		}
	}
	props := actor.PropsFromProducer(func() actor.Actor {
		return NewMasterOfPuppetsActor(func(es *eventstream.EventStream) *AcquisitionActor {
			return NewAcquisitionActor(coord, es, time.Second, logger)
		}, mqttProvider, nil, logger)
	})
	pid, err := as.Root.SpawnNamed(props, domain.ACTOR_ID_MASTER)
	require.NoError(t, err)
	return as.Root, pid, coord
}

func TestMasterActorHealth(t *testing.T) {
	root, pid, _ := spawnMaster(t, true)

	res, err := root.RequestFuture(pid, domain.ActorHealthRequest{}, 5*time.Second).Result()
	require.NoError(t, err)
	healthResp, ok := res.(domain.ActorHealthResponse)
	require.True(t, ok)
	assert.Equal(t, domain.ACTOR_ID_MASTER, healthResp.Id)
	assert.True(t, healthResp.Healthy, "healthy is true")
}

func TestMasterActorWithoutMQTT(t *testing.T) {
	root, pid, coord := spawnMaster(t, false)

	res, err := root.RequestFuture(pid, domain.ActorHealthRequest{}, 5*time.Second).Result()
	require.NoError(t, err)
	assert.True(t, res.(domain.ActorHealthResponse).Healthy)

	lastCycles := func() uint64 {
		res, err := root.RequestFuture(pid, domain.GetLastCycleRequest{}, time.Second).Result()
		if err != nil {
			return 0
		}
		return res.(domain.GetLastCycleResponse).Cycles
	}
	require.Eventually(t, func() bool { return lastCycles() == 1 }, time.Second, 10*time.Millisecond)

	root.Send(pid, domain.RunCycleRequest{})
	require.Eventually(t, func() bool { return lastCycles() == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), coord.cycles.Load())
}

func TestMasterActorStopClosesTransports(t *testing.T) {
	root, pid, coord := spawnMaster(t, true)

	require.Eventually(t, func() bool { return coord.cycles.Load() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, root.StopFuture(pid).Wait())
	assert.True(t, coord.closed.Load())

	// children going away during shutdown must not bring the master back
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), coord.cycles.Load())
	assert.Equal(t, int32(1), coord.connects.Load())

	_, err := root.RequestFuture(pid, domain.ActorHealthRequest{}, 200*time.Millisecond).Result()
	assert.Error(t, err, "master is gone")
}
