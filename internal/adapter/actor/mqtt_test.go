package actor

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/berfenger/winet2mqtt/internal/core/domain"
	"github.com/berfenger/winet2mqtt/internal/util"
	"github.com/berfenger/winet2mqtt/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMQTTActor(t *testing.T) {

	cfg := util.LoadTestConfig()

	logger := zap.NewNop()

	as := actorutil.NewActorSystemWithZapLogger(logger)
	defer as.Shutdown()

	context := as.Root

	es := &eventstream.EventStream{}

	act := NewTestMQTTActor(&cfg, es, logger)
	props := actor.PropsFromProducer(func() actor.Actor { return act })
	pid := context.Spawn(props)

	result, err := context.RequestFuture(pid, domain.ActorHealthRequest{}, 2*time.Second).Result()
	require.NoError(t, err)
	resp, ok := result.(domain.ActorHealthResponse)
	assert.True(t, ok)
	assert.True(t, resp.Healthy)

	capturedAt := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	es.Publish(domain.FloatSensorUpdateEvent{
		SensorUpdateEventMixIn: domain.SensorUpdateEventMixIn{Id: "pv_power"},
		Value:                  3250,
		Decimals:               2,
	})
	es.Publish(domain.TextSensorUpdateEvent{
		SensorUpdateEventMixIn: domain.SensorUpdateEventMixIn{Id: "inverter_status"},
		Value:                  "Running",
	})
	es.Publish("not for the bridge")
	es.Publish(domain.AcquisitionStateUpdateEvent{
		Transport:  "http",
		Mode:       "using_transport",
		CapturedAt: &capturedAt,
		Keys:       []string{"pv_power"},
		Missing:    []string{"battery_voltage"},
	})

	require.Eventually(t, func() bool { return len(act.publishedMessages()) == 4 }, 2*time.Second, 10*time.Millisecond)
	msgs := act.publishedMessages()

	// announced through the event stream once subscribed
	assert.Equal(t, "winet2mqtt/bridge/state", msgs[0].Topic)
	assert.Equal(t, "online", msgs[0].Payload)
	assert.True(t, msgs[0].Retain)
	msgs = msgs[1:]

	assert.Equal(t, "winet2mqtt/sensor/pv_power/state", msgs[0].Topic)
	assert.Equal(t, "3250.00", msgs[0].Payload)
	assert.False(t, msgs[0].Retain)
	assert.Equal(t, byte(1), msgs[0].QoS)

	assert.Equal(t, "winet2mqtt/sensor/inverter_status/state", msgs[1].Topic)
	assert.Equal(t, "Running", msgs[1].Payload)

	assert.Equal(t, "winet2mqtt/acquisition/state", msgs[2].Topic)
	assert.True(t, msgs[2].Retain)
	var state map[string]any
	require.NoError(t, json.Unmarshal([]byte(msgs[2].Payload), &state))
	assert.Equal(t, "http", state["transport"])
	assert.Equal(t, false, state["stale"])
	assert.Equal(t, "2024-06-01T12:00:00Z", state["captured_at"])
	assert.Equal(t, []any{"pv_power"}, state["keys"])
	assert.Equal(t, []any{"battery_voltage"}, state["missing"])

	require.NoError(t, context.StopFuture(pid).Wait())
}

func TestBridgeStateMessage(t *testing.T) {
	cfg := util.LoadTestConfig()
	act := NewTestMQTTActor(&cfg, &eventstream.EventStream{}, zap.NewNop())
	as := actor.NewActorSystem()
	defer as.Shutdown()
	pid := as.Root.Spawn(actor.PropsFromProducer(func() actor.Actor { return act }))
	_, err := as.Root.RequestFuture(pid, domain.ActorHealthRequest{}, time.Second).Result()
	require.NoError(t, err)

	msg := act.event2MQTTMessage(domain.BridgeStateUpdateEvent{Value: false})
	require.NotNil(t, msg)
	assert.Equal(t, "winet2mqtt/bridge/state", msg.Topic)
	assert.Equal(t, "offline", msg.Payload)
	assert.True(t, msg.Retain)
	assert.Nil(t, act.event2MQTTMessage(42))
}
