package mqtt

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/berfenger/winet2mqtt/internal/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	MQTT_PAYLOAD_ONLINE  = "online"
	MQTT_PAYLOAD_OFFLINE = "offline"
)

// Message is one outgoing publication.
type Message struct {
	Topic   string
	Payload string
	QoS     byte
	Retain  bool
}

func OptsFromConfig(cfg *config.Config) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTT.Host, cfg.MQTT.Port))
	opts.SetClientID(fmt.Sprintf("%s_%d", cfg.MQTT.BaseTopic, rand.IntN(1000)))
	if cfg.MQTT.Username != "" && cfg.MQTT.Password != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}
	opts.SetKeepAlive(30 * time.Second)

	// brokers flag the bridge offline when the process dies without saying goodbye
	will := BridgeStateMessage(cfg.MQTT.BaseTopic, false)
	opts.SetWill(will.Topic, will.Payload, will.QoS, will.Retain)

	return opts
}

func CreateMQTTClient(cfg *config.Config, opts *mqtt.ClientOptions, onConnectHandler func(client mqtt.Client),
	onConnectionLostHandler func(mqtt.Client, error)) *MQTTClient {
	if onConnectHandler != nil {
		opts.OnConnect = onConnectHandler
	}
	if onConnectionLostHandler != nil {
		opts.OnConnectionLost = onConnectionLostHandler
	}
	return &MQTTClient{
		client:    mqtt.NewClient(opts),
		baseTopic: cfg.MQTT.BaseTopic,
	}
}

type MQTTClient struct {
	client    mqtt.Client
	baseTopic string
}

// BridgeStateMessage is the retained online/offline marker of the bridge.
func BridgeStateMessage(baseTopic string, online bool) Message {
	payload := MQTT_PAYLOAD_OFFLINE
	if online {
		payload = MQTT_PAYLOAD_ONLINE
	}
	return Message{
		Topic:   fmt.Sprintf("%s/bridge/state", baseTopic),
		Payload: payload,
		Retain:  true,
	}
}

func (c *MQTTClient) SensorStateTopic(key string) string {
	return fmt.Sprintf("%s/sensor/%s/state", c.baseTopic, key)
}

func (c *MQTTClient) AcquisitionStateTopic() string {
	return fmt.Sprintf("%s/acquisition/state", c.baseTopic)
}

// Publish sends msg and reports the outcome to continuation from another
// goroutine.
func (c *MQTTClient) Publish(msg Message, continuation func(error), timeout time.Duration) {
	await("publish", c.client.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload), timeout, continuation)
}

func (c *MQTTClient) Connect(continuation func(error), timeout time.Duration) {
	await("connect", c.client.Connect(), timeout, continuation)
}

func (c *MQTTClient) IsConnected() bool {
	return c.client.IsConnected()
}

func (c *MQTTClient) Disconnect(timeout time.Duration) {
	c.client.Disconnect(uint(timeout.Milliseconds()))
}

func await(op string, token mqtt.Token, timeout time.Duration, continuation func(error)) {
	go func() {
		if !token.WaitTimeout(timeout) {
			continuation(fmt.Errorf("MQTT %s timed out", op))
			return
		}
		continuation(token.Error())
	}()
}
