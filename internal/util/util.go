package util

import (
	"github.com/berfenger/winet2mqtt/internal/config"

	"go.uber.org/zap"
)

func LoadTestConfig() config.Config {
	return config.Config{
		LogLevel: zap.DebugLevel,
		Acquisition: config.AcquisitionConfig{
			Chain:               []string{config.TRANSPORT_MODBUS, config.TRANSPORT_HTTP},
			EscalationThreshold: 3,
			RetryPrimaryEvery:   10,
			LocalIntervalMillis: 30000,
			CloudIntervalMillis: 300000,
		},
		Modbus: config.ModbusConfig{
			Host:          "-.-.-.-",
			Port:          502,
			SlaveId:       1,
			TimeoutMillis: 10000,
			MaxBlockGap:   10,
			MaxBlockSize:  100,
		},
		HTTP: config.HTTPConfig{
			Host:          "-.-.-.-",
			Port:          8082,
			TimeoutMillis: 10000,
		},
		MQTT: config.MQTTConfig{
			Enable:    true,
			Host:      "localhost",
			Port:      1883,
			BaseTopic: "winet2mqtt",
		},
		Port: 8080,
	}
}
