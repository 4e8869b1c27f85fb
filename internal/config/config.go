package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
)

const (
	TRANSPORT_MODBUS = "modbus"
	TRANSPORT_HTTP   = "http"
	TRANSPORT_CLOUD  = "cloud"
)

type Config struct {
	LogLevel    zapcore.Level
	Port        uint              `mapstructure:"port"`
	HttpLog     bool              `mapstructure:"http_log"`
	Acquisition AcquisitionConfig `mapstructure:"acquisition"`
	Modbus      ModbusConfig      `mapstructure:"modbus"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Cloud       CloudConfig       `mapstructure:"cloud"`
	MQTT        MQTTConfig        `mapstructure:"mqtt"`
}

type AcquisitionConfig struct {
	Chain               []string `mapstructure:"chain"`
	EscalationThreshold int      `mapstructure:"escalation_threshold"`
	RetryPrimaryEvery   int      `mapstructure:"retry_primary_every"`
	LocalIntervalMillis uint32   `mapstructure:"local_interval_millis"`
	CloudIntervalMillis uint32   `mapstructure:"cloud_interval_millis"`
}

type ModbusConfig struct {
	Host          string
	Port          uint
	SlaveId       uint8  `mapstructure:"slave_id"`
	TimeoutMillis uint32 `mapstructure:"timeout_millis"`
	MaxBlockGap   uint16 `mapstructure:"max_block_gap"`
	MaxBlockSize  uint16 `mapstructure:"max_block_size"`
}

type HTTPConfig struct {
	Host          string
	Port          uint
	Path          string
	Username      string
	Password      string
	TimeoutMillis uint32 `mapstructure:"timeout_millis"`
}

type CloudConfig struct {
	BaseURL          string `mapstructure:"base_url"`
	Username         string
	Password         string
	AppKey           string `mapstructure:"app_key"`
	Secret           string
	DeviceSN         string `mapstructure:"device_sn"`
	TimeoutMillis    uint32 `mapstructure:"timeout_millis"`
	TokenTTLMinutes  uint32 `mapstructure:"token_ttl_minutes"`
	TokenSkewSeconds uint32 `mapstructure:"token_skew_seconds"`
}

type MQTTConfig struct {
	Enable    bool
	Host      string
	Port      int
	Username  string
	Password  string
	BaseTopic string `mapstructure:"base_topic"`
}

func (c AcquisitionConfig) LocalInterval() time.Duration {
	return time.Duration(c.LocalIntervalMillis) * time.Millisecond
}

func (c AcquisitionConfig) CloudInterval() time.Duration {
	return time.Duration(c.CloudIntervalMillis) * time.Millisecond
}

func (c ModbusConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMillis) * time.Millisecond
}

func (c HTTPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMillis) * time.Millisecond
}

func (c CloudConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMillis) * time.Millisecond
}

func (c CloudConfig) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLMinutes) * time.Minute
}

func (c CloudConfig) TokenSkew() time.Duration {
	return time.Duration(c.TokenSkewSeconds) * time.Second
}

func CheckMQTTTopic(baseTopic string) (string, error) {
	// check and fix base topic
	lowerBaseTopic := strings.ToLower(baseTopic)
	baseTopicRegexp := regexp.MustCompile("^[a-z0-9_]+$")
	if !baseTopicRegexp.MatchString(lowerBaseTopic) {
		return "", errors.New("invalid topic. can only contain letters, numbers and underscores")
	}
	return lowerBaseTopic, nil
}

// ParseChain normalizes the fallback chain. Entries may also come as a single
// comma separated value (env vars).
func ParseChain(entries []string) ([]string, error) {
	var chain []string
	seen := map[string]bool{}
	for _, entry := range entries {
		for _, name := range strings.Split(entry, ",") {
			name = strings.ToLower(strings.TrimSpace(name))
			if name == "" {
				continue
			}
			switch name {
			case TRANSPORT_MODBUS, TRANSPORT_HTTP, TRANSPORT_CLOUD:
			default:
				return nil, fmt.Errorf("unknown transport %q in acquisition.chain", name)
			}
			if seen[name] {
				return nil, fmt.Errorf("transport %q listed twice in acquisition.chain", name)
			}
			seen[name] = true
			chain = append(chain, name)
		}
	}
	if len(chain) == 0 {
		return nil, errors.New("acquisition.chain is empty")
	}
	return chain, nil
}

// Check validates the transports listed in the chain have what they need.
func (c *Config) Check() error {
	var errs []error
	for _, name := range c.Acquisition.Chain {
		switch name {
		case TRANSPORT_MODBUS:
			if c.Modbus.Host == "" {
				errs = append(errs, errors.New("config param modbus.host is required"))
			}
			if c.Modbus.MaxBlockSize > 125 {
				errs = append(errs, errors.New("config param modbus.max_block_size should be <= 125"))
			}
		case TRANSPORT_HTTP:
			if c.HTTP.Host == "" {
				errs = append(errs, errors.New("config param http.host is required"))
			}
		case TRANSPORT_CLOUD:
			if c.Cloud.Username == "" || c.Cloud.Password == "" || c.Cloud.AppKey == "" || c.Cloud.DeviceSN == "" {
				errs = append(errs, errors.New("config params cloud.username, cloud.password, cloud.app_key and cloud.device_sn are required"))
			}
		}
	}
	if c.Acquisition.EscalationThreshold < 1 {
		errs = append(errs, errors.New("config param acquisition.escalation_threshold should be >= 1"))
	}
	if c.Acquisition.RetryPrimaryEvery == 1 {
		errs = append(errs, errors.New("config param acquisition.retry_primary_every should be >= 2, or negative to disable"))
	}
	if c.Acquisition.LocalIntervalMillis < 1000 {
		errs = append(errs, errors.New("config param acquisition.local_interval_millis should be >= 1000"))
	}
	if c.Acquisition.CloudIntervalMillis < 60000 {
		errs = append(errs, errors.New("config param acquisition.cloud_interval_millis should be >= 60000"))
	}
	return errors.Join(errs...)
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	const redacted = "*redacted*"
	c.Acquisition.Chain = append([]string(nil), c.Acquisition.Chain...)
	if c.HTTP.Password != "" {
		c.HTTP.Password = redacted
	}
	c.Cloud.Username = redacted
	c.Cloud.Password = redacted
	c.Cloud.AppKey = redacted
	c.Cloud.Secret = redacted
	c.MQTT.Username = redacted
	c.MQTT.Password = redacted
	return c
}
