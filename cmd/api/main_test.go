package main

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitConfigReadsNestedKeysFromEnv(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("PORT", "")
	t.Setenv("WINET_ACQUISITION_CHAIN", "modbus,http")
	t.Setenv("WINET_ACQUISITION_RETRY_PRIMARY_EVERY", "4")
	t.Setenv("WINET_MODBUS_HOST", "192.168.1.20")
	t.Setenv("WINET_MODBUS_TIMEOUT_MILLIS", "2500")
	t.Setenv("WINET_HTTP_HOST", "192.168.1.21")

	cfg, err := initConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"modbus", "http"}, cfg.Acquisition.Chain)
	assert.Equal(t, 4, cfg.Acquisition.RetryPrimaryEvery)
	assert.Equal(t, "192.168.1.20", cfg.Modbus.Host)
	assert.Equal(t, 2500*time.Millisecond, cfg.Modbus.Timeout())
	assert.Equal(t, "192.168.1.21", cfg.HTTP.Host)
	assert.Equal(t, uint(502), cfg.Modbus.Port)
}

func TestInitConfigRejectsRetryPrimaryEveryCycle(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("PORT", "")
	t.Setenv("WINET_ACQUISITION_CHAIN", "modbus,http")
	t.Setenv("WINET_ACQUISITION_RETRY_PRIMARY_EVERY", "1")
	t.Setenv("WINET_MODBUS_HOST", "192.168.1.20")
	t.Setenv("WINET_HTTP_HOST", "192.168.1.21")

	_, err := initConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acquisition.retry_primary_every")
}
