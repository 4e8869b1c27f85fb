package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/berfenger/winet2mqtt/internal/core/port"
	"github.com/berfenger/winet2mqtt/internal/core/service"
	"github.com/berfenger/winet2mqtt/pkg/isolarcloud"
	"github.com/berfenger/winet2mqtt/pkg/sungrow_modbus"
	"github.com/berfenger/winet2mqtt/pkg/telemetry"
	"github.com/berfenger/winet2mqtt/pkg/winet_http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newHTTPTransport(t *testing.T, body string) *HTTPTransport {
	return newHTTPTransportWithHandler(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	})
}

func newHTTPTransportWithHandler(t *testing.T, handler http.HandlerFunc) *HTTPTransport {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	p, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	client := winet_http.NewClient(winet_http.Config{Host: host, Port: uint(p)}, srv.Client(), zap.NewNop())
	return NewHTTPTransport(client)
}

func newModbusTransport(t *testing.T) (*ModbusTransport, *sungrow_modbus.TestRegisterReader) {
	reader := sungrow_modbus.NewTestRegisterReader()
	client, err := sungrow_modbus.NewClient(reader, "test:502", sungrow_modbus.RegisterTable(),
		sungrow_modbus.BlockOptions{MaxGap: sungrow_modbus.DefaultMaxBlockGap}, zap.NewNop(), nil)
	require.NoError(t, err)
	return NewModbusTransport(client), reader
}

func TestTransportIdentities(t *testing.T) {
	mb, _ := newModbusTransport(t)
	h := newHTTPTransport(t, `{}`)
	assert.Equal(t, ID_MODBUS, mb.Identity())
	assert.Equal(t, port.TransportClassLocal, mb.Class())
	assert.Equal(t, ID_HTTP, h.Identity())
	assert.Equal(t, port.TransportClassLocal, h.Class())
	assert.Equal(t, port.TransportClassCloud, (&CloudTransport{}).Class())
}

func TestModbusToHTTPFallback(t *testing.T) {
	mb, reader := newModbusTransport(t)
	h := newHTTPTransport(t, `{"p_pv": 3200, "soc": 64, "status": 1}`)

	c, err := service.NewCoordinator([]port.Transport{mb, h}, service.Options{RetryPrimaryEvery: -1}, nil, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	res, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Len(t, res.Snapshot.Readings, len(telemetry.Keys()))

	reader.OpenErr = errors.New("connection refused")
	reader.SetReadError(5002, errors.New("connection reset"))
	for i := 0; i < 3; i++ {
		res, err = c.RunCycle(context.Background())
		require.NoError(t, err)
		assert.False(t, res.Success)
	}
	assert.True(t, res.Escalated)
	assert.Equal(t, 1, c.CurrentIndex())

	res, err = c.RunCycle(context.Background())
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, ID_HTTP, res.Transport)

	view, err := c.CurrentSnapshot()
	require.NoError(t, err)
	assert.False(t, view.Stale)
	assert.Equal(t, ID_HTTP, view.Snapshot.Transport)
	assert.Len(t, view.Snapshot.Readings, 3)
	_, ok := view.Snapshot.Get(telemetry.KeyBatteryVoltage)
	assert.False(t, ok, "modbus only key must not leak into the http snapshot")
	assert.Equal(t, 64.0, view.Snapshot.Readings[telemetry.KeyBatterySoC].Value)
}

func newCloudTransport(t *testing.T, logins *atomic.Int32) *CloudTransport {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/userService/login":
			logins.Add(1)
			_, _ = w.Write([]byte(`{"result_code":"1","result_msg":"success","result_data":{"token":"tok"}}`))
		case "/v1/devService/getDevicePoint":
			_, _ = w.Write([]byte(`{"result_code":"1","result_data":{"data_list":[
				{"point_name":"p13003","data_value":"2900"},
				{"point_name":"p13022","data_value":"63"}
			]}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	client, err := isolarcloud.NewClient(isolarcloud.Config{
		BaseURL: srv.URL,
		Credentials: isolarcloud.Credentials{
			Username: "user@example.com",
			Password: "secret",
			AppKey:   "APPKEY",
			Secret:   "s3cr3t",
		},
		DeviceSerial: "SN123",
	}, srv.Client(), zap.NewNop())
	require.NoError(t, err)
	return NewCloudTransport(client)
}

func TestFullChainFallsBackToCloud(t *testing.T) {
	mb, reader := newModbusTransport(t)
	var dongleDown atomic.Bool
	h := newHTTPTransportWithHandler(t, func(w http.ResponseWriter, r *http.Request) {
		if dongleDown.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"p_pv": 3200, "soc": 64}`))
	})
	var logins atomic.Int32
	cl := newCloudTransport(t, &logins)

	c, err := service.NewCoordinator([]port.Transport{mb, h, cl}, service.Options{
		RetryPrimaryEvery:    -1,
		LocalInterval: 30 * time.Second,
		CloudInterval: 5 * time.Minute,
	}, nil, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	reader.OpenErr = errors.New("connection refused")
	dongleDown.Store(true)

	// three modbus failures, then three http failures
	for i := 0; i < 6; i++ {
		res, err := c.RunCycle(context.Background())
		require.NoError(t, err)
		assert.False(t, res.Success)
	}
	assert.Equal(t, 2, c.CurrentIndex())
	assert.Equal(t, 5*time.Minute, c.NextInterval())

	_, err = c.CurrentSnapshot()
	assert.ErrorIs(t, err, service.ErrSnapshotUnavailable)

	res, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, ID_CLOUD, res.Transport)
	assert.Equal(t, int32(1), logins.Load())

	view, err := c.CurrentSnapshot()
	require.NoError(t, err)
	assert.Equal(t, ID_CLOUD, view.Snapshot.Transport)
	assert.Len(t, view.Snapshot.Readings, 2)
	assert.Equal(t, 2900.0, view.Snapshot.Readings[telemetry.KeyPVPower].Value)

	states := c.States()
	require.Len(t, states, 3)
	assert.Equal(t, service.StatusExhausted, states[0].Status)
	assert.Equal(t, service.StatusExhausted, states[1].Status)
	assert.Equal(t, service.StatusActive, states[2].Status)
}
