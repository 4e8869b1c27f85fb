package winet_http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/berfenger/winet2mqtt/pkg/sungrow_modbus"
	"github.com/berfenger/winet2mqtt/pkg/telemetry"
	"github.com/berfenger/winet2mqtt/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func serve(t *testing.T, status int, body string) *Client {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return newClientWithURL(srv.URL+DefaultPath, srv.Client(), zap.NewNop())
}

func TestFetchSnapshot(t *testing.T) {
	client := serve(t, http.StatusOK, `{
		"p_pv": 3200, "e_today": "18.4", "soc": 65.5, "p_bat": -1500,
		"status": 1, "serial": "A2231234", "fw": "WINET-SV200", "p_grid": "n/a"
	}`)

	snap, err := client.FetchSnapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "http", snap.Transport)
	assert.Len(t, snap.Readings, 5)
	assert.Equal(t, 3200.0, snap.Readings[telemetry.KeyPVPower].Value)
	assert.Equal(t, 18.4, snap.Readings[telemetry.KeyDailyPVGeneration].Value)
	assert.Equal(t, -1500.0, snap.Readings[telemetry.KeyBatteryPower].Value)
	assert.Equal(t, "Running", snap.Readings[telemetry.KeyInverterStatus].Enum)
	_, ok := snap.Get(telemetry.KeyGridExportPower)
	assert.False(t, ok, "non numeric field is absent")
}

func TestFetchSnapshotEnvelope(t *testing.T) {
	client := serve(t, http.StatusOK, `{"result_code":1,"result_msg":"success","result_data":{"p_load":870,"e_load_today":9.6}}`)

	snap, err := client.FetchSnapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Readings, 2)
	assert.Equal(t, 870.0, snap.Readings[telemetry.KeyLoadPower].Value)

	client = serve(t, http.StatusOK, `{"result_code":"E916","result_msg":"busy"}`)
	_, err = client.FetchSnapshot(context.Background())
	var httpErr *transport.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Contains(t, httpErr.Message, "E916")
}

func TestFetchSnapshotHttpError(t *testing.T) {
	client := serve(t, http.StatusServiceUnavailable, `oops`)

	_, err := client.FetchSnapshot(context.Background())
	var httpErr *transport.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusServiceUnavailable, httpErr.StatusCode)
}

func TestFetchSnapshotParseError(t *testing.T) {
	for _, body := range []string{`<html>`, `[1,2,3]`, `null`, ``} {
		client := serve(t, http.StatusOK, body)
		_, err := client.FetchSnapshot(context.Background())
		var parseErr *transport.ParseError
		assert.True(t, errors.As(err, &parseErr), "body %q", body)
	}
}

func TestFetchSnapshotTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()
	client := newClientWithURL(srv.URL, srv.Client(), zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.FetchSnapshot(ctx)
	assert.Equal(t, transport.KindTimeout, transport.Classify(err))
}

func TestFetchSnapshotBasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"p_pv":1}`))
	}))
	defer srv.Close()

	client := newClientWithURL(srv.URL, srv.Client(), zap.NewNop())
	_, err := client.FetchSnapshot(context.Background())
	assert.Error(t, err)

	client.username, client.password = "admin", "pw"
	_, err = client.FetchSnapshot(context.Background())
	assert.NoError(t, err)
}

func TestSupportedKeysAreSubsetOfModbus(t *testing.T) {
	modbusKeys := map[telemetry.Key]bool{}
	for _, spec := range sungrow_modbus.RegisterTable() {
		modbusKeys[spec.Key] = true
	}
	keys := SupportedKeys()
	assert.Less(t, len(keys), len(modbusKeys))
	for _, k := range keys {
		assert.True(t, modbusKeys[k], "%s not in modbus table", k)
	}
}

func TestNewClientDefaults(t *testing.T) {
	client := NewClient(Config{Host: "192.168.1.20"}, nil, zap.NewNop())
	assert.Equal(t, "http://192.168.1.20:8082/inverter/web/realtime", client.url)
}
