package transport

import (
	"context"

	"github.com/berfenger/winet2mqtt/internal/core/port"
	"github.com/berfenger/winet2mqtt/pkg/isolarcloud"
	"github.com/berfenger/winet2mqtt/pkg/sungrow_modbus"
	"github.com/berfenger/winet2mqtt/pkg/telemetry"
	"github.com/berfenger/winet2mqtt/pkg/winet_http"
)

const (
	ID_MODBUS = "modbus"
	ID_HTTP   = "http"
	ID_CLOUD  = "cloud"
)

type ModbusTransport struct {
	client *sungrow_modbus.Client
}

func NewModbusTransport(client *sungrow_modbus.Client) *ModbusTransport {
	return &ModbusTransport{client: client}
}

func (t *ModbusTransport) Identity() string           { return ID_MODBUS }
func (t *ModbusTransport) Class() port.TransportClass { return port.TransportClassLocal }

func (t *ModbusTransport) Connect(ctx context.Context) error {
	return t.client.Connect(ctx)
}

func (t *ModbusTransport) FetchSnapshot(ctx context.Context) (telemetry.Snapshot, error) {
	return t.client.ReadAll(ctx)
}

func (t *ModbusTransport) Close() error {
	return t.client.Close()
}

type HTTPTransport struct {
	client *winet_http.Client
}

func NewHTTPTransport(client *winet_http.Client) *HTTPTransport {
	return &HTTPTransport{client: client}
}

func (t *HTTPTransport) Identity() string           { return ID_HTTP }
func (t *HTTPTransport) Class() port.TransportClass { return port.TransportClassLocal }

// Connect is a no-op: every poll is a standalone request.
func (t *HTTPTransport) Connect(context.Context) error {
	return nil
}

func (t *HTTPTransport) FetchSnapshot(ctx context.Context) (telemetry.Snapshot, error) {
	return t.client.FetchSnapshot(ctx)
}

func (t *HTTPTransport) Close() error {
	return t.client.Close()
}

type CloudTransport struct {
	client *isolarcloud.Client
}

func NewCloudTransport(client *isolarcloud.Client) *CloudTransport {
	return &CloudTransport{client: client}
}

func (t *CloudTransport) Identity() string           { return ID_CLOUD }
func (t *CloudTransport) Class() port.TransportClass { return port.TransportClassCloud }

// Connect logs in ahead of the first poll.
func (t *CloudTransport) Connect(ctx context.Context) error {
	_, err := t.client.Session().Current(ctx)
	return err
}

func (t *CloudTransport) FetchSnapshot(ctx context.Context) (telemetry.Snapshot, error) {
	return t.client.FetchSnapshot(ctx)
}

func (t *CloudTransport) Close() error {
	t.client.Session().Invalidate()
	return t.client.Close()
}

var (
	_ port.Transport = (*ModbusTransport)(nil)
	_ port.Transport = (*HTTPTransport)(nil)
	_ port.Transport = (*CloudTransport)(nil)
)
