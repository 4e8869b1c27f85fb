package winet_http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/berfenger/winet2mqtt/pkg/telemetry"
	"github.com/berfenger/winet2mqtt/pkg/transport"
	"go.uber.org/zap"
)

const (
	DefaultPort = 8082
	DefaultPath = "/inverter/web/realtime"

	maxBodyBytes = 1 << 20
)

// fieldMap maps dongle JSON fields to canonical keys. The dongle does not
// expose every register, so this is a strict subset of the Modbus table.
var fieldMap = map[string]telemetry.Key{
	"p_pv":                  telemetry.KeyPVPower,
	"e_today":               telemetry.KeyDailyPVGeneration,
	"e_total":               telemetry.KeyTotalPVGeneration,
	"p_grid":                telemetry.KeyGridExportPower,
	"p_load":                telemetry.KeyLoadPower,
	"soc":                   telemetry.KeyBatterySoC,
	"p_bat":                 telemetry.KeyBatteryPower,
	"temp_inv":              telemetry.KeyInverterTemp,
	"status":                telemetry.KeyInverterStatus,
	"e_import_today":        telemetry.KeyDailyGridImport,
	"e_export_today":        telemetry.KeyDailyGridExport,
	"e_bat_charge_today":    telemetry.KeyDailyBatteryCharge,
	"e_bat_discharge_today": telemetry.KeyDailyBatteryDischarge,
	"e_load_today":          telemetry.KeyDailyLoadConsumption,
}

// SupportedKeys returns the keys this transport can supply.
func SupportedKeys() []telemetry.Key {
	keys := make([]telemetry.Key, 0, len(fieldMap))
	for _, k := range fieldMap {
		keys = append(keys, k)
	}
	return keys
}

type Config struct {
	Host     string
	Port     uint
	Path     string
	Username string
	Password string
}

type Client struct {
	url      string
	username string
	password string
	http     *http.Client
	logger   *zap.Logger
	now      func() time.Time
}

func NewClient(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		cfg.Path = "/" + cfg.Path
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		url:      fmt.Sprintf("http://%s:%d%s", cfg.Host, cfg.Port, cfg.Path),
		username: cfg.Username,
		password: cfg.Password,
		http:     httpClient,
		logger:   logger,
		now:      time.Now,
	}
}

func newClientWithURL(url string, httpClient *http.Client, logger *zap.Logger) *Client {
	return &Client{url: url, http: httpClient, logger: logger, now: time.Now}
}

// FetchSnapshot performs a single GET and maps the recognised fields.
func (c *Client) FetchSnapshot(ctx context.Context) (telemetry.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return telemetry.Snapshot{}, err
	}
	req.Header.Set("Accept", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return telemetry.Snapshot{}, ctx.Err()
		}
		return telemetry.Snapshot{}, &transport.ConnectError{Address: c.url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return telemetry.Snapshot{}, &transport.HTTPError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return telemetry.Snapshot{}, err
	}

	fields, err := ParsePayload(body)
	if err != nil {
		return telemetry.Snapshot{}, err
	}

	capturedAt := c.now()
	readings := MapFields(fields, capturedAt)
	c.logger.Debug("http: snapshot fetched", zap.Int("fields", len(fields)), zap.Int("readings", len(readings)))
	return telemetry.NewSnapshot("http", capturedAt, readings), nil
}

type envelope struct {
	ResultCode json.RawMessage            `json:"result_code"`
	ResultMsg  string                     `json:"result_msg"`
	ResultData map[string]json.RawMessage `json:"result_data"`
}

// ParsePayload decodes the body into its top-level fields, unwrapping the
// dongle's result envelope when present.
func ParsePayload(body []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, &transport.ParseError{Err: err}
	}
	if fields == nil {
		return nil, &transport.ParseError{Err: errors.New("payload is not a JSON object")}
	}

	if _, ok := fields["result_code"]; !ok {
		return fields, nil
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &transport.ParseError{Err: err}
	}
	code := strings.Trim(string(env.ResultCode), `"`)
	if code != "1" {
		return nil, &transport.HTTPError{StatusCode: http.StatusOK, Message: fmt.Sprintf("result_code %s %s", code, env.ResultMsg)}
	}
	if env.ResultData == nil {
		return nil, &transport.ParseError{Err: errors.New("missing result_data")}
	}
	return env.ResultData, nil
}

// MapFields converts recognised numeric fields into readings. Unknown fields
// and values that are not numeric are left out.
func MapFields(fields map[string]json.RawMessage, capturedAt time.Time) []telemetry.Reading {
	var readings []telemetry.Reading
	for name, raw := range fields {
		key, ok := fieldMap[name]
		if !ok {
			continue
		}
		value, ok := parseNumber(raw)
		if !ok {
			continue
		}
		readings = append(readings, telemetry.NewReading(key, value, capturedAt))
	}
	return readings
}

func parseNumber(raw json.RawMessage) (float64, bool) {
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err == nil {
			return n, true
		}
	}
	return 0, false
}

func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}
