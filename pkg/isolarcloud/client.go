package isolarcloud

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/berfenger/winet2mqtt/pkg/telemetry"
	"github.com/berfenger/winet2mqtt/pkg/transport"
	"go.uber.org/zap"
)

// pointMap maps cloud measuring points to canonical keys.
var pointMap = map[string]telemetry.Key{
	"p13003": telemetry.KeyPVPower,
	"p13022": telemetry.KeyBatterySoC,
	"p13020": telemetry.KeyBatteryPower,
	"p13009": telemetry.KeyGridExportPower,
	"p13007": telemetry.KeyLoadPower,
	"p5002":  telemetry.KeyDailyPVGeneration,
	"p13025": telemetry.KeyDailyBatteryCharge,
	"p13026": telemetry.KeyDailyBatteryDischarge,
	"p13034": telemetry.KeyDailyGridExport,
	"p13035": telemetry.KeyDailyGridImport,
}

func SupportedKeys() []telemetry.Key {
	keys := make([]telemetry.Key, 0, len(pointMap))
	for _, k := range pointMap {
		keys = append(keys, k)
	}
	return keys
}

type Config struct {
	BaseURL      string
	Credentials  Credentials
	DeviceSerial string
	TokenTTL     time.Duration
	TokenSkew    time.Duration
}

type Client struct {
	session      *Session
	baseURL      string
	deviceSerial string
	http         *http.Client
	logger       *zap.Logger
	now          func() time.Time
}

func NewClient(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	creds := cfg.Credentials
	if creds.Username == "" || creds.Password == "" || creds.AppKey == "" || cfg.DeviceSerial == "" {
		return nil, ErrNoCredentials
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	session := NewSession(cfg.BaseURL, creds, httpClient, cfg.TokenTTL, cfg.TokenSkew, logger)
	return &Client{
		session:      session,
		baseURL:      session.baseURL,
		deviceSerial: cfg.DeviceSerial,
		http:         httpClient,
		logger:       logger,
		now:          time.Now,
	}, nil
}

func (c *Client) Session() *Session {
	return c.session
}

type dataPoint struct {
	PointName string          `json:"point_name"`
	DataValue json.RawMessage `json:"data_value"`
}

type realtimeData struct {
	DataList []dataPoint `json:"data_list"`
}

// GetRealtimeData fetches the latest measuring points of a device. An auth
// failure drops the token; the next call logs in again.
func (c *Client) GetRealtimeData(ctx context.Context, deviceSerial string) (telemetry.Snapshot, error) {
	token, err := c.session.Current(ctx)
	if err != nil {
		return telemetry.Snapshot{}, err
	}

	params := map[string]string{
		"appkey": c.session.creds.AppKey,
		"dev_sn": deviceSerial,
		"token":  token.AccessToken,
	}
	resp, err := post(ctx, c.http, c.baseURL+realtimePath, token.AccessToken, signed(params, token.SigningSecret))
	if err != nil {
		if transport.Classify(err) == transport.KindAuth {
			c.session.Invalidate()
		}
		return telemetry.Snapshot{}, err
	}

	code := resp.code()
	if tokenResultCodes[code] {
		c.session.Invalidate()
		return telemetry.Snapshot{}, &transport.AuthError{Reason: "token rejected: " + resp.ResultMsg}
	}
	if code != resultOK {
		return telemetry.Snapshot{}, &transport.HTTPError{StatusCode: http.StatusOK, Message: code + " " + resp.ResultMsg}
	}

	var data realtimeData
	if err := json.Unmarshal(resp.ResultData, &data); err != nil {
		return telemetry.Snapshot{}, &transport.ParseError{Err: err}
	}

	capturedAt := c.now()
	var readings []telemetry.Reading
	for _, p := range data.DataList {
		key, ok := pointMap[p.PointName]
		if !ok {
			continue
		}
		value, ok := parseNumber(p.DataValue)
		if !ok {
			continue
		}
		readings = append(readings, telemetry.NewReading(key, value, capturedAt))
	}
	c.logger.Debug("cloud: realtime data fetched", zap.Int("points", len(data.DataList)), zap.Int("readings", len(readings)))
	return telemetry.NewSnapshot("cloud", capturedAt, readings), nil
}

func (c *Client) FetchSnapshot(ctx context.Context) (telemetry.Snapshot, error) {
	return c.GetRealtimeData(ctx, c.deviceSerial)
}

func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}
