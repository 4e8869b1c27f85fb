package isolarcloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/berfenger/winet2mqtt/pkg/transport"
)

const (
	DefaultBaseURL = "https://augateway.isolarcloud.com"

	loginPath    = "/v1/userService/login"
	realtimePath = "/v1/devService/getDevicePoint"

	resultOK = "1"

	maxBodyBytes = 1 << 20
)

// result codes the gateway returns for an unusable token
var tokenResultCodes = map[string]bool{
	"E00003": true,
	"-1":     true,
}

type apiResponse struct {
	ResultCode json.RawMessage `json:"result_code"`
	ResultMsg  string          `json:"result_msg"`
	ResultData json.RawMessage `json:"result_data"`
}

func (r apiResponse) code() string {
	return strings.Trim(string(r.ResultCode), `"`)
}

// post sends a JSON body and decodes the gateway envelope. Transport level
// failures come back already classified.
func post(ctx context.Context, client *http.Client, url string, bearer string, body map[string]string) (*apiResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json;charset=UTF-8")
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &transport.ConnectError{Address: url, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &transport.RateLimitedError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &transport.AuthError{Reason: fmt.Sprintf("http status %d", resp.StatusCode)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &transport.HTTPError{StatusCode: resp.StatusCode}
	}

	var out apiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &transport.ParseError{Err: err}
	}
	if len(out.ResultCode) == 0 {
		return nil, &transport.ParseError{Err: errors.New("missing result_code")}
	}
	return &out, nil
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		return time.Until(at)
	}
	return 0
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
