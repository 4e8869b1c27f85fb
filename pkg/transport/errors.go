package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/berfenger/winet2mqtt/pkg/telemetry"
)

var ErrReadTimeout = errors.New("read timeout")

type ConnectError struct {
	Address string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Address, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// ProtocolException is an error explicitly reported by the device.
type ProtocolException struct {
	Code uint8
	Err  error
}

func (e *ProtocolException) Error() string {
	return fmt.Sprintf("protocol exception (code %d): %v", e.Code, e.Err)
}

func (e *ProtocolException) Unwrap() error {
	return e.Err
}

type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "auth: " + e.Reason
}

type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("http status %d", e.StatusCode)
}

type Kind string

const (
	KindNone        Kind = "none"
	KindConnect     Kind = "connect"
	KindTimeout     Kind = "timeout"
	KindProtocol    Kind = "protocol"
	KindParse       Kind = "parse"
	KindAuth        Kind = "auth"
	KindRateLimited Kind = "rate_limited"
	KindHTTP        Kind = "http"
	KindDecode      Kind = "decode"
	KindUnknown     Kind = "unknown"
)

// Classify maps any transport error to a stable kind. Order matters: a
// connect error caused by a timeout is still a connect error.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	var (
		connErr  *ConnectError
		protoErr *ProtocolException
		parseErr *ParseError
		authErr  *AuthError
		rateErr  *RateLimitedError
		httpErr  *HTTPError
		decErr   *telemetry.DecodeError
		netErr   net.Error
	)
	switch {
	case errors.As(err, &decErr):
		return KindDecode
	case errors.As(err, &connErr):
		return KindConnect
	case errors.As(err, &authErr):
		return KindAuth
	case errors.As(err, &rateErr):
		return KindRateLimited
	case errors.As(err, &protoErr):
		return KindProtocol
	case errors.As(err, &parseErr):
		return KindParse
	case errors.As(err, &httpErr):
		return KindHTTP
	case errors.Is(err, ErrReadTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return KindTimeout
	}
	return KindUnknown
}
