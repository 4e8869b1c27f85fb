package isolarcloud

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/berfenger/winet2mqtt/pkg/transport"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	DefaultTokenTTL  = 23 * time.Hour
	DefaultTokenSkew = 60 * time.Second
)

type AuthToken struct {
	AccessToken   string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	SigningSecret string
}

type Credentials struct {
	Username string
	Password string
	AppKey   string
	Secret   string
}

// Session owns the cloud token. It logs in on demand and never retries a
// failed login within the same call.
type Session struct {
	mu      sync.Mutex
	baseURL string
	creds   Credentials
	http    *http.Client
	ttl     time.Duration
	skew    time.Duration
	token   *AuthToken
	logger  *zap.Logger
	now     func() time.Time
}

func NewSession(baseURL string, creds Credentials, httpClient *http.Client, ttl, skew time.Duration, logger *zap.Logger) *Session {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if skew <= 0 {
		skew = DefaultTokenSkew
	}
	return &Session{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		http:    httpClient,
		ttl:     ttl,
		skew:    skew,
		logger:  logger,
		now:     time.Now,
	}
}

type loginData struct {
	Token string `json:"token"`
}

// Login exchanges credentials for a token and caches it.
func (s *Session) Login(ctx context.Context, username, password string) (*AuthToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.login(ctx, username, password)
}

func (s *Session) login(ctx context.Context, username, password string) (*AuthToken, error) {
	if username == "" || password == "" {
		return nil, &transport.AuthError{Reason: "missing credentials"}
	}
	params := map[string]string{
		"user_account":  username,
		"user_password": HashPassword(password),
		"appkey":        s.creds.AppKey,
	}
	resp, err := post(ctx, s.http, s.baseURL+loginPath, "", signed(params, s.creds.Secret))
	if err != nil {
		return nil, err
	}
	if resp.code() != resultOK {
		return nil, &transport.AuthError{Reason: "login rejected: " + resp.ResultMsg}
	}
	var data loginData
	if err := json.Unmarshal(resp.ResultData, &data); err != nil {
		return nil, &transport.ParseError{Err: err}
	}
	if data.Token == "" {
		return nil, &transport.AuthError{Reason: "login returned an empty token"}
	}

	issuedAt := s.now()
	token := &AuthToken{
		AccessToken:   data.Token,
		IssuedAt:      issuedAt,
		ExpiresAt:     s.expiry(data.Token, issuedAt),
		SigningSecret: s.creds.Secret,
	}
	s.token = token
	s.logger.Info("cloud: logged in", zap.Time("expiresAt", token.ExpiresAt))
	return token, nil
}

// expiry prefers the exp claim when the token is a JWT. The signature is not
// checked; the gateway is the authority on validity.
func (s *Session) expiry(accessToken string, issuedAt time.Time) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return issuedAt.Add(s.ttl)
}

// EnsureValid returns token unchanged while it is fresh, otherwise logs in
// once. A nil token forces a login.
func (s *Session) EnsureValid(ctx context.Context, token *AuthToken) (*AuthToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token != nil && s.now().Before(token.ExpiresAt.Add(-s.skew)) {
		return token, nil
	}
	if token != nil {
		s.logger.Debug("cloud: token expired, logging in again")
	}
	return s.login(ctx, s.creds.Username, s.creds.Password)
}

// Current returns the cached token, refreshing it if needed.
func (s *Session) Current(ctx context.Context) (*AuthToken, error) {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()
	return s.EnsureValid(ctx, token)
}

func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != nil {
		s.logger.Info("cloud: token invalidated")
	}
	s.token = nil
}

func (s *Session) HasToken() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token != nil
}

var ErrNoCredentials = errors.New("cloud credentials not configured")
