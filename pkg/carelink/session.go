package carelink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/aussiebroadwan/carelink/pkg/httpx"
	"golang.org/x/time/rate"
)

// Session issues authenticated data requests. Every request goes through
// the TokenManager for its bearer, and an authorization failure triggers
// exactly one forced refresh and retry.
type Session struct {
	client  *Client
	tokens  *TokenManager
	limiter *rate.Limiter
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithRateLimit paces all requests of the session. The default is unlimited.
func WithRateLimit(config httpx.RateLimitConfig) SessionOption {
	return func(s *Session) {
		if config.Enabled() {
			s.limiter = httpx.NewLimiter(config)
		}
	}
}

// NewSession returns a Session sending data calls with bearers from tokens.
func NewSession(client *Client, tokens *TokenManager, opts ...SessionOption) *Session {
	s := &Session{client: client, tokens: tokens}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Endpoints returns the endpoints of the underlying TokenManager.
func (s *Session) Endpoints() *EndpointConfig {
	return s.tokens.Endpoints()
}

// Do sends an authenticated request. A 401 or 403 is answered with one
// forced refresh and one retry; if the retry is also rejected the result is
// an *AuthExpiredError. Any other status, 5xx included, is returned to the
// caller untouched. The caller closes the response body.
func (s *Session) Do(ctx context.Context, method, rawURL string, body []byte) (*http.Response, error) {
	cred, err := s.tokens.activeCredential(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := s.send(ctx, method, rawURL, body, cred)
	if err != nil {
		return nil, err
	}
	if !isAuthFailure(resp.StatusCode) {
		return resp, nil
	}

	s.client.logger().Info("request rejected, refreshing credential", "status", resp.StatusCode, "path", resp.Request.URL.Path)
	drain(resp)

	retryCred, err := s.tokens.refresh(ctx, cred.AccessToken)
	if err != nil {
		return nil, err
	}

	resp, err = s.send(ctx, method, rawURL, body, retryCred)
	if err != nil {
		return nil, err
	}
	if isAuthFailure(resp.StatusCode) {
		drain(resp)
		return nil, &AuthExpiredError{StatusCode: resp.StatusCode, URL: redactURL(resp.Request.URL)}
	}
	return resp, nil
}

func (s *Session) send(ctx context.Context, method, rawURL string, body []byte, cred *Credential) (*http.Response, error) {
	if cred == nil {
		return nil, noValidCredential(ReasonNotFound)
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	var reader io.Reader
	headers := map[string]string{
		"Authorization":     "Bearer " + cred.AccessToken,
		HeaderDeviceSession: cred.DeviceSessionID,
		"Accept":            "application/json",
	}
	if len(body) > 0 {
		reader = bytes.NewReader(body)
		headers["Content-Type"] = "application/json"
	}

	req, err := s.client.newRequest(ctx, method, rawURL, reader, headers)
	if err != nil {
		return nil, err
	}
	return s.client.do(req)
}

// GetJSON performs an authenticated GET and decodes a 2xx JSON body into
// target. Other statuses become *StatusError.
func (s *Session) GetJSON(ctx context.Context, rawURL string, target any) error {
	resp, err := s.Do(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	return decodeJSON(resp, target)
}

// PostJSON marshals payload, POSTs it and decodes a 2xx JSON body into
// target, which may be nil.
func (s *Session) PostJSON(ctx context.Context, rawURL string, payload, target any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	resp, err := s.Do(ctx, http.MethodPost, rawURL, body)
	if err != nil {
		return err
	}
	return decodeJSON(resp, target)
}

func decodeJSON(resp *http.Response, target any) error {
	body, err := readBody(resp)
	if err != nil {
		return err
	}
	if !isSuccess(resp.StatusCode) {
		return &StatusError{StatusCode: resp.StatusCode, URL: redactURL(resp.Request.URL), Snippet: snippet(body)}
	}
	if target == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func isAuthFailure(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}
