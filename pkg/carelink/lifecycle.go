package carelink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// State of the credential held by a TokenManager.
type State int

const (
	StateUninitialized State = iota
	StateValid
	StateExpiring
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateValid:
		return "VALID"
	case StateExpiring:
		return "EXPIRING"
	case StateInvalid:
		return "INVALID"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// DefaultFreshnessMargin is how long before expiry a token counts as EXPIRING.
const DefaultFreshnessMargin = 10 * time.Minute

// Reasons reported with StateInvalid.
const (
	ReasonNotFound        = "no stored credential"
	ReasonCorrupt         = "stored credential unreadable"
	ReasonStoreFailed     = "credential store failed"
	ReasonIncomplete      = "credential incomplete"
	ReasonUndecodable     = "access token undecodable"
	ReasonExpired         = "access token expired"
	ReasonRefreshRejected = "refresh rejected"
)

// Single-flight keys. Refreshes join refreshes and enrollments join
// enrollments; the two kinds never join each other.
const (
	refreshFlight = "refresh"
	enrollFlight  = "enroll"
)

// Snapshot is a point-in-time view of a TokenManager.
type Snapshot struct {
	State     State
	Reason    string
	ExpiresAt time.Time
	Payload   *TokenPayload
}

// TokenManager owns the credential lifecycle: it loads the credential,
// classifies it, refreshes it, and hands out bearer values. Refresh and
// enrollment never run concurrently for the same manager; callers that
// arrive during one join its result. A refresh arriving during an
// enrollment waits for it, and the other way round.
type TokenManager struct {
	client *Client
	store  CredentialStore
	margin time.Duration
	now    func() time.Time

	flight singleflight.Group
	// exclusive is held by the leader of a refresh or enrollment flight.
	exclusive sync.Mutex

	mu         sync.RWMutex
	endpoints  *EndpointConfig
	cred       *Credential
	loaded     bool
	loadReason string
	rejected   error
}

// Option configures a TokenManager.
type Option func(*TokenManager)

// WithFreshnessMargin sets how early a token is refreshed.
func WithFreshnessMargin(d time.Duration) Option {
	return func(m *TokenManager) {
		if d >= 0 {
			m.margin = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *TokenManager) { m.now = now }
}

// WithClient sets the HTTP client used for refresh calls.
func WithClient(c *Client) Option {
	return func(m *TokenManager) { m.client = c }
}

// NewTokenManager returns a manager in StateUninitialized. endpoints may be
// nil until SetEndpoints is called; only refresh needs them.
func NewTokenManager(store CredentialStore, endpoints *EndpointConfig, opts ...Option) *TokenManager {
	m := &TokenManager{
		store:     store,
		endpoints: endpoints,
		margin:    DefaultFreshnessMargin,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.client == nil {
		m.client = NewClient(nil, nil)
	}
	return m
}

// SetEndpoints installs resolved endpoints, e.g. once the country claim of
// a loaded credential is known.
func (m *TokenManager) SetEndpoints(endpoints *EndpointConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpoints = endpoints
}

// Endpoints returns the endpoints in use, or nil.
func (m *TokenManager) Endpoints() *EndpointConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.endpoints
}

// Load reads the credential from the store and classifies it. A missing,
// undecodable or incomplete record yields StateInvalid. The returned error
// is non-nil only for store failures other than not-found and corrupt.
func (m *TokenManager) Load(ctx context.Context) (State, error) {
	cred, err := m.store.Load(ctx)

	m.mu.Lock()
	m.loaded = true
	m.loadReason = ""
	var storeErr error
	switch {
	case errors.Is(err, ErrCredentialNotFound):
		m.cred = nil
		m.loadReason = ReasonNotFound
	case errors.Is(err, ErrCredentialCorrupt):
		m.cred = nil
		m.loadReason = ReasonCorrupt
	case err != nil:
		m.cred = nil
		m.loadReason = ReasonStoreFailed
		storeErr = fmt.Errorf("failed to load credential: %w", err)
	default:
		if m.rejected != nil && !sameTokens(m.cred, cred) {
			m.rejected = nil
		}
		m.cred = cred
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()

	log := m.client.logger()
	if snap.State == StateInvalid {
		log.Warn("credential loaded", "state", snap.State, "reason", snap.Reason)
	} else {
		log.Info("credential loaded", "state", snap.State, "expires_at", snap.ExpiresAt)
	}
	return snap.State, storeErr
}

// State returns the current classification.
func (m *TokenManager) State() State {
	return m.Snapshot().State
}

// Snapshot returns state, reason and decoded payload.
func (m *TokenManager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

// Payload decodes the current access token.
func (m *TokenManager) Payload() (*TokenPayload, error) {
	m.mu.RLock()
	cred := m.cred
	m.mu.RUnlock()

	if cred == nil {
		return nil, noValidCredential(ReasonNotFound)
	}
	return DecodePayload(cred.AccessToken)
}

func (m *TokenManager) snapshotLocked() Snapshot {
	if !m.loaded {
		return Snapshot{State: StateUninitialized, Reason: "not loaded"}
	}
	if m.loadReason != "" {
		return Snapshot{State: StateInvalid, Reason: m.loadReason}
	}
	if m.cred == nil {
		return Snapshot{State: StateInvalid, Reason: ReasonNotFound}
	}
	if missing := m.cred.MissingFields(); len(missing) > 0 {
		return Snapshot{State: StateInvalid, Reason: ReasonIncomplete + ": missing " + strings.Join(missing, ", ")}
	}

	payload, err := DecodePayload(m.cred.AccessToken)
	if err != nil {
		return Snapshot{State: StateInvalid, Reason: ReasonUndecodable}
	}

	snap := Snapshot{ExpiresAt: payload.ExpiresAt, Payload: payload}
	remaining := payload.ExpiresAt.Sub(m.now())
	switch {
	case m.rejected != nil:
		snap.State, snap.Reason = StateInvalid, ReasonRefreshRejected
	case remaining < 0:
		snap.State, snap.Reason = StateInvalid, ReasonExpired
	case remaining < m.margin:
		snap.State = StateExpiring
	default:
		snap.State = StateValid
	}
	return snap
}

// CurrentBearer returns "Bearer <access_token>", refreshing first when the
// token is EXPIRING. A token that is already past exp gets one refresh
// attempt too, provided no refresh has been rejected. Otherwise an INVALID
// credential fails with ErrNoValidCredential.
func (m *TokenManager) CurrentBearer(ctx context.Context) (string, error) {
	cred, err := m.activeCredential(ctx)
	if err != nil {
		return "", err
	}
	return "Bearer " + cred.AccessToken, nil
}

// activeCredential is CurrentBearer returning the whole credential, which
// the session needs for the device-session header.
func (m *TokenManager) activeCredential(ctx context.Context) (*Credential, error) {
	snap := m.Snapshot()
	if snap.State == StateUninitialized {
		if _, err := m.Load(ctx); err != nil {
			return nil, err
		}
		snap = m.Snapshot()
	}

	m.mu.RLock()
	cred := m.cred.clone()
	m.mu.RUnlock()

	switch {
	case snap.State == StateValid:
		return cred, nil
	case snap.State == StateExpiring, snap.State == StateInvalid && snap.Reason == ReasonExpired:
		return m.refresh(ctx, cred.AccessToken)
	default:
		return nil, noValidCredential(snap.Reason)
	}
}

// Refresh forces a refresh of the current credential.
func (m *TokenManager) Refresh(ctx context.Context) error {
	m.mu.RLock()
	cred := m.cred
	m.mu.RUnlock()

	if cred == nil {
		return noValidCredential(ReasonNotFound)
	}
	_, err := m.refresh(ctx, cred.AccessToken)
	return err
}

// RefreshAfterRejection handles a 401/403 from a data call made with
// rejectedToken. If another caller already replaced that token, the
// current bearer is returned without a second refresh.
func (m *TokenManager) RefreshAfterRejection(ctx context.Context, rejectedToken string) (string, error) {
	cred, err := m.refresh(ctx, rejectedToken)
	if err != nil {
		return "", err
	}
	return "Bearer " + cred.AccessToken, nil
}

// refresh replaces observed through the single flight. If the current
// access token is no longer observed, another flight already refreshed it
// and the current credential is returned as is.
//
// The request runs detached from ctx, bounded by the client timeout, since
// joined callers share its result. ctx only limits how long this caller
// waits.
func (m *TokenManager) refresh(ctx context.Context, observed string) (*Credential, error) {
	flightCtx := context.WithoutCancel(ctx)
	ch := m.flight.DoChan(refreshFlight, func() (any, error) {
		m.exclusive.Lock()
		defer m.exclusive.Unlock()

		reqCtx, cancel := context.WithTimeout(flightCtx, m.client.timeout())
		defer cancel()
		return m.doRefresh(reqCtx, observed)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			m.client.logger().Debug("joined in-flight refresh")
		}
		return res.Val.(*Credential).clone(), nil
	}
}

func (m *TokenManager) doRefresh(ctx context.Context, observed string) (*Credential, error) {
	m.mu.RLock()
	cur := m.cred.clone()
	rejected := m.rejected
	endpoints := m.endpoints
	m.mu.RUnlock()

	switch {
	case cur == nil || !cur.Usable():
		return nil, noValidCredential(ReasonIncomplete)
	case rejected != nil:
		return nil, fmt.Errorf("%w: %w", ErrNoValidCredential, rejected)
	case cur.AccessToken != observed:
		return cur, nil
	case endpoints == nil || endpoints.TokenRefreshURL == "":
		return nil, errors.New("carelink: no token refresh URL resolved")
	}

	updated, err := m.requestRefresh(ctx, endpoints.TokenRefreshURL, cur)
	if err != nil {
		var refreshErr *RefreshError
		if errors.As(err, &refreshErr) {
			m.mu.Lock()
			if sameTokens(m.cred, cur) {
				m.rejected = refreshErr
			}
			m.mu.Unlock()
			m.client.logger().Error("token refresh rejected", "status", refreshErr.StatusCode, "error", err)
			return nil, fmt.Errorf("%w: %w", ErrNoValidCredential, err)
		}
		m.client.logger().Warn("token refresh failed", "error", err)
		return nil, err
	}

	m.mu.Lock()
	if !sameTokens(m.cred, cur) {
		// Install replaced the credential while the request was out.
		current := m.cred.clone()
		m.mu.Unlock()
		if current == nil {
			return nil, noValidCredential(ReasonNotFound)
		}
		return current, nil
	}
	m.cred = updated
	m.rejected = nil
	m.mu.Unlock()

	// The new tokens stay in memory even if persisting fails; the old
	// refresh token is already spent.
	if err := m.store.Save(ctx, updated); err != nil {
		m.client.logger().Error("failed to persist refreshed credential", "error", err)
	}

	m.client.logger().Info("token refreshed", "credential", updated)
	return updated.clone(), nil
}

// requestRefresh performs the refresh_token grant. Only the access and
// refresh tokens of the returned credential differ from cur.
func (m *TokenManager) requestRefresh(ctx context.Context, tokenURL string, cur *Credential) (*Credential, error) {
	form := url.Values{
		"refresh_token": {cur.RefreshToken},
		"client_id":     {cur.ClientID},
		"client_secret": {cur.ClientSecret},
		"grant_type":    {"refresh_token"},
	}
	headers := map[string]string{HeaderDeviceSession: cur.DeviceSessionID}

	resp, err := m.client.postForm(ctx, tokenURL, form, headers)
	if err != nil {
		return nil, err
	}

	body, err := readBody(resp)
	if err != nil {
		return nil, &TransportError{Method: http.MethodPost, URL: tokenURL, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &RefreshError{
			StatusCode: resp.StatusCode,
			Snippet:    snippet(body),
			Vendor:     parseVendorError(resp.StatusCode, body),
		}
	}

	var out tokenResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &RefreshError{StatusCode: resp.StatusCode, Err: err}
	}
	if out.AccessToken == "" {
		return nil, &RefreshError{StatusCode: resp.StatusCode, Err: errors.New("response missing access_token")}
	}

	updated := cur.clone()
	updated.AccessToken = out.AccessToken
	if out.RefreshToken != "" {
		updated.RefreshToken = out.RefreshToken
	}
	return updated, nil
}

// Install persists a freshly enrolled credential and makes it current,
// clearing any rejected-refresh state. The credential stays current even
// when persisting fails; the error is returned so the caller can react.
func (m *TokenManager) Install(ctx context.Context, cred *Credential) error {
	if missing := cred.MissingFields(); len(missing) > 0 {
		return fmt.Errorf("carelink: cannot install incomplete credential, missing %s", strings.Join(missing, ", "))
	}

	m.mu.Lock()
	m.cred = cred.clone()
	m.loaded = true
	m.loadReason = ""
	m.rejected = nil
	m.mu.Unlock()

	if err := m.store.Save(ctx, cred); err != nil {
		return fmt.Errorf("failed to persist credential: %w", err)
	}
	return nil
}

// Enroll runs enrollment and installs the result. It waits for an
// in-flight refresh to finish first; concurrent Enroll calls share one
// enrollment. If enrollment fails while the manager is INVALID the error
// also matches ErrNoValidCredential.
func (m *TokenManager) Enroll(ctx context.Context, enroller *Enroller, endpoints *EndpointConfig) (*Credential, error) {
	v, err, _ := m.flight.Do(enrollFlight, func() (any, error) {
		m.exclusive.Lock()
		defer m.exclusive.Unlock()

		cred, err := enroller.Enroll(ctx, endpoints)
		if err != nil {
			return nil, err
		}

		m.SetEndpoints(endpoints)
		if err := m.Install(ctx, cred); err != nil {
			return cred, err
		}
		return cred, nil
	})
	if err != nil {
		var enrollErr *EnrollmentError
		if errors.As(err, &enrollErr) && m.State() == StateInvalid {
			return nil, fmt.Errorf("%w: %w", ErrNoValidCredential, err)
		}
		if v != nil {
			return v.(*Credential).clone(), err
		}
		return nil, err
	}
	return v.(*Credential).clone(), nil
}

func sameTokens(a, b *Credential) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.AccessToken == b.AccessToken && a.RefreshToken == b.RefreshToken
}
