package carelink_test

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aussiebroadwan/carelink/pkg/carelink"
	"github.com/aussiebroadwan/carelink/pkg/httpx"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const (
	testIDTokenType = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	testRedirectURI = "com.medtronic.carepartner:/sso"
	testScope       = "profile openid msso"
)

// fakeVendor emulates the discovery, SSO and data endpoints.
type fakeVendor struct {
	t   *testing.T
	srv *httptest.Server

	refreshCalls  atomic.Int32
	dataCalls     atomic.Int32
	registerCalls atomic.Int32

	mu               sync.Mutex
	refreshStatus    int
	refreshDelay     time.Duration
	refreshForms     []url.Values
	refreshHeaders   []string
	accessTTL        time.Duration
	issued           int
	clientInitStatus int
	noProviders      bool
	registerStatus   int
	omitRegHeaders   bool
	exchangeStatus   int
	authorizeParams  url.Values
	registerHeaders  http.Header
	registeredCSR    *x509.CertificateRequest
	exchangeForm     url.Values
	exchangeHeader   string
	dataHandler      http.HandlerFunc
	acceptedTokens   map[string]bool
}

func newFakeVendor(t *testing.T) *fakeVendor {
	t.Helper()

	v := &fakeVendor{
		t:              t,
		refreshStatus:  http.StatusOK,
		accessTTL:      time.Hour,
		acceptedTokens: map[string]bool{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /discover", v.handleDiscover)
	mux.HandleFunc("GET /sso", v.handleSSO)
	mux.HandleFunc("POST /auth/connect/device/client", v.handleClientInit)
	mux.HandleFunc("GET /auth/oauth/v2/authorize", v.handleAuthorize)
	mux.HandleFunc("POST /auth/connect/device/register", v.handleRegister)
	mux.HandleFunc("POST /auth/token", v.handleToken)
	mux.HandleFunc("/api/", v.handleData)

	v.srv = httptest.NewServer(mux)
	t.Cleanup(v.srv.Close)
	return v
}

func (v *fakeVendor) discoveryURL() string { return v.srv.URL + "/discover" }

func (v *fakeVendor) tokenURL() string {
	u, _ := url.Parse(v.srv.URL)
	return fmt.Sprintf("http://%s:%s/auth/token", u.Hostname(), u.Port())
}

func (v *fakeVendor) dataURL(path string) string { return v.srv.URL + "/api" + path }

func (v *fakeVendor) handleDiscover(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"supportedCountries": []map[string]any{
			{"NL": map[string]string{"region": "EU"}},
			{"US": map[string]string{"region": "US"}},
		},
		"CP": []map[string]string{
			{
				"region":           "US",
				"SSOConfiguration": v.srv.URL + "/sso",
				"baseUrlCareLink":  v.srv.URL + "/api/us",
				"baseUrlCumulus":   v.srv.URL + "/api/us-display",
			},
			{
				"region":           "EU",
				"SSOConfiguration": v.srv.URL + "/sso",
				"baseUrlCareLink":  v.srv.URL + "/api/carepartner/v2",
				"baseUrlCumulus":   v.srv.URL + "/api/display",
			},
		},
	})
}

func (v *fakeVendor) handleSSO(w http.ResponseWriter, _ *http.Request) {
	u, _ := url.Parse(v.srv.URL)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"server": map[string]any{
			"hostname": u.Hostname(),
			"port":     u.Port(),
			"prefix":   "auth",
		},
		"oauth": map[string]any{
			"client": map[string]any{
				"client_ids": []map[string]string{
					{"client_id": "app-client", "scope": testScope, "redirect_uri": testRedirectURI},
				},
				"organization": "Medtronic",
			},
			"system_endpoints": map[string]string{
				"authorization_endpoint_path": "/oauth/v2/authorize",
				"token_endpoint_path":         "/token",
			},
		},
		"mag": map[string]any{
			"system_endpoints": map[string]string{
				"client_credential_init_endpoint_path": "/connect/device/client",
				"device_register_endpoint_path":        "/connect/device/register",
			},
			"mobile_sdk": map[string]any{
				"client_cert_rsa_keybits": 1024,
			},
		},
	})
}

func (v *fakeVendor) handleClientInit(w http.ResponseWriter, r *http.Request) {
	v.mu.Lock()
	status := v.clientInitStatus
	v.mu.Unlock()
	if status != 0 {
		httpx.WriteJSON(w, status, map[string]string{"error": "server_error", "error_description": "init down"})
		return
	}

	_ = r.ParseForm()
	if r.PostForm.Get("client_id") != "app-client" || r.PostForm.Get("nonce") == "" || r.Header.Get("device-id") == "" {
		httpx.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{
		"client_id":     "enrolled-client",
		"client_secret": "enrolled-secret",
	})
}

func (v *fakeVendor) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	v.mu.Lock()
	v.authorizeParams = r.URL.Query()
	noProviders := v.noProviders
	v.mu.Unlock()

	if noProviders {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"providers": []any{}})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"providers": []map[string]any{
			{"provider": map[string]string{"auth_url": v.srv.URL + "/login?session=abc"}},
		},
	})
}

func (v *fakeVendor) handleRegister(w http.ResponseWriter, r *http.Request) {
	v.registerCalls.Add(1)

	body, _ := io.ReadAll(r.Body)
	csr, err := parseEncodedCSR(body)
	if err != nil {
		v.t.Errorf("register: %v", err)
		httpx.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	v.mu.Lock()
	v.registerHeaders = r.Header.Clone()
	v.registeredCSR = csr
	status := v.registerStatus
	omit := v.omitRegHeaders
	v.mu.Unlock()

	if status != 0 {
		httpx.WriteJSON(w, status, map[string]string{
			"error":             "invalid_request",
			"error_description": "code already used",
		})
		return
	}
	if !omit {
		w.Header().Set("id-token", "id-token-1")
		w.Header().Set("id-token-type", testIDTokenType)
		w.Header().Set("mag-identifier", "mag-123")
	}
	w.WriteHeader(http.StatusOK)
}

func (v *fakeVendor) handleToken(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()

	if r.PostForm.Get("grant_type") == "refresh_token" {
		v.handleRefresh(w, r)
		return
	}

	v.mu.Lock()
	v.exchangeForm = r.PostForm
	v.exchangeHeader = r.Header.Get("mag-identifier")
	status := v.exchangeStatus
	v.mu.Unlock()

	if status != 0 {
		httpx.WriteJSON(w, status, map[string]string{"error": "invalid_grant", "error_description": "assertion expired"})
		return
	}
	if r.PostForm.Get("grant_type") != testIDTokenType || r.PostForm.Get("assertion") != "id-token-1" {
		httpx.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"access_token":  v.issue(),
		"refresh_token": "refresh-from-exchange",
		"scope":         testScope,
		"expires_in":    3600,
		"token_type":    "Bearer",
	})
}

func (v *fakeVendor) handleRefresh(w http.ResponseWriter, r *http.Request) {
	n := v.refreshCalls.Add(1)

	v.mu.Lock()
	v.refreshForms = append(v.refreshForms, r.PostForm)
	v.refreshHeaders = append(v.refreshHeaders, r.Header.Get("mag-identifier"))
	status := v.refreshStatus
	delay := v.refreshDelay
	v.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if status != http.StatusOK {
		httpx.WriteJSON(w, status, map[string]string{
			"error":             "invalid_grant",
			"error_description": "refresh_token=" + r.PostForm.Get("refresh_token") + " is revoked",
		})
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"access_token":  v.issue(),
		"refresh_token": fmt.Sprintf("refresh-%d", n),
		"expires_in":    3600,
		"token_type":    "Bearer",
	})
}

func (v *fakeVendor) handleData(w http.ResponseWriter, r *http.Request) {
	v.dataCalls.Add(1)

	v.mu.Lock()
	handler := v.dataHandler
	v.mu.Unlock()
	if handler != nil {
		handler(w, r)
		return
	}

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !v.accepted(token) || r.Header.Get("mag-identifier") == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"username": "alice"})
}

// issue mints a new access token and marks it accepted by the data API.
func (v *fakeVendor) issue() string {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.issued++
	token := mintToken(v.t, time.Now().Add(v.accessTTL), fmt.Sprintf("issued-%d", v.issued))
	v.acceptedTokens[token] = true
	return token
}

func (v *fakeVendor) accept(token string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.acceptedTokens[token] = true
}

func (v *fakeVendor) accepted(token string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.acceptedTokens[token]
}

func (v *fakeVendor) set(fn func(v *fakeVendor)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fn(v)
}

// resolve runs discovery against the fake for the EU region.
func (v *fakeVendor) resolve(t *testing.T, client *carelink.Client) *carelink.EndpointConfig {
	t.Helper()
	resolver := carelink.NewResolver(client)
	resolver.Scheme = "http"
	endpoints, err := resolver.Resolve(context.Background(), v.discoveryURL(), carelink.RegionEU)
	require.NoError(t, err)
	return endpoints
}

// mintToken returns a signed JWT shaped like a CareLink access token. The
// subject makes every token unique.
func mintToken(t *testing.T, exp time.Time, subject string) string {
	t.Helper()

	claims := jwt.MapClaims{
		"sub": subject,
		"exp": exp.Unix(),
		"token_details": map[string]any{
			"country":            "nl",
			"preferred_username": "alice",
			"roles":              []string{"CARE_PARTNER_OUS"},
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("vendor-test-key"))
	require.NoError(t, err)
	return token
}

func testCredential(t *testing.T, exp time.Time) *carelink.Credential {
	t.Helper()
	return &carelink.Credential{
		AccessToken:     mintToken(t, exp, "stored"),
		RefreshToken:    "refresh-0",
		Scope:           testScope,
		ClientID:        "enrolled-client",
		ClientSecret:    "enrolled-secret",
		DeviceSessionID: "mag-123",
	}
}

func testClient() *carelink.Client {
	return carelink.NewClient(&http.Client{Timeout: 5 * time.Second}, slog.New(slog.DiscardHandler))
}

func parseEncodedCSR(body []byte) (*x509.CertificateRequest, error) {
	der, err := base64.URLEncoding.DecodeString(string(body))
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificateRequest(der)
}
