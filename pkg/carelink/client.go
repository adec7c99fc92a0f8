package carelink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aussiebroadwan/carelink/pkg/httpx"
)

const (
	// DefaultDiscoveryURL is the discovery document used by the Android
	// carepartner app.
	DefaultDiscoveryURL = "https://clcloud.minimed.eu/connect/carepartner/v11/discover/android/3.2"

	// DefaultUserAgent mirrors the app's HTTP stack; some vendor edges
	// reject unknown agents.
	DefaultUserAgent = "Dalvik/2.1.0 (Linux; U; Android 10; Nexus 5X Build/QQ3A.200805.001)"

	// HeaderDeviceSession carries the device-session id on every
	// authenticated call.
	HeaderDeviceSession = "mag-identifier"

	defaultHTTPTimeout = 30 * time.Second
	maxBodyBytes       = 1 << 20
)

// Client holds the HTTP plumbing shared by discovery, enrollment, refresh
// and data calls.
type Client struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	UserAgent  string
}

// NewClient returns a Client. A nil httpClient gets a 30 second timeout
// and a nil logger falls back to slog.Default().
func NewClient(httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		HTTPClient: httpClient,
		Logger:     logger,
		UserAgent:  DefaultUserAgent,
	}
}

func (c *Client) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// timeout bounds work that outlives the caller's context, such as a shared
// refresh.
func (c *Client) timeout() time.Duration {
	if c.HTTPClient != nil && c.HTTPClient.Timeout > 0 {
		return c.HTTPClient.Timeout
	}
	return defaultHTTPTimeout
}

// newRequest builds a request with the common headers set.
func (c *Client) newRequest(
	ctx context.Context,
	method, rawURL string,
	body io.Reader,
	headers map[string]string,
) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	return req, nil
}

// do sends req. Network failures come back as *TransportError.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Method: req.Method, URL: redactURL(req.URL), Err: err}
	}
	return resp, nil
}

// get performs a GET with optional query parameters.
func (c *Client) get(ctx context.Context, rawURL string, params url.Values, headers map[string]string) (*http.Response, error) {
	if len(params) > 0 {
		sep := "?"
		if strings.Contains(rawURL, "?") {
			sep = "&"
		}
		rawURL += sep + params.Encode()
	}

	req, err := c.newRequest(ctx, http.MethodGet, rawURL, nil, headers)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// postForm POSTs an application/x-www-form-urlencoded body.
func (c *Client) postForm(ctx context.Context, rawURL string, form url.Values, headers map[string]string) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()), headers)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

// readBody reads and closes the response body, capped at maxBodyBytes.
func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()

	body, err := httpx.ReadLimited(resp.Body, maxBodyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, nil
}

// drain discards and closes a body that will not be used.
func drain(resp *http.Response) {
	_, _ = readBody(resp)
}

// redactURL drops the query string, which may carry codes or challenges.
func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	clean := *u
	clean.RawQuery = ""
	clean.User = nil
	return clean.String()
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}
