package carelink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// discoveryDocument is the public document listing regional deployments.
type discoveryDocument struct {
	CP                 []deploymentEntry          `json:"CP"`
	SupportedCountries []map[string]countryRegion `json:"supportedCountries"`
}

type deploymentEntry struct {
	Region           string `json:"region" validate:"required"`
	SSOConfiguration string `json:"SSOConfiguration" validate:"required,url"`
	BaseURLCareLink  string `json:"baseUrlCareLink"`
	BaseURLCumulus   string `json:"baseUrlCumulus"`
}

type countryRegion struct {
	Region string `json:"region"`
}

// SSOConfig is the subset of the SSO configuration document used for
// enrollment and refresh.
type SSOConfig struct {
	Server SSOServer `json:"server"`
	OAuth  SSOOAuth  `json:"oauth"`
	MAG    SSOMAG    `json:"mag"`
}

// SSOServer locates the identity provider.
type SSOServer struct {
	Hostname string      `json:"hostname" validate:"required"`
	Port     json.Number `json:"port"`
	Prefix   string      `json:"prefix"`
}

// SSOOAuth lists the OAuth clients and endpoint paths.
type SSOOAuth struct {
	Client          SSOClient            `json:"client"`
	SystemEndpoints OAuthSystemEndpoints `json:"system_endpoints"`
}

type SSOClient struct {
	ClientIDs    []SSOClientID `json:"client_ids" validate:"required,min=1,dive"`
	Organization string        `json:"organization" validate:"required"`
}

type SSOClientID struct {
	ClientID    string `json:"client_id" validate:"required"`
	Scope       string `json:"scope" validate:"required"`
	RedirectURI string `json:"redirect_uri" validate:"required"`
}

type OAuthSystemEndpoints struct {
	AuthorizationEndpointPath string `json:"authorization_endpoint_path" validate:"required"`
	TokenEndpointPath         string `json:"token_endpoint_path" validate:"required"`
}

// SSOMAG describes device registration (mobile API gateway).
type SSOMAG struct {
	SystemEndpoints MAGSystemEndpoints `json:"system_endpoints"`
	MobileSDK       MAGMobileSDK       `json:"mobile_sdk"`
}

type MAGSystemEndpoints struct {
	ClientCredentialInitEndpointPath string `json:"client_credential_init_endpoint_path" validate:"required"`
	DeviceRegisterEndpointPath       string `json:"device_register_endpoint_path" validate:"required"`
}

type MAGMobileSDK struct {
	ClientCertRSAKeyBits json.Number `json:"client_cert_rsa_keybits"`
}

// PrimaryClient returns the first configured OAuth client, which is the
// one the mobile app uses.
func (s *SSOConfig) PrimaryClient() SSOClientID {
	if len(s.OAuth.Client.ClientIDs) == 0 {
		return SSOClientID{}
	}
	return s.OAuth.Client.ClientIDs[0]
}

// RSAKeyBits returns the advertised client certificate key size, or 0.
func (s *SSOConfig) RSAKeyBits() int {
	bits, err := strconv.Atoi(s.MAG.MobileSDK.ClientCertRSAKeyBits.String())
	if err != nil {
		return 0
	}
	return bits
}

// BaseURL assembles scheme://hostname:port/prefix.
func (s *SSOConfig) BaseURL(scheme string) string {
	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(s.Server.Hostname)
	if port := s.Server.Port.String(); port != "" {
		b.WriteString(":")
		b.WriteString(port)
	}
	if prefix := strings.Trim(s.Server.Prefix, "/"); prefix != "" {
		b.WriteString("/")
		b.WriteString(prefix)
	}
	return b.String()
}

// Resolver turns a discovery document into an EndpointConfig. It performs
// two GETs per call and never retries.
type Resolver struct {
	Client *Client

	// Scheme used for the SSO server base URL. Defaults to https.
	Scheme string

	validate *validator.Validate
}

// NewResolver returns a Resolver using https for SSO base URLs.
func NewResolver(client *Client) *Resolver {
	return &Resolver{
		Client:   client,
		Scheme:   "https",
		validate: validator.New(),
	}
}

// Resolve selects the deployment for region and fetches its SSO
// configuration. Every failure is a *DiscoveryError.
func (r *Resolver) Resolve(ctx context.Context, discoveryURL string, region Region) (*EndpointConfig, error) {
	doc, err := r.fetchDiscovery(ctx, discoveryURL)
	if err != nil {
		return nil, err
	}
	return r.resolveEntry(ctx, discoveryURL, doc, region)
}

// ResolveCountry maps an ISO country code to its region through the
// supportedCountries table, then resolves that region.
func (r *Resolver) ResolveCountry(ctx context.Context, discoveryURL, country string) (*EndpointConfig, error) {
	doc, err := r.fetchDiscovery(ctx, discoveryURL)
	if err != nil {
		return nil, err
	}

	code := strings.ToUpper(strings.TrimSpace(country))
	for _, entry := range doc.SupportedCountries {
		if cr, ok := entry[code]; ok && cr.Region != "" {
			r.Client.logger().Debug("resolved country to region", "country", code, "region", cr.Region)
			return r.resolveEntry(ctx, discoveryURL, doc, Region(strings.ToUpper(cr.Region)))
		}
	}

	return nil, &DiscoveryError{
		URL: discoveryURL,
		Err: fmt.Errorf("country %q is not supported", code),
	}
}

func (r *Resolver) resolveEntry(ctx context.Context, discoveryURL string, doc *discoveryDocument, region Region) (*EndpointConfig, error) {
	entry, err := selectDeployment(doc, region)
	if err != nil {
		return nil, &DiscoveryError{URL: discoveryURL, Err: err}
	}
	if err := r.validator().Struct(entry); err != nil {
		return nil, &DiscoveryError{URL: discoveryURL, Err: fmt.Errorf("invalid %s deployment entry: %w", region, err)}
	}

	sso, err := r.fetchSSO(ctx, entry.SSOConfiguration)
	if err != nil {
		return nil, err
	}

	scheme := r.Scheme
	if scheme == "" {
		scheme = "https"
	}
	authBase := sso.BaseURL(scheme)

	cfg := &EndpointConfig{
		Region:            Region(strings.ToUpper(entry.Region)),
		DataAPIBaseURL:    entry.BaseURLCareLink,
		DisplayAPIBaseURL: entry.BaseURLCumulus,
		AuthBaseURL:       authBase,
		TokenRefreshURL:   joinURL(authBase, sso.OAuth.SystemEndpoints.TokenEndpointPath),
		SSO:               sso,
	}

	r.Client.logger().Info("resolved carelink endpoints",
		"region", cfg.Region,
		"token_url", cfg.TokenRefreshURL,
		"data_api", cfg.DataAPIBaseURL,
	)
	return cfg, nil
}

func selectDeployment(doc *discoveryDocument, region Region) (*deploymentEntry, error) {
	if region == "" {
		return nil, errors.New("no region requested")
	}
	for i := range doc.CP {
		if strings.EqualFold(doc.CP[i].Region, string(region)) {
			return &doc.CP[i], nil
		}
	}
	return nil, fmt.Errorf("region %s not present in discovery document", region)
}

func (r *Resolver) fetchDiscovery(ctx context.Context, discoveryURL string) (*discoveryDocument, error) {
	var doc discoveryDocument
	if err := r.getJSON(ctx, discoveryURL, &doc); err != nil {
		return nil, err
	}
	if len(doc.CP) == 0 {
		return nil, &DiscoveryError{URL: discoveryURL, Err: errors.New("discovery document has no CP entries")}
	}
	return &doc, nil
}

func (r *Resolver) fetchSSO(ctx context.Context, ssoURL string) (*SSOConfig, error) {
	var sso SSOConfig
	if err := r.getJSON(ctx, ssoURL, &sso); err != nil {
		return nil, err
	}
	if err := r.validator().Struct(&sso); err != nil {
		return nil, &DiscoveryError{URL: ssoURL, Err: fmt.Errorf("invalid SSO configuration: %w", err)}
	}
	return &sso, nil
}

func (r *Resolver) getJSON(ctx context.Context, rawURL string, target any) error {
	resp, err := r.Client.get(ctx, rawURL, nil, map[string]string{"Accept": "application/json"})
	if err != nil {
		return &DiscoveryError{URL: rawURL, Err: err}
	}

	body, err := readBody(resp)
	if err != nil {
		return &DiscoveryError{URL: rawURL, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return &DiscoveryError{URL: rawURL, StatusCode: resp.StatusCode, Snippet: snippet(body)}
	}

	if err := json.Unmarshal(body, target); err != nil {
		return &DiscoveryError{URL: rawURL, StatusCode: resp.StatusCode, Err: fmt.Errorf("malformed JSON: %w", err)}
	}
	return nil
}

func (r *Resolver) validator() *validator.Validate {
	if r.validate == nil {
		r.validate = validator.New()
	}
	return r.validate
}
