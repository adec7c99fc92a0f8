package carelink

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aussiebroadwan/carelink/pkg/cryptox"
	"github.com/aussiebroadwan/carelink/pkg/jwtx"
)

// Credential is the durable authentication record produced by enrollment.
// Only AccessToken and RefreshToken change after that, on refresh.
type Credential struct {
	AccessToken     string `json:"access_token"`
	RefreshToken    string `json:"refresh_token"`
	Scope           string `json:"scope"`
	ClientID        string `json:"client_id"`
	ClientSecret    string `json:"client_secret"`
	DeviceSessionID string `json:"mag-identifier"`
}

// MissingFields lists the JSON names of required fields that are empty.
func (c *Credential) MissingFields() []string {
	if c == nil {
		return []string{"access_token", "refresh_token", "scope", "client_id", "client_secret", "mag-identifier"}
	}

	var missing []string
	fields := []struct {
		name  string
		value string
	}{
		{"access_token", c.AccessToken},
		{"refresh_token", c.RefreshToken},
		{"scope", c.Scope},
		{"client_id", c.ClientID},
		{"client_secret", c.ClientSecret},
		{"mag-identifier", c.DeviceSessionID},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	return missing
}

// Usable reports whether every required field is present. A partial
// record is treated the same as no record at all.
func (c *Credential) Usable() bool {
	return len(c.MissingFields()) == 0
}

func (c *Credential) clone() *Credential {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// LogValue implements slog.LogValuer. Secrets are logged as fingerprints.
func (c *Credential) LogValue() slog.Value {
	if c == nil {
		return slog.StringValue("<nil>")
	}
	return slog.GroupValue(
		slog.String("access_token_fp", fingerprint(c.AccessToken)),
		slog.String("refresh_token_fp", fingerprint(c.RefreshToken)),
		slog.String("client_id", c.ClientID),
		slog.String("scope", c.Scope),
		slog.String("device_session_fp", fingerprint(c.DeviceSessionID)),
	)
}

func fingerprint(secret string) string {
	if secret == "" {
		return ""
	}
	return cryptox.FingerprintToken(secret)[:12]
}

// Role is the account role carried in the access token.
type Role string

const (
	RolePatient        Role = "PATIENT"
	RoleCarePartner    Role = "CARE_PARTNER"
	RoleCarePartnerOUS Role = "CARE_PARTNER_OUS"
)

// IsCarePartner reports whether the role follows a patient rather than
// being one. Care partners need a patient id on display calls.
func (r Role) IsCarePartner() bool {
	return r == RoleCarePartner || r == RoleCarePartnerOUS
}

// TokenPayload is the decoded view of an access token. It is recomputed
// from the Credential and never stored.
type TokenPayload struct {
	ExpiresAt time.Time
	Subject   string
	Country   string
	Role      Role
	Username  string
}

// DecodePayload reads the claims of an access token without verifying its
// signature. Malformed tokens and tokens without exp fail.
func DecodePayload(accessToken string) (*TokenPayload, error) {
	claims, err := jwtx.ParseUnverified(accessToken)
	if err != nil {
		return nil, err
	}

	return &TokenPayload{
		ExpiresAt: claims.ExpiresAt.Time,
		Subject:   claims.Subject,
		Country:   strings.ToUpper(claims.TokenDetails.Country),
		Role:      Role(claims.PrimaryRole()),
		Username:  claims.TokenDetails.PreferredUsername,
	}, nil
}

// Region selects a CareLink deployment.
type Region string

const (
	RegionUS Region = "US"
	RegionEU Region = "EU"
)

// ParseRegion accepts "us" or "eu" in any case.
func ParseRegion(s string) (Region, error) {
	switch Region(strings.ToUpper(strings.TrimSpace(s))) {
	case RegionUS:
		return RegionUS, nil
	case RegionEU:
		return RegionEU, nil
	default:
		return "", fmt.Errorf("carelink: unknown region %q", s)
	}
}

// EndpointConfig is the resolved routing for one region. It is immutable
// after resolution.
type EndpointConfig struct {
	Region            Region
	DataAPIBaseURL    string
	DisplayAPIBaseURL string
	TokenRefreshURL   string

	// AuthBaseURL is scheme://hostname:port/prefix of the SSO server.
	AuthBaseURL string
	SSO         *SSOConfig
}

// AuthURL joins an SSO endpoint path onto AuthBaseURL.
func (e *EndpointConfig) AuthURL(path string) string {
	return joinURL(e.AuthBaseURL, path)
}

func joinURL(base, path string) string {
	if path == "" {
		return base
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
}
