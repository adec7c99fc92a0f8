package jwtx

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMalformed     = errors.New("jwtx: malformed token")
	ErrMissingExpiry = errors.New("jwtx: token has no exp claim")
)

// TokenDetails is the vendor-specific claim object carried in CareLink
// access tokens under "token_details".
type TokenDetails struct {
	Country           string   `json:"country,omitempty"`
	PreferredUsername string   `json:"preferred_username,omitempty"`
	Roles             []string `json:"roles,omitempty"`
	Role              string   `json:"role,omitempty"`
}

// Claims are the access-token claims the client cares about. Anything
// else in the payload is ignored.
type Claims struct {
	jwt.RegisteredClaims

	TokenDetails TokenDetails `json:"token_details"`
}

// PrimaryRole returns the single role if present, else the first entry of
// the roles list.
func (c *Claims) PrimaryRole() string {
	if c.TokenDetails.Role != "" {
		return c.TokenDetails.Role
	}
	if len(c.TokenDetails.Roles) > 0 {
		return c.TokenDetails.Roles[0]
	}
	return ""
}

// ParseUnverified decodes the payload segment of a compact JWT without
// checking its signature. The client only reads its own access token to
// learn the expiry; the vendor verifies signatures server-side.
//
// A token without an exp claim is rejected with ErrMissingExpiry.
func ParseUnverified(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if claims.ExpiresAt == nil {
		return nil, ErrMissingExpiry
	}

	return claims, nil
}
