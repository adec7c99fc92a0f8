package carelink

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrNoValidCredential means no bearer can be produced without a new
	// device enrollment. Callers should treat it as "re-authentication
	// required".
	ErrNoValidCredential = errors.New("carelink: no valid credential")

	// ErrAuthExpired is matched by *AuthExpiredError.
	ErrAuthExpired = errors.New("carelink: authorization expired")

	// ErrCredentialNotFound is returned by stores that hold no credential.
	ErrCredentialNotFound = errors.New("carelink: credential not found")

	// ErrCredentialCorrupt is returned by stores whose record cannot be decoded.
	ErrCredentialCorrupt = errors.New("carelink: credential record corrupt")
)

const maxSnippetBytes = 256

func noValidCredential(reason string) error {
	return fmt.Errorf("%w: %s", ErrNoValidCredential, reason)
}

// DiscoveryError reports a failure to resolve endpoints. It is not retried.
type DiscoveryError struct {
	URL        string
	StatusCode int
	Snippet    string
	Err        error
}

func (e *DiscoveryError) Error() string {
	msg := "carelink: discovery failed"
	if e.URL != "" {
		msg += " for " + e.URL
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": HTTP %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Snippet != "" {
		msg += ": " + e.Snippet
	}
	return msg
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// Phase names the enrollment step that failed.
type Phase string

const (
	PhaseClientInitFailed     Phase = "ClientInitFailed"
	PhaseAuthorizeFailed      Phase = "AuthorizeFailed"
	PhaseChallengeFailed      Phase = "ChallengeFailed"
	PhaseRegistrationRejected Phase = "RegistrationRejected"
	PhaseTokenExchangeFailed  Phase = "TokenExchangeFailed"
)

// EnrollmentError reports which step of device enrollment failed. The
// whole handshake has to be rerun; the authorization code is single use.
type EnrollmentError struct {
	Phase      Phase
	StatusCode int
	Snippet    string
	Vendor     *VendorError
	Err        error
}

func (e *EnrollmentError) Error() string {
	msg := fmt.Sprintf("carelink: enrollment failed (%s)", e.Phase)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": HTTP %d", e.StatusCode)
	}
	if e.Vendor != nil {
		msg += ": " + e.Vendor.Error()
	} else if e.Snippet != "" {
		msg += ": " + e.Snippet
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EnrollmentError) Unwrap() error { return e.Err }

// RefreshError reports that the token endpoint rejected a refresh. The
// credential is demoted to StateInvalid.
type RefreshError struct {
	StatusCode int
	Snippet    string
	Vendor     *VendorError
	Err        error
}

func (e *RefreshError) Error() string {
	msg := "carelink: token refresh rejected"
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": HTTP %d", e.StatusCode)
	}
	if e.Vendor != nil {
		msg += ": " + e.Vendor.Error()
	} else if e.Snippet != "" {
		msg += ": " + e.Snippet
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RefreshError) Unwrap() error { return e.Err }

// AuthExpiredError is returned by Session.Do when a request is still
// rejected after one forced refresh.
type AuthExpiredError struct {
	StatusCode int
	URL        string
}

func (e *AuthExpiredError) Error() string {
	return fmt.Sprintf("carelink: authorization expired: HTTP %d from %s after refresh", e.StatusCode, e.URL)
}

func (e *AuthExpiredError) Is(target error) bool { return target == ErrAuthExpired }

// TransportError wraps network I/O failures. Callers may retry with backoff;
// nothing in this package does.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("carelink: %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusError is a non-2xx data response returned by the JSON helpers.
type StatusError struct {
	StatusCode int
	URL        string
	Snippet    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("carelink: HTTP %d from %s: %s", e.StatusCode, e.URL, e.Snippet)
}

// VendorError is the {error, error_description} body the SSO endpoints
// return on failure.
type VendorError struct {
	StatusCode  int    `json:"-"`
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *VendorError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// parseVendorError returns nil when body is not an error object.
func parseVendorError(status int, body []byte) *VendorError {
	var v VendorError
	if err := json.Unmarshal(body, &v); err != nil || v.Code == "" {
		return nil
	}
	v.StatusCode = status
	v.Description = redactSecrets(v.Description)
	return &v
}

var (
	jsonSecretPattern = regexp.MustCompile(`"(access_token|refresh_token|client_secret|assertion|id_token|code_verifier)"\s*:\s*"[^"]*"`)
	formSecretPattern = regexp.MustCompile(`(access_token|refresh_token|client_secret|assertion|id_token|code_verifier)=[^&\s"]*`)
)

func redactSecrets(s string) string {
	s = jsonSecretPattern.ReplaceAllString(s, `"$1":"[REDACTED]"`)
	return formSecretPattern.ReplaceAllString(s, `$1=[REDACTED]`)
}

// snippet returns a redacted prefix of body suitable for errors and logs.
func snippet(body []byte) string {
	s := redactSecrets(string(body))
	if len(s) > maxSnippetBytes {
		s = s[:maxSnippetBytes] + "..."
	}
	return s
}
