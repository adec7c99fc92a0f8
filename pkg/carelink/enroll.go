package carelink

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aussiebroadwan/carelink/pkg/cryptox"
	"github.com/google/uuid"
)

// DefaultDeviceModels are the Android models enrollment impersonates.
var DefaultDeviceModels = []string{"SM-G973F", "SM-G988U1", "SM-G981W", "SM-G9600"}

const csrCommonName = "socialLogin"

// Registration is what the device registration endpoint returns in its
// response headers rather than the body.
type Registration struct {
	IDToken         string
	IDTokenType     string
	DeviceSessionID string
}

// Enroller runs the one-time device registration handshake. Nothing is
// persisted and no step is retried: the authorization code is single use.
type Enroller struct {
	Client *Client
	Oracle ChallengeOracle

	// KeyBits requests an RSA key size. Zero uses the size advertised by
	// the SSO configuration. Anything below cryptox.MinRSAKeyBits is raised.
	KeyBits int

	// ChallengeTimeout bounds the oracle wait. Zero waits until ctx ends.
	ChallengeTimeout time.Duration

	// DeviceModels to pick the reported device from. Defaults to
	// DefaultDeviceModels.
	DeviceModels []string
}

// NewEnroller returns an Enroller that solves the login challenge with
// oracle and uses the default key size and device models.
func NewEnroller(client *Client, oracle ChallengeOracle) *Enroller {
	return &Enroller{
		Client:       client,
		Oracle:       oracle,
		DeviceModels: DefaultDeviceModels,
	}
}

// enrollmentContext is the ephemeral state of one handshake.
type enrollmentContext struct {
	client      SSOClientID
	appClientID string
	appSecret   string
	pkce        *PKCEChallenge
	state       string
	code        string
	deviceID    string
	model       string
	key         *rsa.PrivateKey
	csr         string
}

// Enroll performs the seven enrollment steps against endpoints and returns
// a usable Credential. Failures are *EnrollmentError.
func (e *Enroller) Enroll(ctx context.Context, endpoints *EndpointConfig) (*Credential, error) {
	if endpoints == nil || endpoints.SSO == nil {
		return nil, &EnrollmentError{Phase: PhaseClientInitFailed, Err: errors.New("endpoints carry no SSO configuration")}
	}
	if e.Oracle == nil {
		return nil, &EnrollmentError{Phase: PhaseChallengeFailed, Err: errors.New("no challenge oracle configured")}
	}

	log := e.Client.logger().With("region", endpoints.Region)
	ec := &enrollmentContext{client: endpoints.SSO.PrimaryClient()}

	if err := e.initClient(ctx, endpoints, ec); err != nil {
		return nil, err
	}
	log.Info("enrollment client initialized", "client_id", ec.appClientID)

	pkce, err := GeneratePKCEChallenge()
	if err != nil {
		return nil, &EnrollmentError{Phase: PhaseAuthorizeFailed, Err: err}
	}
	ec.pkce = pkce

	authURL, err := e.authorize(ctx, endpoints, ec)
	if err != nil {
		return nil, err
	}

	if err := e.solveChallenge(ctx, authURL, ec); err != nil {
		return nil, err
	}
	log.Info("login challenge solved")

	if err := e.buildCSR(endpoints, ec); err != nil {
		return nil, err
	}

	reg, err := e.register(ctx, endpoints, ec)
	if err != nil {
		return nil, err
	}
	log.Info("device registered", "device_session_fp", fingerprint(reg.DeviceSessionID), "model", ec.model)

	cred, err := e.exchange(ctx, endpoints, ec, reg)
	if err != nil {
		return nil, err
	}
	log.Info("enrollment complete", "credential", cred)
	return cred, nil
}

// initClient obtains the per-enrollment client id and secret.
func (e *Enroller) initClient(ctx context.Context, endpoints *EndpointConfig, ec *enrollmentContext) error {
	deviceID, err := cryptox.NewDeviceID()
	if err != nil {
		return &EnrollmentError{Phase: PhaseClientInitFailed, Err: err}
	}

	form := url.Values{
		"client_id": {ec.client.ClientID},
		"nonce":     {uuid.NewString()},
	}
	headers := map[string]string{
		"device-id": base64.StdEncoding.EncodeToString([]byte(deviceID)),
	}

	initURL := endpoints.AuthURL(endpoints.SSO.MAG.SystemEndpoints.ClientCredentialInitEndpointPath)
	resp, err := e.Client.postForm(ctx, initURL, form, headers)
	if err != nil {
		return &EnrollmentError{Phase: PhaseClientInitFailed, Err: err}
	}

	var out struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	}
	if err := decodeStep(resp, PhaseClientInitFailed, &out); err != nil {
		return err
	}
	if out.ClientID == "" || out.ClientSecret == "" {
		return &EnrollmentError{Phase: PhaseClientInitFailed, StatusCode: resp.StatusCode, Err: errors.New("response missing client_id or client_secret")}
	}

	ec.appClientID = out.ClientID
	ec.appSecret = out.ClientSecret
	return nil
}

// authorize starts the PKCE authorization and returns the first identity
// provider's login URL.
func (e *Enroller) authorize(ctx context.Context, endpoints *EndpointConfig, ec *enrollmentContext) (string, error) {
	state, err := cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return "", &EnrollmentError{Phase: PhaseAuthorizeFailed, Err: err}
	}
	ec.state = state

	params := url.Values{
		"client_id":             {ec.appClientID},
		"response_type":         {"code"},
		"display":               {"social_login"},
		"scope":                 {ec.client.Scope},
		"redirect_uri":          {ec.client.RedirectURI},
		"code_challenge":        {ec.pkce.Challenge},
		"code_challenge_method": {ec.pkce.Method},
		"state":                 {ec.state},
	}

	authorizeURL := endpoints.AuthURL(endpoints.SSO.OAuth.SystemEndpoints.AuthorizationEndpointPath)
	resp, err := e.Client.get(ctx, authorizeURL, params, map[string]string{"Accept": "application/json"})
	if err != nil {
		return "", &EnrollmentError{Phase: PhaseAuthorizeFailed, Err: err}
	}

	var out struct {
		Providers []struct {
			Provider struct {
				AuthURL string `json:"auth_url"`
			} `json:"provider"`
		} `json:"providers"`
	}
	if err := decodeStep(resp, PhaseAuthorizeFailed, &out); err != nil {
		return "", err
	}
	if len(out.Providers) == 0 || out.Providers[0].Provider.AuthURL == "" {
		return "", &EnrollmentError{Phase: PhaseAuthorizeFailed, StatusCode: resp.StatusCode, Err: errors.New("no identity provider offered")}
	}
	return out.Providers[0].Provider.AuthURL, nil
}

func (e *Enroller) solveChallenge(ctx context.Context, authURL string, ec *enrollmentContext) error {
	if e.ChallengeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.ChallengeTimeout)
		defer cancel()
	}

	code, state, err := e.Oracle.Solve(ctx, authURL, ec.client.RedirectURI)
	if err != nil {
		return &EnrollmentError{Phase: PhaseChallengeFailed, Err: err}
	}
	if code == "" {
		return &EnrollmentError{Phase: PhaseChallengeFailed, Err: errors.New("oracle returned no authorization code")}
	}

	// The provider answers with its own state, not the one sent above.
	e.Client.logger().Debug("challenge state", "sent", ec.state, "received", state)
	ec.code = code
	return nil
}

func (e *Enroller) buildCSR(endpoints *EndpointConfig, ec *enrollmentContext) error {
	requested := e.KeyBits
	if requested == 0 {
		requested = endpoints.SSO.RSAKeyBits()
	}
	bits, clamped := cryptox.ClampRSABits(requested)
	if clamped {
		e.Client.logger().Warn("requested RSA key size below minimum, using minimum",
			"requested_bits", requested,
			"bits", bits,
		)
	}

	key, err := cryptox.GenerateRSAKey(bits)
	if err != nil {
		return &EnrollmentError{Phase: PhaseRegistrationRejected, Err: err}
	}

	deviceID, err := cryptox.NewDeviceID()
	if err != nil {
		return &EnrollmentError{Phase: PhaseRegistrationRejected, Err: err}
	}

	ec.key = key
	ec.deviceID = deviceID
	ec.model = e.pickModel()

	pemCSR, err := cryptox.CreateCSR(key, cryptox.DeviceSubject{
		CommonName:         csrCommonName,
		OrganizationalUnit: deviceID,
		DomainComponent:    alphanumeric(ec.model),
		Organization:       endpoints.SSO.OAuth.Client.Organization,
	})
	if err != nil {
		return &EnrollmentError{Phase: PhaseRegistrationRejected, Err: err}
	}

	ec.csr, err = cryptox.EncodeCSRForTransport(pemCSR)
	if err != nil {
		return &EnrollmentError{Phase: PhaseRegistrationRejected, Err: err}
	}
	return nil
}

func (e *Enroller) pickModel() string {
	models := e.DeviceModels
	if len(models) == 0 {
		models = DefaultDeviceModels
	}
	return models[rand.IntN(len(models))]
}

// register submits the CSR. The results are carried in response headers.
func (e *Enroller) register(ctx context.Context, endpoints *EndpointConfig, ec *enrollmentContext) (*Registration, error) {
	clientAuth := base64.StdEncoding.EncodeToString([]byte(ec.appClientID + ":" + ec.appSecret))
	headers := map[string]string{
		"device-name":          base64.StdEncoding.EncodeToString([]byte(ec.model)),
		"authorization":        "Bearer " + ec.code,
		"cert-format":          "pem",
		"client-authorization": "Basic " + clientAuth,
		"create-session":       "true",
		"code-verifier":        ec.pkce.Verifier,
		"device-id":            base64.StdEncoding.EncodeToString([]byte(ec.deviceID)),
		"redirect-uri":         ec.client.RedirectURI,
	}

	registerURL := endpoints.AuthURL(endpoints.SSO.MAG.SystemEndpoints.DeviceRegisterEndpointPath)
	req, err := e.Client.newRequest(ctx, http.MethodPost, registerURL, strings.NewReader(ec.csr), headers)
	if err != nil {
		return nil, &EnrollmentError{Phase: PhaseRegistrationRejected, Err: err}
	}
	resp, err := e.Client.do(req)
	if err != nil {
		return nil, &EnrollmentError{Phase: PhaseRegistrationRejected, Err: err}
	}

	body, err := readBody(resp)
	if err != nil {
		return nil, &EnrollmentError{Phase: PhaseRegistrationRejected, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, stepError(PhaseRegistrationRejected, resp.StatusCode, body)
	}

	reg := &Registration{
		IDToken:         resp.Header.Get("id-token"),
		IDTokenType:     resp.Header.Get("id-token-type"),
		DeviceSessionID: resp.Header.Get(HeaderDeviceSession),
	}
	if reg.IDToken == "" || reg.IDTokenType == "" || reg.DeviceSessionID == "" {
		return nil, &EnrollmentError{
			Phase:      PhaseRegistrationRejected,
			StatusCode: resp.StatusCode,
			Err:        errors.New("registration response missing id-token, id-token-type or mag-identifier header"),
		}
	}
	return reg, nil
}

// exchange trades the registration id-token for the access/refresh pair.
func (e *Enroller) exchange(ctx context.Context, endpoints *EndpointConfig, ec *enrollmentContext, reg *Registration) (*Credential, error) {
	form := url.Values{
		"assertion":     {reg.IDToken},
		"client_id":     {ec.appClientID},
		"client_secret": {ec.appSecret},
		"scope":         {ec.client.Scope},
		"grant_type":    {reg.IDTokenType},
	}
	headers := map[string]string{HeaderDeviceSession: reg.DeviceSessionID}

	resp, err := e.Client.postForm(ctx, endpoints.TokenRefreshURL, form, headers)
	if err != nil {
		return nil, &EnrollmentError{Phase: PhaseTokenExchangeFailed, Err: err}
	}

	var out tokenResponse
	if err := decodeStep(resp, PhaseTokenExchangeFailed, &out); err != nil {
		return nil, err
	}

	cred := &Credential{
		AccessToken:     out.AccessToken,
		RefreshToken:    out.RefreshToken,
		Scope:           out.Scope,
		ClientID:        ec.appClientID,
		ClientSecret:    ec.appSecret,
		DeviceSessionID: reg.DeviceSessionID,
	}
	if cred.Scope == "" {
		cred.Scope = ec.client.Scope
	}
	if missing := cred.MissingFields(); len(missing) > 0 {
		return nil, &EnrollmentError{
			Phase:      PhaseTokenExchangeFailed,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("token response missing %s", strings.Join(missing, ", ")),
		}
	}
	return cred, nil
}

// tokenResponse is the token endpoint body. expires_in and token_type are
// ignored; freshness comes from the access token itself.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// decodeStep reads a step response, mapping non-200 to an EnrollmentError
// of the given phase.
func decodeStep(resp *http.Response, phase Phase, target any) error {
	body, err := readBody(resp)
	if err != nil {
		return &EnrollmentError{Phase: phase, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return stepError(phase, resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, target); err != nil {
		return &EnrollmentError{Phase: phase, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

func stepError(phase Phase, status int, body []byte) *EnrollmentError {
	return &EnrollmentError{
		Phase:      phase,
		StatusCode: status,
		Snippet:    snippet(body),
		Vendor:     parseVendorError(status, body),
	}
}
