package carelink_test

import (
	"context"
	"crypto/rsa"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aussiebroadwan/carelink/pkg/carelink"
	"github.com/stretchr/testify/require"
)

func redirectingOracle(code string) carelink.ChallengeOracle {
	return carelink.OracleFunc(func(_ context.Context, authURL, redirectURI string) (string, string, error) {
		if !strings.Contains(authURL, "/login?session=abc") {
			return "", "", errors.New("unexpected auth url " + authURL)
		}
		if redirectURI != testRedirectURI {
			return "", "", errors.New("unexpected redirect uri " + redirectURI)
		}
		return code, "sso-state", nil
	})
}

func TestEnroll(t *testing.T) {
	t.Parallel()

	vendor := newFakeVendor(t)
	client := testClient()
	endpoints := vendor.resolve(t, client)

	enroller := carelink.NewEnroller(client, redirectingOracle("auth-code-1"))
	enroller.DeviceModels = []string{"SM-G988U1"}

	cred, err := enroller.Enroll(context.Background(), endpoints)
	require.NoError(t, err)
	require.True(t, cred.Usable())
	require.Equal(t, "enrolled-client", cred.ClientID)
	require.Equal(t, "enrolled-secret", cred.ClientSecret)
	require.Equal(t, "mag-123", cred.DeviceSessionID)
	require.Equal(t, "refresh-from-exchange", cred.RefreshToken)
	require.Equal(t, testScope, cred.Scope)
	require.True(t, vendor.accepted(cred.AccessToken))

	vendor.mu.Lock()
	params := vendor.authorizeParams
	headers := vendor.registerHeaders
	csr := vendor.registeredCSR
	exchange := vendor.exchangeForm
	exchangeHeader := vendor.exchangeHeader
	vendor.mu.Unlock()

	t.Run("authorization request", func(t *testing.T) {
		require.Equal(t, "enrolled-client", params.Get("client_id"))
		require.Equal(t, "code", params.Get("response_type"))
		require.Equal(t, "social_login", params.Get("display"))
		require.Equal(t, testScope, params.Get("scope"))
		require.Equal(t, testRedirectURI, params.Get("redirect_uri"))
		require.Equal(t, "S256", params.Get("code_challenge_method"))
		require.Len(t, params.Get("state"), 22)
	})

	t.Run("registration headers", func(t *testing.T) {
		require.Equal(t, "Bearer auth-code-1", headers.Get("authorization"))
		require.Equal(t, "pem", headers.Get("cert-format"))
		require.Equal(t, "true", headers.Get("create-session"))
		require.Equal(t, testRedirectURI, headers.Get("redirect-uri"))

		clientAuth := base64.StdEncoding.EncodeToString([]byte("enrolled-client:enrolled-secret"))
		require.Equal(t, "Basic "+clientAuth, headers.Get("client-authorization"))

		name, err := base64.StdEncoding.DecodeString(headers.Get("device-name"))
		require.NoError(t, err)
		require.Equal(t, "SM-G988U1", string(name))

		verifier := headers.Get("code-verifier")
		require.Equal(t, params.Get("code_challenge"), carelink.S256Challenge(verifier))

		deviceID, err := base64.StdEncoding.DecodeString(headers.Get("device-id"))
		require.NoError(t, err)
		require.Len(t, string(deviceID), 64)
	})

	t.Run("csr", func(t *testing.T) {
		require.NoError(t, csr.CheckSignature())
		require.Equal(t, "socialLogin", csr.Subject.CommonName)
		require.Equal(t, []string{"Medtronic"}, csr.Subject.Organization)

		// SSO config advertises 1024 bits; the minimum wins.
		pub, ok := csr.PublicKey.(*rsa.PublicKey)
		require.True(t, ok)
		require.Equal(t, 2048, pub.N.BitLen())

		var rdns pkix.RDNSequence
		_, err := asn1.Unmarshal(csr.RawSubject, &rdns)
		require.NoError(t, err)
		require.Len(t, rdns, 4)
		require.Equal(t, "SMG988U1", rdns[2][0].Value)

		deviceID, err := base64.StdEncoding.DecodeString(headers.Get("device-id"))
		require.NoError(t, err)
		require.Equal(t, string(deviceID), rdns[1][0].Value)
	})

	t.Run("token exchange", func(t *testing.T) {
		require.Equal(t, "id-token-1", exchange.Get("assertion"))
		require.Equal(t, testIDTokenType, exchange.Get("grant_type"))
		require.Equal(t, "enrolled-client", exchange.Get("client_id"))
		require.Equal(t, "enrolled-secret", exchange.Get("client_secret"))
		require.Equal(t, testScope, exchange.Get("scope"))
		require.Equal(t, "mag-123", exchangeHeader)
	})
}

func TestEnrollFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		configure func(v *fakeVendor)
		oracle    carelink.ChallengeOracle
		timeout   time.Duration
		wantPhase carelink.Phase
		wantCode  int
	}{
		{
			name:      "client init rejected",
			configure: func(v *fakeVendor) { v.clientInitStatus = 503 },
			wantPhase: carelink.PhaseClientInitFailed,
			wantCode:  503,
		},
		{
			name:      "no identity providers",
			configure: func(v *fakeVendor) { v.noProviders = true },
			wantPhase: carelink.PhaseAuthorizeFailed,
			wantCode:  200,
		},
		{
			name: "oracle error",
			oracle: carelink.OracleFunc(func(context.Context, string, string) (string, string, error) {
				return "", "", errors.New("captcha abandoned")
			}),
			wantPhase: carelink.PhaseChallengeFailed,
		},
		{
			name: "oracle timeout",
			oracle: carelink.OracleFunc(func(ctx context.Context, _, _ string) (string, string, error) {
				<-ctx.Done()
				return "", "", ctx.Err()
			}),
			timeout:   20 * time.Millisecond,
			wantPhase: carelink.PhaseChallengeFailed,
		},
		{
			name:      "registration rejected",
			configure: func(v *fakeVendor) { v.registerStatus = 400 },
			wantPhase: carelink.PhaseRegistrationRejected,
			wantCode:  400,
		},
		{
			name:      "registration missing headers",
			configure: func(v *fakeVendor) { v.omitRegHeaders = true },
			wantPhase: carelink.PhaseRegistrationRejected,
			wantCode:  200,
		},
		{
			name:      "token exchange rejected",
			configure: func(v *fakeVendor) { v.exchangeStatus = 401 },
			wantPhase: carelink.PhaseTokenExchangeFailed,
			wantCode:  401,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			vendor := newFakeVendor(t)
			if tt.configure != nil {
				vendor.set(tt.configure)
			}
			client := testClient()
			endpoints := vendor.resolve(t, client)

			oracle := tt.oracle
			if oracle == nil {
				oracle = redirectingOracle("auth-code-1")
			}
			enroller := carelink.NewEnroller(client, oracle)
			enroller.ChallengeTimeout = tt.timeout

			_, err := enroller.Enroll(context.Background(), endpoints)
			var enrollErr *carelink.EnrollmentError
			require.ErrorAs(t, err, &enrollErr)
			require.Equal(t, tt.wantPhase, enrollErr.Phase)
			require.Equal(t, tt.wantCode, enrollErr.StatusCode)
			require.NotContains(t, err.Error(), "enrolled-secret")
		})
	}
}

func TestEnrollRegistrationVendorError(t *testing.T) {
	t.Parallel()

	vendor := newFakeVendor(t)
	vendor.set(func(v *fakeVendor) { v.registerStatus = 400 })
	client := testClient()
	endpoints := vendor.resolve(t, client)

	_, err := carelink.NewEnroller(client, redirectingOracle("c")).Enroll(context.Background(), endpoints)
	var enrollErr *carelink.EnrollmentError
	require.ErrorAs(t, err, &enrollErr)
	require.NotNil(t, enrollErr.Vendor)
	require.Equal(t, "invalid_request", enrollErr.Vendor.Code)
	require.Contains(t, err.Error(), "code already used")
	require.EqualValues(t, 1, vendor.registerCalls.Load(), "enrollment must not retry")
}

func TestEnrollRequiresSSOConfig(t *testing.T) {
	t.Parallel()

	_, err := carelink.NewEnroller(testClient(), redirectingOracle("c")).Enroll(context.Background(), &carelink.EndpointConfig{})
	var enrollErr *carelink.EnrollmentError
	require.ErrorAs(t, err, &enrollErr)
	require.Equal(t, carelink.PhaseClientInitFailed, enrollErr.Phase)
}
