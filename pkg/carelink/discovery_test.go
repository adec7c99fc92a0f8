package carelink_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aussiebroadwan/carelink/pkg/carelink"
	"github.com/aussiebroadwan/carelink/pkg/httpx"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	t.Parallel()

	vendor := newFakeVendor(t)
	endpoints := vendor.resolve(t, testClient())

	require.Equal(t, carelink.RegionEU, endpoints.Region)
	require.Equal(t, vendor.tokenURL(), endpoints.TokenRefreshURL)
	require.Equal(t, vendor.srv.URL+"/api/carepartner/v2", endpoints.DataAPIBaseURL)
	require.Equal(t, vendor.srv.URL+"/api/display", endpoints.DisplayAPIBaseURL)
	require.NotNil(t, endpoints.SSO)
	require.Equal(t, "app-client", endpoints.SSO.PrimaryClient().ClientID)
	require.Equal(t, 1024, endpoints.SSO.RSAKeyBits())
}

func TestResolveCountry(t *testing.T) {
	t.Parallel()

	vendor := newFakeVendor(t)
	resolver := carelink.NewResolver(testClient())
	resolver.Scheme = "http"

	endpoints, err := resolver.ResolveCountry(context.Background(), vendor.discoveryURL(), "nl")
	require.NoError(t, err)
	require.Equal(t, carelink.RegionEU, endpoints.Region)

	endpoints, err = resolver.ResolveCountry(context.Background(), vendor.discoveryURL(), "US")
	require.NoError(t, err)
	require.Equal(t, carelink.RegionUS, endpoints.Region)

	_, err = resolver.ResolveCountry(context.Background(), vendor.discoveryURL(), "ZZ")
	var discErr *carelink.DiscoveryError
	require.ErrorAs(t, err, &discErr)
}

func TestResolveFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		discovery func(ssoURL string) (int, any)
		sso       any
		region    carelink.Region
		status    int
	}{
		{
			name: "region absent",
			discovery: func(ssoURL string) (int, any) {
				return 200, map[string]any{"CP": []map[string]string{{"region": "US", "SSOConfiguration": ssoURL}}}
			},
			region: carelink.RegionEU,
		},
		{
			name:      "discovery non-200",
			discovery: func(string) (int, any) { return 503, map[string]string{"error": "down"} },
			region:    carelink.RegionEU,
			status:    503,
		},
		{
			name:      "discovery malformed",
			discovery: func(string) (int, any) { return 200, "not an object" },
			region:    carelink.RegionEU,
			status:    200,
		},
		{
			name: "sso missing hostname",
			discovery: func(ssoURL string) (int, any) {
				return 200, map[string]any{"CP": []map[string]string{{
					"region":           "EU",
					"SSOConfiguration": ssoURL,
					"baseUrlCareLink":  "https://carelink.example/api",
					"baseUrlCumulus":   "https://cumulus.example/api",
				}}}
			},
			sso:    map[string]any{"server": map[string]any{"port": 443}},
			region: carelink.RegionEU,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var srv *httptest.Server
			srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/sso" {
					httpx.WriteJSON(w, http.StatusOK, tt.sso)
					return
				}
				status, body := tt.discovery(srv.URL + "/sso")
				httpx.WriteJSON(w, status, body)
			}))
			t.Cleanup(srv.Close)

			resolver := carelink.NewResolver(testClient())
			_, err := resolver.Resolve(context.Background(), srv.URL+"/discover", tt.region)

			var discErr *carelink.DiscoveryError
			require.ErrorAs(t, err, &discErr)
			require.Equal(t, tt.status, discErr.StatusCode)
		})
	}
}

func TestResolveUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := carelink.NewResolver(testClient()).Resolve(context.Background(), url, carelink.RegionUS)
	var discErr *carelink.DiscoveryError
	require.ErrorAs(t, err, &discErr)

	var transportErr *carelink.TransportError
	require.ErrorAs(t, err, &transportErr)
}

func TestParseRegion(t *testing.T) {
	region, err := carelink.ParseRegion(" eu ")
	require.NoError(t, err)
	require.Equal(t, carelink.RegionEU, region)

	_, err = carelink.ParseRegion("apac")
	require.Error(t, err)
}
