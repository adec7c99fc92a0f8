package carelink_test

import (
	"regexp"
	"testing"

	"github.com/aussiebroadwan/carelink/pkg/carelink"
	"github.com/stretchr/testify/require"
)

func TestGeneratePKCEChallenge(t *testing.T) {
	t.Parallel()

	alnum := regexp.MustCompile(`^[A-Za-z0-9]+$`)
	seen := map[string]bool{}

	for range 20 {
		pkce, err := carelink.GeneratePKCEChallenge()
		require.NoError(t, err)
		require.Equal(t, "S256", pkce.Method)
		require.Regexp(t, alnum, pkce.Verifier)
		// 54 base64url characters minus the stripped '-' and '_'.
		require.LessOrEqual(t, len(pkce.Verifier), 54)
		require.GreaterOrEqual(t, len(pkce.Verifier), 43)
		require.Equal(t, carelink.S256Challenge(pkce.Verifier), pkce.Challenge)
		require.False(t, seen[pkce.Verifier])
		seen[pkce.Verifier] = true
	}
}

func TestS256Challenge(t *testing.T) {
	// RFC 7636 appendix B.
	got := carelink.S256Challenge("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk")
	require.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", got)
}
