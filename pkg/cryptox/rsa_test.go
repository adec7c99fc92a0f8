package cryptox_test

import (
	"testing"

	"github.com/aussiebroadwan/carelink/pkg/cryptox"
	"github.com/stretchr/testify/require"
)

func TestClampRSABits(t *testing.T) {
	tests := []struct {
		name        string
		requested   int
		wantBits    int
		wantClamped bool
	}{
		{"unset", 0, 2048, false},
		{"too small", 1024, 2048, true},
		{"minimum", 2048, 2048, false},
		{"larger", 3072, 3072, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bits, clamped := cryptox.ClampRSABits(tt.requested)
			require.Equal(t, tt.wantBits, bits)
			require.Equal(t, tt.wantClamped, clamped)
		})
	}
}

func TestGenerateRSAKeyClampsSmallSizes(t *testing.T) {
	key, err := cryptox.GenerateRSAKey(1024)
	require.NoError(t, err)
	require.Equal(t, 2048, key.N.BitLen())
}
