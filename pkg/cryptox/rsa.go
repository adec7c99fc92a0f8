package cryptox

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
)

// MinRSAKeyBits is the smallest RSA modulus the CareLink registration
// endpoint accepts for device certificates.
const MinRSAKeyBits = 2048

// ClampRSABits returns the key size that will actually be generated for a
// requested size, and whether the request was raised to MinRSAKeyBits.
// Zero or negative requests resolve to MinRSAKeyBits.
func ClampRSABits(requested int) (bits int, clamped bool) {
	if requested < MinRSAKeyBits {
		return MinRSAKeyBits, requested > 0
	}
	return requested, false
}

// GenerateRSAKey generates an RSA private key of at least MinRSAKeyBits.
// Requests below the minimum are raised to it; use ClampRSABits beforehand
// to find out whether that happened.
func GenerateRSAKey(bits int) (*rsa.PrivateKey, error) {
	bits, _ = ClampRSABits(bits)

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("cryptox: failed to generate RSA key: %w", err)
	}
	return key, nil
}
