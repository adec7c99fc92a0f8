package cryptox

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
)

const pemTypeCSR = "CERTIFICATE REQUEST"

var (
	oidCommonName         = asn1.ObjectIdentifier{2, 5, 4, 3}
	oidOrganizationalUnit = asn1.ObjectIdentifier{2, 5, 4, 11}
	oidDomainComponent    = asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 25}
	oidOrganization       = asn1.ObjectIdentifier{2, 5, 4, 10}
)

// ErrNotCSR is returned when PEM input does not hold a certificate request.
var ErrNotCSR = errors.New("cryptox: input is not a PEM certificate request")

// DeviceSubject is the distinguished name of a device enrollment CSR.
// Attributes are emitted in field order: CN, OU, DC, O.
type DeviceSubject struct {
	CommonName         string
	OrganizationalUnit string
	DomainComponent    string
	Organization       string
}

// rdnSequence builds the subject by hand because pkix.Name has no DC field
// and reorders attributes on marshal.
func (s DeviceSubject) rdnSequence() pkix.RDNSequence {
	return pkix.RDNSequence{
		{{Type: oidCommonName, Value: s.CommonName}},
		{{Type: oidOrganizationalUnit, Value: s.OrganizationalUnit}},
		{{Type: oidDomainComponent, Value: s.DomainComponent}},
		{{Type: oidOrganization, Value: s.Organization}},
	}
}

// CreateCSR builds a PKCS#10 request for subject, self-signed by key with
// SHA-256, and returns it PEM encoded.
func CreateCSR(key *rsa.PrivateKey, subject DeviceSubject) ([]byte, error) {
	rawSubject, err := asn1.Marshal(subject.rdnSequence())
	if err != nil {
		return nil, fmt.Errorf("cryptox: failed to marshal CSR subject: %w", err)
	}

	tmpl := &x509.CertificateRequest{
		RawSubject:         rawSubject,
		SignatureAlgorithm: x509.SHA256WithRSA,
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	if err != nil {
		return nil, fmt.Errorf("cryptox: failed to create CSR: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: pemTypeCSR, Bytes: der}), nil
}

// EncodeCSRForTransport strips the PEM armour from a CSR and re-encodes the
// DER body as URL-safe base64 on a single line, which is the body format
// the device registration endpoint expects.
func EncodeCSRForTransport(pemBytes []byte) (string, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != pemTypeCSR {
		return "", ErrNotCSR
	}
	return base64.URLEncoding.EncodeToString(block.Bytes), nil
}
