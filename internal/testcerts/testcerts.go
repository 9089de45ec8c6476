// Package testcerts generates throwaway certificates for tests.
package testcerts

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"math/big"
	"testing"
	"time"
)

// Cert is a generated self-signed certificate in several encodings.
type Cert struct {
	DER []byte
	PEM []byte
	// Base64 is the DER bytes base64 encoded without PEM armour.
	Base64   string
	NotAfter time.Time
	// KeyPEM is the EC private key, for APIs that insist on one.
	KeyPEM []byte
}

// New creates a self-signed certificate for commonName expiring at notAfter.
// notAfter is truncated to whole seconds, matching what x509 can encode.
func New(t testing.TB, commonName string, notAfter time.Time) Cert {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	notAfter = notAfter.UTC().Truncate(time.Second)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    notAfter.Add(-365 * 24 * time.Hour),
		NotAfter:     notAfter,
		DNSNames:     []string{commonName},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	return Cert{
		KeyPEM:   pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
		DER:      der,
		PEM:      pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		Base64:   base64.StdEncoding.EncodeToString(der),
		NotAfter: notAfter,
	}
}
