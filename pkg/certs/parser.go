package certs

import (
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"strings"
)

const (
	pemCertificateType = "CERTIFICATE"
	// base64 of a DER SEQUENCE with a two byte length, which every real certificate has.
	derBase64Prefix = "MII"
)

// Parse decodes a single certificate from PEM, base64 encoded DER or raw DER.
// For PEM input only the first CERTIFICATE block is used.
func Parse(raw []byte, prov Provenance) (Record, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Record{}, &ParseError{Reason: "empty input", Provenance: prov, Err: ErrNoCertificate}
	}

	der, err := decode(trimmed, prov)
	if err != nil {
		return Record{}, err
	}
	return parseDER(der, prov)
}

// ParseAll decodes every certificate in a PEM bundle. Non-certificate blocks
// (keys, parameters) are skipped. Input that is not PEM is handed to Parse.
// Records decoded before a bad block are returned together with the error.
func ParseAll(raw []byte, prov Provenance) ([]Record, error) {
	trimmed := bytes.TrimSpace(raw)
	if !isPEM(trimmed) {
		rec, err := Parse(trimmed, prov)
		if err != nil {
			return nil, err
		}
		return []Record{rec}, nil
	}

	var (
		records []Record
		errs    []error
	)
	rest := trimmed
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != pemCertificateType {
			continue
		}
		rec, err := parseDER(block.Bytes, prov)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		records = append(records, rec)
	}

	if len(records) == 0 && len(errs) == 0 {
		return nil, &ParseError{Reason: "no CERTIFICATE block in PEM input", Provenance: prov, Err: ErrNoCertificate}
	}
	return records, errors.Join(errs...)
}

func decode(trimmed []byte, prov Provenance) ([]byte, error) {
	switch {
	case isPEM(trimmed):
		rest := trimmed
		for {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				return nil, &ParseError{Reason: "no CERTIFICATE block in PEM input", Provenance: prov, Err: ErrNoCertificate}
			}
			if block.Type == pemCertificateType {
				return block.Bytes, nil
			}
		}
	case bytes.HasPrefix(trimmed, []byte(derBase64Prefix)):
		compact := strings.Join(strings.Fields(string(trimmed)), "")
		der, err := base64.StdEncoding.DecodeString(compact)
		if err != nil {
			return nil, &ParseError{Reason: "invalid base64 DER", Provenance: prov, Err: err}
		}
		return der, nil
	default:
		return trimmed, nil
	}
}

func parseDER(der []byte, prov Provenance) (Record, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return Record{}, &ParseError{Reason: "malformed certificate", Provenance: prov, Err: err}
	}
	if cert.NotAfter.IsZero() {
		return Record{}, &ParseError{Reason: "certificate has no notAfter", Provenance: prov}
	}

	return Record{
		Subject:    subjectOf(cert),
		NotAfter:   cert.NotAfter.UTC(),
		Provenance: prov,
	}, nil
}

func subjectOf(cert *x509.Certificate) string {
	if s := cert.Subject.String(); s != "" {
		return s
	}
	if len(cert.DNSNames) > 0 {
		return cert.DNSNames[0]
	}
	if cert.SerialNumber != nil {
		return "serial:" + hex.EncodeToString(cert.SerialNumber.Bytes())
	}
	return "unknown"
}

func isPEM(b []byte) bool {
	return bytes.HasPrefix(b, []byte("-----BEGIN "))
}
