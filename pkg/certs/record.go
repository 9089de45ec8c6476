package certs

import (
	"errors"
	"fmt"
	"time"
)

// Record is a parsed certificate. NotAfter is always UTC.
type Record struct {
	Subject    string
	NotAfter   time.Time
	Provenance Provenance
}

// Fingerprint is the deduplication key of a certificate: subject plus expiry.
// Provenance is deliberately not part of it.
type Fingerprint struct {
	Subject  string
	NotAfter int64 // unix nanoseconds, UTC
}

// Fingerprint returns the dedup key for r.
func (r Record) Fingerprint() Fingerprint {
	return Fingerprint{Subject: r.Subject, NotAfter: r.NotAfter.UTC().UnixNano()}
}

// ErrNoCertificate is returned when the input holds no certificate at all.
var ErrNoCertificate = errors.New("no certificate found")

// ParseError reports certificate material that could not be decoded.
type ParseError struct {
	Reason     string
	Provenance Provenance
	Err        error
}

func (e *ParseError) Error() string {
	where := "unknown source"
	if e.Provenance != nil {
		where = e.Provenance.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("parse certificate at %s: %s: %v", where, e.Reason, e.Err)
	}
	return fmt.Sprintf("parse certificate at %s: %s", where, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }
