// Package expiry classifies certificates by their remaining validity.
package expiry

import (
	"fmt"
	"math"
	"time"

	"github.com/DrSkyle/certcheck/pkg/certs"
)

// Severity of a certificate's remaining validity window.
type Severity int

const (
	OK Severity = iota
	Warn
	Error
)

func (s Severity) String() string {
	switch s {
	case OK:
		return "ok"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// Default thresholds in days.
const (
	DefaultWarnDays  = 30
	DefaultErrorDays = 7
)

// Thresholds in days. Callers are expected to keep ErrorDays <= WarnDays;
// Classify does not enforce it.
type Thresholds struct {
	WarnDays  int `mapstructure:"days-warn" json:"warn_days"`
	ErrorDays int `mapstructure:"days-error" json:"error_days"`
}

// Validate reports thresholds that make the WARN band empty or negative.
func (t Thresholds) Validate() error {
	if t.WarnDays < 0 || t.ErrorDays < 0 {
		return fmt.Errorf("thresholds must not be negative (warn=%d, error=%d)", t.WarnDays, t.ErrorDays)
	}
	if t.ErrorDays > t.WarnDays {
		return fmt.Errorf("error threshold %d exceeds warn threshold %d", t.ErrorDays, t.WarnDays)
	}
	return nil
}

// Classification is the outcome of classifying one certificate.
type Classification struct {
	Record        certs.Record
	DaysRemaining int
	Severity      Severity
}

// DaysRemaining is floor((notAfter - now) / 24h). Expired certificates are negative.
func DaysRemaining(notAfter, now time.Time) int {
	return int(math.Floor(notAfter.Sub(now).Hours() / 24))
}

// Classify assigns a severity to rec as of now.
func Classify(rec certs.Record, now time.Time, th Thresholds) Classification {
	days := DaysRemaining(rec.NotAfter, now)
	return Classification{
		Record:        rec,
		DaysRemaining: days,
		Severity:      SeverityFor(days, th),
	}
}

// SeverityFor applies the threshold rules to a day count.
func SeverityFor(days int, th Thresholds) Severity {
	switch {
	case days < 0:
		return Error
	case days <= th.ErrorDays:
		return Error
	case days <= th.WarnDays:
		return Warn
	default:
		return OK
	}
}
