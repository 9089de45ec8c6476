// Package aggregate deduplicates classified certificates into a single run report.
package aggregate

import (
	"cmp"
	"errors"
	"slices"
	"sync"

	"github.com/DrSkyle/certcheck/pkg/certs"
	"github.com/DrSkyle/certcheck/pkg/expiry"
	"github.com/DrSkyle/certcheck/pkg/sources"
)

// Finding is one unique certificate and every place it was seen.
// Record.Provenance is the first of Provenances.
type Finding struct {
	Record        certs.Record
	DaysRemaining int
	Severity      expiry.Severity
	// Provenances is sorted by String() and holds no duplicates.
	Provenances []certs.Provenance
}

// Issue is a run-level problem: an unreadable source or undecodable certificate.
type Issue struct {
	Source   string `json:"source"`
	Location string `json:"location"`
	Reason   string `json:"reason"`
}

// Counts summarises a run.
type Counts struct {
	Scanned int `json:"scanned"` // parsed records, before dedup
	Unique  int `json:"unique"`
	OK      int `json:"ok"`
	Warn    int `json:"warn"`
	Error   int `json:"error"`
	Issues  int `json:"issues"`
}

// Report is the grouped, ordered outcome of a run.
type Report struct {
	Errors   []Finding
	Warnings []Finding
	Issues   []Issue
	Counts   Counts
}

// Empty reports whether there is nothing to alert on.
func (r Report) Empty() bool {
	return len(r.Errors) == 0 && len(r.Warnings) == 0 && len(r.Issues) == 0
}

type entry struct {
	class expiry.Classification
	provs map[certs.Provenance]struct{}
}

// Aggregator collects classifications keyed by certificate fingerprint.
// It is safe for concurrent use, though the engine gives each source its own
// instance and merges them afterwards.
type Aggregator struct {
	mu      sync.Mutex
	byPrint map[certs.Fingerprint]*entry
	issues  []Issue
	scanned int
}

func New() *Aggregator {
	return &Aggregator{byPrint: make(map[certs.Fingerprint]*entry)}
}

// Add records one classified certificate. A certificate already seen under the
// same fingerprint only gains the new provenance.
func (a *Aggregator) Add(c expiry.Classification) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scanned++
	a.add(c, c.Record.Provenance)
}

func (a *Aggregator) add(c expiry.Classification, provs ...certs.Provenance) {
	fp := c.Record.Fingerprint()
	e, ok := a.byPrint[fp]
	if !ok {
		e = &entry{class: c, provs: make(map[certs.Provenance]struct{})}
		a.byPrint[fp] = e
	}
	for _, p := range provs {
		if p != nil {
			e.provs[p] = struct{}{}
		}
	}
}

// AddError records a parse or scan failure as an Issue. Joined errors
// become one Issue each.
func (a *Aggregator) AddError(err error) {
	if err == nil {
		return
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			a.AddError(e)
		}
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.issues = append(a.issues, issueFor(err))
}

// Merge folds other into a. other must not be used concurrently while merging.
func (a *Aggregator) Merge(other *Aggregator) {
	if other == nil || other == a {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	other.mu.Lock()
	defer other.mu.Unlock()

	for _, e := range other.byPrint {
		provs := make([]certs.Provenance, 0, len(e.provs))
		for p := range e.provs {
			provs = append(provs, p)
		}
		a.add(e.class, provs...)
	}
	a.issues = append(a.issues, other.issues...)
	a.scanned += other.scanned
}

// Report builds the ordered report. It does not reset the aggregator.
func (a *Aggregator) Report() Report {
	a.mu.Lock()
	defer a.mu.Unlock()

	var r Report
	for _, e := range a.byPrint {
		f := Finding{
			Record:        e.class.Record,
			DaysRemaining: e.class.DaysRemaining,
			Severity:      e.class.Severity,
			Provenances:   sortedProvenances(e.provs),
		}
		if len(f.Provenances) > 0 {
			f.Record.Provenance = f.Provenances[0]
		}
		switch f.Severity {
		case expiry.Error:
			r.Errors = append(r.Errors, f)
			r.Counts.Error++
		case expiry.Warn:
			r.Warnings = append(r.Warnings, f)
			r.Counts.Warn++
		default:
			r.Counts.OK++
		}
	}
	slices.SortFunc(r.Errors, compareFindings)
	slices.SortFunc(r.Warnings, compareFindings)

	r.Issues = slices.Clone(a.issues)
	slices.SortFunc(r.Issues, compareIssues)

	r.Counts.Scanned = a.scanned
	r.Counts.Unique = len(a.byPrint)
	r.Counts.Issues = len(r.Issues)
	return r
}

// Aggregate is the one-shot form of Add, AddError and Report.
func Aggregate(items []expiry.Classification, errs []error) Report {
	a := New()
	for _, c := range items {
		a.Add(c)
	}
	for _, err := range errs {
		a.AddError(err)
	}
	return a.Report()
}

func sortedProvenances(set map[certs.Provenance]struct{}) []certs.Provenance {
	out := make([]certs.Provenance, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	slices.SortFunc(out, func(x, y certs.Provenance) int {
		return cmp.Compare(x.String(), y.String())
	})
	return out
}

func compareFindings(x, y Finding) int {
	return cmp.Or(
		cmp.Compare(x.DaysRemaining, y.DaysRemaining),
		cmp.Compare(x.Record.Subject, y.Record.Subject),
		x.Record.NotAfter.Compare(y.Record.NotAfter),
	)
}

func compareIssues(x, y Issue) int {
	return cmp.Or(
		cmp.Compare(x.Source, y.Source),
		cmp.Compare(x.Location, y.Location),
		cmp.Compare(x.Reason, y.Reason),
	)
}

func issueFor(err error) Issue {
	var pe *certs.ParseError
	if errors.As(err, &pe) {
		is := Issue{Source: "unknown", Reason: pe.Reason}
		if pe.Err != nil {
			is.Reason += ": " + pe.Err.Error()
		}
		if pe.Provenance != nil {
			is.Source = pe.Provenance.Kind() + ":" + pe.Provenance.Source()
			is.Location = pe.Provenance.Location()
		}
		return is
	}

	var su *sources.SourceUnavailable
	if errors.As(err, &su) {
		reason := "unavailable"
		if su.Err != nil {
			reason = su.Err.Error()
		}
		return Issue{Source: su.Scanner, Location: su.Handle, Reason: reason}
	}

	return Issue{Source: "unknown", Reason: err.Error()}
}
