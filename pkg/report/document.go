package report

import (
	"encoding/json"
	"time"

	"github.com/DrSkyle/certcheck/pkg/aggregate"
	"github.com/DrSkyle/certcheck/pkg/expiry"
)

// Document is the machine-readable form of a run, written as an artifact.
type Document struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Thresholds  expiry.Thresholds `json:"thresholds"`
	Counts      aggregate.Counts  `json:"counts"`
	Findings    []DocumentFinding `json:"findings"`
	Issues      []aggregate.Issue `json:"issues"`
}

// DocumentFinding is one WARN or ERROR certificate.
type DocumentFinding struct {
	Subject       string    `json:"subject"`
	NotAfter      time.Time `json:"not_after"`
	DaysRemaining int       `json:"days_remaining"`
	Severity      string    `json:"severity"`
	Status        string    `json:"status"`
	Locations     []string  `json:"locations"`
}

// NewDocument captures r as of generatedAt.
func NewDocument(r aggregate.Report, th expiry.Thresholds, generatedAt time.Time) Document {
	doc := Document{
		GeneratedAt: generatedAt.UTC(),
		Thresholds:  th,
		Counts:      r.Counts,
		Findings:    make([]DocumentFinding, 0, len(r.Errors)+len(r.Warnings)),
		Issues:      r.Issues,
	}
	if doc.Issues == nil {
		doc.Issues = []aggregate.Issue{}
	}

	for _, group := range [][]aggregate.Finding{r.Errors, r.Warnings} {
		for _, f := range group {
			locs := make([]string, 0, len(f.Provenances))
			for _, p := range f.Provenances {
				locs = append(locs, p.String())
			}
			doc.Findings = append(doc.Findings, DocumentFinding{
				Subject:       f.Record.Subject,
				NotAfter:      f.Record.NotAfter.UTC(),
				DaysRemaining: f.DaysRemaining,
				Severity:      f.Severity.String(),
				Status:        Status(f.DaysRemaining),
				Locations:     locs,
			})
		}
	}
	return doc
}

// JSON renders the document indented.
func (d Document) JSON() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}
