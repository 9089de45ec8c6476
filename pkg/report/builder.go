// Package report renders an aggregated run into a Slack message.
package report

import (
	"fmt"
	"strings"

	"github.com/DrSkyle/certcheck/pkg/aggregate"
	"github.com/DrSkyle/certcheck/pkg/expiry"
)

// Attachment colors understood by Slack.
const (
	ColorDanger  = "danger"
	ColorWarning = "warning"
	ColorIssues  = "#9e9e9e"
)

// Attachment is a Slack message attachment.
type Attachment struct {
	Color    string   `json:"color"`
	Title    string   `json:"title,omitempty"`
	Text     string   `json:"text"`
	MrkdwnIn []string `json:"mrkdwn_in,omitempty"`
	Footer   string   `json:"footer,omitempty"`
}

// Payload is the message posted to the webhook.
type Payload struct {
	Username    string       `json:"username,omitempty"`
	Channel     string       `json:"channel,omitempty"`
	IconEmoji   string       `json:"icon_emoji,omitempty"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`

	// NoOp marks a run with nothing to report. Callers usually skip sending it.
	NoOp bool `json:"-"`
}

// Config holds the presentation settings of a report.
type Config struct {
	Username   string
	Channel    string
	IconEmoji  string
	Thresholds expiry.Thresholds
}

// Builder turns reports into payloads.
type Builder struct {
	cfg Config
}

func NewBuilder(cfg Config) *Builder {
	return &Builder{cfg: cfg}
}

// Build renders r. Errors come first, then warnings, then one attachment listing issues.
func (b *Builder) Build(r aggregate.Report) Payload {
	p := Payload{
		Username:  b.cfg.Username,
		Channel:   b.cfg.Channel,
		IconEmoji: b.cfg.IconEmoji,
	}

	if r.Empty() {
		p.NoOp = true
		p.Text = fmt.Sprintf("All %s valid for more than %d days.",
			plural(r.Counts.Unique, "certificate is", "certificates are"), b.cfg.Thresholds.WarnDays)
		return p
	}

	p.Text = headline(r.Counts)
	for _, f := range r.Errors {
		p.Attachments = append(p.Attachments, findingAttachment(f, ColorDanger))
	}
	for _, f := range r.Warnings {
		p.Attachments = append(p.Attachments, findingAttachment(f, ColorWarning))
	}
	if len(r.Issues) > 0 {
		p.Attachments = append(p.Attachments, issuesAttachment(r.Issues))
	}
	p.Attachments[len(p.Attachments)-1].Footer = footer(r.Counts, b.cfg.Thresholds)
	return p
}

// Status describes a remaining validity window.
func Status(days int) string {
	switch {
	case days < 0:
		return "Expired!"
	case days == 0:
		return "Expires today!"
	case days == 1:
		return "Expires tomorrow!"
	default:
		return fmt.Sprintf("Expires in %d days.", days)
	}
}

func findingAttachment(f aggregate.Finding, color string) Attachment {
	var sb strings.Builder
	sb.WriteString(Status(f.DaysRemaining))
	for _, prov := range f.Provenances {
		fmt.Fprintf(&sb, "\n• *%s* `%s`", prov.Source(), prov.Location())
	}
	return Attachment{
		Color:    color,
		Title:    f.Record.Subject,
		Text:     sb.String(),
		MrkdwnIn: []string{"text"},
	}
}

func issuesAttachment(issues []aggregate.Issue) Attachment {
	lines := make([]string, 0, len(issues))
	for _, is := range issues {
		if is.Location == "" {
			lines = append(lines, fmt.Sprintf("• *%s* %s", is.Source, is.Reason))
			continue
		}
		lines = append(lines, fmt.Sprintf("• *%s* `%s` %s", is.Source, is.Location, is.Reason))
	}
	return Attachment{
		Color:    ColorIssues,
		Title:    plural(len(issues), "source could not be checked", "sources could not be checked"),
		Text:     strings.Join(lines, "\n"),
		MrkdwnIn: []string{"text"},
	}
}

func headline(c aggregate.Counts) string {
	var parts []string
	if c.Error > 0 {
		parts = append(parts, plural(c.Error, "certificate expired or expiring soon", "certificates expired or expiring soon"))
	}
	if c.Warn > 0 {
		parts = append(parts, plural(c.Warn, "certificate expiring", "certificates expiring"))
	}
	if c.Issues > 0 {
		parts = append(parts, plural(c.Issues, "issue", "issues"))
	}
	return "Certificate check: " + strings.Join(parts, ", ")
}

func footer(c aggregate.Counts, th expiry.Thresholds) string {
	return fmt.Sprintf("%d scanned, %d unique, %d ok, %d warn, %d error (warn %dd, error %dd)",
		c.Scanned, c.Unique, c.OK, c.Warn, c.Error, th.WarnDays, th.ErrorDays)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, one)
	}
	return fmt.Sprintf("%d %s", n, many)
}

// Lines renders p as plain text, one line per attachment.
func (p Payload) Lines() []string {
	lines := []string{p.Text}
	for _, a := range p.Attachments {
		text := strings.ReplaceAll(a.Text, "\n", " ")
		if a.Title != "" {
			text = a.Title + ": " + text
		}
		lines = append(lines, fmt.Sprintf("[%s] %s", a.Color, text))
	}
	return lines
}
