package config

import (
	"strings"
	"testing"
	"time"
)

func validSettings() Settings {
	s := Defaults()
	s.Slack.Webhook = "https://hooks.slack.com/services/T000/B000/XXXX"
	s.Slack.Channel = "#certs"
	s.Bosh.Environment = "10.0.0.6"
	s.Bosh.Username = "admin"
	s.Bosh.Password = "secret"
	return s
}

func TestDefaults(t *testing.T) {
	s := Defaults()

	if s.Thresholds.WarnDays != 30 || s.Thresholds.ErrorDays != 7 {
		t.Errorf("Expected thresholds 30/7, got %d/%d", s.Thresholds.WarnDays, s.Thresholds.ErrorDays)
	}
	if s.Slack.Username != "certificate-check" {
		t.Errorf("Expected username certificate-check, got %q", s.Slack.Username)
	}
	if s.Slack.IconEmoji != ":certificate:" {
		t.Errorf("Expected icon :certificate:, got %q", s.Slack.IconEmoji)
	}
	if s.Bosh.Port != 25555 {
		t.Errorf("Expected bosh port 25555, got %d", s.Bosh.Port)
	}
	if s.Sources.NoBosh || s.Sources.NoELB || s.Sources.K8s {
		t.Error("Expected bosh and elb scanning on, k8s off")
	}
	if s.Workers != 8 || s.ItemTimeout != 30*time.Second {
		t.Errorf("Unexpected pool defaults: workers=%d timeout=%s", s.Workers, s.ItemTimeout)
	}
	if err := s.Thresholds.Validate(); err != nil {
		t.Errorf("Default thresholds should be sane: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr string
	}{
		{"valid", func(s *Settings) {}, ""},
		{"missing webhook", func(s *Settings) { s.Slack.Webhook = "" }, "slack-webhook"},
		{"dry run needs no slack", func(s *Settings) { s.Slack = SlackSettings{}; s.DryRun = true }, ""},
		{"missing director", func(s *Settings) { s.Bosh.Environment = "" }, "bosh-environment"},
		{"bosh disabled", func(s *Settings) { s.Bosh = BoshSettings{}; s.Sources.NoBosh = true }, ""},
		{"no workers", func(s *Settings) { s.Workers = 0 }, "workers"},
		{"zero timeout", func(s *Settings) { s.ItemTimeout = 0 }, "item-timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSettings()
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestAnySourceEnabled(t *testing.T) {
	s := Defaults()
	s.Sources = SourceSettings{NoBosh: true, NoELB: true}
	if s.AnySourceEnabled() {
		t.Error("Expected no sources")
	}
	s.Sources.K8s = true
	if !s.AnySourceEnabled() {
		t.Error("Expected k8s source")
	}
}
