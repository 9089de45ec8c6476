// Package config defines run settings, their defaults, and validation.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/DrSkyle/certcheck/pkg/bosh"
	"github.com/DrSkyle/certcheck/pkg/expiry"
)

// Settings is everything a run needs. Keys match the CLI flags; environment
// variables use the upper-cased key with dashes replaced by underscores
// (days-warn -> DAYS_WARN).
type Settings struct {
	Thresholds expiry.Thresholds `mapstructure:",squash"`
	Sources    SourceSettings    `mapstructure:",squash"`
	Slack      SlackSettings     `mapstructure:",squash"`
	Bosh       BoshSettings      `mapstructure:",squash"`
	AWS        AWSSettings       `mapstructure:",squash"`

	// Workers bounds concurrent collaborator calls per source.
	Workers int `mapstructure:"workers"`
	// ItemTimeout bounds each per-deployment, per-load-balancer or per-namespace fetch.
	ItemTimeout time.Duration `mapstructure:"item-timeout"`

	// PropertyFilter is an optional CEL expression selecting certificate properties.
	PropertyFilter string `mapstructure:"property-filter"`
	// ReportOutput is a directory or s3://bucket/prefix for the JSON artifact.
	ReportOutput string `mapstructure:"report-output"`

	OtelEndpoint string `mapstructure:"otel-endpoint"`
	JSONLogs     bool   `mapstructure:"json-logs"`
	Verbose      bool   `mapstructure:"verbose"`
	DryRun       bool   `mapstructure:"dry-run"`
}

type SourceSettings struct {
	NoBosh bool `mapstructure:"no-bosh-check"`
	NoELB  bool `mapstructure:"no-elb-check"`
	K8s    bool `mapstructure:"k8s-check"`

	// Kubeconfig and KubeContext select the cluster; empty means the default
	// loading rules, then in-cluster config.
	Kubeconfig  string `mapstructure:"kubeconfig"`
	KubeContext string `mapstructure:"kube-context"`
}

type SlackSettings struct {
	Webhook   string `mapstructure:"slack-webhook"`
	Channel   string `mapstructure:"slack-channel"`
	Username  string `mapstructure:"slack-username"`
	IconEmoji string `mapstructure:"slack-icon-emoji"`
	// SendWhenClean posts the no-op message too.
	SendWhenClean bool `mapstructure:"send-when-clean"`
}

type BoshSettings struct {
	Environment string `mapstructure:"bosh-environment"`
	Port        int    `mapstructure:"bosh-port"`
	Username    string `mapstructure:"bosh-username"`
	Password    string `mapstructure:"bosh-password"`
	CACert      string `mapstructure:"bosh-ca-cert"`
}

type AWSSettings struct {
	Region  string `mapstructure:"region"`
	Profile string `mapstructure:"profile"`
}

// Defaults.
const (
	DefaultWarnDays    = expiry.DefaultWarnDays
	DefaultErrorDays   = expiry.DefaultErrorDays
	DefaultWorkers     = 8
	DefaultItemTimeout = 30 * time.Second
	DefaultUsername    = "certificate-check"
	DefaultIconEmoji   = ":certificate:"
)

// Defaults returns settings with every default applied.
func Defaults() Settings {
	return Settings{
		Thresholds: expiry.Thresholds{WarnDays: DefaultWarnDays, ErrorDays: DefaultErrorDays},
		Slack: SlackSettings{
			Username:  DefaultUsername,
			IconEmoji: DefaultIconEmoji,
		},
		Bosh:        BoshSettings{Port: bosh.DefaultPort},
		Workers:     DefaultWorkers,
		ItemTimeout: DefaultItemTimeout,
	}
}

// Validate rejects settings a run cannot start with. Questionable thresholds
// are not rejected here; see Thresholds.Validate.
func (s Settings) Validate() error {
	var errs []error
	if !s.DryRun {
		if s.Slack.Webhook == "" {
			errs = append(errs, errors.New("slack-webhook is required (or use --dry-run)"))
		}
		if s.Slack.Channel == "" {
			errs = append(errs, errors.New("slack-channel is required (or use --dry-run)"))
		}
	}
	if !s.Sources.NoBosh {
		if s.Bosh.Environment == "" {
			errs = append(errs, errors.New("bosh-environment is required unless no-bosh-check is set"))
		}
		if s.Bosh.Username == "" || s.Bosh.Password == "" {
			errs = append(errs, errors.New("bosh-username and bosh-password are required unless no-bosh-check is set"))
		}
	}
	if s.Bosh.Port < 0 || s.Bosh.Port > 65535 {
		errs = append(errs, fmt.Errorf("bosh-port %d out of range", s.Bosh.Port))
	}
	if s.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", s.Workers))
	}
	if s.ItemTimeout <= 0 {
		errs = append(errs, fmt.Errorf("item-timeout must be positive, got %s", s.ItemTimeout))
	}
	return errors.Join(errs...)
}

// AnySourceEnabled reports whether at least one scanner will run.
func (s Settings) AnySourceEnabled() bool {
	return !s.Sources.NoBosh || !s.Sources.NoELB || s.Sources.K8s
}
