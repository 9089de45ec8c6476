// Package app wires collaborators from settings into a runnable engine.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/DrSkyle/certcheck/pkg/aws"
	"github.com/DrSkyle/certcheck/pkg/bosh"
	"github.com/DrSkyle/certcheck/pkg/config"
	"github.com/DrSkyle/certcheck/pkg/engine"
	"github.com/DrSkyle/certcheck/pkg/engine/swarm"
	"github.com/DrSkyle/certcheck/pkg/notifier"
	"github.com/DrSkyle/certcheck/pkg/policy"
	"github.com/DrSkyle/certcheck/pkg/providers/k8s"
	"github.com/DrSkyle/certcheck/pkg/report"
	"github.com/DrSkyle/certcheck/pkg/sources"
	"github.com/DrSkyle/certcheck/pkg/storage"
)

// Run is a configured engine plus whatever must be released after it ran.
type Run struct {
	Engine  *engine.Engine
	closers []func()
}

// Close releases informers and flushes telemetry.
func (r *Run) Close(ctx context.Context) {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	if r.Engine != nil {
		if err := r.Engine.Close(ctx); err != nil {
			slog.Warn("Telemetry shutdown failed", "error", err)
		}
	}
}

// Build validates s and constructs every enabled collaborator. Configuration
// errors (an unreadable CA, an invalid filter, a broken kubeconfig) fail the
// whole build. A collaborator that cannot be reached becomes an unavailable
// source, so the run still reports what the other sources found.
func Build(ctx context.Context, s config.Settings, logger *slog.Logger) (*Run, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	if !s.AnySourceEnabled() {
		return nil, engine.ErrNoSources
	}
	if logger == nil {
		logger = engine.NewLogger(os.Stderr, s.JSONLogs, s.Verbose)
	}

	run := &Run{}
	fail := func(err error) (*Run, error) {
		run.Close(ctx)
		return nil, err
	}

	pred, err := predicate(s.PropertyFilter, logger)
	if err != nil {
		return fail(err)
	}

	var (
		srcs      []sources.Source
		awsClient *aws.Client
	)

	if !s.Sources.NoBosh {
		director, err := bosh.Open(bosh.Config{
			Environment: s.Bosh.Environment,
			Port:        s.Bosh.Port,
			Username:    s.Bosh.Username,
			Password:    s.Bosh.Password,
			CACert:      s.Bosh.CACert,
			Predicate:   pred,
			Logger:      logger,
		})
		if err != nil {
			return fail(fmt.Errorf("bosh director: %w", err))
		}
		srcs = append(srcs, sources.NewDeploymentScanner(director, newPool(s), logger))
	}

	target, err := artifactTarget(s.ReportOutput)
	if err != nil {
		return fail(err)
	}

	var identityErr error
	if !s.Sources.NoELB || target.IsS3() {
		awsClient, err = aws.NewClient(ctx, s.AWS.Region, s.AWS.Profile, logger, s.Verbose)
		if err != nil {
			return fail(fmt.Errorf("aws client: %w", err))
		}
		if _, err := awsClient.VerifyIdentity(ctx); err != nil {
			identityErr = fmt.Errorf("unable to find AWS credentials (run 'aws configure' or set AWS_PROFILE): %w", err)
			logger.Error("AWS unavailable", "error", identityErr)
		} else {
			logger.Info("Connected to AWS", "region", awsClient.Config.Region)
		}
	}

	if !s.Sources.NoELB {
		srcs = append(srcs, listenerSources(s, awsClient, identityErr, logger)...)
	}

	if s.Sources.K8s {
		client, err := k8s.NewClient(s.Sources.Kubeconfig, s.Sources.KubeContext)
		if err != nil {
			return fail(fmt.Errorf("kubernetes client: %w", err))
		}
		collector := k8s.NewSecretCollector(client, logger)
		run.closers = append(run.closers, collector.Close)
		srcs = append(srcs, sources.NewSecretScanner(collector, newPool(s), logger))
	}

	cfg := engine.Config{
		Thresholds: s.Thresholds,
		Report: report.Config{
			Username:  s.Slack.Username,
			Channel:   s.Slack.Channel,
			IconEmoji: s.Slack.IconEmoji,
		},
		SendWhenClean: s.Slack.SendWhenClean,
		JSONLogs:      s.JSONLogs,
		Verbose:       s.Verbose,
		OtelEndpoint:  s.OtelEndpoint,
		Logger:        logger,
	}
	if s.Verbose {
		cfg.TraceWriter = os.Stderr
	}

	opts := []engine.Option{
		engine.WithConfig(cfg),
		engine.WithSources(srcs...),
		engine.WithSink(sink(s, logger)),
	}
	if store := artifactStore(target, awsClient); store != nil {
		opts = append(opts, engine.WithArtifactStore(store))
	}

	eng, err := engine.New(ctx, opts...)
	if err != nil {
		return fail(err)
	}
	run.Engine = eng
	return run, nil
}

// listenerSources scans ELBv2 and classic load balancers. They share one IAM
// certificate lookup. Without working credentials a single unavailable source
// stands in for both.
func listenerSources(s config.Settings, client *aws.Client, identityErr error, logger *slog.Logger) []sources.Source {
	if identityErr != nil {
		return []sources.Source{sources.Unavailable("elb", identityErr)}
	}
	v2 := aws.NewListenerCollector(client.Config, logger)
	classic := aws.NewClassicCollector(client.Config, v2, logger)
	return []sources.Source{
		sources.NewListenerScanner(v2, newPool(s), logger),
		sources.NewClassicListenerScanner(classic, newPool(s), logger),
	}
}

func newPool(s config.Settings) *swarm.Pool {
	return swarm.NewPool(s.Workers, s.ItemTimeout)
}

func predicate(expr string, logger *slog.Logger) (sources.Predicate, error) {
	if expr == "" {
		return sources.LooksLikeCertificate, nil
	}
	f, err := policy.NewPropertyFilter(expr, logger)
	if err != nil {
		return nil, fmt.Errorf("property-filter: %w", err)
	}
	logger.Info("Using custom property filter", "expression", f.String())
	return f.Predicate(), nil
}

// sink prints only in dry-run; otherwise posts to Slack and then prints.
// Once Slack has the payload a failed print is only logged.
func sink(s config.Settings, logger *slog.Logger) notifier.Sink {
	stdout := notifier.NewStdoutSink()
	if s.DryRun {
		return stdout
	}
	return notifier.Chain{
		notifier.NewSlackClient(s.Slack.Webhook, s.Slack.Channel),
		notifier.Echo{Sink: stdout, Logger: logger},
	}
}

func artifactTarget(raw string) (storage.Target, error) {
	if raw == "" {
		return storage.Target{}, nil
	}
	t, err := storage.ParseTarget(raw)
	if err != nil {
		return storage.Target{}, fmt.Errorf("report-output: %w", err)
	}
	return t, nil
}

func artifactStore(t storage.Target, client *aws.Client) storage.BlobStore {
	switch {
	case t.IsS3() && client != nil:
		return storage.NewS3Store(client.Config, t.Bucket, t.Prefix)
	case t.Dir != "":
		return storage.NewLocalStore(t.Dir)
	default:
		return nil
	}
}
