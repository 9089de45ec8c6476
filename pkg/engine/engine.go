package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/DrSkyle/certcheck/pkg/aggregate"
	"github.com/DrSkyle/certcheck/pkg/certs"
	"github.com/DrSkyle/certcheck/pkg/expiry"
	"github.com/DrSkyle/certcheck/pkg/notifier"
	"github.com/DrSkyle/certcheck/pkg/report"
	"github.com/DrSkyle/certcheck/pkg/sources"
	"github.com/DrSkyle/certcheck/pkg/storage"
	"github.com/DrSkyle/certcheck/pkg/telemetry"
	"github.com/DrSkyle/certcheck/pkg/version"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// ErrNoSources is returned by Run when every source is disabled.
var ErrNoSources = errors.New("no certificate sources enabled")

// DefaultArtifactKey is the object name of the JSON report.
const DefaultArtifactKey = "certcheck-report.json"

// Config holds engine settings.
type Config struct {
	Thresholds expiry.Thresholds
	Report     report.Config

	// SendWhenClean posts the "all valid" message instead of staying quiet.
	SendWhenClean bool
	ArtifactKey   string

	JSONLogs bool
	Verbose  bool

	// Telemetry config.
	OtelEndpoint  string
	SkipTelemetry bool // Set true if embedding in an app that already has OTEL
	// TraceWriter receives spans as JSON when no OTLP endpoint is set.
	TraceWriter io.Writer

	Logger *slog.Logger
}

// Result is what a run produced.
type Result struct {
	Report  aggregate.Report
	Payload report.Payload
	// Sent is false when the payload was a suppressed no-op.
	Sent     bool
	Artifact string
}

// Engine runs the sources, classifies what they find and delivers one alert.
type Engine struct {
	Logger *slog.Logger
	Tracer trace.Tracer

	config  Config
	sources []sources.Source
	sink    notifier.Sink
	store   storage.BlobStore
	now     func() time.Time
	builder *report.Builder

	shutdown     telemetry.Shutdown
	certificates metric.Int64Counter
	issues       metric.Int64Counter
}

// Option defines a functional configuration override.
type Option func(*Engine)

// New initializes the Engine.
func New(ctx context.Context, opts ...Option) (*Engine, error) {
	e := &Engine{
		Logger: NewLogger(os.Stdout, true, false),
		Tracer: telemetry.Tracer("certcheck/engine"),
		sink:   notifier.NewStdoutSink(),
		now:    time.Now,
		config: Config{
			Thresholds:  expiry.Thresholds{WarnDays: expiry.DefaultWarnDays, ErrorDays: expiry.DefaultErrorDays},
			ArtifactKey: DefaultArtifactKey,
		},
	}

	for _, opt := range opts {
		opt(e)
	}

	if err := e.config.Thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid thresholds: %w", err)
	}
	if e.config.ArtifactKey == "" {
		e.config.ArtifactKey = DefaultArtifactKey
	}
	rc := e.config.Report
	rc.Thresholds = e.config.Thresholds
	e.builder = report.NewBuilder(rc)

	slog.SetDefault(e.Logger)

	if !e.config.SkipTelemetry {
		shutdown, err := telemetry.Init(ctx, telemetry.Options{
			ServiceName:    version.AppName,
			ServiceVersion: version.Current,
			Endpoint:       e.config.OtelEndpoint,
			Debug:          e.config.TraceWriter,
		})
		if err != nil {
			e.Logger.Warn("Telemetry failed", "error", err)
		} else {
			e.shutdown = shutdown
		}
	}

	meter := telemetry.Meter("certcheck/engine")
	var err error
	if e.certificates, err = meter.Int64Counter("certcheck.certificates",
		metric.WithDescription("Certificates classified, by source and severity.")); err != nil {
		return nil, fmt.Errorf("certificate counter: %w", err)
	}
	if e.issues, err = meter.Int64Counter("certcheck.issues",
		metric.WithDescription("Certificate material that could not be read or parsed.")); err != nil {
		return nil, fmt.Errorf("issue counter: %w", err)
	}

	return e, nil
}

// NewLogger builds the engine's slog logger. Sensitive attributes are redacted.
func NewLogger(w io.Writer, jsonLogs, verbose bool) *slog.Logger {
	opts := &slog.HandlerOptions{ReplaceAttr: redactSensitiveData}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	if jsonLogs {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.Logger = l
		}
	}
}

// WithConfig sets raw config.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.config = cfg
		if cfg.Logger != nil {
			e.Logger = cfg.Logger
		}
	}
}

// WithSources sets the certificate sources, run concurrently.
func WithSources(srcs ...sources.Source) Option {
	return func(e *Engine) {
		e.sources = append(e.sources, srcs...)
	}
}

// WithSink sets where the alert goes.
func WithSink(s notifier.Sink) Option {
	return func(e *Engine) {
		if s != nil {
			e.sink = s
		}
	}
}

// WithArtifactStore enables writing the JSON report.
func WithArtifactStore(s storage.BlobStore) Option {
	return func(e *Engine) {
		e.store = s
	}
}

// WithClock overrides the time used for classification.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Close flushes telemetry.
func (e *Engine) Close(ctx context.Context) error {
	if e.shutdown == nil {
		return nil
	}
	return e.shutdown(ctx)
}

// Run scans every source, builds the alert and sends it. Source and parse
// failures end up in the report; only delivery failures are returned.
func (e *Engine) Run(ctx context.Context) (res Result, err error) {
	ctx, span := e.Tracer.Start(ctx, "Engine.Run")
	defer span.End()

	// Crash safety.
	defer e.recoverPanic(ctx, &err)

	if len(e.sources) == 0 {
		return res, ErrNoSources
	}

	now := e.now().UTC()
	names := make([]string, 0, len(e.sources))
	for _, s := range e.sources {
		names = append(names, s.Name())
	}
	e.Logger.Info("Starting certificate check",
		"version", version.Current,
		"sources", strings.Join(names, ","),
		"warn_days", e.config.Thresholds.WarnDays,
		"error_days", e.config.Thresholds.ErrorDays,
	)

	rep := e.collect(ctx, now)
	res.Report = rep

	c := rep.Counts
	span.SetAttributes(
		attribute.Int("scan.scanned", c.Scanned),
		attribute.Int("scan.unique", c.Unique),
		attribute.Int("scan.warn", c.Warn),
		attribute.Int("scan.error", c.Error),
		attribute.Int("scan.issues", c.Issues),
	)
	e.Logger.Info("Scan complete",
		"scanned", c.Scanned, "unique", c.Unique,
		"ok", c.OK, "warn", c.Warn, "error", c.Error, "issues", c.Issues,
	)

	if e.store != nil {
		res.Artifact = e.writeArtifact(ctx, rep, now)
	}

	res.Payload = e.builder.Build(rep)
	if res.Payload.NoOp && !e.config.SendWhenClean {
		e.Logger.Info("Nothing to report, alert suppressed")
		return res, nil
	}

	if err := e.sink.Send(ctx, res.Payload); err != nil {
		var de *notifier.DeliveryError
		if !errors.As(err, &de) {
			err = &notifier.DeliveryError{Sink: "unknown", Err: err}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")
		e.Logger.Error("Alert delivery failed", "error", err)
		return res, err
	}
	res.Sent = true
	e.Logger.Info("Alert delivered", "attachments", len(res.Payload.Attachments))
	return res, nil
}

// collect runs each source in its own goroutine with a private aggregator and
// merges them once all are done. A panicking source becomes an issue for that
// source only.
func (e *Engine) collect(ctx context.Context, now time.Time) aggregate.Report {
	partials := make([]*aggregate.Aggregator, len(e.sources))
	var g errgroup.Group
	for i, src := range e.sources {
		partials[i] = aggregate.New()
		g.Go(func() error {
			defer e.recoverSource(ctx, src.Name(), partials[i])
			e.scanSource(ctx, src, now, partials[i])
			return nil
		})
	}
	_ = g.Wait()

	merged := aggregate.New()
	for _, p := range partials {
		merged.Merge(p)
	}
	return merged.Report()
}

func (e *Engine) scanSource(ctx context.Context, src sources.Source, now time.Time, agg *aggregate.Aggregator) {
	name := src.Name()
	ctx, span := e.Tracer.Start(ctx, "Source.Scan", trace.WithAttributes(attribute.String("source", name)))
	defer span.End()

	start := time.Now()
	var items, found, failures int
	for it := range src.Scan(ctx) {
		items++
		if it.Err != nil {
			failures++
			agg.AddError(it.Err)
			e.issues.Add(ctx, 1, metric.WithAttributes(attribute.String("source", name), attribute.String("kind", "unavailable")))
			e.Logger.Warn("Source unavailable", "source", name, "error", it.Err)
			continue
		}

		recs, err := certs.ParseAll(it.Raw, it.Provenance)
		if err != nil {
			failures++
			agg.AddError(err)
			e.issues.Add(ctx, 1, metric.WithAttributes(attribute.String("source", name), attribute.String("kind", "parse")))
			e.Logger.Warn("Unparseable certificate", "source", name, "location", it.Provenance.String(), "error", err)
		}
		for _, rec := range recs {
			cl := expiry.Classify(rec, now, e.config.Thresholds)
			agg.Add(cl)
			e.certificates.Add(ctx, 1, metric.WithAttributes(
				attribute.String("source", name),
				attribute.String("severity", cl.Severity.String()),
			))
		}
		found += len(recs)
	}

	span.SetAttributes(
		attribute.Int("scan.items", items),
		attribute.Int("scan.certificates", found),
		attribute.Int("scan.failures", failures),
	)
	if items > 0 && failures == items {
		span.SetStatus(codes.Error, "no readable certificate material")
	}
	e.Logger.Info("Source scanned",
		"source", name, "items", items, "certificates", found,
		"failures", failures, "duration", time.Since(start).Round(time.Millisecond),
	)
}

// writeArtifact stores the JSON report. Failures are logged, never fatal.
func (e *Engine) writeArtifact(ctx context.Context, r aggregate.Report, now time.Time) string {
	data, err := report.NewDocument(r, e.config.Thresholds, now).JSON()
	if err != nil {
		e.Logger.Warn("Report encoding failed", "error", err)
		return ""
	}
	if err := e.store.Put(ctx, e.config.ArtifactKey, data); err != nil {
		e.Logger.Warn("Report upload failed", "key", e.config.ArtifactKey, "error", err)
		return ""
	}
	e.Logger.Info("Report written", "key", e.config.ArtifactKey, "bytes", len(data))
	return e.config.ArtifactKey
}

// recoverPanic turns a panic into an error on errp and records it.
func (e *Engine) recoverPanic(ctx context.Context, errp *error) {
	if r := recover(); r != nil {
		perr := e.recordPanic(ctx, r)
		if errp != nil {
			*errp = perr
		}
	}
}

// recoverSource files a panic raised while scanning a source as an issue
// against that source.
func (e *Engine) recoverSource(ctx context.Context, name string, agg *aggregate.Aggregator) {
	if r := recover(); r != nil {
		perr := e.recordPanic(ctx, r)
		agg.AddError(&sources.SourceUnavailable{Scanner: name, Handle: sources.AllHandles, Err: perr})
		e.issues.Add(ctx, 1, metric.WithAttributes(attribute.String("source", name), attribute.String("kind", "panic")))
	}
}

func (e *Engine) recordPanic(ctx context.Context, r any) error {
	_, span := e.Tracer.Start(ctx, "CriticalPanic")

	stack := debug.Stack()
	perr := fmt.Errorf("panic: %v", r)

	span.RecordError(perr, trace.WithStackTrace(true))
	span.SetStatus(codes.Error, "CRITICAL FAILURE")
	span.SetAttributes(
		attribute.String("crash.stack", string(stack)),
		attribute.String("crash.reason", fmt.Sprintf("%v", r)),
	)
	span.End()

	e.Logger.Error("CRITICAL FAILURE", "error", r, "stack", string(stack))
	return perr
}

var sensitiveKeys = map[string]bool{
	"account": true, "password": true, "access_key": true, "token": true,
	"secret": true, "api_key": true, "private_key": true, "auth_token": true,
	"refresh_token": true, "certificate": true, "signature": true,
	"credential": true, "ssh_key": true, "connection_string": true,
	"webhook": true, "slack_webhook": true, "bosh_password": true,
}

// redactSensitiveData scrubs sensitive keys from logs.
func redactSensitiveData(groups []string, a slog.Attr) slog.Attr {
	key := strings.ReplaceAll(strings.ToLower(a.Key), "-", "_")
	if sensitiveKeys[key] {
		return slog.Attr{
			Key:   a.Key,
			Value: slog.StringValue("[REDACTED]"),
		}
	}
	return a
}
