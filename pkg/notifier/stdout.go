package notifier

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/DrSkyle/certcheck/pkg/report"
)

// StdoutSink prints the plain-text rendering of a payload.
type StdoutSink struct {
	W io.Writer
}

func NewStdoutSink() *StdoutSink {
	return &StdoutSink{W: os.Stdout}
}

func (s *StdoutSink) Send(_ context.Context, p report.Payload) error {
	for _, line := range p.Lines() {
		if _, err := fmt.Fprintln(s.W, line); err != nil {
			return &DeliveryError{Sink: "stdout", Attempts: 1, Err: err}
		}
	}
	return nil
}

// Chain delivers to each sink in order and stops at the first failure.
type Chain []Sink

func (c Chain) Send(ctx context.Context, p report.Payload) error {
	for _, s := range c {
		if err := s.Send(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Echo wraps a sink whose failure must not undo a delivery that already
// happened. Errors are logged and swallowed.
type Echo struct {
	Sink   Sink
	Logger *slog.Logger
}

func (e Echo) Send(ctx context.Context, p report.Payload) error {
	if err := e.Sink.Send(ctx, p); err != nil {
		logger := e.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("Failed to echo payload", "error", err)
	}
	return nil
}
