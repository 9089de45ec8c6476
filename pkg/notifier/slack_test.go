package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DrSkyle/certcheck/pkg/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(url string) *SlackClient {
	c := NewSlackClient(url, "")
	c.RetryInterval = time.Millisecond
	c.MaxRetries = 2
	return c
}

func TestSlackClient_PostsPayload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	c.Channel = "#override"
	err := c.Send(context.Background(), report.Payload{
		Username:    "certificate-check",
		Channel:     "#default",
		Text:        "hello",
		Attachments: []report.Attachment{{Color: report.ColorDanger, Text: "Expired!"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "#override", got["channel"])
	assert.Equal(t, "certificate-check", got["username"])
	assert.Len(t, got["attachments"], 1)
}

func TestSlackClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := testClient(srv.URL).Send(context.Background(), report.Payload{Text: "x"})

	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load())
}

func TestSlackClient_GivesUpWithDeliveryError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := testClient(srv.URL).Send(context.Background(), report.Payload{Text: "x"})

	var de *DeliveryError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, http.StatusTooManyRequests, de.StatusCode)
	assert.Equal(t, 3, de.Attempts)
	assert.EqualValues(t, 3, calls.Load())
}

func TestSlackClient_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "invalid_payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := testClient(srv.URL).Send(context.Background(), report.Payload{Text: "x"})

	var de *DeliveryError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, 1, de.Attempts)
	assert.Contains(t, de.Error(), "invalid_payload")
	assert.EqualValues(t, 1, calls.Load())
}

func TestSlackClient_NoWebhook(t *testing.T) {
	err := NewSlackClient("", "").Send(context.Background(), report.Payload{})

	var de *DeliveryError
	assert.True(t, errors.As(err, &de))
}

func TestStdoutSinkAndChain(t *testing.T) {
	var buf bytes.Buffer
	failing := sinkFunc(func(context.Context, report.Payload) error {
		return &DeliveryError{Sink: "fake", Err: errors.New("down")}
	})
	p := report.Payload{Text: "headline", Attachments: []report.Attachment{{Color: "warning", Title: "CN=a", Text: "Expires in 9 days."}}}

	require.NoError(t, Chain{&StdoutSink{W: &buf}}.Send(context.Background(), p))
	assert.Equal(t, "headline\n[warning] CN=a: Expires in 9 days.\n", buf.String())

	buf.Reset()
	err := Chain{failing, &StdoutSink{W: &buf}}.Send(context.Background(), p)
	assert.Error(t, err)
	assert.Empty(t, buf.String())
}

func TestChain_EchoFailureAfterDelivery(t *testing.T) {
	var delivered atomic.Int32
	slack := sinkFunc(func(context.Context, report.Payload) error {
		delivered.Add(1)
		return nil
	})
	var logs bytes.Buffer
	echo := Echo{Sink: &StdoutSink{W: brokenWriter{}}, Logger: slog.New(slog.NewTextHandler(&logs, nil))}

	err := Chain{slack, echo}.Send(context.Background(), report.Payload{Text: "headline"})

	require.NoError(t, err)
	assert.EqualValues(t, 1, delivered.Load())
	assert.Contains(t, logs.String(), "Failed to echo payload")
	assert.Contains(t, logs.String(), "broken pipe")

	// Unwrapped, the same writer failure is a delivery error.
	var de *DeliveryError
	assert.True(t, errors.As((&StdoutSink{W: brokenWriter{}}).Send(context.Background(), report.Payload{Text: "headline"}), &de))
}

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) { return 0, errors.New("write /dev/stdout: broken pipe") }

type sinkFunc func(context.Context, report.Payload) error

func (f sinkFunc) Send(ctx context.Context, p report.Payload) error { return f(ctx, p) }
