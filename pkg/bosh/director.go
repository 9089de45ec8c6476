// Package bosh is a minimal BOSH director API client: enough to list
// deployments and read their manifests.
package bosh

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/DrSkyle/certcheck/pkg/sources"
	"github.com/cenkalti/backoff/v4"
)

// DefaultPort is the director API port.
const DefaultPort = 25555

// ErrUnsupportedAuth is returned when the director asks for an authentication
// scheme other than uaa or basic.
var ErrUnsupportedAuth = errors.New("unsupported director authentication type")

// Config describes how to reach a director.
type Config struct {
	// Environment is a hostname, an IP or a full https URL.
	Environment string
	Port        int
	Username    string
	Password    string
	// CACert is a path to a PEM file or the PEM contents themselves.
	CACert string

	// Predicate selects certificate properties. Nil means sources.LooksLikeCertificate.
	Predicate sources.Predicate

	HTTPClient    *http.Client
	MaxRetries    uint64
	RetryInterval time.Duration
	Logger        *slog.Logger
}

// HTTPError is a non-2xx answer from the director or UAA.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

func (e *HTTPError) HTTPStatusCode() int { return e.StatusCode }

type info struct {
	Name               string `json:"name"`
	UUID               string `json:"uuid"`
	Version            string `json:"version"`
	UserAuthentication struct {
		Type    string `json:"type"`
		Options struct {
			URL string `json:"url"`
		} `json:"options"`
	} `json:"user_authentication"`
}

// Director talks to one BOSH director. It implements sources.DeploymentSource.
type Director struct {
	cfg    Config
	base   string
	client *http.Client
	logger *slog.Logger

	connectOnce sync.Once
	connectErr  error

	mu       sync.Mutex
	authType string
	uaaURL   string
	token    string
}

// New opens a director client and connects to it right away.
func New(ctx context.Context, cfg Config) (*Director, error) {
	d, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := d.Connect(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// Open validates cfg and prepares the HTTP client without contacting the
// director. The first ListDeployments connects.
func Open(cfg Config) (*Director, error) {
	if cfg.Environment == "" {
		return nil, errors.New("bosh environment is required")
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := cfg.HTTPClient
	if client == nil {
		var err error
		client, err = newHTTPClient(cfg.CACert)
		if err != nil {
			return nil, err
		}
	}

	return &Director{
		cfg:    cfg,
		base:   baseURL(cfg.Environment, cfg.Port),
		client: client,
		logger: logger,
	}, nil
}

// Connect discovers the director's authentication scheme and logs in. Only the
// first call talks to the director; later calls return its outcome.
func (d *Director) Connect(ctx context.Context) error {
	d.connectOnce.Do(func() { d.connectErr = d.connect(ctx) })
	return d.connectErr
}

func (d *Director) connect(ctx context.Context) error {
	var in info
	if err := d.getJSON(ctx, "/info", false, &in); err != nil {
		return fmt.Errorf("failed to query director info: %w", err)
	}
	d.authType = in.UserAuthentication.Type
	d.uaaURL = strings.TrimSuffix(in.UserAuthentication.Options.URL, "/")

	switch d.authType {
	case "uaa":
		if err := d.login(ctx); err != nil {
			return err
		}
	case "basic":
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedAuth, d.authType)
	}

	d.logger.Info("Connected to BOSH director", "name", in.Name, "version", in.Version, "auth", d.authType)
	return nil
}

func baseURL(env string, port int) string {
	if strings.Contains(env, "://") {
		return strings.TrimSuffix(env, "/")
	}
	return "https://" + env + ":" + strconv.Itoa(port)
}

func newHTTPClient(caCert string) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if caCert != "" {
		pemData := []byte(caCert)
		if !strings.HasPrefix(strings.TrimSpace(caCert), "-----BEGIN") {
			var err error
			pemData, err = os.ReadFile(caCert)
			if err != nil {
				return nil, fmt.Errorf("failed to read bosh ca cert: %w", err)
			}
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("bosh ca cert contains no PEM certificates")
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}
	return &http.Client{Transport: transport, Timeout: 60 * time.Second}, nil
}

// login performs a UAA password grant as the bosh_cli client.
func (d *Director) login(ctx context.Context) error {
	form := url.Values{
		"grant_type": {"password"},
		"username":   {d.cfg.Username},
		"password":   {d.cfg.Password},
	}
	endpoint := d.uaaURL + "/oauth/token"

	var tok struct {
		AccessToken string `json:"access_token"`
	}
	err := d.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		req.SetBasicAuth("bosh_cli", "")
		return d.do(req, &tok)
	})
	if err != nil {
		return fmt.Errorf("uaa login failed: %w", err)
	}
	if tok.AccessToken == "" {
		return errors.New("uaa login returned no access token")
	}

	d.mu.Lock()
	d.token = tok.AccessToken
	d.mu.Unlock()
	return nil
}

// ListDeployments returns every deployment name on the director, connecting
// first if needed.
func (d *Director) ListDeployments(ctx context.Context) ([]string, error) {
	if err := d.Connect(ctx); err != nil {
		return nil, err
	}
	var deps []struct {
		Name string `json:"name"`
	}
	if err := d.getJSON(ctx, "/deployments", true, &deps); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(deps))
	for _, dep := range deps {
		names = append(names, dep.Name)
	}
	return names, nil
}

// Manifest returns the raw manifest YAML of a deployment. A deployment without
// a manifest yields nil.
func (d *Director) Manifest(ctx context.Context, deployment string) ([]byte, error) {
	var body struct {
		Manifest *string `json:"manifest"`
	}
	if err := d.getJSON(ctx, "/deployments/"+url.PathEscape(deployment), true, &body); err != nil {
		return nil, err
	}
	if body.Manifest == nil {
		return nil, nil
	}
	return []byte(*body.Manifest), nil
}

// CertificateProperties extracts the certificate-looking properties of a deployment manifest.
func (d *Director) CertificateProperties(ctx context.Context, deployment string) ([]sources.Property, error) {
	manifest, err := d.Manifest(ctx, deployment)
	if err != nil {
		return nil, err
	}
	props, err := sources.ExtractProperties(manifest, d.cfg.Predicate)
	if err != nil {
		return nil, fmt.Errorf("deployment %s: %w", deployment, err)
	}
	d.logger.Debug("Manifest scanned", "deployment", deployment, "certificates", len(props))
	return props, nil
}

func (d *Director) getJSON(ctx context.Context, path string, authed bool, out any) error {
	err := d.retry(ctx, func() error { return d.get(ctx, path, authed, out) })

	var httpErr *HTTPError
	if authed && d.authType == "uaa" && errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusUnauthorized {
		// token expired mid-run
		if lerr := d.login(ctx); lerr != nil {
			return lerr
		}
		err = d.retry(ctx, func() error { return d.get(ctx, path, authed, out) })
	}
	return err
}

func (d *Director) get(ctx context.Context, path string, authed bool, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.base+path, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if authed {
		d.authorize(req)
	}
	return d.do(req, out)
}

func (d *Director) authorize(req *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.token != "":
		req.Header.Set("Authorization", "bearer "+d.token)
	case d.authType == "basic":
		req.SetBasicAuth(d.cfg.Username, d.cfg.Password)
	}
}

// do sends req and decodes a JSON body into out. Client errors are permanent.
func (d *Director) do(req *http.Request, out any) error {
	resp, err := d.client.Do(req)
	if err != nil {
		var verr *tls.CertificateVerificationError
		if errors.As(err, &verr) {
			return backoff.Permanent(err)
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		httpErr := &HTTPError{
			Method:     req.Method,
			URL:        req.URL.Path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		}
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(httpErr)
		}
		return httpErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("failed to decode %s response: %w", req.URL.Path, err))
	}
	return nil
}

func (d *Director) retry(ctx context.Context, op backoff.Operation) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.RetryInterval
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 2 * time.Minute
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, d.cfg.MaxRetries), ctx))
}
