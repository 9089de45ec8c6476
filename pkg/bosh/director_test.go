package bosh

import (
	"context"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DrSkyle/certcheck/internal/testcerts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDirector struct {
	*httptest.Server
	authType    string
	token       atomic.Value
	manifests   map[string]any
	deployments atomic.Int32
	failNext    atomic.Int32
}

func newFakeDirector(t *testing.T, authType string) *fakeDirector {
	t.Helper()
	f := &fakeDirector{authType: authType, manifests: map[string]any{}}
	f.token.Store("first-token")

	mux := http.NewServeMux()
	mux.HandleFunc("GET /info", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"name":    "test-director",
			"version": "280.0.0",
			"user_authentication": map[string]any{
				"type":    f.authType,
				"options": map[string]any{"url": f.URL + "/uaa"},
			},
		}
		json.NewEncoder(w).Encode(body)
	})
	mux.HandleFunc("POST /uaa/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "bosh_cli" || pass != "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.FormValue("grant_type") != "password" || r.FormValue("username") != "admin" || r.FormValue("password") != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"access_token": f.token.Load().(string)})
	})
	mux.HandleFunc("GET /deployments", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.deployments.Add(1)
		if f.failNext.Load() > 0 {
			f.failNext.Add(-1)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode([]map[string]string{{"name": "cf"}, {"name": "concourse"}})
	})
	mux.HandleFunc("GET /deployments/{name}", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		m, ok := f.manifests[r.PathValue("name")]
		if !ok {
			http.Error(w, `{"code":70000,"description":"Deployment not found"}`, http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"manifest": m})
	})

	f.Server = httptest.NewTLSServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeDirector) authorized(r *http.Request) bool {
	switch f.authType {
	case "uaa":
		return r.Header.Get("Authorization") == "bearer "+f.token.Load().(string)
	case "basic":
		user, pass, ok := r.BasicAuth()
		return ok && user == "admin" && pass == "s3cret"
	}
	return false
}

func (f *fakeDirector) config() Config {
	return Config{
		Environment:   f.URL,
		Username:      "admin",
		Password:      "s3cret",
		HTTPClient:    f.Client(),
		RetryInterval: time.Millisecond,
	}
}

func TestNew_UAA(t *testing.T) {
	f := newFakeDirector(t, "uaa")

	d, err := New(context.Background(), f.config())
	require.NoError(t, err)
	assert.Equal(t, "first-token", d.token)

	names, err := d.ListDeployments(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"cf", "concourse"}, names)
}

func TestNew_Basic(t *testing.T) {
	f := newFakeDirector(t, "basic")

	d, err := New(context.Background(), f.config())
	require.NoError(t, err)
	assert.Empty(t, d.token)

	names, err := d.ListDeployments(context.Background())
	require.NoError(t, err)
	assert.Len(t, names, 2)
}

func TestNew_UnknownAuth(t *testing.T) {
	f := newFakeDirector(t, "kerberos")

	_, err := New(context.Background(), f.config())
	assert.ErrorIs(t, err, ErrUnsupportedAuth)
}

func TestNew_BadCredentials(t *testing.T) {
	f := newFakeDirector(t, "uaa")
	cfg := f.config()
	cfg.Password = "wrong"

	_, err := New(context.Background(), cfg)

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusUnauthorized, httpErr.HTTPStatusCode())
}

func TestOpen_ConnectsLazily(t *testing.T) {
	var infoCalls atomic.Int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		infoCalls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	d, err := Open(Config{
		Environment:   srv.URL,
		HTTPClient:    srv.Client(),
		MaxRetries:    1,
		RetryInterval: time.Millisecond,
	})
	require.NoError(t, err)
	assert.Zero(t, infoCalls.Load(), "Open must not contact the director")

	_, err = d.ListDeployments(context.Background())
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusServiceUnavailable, httpErr.StatusCode)
	assert.ErrorContains(t, err, "director info")

	calls := infoCalls.Load()
	_, err = d.ListDeployments(context.Background())
	assert.Error(t, err)
	assert.Equal(t, calls, infoCalls.Load(), "connection outcome is remembered")
}

func TestOpen_RejectsBadCACert(t *testing.T) {
	_, err := Open(Config{Environment: "10.0.0.6", CACert: filepath.Join(t.TempDir(), "missing.pem")})
	assert.ErrorContains(t, err, "bosh ca cert")

	_, err = Open(Config{Environment: "10.0.0.6", CACert: "-----BEGIN NOTHING-----"})
	assert.ErrorContains(t, err, "no PEM certificates")
}

func TestNew_TrustsCACertFile(t *testing.T) {
	f := newFakeDirector(t, "basic")
	caPath := filepath.Join(t.TempDir(), "director.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: f.Certificate().Raw})
	require.NoError(t, os.WriteFile(caPath, pemBytes, 0o600))

	cfg := f.config()
	cfg.HTTPClient = nil
	cfg.CACert = caPath
	_, err := New(context.Background(), cfg)
	require.NoError(t, err)

	cfg.CACert = string(pemBytes)
	_, err = New(context.Background(), cfg)
	require.NoError(t, err)

	cfg.CACert = ""
	_, err = New(context.Background(), cfg)
	assert.Error(t, err, "untrusted director certificate must fail")
}

func TestCertificateProperties(t *testing.T) {
	f := newFakeDirector(t, "basic")
	cert := testcerts.New(t, "router.example.com", time.Now().Add(48*time.Hour))
	f.manifests["cf"] = "name: cf\ninstance_groups:\n- name: router\n  jobs:\n  - name: gorouter\n    properties:\n      router:\n        tls_port: 443\n        cert: |\n" +
		indent(string(cert.PEM), "          ") +
		"        ca_der: " + cert.Base64 + "\n"
	f.manifests["empty"] = nil

	d, err := New(context.Background(), f.config())
	require.NoError(t, err)

	props, err := d.CertificateProperties(context.Background(), "cf")
	require.NoError(t, err)
	require.Len(t, props, 2)
	assert.Equal(t, "instance_groups[router].jobs[gorouter].properties.router.ca_der", props[0].Path)
	assert.Equal(t, "instance_groups[router].jobs[gorouter].properties.router.cert", props[1].Path)
	assert.True(t, strings.HasPrefix(string(props[1].Raw), "-----BEGIN CERTIFICATE-----"))

	props, err = d.CertificateProperties(context.Background(), "empty")
	require.NoError(t, err)
	assert.Empty(t, props)

	_, err = d.CertificateProperties(context.Background(), "missing")
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
}

func TestListDeployments_RetriesServerErrors(t *testing.T) {
	f := newFakeDirector(t, "basic")
	f.failNext.Store(2)

	d, err := New(context.Background(), f.config())
	require.NoError(t, err)

	names, err := d.ListDeployments(context.Background())
	require.NoError(t, err)
	assert.Len(t, names, 2)
	assert.EqualValues(t, 3, f.deployments.Load())
}

func TestListDeployments_RefreshesExpiredToken(t *testing.T) {
	f := newFakeDirector(t, "uaa")

	d, err := New(context.Background(), f.config())
	require.NoError(t, err)

	f.token.Store("second-token")
	names, err := d.ListDeployments(context.Background())
	require.NoError(t, err)
	assert.Len(t, names, 2)
	assert.Equal(t, "second-token", d.token)
}

func TestBaseURL(t *testing.T) {
	assert.Equal(t, "https://10.0.0.6:25555", baseURL("10.0.0.6", DefaultPort))
	assert.Equal(t, "https://director.internal:8443", baseURL("https://director.internal:8443/", DefaultPort))
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n") + "\n"
}
