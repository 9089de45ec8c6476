package policy

import (
	"strings"
	"testing"
)

const pemHead = "-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----"

func TestPropertyFilter(t *testing.T) {
	tests := []struct {
		name  string
		expr  string
		path  string
		value string
		want  bool
	}{
		{"sniffing passes through", "looks_like", "router.tls.cert", pemHead, true},
		{"sniffing rejects plain values", "looks_like", "router.port", "443", false},
		{"exclude by path", `looks_like && !path.contains("ca_certs")`, "uaa.ca_certs[0]", pemHead, false},
		{"select by naming convention", `path.endsWith(".certificate")`, "nats.tls.certificate", "((nats_cert))", true},
		{"value predicate", `value.startsWith("-----BEGIN")`, "x", pemHead, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewPropertyFilter(tt.expr, nil)
			if err != nil {
				t.Fatalf("Failed to compile %q: %v", tt.expr, err)
			}
			if got := f.Match(tt.path, tt.value); got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestPropertyFilter_RejectsBadExpressions(t *testing.T) {
	for _, expr := range []string{
		"path +",       // syntax error
		"unknown == 1", // undeclared variable
		`path + "x"`,   // not a bool
	} {
		if _, err := NewPropertyFilter(expr, nil); err == nil {
			t.Errorf("expected %q to be rejected", expr)
		}
	}
}

func TestPropertyFilter_Predicate(t *testing.T) {
	f, err := NewPropertyFilter(`path.startsWith("keep.")`, nil)
	if err != nil {
		t.Fatal(err)
	}
	pred := f.Predicate()
	if !pred("keep.cert", "") || pred("drop.cert", pemHead) {
		t.Error("predicate did not follow the expression")
	}
	if !strings.Contains(f.String(), "keep.") {
		t.Errorf("String() = %q", f.String())
	}
}
