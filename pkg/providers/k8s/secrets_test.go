package k8s

import (
	"context"
	"testing"

	"github.com/DrSkyle/certcheck/pkg/sources"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func namespace(name string) *corev1.Namespace {
	return &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}}
}

func secret(ns, name string, typ corev1.SecretType, data map[string][]byte) *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Namespace: ns, Name: name},
		Type:       typ,
		Data:       data,
	}
}

func TestSecretCollector(t *testing.T) {
	cs := fake.NewSimpleClientset(
		namespace("ingress"),
		namespace("default"),
		secret("ingress", "wildcard", corev1.SecretTypeTLS, map[string][]byte{
			"tls.crt": []byte("LEAF"),
			"tls.key": []byte("KEY"),
			"ca.crt":  []byte("CA"),
		}),
		secret("ingress", "api", corev1.SecretTypeTLS, map[string][]byte{"tls.crt": []byte("API")}),
		secret("ingress", "db-password", corev1.SecretTypeOpaque, map[string][]byte{"tls.crt": []byte("NOT-TLS-TYPE")}),
	)
	c := NewSecretCollector(&Client{Clientset: cs}, nil)
	defer c.Close()
	ctx := context.Background()

	nss, err := c.ListNamespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "ingress"}, nss)

	got, err := c.TLSSecrets(ctx, "ingress")
	require.NoError(t, err)
	assert.Equal(t, []sources.SecretCert{
		{Name: "api", Key: "tls.crt", Raw: []byte("API")},
		{Name: "wildcard", Key: "tls.crt", Raw: []byte("LEAF")},
		{Name: "wildcard", Key: "ca.crt", Raw: []byte("CA")},
	}, got)

	got, err = c.TLSSecrets(ctx, "default")
	require.NoError(t, err)
	assert.Empty(t, got)
}
