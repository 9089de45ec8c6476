package sources

import (
	"context"
	"iter"
	"log/slog"

	"github.com/DrSkyle/certcheck/pkg/certs"
	"github.com/DrSkyle/certcheck/pkg/engine/swarm"
)

// SecretCert is a certificate held under Key in a TLS secret.
type SecretCert struct {
	Name string
	Key  string
	Raw  []byte
}

// SecretSource is the Kubernetes collaborator.
type SecretSource interface {
	ListNamespaces(ctx context.Context) ([]string, error)
	TLSSecrets(ctx context.Context, namespace string) ([]SecretCert, error)
}

// SecretScanner walks TLS secrets namespace by namespace.
type SecretScanner struct {
	Secrets SecretSource
	Pool    *swarm.Pool
	Logger  *slog.Logger
}

func NewSecretScanner(src SecretSource, pool *swarm.Pool, logger *slog.Logger) *SecretScanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &SecretScanner{Secrets: src, Pool: pool, Logger: logger}
}

func (s *SecretScanner) Name() string { return "k8s" }

func (s *SecretScanner) Scan(ctx context.Context) iter.Seq[Item] {
	return func(yield func(Item) bool) {
		namespaces, err := s.Secrets.ListNamespaces(ctx)
		if err != nil {
			s.Logger.Error("Failed to list namespaces", "error", err)
			yield(unavailable(s.Name(), AllHandles, err))
			return
		}

		for it := range fanOut(ctx, s.Pool, s.Name(), namespaces, sameName, s.fetch) {
			if !yield(it) {
				return
			}
		}
	}
}

func (s *SecretScanner) fetch(ctx context.Context, namespace string) []Item {
	secrets, err := s.Secrets.TLSSecrets(ctx, namespace)
	if err != nil {
		s.Logger.Warn("Namespace unavailable", "namespace", namespace, "error", err)
		return []Item{unavailable(s.Name(), namespace, err)}
	}

	items := make([]Item, 0, len(secrets))
	for _, sc := range secrets {
		items = append(items, Item{
			Raw:        sc.Raw,
			Provenance: certs.KubernetesSecret{Namespace: namespace, Name: sc.Name, Key: sc.Key},
		})
	}
	return items
}
