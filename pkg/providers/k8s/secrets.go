package k8s

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/DrSkyle/certcheck/pkg/sources"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/informers"
	listersv1 "k8s.io/client-go/listers/core/v1"
)

// certificateKeys are the secret data keys holding certificates, in report order.
var certificateKeys = []string{corev1.TLSCertKey, "ca.crt"}

// SecretCollector implements sources.SecretSource from a local informer cache,
// so the whole scan costs one LIST per resource type on the API server.
type SecretCollector struct {
	Client *Client
	Logger *slog.Logger

	once       sync.Once
	syncErr    error
	stop       chan struct{}
	namespaces listersv1.NamespaceLister
	secrets    listersv1.SecretLister
}

func NewSecretCollector(client *Client, logger *slog.Logger) *SecretCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &SecretCollector{Client: client, Logger: logger}
}

func (c *SecretCollector) sync(ctx context.Context) error {
	c.once.Do(func() {
		cs := c.Client.Clientset
		nsFactory := informers.NewSharedInformerFactory(cs, 10*time.Minute)
		// Only TLS secrets are cached; the API server filters by type.
		secretFactory := informers.NewSharedInformerFactoryWithOptions(cs, 10*time.Minute,
			informers.WithTweakListOptions(func(o *metav1.ListOptions) {
				o.FieldSelector = "type=" + string(corev1.SecretTypeTLS)
			}),
		)
		c.namespaces = nsFactory.Core().V1().Namespaces().Lister()
		c.secrets = secretFactory.Core().V1().Secrets().Lister()

		c.stop = make(chan struct{})
		nsFactory.Start(c.stop)
		secretFactory.Start(c.stop)

		for _, synced := range []map[reflect.Type]bool{
			nsFactory.WaitForCacheSync(ctx.Done()),
			secretFactory.WaitForCacheSync(ctx.Done()),
		} {
			for kind, ok := range synced {
				if !ok {
					c.syncErr = fmt.Errorf("failed to sync informer for %v", kind)
					return
				}
			}
		}
		c.Logger.Debug("Kubernetes cache synced")
	})
	return c.syncErr
}

// Close stops the informers.
func (c *SecretCollector) Close() {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
}

func (c *SecretCollector) ListNamespaces(ctx context.Context) ([]string, error) {
	if err := c.sync(ctx); err != nil {
		return nil, err
	}
	nss, err := c.namespaces.List(labels.Everything())
	if err != nil {
		return nil, fmt.Errorf("failed to list namespaces from cache: %w", err)
	}
	names := make([]string, 0, len(nss))
	for _, ns := range nss {
		names = append(names, ns.Name)
	}
	sort.Strings(names)
	return names, nil
}

// TLSSecrets returns the certificates held by kubernetes.io/tls secrets in namespace.
func (c *SecretCollector) TLSSecrets(ctx context.Context, namespace string) ([]sources.SecretCert, error) {
	if err := c.sync(ctx); err != nil {
		return nil, err
	}
	secrets, err := c.secrets.Secrets(namespace).List(labels.Everything())
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets in %s: %w", namespace, err)
	}
	sort.Slice(secrets, func(i, j int) bool { return secrets[i].Name < secrets[j].Name })

	var out []sources.SecretCert
	for _, s := range secrets {
		if s.Type != corev1.SecretTypeTLS {
			continue
		}
		for _, key := range certificateKeys {
			if data := s.Data[key]; len(data) > 0 {
				out = append(out, sources.SecretCert{Name: s.Name, Key: key, Raw: data})
			}
		}
	}
	return out, nil
}
