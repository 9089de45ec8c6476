package sources

import (
	"cmp"
	"context"
	"iter"
	"log/slog"

	"github.com/DrSkyle/certcheck/pkg/certs"
	"github.com/DrSkyle/certcheck/pkg/engine/swarm"
)

// LoadBalancer identifies one load balancer. Classic load balancers have no ARN.
type LoadBalancer struct {
	Name string
	ARN  string
}

// ListenerCert is a certificate attached to a listener. Err is set when the
// certificate body could not be fetched.
type ListenerCert struct {
	// ListenerARN identifies the listener; protocol:port for classic balancers.
	ListenerARN    string
	CertificateARN string
	Raw            []byte
	Err            error
}

// LoadBalancerSource is the load balancer collaborator.
type LoadBalancerSource interface {
	ListLoadBalancers(ctx context.Context) ([]LoadBalancer, error)
	// ListenerCertificates returns the certificates attached to the balancer's
	// listeners. Listeners without TLS are omitted.
	ListenerCertificates(ctx context.Context, lb LoadBalancer) ([]ListenerCert, error)
}

// ListenerScanner walks every load balancer's listeners.
type ListenerScanner struct {
	Balancers LoadBalancerSource
	Pool      *swarm.Pool
	Logger    *slog.Logger
	// Label names the scanner in issues. Empty means "elb".
	Label string
}

func NewListenerScanner(src LoadBalancerSource, pool *swarm.Pool, logger *slog.Logger) *ListenerScanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ListenerScanner{Balancers: src, Pool: pool, Logger: logger}
}

// NewClassicListenerScanner scans classic load balancers under the "elb-classic" label.
func NewClassicListenerScanner(src LoadBalancerSource, pool *swarm.Pool, logger *slog.Logger) *ListenerScanner {
	s := NewListenerScanner(src, pool, logger)
	s.Label = "elb-classic"
	return s
}

func (s *ListenerScanner) Name() string { return cmp.Or(s.Label, "elb") }

// Scan yields one item per listener certificate.
func (s *ListenerScanner) Scan(ctx context.Context) iter.Seq[Item] {
	return func(yield func(Item) bool) {
		lbs, err := s.Balancers.ListLoadBalancers(ctx)
		if err != nil {
			s.Logger.Error("Failed to list load balancers", "error", err)
			yield(unavailable(s.Name(), AllHandles, err))
			return
		}
		s.Logger.Debug("Load balancers discovered", "count", len(lbs))

		for it := range fanOut(ctx, s.Pool, s.Name(), lbs, balancerName, s.fetch) {
			if !yield(it) {
				return
			}
		}
	}
}

func balancerName(lb LoadBalancer) string { return lb.Name }

func (s *ListenerScanner) fetch(ctx context.Context, lb LoadBalancer) []Item {
	attached, err := s.Balancers.ListenerCertificates(ctx, lb)
	if err != nil {
		s.Logger.Warn("Load balancer unavailable", "load_balancer", lb.Name, "error", err)
		return []Item{unavailable(s.Name(), lb.Name, err)}
	}

	items := make([]Item, 0, len(attached))
	for _, c := range attached {
		prov := certs.ListenerCertificate{
			LoadBalancer:   lb.Name,
			ListenerARN:    c.ListenerARN,
			CertificateARN: c.CertificateARN,
		}
		if c.Err != nil {
			items = append(items, unavailable(s.Name(), prov.Source()+" "+prov.Location(), c.Err))
			continue
		}
		items = append(items, Item{Raw: c.Raw, Provenance: prov})
	}
	return items
}
