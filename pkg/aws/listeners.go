package aws

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/DrSkyle/certcheck/pkg/sources"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/arn"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"golang.org/x/sync/singleflight"
)

// ErrUnsupportedStore is returned for listener certificates held somewhere
// other than IAM.
var ErrUnsupportedStore = errors.New("certificate store not supported")

type ELBClient interface {
	DescribeLoadBalancers(ctx context.Context, params *elbv2.DescribeLoadBalancersInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeLoadBalancersOutput, error)
	DescribeListeners(ctx context.Context, params *elbv2.DescribeListenersInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeListenersOutput, error)
	DescribeListenerCertificates(ctx context.Context, params *elbv2.DescribeListenerCertificatesInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeListenerCertificatesOutput, error)
}

type IAMClient interface {
	GetServerCertificate(ctx context.Context, params *iam.GetServerCertificateInput, optFns ...func(*iam.Options)) (*iam.GetServerCertificateOutput, error)
}

// DefaultLookupTimeout bounds one shared IAM certificate lookup.
const DefaultLookupTimeout = 30 * time.Second

// ListenerCollector implements sources.LoadBalancerSource on top of ELBv2 and IAM.
// Certificate bodies are fetched once per ARN, however many listeners share them.
type ListenerCollector struct {
	ELB    ELBClient
	IAM    IAMClient
	Logger *slog.Logger
	// LookupTimeout bounds a shared lookup independently of the caller that
	// started it. Zero means DefaultLookupTimeout.
	LookupTimeout time.Duration

	group singleflight.Group
	mu    sync.Mutex
	cache map[string][]byte
}

func NewListenerCollector(cfg aws.Config, logger *slog.Logger) *ListenerCollector {
	return &ListenerCollector{
		ELB:    elbv2.NewFromConfig(cfg),
		IAM:    iam.NewFromConfig(cfg),
		Logger: logger,
	}
}

func (c *ListenerCollector) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// ListLoadBalancers discovers every application and network load balancer in the region.
func (c *ListenerCollector) ListLoadBalancers(ctx context.Context) ([]sources.LoadBalancer, error) {
	var out []sources.LoadBalancer
	paginator := elbv2.NewDescribeLoadBalancersPaginator(c.ELB, &elbv2.DescribeLoadBalancersInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe load balancers: %w", err)
		}
		for _, lb := range page.LoadBalancers {
			out = append(out, sources.LoadBalancer{
				Name: aws.ToString(lb.LoadBalancerName),
				ARN:  aws.ToString(lb.LoadBalancerArn),
			})
		}
	}
	return out, nil
}

// ListenerCertificates returns the certificates of every TLS-terminating
// listener on lb, including SNI certificates. Plain listeners are skipped.
func (c *ListenerCollector) ListenerCertificates(ctx context.Context, lb sources.LoadBalancer) ([]sources.ListenerCert, error) {
	var out []sources.ListenerCert
	paginator := elbv2.NewDescribeListenersPaginator(c.ELB, &elbv2.DescribeListenersInput{
		LoadBalancerArn: aws.String(lb.ARN),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe listeners: %w", err)
		}

		for _, l := range page.Listeners {
			if !terminatesTLS(l.Protocol) {
				continue
			}
			listenerARN := aws.ToString(l.ListenerArn)

			arns, err := c.certificateARNs(ctx, l)
			if err != nil {
				out = append(out, sources.ListenerCert{ListenerARN: listenerARN, Err: err})
				continue
			}

			for _, certARN := range arns {
				body, err := c.certificateBody(ctx, certARN)
				if errors.Is(err, errManagedElsewhere) {
					c.logger().Debug("Skipping ACM certificate", "listener", listenerARN, "certificate", certARN)
					continue
				}
				out = append(out, sources.ListenerCert{
					ListenerARN:    listenerARN,
					CertificateARN: certARN,
					Raw:            body,
					Err:            err,
				})
			}
		}
	}
	return out, nil
}

func terminatesTLS(p elbtypes.ProtocolEnum) bool {
	return p == elbtypes.ProtocolEnumHttps || p == elbtypes.ProtocolEnumTls
}

// certificateARNs lists the default certificate plus any SNI certificates of l.
func (c *ListenerCollector) certificateARNs(ctx context.Context, l elbtypes.Listener) ([]string, error) {
	seen := make(map[string]bool)
	var arns []string
	add := func(certs []elbtypes.Certificate) {
		for _, cert := range certs {
			a := aws.ToString(cert.CertificateArn)
			if a != "" && !seen[a] {
				seen[a] = true
				arns = append(arns, a)
			}
		}
	}
	add(l.Certificates)

	input := &elbv2.DescribeListenerCertificatesInput{ListenerArn: l.ListenerArn}
	for {
		page, err := c.ELB.DescribeListenerCertificates(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to describe listener certificates: %w", err)
		}
		add(page.Certificates)
		if aws.ToString(page.NextMarker) == "" {
			break
		}
		input.Marker = page.NextMarker
	}
	return arns, nil
}

// errManagedElsewhere marks ACM certificates, which ACM renews and monitors itself.
var errManagedElsewhere = errors.New("certificate managed by ACM")

// certificateBody returns the PEM body of an IAM server certificate.
func (c *ListenerCollector) certificateBody(ctx context.Context, certARN string) ([]byte, error) {
	c.mu.Lock()
	if body, ok := c.cache[certARN]; ok {
		c.mu.Unlock()
		return body, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(certARN, func() (any, error) {
		// Other listeners wait on this flight, so it must outlive the caller's deadline.
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cmp.Or(c.LookupTimeout, DefaultLookupTimeout))
		defer cancel()
		body, err := c.fetchServerCertificate(flightCtx, certARN)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.cache == nil {
			c.cache = make(map[string][]byte)
		}
		c.cache[certARN] = body
		c.mu.Unlock()
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *ListenerCollector) fetchServerCertificate(ctx context.Context, certARN string) ([]byte, error) {
	parsed, err := arn.Parse(certARN)
	if err != nil {
		return nil, fmt.Errorf("invalid certificate arn %q: %w", certARN, err)
	}
	switch parsed.Service {
	case "iam":
	case "acm":
		return nil, errManagedElsewhere
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedStore, parsed.Service)
	}

	// The API wants the name, which is the last segment of the resource path.
	name := parsed.Resource[strings.LastIndex(parsed.Resource, "/")+1:]
	out, err := c.IAM.GetServerCertificate(ctx, &iam.GetServerCertificateInput{
		ServerCertificateName: aws.String(name),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get server certificate %s: %w", name, err)
	}

	sc := out.ServerCertificate
	if sc == nil || sc.ServerCertificateMetadata == nil {
		return nil, fmt.Errorf("server certificate %s: empty response", name)
	}
	if got := aws.ToString(sc.ServerCertificateMetadata.Arn); got != certARN {
		return nil, fmt.Errorf("server certificate %s resolved to %s, expected %s", name, got, certARN)
	}
	return []byte(aws.ToString(sc.CertificateBody)), nil
}
