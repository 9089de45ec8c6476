package aws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/DrSkyle/certcheck/pkg/sources"
	"github.com/aws/aws-sdk-go-v2/aws"
	elb "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancing"
	"github.com/aws/aws-sdk-go-v2/service/iam"
)

type ClassicELBClient interface {
	DescribeLoadBalancers(ctx context.Context, params *elb.DescribeLoadBalancersInput, optFns ...func(*elb.Options)) (*elb.DescribeLoadBalancersOutput, error)
}

// ClassicCollector implements sources.LoadBalancerSource for Classic Load
// Balancers, which the ELBv2 API does not return. Certificate bodies go through
// the IAM lookup of Certificates, so a certificate shared with an ALB listener
// is fetched once.
type ClassicCollector struct {
	ELB          ClassicELBClient
	Certificates *ListenerCollector
	Logger       *slog.Logger
}

func NewClassicCollector(cfg aws.Config, certificates *ListenerCollector, logger *slog.Logger) *ClassicCollector {
	if certificates == nil {
		certificates = &ListenerCollector{IAM: iam.NewFromConfig(cfg), Logger: logger}
	}
	return &ClassicCollector{
		ELB:          elb.NewFromConfig(cfg),
		Certificates: certificates,
		Logger:       logger,
	}
}

func (c *ClassicCollector) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// ListLoadBalancers discovers every classic load balancer in the region.
// Classic balancers have no ARN; they are addressed by name.
func (c *ClassicCollector) ListLoadBalancers(ctx context.Context) ([]sources.LoadBalancer, error) {
	var out []sources.LoadBalancer
	paginator := elb.NewDescribeLoadBalancersPaginator(c.ELB, &elb.DescribeLoadBalancersInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe classic load balancers: %w", err)
		}
		for _, d := range page.LoadBalancerDescriptions {
			out = append(out, sources.LoadBalancer{Name: aws.ToString(d.LoadBalancerName)})
		}
	}
	return out, nil
}

// ListenerCertificates returns the SSL certificate of every HTTPS or SSL
// listener on lb. Listeners are identified as protocol:port.
func (c *ClassicCollector) ListenerCertificates(ctx context.Context, lb sources.LoadBalancer) ([]sources.ListenerCert, error) {
	desc, err := c.ELB.DescribeLoadBalancers(ctx, &elb.DescribeLoadBalancersInput{
		LoadBalancerNames: []string{lb.Name},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe classic load balancer %s: %w", lb.Name, err)
	}

	var out []sources.ListenerCert
	for _, d := range desc.LoadBalancerDescriptions {
		for _, ld := range d.ListenerDescriptions {
			l := ld.Listener
			if l == nil {
				continue
			}
			certARN := aws.ToString(l.SSLCertificateId)
			if certARN == "" {
				continue
			}
			listener := fmt.Sprintf("%s:%d", aws.ToString(l.Protocol), l.LoadBalancerPort)

			body, err := c.Certificates.certificateBody(ctx, certARN)
			if errors.Is(err, errManagedElsewhere) {
				c.logger().Debug("Skipping ACM certificate", "load_balancer", lb.Name, "listener", listener, "certificate", certARN)
				continue
			}
			out = append(out, sources.ListenerCert{
				ListenerARN:    listener,
				CertificateARN: certARN,
				Raw:            body,
				Err:            err,
			})
		}
	}
	return out, nil
}
