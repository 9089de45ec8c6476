package sources

import (
	"context"
	"iter"
	"log/slog"

	"github.com/DrSkyle/certcheck/pkg/certs"
	"github.com/DrSkyle/certcheck/pkg/engine/swarm"
)

// DeploymentSource is the orchestration platform collaborator.
type DeploymentSource interface {
	ListDeployments(ctx context.Context) ([]string, error)
	// CertificateProperties returns the manifest properties of one deployment
	// that hold certificate material.
	CertificateProperties(ctx context.Context, deployment string) ([]Property, error)
}

// DeploymentScanner walks every deployment's manifest.
type DeploymentScanner struct {
	Deployments DeploymentSource
	Pool        *swarm.Pool
	Logger      *slog.Logger
}

// NewDeploymentScanner creates a scanner over src using pool for per-deployment fetches.
func NewDeploymentScanner(src DeploymentSource, pool *swarm.Pool, logger *slog.Logger) *DeploymentScanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeploymentScanner{Deployments: src, Pool: pool, Logger: logger}
}

func (s *DeploymentScanner) Name() string { return "bosh" }

// Scan yields one item per certificate property, and one failure item per unreadable deployment.
func (s *DeploymentScanner) Scan(ctx context.Context) iter.Seq[Item] {
	return func(yield func(Item) bool) {
		names, err := s.Deployments.ListDeployments(ctx)
		if err != nil {
			s.Logger.Error("Failed to list deployments", "error", err)
			yield(unavailable(s.Name(), AllHandles, err))
			return
		}
		s.Logger.Debug("Deployments discovered", "count", len(names))

		for it := range fanOut(ctx, s.Pool, s.Name(), names, sameName, s.fetch) {
			if !yield(it) {
				return
			}
		}
	}
}

func (s *DeploymentScanner) fetch(ctx context.Context, deployment string) []Item {
	props, err := s.Deployments.CertificateProperties(ctx, deployment)
	if err != nil {
		s.Logger.Warn("Deployment unavailable", "deployment", deployment, "error", err)
		return []Item{unavailable(s.Name(), deployment, err)}
	}

	items := make([]Item, 0, len(props))
	for _, p := range props {
		items = append(items, Item{
			Raw:        p.Raw,
			Provenance: certs.BoshProperty{Deployment: deployment, Path: p.Path},
		})
	}
	return items
}
