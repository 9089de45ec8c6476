//go:build integration

package aws

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DrSkyle/certcheck/internal/testcerts"
	"github.com/DrSkyle/certcheck/pkg/certs"
	"github.com/DrSkyle/certcheck/pkg/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/localstack"
)

// TestLocalStack_Integration runs the IAM lookup and the S3 artifact store
// against LocalStack. Requires Docker.
func TestLocalStack_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := localstack.Run(ctx, "localstack/localstack:3.0",
		testcontainers.WithEnv(map[string]string{"SERVICES": "iam,s3,sts"}),
	)
	require.NoError(t, err, "failed to start LocalStack")
	defer func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Errorf("failed to terminate container: %v", err)
		}
	}()

	endpoint, err := container.PortEndpoint(ctx, "4566/tcp", "http")
	require.NoError(t, err)

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion("us-east-1"),
		config.WithBaseEndpoint(endpoint),
		config.WithCredentialsProvider(aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
			return aws.Credentials{AccessKeyID: "test", SecretAccessKey: "test"}, nil
		})),
	)
	require.NoError(t, err)

	t.Run("iam server certificate", func(t *testing.T) {
		cert := testcerts.New(t, "api.example.com", time.Now().Add(20*24*time.Hour))
		up, err := iam.NewFromConfig(cfg).UploadServerCertificate(ctx, &iam.UploadServerCertificateInput{
			ServerCertificateName: aws.String("api-2026"),
			CertificateBody:       aws.String(string(cert.PEM)),
			PrivateKey:            aws.String(string(cert.KeyPEM)),
			Path:                  aws.String("/cloudfront/"),
		})
		require.NoError(t, err)
		certARN := aws.ToString(up.ServerCertificateMetadata.Arn)

		collector := NewListenerCollector(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
		body, err := collector.certificateBody(ctx, certARN)
		require.NoError(t, err)

		rec, err := certs.Parse(body, certs.ListenerCertificate{LoadBalancer: "api", CertificateARN: certARN})
		require.NoError(t, err)
		assert.Equal(t, "CN=api.example.com", rec.Subject)
		assert.True(t, cert.NotAfter.Equal(rec.NotAfter))
	})

	t.Run("s3 artifact store", func(t *testing.T) {
		_, err := s3.NewFromConfig(cfg, func(o *s3.Options) { o.UsePathStyle = true }).
			CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String("cert-reports")})
		require.NoError(t, err)

		store := storage.NewS3Store(cfg, "cert-reports", "nightly")
		require.NoError(t, store.Put(ctx, "certcheck-report.json", []byte(`{"counts":{}}`)))

		got, err := store.Get(ctx, "certcheck-report.json")
		require.NoError(t, err)
		assert.JSONEq(t, `{"counts":{}}`, string(got))
	})
}
