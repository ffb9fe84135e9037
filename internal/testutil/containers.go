// Package testutil starts backing services in containers for integration
// tests. Tests using it are skipped in short mode and when no container
// runtime is reachable.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/localstack"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Available reports whether testcontainers can reach a container runtime.
func Available() (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		return false
	}
	defer provider.Close()
	return true
}

func skipUnlessAvailable(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if !Available() {
		t.Skip("skipping integration test: no container runtime")
	}
}

func start(t *testing.T, req testcontainers.ContainerRequest) testcontainers.Container {
	t.Helper()
	c, err := testcontainers.GenericContainer(context.Background(), testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start %s: %v", req.Image, err)
	}
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })
	return c
}

func host(t *testing.T, c testcontainers.Container) string {
	t.Helper()
	h, err := c.Host(context.Background())
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	return h
}

// Postgres starts PostgreSQL and returns a lib/pq connection string.
func Postgres(t *testing.T) string {
	t.Helper()
	skipUnlessAvailable(t)

	c := start(t, testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "entsync",
			"POSTGRES_PASSWORD": "entsync",
			"POSTGRES_DB":       "entsync",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(time.Minute),
	})
	port, err := c.MappedPort(context.Background(), "5432/tcp")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}
	return fmt.Sprintf("postgres://entsync:entsync@%s:%s/entsync?sslmode=disable", host(t, c), port.Port())
}

// Redis starts Redis and returns its address.
func Redis(t *testing.T) string {
	t.Helper()
	skipUnlessAvailable(t)

	c := start(t, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(time.Minute),
	})
	port, err := c.MappedPort(context.Background(), "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	return host(t, c) + ":" + port.Port()
}

// Kafka starts a single-node Kafka broker in KRaft mode and returns its
// address. The broker advertises localhost:9094, so that port must be free.
func Kafka(t *testing.T) string {
	t.Helper()
	skipUnlessAvailable(t)

	start(t, testcontainers.ContainerRequest{
		Image:        "bitnami/kafka:3.7",
		ExposedPorts: []string{"9094:9094/tcp"},
		Env: map[string]string{
			"KAFKA_CFG_NODE_ID":                        "0",
			"KAFKA_CFG_PROCESS_ROLES":                  "controller,broker",
			"KAFKA_CFG_LISTENERS":                      "PLAINTEXT://:9092,CONTROLLER://:9093,EXTERNAL://:9094",
			"KAFKA_CFG_ADVERTISED_LISTENERS":           "PLAINTEXT://localhost:9092,EXTERNAL://localhost:9094",
			"KAFKA_CFG_LISTENER_SECURITY_PROTOCOL_MAP": "CONTROLLER:PLAINTEXT,PLAINTEXT:PLAINTEXT,EXTERNAL:PLAINTEXT",
			"KAFKA_CFG_CONTROLLER_QUORUM_VOTERS":       "0@localhost:9093",
			"KAFKA_CFG_CONTROLLER_LISTENER_NAMES":      "CONTROLLER",
			"KAFKA_CFG_AUTO_CREATE_TOPICS_ENABLE":      "true",
		},
		WaitingFor: wait.ForLog("Kafka Server started").WithStartupTimeout(2 * time.Minute),
	})
	return "localhost:9094"
}

// S3 starts LocalStack and returns a path-style S3 client for it.
func S3(t *testing.T) *s3.Client {
	t.Helper()
	skipUnlessAvailable(t)
	ctx := context.Background()

	c, err := localstack.Run(ctx, "localstack/localstack:3",
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/_localstack/health").
				WithPort("4566/tcp").
				WithStartupTimeout(2*time.Minute),
		),
	)
	if err != nil {
		t.Fatalf("start localstack: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	port, err := c.MappedPort(ctx, "4566/tcp")
	if err != nil {
		t.Fatalf("localstack port: %v", err)
	}

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(context.Context) (aws.Credentials, error) {
				return aws.Credentials{AccessKeyID: "test", SecretAccessKey: "test"}, nil
			})),
	)
	if err != nil {
		t.Fatalf("load aws config: %v", err)
	}
	endpoint := fmt.Sprintf("http://%s:%s", host(t, c), port.Port())
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String(endpoint)
	})
}
