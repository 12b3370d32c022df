//go:build integration

// Package containers provides testcontainers-go helpers for integration
// testing the AMCP runtime against real backing services.
//
// All helpers are gated behind the "integration" build tag so they do
// not pull Docker-related dependencies into unit test builds. Use them
// exclusively from test files that carry the same tag:
//
//	//go:build integration
//
// # PostgreSQL
//
// [StartPostgres] starts a PostgreSQL 16 container for the federated
// capability registry store and returns a connection string ready for
// use with the registry/postgres package:
//
//	result, err := containers.StartPostgres(ctx)
//	if err != nil { ... }
//	defer result.Container.Terminate(ctx)
//
// # Redis
//
// [StartRedis] starts a Redis 7 container for the broker's external
// transport adapter and returns the host:port address:
//
//	result, err := containers.StartRedis(ctx)
//	if err != nil { ... }
//	defer result.Container.Terminate(ctx)
package containers

import (
	"context"
	"fmt"
	"strings"

	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// ===========================================================================
// PostgreSQL
// ===========================================================================

// DefaultPostgresImage is the container image used for PostgreSQL
// integration tests. The Alpine variant keeps image size and startup
// time small.
const DefaultPostgresImage = "docker.io/postgres:16-alpine"

// DefaultPostgresDatabase is the database created inside the container.
const DefaultPostgresDatabase = "amcp_test"

// DefaultPostgresUser is the superuser name for the test container.
const DefaultPostgresUser = "testuser"

// DefaultPostgresPassword is the password for the test superuser. A
// deliberately weak credential suitable only for ephemeral test
// containers.
const DefaultPostgresPassword = "testpassword"

// PostgresResult holds a started PostgreSQL container and its connection
// string. The caller terminates the container when done:
//
//	defer result.Container.Terminate(ctx)
type PostgresResult struct {
	// Container is the started PostgreSQL testcontainer.
	Container *tcpostgres.PostgresContainer

	// ConnString is a PostgreSQL URI with sslmode=disable, ready for
	// the registry store.
	ConnString string
}

// StartPostgres starts a PostgreSQL 16 container and waits for it to
// accept connections. On a connection-string retrieval failure the
// container is terminated before returning.
func StartPostgres(ctx context.Context) (*PostgresResult, error) {
	container, err := tcpostgres.Run(ctx,
		DefaultPostgresImage,
		tcpostgres.WithDatabase(DefaultPostgresDatabase),
		tcpostgres.WithUsername(DefaultPostgresUser),
		tcpostgres.WithPassword(DefaultPostgresPassword),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, fmt.Errorf("containers: failed to start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("containers: failed to get connection string: %w", err)
	}

	return &PostgresResult{
		Container:  container,
		ConnString: connStr,
	}, nil
}

// ===========================================================================
// Redis
// ===========================================================================

// DefaultRedisImage is the container image used for Redis integration
// tests.
const DefaultRedisImage = "docker.io/redis:7-alpine"

// RedisResult holds a started Redis container and its address. The
// caller terminates the container when done:
//
//	defer result.Container.Terminate(ctx)
type RedisResult struct {
	// Container is the started Redis testcontainer.
	Container *tcredis.RedisContainer

	// Addr is the host:port address, ready for the broker transport's
	// configuration.
	Addr string
}

// StartRedis starts a Redis 7 container with no authentication and
// returns its mapped address.
func StartRedis(ctx context.Context) (*RedisResult, error) {
	container, err := tcredis.Run(ctx, DefaultRedisImage)
	if err != nil {
		return nil, fmt.Errorf("containers: failed to start redis container: %w", err)
	}

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("containers: failed to get connection string: %w", err)
	}

	return &RedisResult{
		Container: container,
		Addr:      strings.TrimPrefix(uri, "redis://"),
	}, nil
}
