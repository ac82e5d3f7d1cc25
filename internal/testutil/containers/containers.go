//go:build integration

// Package containers starts throwaway service containers for integration
// tests. Everything here is gated behind the "integration" build tag so
// unit test builds never pull in Docker:
//
//	//go:build integration
//
// # Redis
//
// [StartRedis] starts a Redis 7 container backing the shared grant store:
//
//	result, err := containers.StartRedis(ctx)
//	if err != nil { ... }
//	defer result.Container.Terminate(ctx)
//
//	client, err := redis.NewClient(ctx, redis.Config{URI: result.ConnString})
package containers

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// DefaultRedisImage is the Redis image used by [StartRedis].
const DefaultRedisImage = "docker.io/redis:7-alpine"

// RedisResult holds a started Redis container and its redis:// URI.
type RedisResult struct {
	Container  *tcredis.RedisContainer
	ConnString string
}

// StartRedis starts [DefaultRedisImage]. Extra customizers are passed to
// the module unchanged. The caller must terminate the container.
func StartRedis(ctx context.Context, opts ...testcontainers.ContainerCustomizer) (*RedisResult, error) {
	container, err := tcredis.Run(ctx, DefaultRedisImage, opts...)
	if err != nil {
		return nil, fmt.Errorf("containers: failed to start redis container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("containers: failed to get redis connection string: %w", err)
	}

	return &RedisResult{Container: container, ConnString: connStr}, nil
}
