package store

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/atmx/pnl-engine/internal/model"
)

// Backing services are started once per package run. PNL_TEST_DATABASE_URL
// and PNL_TEST_REDIS_URL point the tests at existing instances instead.
var (
	containersMu sync.Mutex
	containers   []testcontainers.Container

	pgOnce sync.Once
	pgURL  string
	pgErr  error

	redisOnce sync.Once
	redisURL  string
	redisErr  error
)

func TestMain(m *testing.M) {
	code := m.Run()
	containersMu.Lock()
	for _, c := range containers {
		_ = c.Terminate(context.Background())
	}
	containersMu.Unlock()
	os.Exit(code)
}

func startContainer(ctx context.Context, req testcontainers.ContainerRequest, port string) (string, error) {
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("start %s: %w", req.Image, err)
	}
	containersMu.Lock()
	containers = append(containers, c)
	containersMu.Unlock()

	host, err := c.Host(ctx)
	if err != nil {
		return "", err
	}
	mapped, err := c.MappedPort(ctx, nat.Port(port))
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, mapped.Port()), nil
}

func postgresURL(t *testing.T) string {
	t.Helper()
	if url := os.Getenv("PNL_TEST_DATABASE_URL"); url != "" {
		return url
	}
	if testing.Short() {
		t.Skip("postgres tests need docker; set PNL_TEST_DATABASE_URL to run in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	pgOnce.Do(func() {
		addr, err := startContainer(context.Background(), testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "pnl",
				"POSTGRES_PASSWORD": "pnl",
				"POSTGRES_DB":       "pnl",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		}, "5432/tcp")
		pgURL, pgErr = "postgres://pnl:pnl@"+addr+"/pnl?sslmode=disable", err
	})
	require.NoError(t, pgErr)
	return pgURL
}

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("PNL_TEST_REDIS_URL")
	if url == "" {
		if testing.Short() {
			t.Skip("redis tests need docker; set PNL_TEST_REDIS_URL to run in -short mode")
		}
		testcontainers.SkipIfProviderIsNotHealthy(t)
		redisOnce.Do(func() {
			addr, err := startContainer(context.Background(), testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections"),
			}, "6379/tcp")
			redisURL, redisErr = "redis://"+addr+"/0", err
		})
		require.NoError(t, redisErr)
		url = redisURL
	}

	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opt)
	t.Cleanup(func() { rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())
	return rdb
}

func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, postgresURL(t))
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s := NewPostgresStore(pool)
	require.NoError(t, s.Migrate(ctx))
	return s
}

// uniqueKey keeps tests that share one database from seeing each other.
func uniqueKey() model.Key {
	return model.Key{UserID: "u-" + uuid.NewString(), Mint: "mintA", Mode: model.ModePaper}
}
