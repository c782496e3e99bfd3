package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/loykin/botrunner/internal/store"
	"github.com/loykin/botrunner/internal/store/storetest"
)

// postgresDSN starts a throwaway server, skipping when Docker is unavailable.
func postgresDSN(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)
	c, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("botrunner"),
		postgres.WithUsername("bots"),
		postgres.WithPassword("bots"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })
	host, err := c.Host(ctx)
	if err != nil {
		t.Skipf("container host: %v", err)
	}
	port, err := c.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Skipf("container port: %v", err)
	}
	return fmt.Sprintf("postgres://bots:bots@%s:%s/botrunner?sslmode=disable", host, port.Port())
}

func TestPostgresStore(t *testing.T) {
	db, err := New(postgresDSN(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	db.SetPool(4, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()
	require.Eventually(t, func() bool { return db.Ping(ctx) == nil }, 40*time.Second, 500*time.Millisecond)

	storetest.Run(t, db)
}

func TestPostgresStore_ExplicitIDKeepsSequence(t *testing.T) {
	db, err := New(postgresDSN(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	require.NoError(t, db.EnsureSchema(ctx))

	// a bot registered with an explicit id must not collide with the next generated one
	require.NoError(t, db.UpsertBot(ctx, &store.Bot{ID: 10, Name: "fixed", Active: true, ScriptPath: "/opt/bots/a.sh"}))
	next := store.Bot{Name: "generated", Active: true, ScriptPath: "/opt/bots/b.sh"}
	require.NoError(t, db.UpsertBot(ctx, &next))
	require.Greater(t, next.ID, int64(10))
}
