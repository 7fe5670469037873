package chat

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"parley/cmd/identity/ids"
)

func TestPostgresStore_Contract(t *testing.T) {
	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	runStoreContract(t, func(t *testing.T) Store {
		schema := mustCreateTestSchema(t, pool)
		st, err := NewPostgresStore(pool, WithSchema(schema))
		if err != nil {
			t.Fatalf("NewPostgresStore: %v", err)
		}
		return st
	})
}

func TestPostgresDirectory_GetList(t *testing.T) {
	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)
	schema := mustCreateTestSchema(t, pool)

	dir, err := NewPostgresDirectory(pool, schema)
	if err != nil {
		t.Fatalf("NewPostgresDirectory: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, u := range []User{{ID: "bob", DisplayName: "Bob"}, {ID: "alice", DisplayName: "Alice"}} {
		if err := dir.Upsert(ctx, u); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	u, err := dir.Get(ctx, "alice")
	if err != nil || u.DisplayName != "Alice" {
		t.Fatalf("Get: %+v %v", u, err)
	}
	if _, err := dir.Get(ctx, "nobody"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	list, err := dir.List(ctx)
	if err != nil || len(list) != 2 || list[0].ID != "alice" {
		t.Fatalf("List: %+v %v", list, err)
	}
}

func TestPostgresStore_InvalidSchema(t *testing.T) {
	if _, err := NewPostgresStore(nil); err == nil {
		t.Fatalf("expected error for nil pool")
	}
	opt := WithSchema("bad-name;drop")
	if err := opt(&PostgresStore{}); err == nil {
		t.Fatalf("expected invalid schema identifier error")
	}
}

// mustOpenTestPool connects to PARLEY_DATABASE_URL. Outside CI an unreachable
// server skips the test instead of failing it.
func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("PARLEY_DATABASE_URL"))
	if dsn == "" {
		t.Skip("PARLEY_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		if os.Getenv("CI") == "" && isUnreachable(err) {
			t.Skipf("postgres unreachable: %v", err)
		}
		t.Fatalf("ping: %v", err)
	}
	return pool
}

// mustCreateTestSchema provisions a throwaway schema and drops it on cleanup.
func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	id, err := ids.NewLowerULID(time.Now())
	if err != nil {
		t.Fatalf("ulid: %v", err)
	}
	schema := "parley_it_" + id

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := EnsureSchema(ctx, pool, schema); err != nil {
		t.Fatalf("EnsureSchema(%s): %v", schema, err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := pool.Exec(ctx, "DROP SCHEMA IF EXISTS "+pgx.Identifier{schema}.Sanitize()+" CASCADE"); err != nil {
			t.Logf("drop schema %s: %v", schema, err)
		}
	})
	return schema
}

func isUnreachable(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) ||
		errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(err.Error(), "connect: connection refused")
}
