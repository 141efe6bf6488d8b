// Package testutil provides shared setup for env-gated integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/x402flash/facilitator/migrations"
)

// Postgres connects to DATABASE_URL, applies the embedded migrations and
// truncates every application table when the test ends. The test is skipped
// when DATABASE_URL is unset.
func Postgres(t *testing.T) *sql.DB {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("testutil: open database: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("testutil: connect to database: %v", err)
	}

	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("testutil: %v", err)
	}

	t.Cleanup(func() {
		truncate(db)
		_ = db.Close()
	})
	return db
}

// RedisURL returns REDIS_URL or skips the test.
func RedisURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping integration test")
	}
	return url
}

// UniqueKey returns a key that will not collide with other test runs.
func UniqueKey(t *testing.T, prefix string) string {
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	return prefix + name + "_" + time.Now().UTC().Format("150405.000000")
}

// truncate empties the application tables, leaving goose's version table.
func truncate(db *sql.DB) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public' AND tablename <> 'goose_db_version'`)
	if err != nil {
		return
	}
	var tables []string
	for rows.Next() {
		var name string
		if rows.Scan(&name) == nil {
			tables = append(tables, `"`+name+`"`)
		}
	}
	_ = rows.Close()

	if len(tables) > 0 {
		_, _ = db.ExecContext(ctx, "TRUNCATE "+strings.Join(tables, ", ")+" CASCADE")
	}
}
