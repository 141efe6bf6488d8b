// Command migrate manages the settlement history schema.
//
//	migrate up | down | status | version | redo | up-to N | down-to N
//
// The schema is embedded in the binary. MIGRATIONS_DIR points goose at a
// directory on disk instead, for authoring new migrations.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/x402flash/facilitator/internal/logging"
	"github.com/x402flash/facilitator/migrations"
)

const usage = "usage: migrate <up|down|status|version|redo|up-to N|down-to N>"

var errUsage = errors.New(usage)

func main() {
	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, os.Args[1:]); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, usage)
			os.Exit(2)
		}
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	command, rest := args[0], args[1:]

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return errors.New("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	var source fs.FS = migrations.FS
	dir := "."
	if d := os.Getenv("MIGRATIONS_DIR"); d != "" {
		source, dir = nil, d
	}
	goose.SetBaseFS(source)
	if err := goose.SetDialect(migrations.Dialect); err != nil {
		return err
	}
	if err := goose.RunContext(ctx, command, db, dir, rest...); err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}
	logger.Info("migration complete", "command", command, "dir", dir)
	return nil
}
