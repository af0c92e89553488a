// Command migrate applies the embedded schema migrations.
//
// Usage:
//
//	migrate up               apply all pending migrations
//	migrate up-to <version>  apply up to and including version
//	migrate down             roll back the latest migration
//	migrate down-to <version>
//	migrate status
//	migrate version
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/mbd888/aetherlock/internal/logging"
	"github.com/mbd888/aetherlock/migrations"
	"github.com/pressly/goose/v3"
)

func main() {
	_ = godotenv.Load()
	logger := logging.New(envOr("LOG_LEVEL", "info"), "text")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: migrate up|up-to <v>|down|down-to <v>|status|version")
		os.Exit(2)
	}
	if err := run(context.Background(), logger, os.Args[1], os.Args[2:]); err != nil {
		logger.Error("migration failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, command string, args []string) error {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	var results []*goose.MigrationResult
	switch command {
	case "up":
		results, err = provider.Up(ctx)
	case "up-to", "down-to":
		if len(args) != 1 {
			return fmt.Errorf("%s needs a version", command)
		}
		v, perr := strconv.ParseInt(args[0], 10, 64)
		if perr != nil {
			return fmt.Errorf("bad version %q: %w", args[0], perr)
		}
		if command == "up-to" {
			results, err = provider.UpTo(ctx, v)
		} else {
			results, err = provider.DownTo(ctx, v)
		}
	case "down":
		var r *goose.MigrationResult
		if r, err = provider.Down(ctx); r != nil {
			results = append(results, r)
		}
	case "status":
		statuses, serr := provider.Status(ctx)
		if serr != nil {
			return serr
		}
		for _, s := range statuses {
			logger.Info("migration", "version", s.Source.Version, "path", s.Source.Path, "state", s.State, "appliedAt", s.AppliedAt)
		}
		return nil
	case "version":
		v, verr := provider.GetDBVersion(ctx)
		if verr != nil {
			return verr
		}
		logger.Info("schema version", "version", v)
		return nil
	default:
		return fmt.Errorf("unknown command %q", command)
	}

	for _, r := range results {
		logger.Info("applied", "version", r.Source.Version, "direction", r.Direction, "duration", r.Duration)
	}
	return err
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
