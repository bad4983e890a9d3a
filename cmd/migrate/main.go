// Command migrate applies or rolls back the tradeplane schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/tradeplane/internal/infra/persistence/migrations"
	"github.com/coachpo/tradeplane/internal/observability"
)

const defaultTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dsn     = flag.String("database", os.Getenv("TRADEPLANE_DATABASE_DSN"), "PostgreSQL DSN (defaults to $TRADEPLANE_DATABASE_DSN)")
		dir     = flag.String("path", "", "Directory containing SQL migrations (defaults to the embedded set)")
		timeout = flag.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		level   = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	if strings.TrimSpace(*dsn) == "" {
		return errors.New("-database flag or TRADEPLANE_DATABASE_DSN is required")
	}

	args := flag.Args()
	if len(args) == 0 {
		return errors.New("command required (up|down)")
	}

	observability.SetLogger(observability.NewLogrusLogger(observability.LogrusOptions{
		Level:  *level,
		Format: "text",
		Output: os.Stdout,
	}))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch args[0] {
	case "up":
		if err := migrations.Apply(ctx, *dsn, *dir); err != nil {
			return err
		}
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid down steps %q: %w", args[1], err)
			}
			steps = n
		}
		if err := migrations.Rollback(ctx, *dsn, *dir, steps); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown command %q (expected up or down)", args[0])
	}

	return nil
}
