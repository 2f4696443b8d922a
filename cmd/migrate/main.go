// Command migrate applies or rolls back the chat schema.
//
//	migrate [-database URL] up|down|version|steps N
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"

	"github.com/whisper/courier/internal/storage/postgres"
)

func run(ctx context.Context, databaseURL string, args []string) error {
	if databaseURL == "" {
		return errors.New("DATABASE_URL or -database is required")
	}
	if len(args) == 0 {
		return errors.New("usage: migrate [-database URL] up|down|version|steps N")
	}

	store, err := postgres.Open(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer store.Close()

	m, err := postgres.NewMigrator(store.DB())
	if err != nil {
		return err
	}

	switch args[0] {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	case "steps":
		if len(args) < 2 {
			return errors.New("steps needs a count")
		}
		n, convErr := strconv.Atoi(args[1])
		if convErr != nil || n == 0 {
			return fmt.Errorf("invalid step count %q", args[1])
		}
		err = m.Steps(n)
	case "version":
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: %w", args[0], err)
	}

	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		log.Printf("no migrations applied")
	case err != nil:
		return fmt.Errorf("migrate version: %w", err)
	default:
		log.Printf("schema at version %d (dirty=%v)", version, dirty)
	}
	return nil
}

func main() {
	databaseURL := flag.String("database", os.Getenv("DATABASE_URL"), "postgres connection URL")
	flag.Parse()

	if err := run(context.Background(), *databaseURL, flag.Args()); err != nil {
		log.Fatalf("migrate: %v", err)
	}
}
