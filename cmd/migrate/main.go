package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	"authgate.org/internal/audit"
	"authgate.org/internal/migrate"
	"authgate.org/internal/obs"
)

func main() {
	var (
		dsn            = flag.String("dsn", os.Getenv("AUTHGW_AUDIT_DSN"), "PostgreSQL DSN of the audit database")
		migrationsPath = flag.String("migrations", "", "Directory of SQL migrations (defaults to the embedded set)")
		logLevel       = flag.String("log-level", "info", "Log level")
	)
	flag.Parse()

	obs.Configure(*logLevel, "console")
	log := obs.Component("migrate")

	if *dsn == "" {
		log.Fatal().Msg("missing DSN: provide via -dsn or AUTHGW_AUDIT_DSN")
	}
	if flag.NArg() == 0 {
		log.Fatal().Msg("usage: migrate [up|down|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := audit.OpenPG(ctx, *dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	var files fs.FS
	if *migrationsPath != "" {
		files = os.DirFS(*migrationsPath)
	}
	mgr := migrate.NewManager(db, files, migrate.WithLogger(*log))

	cmd := flag.Arg(0)
	switch cmd {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		if err == nil && len(applied) == 0 {
			log.Info().Msg("schema is up to date")
		}
	case "down":
		_, err = mgr.Down(ctx)
		if errors.Is(err, migrate.ErrNothingApplied) {
			log.Info().Msg("nothing to roll back")
			err = nil
		}
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatal().Str("command", cmd).Msg("unknown command")
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", cmd).Msg("migrate failed")
	}
}
