// migrate applies the embedded SQL migrations for the configured store (postgres or sqlite).
// Usage: go run ./cmd/migrate -direction up
package main

import (
	"flag"
	"fmt"
	"os"

	"capgate/internal/captcha/repository"
	"capgate/internal/config"
	"capgate/internal/db/migrate"
)

func main() {
	direction := flag.String("direction", "up", "Migration direction: up or down")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	var backend, dsn string
	switch cfg.StoreBackend {
	case repository.BackendPostgres:
		backend, dsn = migrate.BackendPostgres, cfg.DatabaseURL
	case repository.BackendSQLite:
		backend, dsn = migrate.BackendSQLite, cfg.SQLitePath
	default:
		fmt.Fprintf(os.Stderr, "STORE_BACKEND=%s has no SQL migrations; set it to postgres or sqlite\n", cfg.StoreBackend)
		os.Exit(1)
	}

	if err := migrate.Run(backend, dsn, *direction); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
	fmt.Printf("migrate: %s %s done\n", backend, *direction)
}
