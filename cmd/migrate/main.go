// Command migrate applies the embedded schema migrations to the configured
// database and exits.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/helixtrade/helix/config"
	"github.com/helixtrade/helix/internal/infra/persistence/postgres"
	"github.com/helixtrade/helix/internal/observability"
)

func main() {
	configPath := flag.String("config", "", "path to yaml settings file")
	dsn := flag.String("dsn", "", "database dsn (overrides config)")
	flag.Parse()

	observability.SetLogger(observability.NewJSONLogger(os.Stdout, false))

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
	cfg = config.FromEnv(cfg)

	target := cfg.Database.DSN
	if *dsn != "" {
		target = *dsn
	}
	if target == "" {
		fmt.Fprintln(os.Stderr, "migrate: no database dsn configured")
		os.Exit(1)
	}
	if err := postgres.Migrate(target); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}
