// Package main is the entry point for Geometer.
//
//	@title			Geometer - Usage Metering & Cost Estimation
//	@version		1.0
//	@description	Usage metering and cost estimation engine for geospatial data queries.
//
//	@license.name	MIT
//	@license.url	https://opensource.org/licenses/MIT
//
//	@host			localhost:8080
//	@BasePath		/
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/artpar/geometer/bootstrap"
	"github.com/artpar/geometer/config"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "geometer.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	validate := flag.Bool("validate", false, "Validate configuration and exit")
	hotReload := flag.Bool("hot-reload", true, "Enable hot reload of configuration")
	flag.Parse()

	if *showVersion {
		fmt.Printf("geometer %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	if *validate {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Configuration valid\n")
		fmt.Printf("  Server: %s:%d\n", cfg.Server.Host, cfg.Server.Port)
		fmt.Printf("  Database: %s (%s)\n", cfg.Database.Driver, cfg.Database.DSN)
		fmt.Printf("  Tiers: %d\n", len(cfg.Pricing.Tiers))
		os.Exit(0)
	}

	var app *bootstrap.App
	var err error

	if *hotReload {
		app, err = bootstrap.NewWithHotReload(*configPath)
	} else {
		cfg, loadErr := config.Load(*configPath)
		if loadErr != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", loadErr)
			os.Exit(1)
		}
		app, err = bootstrap.New(cfg)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing: %v\n", err)
		os.Exit(1)
	}

	// Run (blocks until shutdown)
	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
