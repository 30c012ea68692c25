// Package main implements the activityd binary. It runs the activity
// ingestion API, the rollup engine, and the month archiver, together or
// individually based on the --mode flag.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/CellTimesCell/new-lms-system1/internal/app"
	"github.com/CellTimesCell/new-lms-system1/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile   string
		dataDir      string
		mode         string
		httpAddr     string
		archiveMonth string
		showVersion  bool
		showHelp     bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&mode, "mode", "", "Service mode: all, ingest, query, archive")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP address for the API server")
	flag.StringVar(&archiveMonth, "archive-month", "", "Archive the given month (YYYYMM) and exit")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "activityd - LMS activity tracking and aggregation service\n\n")
		fmt.Fprintf(os.Stderr, "Usage: activityd [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  activityd --data-dir /data/activityd\n")
		fmt.Fprintf(os.Stderr, "  activityd --mode ingest --data-dir /data/activityd\n")
		fmt.Fprintf(os.Stderr, "  activityd --config /etc/activityd/config.yaml\n")
		fmt.Fprintf(os.Stderr, "  activityd --archive-month 202603 --data-dir /data/activityd\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  ACTIVITYD_MODE          Service mode (all, ingest, query, archive)\n")
		fmt.Fprintf(os.Stderr, "  ACTIVITYD_DATA_DIR      Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  ACTIVITYD_HTTP_ADDR     HTTP address for the API server\n")
		fmt.Fprintf(os.Stderr, "  ACTIVITYD_STORAGE_TYPE  Storage type (local, s3)\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("activityd version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	config.LoadDotEnv()

	cfg, err := loadConfig(configFile, dataDir, mode, httpAddr)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if archiveMonth != "" {
		cfg.Mode = config.ModeArchive
	}

	printBanner(cfg)

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	if archiveMonth != "" {
		info, err := application.ArchiveMonth(ctx, archiveMonth)
		if err != nil {
			application.Stop(context.Background())
			log.Fatalf("Failed to archive month %s: %v", archiveMonth, err)
		}
		log.Printf("Archived month %s: %d events, %d bytes, %s",
			info.Month, info.EventCount, info.SizeBytes, info.ObjectPath)
		if err := application.Stop(context.Background()); err != nil {
			os.Exit(1)
		}
		return
	}

	if err := application.WaitForShutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}

	if err := application.Stop(context.Background()); err != nil {
		log.Printf("Stop error: %v", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration from file, environment, and command line
// flags, in increasing priority.
func loadConfig(configFile, dataDir, mode, httpAddr string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if mode != "" {
		cfg.Mode = config.Mode(mode)
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}

	return cfg, nil
}

// printBanner prints the startup configuration summary.
func printBanner(cfg *config.Config) {
	log.Printf("activityd starting")
	log.Printf("  Mode:     %s", cfg.Mode)
	log.Printf("  Data Dir: %s", cfg.DataDir)
	log.Printf("  Storage:  %s", cfg.Storage.Type)
	log.Printf("  HTTP:     %s", cfg.HTTP.Addr)
}
