package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/adrg/xdg"

	"podkeep/internal/app"
	"podkeep/internal/config"
	"podkeep/internal/logging"
	"podkeep/internal/storage"
)

func main() {
	syncOnce := flag.Bool("sync", false, "reconcile pending position writes with the remote store and exit")
	cleanupOnce := flag.Bool("cleanup", false, "delete downloads past the retention threshold and exit")
	scanOnce := flag.Bool("scan", false, "list valid downloads on disk and exit")
	refreshOnce := flag.Bool("refresh", false, "refresh the episode catalog and exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	baseDir := filepath.Join(xdg.DataHome, "podkeep")
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		log.Fatalf("failed to create data directory: %v", err)
	}

	logging.Configure(filepath.Join(baseDir, "podkeep.log"))

	configPath := filepath.Join(xdg.ConfigHome, "podkeep", "config.yaml")
	cfg, err := config.Ensure(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	db, err := storage.Open(filepath.Join(baseDir, "app.db"))
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}

	application := app.New(cfg, db)
	defer application.Close()

	if err := application.Initialize(ctx); err != nil {
		log.Fatalf("failed to initialize: %v", err)
	}

	switch {
	case *syncOnce:
		application.SyncNow(ctx)
		remaining, err := application.PendingWrites(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error reading pending queue: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stdout, "Sync complete, %d write(s) still pending.\n", remaining)
		return

	case *cleanupOnce:
		removed, err := application.CleanupNow()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error running cleanup: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stdout, "Removed %d stale download(s).\n", removed)
		return

	case *scanOnce:
		records, err := application.Downloaded()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error scanning downloads: %v\n", err)
			os.Exit(1)
		}
		for _, rec := range records {
			fmt.Fprintf(os.Stdout, "%s\t%s\t%s\n", rec.Meta.ID, rec.Meta.DownloadDate.Format("2006-01-02"), rec.AudioPath)
		}
		fmt.Fprintf(os.Stdout, "%d valid download(s).\n", len(records))
		return

	case *refreshOnce:
		episodes, err := application.RefreshCatalog(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error refreshing catalog: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stdout, "Catalog holds %d episode(s).\n", len(episodes))
		return
	}

	// Agent mode: run the janitor and sync loops until interrupted.
	application.Start()
	<-ctx.Done()
}
