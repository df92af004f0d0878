// readingstored runs the sharded readings storage engine with its
// scheduled retention pass.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	appcfg "github.com/edgewise/readingstore/config"
	"github.com/edgewise/readingstore/internal/logging"
	"github.com/edgewise/readingstore/internal/storage"
	storecfg "github.com/edgewise/readingstore/internal/storage/config"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", appcfg.DefaultConfigPath, "config file path")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	logLevel := flag.String("log-level", appcfg.DefaultLogLevel, "log level (debug|info|warn|error)")
	logJSON := flag.Bool("log-json", false, "log in JSON format")
	flag.Parse()

	logging.Init(parseLevel(*logLevel), *logJSON)
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("readingstored %s starting...", Version)

	cfg, err := storecfg.Load(*cfgPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("No config file found, using defaults")
			cfg = storecfg.DefaultConfig()
		} else {
			log.Fatalf("Load config: %v", err)
		}
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	svc, err := storage.New(cfg)
	if err != nil {
		log.Fatalf("Create storage service: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		log.Fatalf("Start storage service: %v", err)
	}

	log.Printf("Storage ready (data_dir=%s, retention=%s, age=%dh)",
		cfg.DataDir, cfg.Retention.Interval, cfg.Retention.AgeHours)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), appcfg.DefaultShutdownTimeout)
	defer cancel()
	if err := svc.Stop(ctx); err != nil {
		log.Printf("Warning: storage stop: %v", err)
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
