package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"scale-ingest/internal/logger"
	"scale-ingest/internal/tasks"
)

func main() {
	var opts tasks.Options
	flag.StringVar(&opts.ConfigPath, "config", "", "path to YAML config (default config/config.yaml)")
	flag.StringVar(&opts.StorageDriver, "storage-driver", "", "override system.storage.driver (sqlite|postgres)")
	flag.StringVar(&opts.StorageDSN, "dsn", "", "override system.storage.dsn")
	flag.StringVar(&opts.NATSURL, "nats", "", "override system.broadcast.nats_url")
	flag.StringVar(&opts.APIListen, "listen", "", "override system.api.listen")
	flag.IntVar(&opts.Workers, "workers", 0, "override system.processing.workers")
	flag.StringVar(&opts.LogLevel, "log-level", "", "override logging.level")
	flag.Parse()
	opts.ApplyEnv(nil)

	// SIGINT/SIGTERM trigger the ordered shutdown in tasks.App.Run
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := tasks.InitAndRun(ctx, opts); err != nil {
		log := logger.GetLogger()
		log.Error().Err(err).Msg("collector exited with error")
		os.Exit(1)
	}
}
