// Command scalesim serves a simulated Modbus TCP slave for every modbus-tcp scale in a
// collector config, so the collector can run against it locally.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"scale-ingest/internal/collector"
	"scale-ingest/internal/logger"
	"scale-ingest/internal/simulator"
)

func main() {
	var (
		cfgPath  string
		interval time.Duration
		base     float64
		seed     uint64
		zero     string
		offline  string
		frozen   string
	)
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "path to collector YAML config")
	flag.DurationVar(&interval, "interval", time.Second, "register update interval")
	flag.Float64Var(&base, "base-weight", 100, "weight the simulated scales drift around")
	flag.Uint64Var(&seed, "seed", uint64(time.Now().UnixNano()), "random seed")
	flag.StringVar(&zero, "zero", "", "comma separated scale ids that report zero")
	flag.StringVar(&offline, "offline", "", "comma separated scale ids that start offline")
	flag.StringVar(&frozen, "frozen", "", "comma separated scale ids whose registers never change")
	flag.Parse()

	rootCfg, err := collector.LoadYAML(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load yaml config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}
	if err := logger.Init(rootCfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	log := logger.WithComponent("scalesim")

	fleet := simulator.NewFleet(rootCfg.Scales, simulator.Options{
		Interval:   interval,
		BaseWeight: base,
		Seed:       seed,
		Logger:     log,
	})
	if len(fleet.IDs()) == 0 {
		log.Error().Msg("config has no modbus-tcp scales to simulate")
		os.Exit(1)
	}
	if err := fleet.Start(); err != nil {
		// partially bound fleets keep running
		log.Warn().Err(err).Msg("some scales failed to listen")
	}

	for mode, list := range map[simulator.Mode]string{
		simulator.ModeZero:    zero,
		simulator.ModeOffline: offline,
		simulator.ModeFrozen:  frozen,
	} {
		for _, id := range splitIDs(list) {
			if err := fleet.SetMode(id, mode); err != nil {
				log.Warn().Err(err).Str("scale_id", id).Str("mode", string(mode)).Msg("set mode")
			}
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fleet.Run(ctx)
	log.Info().Msg("simulated scales stopped")
}

func splitIDs(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
