// Command probe reads configured scales once, or repeatedly with -interval, and prints
// the decoded fields. It uses the same drivers and decoder as the collector.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"scale-ingest/internal/collector"
	"scale-ingest/internal/logger"
	"scale-ingest/internal/model"
)

func main() {
	var (
		cfgPath  = flag.String("config", "config/config.yaml", "path to YAML config")
		scaleID  = flag.String("scale", "", "scale id to read (default: every active scale)")
		interval = flag.Duration("interval", 0, "repeat reads at this interval (0 = once)")
		asJSON   = flag.Bool("json", false, "print events as JSON lines")
	)
	flag.Parse()

	cfg, err := collector.LoadYAML(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	log := logger.WithComponent("probe")

	var targets []collector.ScaleConfig
	for _, s := range cfg.Scales {
		if (*scaleID == "" && s.Active) || s.ID == *scaleID {
			targets = append(targets, s)
		}
	}
	if len(targets) == 0 {
		fmt.Fprintln(os.Stderr, "no matching scale in config")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	failed := false
	for {
		for _, s := range targets {
			ev, err := collector.ReadOnce(ctx, s, nil)
			if err != nil {
				failed = true
				log.Error().Err(err).Str("scale_id", s.ID).Msg("read failed")
				continue
			}
			printEvent(ev, *asJSON)
		}
		if *interval <= 0 {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(*interval):
		}
	}
	if failed {
		os.Exit(1)
	}
}

func printEvent(ev model.MeasurementEvent, asJSON bool) {
	if asJSON {
		b, _ := json.Marshal(ev)
		fmt.Println(string(b))
		return
	}
	parts := make([]string, 0, model.MaxDataFields)
	for _, f := range ev.Fields() {
		if f != nil {
			parts = append(parts, fmt.Sprintf("%s=%s", f.Name, f.Value))
		}
	}
	fmt.Printf("%s %s [%s] %s\n", ev.LastTime.Format(time.RFC3339), ev.ScaleID, ev.Status, strings.Join(parts, " "))
}
