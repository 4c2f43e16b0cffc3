// Command mocktty emulates continuous-output serial scales: every endpoint writes
// "ST,GS,+  12.345kg\r\n" style frames to a real or virtual serial port.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"scale-ingest/internal/collector"
	"scale-ingest/internal/logger"
	"scale-ingest/internal/utils"
)

type RootConfig struct {
	Logging   logger.Config `yaml:"logging"`
	Endpoints []Endpoint    `yaml:"endpoints"`
}

type Endpoint struct {
	Name string `yaml:"name"`
	// SerialPort is the port frames are written to; ListenAddress serves them over TCP instead.
	SerialPort    string        `yaml:"serial_port"`
	ListenAddress string        `yaml:"listen_address"`
	BaudRate      int           `yaml:"baud_rate"`
	DataBits      int           `yaml:"data_bits"`
	StopBits      int           `yaml:"stop_bits"`
	Parity        string        `yaml:"parity"`
	Interval      time.Duration `yaml:"update_interval"`
	BaseWeight    float64       `yaml:"base_weight"`
	Unit          string        `yaml:"unit"`
	// UnstableEvery marks every nth frame unstable; 0 never.
	UnstableEvery int `yaml:"unstable_every"`

	// Optional: create a virtual serial pair with socat (Unix-like systems).
	SpawnSocat bool   `yaml:"spawn_socat"`
	SocatLink  string `yaml:"socat_link"`
	SocatPeer  string `yaml:"socat_peer"`
}

func loadConfig(path string) (RootConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return RootConfig{}, err
	}
	var cfg RootConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return RootConfig{}, err
	}
	for i := range cfg.Endpoints {
		ep := &cfg.Endpoints[i]
		if ep.Interval <= 0 {
			ep.Interval = 500 * time.Millisecond
		}
		if ep.BaseWeight == 0 {
			ep.BaseWeight = 12.5
		}
		if ep.Unit == "" {
			ep.Unit = "kg"
		}
		if ep.Name == "" {
			ep.Name = fmt.Sprintf("scale-%d", i+1)
		}
	}
	return cfg, nil
}

// frames produces the endpoint's frame sequence.
type frames struct {
	ep  Endpoint
	rnd *rand.Rand
	n   int
	w   float64
}

func newFrames(ep Endpoint, seed uint64) *frames {
	return &frames{ep: ep, rnd: rand.New(rand.NewPCG(seed, seed+1)), w: ep.BaseWeight}
}

func (f *frames) next() string {
	f.n++
	f.w = math.Max(0, f.w+(f.rnd.Float64()-0.5)*0.2)
	status := "ST"
	if f.ep.UnstableEvery > 0 && f.n%f.ep.UnstableEvery == 0 {
		status = "US"
	}
	return collector.ScaleFrame{Status: status, Mode: "GS", Weight: f.w, Unit: f.ep.Unit}.String() + "\r\n"
}

// emit writes frames to w until ctx is done or a write fails.
func emit(ctx context.Context, w io.Writer, fr *frames, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := io.WriteString(w, fr.next()); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func runSerialEndpoint(ctx context.Context, ep Endpoint, log zerolog.Logger) error {
	var socatCmd *exec.Cmd
	if ep.SpawnSocat {
		link, peer := ep.SocatLink, ep.SocatPeer
		if link == "" {
			link = ep.SerialPort
		}
		if link == "" || peer == "" {
			return fmt.Errorf("spawn_socat requires socat_link (or serial_port) and socat_peer")
		}
		socatCmd = utils.BuildSocatPairCmd(ctx, utils.SocatPair{Link: link, Peer: peer})
		socatCmd.Stdout = os.Stdout
		socatCmd.Stderr = os.Stderr
		if err := socatCmd.Start(); err != nil {
			return fmt.Errorf("start socat: %w", err)
		}
		log.Info().Str("link", link).Str("peer", peer).Int("pid", socatCmd.Process.Pid).Msg("spawned socat pair")
		// socat needs a moment to create the pty links
		time.Sleep(400 * time.Millisecond)
		if ep.SerialPort == "" {
			ep.SerialPort = link
		}
		defer stopSocat(socatCmd)
	}

	rw, err := utils.OpenSerial(utils.SerialParams{
		Address:  ep.SerialPort,
		BaudRate: ep.BaudRate,
		DataBits: ep.DataBits,
		StopBits: ep.StopBits,
		Parity:   ep.Parity,
	})
	if err != nil {
		return fmt.Errorf("open %s: %w", ep.SerialPort, err)
	}
	defer rw.Close()

	log.Info().Str("port", ep.SerialPort).Dur("interval", ep.Interval).Msg("emitting frames")
	return emit(ctx, rw, newFrames(ep, uint64(time.Now().UnixNano())), ep.Interval)
}

func stopSocat(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan struct{})
	go func() { _ = cmd.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		_ = cmd.Process.Kill()
	}
}

// runTCPEndpoint streams frames to every connected client, for serial-over-TCP bridges.
func runTCPEndpoint(ctx context.Context, ep Endpoint, log zerolog.Logger) error {
	l, err := net.Listen("tcp", ep.ListenAddress)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	log.Info().Str("addr", l.Addr().String()).Msg("serving frames over TCP")

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			defer c.Close()
			connCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				<-connCtx.Done()
				c.Close()
			}()
			if err := emit(connCtx, c, newFrames(ep, uint64(time.Now().UnixNano())), ep.Interval); err != nil {
				log.Debug().Err(err).Str("remote", c.RemoteAddr().String()).Msg("client gone")
			}
		}(conn)
	}
}

func runAll(ctx context.Context, cfg RootConfig) error {
	var wg sync.WaitGroup
	for _, ep := range cfg.Endpoints {
		log := logger.WithComponent("mocktty").With().Str("endpoint", ep.Name).Logger()
		var run func(context.Context, Endpoint, zerolog.Logger) error
		switch {
		case ep.SerialPort != "" || ep.SpawnSocat:
			run = runSerialEndpoint
		case ep.ListenAddress != "":
			run = runTCPEndpoint
		default:
			log.Warn().Msg("endpoint has neither serial_port nor listen_address, skipping")
			continue
		}
		wg.Add(1)
		go func(e Endpoint) {
			defer wg.Done()
			if err := run(ctx, e, log); err != nil {
				log.Error().Err(err).Msg("endpoint stopped")
			}
		}(ep)
	}
	wg.Wait()
	return nil
}

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config/mocktty.yaml", "path to mocktty YAML config")
	flag.Parse()

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	if len(cfg.Endpoints) == 0 {
		fmt.Fprintln(os.Stderr, "config has no endpoints")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := runAll(ctx, cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
