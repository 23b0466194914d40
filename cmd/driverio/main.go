package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"go.uber.org/zap"

	"github.com/badgerloop-software/sc2-driver-io/internal/acquisition"
	"github.com/badgerloop-software/sc2-driver-io/internal/broadcast"
	"github.com/badgerloop-software/sc2-driver-io/internal/channel"
	"github.com/badgerloop-software/sc2-driver-io/internal/config"
	"github.com/badgerloop-software/sc2-driver-io/internal/filesync"
	"github.com/badgerloop-software/sc2-driver-io/internal/frame"
	"github.com/badgerloop-software/sc2-driver-io/internal/gps"
	"github.com/badgerloop-software/sc2-driver-io/internal/logging"
	"github.com/badgerloop-software/sc2-driver-io/internal/metrics"
	"github.com/badgerloop-software/sc2-driver-io/internal/processing"
	"github.com/badgerloop-software/sc2-driver-io/internal/recorder"
	"github.com/badgerloop-software/sc2-driver-io/internal/schema"
	"github.com/badgerloop-software/sc2-driver-io/internal/server"
	"github.com/badgerloop-software/sc2-driver-io/internal/source"
	"github.com/badgerloop-software/sc2-driver-io/internal/telemetry"
	"github.com/badgerloop-software/sc2-driver-io/web"
)

func main() {
	configPath := flag.String("config", "/etc/driverio/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run with simulated vehicle and GPS data")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	if err := run(*configPath, *demo, *listenAddr); err != nil {
		fmt.Fprintf(os.Stderr, "driverio: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, demo bool, listenAddr string) error {
	boot, err := logging.New(logging.Config{Level: "info"})
	if err != nil {
		return fmt.Errorf("boot logger: %w", err)
	}

	cfg, err := config.Load(configPath, boot.Named("config"))
	if err != nil {
		return err
	}
	if demo {
		cfg.Source.Type = "demo"
		cfg.GPS.Type = "demo"
	}
	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()
	log.Info("driverio starting", zap.String("source", cfg.Source.Type), zap.String("gps", cfg.GPS.Type))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sch, err := loadSchema(cfg, log)
	if err != nil {
		return err
	}

	reg := metrics.NewRegistry()
	m := metrics.New(reg)

	store := telemetry.NewStore()
	gate := telemetry.NewGate(cfg.Restart.Interlocks, log.Named("gate"))

	odo := gps.NewOdometer(cfg.Server.OdometerPath)
	if err := odo.Load(); err != nil {
		log.Warn("odometer load failed, starting at 0", zap.Error(err))
	}

	rec := recorder.New(cfg.Recorder, sch, log.Named("recorder"))

	// Channels
	hub := server.NewHub("dashboard", log.Named("hub"), m)
	roster, err := channel.Build(ctx, cfg.Channels, map[string]channel.Channel{"dashboard": hub}, log.Named("channel"))
	if err != nil {
		return err
	}
	defer func() {
		if err := channel.CloseAll(roster); err != nil {
			log.Warn("channel close", zap.Error(err))
		}
	}()

	bc := broadcast.New(roster,
		broadcast.WithMaxConcurrent(cfg.Broadcast.MaxConcurrent),
		broadcast.WithSendTimeout(cfg.Broadcast.SendTimeout),
		broadcast.WithLogger(log.Named("broadcast")),
		broadcast.WithMetrics(m),
		broadcast.WithStatus(func(s channel.Status) {
			if s.Channel == hub.Name() {
				store.SetDashboardLink(s.Connected)
			}
		}),
	)

	var syncer filesync.Syncer = filesync.NopSyncer{}
	if cfg.FileSync.Enabled {
		syncer = filesync.DirSyncer{Dir: cfg.FileSync.Dir}
	}
	batcher := filesync.NewBatcher(syncer, log.Named("filesync"))

	// Vehicle transport and positioning
	src, err := source.New(cfg.Source, sch, log.Named("source"))
	if err != nil {
		return err
	}
	if tcp, ok := src.(*source.TCPSource); ok {
		if err := tcp.Listen(); err != nil {
			return err
		}
	}
	gpsProv, err := gps.New(cfg.GPS, log.Named("gps"))
	if err != nil {
		return err
	}

	acqCfg := acquisition.Config{
		StatusOffset: cfg.Schema.StatusOffset,
		StatusLength: cfg.Schema.StatusLength,
	}
	if gpsProv != nil {
		pos, ok, err := sch.PositionOffsets(schema.PositionNames{
			Lat:  cfg.Schema.LatField,
			Lon:  cfg.Schema.LonField,
			Elev: cfg.Schema.ElevField,
		})
		if err != nil {
			return err
		}
		acqCfg.Position, acqCfg.HasPosition = pos, ok
		if cfg.GPS.PollMs > 0 {
			acqCfg.GPSPoll = time.Duration(cfg.GPS.PollMs) * time.Millisecond
		}
	}

	buf := frame.NewBuffer(sch.Size)
	pipe, err := acquisition.New(buf, src, gpsProv, acqCfg, log.Named("acquisition"),
		acquisition.WithMetrics(m), acquisition.WithOdometer(odo))
	if err != nil {
		return err
	}

	loop := processing.New(processing.Deps{
		Buffer:      buf,
		Schema:      sch,
		Store:       store,
		Gate:        gate,
		Broadcaster: bc,
		Batcher:     batcher,
		Recorder:    rec,
		Metrics:     m,
	}, log.Named("processing"))

	srv := server.New(server.Deps{
		Config:   cfg,
		Store:    store,
		Gate:     gate,
		Hub:      hub,
		Odometer: odo,
		Recorder: rec,
		Registry: reg,
		Web:      web.FS,
	}, log.Named("server"))

	if err := pipe.Start(ctx); err != nil {
		return err
	}

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.Run(ctx, pipe.Ready(), pipe.Events())
	}()

	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Run(ctx, cfg.Server.ListenAddr) }()
	sdnotify(log, daemon.SdNotifyReady)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-srvErr:
		log.Error("server exited", zap.Error(runErr))
		stop()
	}
	sdnotify(log, "STOPPING=1")

	if err := pipe.Stop(); err != nil {
		if errors.Is(err, acquisition.ErrStopTimeout) {
			log.Warn("transport did not stop in time", zap.Error(err))
		} else {
			log.Error("pipeline stop", zap.Error(err))
		}
	}
	<-loopDone
	if err := odo.Save(); err != nil {
		log.Warn("odometer save failed", zap.Error(err))
	}
	log.Info("stopped")
	return runErr
}

// sdnotify reports service state to systemd. It is a no-op outside a
// systemd unit.
func sdnotify(log *zap.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.Warn("sdnotify failed", zap.String("state", state), zap.Error(err))
	}
}

// loadSchema reads the configured format. Demo mode falls back to the
// built-in format when no file is installed.
func loadSchema(cfg *config.Config, log *zap.Logger) (*schema.Schema, error) {
	sch, err := schema.Load(cfg.Schema.Path)
	if err == nil {
		log.Info("schema loaded", zap.String("path", cfg.Schema.Path), zap.Int("bytes", sch.Size), zap.Int("cells", sch.CellCount()))
		return sch, nil
	}
	if errors.Is(err, os.ErrNotExist) && cfg.Source.Type == "demo" {
		log.Warn("no schema file, using built-in format", zap.String("path", cfg.Schema.Path))
		return schema.Default(), nil
	}
	return nil, err
}
