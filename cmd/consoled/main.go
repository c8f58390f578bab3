// consoled is the multi-port serial console and configuration daemon.
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

	"go.uber.org/zap"

	"github.com/MarkusPolo/consoled/internal/config"
	"github.com/MarkusPolo/consoled/internal/console"
	"github.com/MarkusPolo/consoled/internal/daemon"
	"github.com/MarkusPolo/consoled/internal/db"
	"github.com/MarkusPolo/consoled/internal/engine"
	"github.com/MarkusPolo/consoled/internal/model"
	"github.com/MarkusPolo/consoled/internal/scheduler"
	"github.com/MarkusPolo/consoled/internal/serial"
)

func main() {
	var (
		configPath string
		listenAddr string
		dbPath     string
		debug      bool
	)
	flag.StringVar(&configPath, "config", "", "YAML config file")
	flag.StringVar(&listenAddr, "listen", "", "listen address (overrides config)")
	flag.StringVar(&dbPath, "db", "", "SQLite path (overrides config)")
	flag.BoolVar(&debug, "debug", false, "debug logging")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err)
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}

	log, err := buildLogger(debug)
	if err != nil {
		fatal(err)
	}
	defer log.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer store.Close() //nolint:errcheck

	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		fatal(err)
	}
	if err := seedDefaultProfiles(ctx, store); err != nil {
		fatal(err)
	}

	opener := serial.DeviceOpener{}
	mgr := serial.NewManager(opener, cfg.StreamBuffer)
	defer mgr.CloseAll()
	registry := serial.NewRegistry(cfg.PortCount, cfg.DefaultBaud, cfg.ProbeTimeout, cfg.PortPath, opener, mgr)

	hub := console.NewHub(mgr, console.Options{
		CaptureIdle:    cfg.CaptureIdle,
		CaptureTimeout: cfg.CaptureTimeout,
		DetachGrace:    cfg.DetachGrace,
		StreamBuffer:   cfg.StreamBuffer,
	}, log.Named("console"))

	eng := engine.New(mgr, engine.Options{
		SettleDelay:    cfg.SettleDelay,
		CaptureIdle:    cfg.CaptureIdle,
		CaptureTimeout: cfg.CaptureTimeout,
		CommandTimeout: cfg.CommandTimeout,
		MaxTranscript:  cfg.MaxTranscript,
		StopOnVerify:   cfg.StopOnVerifyFail,
	}, log.Named("engine"))

	sched := scheduler.New(store, eng, portResolver(cfg, store), scheduler.Options{
		MaxConcurrency: int64(cfg.MaxConcurrency),
	}, log.Named("scheduler"))
	defer func() {
		drainCtx, drain := context.WithTimeout(context.Background(), 10*time.Second)
		defer drain()
		_ = sched.Shutdown(drainCtx)
	}()

	srv := daemon.NewServer(cfg, store, registry, hub, sched, log.Named("http"))
	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func buildLogger(debug bool) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if debug {
		zcfg = zap.NewDevelopmentConfig()
	}
	return zcfg.Build()
}

// portResolver maps numeric port ids through the path template and the stored
// baud overrides; raw device paths pass through at the default baud.
func portResolver(cfg config.Config, store *db.Store) scheduler.Resolver {
	return func(ctx context.Context, port string) (string, int, error) {
		var id int
		if _, err := fmt.Sscanf(port, "%d", &id); err == nil && fmt.Sprintf("%d", id) == port {
			if id < 1 || id > cfg.PortCount {
				return "", 0, fmt.Errorf("port id %d out of range 1..%d", id, cfg.PortCount)
			}
			baud := cfg.DefaultBaud
			if bauds, err := store.PortBaudRates(ctx); err == nil {
				if b, ok := bauds[id]; ok && b > 0 {
					baud = b
				}
			}
			return cfg.PortPath(id), baud, nil
		}
		return port, cfg.DefaultBaud, nil
	}
}

// seedDefaultProfiles installs the stock vendor profiles on first start.
// Existing profiles, including edited copies of the defaults, are left alone.
func seedDefaultProfiles(ctx context.Context, store *db.Store) error {
	existing, err := store.ListProfiles(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	_, err = store.CreateProfile(ctx, model.DeviceProfile{
		Name:        "Cisco IOS",
		Vendor:      "cisco",
		Description: "Classic IOS and IOS-XE CLI over console",
		PromptPatterns: map[string]string{
			"user":   `>\s*$`,
			"priv":   `#\s*$`,
			"config": `\(config[^)]*\)#\s*$`,
			"login":  `(?i)username:`,
		},
		Commands: map[string]string{
			"priv_mode":   "enable",
			"config_mode": "configure terminal",
			"exit_config": "end",
			"save":        "write memory",
			"no_paging":   "terminal length 0",
		},
		ErrorMarkers:     []string{"% Invalid input", "% Incomplete command", "% Ambiguous command"},
		DetectionCommand: "show version",
	})
	if errors.Is(err, db.ErrDuplicate) {
		return nil
	}
	return err
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "consoled:", err)
	os.Exit(1)
}
