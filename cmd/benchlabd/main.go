// cmd/benchlabd/main.go

// Command benchlabd runs the bench instrument controller: it discovers
// instruments on the USB and serial buses, keeps a polled session per
// device, executes waveform sequences and trigger scripts over those
// sessions, and serves the REST/WebSocket gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"benchlab-go/bus"
	"benchlab-go/services/gateway"
	"benchlab-go/services/library"
	"benchlab-go/services/scan"
	"benchlab-go/services/sequence"
	"benchlab-go/services/session"
	"benchlab-go/services/trigger"
	"benchlab-go/types"
)

var (
	configPath = flag.String("config", "", "path to YAML config file")
	listen     = flag.String("listen", "", "HTTP listen address (overrides config)")
	dataDir    = flag.String("data", "", "library data directory (overrides config)")
	simMode    = flag.Bool("sim", false, "serve simulated instruments instead of scanning hardware")
	logLevel   = flag.String("log-level", "", "debug, info, warning or error (overrides config)")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := types.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *simMode {
		cfg.Scan.Sim = true
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	lvl, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("bad log level %q: %w", cfg.LogLevel, err)
	}
	log.SetLevel(lvl)
	ent := log.NewEntry(log.StandardLogger())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := bus.NewBus(256)

	lib, err := library.Open(cfg.DataDir, library.Deps{Log: ent})
	if err != nil {
		return err
	}
	defer lib.Close()

	sessions := session.NewManager(session.Deps{Bus: b, Log: ent, Cfg: cfg.Session})
	defer sessions.StopAll()

	sequences := sequence.NewManager(sequence.SessionDevices{M: sessions}, lib,
		sequence.Deps{Bus: b, Log: ent, Cfg: cfg.Sequence})
	defer sequences.StopAll()

	triggers := trigger.NewManager(sessions, sequences, lib,
		trigger.Deps{Bus: b, Log: ent, Cfg: cfg.Trigger})
	defer triggers.StopAll()

	scanner := scan.New(scan.Deps{
		Sessions: sessions,
		Log:      ent,
		Cfg:      cfg.Scan,
		Serial:   cfg.Serial,
	})

	gw := gateway.New(gateway.Deps{
		Bus:       b,
		Sessions:  sessions,
		Sequences: sequences,
		Triggers:  triggers,
		Library:   lib,
		Log:       ent,
	})

	ent.WithFields(log.Fields{
		"listen": cfg.Listen,
		"data":   cfg.DataDir,
		"sim":    cfg.Scan.Sim,
	}).Info("benchlabd starting")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scanner.Run(ctx) })
	g.Go(func() error { return gw.Run(ctx, cfg.Listen) })
	err = g.Wait()
	ent.Info("benchlabd stopped")
	return err
}
