package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"fleetnav/internal/advisor"
	"fleetnav/internal/agent"
	"fleetnav/internal/api"
	"fleetnav/internal/battery"
	"fleetnav/internal/clock"
	"fleetnav/internal/config"
	"fleetnav/internal/coordinator"
	"fleetnav/internal/fleet"
	"fleetnav/internal/ledger"
	"fleetnav/internal/logging"
	"fleetnav/internal/messaging/inproc"
	"fleetnav/internal/planner"
	"fleetnav/internal/policy"
	"fleetnav/internal/sensor"
	sqlitestore "fleetnav/internal/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		addr       string
		dbPath     string
		logLevel   string
		rovers     int
		seed       uint64
		faulty     string
		strategy   string
		noWander   bool
	)
	flagSet := pflag.NewFlagSet("fleetnav", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to config TOML (default: ./"+config.DefaultPath+" if present)")
	flagSet.StringVar(&addr, "addr", "", "http listen address override")
	flagSet.StringVar(&dbPath, "db", "", "decision journal path override (default: in-memory)")
	flagSet.StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	flagSet.IntVar(&rovers, "rovers", 0, "number of simulated rovers override")
	flagSet.Uint64Var(&seed, "seed", 0, "random seed override")
	flagSet.StringVar(&faulty, "faulty-rover", "", "rover whose moisture sensor reports a fixed offset")
	flagSet.StringVar(&strategy, "strategy", "", "route planner override (astar, direct)")
	flagSet.BoolVar(&noWander, "no-wander", false, "disable auto-move for idle rovers")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Server.Addr = firstNonEmpty(addr, cfg.Server.Addr)
	cfg.Store.DBPath = firstNonEmpty(dbPath, cfg.Store.DBPath)
	cfg.Log.Level = firstNonEmpty(logLevel, cfg.Log.Level)
	cfg.Sim.FaultyRover = firstNonEmpty(faulty, cfg.Sim.FaultyRover)
	cfg.Fleet.Strategy = firstNonEmpty(strategy, cfg.Fleet.Strategy)
	if rovers > 0 {
		cfg.Sim.Rovers = rovers
	}
	if flagSet.Changed("seed") {
		cfg.Sim.Seed = seed
	}
	if noWander {
		cfg.Fleet.AutoMove = false
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Console, os.Stderr)
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}

	store, err := sqlitestore.Open(cfg.Store.DBPath)
	if err != nil {
		return fmt.Errorf("open decision journal: %w", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate decision journal: %w", err)
	}

	clk := clock.Real()
	boundary := cfg.Grid
	visits := ledger.New(cfg.LedgerConfig(), clk)
	model := battery.New(cfg.BatteryConfig())
	rng := rand.New(rand.NewPCG(cfg.Sim.Seed, cfg.Sim.Seed+1))

	bus := inproc.New(cfg.Sim.QueueBuffer)
	sim := agent.NewFleet(boundary, bus, model, clk, cfg.SimConfig(), logger)
	sim.Start(ctx)

	svc, err := fleet.New(sim, bus, store, fleet.Components{
		Boundary:    boundary,
		Ledger:      visits,
		Battery:     model,
		Detector:    sensor.NewDetector(cfg.SensorConfig(), clk),
		Advisor:     advisor.New(cfg.Thresholds()),
		Coordinator: coordinator.New(boundary, visits, model, rng, clk, cfg.CoordinatorConfig()),
		Wanderer:    planner.NewWanderer(boundary, visits, model, rng, clk),
		Policy:      policy.New(boundary, visits, model),
		Clock:       clk,
	}, cfg.FleetConfig(), logger)
	if err != nil {
		return fmt.Errorf("build fleet service: %w", err)
	}
	svc.Start(ctx)

	server := api.New(cfg.Server.Addr, svc, cfg, logger)
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("http shutdown")
		}
	}()

	journal := cfg.Store.DBPath
	if journal == "" {
		journal = sqlitestore.MemoryDSN
	}
	logger.Info().
		Str("addr", cfg.Server.Addr).
		Str("db", journal).
		Str("config", cfg.Path).
		Strs("rovers", bus.Agents()).
		Str("strategy", cfg.Fleet.Strategy).
		Msg("fleetnav started")

	if err := server.Start(); err != nil {
		cancel()
		svc.Wait()
		sim.Wait()
		return err
	}
	svc.Wait()
	sim.Wait()
	logger.Info().Int64("ticks", svc.Ticks()).Msg("fleetnav stopped")
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
