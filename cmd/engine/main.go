package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NinaFal/20k5ers/internal/api"
	"github.com/NinaFal/20k5ers/internal/broker"
	"github.com/NinaFal/20k5ers/internal/clock"
	"github.com/NinaFal/20k5ers/internal/engine"
	"github.com/NinaFal/20k5ers/internal/events"
	"github.com/NinaFal/20k5ers/internal/state"
	"github.com/NinaFal/20k5ers/pkg/config"
	"github.com/NinaFal/20k5ers/pkg/db"
	"github.com/NinaFal/20k5ers/pkg/params"
)

const version = "0.3.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	p, err := params.Load(cfg.ParamsPath)
	if err != nil {
		log.Fatalf("params load failed: %v", err)
	}
	log.Printf("starting engine, db %s, port %s", cfg.DBPath, cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("db init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("db migrations failed: %v", err)
	}
	store := state.New(database)

	clk := clock.Real{}

	// The built-in venue is the simulator; a live terminal bridge plugs in
	// behind the same interface.
	sim := broker.NewSim(clk.Now)
	exec := broker.NewReliable(sim, broker.ReliableOptions{
		Timeout:     time.Duration(cfg.ExecTimeoutSec) * time.Second,
		MaxAttempts: cfg.ExecMaxRetries,
		RatePerSec:  cfg.ExecRatePerSec,
		Burst:       cfg.ExecBurst,
	})

	eng := engine.Build(exec, store, bus, clk, p, cfg.InitialBalance,
		time.Duration(cfg.TickIntervalSec)*time.Second)
	if err := eng.Recover(ctx); err != nil {
		log.Fatalf("recovery failed: %v", err)
	}
	eng.Start(ctx)

	if cfg.APIEnabled {
		server := api.NewServer(eng, store, bus, api.SystemMeta{
			DryRun:  true,
			Venue:   "sim",
			Version: version,
		}, cfg.JWTSecret)
		go func() {
			if err := server.Start(":" + cfg.Port); err != nil {
				log.Fatalf("api server: %v", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down")
	cancel()
	eng.Stop()
}
