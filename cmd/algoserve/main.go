package main

import (
	"context"
	"log"
	"os"

	"github.com/bottomsky/algoserve/algorithm"
	"github.com/bottomsky/algoserve/catalog"
	"github.com/bottomsky/algoserve/executor"
	"github.com/bottomsky/algoserve/internal/config"
	"github.com/bottomsky/algoserve/internal/server"
	"github.com/bottomsky/algoserve/internal/store"
	"github.com/bottomsky/algoserve/lifecycle"
)

func main() {
	cfg := config.Load()

	// Log to stderr: worker processes share this binary and their stdout
	// carries the task frame protocol.
	logger := config.NewLogger(os.Stderr, cfg.LogLevel)

	registry := algorithm.NewRegistry(logger)

	// Algorithm plugins load before the worker hook so spawned workers see
	// the same catalog as the parent.
	for _, module := range cfg.Modules {
		if err := registry.LoadPlugin(module); err != nil {
			log.Fatalf("load algorithm module: %v", err)
		}
	}
	if cfg.ModuleDir != "" {
		if err := registry.LoadPlugins(cfg.ModuleDir); err != nil {
			log.Fatalf("load algorithm modules: %v", err)
		}
	}

	// In worker mode this runs the task loop and never returns.
	executor.MaybeWorker(registry)

	logger.Info("algoserve: starting",
		"listen_addr", cfg.ListenAddr(),
		"db_path", cfg.DBPath,
		"algorithms", registry.Len(),
	)

	machine := lifecycle.NewMachine(logger)
	ctx := context.Background()

	if err := machine.To(ctx, lifecycle.StateProvisioning, "startup"); err != nil {
		log.Fatalf("lifecycle: %v", err)
	}

	if cfg.MetadataDir != "" {
		if err := registry.LoadOverrides(cfg.MetadataDir); err != nil {
			log.Fatalf("load metadata overrides: %v", err)
		}
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	exec := executor.NewDispatching(executor.Config{
		GlobalMaxWorkers: cfg.GlobalMaxWorkers,
		GlobalQueueSize:  cfg.GlobalQueueSize,
		AdmitTimeout:     cfg.AdmitTimeout,
		DefaultTimeout:   cfg.DefaultTimeout,
		KillGrace:        cfg.KillGrace,
		KillTree:         cfg.KillTree,
	}, logger)

	machine.RegisterHook(lifecycle.Hook{
		Name:   "executor-start",
		Target: lifecycle.StateReady,
		Before: func(context.Context, lifecycle.Transition) error {
			return exec.Start()
		},
	})
	machine.RegisterHook(lifecycle.Hook{
		Name:   "executor-drain",
		Target: lifecycle.StateDraining,
		Before: func(ctx context.Context, _ lifecycle.Transition) error {
			return exec.Shutdown(ctx, true)
		},
	})

	var publisher catalog.Publisher
	if cfg.RegistryEnabled {
		pub := catalog.NewMemoryPublisher()
		publisher = pub
		machine.RegisterHook(lifecycle.Hook{
			Name:   "catalog-publish",
			Target: lifecycle.StateRunning,
			After: func(ctx context.Context, _ lifecycle.Transition) error {
				return pub.Publish(ctx, catalog.Build(cfg.ServiceName, cfg.AdvertisedURL(), registry))
			},
		})
		machine.RegisterHook(lifecycle.Hook{
			Name:   "catalog-deregister",
			Target: lifecycle.StateDraining,
			After: func(ctx context.Context, _ lifecycle.Transition) error {
				return pub.Deregister(ctx, cfg.ServiceName)
			},
		})
	}

	if err := machine.To(ctx, lifecycle.StateReady, "startup"); err != nil {
		log.Fatalf("failed to start executor: %v", err)
	}
	if err := machine.To(ctx, lifecycle.StateRunning, "startup"); err != nil {
		log.Fatalf("lifecycle: %v", err)
	}

	srv := server.NewServer(cfg, registry, exec, machine, db, publisher, logger)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
