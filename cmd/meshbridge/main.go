// meshbridge - A many-channel chat bridge.
// Copyright (C) 2026 Meshbridge contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/meshbridge/meshbridge/pkg/bridge"
	"github.com/meshbridge/meshbridge/pkg/storage"
)

func main() {
	app := &cli.App{
		Name:    "meshbridge",
		Usage:   "Bridge many chat channels into one front end",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   "config.yaml",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "generate-config",
				Usage:  "Write the example config to stdout",
				Action: generateConfig,
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func generateConfig(_ *cli.Context) error {
	example, _ := bridge.GetConfig()
	_, err := os.Stdout.WriteString(example)
	return err
}

func makeLogger(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Stamp}).
		With().Timestamp().Logger().Level(level)
}

func run(cliCtx *cli.Context) error {
	log := makeLogger(cliCtx.Bool("debug"))
	cfgPath := cliCtx.String("config")

	cfg, err := bridge.LoadConfig(cfgPath)
	if err != nil {
		return err
	}

	db, err := storage.OpenDatabase(cfg.Database.Path, log)
	if err != nil {
		return err
	}
	defer db.Close()

	store := storage.NewStore(db, log)
	ctx := context.Background()
	if err = store.EnsureSchema(ctx); err != nil {
		return err
	}

	registry := bridge.NewRegistry()
	front, err := loadFrontEnd(cfg)
	if err != nil {
		return err
	}

	br := bridge.New(cfg, registry, front, store, log)
	br.Start(ctx)

	stopWatch, err := bridge.WatchConfig(cfgPath, log, func(newCfg *bridge.Config) {
		// Only logged for now; routing config is picked up on restart.
		log.Info().Msg("Config change detected, restart to apply routing changes")
	})
	if err != nil {
		log.Warn().Err(err).Msg("Config hot-reload unavailable")
	} else {
		defer stopWatch()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("Shutting down")
	br.Stop()
	return nil
}

// loadFrontEnd resolves the front-end transport. Transports register
// themselves as plugins; a build without one can still run schema setup and
// config generation but cannot bridge.
func loadFrontEnd(cfg *bridge.Config) (bridge.FrontEnd, error) {
	fe := bridge.RegisteredFrontEnd(cfg.FrontEndChannelID)
	if fe == nil {
		return nil, fmt.Errorf("no front-end transport registered for channel %q", cfg.FrontEndChannelID)
	}
	return fe, nil
}
