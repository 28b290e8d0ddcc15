// parley - a streaming multi-entity chat client and its development backend.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/parley/internal/cli"
	"github.com/jeranaias/parley/internal/config"
	"github.com/jeranaias/parley/internal/logging"
	"github.com/jeranaias/parley/internal/model"
	"github.com/jeranaias/parley/internal/server"
	"github.com/jeranaias/parley/internal/storage"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	cmd, args, err := cli.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n%s\n", err, cli.Usage)
		os.Exit(2)
	}

	switch cmd {
	case cli.CmdHelp:
		fmt.Println(cli.Usage)
		return
	case cli.CmdVersion:
		fmt.Printf("parley %s (%s, %s)\n", Version, GitCommit, BuildDate)
		return
	case cli.CmdConfig:
		// init and path must work while the file is missing or broken.
		if args.Sub != "show" {
			if err := cli.RunConfig(args, nil, os.Stdout); err != nil {
				fmt.Fprintf(os.Stderr, "%s %v\n", cli.ErrorStyle.Render("Error:"), err)
				os.Exit(1)
			}
			return
		}
	}

	cfg, cfgPath, err := loadConfig(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(3)
	}

	switch cmd {
	case cli.CmdConfig:
		err = cli.RunConfig(args, cfg, os.Stdout)
	case cli.CmdServe:
		err = runServe(args, cfg)
	case cli.CmdConversations:
		err = runWithFileLog(cfg, func(ctx context.Context, log zerolog.Logger) error {
			return cli.RunConversations(ctx, args, cli.NewBackendClient(cfg, log), os.Stdout, log)
		})
	default:
		err = runWithFileLog(cfg, func(ctx context.Context, log zerolog.Logger) error {
			return cli.RunChat(ctx, args, cfg, cfgPath, log)
		})
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", cli.ErrorStyle.Render("Error:"), err)
		os.Exit(1)
	}
}

// loadConfig reads --config or the default config file, then applies the
// command-line overrides. The returned path is watched for changes; it is
// empty when no file exists.
func loadConfig(args cli.Args) (*config.Config, string, error) {
	var (
		cfg  *config.Config
		path = args.ConfigPath
		err  error
	)
	if path != "" {
		cfg, err = config.LoadFromPath(path)
		if err != nil {
			return nil, "", err
		}
	} else {
		cfg, err = config.Load()
		if err != nil {
			if cfg == nil {
				return nil, "", err
			}
			fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
		}
		if p, perr := config.ConfigPathTOML(); perr == nil {
			if _, serr := os.Stat(p); serr == nil {
				path = p
			}
		}
	}

	if args.BackendURL != "" {
		cfg.Backend.URL = args.BackendURL
	}
	if args.LogLevel != "" {
		cfg.Log.Level = args.LogLevel
	}
	if args.Listen != "" {
		cfg.Server.Listen = args.Listen
	}
	if args.DBPath != "" {
		cfg.Server.DBPath = args.DBPath
	}
	return cfg, path, nil
}

// runWithFileLog runs fn with logs going to the log file, leaving the
// terminal to the client. SIGTERM cancels the context; Ctrl+C is handled by
// the REPL itself.
func runWithFileLog(cfg *config.Config, fn func(context.Context, zerolog.Logger) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	path := cfg.Log.File
	if path == "" {
		if dir, err := config.ConfigDir(); err == nil {
			path = filepath.Join(dir, "parley.log")
		}
	}
	log := zerolog.Nop()
	if path != "" {
		l, f, err := logging.OpenFile(path, cfg.Log.Level)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: logging disabled: %v\n", err)
		} else {
			defer f.Close()
			log = l
		}
	}
	return fn(ctx, log)
}

// runServe runs the development backend until SIGINT or SIGTERM.
func runServe(args cli.Args, cfg *config.Config) error {
	log := logging.New(os.Stderr, cfg.Log.Level)
	if cfg.Log.File != "" {
		l, f, err := logging.OpenFile(cfg.Log.File, cfg.Log.Level)
		if err != nil {
			return err
		}
		defer f.Close()
		log = l
	}

	dbPath := cfg.Server.DBPath
	if dbPath == "" {
		dir, err := config.ConfigDir()
		if err != nil {
			return err
		}
		dbPath = filepath.Join(dir, "parley.db")
	}
	store, err := storage.Open(dbPath, logging.Component(log, logging.Storage))
	if err != nil {
		return err
	}
	defer store.Close()

	entities := make([]model.Entity, 0, len(cfg.Server.Entities))
	for _, e := range cfg.Server.Entities {
		entities = append(entities, model.Entity{ID: e.ID, Name: e.Name, Model: e.Model, Description: e.Description})
	}
	defaultIDs := cfg.Session.EntityIDs
	if len(defaultIDs) == 0 && len(entities) > 0 {
		defaultIDs = []string{entities[0].ID}
	}
	if err := store.SyncEntities(context.Background(), entities); err != nil {
		return err
	}

	gen, err := newGenerator(args.Generator, cfg, log)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Options{
		Store:            store,
		Generator:        gen,
		Listen:           cfg.Server.Listen,
		APIKey:           cfg.Backend.APIKey,
		Logger:           log,
		DefaultEntityIDs: defaultIDs,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown requested")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// newGenerator picks the answer generator. Without a name, an OpenAI key
// selects OpenAI and otherwise the echo generator is used.
func newGenerator(name string, cfg *config.Config, log zerolog.Logger) (server.Generator, error) {
	if name == "" {
		name = "echo"
		if cfg.Server.OpenAIKey != "" {
			name = "openai"
		}
	}
	switch name {
	case "echo":
		return server.EchoGenerator{Delay: 15 * time.Millisecond}, nil
	case "openai":
		if cfg.Server.OpenAIKey == "" && cfg.Server.OpenAIBaseURL == "" {
			return nil, errors.New("openai generator needs server.openai_key or PARLEY_OPENAI_KEY")
		}
		return server.NewOpenAIGenerator(cfg.Server.OpenAIKey, cfg.Server.OpenAIBaseURL,
			logging.Component(log, logging.Backend)), nil
	default:
		return nil, fmt.Errorf("unknown generator %q (echo or openai)", name)
	}
}
