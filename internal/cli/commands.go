// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/parley/internal/backend"
	"github.com/jeranaias/parley/internal/config"
	"github.com/jeranaias/parley/internal/conversations"
	"github.com/jeranaias/parley/internal/logging"
)

// NewBackendClient builds a backend client from the [backend] section.
func NewBackendClient(cfg *config.Config, log zerolog.Logger) *backend.Client {
	return backend.NewClient(&backend.ClientConfig{
		BaseURL:   cfg.Backend.URL,
		APIKey:    cfg.Backend.APIKey,
		Timeout:   time.Duration(cfg.Backend.TimeoutSecs) * time.Second,
		RateLimit: cfg.Backend.RateLimitPerSec,
		Burst:     cfg.Backend.Burst,
	}, logging.Component(log, logging.Backend))
}

// RunChat runs the interactive client. When configPath is set, edits to the
// file apply to later turns without a restart.
func RunChat(ctx context.Context, args Args, cfg *config.Config, configPath string, log zerolog.Logger) error {
	historyFile := ""
	if dir, err := config.ConfigDir(); err == nil {
		historyFile = filepath.Join(dir, "chat_history")
	}
	input := NewChatCLI(historyFile)
	defer input.Close()

	app, err := NewApp(AppOptions{
		Backend: NewBackendClient(cfg, log),
		Config:  cfg,
		Input:   input,
		Picker:  !args.NoPicker && Interactive(),
		Logger:  logging.Component(log, logging.Turn),
	})
	if err != nil {
		return err
	}

	if configPath != "" {
		cfgLog := logging.Component(log, logging.Config)
		go func() {
			err := config.Watch(ctx, configPath, config.DefaultWatchDebounce,
				func(c *config.Config) {
					cfgLog.Info().Str("path", configPath).Msg("config reloaded")
					app.ApplyConfig(c)
				},
				func(err error) {
					cfgLog.Warn().Err(err).Msg("config reload rejected")
				})
			if err != nil {
				cfgLog.Warn().Err(err).Msg("config watch stopped")
			}
		}()
	}

	if err := app.Start(ctx, args.Open); err != nil {
		return err
	}
	return app.Run(ctx)
}

// RunConversations lists, shows or deletes conversations without entering
// the REPL.
func RunConversations(ctx context.Context, args Args, b Backend, out io.Writer, log zerolog.Logger) error {
	index := conversations.NewIndex(b, log)
	if _, err := index.Reload(ctx); err != nil {
		return err
	}

	switch args.Sub {
	case "list":
		items := index.Items()
		if args.JSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(items)
		}
		fmt.Fprintln(out, FormatConversationList(items, "", time.Now()))
		return nil

	case "show":
		meta, err := index.Resolve(args.Target)
		if err != nil {
			return err
		}
		conv, err := b.GetConversation(ctx, meta.ID)
		if err != nil {
			return err
		}
		entities, err := b.ListEntities(ctx)
		if err != nil {
			return err
		}
		sink := NewTerminalSink(out, SinkOptions{}, log)
		sink.SetEntities(entities)
		sink.OnConversationLoaded(conv.Meta(), conv.Snapshot())
		return nil

	case "delete":
		meta, err := index.Resolve(args.Target)
		if err != nil {
			return err
		}
		if err := b.DeleteConversation(ctx, meta.ID); err != nil {
			return err
		}
		fmt.Fprintf(out, "Deleted %s (%s)\n", meta.ID, meta.Title)
		return nil
	}
	return fmt.Errorf("unknown conversations subcommand %q", args.Sub)
}

// RunConfig prints the effective config or its path, or writes a default
// config file. cfg is only read by show.
func RunConfig(args Args, cfg *config.Config, out io.Writer) error {
	path, err := configTarget(args)
	if err != nil {
		return err
	}

	switch args.Sub {
	case "show":
		fmt.Fprint(out, cfg.String())
		return nil

	case "path":
		fmt.Fprintln(out, path)
		return nil

	case "init":
		if _, err := os.Stat(path); err == nil && !args.Force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		def := config.Default()
		switch {
		case strings.HasSuffix(path, ".json"):
			err = config.SaveJSON(def, path)
		case args.ConfigPath == "":
			err = config.Save(def)
		default:
			err = config.SaveTOML(def, path)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Wrote %s\n", path)
		return nil
	}
	return fmt.Errorf("unknown config subcommand %q", args.Sub)
}

// configTarget is --config when given, else the default TOML file, or the
// default JSON file with --json.
func configTarget(args Args) (string, error) {
	if args.ConfigPath != "" {
		return args.ConfigPath, nil
	}
	if args.JSON {
		return config.ConfigPathJSON()
	}
	return config.ConfigPathTOML()
}
