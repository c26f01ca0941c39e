// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command slack-telegram-gate mirrors messages between Slack channels and
// Telegram chats, keeping replies in the matching thread on both sides.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exhttp"
	"go.mau.fi/util/exzerolog"
	"golang.org/x/sync/errgroup"
	flag "maunium.net/go/mauflag"

	"github.com/imhassla/slack-telegram-gate/pkg/correlation"
	"github.com/imhassla/slack-telegram-gate/pkg/gate"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const (
	Name    = "slack-telegram-gate"
	Version = "0.1.0"
)

var configPath = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
var generateConfig = flag.MakeFull("g", "generate-config", "Save the example config to the config path and quit.", "false").Bool()
var dontSaveConfig = flag.MakeFull("n", "no-update", "Don't save the upgraded config to disk.", "false").Bool()
var version = flag.MakeFull("v", "version", "View version and quit.", "false").Bool()
var wantHelp, _ = flag.MakeHelpFlag()

// shutdownTimeout bounds each shutdown step.
var shutdownTimeout = 30 * time.Second

func main() {
	flag.SetHelpTitles(
		fmt.Sprintf("%s - Slack and Telegram message gate", Name),
		fmt.Sprintf("%s [-hgnv] [-c <path>]", Name),
	)
	err := flag.Parse()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *version {
		fmt.Printf("%s %s (tag %s, commit %s, built %s)\n", Name, Version, Tag, Commit, BuildTime)
		return
	} else if *generateConfig {
		if err = os.WriteFile(*configPath, []byte(gate.ExampleConfig), 0o600); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "Failed to write example config:", err)
			os.Exit(2)
		}
		fmt.Println("Wrote example config to", *configPath)
		return
	}

	cfg, err := gate.LoadConfig(*configPath, !*dontSaveConfig)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(10)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(11)
	}
	exzerolog.SetupDefaults(log)
	log.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Msg("Initializing " + Name)

	if err = run(*log, cfg, *configPath); err != nil {
		log.Fatal().Err(err).Msg("Gate stopped with error")
	}
	log.Info().Msg("Gate stopped")
}

func run(log zerolog.Logger, cfg *gate.Config, configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := correlation.Open(ctx, cfg.Database, log)
	if err != nil {
		return fmt.Errorf("failed to open correlation store: %w", err)
	}
	barrier := correlation.NewBarrier()
	serializer := correlation.NewSerializer(store, barrier, log)
	serializer.MaxAttempts = cfg.Database.MaxAttempts
	// The worker outlives ctx so queued mappings are written during shutdown.
	serializer.Start(context.Background())

	resolver := gate.NewResolver(store, serializer, barrier, log)
	resolver.SecondaryDelay = cfg.Settings.SecondaryLookupDelay

	exhttp.AutoAllowCORS = false
	httpClient := exhttp.SensibleClientSettings.Compile()
	slackPool := gate.NewSlackPool(cfg.Settings.SlackAPIURL, httpClient)
	registry := gate.NewProjectRegistry(slackPool, configPath, log)
	registry.Load(ctx, cfg.Channels)

	gate.SetTelegramLogger(log)
	bot, err := gate.NewTelegramBot(cfg.Settings.TelegramBotToken, cfg.Settings.TelegramAPIURL, httpClient)
	if err != nil {
		return errors.Join(err, shutdown(log, nil, serializer, store))
	}
	telegram := gate.NewTelegramSender(bot, cfg.Settings.TelegramAPIURL, httpClient)
	g := gate.New(registry, resolver, telegram, slackPool, log)

	eg, egCtx := errgroup.WithContext(ctx)
	events := gate.NewSlackEventsHandler(g, cfg.Settings.SlackSigningSecret, log)
	eventsLog := log.With().Str("component", "events_api").Logger()
	eventsServer := gate.NewHTTPServer(cfg.Settings.ListenAddr, gate.NewEventsMux(cfg.Settings.EventsPath, events), eventsLog)
	eg.Go(func() error {
		return gate.Serve(egCtx, eventsServer, eventsLog)
	})
	if cfg.Settings.AdminAPIAddr != "" {
		admin := gate.NewAdmin(registry, serializer, barrier, log)
		adminLog := log.With().Str("component", "admin_api").Logger()
		adminServer := gate.NewHTTPServer(cfg.Settings.AdminAPIAddr, admin.Handler(), adminLog)
		eg.Go(func() error {
			return gate.Serve(egCtx, adminServer, adminLog)
		})
	}
	receiver := gate.NewTelegramReceiver(bot, g, log)
	eg.Go(func() error {
		return receiver.Run(egCtx)
	})
	eg.Go(func() error {
		return registry.Watch(egCtx, cfg.Settings.ReloadInterval)
	})

	log.Info().
		Int("projects", registry.Count()).
		Str("listen_addr", cfg.Settings.ListenAddr).
		Str("events_path", cfg.Settings.EventsPath).
		Msg("Gate started")
	runErr := eg.Wait()
	log.Info().Msg("Shutting down")
	return errors.Join(runErr, shutdown(log, g, serializer, store))
}

// shutdown waits for in-flight events, drains the write queue and closes
// the store, in that order. Each step gets its own timeout. The store stays
// open if the queue could not be drained, since the worker may still be
// writing.
func shutdown(log zerolog.Logger, g *gate.Gate, serializer *correlation.Serializer, store *correlation.Store) error {
	if g != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := g.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("Abandoning unfinished events")
		}
		cancel()
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := serializer.Stop(ctx); err != nil {
		log.Err(err).Int("queued", serializer.Len()).Msg("Failed to drain mapping queue, leaving store open")
		return err
	}
	return store.Close()
}
