// Package main provides the storyprompt server entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm/logger"

	"github.com/thebtf/storyprompt/internal/config"
	gormdb "github.com/thebtf/storyprompt/internal/db/gorm"
	"github.com/thebtf/storyprompt/internal/lifecycle"
	"github.com/thebtf/storyprompt/internal/llm"
	"github.com/thebtf/storyprompt/internal/lock"
	"github.com/thebtf/storyprompt/internal/metrics"
	"github.com/thebtf/storyprompt/internal/milestone"
	"github.com/thebtf/storyprompt/internal/templates"
	"github.com/thebtf/storyprompt/internal/tier1"
	"github.com/thebtf/storyprompt/internal/tier3"
	"github.com/thebtf/storyprompt/internal/watcher"
	"github.com/thebtf/storyprompt/internal/worker"
	"github.com/thebtf/storyprompt/internal/worker/sse"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	debug := flag.Bool("debug", false, "Enable debug logging")
	port := flag.Int("port", 0, "HTTP port (overrides settings)")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

	if err := config.EnsureAll(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure data directory")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load config, using defaults")
		cfg = config.Default()
	}
	if *port > 0 {
		cfg.HTTPPort = *port
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := gormdb.NewStore(gormdb.Config{
		Driver:   cfg.DBDriver,
		Path:     cfg.DBPath,
		DSN:      cfg.DatabaseURL,
		MaxConns: cfg.MaxConns,
		LogLevel: logger.Silent,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer store.Close()

	library := templates.Default()
	if cfg.TemplatesPath != "" {
		library, err = templates.Load(cfg.TemplatesPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.TemplatesPath).Msg("Failed to load template catalog")
		}
	}
	log.Info().Int("templates", library.Len()).Str("path", library.Path()).Msg("Template catalog loaded")
	stopWatchers := startWatchers(library)
	defer stopWatchers()

	stories := gormdb.NewStoryStore(store)
	prompts := gormdb.NewPromptStore(store)
	entitlements := gormdb.NewEntitlementStore(store)
	// A run still marked running past the lock window was orphaned by a crash.
	runs := gormdb.NewMilestoneStore(store).WithStaleAfter(cfg.Tier3Timeout() + 2*time.Minute)
	recorder := metrics.New()
	broadcaster := sse.NewBroadcaster()

	manager := lifecycle.NewManager(prompts, entitlements, lifecycle.Config{
		Metrics:     recorder,
		Notifier:    broadcaster,
		PromptTTL:   cfg.PromptTTL(),
		AnalysisTTL: cfg.Tier3TTL(),
	})

	dispatcher := tier3.NewDispatcher(
		tier3.NewRunner(tier3.Deps{
			Analyzer:     tier3.NewModelAnalyzer(newCompleter(cfg)),
			Stories:      stories,
			Prompts:      prompts,
			Runs:         runs,
			Entitlements: entitlements,
			Metrics:      recorder,
			Notifier:     broadcaster,
		}, tier3.Options{
			BannedPhrases:    cfg.BannedPhrases,
			Timeout:          cfg.Tier3Timeout(),
			TTL:              cfg.Tier3TTL(),
			MaxCorpusTokens:  cfg.Tier3MaxTokens,
			MaxPrompts:       cfg.Tier3MaxPrompts,
			PaywallMilestone: cfg.PaywallMilestone,
		}),
		newLocker(ctx, cfg),
		cfg.Tier3Workers,
	)

	pipeline := lifecycle.NewPipeline(
		stories,
		manager,
		tier1.NewGenerator(library, stories, prompts, cfg.PromptTTL()),
		milestone.NewDetector(stories, cfg.Milestones),
		dispatcher,
		library,
	)

	svc := worker.NewService(Version, cfg, worker.Components{
		Store:       store,
		Stories:     stories,
		Profiles:    gormdb.NewProfileStore(store),
		Runs:        runs,
		Manager:     manager,
		Pipeline:    pipeline,
		Broadcaster: broadcaster,
	})
	sweeper := lifecycle.NewSweeper(manager, cfg.ExpirySweepInterval())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Start(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })

	log.Info().Str("version", Version).Int("port", cfg.HTTPPort).Str("db_driver", store.Driver()).Msg("Starting storyprompt")
	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Tier3Timeout()+5*time.Second)
	defer cancel()
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Analysis runs did not finish before shutdown")
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error().Err(runErr).Msg("storyprompt stopped with error")
		store.Close()
		os.Exit(1)
	}
	log.Info().Msg("storyprompt stopped")
}

// newCompleter returns the model client, or a disabled one when no API key
// is configured. Tier-3 runs then fail and are retried at the next milestone.
func newCompleter(cfg *config.Config) llm.Completer {
	if cfg.OpenAIAPIKey == "" {
		log.Warn().Msg("No OpenAI API key configured, Tier-3 analysis disabled")
		return llm.Disabled{}
	}
	return llm.NewClient(llm.Config{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.Model,
	})
}

// newLocker uses Redis when configured and reachable, otherwise an
// in-process lock.
func newLocker(ctx context.Context, cfg *config.Config) lock.Locker {
	if cfg.RedisAddr == "" {
		return lock.NewLocal()
	}
	r := lock.NewRedis(cfg.RedisAddr)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.Ping(pingCtx); err != nil {
		log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("Redis unavailable, using in-process analysis lock")
		_ = r.Close()
		return lock.NewLocal()
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("Using Redis analysis lock")
	return r
}

// startWatchers reloads the template catalog when its file changes and
// warns when settings change, since those apply only on restart.
func startWatchers(library *templates.Library) func() {
	var watchers []*watcher.Watcher

	if path := library.Path(); path != "" {
		w, err := watcher.New(path, func() {
			if err := library.Reload(); err != nil {
				log.Error().Err(err).Str("path", path).Msg("Template catalog reload failed, keeping previous catalog")
				return
			}
			log.Info().Str("path", path).Int("templates", library.Len()).Msg("Template catalog reloaded")
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to create template watcher")
		} else if err := w.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start template watcher")
		} else {
			watchers = append(watchers, w)
		}
	}

	settingsPath := config.SettingsPath()
	w, err := watcher.New(settingsPath, func() {
		log.Warn().Str("path", settingsPath).Msg("Settings changed, restart to apply")
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create settings watcher")
	} else if err := w.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start settings watcher")
	} else {
		watchers = append(watchers, w)
	}

	return func() {
		for _, w := range watchers {
			w.Stop()
		}
	}
}
