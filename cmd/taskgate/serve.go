package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/taskgate/taskgate/internal/api"
	"github.com/taskgate/taskgate/internal/approval"
	"github.com/taskgate/taskgate/internal/authn"
	"github.com/taskgate/taskgate/internal/compiler"
	"github.com/taskgate/taskgate/internal/config"
	"github.com/taskgate/taskgate/internal/dispatch"
	"github.com/taskgate/taskgate/internal/events"
	"github.com/taskgate/taskgate/internal/runner"
	"github.com/taskgate/taskgate/internal/sandbox"
	"github.com/taskgate/taskgate/internal/secrets"
	"github.com/taskgate/taskgate/internal/store/sqlite"
	"github.com/taskgate/taskgate/internal/toolcache"
)

// specPruneInterval is how often expired spec cache entries are removed.
const specPruneInterval = time.Hour

func cmdServe(args []string) error {
	ctx, cancel := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM,
	)
	defer cancel()

	cfg := loadConfig()
	applyFlags(cfg, args)

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	db, err := sqlite.New(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	enc, err := secrets.NewAgeEncryptor(cfg.AgeKeyPath)
	if err != nil {
		return err
	}

	// Seed the store from YAML config if the file exists.
	if cfg.ConfigFile != "" {
		if _, err := os.Stat(cfg.ConfigFile); err == nil {
			fileCfg, err := config.LoadFile(cfg.ConfigFile)
			if err != nil {
				return err
			}
			if err := config.Apply(ctx, db, enc, fileCfg); err != nil {
				return err
			}
			logger.Info("loaded config", "file", cfg.ConfigFile)
		}
	}

	var vault secrets.VaultReader
	if cfg.VaultURL != "" {
		vault = &secrets.HTTPVaultReader{BaseURL: cfg.VaultURL, Token: cfg.VaultToken}
	}
	resolver := secrets.NewResolver(db, enc, vault)

	bus := events.NewBus()
	eventLog := events.NewLog(db, bus)

	specCache := compiler.NewSpecCache(db, nil, logger)
	comp := compiler.New(specCache, nil, logger)
	tc := toolcache.New(db, comp, logger)

	dispatcher := dispatch.New(db, tc, resolver, eventLog, logger)
	coordinator := approval.NewCoordinator(db, eventLog, logger)

	registry := sandbox.NewRegistry()
	registry.Register(sandbox.RuntimeJavaScript, sandbox.NewJSRuntime())

	run := runner.New(db, registry, dispatcher, eventLog, logger)
	scheduler := runner.NewScheduler(db, run, registry, eventLog, logger)

	verifier, anon, err := buildAuth(cfg, logger)
	if err != nil {
		return err
	}

	router := api.NewRouter(api.RouterDeps{
		Store:         db,
		Scheduler:     scheduler,
		Invoker:       dispatcher,
		ToolCache:     tc,
		Coordinator:   coordinator,
		Bus:           bus,
		EventLog:      eventLog,
		Encryptor:     enc,
		Verifier:      verifier,
		Anon:          anon,
		BaseURL:       cfg.ExternalURL,
		InternalToken: cfg.InternalToken,
		Logger:        logger,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		if err := scheduler.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(specPruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := specCache.Prune(gctx, 64); err != nil {
					logger.Warn("spec cache prune failed", "error", err)
				}
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down http server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// buildAuth wires bearer verification. A remote issuer takes precedence;
// otherwise the anonymous self-issued flow can be enabled, with tokens
// verified against our own JWKS endpoint.
func buildAuth(cfg *Config, logger *slog.Logger) (*authn.Verifier, *authn.AnonServer, error) {
	if cfg.OAuthIssuer != "" {
		return authn.NewVerifier(cfg.OAuthIssuer, nil, logger), nil, nil
	}
	if !cfg.AnonAuth {
		return nil, nil, nil
	}
	key, err := authn.LoadOrCreateSigningKey(cfg.SigningKeyPath)
	if err != nil {
		return nil, nil, err
	}
	anon := authn.NewAnonServer(cfg.ExternalURL, key, logger)
	return authn.NewVerifier(anon.Issuer(), nil, logger), anon, nil
}
