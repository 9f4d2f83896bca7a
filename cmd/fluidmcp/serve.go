package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fluidmcp/fluidmcp/internal/api"
	"github.com/fluidmcp/fluidmcp/internal/cache"
	"github.com/fluidmcp/fluidmcp/internal/config"
	"github.com/fluidmcp/fluidmcp/internal/gateway"
	"github.com/fluidmcp/fluidmcp/internal/llm"
	"github.com/fluidmcp/fluidmcp/internal/mcp"
	"github.com/fluidmcp/fluidmcp/internal/oauth"
	"github.com/fluidmcp/fluidmcp/internal/registry"
	"github.com/fluidmcp/fluidmcp/internal/secrets"
	"github.com/fluidmcp/fluidmcp/internal/store"
	"github.com/fluidmcp/fluidmcp/internal/store/memory"
	"github.com/fluidmcp/fluidmcp/internal/store/sqlite"
	"github.com/fluidmcp/fluidmcp/internal/supervisor"
)

// registrySource defers the registry reference so the supervisor and the
// registry, which depend on each other through interfaces, can be built
// in sequence.
type registrySource struct {
	reg *registry.Registry
}

func (s *registrySource) Get(ctx context.Context, id string) (*store.ServerConfig, error) {
	return s.reg.Get(ctx, id)
}

func cmdServe() error {
	ctx, cancel := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM,
	)
	defer cancel()

	cfg := loadConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		logger.Warn("create data dir", "path", cfg.DataDir, "error", err)
	}

	enc, err := secrets.NewAgeEncryptor(cfg.AgeKeyPath)
	if err != nil {
		logger.Warn("age key unavailable, using ephemeral key", "path", cfg.AgeKeyPath, "error", err)
		enc, err = secrets.NewEphemeralEncryptor()
		if err != nil {
			return err
		}
	}

	// A broken database never blocks boot: fall back to the in-memory
	// store and keep serving.
	var st store.Store
	storeKind := "sqlite"
	db, err := sqlite.New(ctx, cfg.DBPath, enc)
	if err != nil {
		logger.Warn("sqlite unavailable, falling back to in-memory store", "path", cfg.DBPath, "error", err)
		st = memory.New()
		storeKind = "memory"
	} else {
		st = db
	}
	defer func() { _ = st.Close() }()

	// Supervisor and registry reference each other through interfaces;
	// the source indirection closes the loop.
	src := &registrySource{}
	var (
		reg   *registry.Registry
		tools *cache.ToolCache
	)
	sup := supervisor.New(src, st, supervisor.Config{
		OnReady: func(serverID string, ts []mcp.Tool, raw json.RawMessage) {
			tools.Refresh(serverID, ts, raw)
			refreshCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := reg.SetTools(refreshCtx, serverID, raw); err != nil {
				logger.Warn("persist tools hint", "server", serverID, "error", err)
			}
		},
	}, logger)
	reg = registry.New(st, sup, nil, logger)
	src.reg = reg
	tools = cache.NewToolCache(sup)

	models := llm.NewManager(supervisor.DefaultAllowedCommands(), logger)
	defer models.Shutdown()

	broker := oauth.NewBroker(cfg.BaseURL, logger)
	defer broker.Close()

	proxy := gateway.NewProxy(reg, sup, tools, logger)
	authRoutes := gateway.NewAuthRoutes(reg, broker, logger)
	mux := gateway.NewMux(proxy, authRoutes, nil, logger)
	mux.SetAdmin(api.NewRouter(api.RouterDeps{
		Registry:   reg,
		Supervisor: sup,
		Tools:      tools,
		LLM:        models,
		Mounter:    mux,
		Store:      st,
		StoreKind:  storeKind,
		Version:    version,
	}))

	if err := boot(ctx, cfg, reg, st, models, sup, mux, logger); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              "0.0.0.0:" + strconv.Itoa(cfg.Port),
		Handler:           api.Chain(mux, cfg.APIToken),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      120 * time.Second, // proxy calls may run long
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", srv.Addr, "store", storeKind, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		sup.Shutdown(shutdownCtx)
		return err
	case err := <-errCh:
		return err
	}
}

// boot imports the YAML config, mounts routes for every registered
// server, and starts auto-start servers in parallel, all bounded by the
// startup budget.
func boot(ctx context.Context, cfg *Config, reg *registry.Registry, st store.Store, models *llm.Manager, sup *supervisor.Supervisor, mux *gateway.Mux, logger *slog.Logger) error {
	bootCtx, cancel := context.WithTimeout(ctx, cfg.StartupTimeout)
	defer cancel()

	if cfg.ConfigFile != "" {
		if _, err := os.Stat(cfg.ConfigFile); err == nil {
			fileCfg, err := config.LoadFile(cfg.ConfigFile)
			if err != nil {
				return err
			}
			if err := config.Apply(bootCtx, fileCfg, reg, st, models); err != nil {
				return err
			}
			logger.Info("loaded config", "file", cfg.ConfigFile,
				"servers", len(fileCfg.Servers), "models", len(fileCfg.Models))
		}
	}

	servers, err := reg.List(bootCtx, store.ListServersOptions{})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(bootCtx)
	for _, s := range servers {
		mux.Mount(s.ID, s.Auth != nil)
		if !s.Enabled || !s.AutoStart {
			continue
		}
		id := s.ID
		g.Go(func() error {
			if err := sup.Start(gctx, id); err != nil {
				// Boot keeps going when one server fails to start.
				logger.Warn("boot auto-start failed", "server", id, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}
