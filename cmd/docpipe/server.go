package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/docpipe/docpipe/pkg/api"
	"github.com/docpipe/docpipe/pkg/broker"
	"github.com/docpipe/docpipe/pkg/config"
	"github.com/docpipe/docpipe/pkg/documents"
	"github.com/docpipe/docpipe/pkg/events"
	"github.com/docpipe/docpipe/pkg/log"
	"github.com/docpipe/docpipe/pkg/plugin"
	"github.com/docpipe/docpipe/pkg/scheduler"
	"github.com/docpipe/docpipe/pkg/shutdown"
	"github.com/docpipe/docpipe/pkg/storage"
	"github.com/docpipe/docpipe/pkg/types"
	"github.com/docpipe/docpipe/pkg/worker"
	"github.com/docpipe/docpipe/pkg/workflow"

	// Built-in plugins register themselves at import time.
	_ "github.com/docpipe/docpipe/pkg/plugins/textstats"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the orchestrator",
	Long: `Run the orchestrator: load plugins, serve the REST and SSE API and,
unless disabled, host the worker pool in the same process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if v, _ := cmd.Flags().GetString("listen"); v != "" {
			cfg.ListenAddr = v
		}
		if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
			cfg.DataDir = v
		}
		if v, _ := cmd.Flags().GetString("redis-url"); v != "" {
			cfg.RedisURL = v
		}

		return runServer(cmd.Context(), cfg)
	},
}

func init() {
	serverCmd.Flags().String("config", "", "Path to YAML config file")
	serverCmd.Flags().String("listen", "", "HTTP listen address (overrides config)")
	serverCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	serverCmd.Flags().String("redis-url", "", "Redis URL (overrides config)")
}

func runServer(ctx context.Context, cfg *config.Config) error {
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	logger := log.WithComponent("main")
	logger.Info().Str("version", Version).Str("data_dir", cfg.DataDir).Msg("starting docpipe")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return err
	}

	bus := events.NewBus(&events.Config{
		BufferMaxSize: cfg.RingBufferSize,
		BufferMaxAge:  cfg.RingBufferAge,
		InboxSize:     cfg.ClientInboxSize,
	})
	bus.SetPersister(store)

	b, err := broker.New(cfg.RedisURL)
	if err != nil {
		store.Close()
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = b.Ping(pingCtx)
	cancel()
	if err != nil {
		store.Close()
		return fmt.Errorf("redis unreachable: %w", err)
	}

	bridge := broker.NewBridge(b, bus)
	bridge.Start(ctx)

	registry := plugin.NewRegistry()
	docs := documents.NewService(store, bus, cfg.StorageRoot)
	sources := documents.NewSourceService(store, bus)
	wf := workflow.NewService(store, registry)
	filter := workflow.NewFilter(wf, docs)

	loader := plugin.NewLoader(registry, bus, store, filter.WrapHandler)
	if err := loader.LoadAll(ctx, plugin.Builders()); err != nil {
		// Broken plugins are reported and parked in the error state;
		// the rest of the system runs without them.
		logger.Error().Err(err).Msg("some plugins failed to load")
	}

	disp := scheduler.NewDispatcher(store, registry, b, bus, wf)
	wireDispatch(bus, registry, disp, filter)

	var workers shutdown.Workers
	if cfg.EmbeddedWorker {
		rt := worker.NewRuntime(store, b, registry, docs)
		rt.Start(ctx)
		workers = rt
	}

	auth, err := newTokenAuth(store, cfg.AuthTokens)
	if err != nil {
		store.Close()
		return err
	}

	srv := api.NewServer(api.Config{
		Addr:           cfg.ListenAddr,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Version:        Version,
	}, bus, store, wf, disp, docs, sources, registry, loader, auth)
	srv.Start()

	// Announce only; the startup event carries no durable information.
	bus.Emit(ctx, types.EventSystemStartup, "core:system", map[string]any{
		"app":             cfg.AppName,
		"version":         Version,
		"plugins_active":  registry.ActiveCount(),
		"embedded_worker": cfg.EmbeddedWorker,
	}, events.WithSeverity(types.SeveritySuccess), events.WithoutPersist())

	coord := shutdown.NewCoordinator(cfg.ShutdownTimeout, bus, store, registry, bridge, workers, disp, filter)
	coord.AddCloser(func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	coord.AddCloser(b.Close)
	coord.AddCloser(store.Close)
	coord.Wait(ctx)
	return nil
}

// wireDispatch subscribes a document.created handler per plugin. The
// routing filter drops deliveries for plugins outside the document's
// resolved workflow, so every plugin can safely listen.
func wireDispatch(bus *events.Bus, registry *plugin.Registry, disp *scheduler.Dispatcher, filter *workflow.Filter) {
	for _, inst := range registry.List() {
		name := inst.Meta.Name
		bus.Subscribe(types.EventDocumentCreated,
			filter.WrapHandler(name, types.EventDocumentCreated, disp.Handler(name)))
	}
}

// tokenAuth resolves configured bearer tokens to stored users.
type tokenAuth struct {
	store  storage.Store
	tokens map[string]string // token -> user id
}

// newTokenAuth ensures a user record exists for every configured token
// and builds the token index.
func newTokenAuth(store storage.Store, tokenEmails map[string]string) (*tokenAuth, error) {
	ta := &tokenAuth{store: store, tokens: make(map[string]string)}
	for token, email := range tokenEmails {
		user, err := store.GetUserByEmail(email)
		if errors.Is(err, storage.ErrNotFound) {
			user = &types.User{
				ID:        uuid.New().String(),
				Email:     email,
				IsActive:  true,
				CreatedAt: time.Now(),
				UpdatedAt: time.Now(),
			}
			if err := store.CreateUser(user); err != nil {
				return nil, fmt.Errorf("failed to create user %s: %w", email, err)
			}
		} else if err != nil {
			return nil, err
		}
		ta.tokens[token] = user.ID
	}
	return ta, nil
}

func (ta *tokenAuth) UserFromToken(token string) (*types.User, error) {
	userID, ok := ta.tokens[token]
	if !ok {
		return nil, storage.ErrNotFound
	}
	user, err := ta.store.GetUser(userID)
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, storage.ErrNotFound
	}
	return user, nil
}
