package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/c360studio/foreman/agent"
	"github.com/c360studio/foreman/board"
	"github.com/c360studio/foreman/config"
	"github.com/c360studio/foreman/dispatcher"
	"github.com/c360studio/foreman/ingester"
	"github.com/c360studio/foreman/orchestrator"
	"github.com/c360studio/foreman/queue"
	"github.com/c360studio/foreman/registry"
	"github.com/c360studio/foreman/server"
	"github.com/c360studio/foreman/store"
)

// app wires the core components from configuration.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	rdb      *redis.Client
	store    *store.Store
	streams  *queue.Streams
	registry *registry.Registry
	bus      *board.Bus
	manager  *orchestrator.Manager
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	st, err := store.Open(store.Options{
		Driver: cfg.Database.Driver,
		DSN:    cfg.Database.DSN,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	streams := queue.New(rdb)

	reg := registry.New(st, cfg.Workers.HeartbeatInterval, logger)
	bus := board.NewBus()
	disp := dispatcher.New(st, streams, reg, bus, logger)
	mgr := orchestrator.NewManager(st, streams, disp, orchestrator.Options{
		Tick:          cfg.Scheduler.Tick,
		MaxPerProject: cfg.Scheduler.MaxInFlightPerProject,
		MaxPerPhase:   cfg.Scheduler.MaxInFlightPerPhase,
	}, logger)

	return &app{
		cfg:      cfg,
		logger:   logger,
		rdb:      rdb,
		store:    st,
		streams:  streams,
		registry: reg,
		bus:      bus,
		manager:  mgr,
	}, nil
}

func (a *app) Close() {
	if err := a.rdb.Close(); err != nil {
		a.logger.Debug("redis close failed", "error", err)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the foreman server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger()
			app, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()
			return app.serve(cmd.Context())
		},
	}
}

func (a *app) serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.streams.EnsureGroup(ctx, queue.StreamResults, queue.GroupIngesters, queue.StartReplayAll); err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	for i := 0; i < a.cfg.Scheduler.IngesterConsumers; i++ {
		consumer := fmt.Sprintf("%s-ingester-%d", hostname, i)
		in := ingester.New(a.store, a.streams, a.registry, a.bus, a.manager, consumer, a.logger)
		go func() {
			if err := in.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("ingester exited", "error", err)
			}
		}()

		if i == 0 {
			jan := ingester.NewJanitor(a.streams, in, consumer+"-janitor", a.logger)
			go func() {
				if err := jan.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					a.logger.Error("janitor exited", "error", err)
				}
			}()
		}
	}

	srv := server.New(a.store, a.registry, a.manager, a.streams, a.bus, a.logger)
	httpServer := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", "addr", a.cfg.Server.ListenAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	a.manager.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func newInitStreamsCmd() *cobra.Command {
	var projects []string

	cmd := &cobra.Command{
		Use:   "init-streams",
		Short: "Create the streams and consumer groups foreman depends on",
		Long: `Creates the results stream with its ingesters group and, for each
--project, the project's assignment stream with the workers group.
Safe to run repeatedly; existing groups are left untouched.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer rdb.Close()
			streams := queue.New(rdb)

			ctx := cmd.Context()
			if err := streams.EnsureGroup(ctx, queue.StreamResults, queue.GroupIngesters, queue.StartReplayAll); err != nil {
				return err
			}
			for _, id := range projects {
				if err := streams.EnsureGroup(ctx, queue.AssignStream(id), queue.GroupWorkers, queue.StartReplayAll); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "streams initialized")
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&projects, "project", nil, "also create the assignment stream group for this project id (repeatable)")
	return cmd
}

func newAgentCmd() *cobra.Command {
	var (
		serverURL    string
		token        string
		name         string
		projectID    string
		capabilities []string
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run a worker agent against a foreman server",
		Long: `Registers a worker with the given single-use token, then consumes
assignments for one project and publishes results. The executor here is
a stub that echoes the assignment; real deployments wrap their own
execution environment.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client := agent.NewClient(serverURL)
			hostname, _ := os.Hostname()
			if err := client.Register(ctx, token, name, hostname, "stub", capabilities); err != nil {
				return err
			}
			workerID, secret := client.Credentials()
			logger.Info("worker registered", "worker_id", workerID)

			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer rdb.Close()

			executor := agent.ExecutorFunc(func(_ context.Context, a queue.Assignment) (queue.SubmittedPayload, error) {
				return queue.SubmittedPayload{
					BranchName: a.BranchName,
					OutputPath: "/dev/null",
				}, nil
			})

			ag := agent.New(queue.New(rdb), executor, agent.Options{
				WorkerID:          workerID,
				WorkerSecret:      secret,
				ProjectID:         projectID,
				HeartbeatInterval: cfg.Workers.HeartbeatInterval,
				Heartbeat:         client.Heartbeat,
			}, logger)

			err = ag.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8700", "foreman server base URL")
	cmd.Flags().StringVar(&token, "token", "", "registration token (required)")
	cmd.Flags().StringVar(&name, "name", "agent", "worker display name")
	cmd.Flags().StringVar(&projectID, "project", "", "project id to consume assignments for (required)")
	cmd.Flags().StringSliceVar(&capabilities, "capability", nil, "declared capability (repeatable)")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}
