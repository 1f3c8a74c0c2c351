package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"relaychat/internal/api"
	"relaychat/internal/auth"
	"relaychat/internal/config"
	"relaychat/internal/logging"
	"relaychat/internal/redis"
	"relaychat/internal/service/attachment"
	"relaychat/internal/service/conversation"
	"relaychat/internal/service/provider"
	"relaychat/internal/service/router"
	"relaychat/internal/service/turn"
	"relaychat/internal/storage"
	"relaychat/internal/worker"
)

const shutdownGrace = 15 * time.Second

func main() {
	var cfgPath string
	root := &cobra.Command{
		Use:           "relaychat",
		Short:         "Streaming chat relay server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfgPath)
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default $"+config.EnvConfigPath+" or config.json)")
	root.AddCommand(issueTokenCmd(&cfgPath))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// issueTokenCmd creates the user when needed and prints a fresh bearer token.
func issueTokenCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "issue-token <username>",
		Short: "Issue a bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			db, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			svc := auth.NewService(db, nil, 0, nil)
			ctx := cmd.Context()
			userID, err := svc.EnsureUser(ctx, args[0])
			if err != nil {
				return err
			}
			token, err := svc.IssueToken(ctx, userID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user_id: %s\ntoken:   %s\n", userID, token)
			return nil
		},
	}
}

func openDatabase(cfg *config.Config) (*sql.DB, error) {
	driver := config.DatabaseDriver()
	db, err := storage.Open(driver, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := storage.Migrate(db, driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

func serve(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	basic := cfg.BasicConfig

	logger, err := logging.New(basic.LogLevel, basic.LogFormat)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting", zap.String("db", config.DatabaseDriver()), zap.String("blob", cfg.Blob.Driver))
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	rdb, err := redis.NewRedisClient(cfg)
	if err != nil {
		return fmt.Errorf("create redis client: %w", err)
	}
	defer rdb.Close()

	var keys *router.KeyCipher
	if cfg.SecretKey != "" {
		if keys, err = router.NewKeyCipher(cfg.SecretKey); err != nil {
			return err
		}
	} else {
		logger.Warn("no " + config.EnvSecretKey + " set, provider credentials are stored unencrypted")
	}
	if err := router.SyncCatalog(ctx, db, cfg, keys); err != nil {
		return fmt.Errorf("sync model catalog: %w", err)
	}
	modelRouter := router.New(db, keys, &provider.DefaultFactory{Logger: logger},
		time.Duration(basic.CatalogCacheTTLSeconds)*time.Second, logger)

	blobs, err := attachment.NewBlobStore(cfg)
	if err != nil {
		return fmt.Errorf("init blob store: %w", err)
	}
	atts := attachment.NewService(db, blobs, cfg.Upload, logger)
	convs := conversation.NewService(db, rdb, time.Duration(basic.HistoryCacheTTLSeconds)*time.Second, logger)

	bgCtx, bgCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer bgCancel()
	atts.StartSweeper(bgCtx,
		time.Duration(basic.UnboundAttachmentTTL)*time.Minute,
		time.Duration(basic.AttachmentSweepInterval)*time.Minute)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registry := turn.NewRegistry(rdb, logger)
	go func() {
		if err := registry.Listen(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("turn cancel listener stopped", zap.Error(err))
		}
	}()
	orchestrator := turn.NewOrchestrator(modelRouter, convs, atts, registry, turn.NewMetrics(reg), turn.Options{
		HistoryWindow: basic.HistoryWindow,
		Timeout:       time.Duration(basic.TurnTimeoutSeconds) * time.Second,
		DefaultModel:  defaultModel(cfg),
		TitleModel:    cfg.TitleModel,
		TitleTimeout:  time.Duration(basic.TitleGenerationTimeoutMs) * time.Millisecond,
	}, logger)

	dispatcher := worker.NewDispatcher(worker.Config{
		MinWorkers:  basic.MinWorkers,
		MaxWorkers:  basic.MaxWorkers,
		QueueSize:   basic.QueueSize,
		IdleTimeout: time.Duration(basic.WorkerIdleTimeout) * time.Minute,
	}, logger)
	defer dispatcher.Close()

	handlers := api.NewHandler(api.Deps{
		Auth:           auth.NewService(db, rdb, 0, logger),
		Conversations:  convs,
		Attachments:    atts,
		Turns:          orchestrator,
		Models:         modelRouter,
		Dispatcher:     dispatcher,
		Gatherer:       reg,
		TurnsPerMinute: basic.TurnsPerMinute,
		Logger:         logger,
	})

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(logging.GinMiddleware(logger), gin.Recovery())
	handlers.RegisterRoutes(engine)

	srv := &http.Server{
		Addr:              basic.ServerAddress,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", zap.Error(err))
		}
	}
	orchestrator.Wait()
	return nil
}

// defaultModel is used for turns that name no model.
func defaultModel(cfg *config.Config) string {
	for _, m := range cfg.Models {
		p, ok := cfg.Providers[m.Provider]
		if ok && p.IsEnabled() && m.IsEnabled() {
			return m.ID
		}
	}
	return ""
}
