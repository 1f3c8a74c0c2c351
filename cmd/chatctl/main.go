// Command chatctl is a terminal client for the relaychat server. It keeps
// conversations in a local store and streams replies as they arrive.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"relaychat/internal/client"
	"relaychat/internal/client/store"
	"relaychat/internal/logging"
)

type globalFlags struct {
	server        string
	token         string
	storeDir      string
	logLevel      string
	flushInterval time.Duration
}

func main() {
	var g globalFlags
	root := &cobra.Command{
		Use:          "chatctl",
		Short:        "Terminal client for relaychat",
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.server, "server", envOr("RELAYCHAT_SERVER", "http://localhost:8090"), "server base URL")
	pf.StringVar(&g.token, "token", os.Getenv("RELAYCHAT_TOKEN"), "bearer token (see `relaychat issue-token`)")
	pf.StringVar(&g.storeDir, "store", defaultStoreDir(), "local conversation store directory")
	pf.StringVar(&g.logLevel, "log-level", "warn", "log level")
	pf.DurationVar(&g.flushInterval, "flush-interval", 16*time.Millisecond, "render batching interval, 0 prints every delta")

	root.AddCommand(chatCmd(&g), uploadCmd(&g), listCmd(&g), modelsCmd(&g))
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultStoreDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".relaychat"
	}
	return filepath.Join(dir, "relaychat", "store")
}

// session bundles what every command needs. Close releases the store.
type session struct {
	client *client.StreamClient
	store  *store.Store
	logger *zap.Logger
}

func (g *globalFlags) open(hooks store.Hooks) (*session, error) {
	logger, err := logging.New(g.logLevel, "console")
	if err != nil {
		return nil, err
	}
	st, err := store.Open(g.storeDir, store.Options{Hooks: hooks, Logger: logger})
	if err != nil {
		return nil, err
	}
	c := client.New(client.Config{
		BaseURL:       g.server,
		Token:         g.token,
		FlushInterval: g.flushInterval,
		Logger:        logger,
	}, st)
	return &session{client: c, store: st, logger: logger}, nil
}

func (s *session) Close() {
	if err := s.store.Close(); err != nil {
		s.logger.Warn("close store failed", zap.Error(err))
	}
	_ = s.logger.Sync()
}

func readUpload(path string) (client.UploadFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return client.UploadFile{}, fmt.Errorf("read %s: %w", path, err)
	}
	return client.UploadFile{
		Name: filepath.Base(path),
		MIME: mimetype.Detect(data).String(),
		Data: data,
	}, nil
}
