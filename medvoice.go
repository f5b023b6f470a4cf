// Package medvoice assembles the recording upload queue: it opens the local
// queue database, wires the resumable uploader and the conversation-thread
// client to the queue manager, and keeps a reachability watcher running so
// stalled uploads resume as soon as the network returns.
package medvoice

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/dmitrijs2005/medvoice/internal/auth"
	"github.com/dmitrijs2005/medvoice/internal/config"
	"github.com/dmitrijs2005/medvoice/internal/filex"
	"github.com/dmitrijs2005/medvoice/internal/logging"
	"github.com/dmitrijs2005/medvoice/internal/manager"
	"github.com/dmitrijs2005/medvoice/internal/reachability"
	"github.com/dmitrijs2005/medvoice/internal/repositories"
	"github.com/dmitrijs2005/medvoice/internal/thread"
	"github.com/dmitrijs2005/medvoice/internal/transfer"

	_ "modernc.org/sqlite"
)

// App owns the assembled pipeline. Construct it once per process with
// NewApp, call Run to start background connectivity monitoring, and Close
// when the host application shuts down. Queue exposes the full queue API.
type App struct {
	Config *config.Config
	Queue  *manager.Manager

	watcher *reachability.Watcher
	repos   *repositories.Repositories
	log     logging.Logger
}

// NewApp wires the pipeline. A nil cfg loads configuration from defaults,
// the optional JSON file and command-line flags. The token source comes from
// the host application, which owns the user session.
func NewApp(ctx context.Context, cfg *config.Config, tokens auth.TokenSource) (*App, error) {

	if cfg == nil {
		cfg = config.LoadConfig()
	}

	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	repos, err := repositories.InitDatabase(ctx, cfg.DatabaseDSN, logger)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	uploader := transfer.NewTUSUploader(cfg.StorageEndpoint, cfg.StorageBucket, cfg.ChunkSize, logger)
	threadClient := thread.NewHTTPClient(cfg.ThreadEndpoint, tokens)
	prober := reachability.NewHTTPProber(cfg.StorageEndpoint)

	m := manager.New(repos.Queue, uploader, threadClient, tokens, prober, cfg, logger)

	// Every offline-to-online edge (including the first probe after start)
	// kicks a processing pass when the queue is non-empty, so items queued
	// while offline drain on their own.
	watcher := reachability.NewWatcher(prober, cfg.OnlineCheckInterval, func() {
		go func() { _ = m.ProcessQueueIfPending(context.Background()) }()
	}, logger)

	return &App{Config: cfg, Queue: m, watcher: watcher, repos: repos, log: logger}, nil
}

// Run blocks monitoring connectivity until ctx is cancelled.
func (a *App) Run(ctx context.Context) {
	a.log.Info(ctx, "upload queue started")
	a.watcher.Run(ctx)
}

// Close releases the queue database.
func (a *App) Close() error {
	return a.repos.DB.Close()
}

// RecordingsDir ensures and returns the local directory where the host
// application should place finished capture files before queueing them.
func RecordingsDir() (string, error) {
	return filex.EnsureSubdDir("recordings")
}
