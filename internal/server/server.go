// Package server exposes the session registry over HTTP and WebSocket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/workspace/ptymux/internal/config"
	"github.com/workspace/ptymux/internal/journal"
	"github.com/workspace/ptymux/internal/logging"
	"github.com/workspace/ptymux/internal/session"
)

// Server is the ptymux HTTP server.
type Server struct {
	config     *config.Config
	registry   *session.Registry
	reaper     *session.Reaper
	journal    *journal.Journal
	pruner     *cron.Cron
	httpServer *http.Server
	handler    http.Handler
	startedAt  time.Time

	conns    sync.Map // connection id -> *connection
	stopping atomic.Bool
	stopOnce sync.Once
}

// New creates a server from cfg. The journal is opened when JournalPath is set.
func New(cfg *config.Config) (*Server, error) {
	s := &Server{
		config:    cfg,
		startedAt: time.Now(),
	}

	regCfg := session.Config{
		Shell:           cfg.DefaultShell,
		WorkDir:         cfg.WorkDir,
		DefaultCols:     cfg.DefaultCols,
		DefaultRows:     cfg.DefaultRows,
		KillGrace:       cfg.KillGracePeriod,
		ScrollbackBytes: cfg.ScrollbackBytes,
	}

	if cfg.JournalPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.JournalPath), 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
		j, err := journal.Open(cfg.JournalPath)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		s.journal = j
		regCfg.Recorder = j
		slog.Info("Session journal enabled", "path", cfg.JournalPath)
	}

	s.registry = session.NewRegistry(regCfg)
	s.reaper = session.NewReaper(s.registry, cfg.ReapInterval, cfg.IdleThreshold)
	s.handler = s.routes()
	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.handler,
		ReadHeaderTimeout: cfg.HTTPReadTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
	}
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Registry returns the session registry.
func (s *Server) Registry() *session.Registry {
	return s.registry
}

// Start launches background jobs and blocks serving HTTP.
func (s *Server) Start() error {
	if err := s.startBackground(); err != nil {
		return err
	}
	slog.Info("Starting ptymux", "addr", s.httpServer.Addr, "shell", s.config.DefaultShell, "workDir", s.config.WorkDir)
	return s.httpServer.ListenAndServe()
}

func (s *Server) startBackground() error {
	if err := s.reaper.Start(); err != nil {
		return fmt.Errorf("start reaper: %w", err)
	}
	if s.journal != nil && s.config.JournalRetention > 0 {
		logger := logging.CronLogger{}
		s.pruner = cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		)
		if _, err := s.pruner.AddFunc("@hourly", s.pruneJournal); err != nil {
			return fmt.Errorf("schedule journal pruning: %w", err)
		}
		s.pruner.Start()
	}
	return nil
}

func (s *Server) pruneJournal() {
	cutoff := time.Now().Add(-s.config.JournalRetention)
	n, err := s.journal.Prune(cutoff)
	if err != nil {
		slog.Warn("Journal pruning failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("Pruned journal events", "count", n, "before", cutoff.UTC().Format(time.RFC3339))
	}
}

// Stop kills all sessions, closes open connections and the journal, and
// shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.stopping.Store(true)

		s.reaper.Stop(ctx)
		if s.pruner != nil {
			select {
			case <-s.pruner.Stop().Done():
			case <-ctx.Done():
			}
		}

		s.registry.CloseAll()

		s.conns.Range(func(_, value any) bool {
			value.(*connection).shutdown()
			return true
		})

		if s.journal != nil {
			if cerr := s.journal.Close(); cerr != nil {
				slog.Warn("Failed to close journal", "error", cerr)
			}
		}

		err = s.httpServer.Shutdown(ctx)
	})
	return err
}
