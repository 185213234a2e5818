package permission

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Logger defines the logging interface used by the Syncer.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// SyncerConfig says where grants come from and how often to reload them.
type SyncerConfig struct {
	// File and URL are alternatives; URL wins when both are set.
	File string
	URL  string

	// RefreshInterval is the reload period for Run. Zero disables
	// periodic reloads.
	RefreshInterval time.Duration

	// MaxAge purges grants generated longer ago than this after every
	// refresh attempt. Zero keeps grants forever.
	MaxAge time.Duration

	Client *http.Client
}

// Syncer keeps a Store in step with the administrative grants source.
// A failed reload leaves the previous grants in place until they age out.
type Syncer struct {
	store  *Store
	cfg    SyncerConfig
	logger Logger
}

// NewSyncer creates a syncer feeding store.
func NewSyncer(store *Store, cfg SyncerConfig) *Syncer {
	return &Syncer{store: store, cfg: cfg, logger: noopLogger{}}
}

// SetLogger sets the logger for the syncer.
func (s *Syncer) SetLogger(logger Logger) {
	s.logger = logger
}

// Refresh reloads every grant from the source and replaces the store
// contents. It returns the number of grants loaded.
func (s *Syncer) Refresh(ctx context.Context) (int, error) {
	var (
		grants []Grant
		err    error
	)
	switch {
	case s.cfg.URL != "":
		grants, err = LoadURL(ctx, s.cfg.Client, s.cfg.URL, "")
	case s.cfg.File != "":
		grants, err = LoadFile(s.cfg.File)
	default:
		return 0, errors.New("permission: no grants source configured")
	}
	if err != nil {
		return 0, err
	}

	s.store.Replace(grants)
	s.logger.Info("permissions loaded", "users", len(grants))
	return len(grants), nil
}

// Run refreshes every RefreshInterval until ctx is cancelled. The first
// refresh happens immediately.
func (s *Syncer) Run(ctx context.Context) error {
	s.cycle(ctx)
	if s.cfg.RefreshInterval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}

func (s *Syncer) cycle(ctx context.Context) {
	if _, err := s.Refresh(ctx); err != nil {
		s.logger.Warn("permissions refresh failed", "error", err)
	}
	if s.cfg.MaxAge > 0 {
		if n := s.store.Purge(s.cfg.MaxAge); n > 0 {
			s.logger.Info("stale permissions purged", "users", n)
		}
	}
}
