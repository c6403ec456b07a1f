// Package retention purges aged messages on a cron schedule.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// Purger deletes messages created before cutoff and reports how many.
type Purger interface {
	PurgeOlderThan(cutoff time.Time) (int, error)
}

var ErrRunning = errors.New("retention: purge already running")

// Manager runs purges on schedule and on demand. Only one purge runs at a time.
type Manager struct {
	cron   string
	maxAge time.Duration
	purger Purger
	log    *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
}

// New validates the cron expression and returns a manager.
func New(cron string, maxAge time.Duration, p Purger, logger *slog.Logger) (*Manager, error) {
	if maxAge <= 0 {
		return nil, fmt.Errorf("retention: max age must be positive, got %s", maxAge)
	}
	if !gronx.New().IsValid(cron) {
		return nil, fmt.Errorf("retention: invalid cron expression %q", cron)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cron:   cron,
		maxAge: maxAge,
		purger: p,
		log:    logger.With("component", "retention"),
		now:    time.Now,
	}, nil
}

// Run blocks, purging at every cron tick until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	m.log.Info("retention enabled", "cron", m.cron, "max_age", m.maxAge)
	for {
		next, err := gronx.NextTickAfter(m.cron, m.now(), false)
		if err != nil {
			m.log.Error("next tick failed", "cron", m.cron, "error", err)
			select {
			case <-time.After(30 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}
		wait := time.Until(next)
		if wait < time.Second {
			wait = time.Second
		}
		select {
		case <-time.After(wait):
			if _, err := m.RunNow(); err != nil && !errors.Is(err, ErrRunning) {
				m.log.Error("scheduled purge failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// RunNow purges messages older than the configured age immediately.
func (m *Manager) RunNow() (int, error) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return 0, ErrRunning
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	cutoff := m.now().Add(-m.maxAge)
	n, err := m.purger.PurgeOlderThan(cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	m.log.Info("retention run finished", "purged", n, "cutoff", cutoff)
	return n, nil
}
