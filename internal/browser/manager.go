package browser

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nationaltreasure/engine/internal/model"
)

// Manager bounds how many browser sessions may be open at once, mirroring
// the teacher pack's session-manager lifecycle (entrhq-forge's
// SessionManager enforces a max-sessions count before launching) but
// adapted from named, long-lived sessions to the single-consumer,
// per-job sessions spec §5 calls for: no cross-worker sharing, and a
// browser session belongs to exactly one in-flight capture.
type Manager struct {
	sem    chan struct{}
	active atomic.Int64
}

// NewManager builds a Manager allowing at most maxSessions concurrent
// browser sessions. A value <= 0 defaults to 3, matching the queue's
// default worker-pool size (spec §5) since a session belongs to one job.
func NewManager(maxSessions int) *Manager {
	if maxSessions <= 0 {
		maxSessions = 3
	}
	return &Manager{sem: make(chan struct{}, maxSessions)}
}

// Acquire blocks until a session slot is available (or ctx is canceled),
// then launches a browser for cfg. The returned release func must be
// called exactly once, typically via defer, to free the slot regardless
// of how the caller's scope exits.
func (m *Manager) Acquire(ctx context.Context, cfg *model.Configuration, proxyURL string) (*Session, func(), error) {
	if err := m.reserve(ctx); err != nil {
		return nil, nil, err
	}

	session, err := Acquire(ctx, cfg, proxyURL)
	if err != nil {
		m.release()
		return nil, nil, err
	}

	var released bool
	var releaseMu sync.Mutex
	release := func() {
		releaseMu.Lock()
		defer releaseMu.Unlock()
		if released {
			return
		}
		released = true
		session.Release()
		m.release()
	}

	return session, release, nil
}

func (m *Manager) reserve(ctx context.Context) error {
	select {
	case m.sem <- struct{}{}:
		m.active.Add(1)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser: %w", ctx.Err())
	}
}

func (m *Manager) release() {
	select {
	case <-m.sem:
		m.active.Add(-1)
	default:
	}
}

// Active returns the current number of open sessions.
func (m *Manager) Active() int {
	return int(m.active.Load())
}
