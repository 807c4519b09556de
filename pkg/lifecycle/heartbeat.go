// Package lifecycle keeps directory entries truthful over time: the
// heartbeat loop refreshes the caller's own entry, and the GC sweep demotes
// and eventually removes entries whose owners stopped refreshing.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"loom/pkg/config"
	"loom/pkg/logx"
	"loom/pkg/metrics"
	"loom/pkg/registry"
)

// Heartbeat periodically stamps lastHeartbeat on one agent's entry. Each
// agent runs exactly one; starting a second for the same GUID supersedes the
// first.
type Heartbeat struct {
	store    *registry.Store
	guid     string
	interval time.Duration
	logger   *logx.Logger

	clock func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	lastErr error
}

func NewHeartbeat(store *registry.Store, guid string, cfg config.LifecycleConfig) *Heartbeat {
	return &Heartbeat{
		store:    store,
		guid:     guid,
		interval: cfg.HeartbeatInterval.Std(),
		logger:   logx.NewLogger("heartbeat"),
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// Start writes one heartbeat immediately, then keeps writing on the
// configured interval until Stop or ctx cancellation. Restarting replaces
// the previous loop.
func (h *Heartbeat) Start(ctx context.Context) {
	h.mu.Lock()
	if h.cancel != nil {
		h.cancel()
		prev := h.done
		h.mu.Unlock()
		<-prev
		h.mu.Lock()
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	h.cancel = cancel
	h.done = done
	h.mu.Unlock()

	h.beat(loopCtx)

	go func() {
		defer close(done)
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				h.beat(loopCtx)
			}
		}
	}()
}

// Stop halts the loop and waits for it to exit. Safe to call repeatedly and
// without a prior Start.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel, h.done = nil, nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Err returns the most recent beat failure, or nil. Failures never stop the
// loop; the next tick retries.
func (h *Heartbeat) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

func (h *Heartbeat) beat(ctx context.Context) {
	entry, err := h.store.Get(ctx, h.guid)
	if err != nil {
		// Entry may be gone (GC, manual delete). Keep ticking: a later
		// re-register under the same GUID picks the beats back up.
		h.record(err)
		h.logger.Warn("heartbeat for %s skipped: %v", h.guid, err)
		return
	}

	entry.LastHeartbeat = h.clock()
	if err := h.store.Put(ctx, entry); err != nil {
		h.record(err)
		metrics.HeartbeatErrors.Inc()
		h.logger.Warn("heartbeat write for %s failed: %v", h.guid, err)
		return
	}
	h.record(nil)
	metrics.HeartbeatsWritten.Inc()
	h.logger.Debug("heartbeat written for %s", h.guid)
}

func (h *Heartbeat) record(err error) {
	h.mu.Lock()
	h.lastErr = err
	h.mu.Unlock()
}
