package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"loom/pkg/config"
	"loom/pkg/logx"
	"loom/pkg/metrics"
	"loom/pkg/registry"
)

// SweepResult summarizes one GC pass.
type SweepResult struct {
	Scanned       int      `json:"scanned"`
	MarkedOffline int      `json:"markedOffline"`
	Deleted       int      `json:"deleted"`
	Errors        []string `json:"errors,omitempty"`
}

// GC demotes entries whose heartbeat age strictly exceeds the stale
// threshold and deletes entries whose registration age exceeds the
// registry TTL.
type GC struct {
	store  *registry.Store
	cfg    config.LifecycleConfig
	logger *logx.Logger

	clock func() time.Time
}

func NewGC(store *registry.Store, cfg config.LifecycleConfig) *GC {
	return &GC{
		store:  store,
		cfg:    cfg,
		logger: logx.NewLogger("registry-gc"),
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps until ctx is done, one pass per GC interval. The first pass
// happens after a full interval so a freshly started service never demotes
// entries before their owners had a chance to beat.
func (g *GC) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.GCInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result := g.Sweep(ctx, false)
			if result.MarkedOffline > 0 || result.Deleted > 0 || len(result.Errors) > 0 {
				g.logger.Info("sweep: scanned=%d markedOffline=%d deleted=%d errors=%d",
					result.Scanned, result.MarkedOffline, result.Deleted, len(result.Errors))
			}
		}
	}
}

// Sweep runs one GC pass. With dryRun the result reports what would happen
// without writing anything. Per-entry failures are collected into
// result.Errors; one bad entry never aborts the pass.
func (g *GC) Sweep(ctx context.Context, dryRun bool) *SweepResult {
	result := &SweepResult{}
	now := g.clock()
	staleBefore := now.Add(-g.cfg.StaleThreshold.Std())
	deleteBefore := now.Add(-g.cfg.RegistryTTL.Std())

	entries, err := g.store.List(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list entries: %v", err))
		return result
	}

	for _, entry := range entries {
		result.Scanned++

		switch {
		case entry.RegisteredAt.Before(deleteBefore):
			result.Deleted++
			if dryRun {
				continue
			}
			if err := g.store.Delete(ctx, entry.GUID); err != nil {
				result.Deleted--
				result.Errors = append(result.Errors, fmt.Sprintf("delete %s: %v", entry.GUID, err))
				continue
			}
			metrics.GCDeleted.Inc()
			g.logger.Info("deleted %s (%s): registered %s, past ttl", entry.GUID, entry.Handle, entry.RegisteredAt.Format(time.RFC3339))

		case entry.Status != registry.StatusOffline && entry.LastHeartbeat.Before(staleBefore):
			result.MarkedOffline++
			if dryRun {
				continue
			}
			entry.Status = registry.StatusOffline
			if err := g.store.Put(ctx, entry); err != nil {
				result.MarkedOffline--
				result.Errors = append(result.Errors, fmt.Sprintf("mark offline %s: %v", entry.GUID, err))
				continue
			}
			metrics.GCMarkedOffline.Inc()
			g.logger.Info("marked %s (%s) offline: last heartbeat %s", entry.GUID, entry.Handle, entry.LastHeartbeat.Format(time.RFC3339))
		}
	}
	return result
}

// String renders the result for operator-facing output.
func (r *SweepResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "scanned=%d markedOffline=%d deleted=%d", r.Scanned, r.MarkedOffline, r.Deleted)
	if len(r.Errors) > 0 {
		fmt.Fprintf(&b, " errors=%d", len(r.Errors))
	}
	return b.String()
}
