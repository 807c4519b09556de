// Package metrics exposes the service's Prometheus instrumentation. All
// collectors are registered at init via promauto; Serve starts the optional
// scrape endpoint.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"loom/pkg/logx"
)

var (
	AgentsRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loom_agents_registered_total",
		Help: "Agent registrations, including re-registrations.",
	})

	HeartbeatsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loom_heartbeats_written_total",
		Help: "Heartbeat timestamps written to the directory.",
	})

	HeartbeatErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loom_heartbeat_errors_total",
		Help: "Heartbeat writes that failed.",
	})

	GCMarkedOffline = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loom_gc_marked_offline_total",
		Help: "Entries marked offline by the staleness sweep.",
	})

	GCDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loom_gc_deleted_total",
		Help: "Entries deleted by the staleness sweep.",
	})

	DirectMessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loom_direct_messages_sent_total",
		Help: "Messages published to agent inboxes.",
	})

	DirectMessagesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loom_direct_messages_read_total",
		Help: "Messages consumed from agent inboxes.",
	})

	WorkBroadcast = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_work_broadcast_total",
		Help: "Work items broadcast, by capability.",
	}, []string{"capability"})

	WorkClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_work_claimed_total",
		Help: "Work items claimed, by capability.",
	}, []string{"capability"})

	WorkDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_work_dead_lettered_total",
		Help: "Work items moved to the dead letter queue, by capability.",
	}, []string{"capability"})

	DLQRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loom_dlq_retried_total",
		Help: "Dead letters re-broadcast to their capability queue.",
	})

	DLQDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loom_dlq_discarded_total",
		Help: "Dead letters discarded.",
	})

	ChannelMessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_channel_messages_sent_total",
		Help: "Messages published to channels, by channel.",
	}, []string{"channel"})

	ChannelMessagesRead = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_channel_messages_read_total",
		Help: "Messages read from channels, by channel.",
	}, []string{"channel"})

	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_tool_calls_total",
		Help: "Tool invocations, by tool and outcome.",
	}, []string{"tool", "outcome"})

	ToolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loom_tool_duration_seconds",
		Help:    "Tool invocation latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"tool"})

	SubstrateUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loom_substrate_up",
		Help: "1 while the messaging substrate connection is established.",
	})
)

// Serve starts the scrape endpoint on addr and blocks until ctx is done or
// the listener fails. An empty addr disables the endpoint.
func Serve(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}
	logger := logx.NewLogger("metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
