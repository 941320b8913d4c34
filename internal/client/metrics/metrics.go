package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Push channel metrics
var (
	PushFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qpmsg_push_frames_total",
		Help: "Inbound push frames by outcome",
	}, []string{"result"}) // "delivered", "decode_error", "handler_panic", "unrouted"

	PushConnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qpmsg_push_connects_total",
		Help: "Push channel connection attempts by outcome",
	}, []string{"result"})

	PushConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qpmsg_push_connected",
		Help: "1 while the push channel is connected",
	})
)

// Message store metrics
var (
	RESTRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qpmsg_rest_requests_total",
		Help: "Message store requests by operation and status",
	}, []string{"op", "status"})

	RESTRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "qpmsg_rest_request_duration_seconds",
		Help:    "Message store request latency",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"op"})

	StaleResponsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qpmsg_stale_responses_total",
		Help: "Fetch responses discarded because a newer request superseded them",
	}, []string{"kind"}) // "thread", "conversations"
)

// Serve exposes the default registry on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
