package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// HTTP family names.
const (
	HTTPRequestsTotal = "quizchain_http_requests_total"
	HTTPDuration      = "quizchain_http_request_duration_seconds"
)

var (
	httpRequests = newCounter(HTTPRequestsTotal, "HTTP requests served, by route, method and status code.", "route", "method", "code")
	httpDuration = newHistogram(HTTPDuration, "HTTP request latency, by route.", []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}, "route")
)

// ObserveHTTPRequest records one request against its logical route, such as
// trigger or run_cancel, rather than the raw path carrying run ids.
func ObserveHTTPRequest(route, method string, status int, duration time.Duration) {
	httpRequests.inc(route, method, strconv.Itoa(status))
	httpDuration.observe(duration.Seconds(), route)
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, Render())
	})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
