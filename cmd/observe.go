package cmd

import (
	"errors"
	"net"
	"net/http"
	"time"

	"grimm.is/tunshare/internal/health"
	"grimm.is/tunshare/internal/logging"
	"grimm.is/tunshare/internal/metrics"
)

// startObservability serves /metrics and /healthz on addr. An empty addr
// disables the listener and returns a nil server.
func startObservability(addr string, checker *health.Checker) (*http.Server, error) {
	if addr == "" {
		return nil, nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Get().Handler())
	if checker != nil {
		mux.Handle("/healthz", checker.Handler())
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics listener stopped", "error", err)
		}
	}()
	logging.Info("serving metrics", "addr", ln.Addr().String())
	return srv, nil
}
