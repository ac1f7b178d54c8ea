package app

import (
	"net"
	"net/http"
	"strings"
	"time"
)

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if a.draining.Load() {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		if a.cfg.State.ReadinessRequireDB && a.dbPool == nil {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}
		if a.dbPool != nil {
			if err := PingDB(r.Context(), a.dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				a.log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if a.metrics != nil {
		mux.Handle("GET /metrics", a.metrics.Handler())
	}

	a.api.Register(mux)
	mux.Handle("/ws", a.gw)

	var obs HTTPObserver
	if a.metrics != nil {
		obs = a.metrics
	}

	var h http.Handler = mux
	h = WithSecurityHeaders(h)
	h = WithCORS(h, a.cfg.HTTP, a.log)
	h = WithRequestLogging(h, a.log, obs)
	return h
}

// runtimeBaseURL turns a listen address into a reachable http base URL. Wildcard binds map
// to loopback.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
