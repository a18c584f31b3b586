package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	kerrors "github.com/mirkobrombin/go-kustodio/v1/errors"
	"github.com/mirkobrombin/go-kustodio/v1/handler"
	"github.com/mirkobrombin/go-kustodio/v1/watchbus"
)

// DefaultWatchCapacity is the watcher buffer used when a watch request does
// not ask for one.
const DefaultWatchCapacity = 64

type routerOptions struct {
	logger        *slog.Logger
	gatherer      prometheus.Gatherer
	watchCapacity int
	healthy       func() bool
}

// RouterOption configures NewRouter.
type RouterOption func(*routerOptions)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) RouterOption {
	return func(o *routerOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics serves g on /metrics.
func WithMetrics(g prometheus.Gatherer) RouterOption {
	return func(o *routerOptions) { o.gatherer = g }
}

// WithWatchCapacity sets the default watcher buffer.
func WithWatchCapacity(n int) RouterOption {
	return func(o *routerOptions) {
		if n >= 0 {
			o.watchCapacity = n
		}
	}
}

// WithHealthCheck makes /healthz report 503 while fn returns false.
func WithHealthCheck(fn func() bool) RouterOption {
	return func(o *routerOptions) { o.healthy = fn }
}

// NewRouter returns the HTTP API of svc.
func NewRouter(svc *Service, opts ...RouterOption) http.Handler {
	o := routerOptions{logger: slog.Default(), watchCapacity: DefaultWatchCapacity}
	for _, opt := range opts {
		opt(&o)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(o.logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if o.healthy != nil && !o.healthy() {
			writeJSON(w, http.StatusServiceUnavailable, Status{Status: "unhealthy"})
			return
		}
		writeJSON(w, http.StatusOK, Status{Status: "ok"})
	})
	if o.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(o.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/locks", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, LockList{Locks: svc.List(r.Context())})
		})
		r.Route("/locks/{name}", func(r chi.Router) {
			r.Post("/", mutation(svc.Create, "Created", http.StatusCreated))
			r.Delete("/", mutation(svc.Remove, "Ok", http.StatusOK))
			r.Post("/lock", mutation(svc.Lock, "Locked", http.StatusOK))
			r.Post("/unlock", mutation(svc.Unlock, "Unlocked", http.StatusOK))
			r.Get("/", func(w http.ResponseWriter, r *http.Request) {
				name, err := lockName(r)
				if err != nil {
					writeError(w, err)
					return
				}
				st, err := svc.State(r.Context(), name)
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, st)
			})
		})
		r.Get("/peers", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, PeerList{Peers: svc.Peers(r.Context())})
		})
		if svc.events != nil {
			r.Get("/watch", watchbus.SSEHandler(svc.events, encodeEvent, o.watchCapacity))
			r.Get("/watch/ws", watchbus.WebSocketHandler(svc.events, encodeEvent, o.watchCapacity))
		}
	})
	return r
}

func encodeEvent(ev handler.Event) ([]byte, error) {
	return json.Marshal(ev)
}

// lockName returns the {name} segment. chi matches on the escaped path when
// one is present, so names holding "/" arrive as "%2F" and are unescaped here.
func lockName(r *http.Request) (string, error) {
	name := chi.URLParam(r, "name")
	if r.URL.RawPath == "" {
		return name, nil
	}
	name, err := url.PathUnescape(name)
	if err != nil {
		return "", fmt.Errorf("%w: lock name: %v", kerrors.ErrMalformed, err)
	}
	return name, nil
}

func mutation(fn func(ctx context.Context, name string) error, status string, code int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, err := lockName(r)
		if err != nil {
			writeError(w, err)
			return
		}
		if name == "" {
			writeError(w, fmt.Errorf("%w: empty lock name", kerrors.ErrMalformed))
			return
		}
		if err := fn(r.Context(), name); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, code, Status{Status: status})
	}
}

func requestLogger(l *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			l.Debug("gateway: request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "duration", time.Since(start))
		})
	}
}
