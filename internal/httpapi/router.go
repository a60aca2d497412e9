// Package httpapi serves the node websocket endpoint next to the
// operational routes (health, stats, metrics, pprof).
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"meshrelay/internal/broadcast"
	"meshrelay/internal/connmgr"
	"meshrelay/internal/metrics"
	"meshrelay/internal/runtime/supervisor"
	"meshrelay/internal/storage"
	logx "meshrelay/pkg/logx"
)

const defaultRecent = 10

type Deps struct {
	Broadcaster *broadcast.Broadcaster
	Manager     *connmgr.Manager
	Supervisor  *supervisor.Supervisor
	Store       storage.Store // nil when storage is disabled
	Metrics     *metrics.Metrics

	WSPath    string
	WSHandler http.Handler
	Pprof     bool
	Logger    logx.Logger
}

func NewRouter(d Deps) http.Handler {
	if d.Logger.IsZero() {
		d.Logger = logx.Nop()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(d.Logger))
	r.Use(middleware.Recoverer)

	if d.WSHandler != nil {
		r.Handle(d.WSPath, d.WSHandler)
	}
	r.Get("/healthz", d.handleHealth)
	r.Get("/stats", d.handleStats)
	if d.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	if d.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

type healthResponse struct {
	Status     string              `json:"status"`
	Supervisor supervisor.Snapshot `json:"supervisor"`
}

func (d Deps) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	code := http.StatusOK
	if d.Supervisor != nil {
		resp.Supervisor = d.Supervisor.Snapshot()
		if resp.Supervisor.FirstError != "" {
			resp.Status = "failing"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

type statsResponse struct {
	Connections      int                      `json:"connections"`
	QueueLen         int                      `json:"queue_len"`
	GlobalReceivers  int                      `json:"global_receivers"`
	Schedules        []connmgr.EntryInfo      `json:"schedules,omitempty"`
	RecentDispatches []storage.DispatchRecord `json:"recent_dispatches,omitempty"`
}

// handleStats reports the live population. ?recent=N controls how many
// dispatch records are included when storage is enabled.
func (d Deps) handleStats(w http.ResponseWriter, r *http.Request) {
	var resp statsResponse
	if b := d.Broadcaster; b != nil {
		resp.Connections = b.Len()
		resp.QueueLen = b.QueueLen()
		resp.GlobalReceivers = b.Receivers()
	}
	if d.Manager != nil {
		resp.Schedules = d.Manager.Entries()
	}
	if d.Store != nil {
		n := defaultRecent
		if raw := r.URL.Query().Get("recent"); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil || v < 0 {
				http.Error(w, "recent must be a non-negative integer", http.StatusBadRequest)
				return
			}
			n = v
		}
		if n > 0 {
			recs, err := d.Store.Recent(r.Context(), n)
			if err != nil {
				d.Logger.Warn("recent dispatches failed", logx.Err(err))
			}
			resp.RecentDispatches = recs
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// requestLogger logs each request at debug level through logx.
func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Debug("http request",
					logx.String("method", r.Method),
					logx.String("path", r.URL.Path),
					logx.Int("status", ww.Status()),
					logx.Int("bytes", ww.BytesWritten()),
					logx.Duration("took", time.Since(start)),
					logx.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
