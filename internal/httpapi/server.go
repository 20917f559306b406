// Package httpapi exposes exactly the three endpoints spec §4.10 mandates:
// GET /health, GET /metrics, GET / (redirect). Built on gin-gonic/gin
// following the teacher's handler package layout
// (internal/api/handlers/management), with gzip response compression via
// klauspost/compress/gzhttp wrapping the /health and /metrics handlers.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"

	"github.com/cortexd/cortexd/internal/cascade"
	"github.com/cortexd/cortexd/internal/health"
	"github.com/cortexd/cortexd/internal/metacontrol"
	"github.com/cortexd/cortexd/internal/pool"
	"github.com/cortexd/cortexd/internal/semcache"
)

// Deps bundles the components /health and /metrics report on.
type Deps struct {
	Pool        *pool.Pool
	Health      *health.Monitor
	Cache       *semcache.Cache
	Oracle      *cascade.Oracle
	MetaControl *metacontrol.Controller
	StartedAt   time.Time
}

// Server wraps a gin.Engine exposing the three mandated routes.
type Server struct {
	engine *gin.Engine
	deps   Deps

	latMu   sync.Mutex
	latency map[string][]float64 // route -> recent latencies (seconds), ring-bounded

	fallbackMu sync.Mutex
	fallback   map[[2]string]int64 // {from,to} -> count
}

// New builds the gin engine and registers routes.
func New(deps Deps) *Server {
	s := &Server{
		deps:     deps,
		latency:  make(map[string][]float64),
		fallback: make(map[[2]string]int64),
	}
	if s.deps.StartedAt.IsZero() {
		s.deps.StartedAt = time.Now()
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(s.requestIDMiddleware(), s.latencyMiddleware(), gin.Recovery())

	healthHandler := gzhttp.GzipHandler(http.HandlerFunc(s.handleHealthRaw))
	metricsHandler := gzhttp.GzipHandler(http.HandlerFunc(s.handleMetricsRaw))

	r.GET("/health", gin.WrapH(healthHandler))
	r.GET("/metrics", gin.WrapH(metricsHandler))
	r.GET("/", func(c *gin.Context) {
		c.Redirect(http.StatusFound, "/health")
	})

	s.engine = r
	return s
}

// Handler returns the underlying http.Handler for use with http.Server.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set("X-Request-ID", id)
		c.Next()
	}
}

func (s *Server) latencyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.recordLatency(c.FullPath(), time.Since(start).Seconds())
	}
}

func (s *Server) recordLatency(route string, seconds float64) {
	if route == "" {
		return
	}
	s.latMu.Lock()
	defer s.latMu.Unlock()
	bucket := append(s.latency[route], seconds)
	if len(bucket) > 256 {
		bucket = bucket[len(bucket)-256:]
	}
	s.latency[route] = bucket
}

// RecordFallback is called by the pool/router layer when a fallback chain
// link is taken, for the fallback_total{from,to} metric.
func (s *Server) RecordFallback(from, to string) {
	s.fallbackMu.Lock()
	defer s.fallbackMu.Unlock()
	s.fallback[[2]string{from, to}]++
}

// healthView is the JSON/HTML shape returned by GET /health.
// EmbeddingDegraded is never set by currentHealthView and is not written by
// writeHealthJSON, so /health does not report embedding degraded mode.
type healthView struct {
	State            string   `json:"state"`
	RAMBytes         uint64   `json:"ram_bytes"`
	TrendBytesPerSec float64  `json:"trend_bytes_per_sec"`
	ETASeconds       *float64 `json:"eta_seconds"`
	Loaded           []string `json:"loaded"`
	Degraded         bool     `json:"degraded"`
	EmbeddingDegraded bool    `json:"embedding_degraded"`
	MetaControlPhase string   `json:"meta_control_phase"`
}

func (s *Server) currentHealthView() healthView {
	snap := s.deps.Health.Snapshot()
	stats := s.deps.Pool.Stats()

	state := "ok"
	if snap.Degraded {
		state = "degraded"
	}

	phase := ""
	if s.deps.MetaControl != nil {
		phase = s.deps.MetaControl.ActivePhase()
	}

	return healthView{
		State:            state,
		RAMBytes:         snap.RAMBytes,
		TrendBytesPerSec: snap.TrendBytesPerSec,
		ETASeconds:       snap.ETASeconds,
		Loaded:           stats.Resident,
		Degraded:         snap.Degraded,
		MetaControlPhase: phase,
	}
}

func (s *Server) handleHealthRaw(w http.ResponseWriter, r *http.Request) {
	view := s.currentHealthView()
	if view.ETASeconds != nil {
		w.Header().Set("X-ETA-Seconds", fmt.Sprintf("%.1f", *view.ETASeconds))
	}

	if acceptsHTML(r.Header.Get("Accept")) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		writeHealthHTML(w, view)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	writeHealthJSON(w, view)
}

func acceptsHTML(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		if strings.HasPrefix(strings.TrimSpace(part), "text/html") {
			return true
		}
	}
	return false
}

// writeHealthHTML renders a minimal status table. Full dashboard rendering
// is out of scope (spec §1 Non-goals "dashboard HTML rendering"); this is
// just enough to satisfy "/health supports text/html content negotiation".
func writeHealthHTML(w http.ResponseWriter, v healthView) {
	eta := "null"
	if v.ETASeconds != nil {
		eta = fmt.Sprintf("%.1fs", *v.ETASeconds)
	}
	fmt.Fprintf(w, `<!doctype html><html><head><title>cortexd status</title></head><body>
<h1>cortexd</h1>
<table border="1" cellpadding="4">
<tr><td>state</td><td>%s</td></tr>
<tr><td>ram_bytes</td><td>%d</td></tr>
<tr><td>trend_bytes_per_sec</td><td>%.2f</td></tr>
<tr><td>eta_seconds</td><td>%s</td></tr>
<tr><td>loaded</td><td>%s</td></tr>
<tr><td>degraded</td><td>%v</td></tr>
</table>
</body></html>`, v.State, v.RAMBytes, v.TrendBytesPerSec, eta, strings.Join(v.Loaded, ", "), v.Degraded)
}

func writeHealthJSON(w http.ResponseWriter, v healthView) {
	var eta string
	if v.ETASeconds != nil {
		eta = fmt.Sprintf("%.4f", *v.ETASeconds)
	} else {
		eta = "null"
	}
	loaded := make([]string, len(v.Loaded))
	for i, l := range v.Loaded {
		loaded[i] = fmt.Sprintf("%q", l)
	}
	fmt.Fprintf(w, `{"state":%q,"ram_bytes":%d,"trend_bytes_per_sec":%.4f,"eta_seconds":%s,"loaded":[%s],"degraded":%v,"meta_control_phase":%q}`,
		v.State, v.RAMBytes, v.TrendBytesPerSec, eta, strings.Join(loaded, ","), v.Degraded, v.MetaControlPhase)
}

func (s *Server) handleMetricsRaw(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	snap := s.deps.Health.Snapshot()
	stats := s.deps.Pool.Stats()
	uptime := time.Since(s.deps.StartedAt).Seconds()

	fmt.Fprintf(w, "# HELP cortexd_ram_bytes Current process RAM used in bytes.\n# TYPE cortexd_ram_bytes gauge\ncortexd_ram_bytes %d\n", snap.RAMBytes)
	fmt.Fprintf(w, "# HELP cortexd_ram_trend_bytes_per_sec EWMA RAM trend.\n# TYPE cortexd_ram_trend_bytes_per_sec gauge\ncortexd_ram_trend_bytes_per_sec %.4f\n", snap.TrendBytesPerSec)
	if snap.ETASeconds != nil {
		fmt.Fprintf(w, "# HELP cortexd_estimated_oom_seconds Predicted seconds until OOM.\n# TYPE cortexd_estimated_oom_seconds gauge\ncortexd_estimated_oom_seconds %.4f\n", *snap.ETASeconds)
	}
	fmt.Fprintf(w, "# HELP cortexd_uptime_seconds Process uptime.\n# TYPE cortexd_uptime_seconds counter\ncortexd_uptime_seconds %.4f\n", uptime)
	fmt.Fprintf(w, "# HELP cortexd_resident_models Count of resident (Ready) pool entries.\n# TYPE cortexd_resident_models gauge\ncortexd_resident_models %d\n", len(stats.Resident))
	fmt.Fprintf(w, "# HELP cortexd_loading_models Count of Loading pool entries.\n# TYPE cortexd_loading_models gauge\ncortexd_loading_models %d\n", len(stats.Loading))
	fmt.Fprintf(w, "# HELP cortexd_used_ram_bytes Pool-admitted RAM in bytes.\n# TYPE cortexd_used_ram_bytes gauge\ncortexd_used_ram_bytes %d\n", stats.UsedRAMBytes)

	if s.deps.Cache != nil {
		m := s.deps.Cache.Metrics()
		fmt.Fprintf(w, "# HELP cortexd_cache_hit_rate Semantic cache hit rate.\n# TYPE cortexd_cache_hit_rate gauge\ncortexd_cache_hit_rate %.4f\n", s.deps.Cache.HitRate())
		fmt.Fprintf(w, "# HELP cortexd_cache_size Semantic cache entry count.\n# TYPE cortexd_cache_size gauge\ncortexd_cache_size %d\n", m.Size)
		fmt.Fprintf(w, "# HELP cortexd_cache_evictions_total Semantic cache evictions.\n# TYPE cortexd_cache_evictions_total counter\ncortexd_cache_evictions_total %d\n", m.Evictions)
	}

	if s.deps.Oracle != nil {
		cm := s.deps.Oracle.Metrics()
		fmt.Fprintf(w, "# HELP cortexd_cascade_requests_total Cascade oracle decisions.\n# TYPE cortexd_cascade_requests_total counter\ncortexd_cascade_requests_total %d\n", cm.TotalRequests)
		fmt.Fprintf(w, "cortexd_cascade_tier_total{tier=\"tier1\"} %d\n", cm.Tier1Count)
		fmt.Fprintf(w, "cortexd_cascade_tier_total{tier=\"tier2\"} %d\n", cm.Tier2Count)
		fmt.Fprintf(w, "cortexd_cascade_tier_total{tier=\"tier3\"} %d\n", cm.Tier3Count)
	}

	s.writeFallbackMetrics(w)
	s.writeLatencyHistograms(w)
}

func (s *Server) writeFallbackMetrics(w http.ResponseWriter) {
	s.fallbackMu.Lock()
	defer s.fallbackMu.Unlock()
	if len(s.fallback) == 0 {
		return
	}
	fmt.Fprintln(w, "# HELP cortexd_fallback_total Model fallback chain link usage.\n# TYPE cortexd_fallback_total counter")
	keys := make([][2]string, 0, len(s.fallback))
	for k := range s.fallback {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})
	for _, k := range keys {
		fmt.Fprintf(w, "cortexd_fallback_total{from=%q,to=%q} %d\n", k[0], k[1], s.fallback[k])
	}
}

// writeLatencyHistograms emits a coarse fixed-bucket histogram per route
// from the recent-latency ring buffers.
func (s *Server) writeLatencyHistograms(w http.ResponseWriter) {
	s.latMu.Lock()
	defer s.latMu.Unlock()
	if len(s.latency) == 0 {
		return
	}
	buckets := []float64{0.01, 0.05, 0.1, 0.5, 1, 5}
	fmt.Fprintln(w, "# HELP cortexd_route_latency_seconds Per-route request latency.\n# TYPE cortexd_route_latency_seconds histogram")

	routes := make([]string, 0, len(s.latency))
	for route := range s.latency {
		routes = append(routes, route)
	}
	sort.Strings(routes)

	for _, route := range routes {
		samples := s.latency[route]
		counts := make([]int, len(buckets))
		for _, v := range samples {
			for i, b := range buckets {
				if v <= b {
					counts[i]++
				}
			}
		}
		cumulative := 0
		for i, b := range buckets {
			cumulative = counts[i]
			fmt.Fprintf(w, "cortexd_route_latency_seconds_bucket{route=%q,le=\"%g\"} %d\n", route, b, cumulative)
		}
		fmt.Fprintf(w, "cortexd_route_latency_seconds_bucket{route=%q,le=\"+Inf\"} %d\n", route, len(samples))
		fmt.Fprintf(w, "cortexd_route_latency_seconds_count{route=%q} %d\n", route, len(samples))
	}
}

// Serve starts an http.Server bound to addr, stopping when ctx is done.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
