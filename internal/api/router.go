// Package api implements the coordinator's HTTP surface: place management,
// exporter sessions, reservations, and the observability endpoints.
package api

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/labgrid-project/labgrid-go/internal/config"
	"github.com/labgrid-project/labgrid-go/internal/logging"
	"github.com/labgrid-project/labgrid-go/internal/protocol"
	"github.com/labgrid-project/labgrid-go/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

type statusRecorder struct {
	http.ResponseWriter
	code  int
	bytes int64
}

func (sr *statusRecorder) WriteHeader(statusCode int) {
	sr.code = statusCode
	sr.ResponseWriter.WriteHeader(statusCode)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += int64(n)
	return n, err
}

// identityFrom returns the caller identity in "user/host" form. Trusting the
// header matches the coordinator's deployment model: it runs inside the lab
// network and identities exist for coordination, not security.
func identityFrom(r *http.Request) string {
	if id := r.Header.Get("X-LG-Identity"); id != "" {
		return id
	}
	return "anonymous"
}

func Router(cfg *config.Config, logger logging.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{AllowedOrigins: []string{"*"}, AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}, AllowedHeaders: []string{"*"}}))
	// global request counter
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddUint64(&totalRequests, 1)
			next.ServeHTTP(w, r)
		})
	})
	// tracing middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := newTraceID()
			t := &Trace{ID: id, Method: r.Method, Path: r.URL.Path, Started: time.Now(), Events: []TraceEvent{}}
			t.User = identityFrom(r)
			if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
				t.RemoteIP = ip
			} else {
				t.RemoteIP = r.RemoteAddr
			}
			if r.ContentLength > 0 {
				t.ReqBytes = r.ContentLength
			}
			w.Header().Set("X-Trace-Id", id)
			r = r.WithContext(withTraceCtx(r.Context(), t))
			rec := &statusRecorder{ResponseWriter: w, code: 200}
			next.ServeHTTP(rec, r)
			t.Status = rec.code
			t.Ended = time.Now()
			t.Duration = t.Ended.Sub(t.Started)
			t.RespBytes = rec.bytes
			if t.ReqBytes > 0 {
				atomic.AddUint64(&bytesIn, uint64(t.ReqBytes))
			}
			if t.RespBytes > 0 {
				atomic.AddUint64(&bytesOut, uint64(t.RespBytes))
			}
			atomic.AddUint64(&totalDurationNs, uint64(t.Duration))
			if t.Status >= 500 {
				atomic.AddUint64(&total5xx, 1)
			} else if t.Status >= 400 {
				atomic.AddUint64(&total4xx, 1)
			}
			traces.add(t)
			persistTrace(t)
			logger.Info("http_request",
				"method", t.Method,
				"path", t.Path,
				"status", t.Status,
				"durationMs", float64(t.Duration)/1e6,
				"user", t.User,
				"traceId", t.ID,
			)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) })

	r.Route("/api", func(r chi.Router) {
		r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, protocol.VersionInfo{
				Name:      "labgrid-coordinator",
				Version:   version.Version,
				GitCommit: version.GitCommit,
				BuildTime: version.BuildTime,
			})
		})
		r.Route("/v1", func(r chi.Router) {
			registerAPI(r, cfg, logger)
		})
	})

	return r
}

func registerAPI(r chi.Router, cfg *config.Config, logger logging.Logger) {
	s := &apiServer{cfg: cfg, logger: logger}

	r.Route("/places", func(r chi.Router) {
		r.Get("/", s.listPlaces)
		r.Post("/", s.createPlace)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", s.getPlace)
			r.Delete("/", s.deletePlace)
			r.Post("/acquire", s.acquirePlace)
			r.Post("/release", s.releasePlace)
			r.Post("/allow", s.allowPlace)
			r.Post("/aliases", s.addAlias)
			r.Delete("/aliases/{alias}", s.removeAlias)
			r.Put("/tags", s.setTags)
			r.Put("/comment", s.setComment)
			r.Post("/matches", s.addMatch)
			r.Delete("/matches", s.removeMatch)
		})
	})

	r.Get("/resources", s.listResources)

	r.Route("/exporters", func(r chi.Router) {
		r.Get("/", s.listExporters)
		r.Post("/register", s.registerExporter)
		r.Group(func(er chi.Router) {
			er.Use(s.requireExporterToken)
			er.Put("/{name}/resources", s.updateResources)
			er.Post("/{name}/heartbeat", s.exporterHeartbeat)
		})
	})

	r.Route("/reservations", func(r chi.Router) {
		r.Get("/", s.listReservations)
		r.Post("/", s.createReservation)
		r.Get("/{token}", s.getReservation)
		r.Post("/{token}/refresh", s.refreshReservation)
		r.Delete("/{token}", s.cancelReservation)
	})

	r.Get("/metrics", metricsHandler)
	r.Get("/logs", logsRecent)
	r.Get("/logs/stream", logsStream)
	r.Get("/events", s.listEvents)
	r.Get("/traces", traceRecent)
	r.Get("/traces/{id}", traceGet)
}

type apiServer struct {
	cfg    *config.Config
	logger logging.Logger
}
