package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/labgrid-project/labgrid-go/internal/db"
	"github.com/labgrid-project/labgrid-go/internal/logging"
	"github.com/labgrid-project/labgrid-go/internal/models"
)

var appStart = time.Now()
var totalRequests uint64
var total4xx uint64
var total5xx uint64
var bytesIn uint64
var bytesOut uint64
var totalDurationNs uint64

func metricsHandler(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	uptime := time.Since(appStart).Seconds()
	tr := atomic.LoadUint64(&totalRequests)
	dn := atomic.LoadUint64(&totalDurationNs)
	avgMs := 0.0
	if tr > 0 {
		avgMs = float64(dn) / float64(tr) / 1e6
	}

	// domain gauges
	var placesTotal, placesAcquired, exportersTotal, exportersStale int64
	_ = db.DB.Model(&models.Place{}).Count(&placesTotal).Error
	_ = db.DB.Model(&models.Place{}).Where("acquired <> ''").Count(&placesAcquired).Error
	_ = db.DB.Model(&models.Exporter{}).Count(&exportersTotal).Error
	_ = db.DB.Model(&models.Exporter{}).Where("stale = ?", true).Count(&exportersStale).Error
	reservations := map[string]int64{}
	for _, state := range []string{models.ReservationWaiting, models.ReservationAllocated, models.ReservationAcquired, models.ReservationExpired} {
		var n int64
		_ = db.DB.Model(&models.Reservation{}).Where("state = ?", state).Count(&n).Error
		reservations[state] = n
	}

	writeJSON(w, map[string]any{
		"uptimeSec":       uptime,
		"startedAt":       appStart.Format(time.RFC3339),
		"goroutines":      runtime.NumGoroutine(),
		"heapAlloc":       m.HeapAlloc,
		"totalRequests":   tr,
		"total4xx":        atomic.LoadUint64(&total4xx),
		"total5xx":        atomic.LoadUint64(&total5xx),
		"bytesIn":         atomic.LoadUint64(&bytesIn),
		"bytesOut":        atomic.LoadUint64(&bytesOut),
		"avgDurationMs":   avgMs,
		"places":          placesTotal,
		"placesAcquired":  placesAcquired,
		"exporters":       exportersTotal,
		"exportersStale":  exportersStale,
		"reservations":    reservations,
	})
}

// logsRecent returns recent structured logs, sourced from the DB so they
// survive restarts.
func logsRecent(w http.ResponseWriter, r *http.Request) {
	limit := 200
	if v := r.URL.Query().Get("limit"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			limit = i
		}
	}
	var rows []models.LogEntry
	if err := db.DB.Order("time desc").Limit(limit).Find(&rows).Error; err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		var f map[string]any
		if row.Fields != "" {
			_ = json.Unmarshal([]byte(row.Fields), &f)
		}
		out = append(out, map[string]any{"time": row.Time, "level": row.Level, "msg": row.Msg, "fields": f})
	}
	writeJSON(w, out)
}

// logsStream sends new log entries as server-sent events until the client
// disconnects.
func logsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", 500)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	ch, cancel := logging.Subscribe()
	defer cancel()
	for {
		select {
		case <-r.Context().Done():
			return
		case e, open := <-ch:
			if !open {
				return
			}
			b, _ := json.Marshal(e)
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		}
	}
}

func (s *apiServer) listEvents(w http.ResponseWriter, r *http.Request) {
	limit := 200
	if v := r.URL.Query().Get("limit"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			limit = i
		}
	}
	q := db.DB.Order("time desc").Limit(limit)
	if place := r.URL.Query().Get("place"); place != "" {
		q = q.Where("place = ?", place)
	}
	var rows []models.EventRow
	if err := q.Find(&rows).Error; err != nil {
		respondError(w, r, 500, err.Error())
		return
	}
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		var f map[string]any
		if row.Fields != "" {
			_ = json.Unmarshal([]byte(row.Fields), &f)
		}
		out = append(out, map[string]any{
			"time": row.Time, "kind": row.Kind, "place": row.Place, "actor": row.Actor, "fields": f,
		})
	}
	writeJSON(w, out)
}
