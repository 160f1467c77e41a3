package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/labgrid-project/labgrid-go/internal/db"
	"github.com/labgrid-project/labgrid-go/internal/models"
	"github.com/labgrid-project/labgrid-go/internal/protocol"
	"github.com/labgrid-project/labgrid-go/internal/token"
	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

func (s *apiServer) listExporters(w http.ResponseWriter, r *http.Request) {
	var exporters []models.Exporter
	if err := db.DB.Order("name").Find(&exporters).Error; err != nil {
		respondError(w, r, 500, err.Error())
		return
	}
	out := make([]protocol.ExporterView, 0, len(exporters))
	for _, e := range exporters {
		out = append(out, protocol.ExporterView{
			Name:     e.Name,
			Hostname: e.Hostname,
			Version:  e.Version,
			Stale:    e.Stale,
			LastSeen: e.LastSeen,
		})
	}
	writeJSON(w, out)
}

// registerExporter announces an exporter and issues its session token.
// Re-registration under an existing name needs the previous token; a stale
// exporter (missed heartbeats beyond the grace period) may be replaced
// without it.
func (s *apiServer) registerExporter(w http.ResponseWriter, r *http.Request) {
	var req protocol.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		respondError(w, r, 400, "name is required")
		return
	}
	now := time.Now()

	var existing models.Exporter
	err := db.DB.First(&existing, "name = ?", req.Name).Error
	if err == nil {
		if req.Token != "" && token.Verify(req.Token, existing.TokenHash) {
			existing.Hostname = req.Hostname
			existing.Version = req.Version
			existing.Stale = false
			existing.LastSeen = now
			if err := db.DB.Save(&existing).Error; err != nil {
				respondError(w, r, 500, err.Error())
				return
			}
			s.logger.Info("exporter re-registered", "name", req.Name, "hostname", req.Hostname)
			writeJSON(w, protocol.RegisterResponse{Token: req.Token})
			return
		}
		if !existing.Stale && now.Sub(existing.LastSeen) < s.cfg.ExporterTimeout {
			respondError(w, r, 409, "exporter name is in use")
			return
		}
		// stale identity: hand the name to the new exporter
		cleartext, hash, err := token.NewExporterToken()
		if err != nil {
			respondError(w, r, 500, err.Error())
			return
		}
		existing.Hostname = req.Hostname
		existing.Version = req.Version
		existing.TokenHash = hash
		existing.Stale = false
		existing.RegisteredAt = now
		existing.LastSeen = now
		if err := db.DB.Save(&existing).Error; err != nil {
			respondError(w, r, 500, err.Error())
			return
		}
		s.logger.Info("stale exporter replaced", "name", req.Name, "hostname", req.Hostname)
		writeJSON(w, protocol.RegisterResponse{Token: cleartext})
		return
	}

	cleartext, hash, err := token.NewExporterToken()
	if err != nil {
		respondError(w, r, 500, err.Error())
		return
	}
	e := models.Exporter{
		Name:         req.Name,
		Hostname:     req.Hostname,
		Version:      req.Version,
		TokenHash:    hash,
		RegisteredAt: now,
		LastSeen:     now,
	}
	if err := db.DB.Create(&e).Error; err != nil {
		respondError(w, r, 500, err.Error())
		return
	}
	s.logger.Info("exporter registered", "name", req.Name, "hostname", req.Hostname)
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, protocol.RegisterResponse{Token: cleartext})
}

const exporterKey ctxKey = 2

// requireExporterToken authenticates Bearer tokens by their stored hash and
// puts the matching exporter into the request context. The token itself is
// the identity; the URL name must agree with it.
func (s *apiServer) requireExporterToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		bearer, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || bearer == "" {
			respondError(w, r, 401, "missing exporter token")
			return
		}
		var e models.Exporter
		if err := db.DB.First(&e, "token_hash = ?", token.Hash(bearer)).Error; err != nil {
			respondError(w, r, 403, "invalid exporter token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), exporterKey, &e)))
	})
}

func exporterFrom(r *http.Request) *models.Exporter {
	e, _ := r.Context().Value(exporterKey).(*models.Exporter)
	return e
}

// updateResources replaces the exporter's resource inventory. The
// acquired-by binding survives the update for resources that keep their
// group and class.
func (s *apiServer) updateResources(w http.ResponseWriter, r *http.Request) {
	e := exporterFrom(r)
	if e == nil || e.Name != chi.URLParam(r, "name") {
		respondError(w, r, 403, "token does not match exporter")
		return
	}
	var req protocol.ResourceUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, 400, "invalid body")
		return
	}
	err := db.DB.Transaction(func(tx *gorm.DB) error {
		var old []models.Resource
		if err := tx.Find(&old, "exporter_id = ?", e.ID).Error; err != nil {
			return err
		}
		acquired := map[string]string{}
		for _, res := range old {
			if res.AcquiredBy != "" {
				acquired[res.GroupName+"/"+res.Class] = res.AcquiredBy
			}
		}
		if err := tx.Where("exporter_id = ?", e.ID).Delete(&models.Resource{}).Error; err != nil {
			return err
		}
		for _, entry := range req.Resources {
			res := models.Resource{
				ExporterID: e.ID,
				GroupName:  entry.Group,
				Class:      entry.Class,
				Available:  entry.Available,
				AcquiredBy: acquired[entry.Group+"/"+entry.Class],
			}
			res.SetParamMap(entry.Params)
			if err := tx.Create(&res).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		respondError(w, r, 500, err.Error())
		return
	}
	s.logger.Debug("resources updated", "exporter", e.Name, "count", len(req.Resources))
	s.allocateWaiting()
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) exporterHeartbeat(w http.ResponseWriter, r *http.Request) {
	e := exporterFrom(r)
	if e == nil || e.Name != chi.URLParam(r, "name") {
		respondError(w, r, 403, "token does not match exporter")
		return
	}
	res := db.DB.Model(&models.Exporter{}).Where("id = ?", e.ID).
		Updates(map[string]any{"last_seen": time.Now(), "stale": false})
	if res.Error != nil {
		respondError(w, r, 500, res.Error.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
