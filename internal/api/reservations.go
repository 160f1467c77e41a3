package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/labgrid-project/labgrid-go/internal/config"
	"github.com/labgrid-project/labgrid-go/internal/db"
	"github.com/labgrid-project/labgrid-go/internal/logging"
	"github.com/labgrid-project/labgrid-go/internal/models"
	"github.com/labgrid-project/labgrid-go/internal/protocol"
	"github.com/labgrid-project/labgrid-go/internal/token"
	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

func reservationView(res *models.Reservation) protocol.ReservationView {
	return protocol.ReservationView{
		Token:       res.Token,
		Owner:       res.Owner,
		State:       res.State,
		Filters:     res.FilterMap(),
		Allocation:  res.Allocation,
		CreatedAt:   res.CreatedAt,
		RefreshedAt: res.RefreshedAt,
	}
}

func (s *apiServer) createReservation(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	var req protocol.ReserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, 400, "invalid body")
		return
	}
	tok, err := token.NewReservationToken()
	if err != nil {
		respondError(w, r, 500, err.Error())
		return
	}
	res := models.Reservation{
		Token:       tok,
		Owner:       identity,
		State:       models.ReservationWaiting,
		RefreshedAt: time.Now(),
	}
	res.SetFilterMap(req.Filters)
	if err := db.DB.Create(&res).Error; err != nil {
		respondError(w, r, 500, err.Error())
		return
	}
	db.Event(s.logger, "reservation-created", "", identity, map[string]any{"filters": req.Filters})
	s.allocateWaiting()
	// reload: allocation may already have happened
	_ = db.DB.First(&res, res.ID).Error
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, reservationView(&res))
}

func (s *apiServer) listReservations(w http.ResponseWriter, r *http.Request) {
	var rows []models.Reservation
	if err := db.DB.Order("created_at").Find(&rows).Error; err != nil {
		respondError(w, r, 500, err.Error())
		return
	}
	out := make([]protocol.ReservationView, 0, len(rows))
	for i := range rows {
		out = append(out, reservationView(&rows[i]))
	}
	writeJSON(w, out)
}

func (s *apiServer) getReservation(w http.ResponseWriter, r *http.Request) {
	var res models.Reservation
	if err := db.DB.First(&res, "token = ?", chi.URLParam(r, "token")).Error; err != nil {
		respondError(w, r, 404, "reservation not found")
		return
	}
	writeJSON(w, reservationView(&res))
}

// refreshReservation keeps a waiting or allocated reservation alive.
func (s *apiServer) refreshReservation(w http.ResponseWriter, r *http.Request) {
	var res models.Reservation
	if err := db.DB.First(&res, "token = ?", chi.URLParam(r, "token")).Error; err != nil {
		respondError(w, r, 404, "reservation not found")
		return
	}
	switch res.State {
	case models.ReservationWaiting, models.ReservationAllocated:
		res.RefreshedAt = time.Now()
		if err := db.DB.Save(&res).Error; err != nil {
			respondError(w, r, 500, err.Error())
			return
		}
	}
	writeJSON(w, reservationView(&res))
}

func (s *apiServer) cancelReservation(w http.ResponseWriter, r *http.Request) {
	var res models.Reservation
	if err := db.DB.First(&res, "token = ?", chi.URLParam(r, "token")).Error; err != nil {
		respondError(w, r, 404, "reservation not found")
		return
	}
	err := db.DB.Transaction(func(tx *gorm.DB) error {
		if res.State == models.ReservationAllocated && res.Allocation != "" {
			if err := tx.Model(&models.Place{}).Where("name = ? AND reservation_token = ?", res.Allocation, res.Token).
				Update("reservation_token", "").Error; err != nil {
				return err
			}
		}
		return tx.Delete(&res).Error
	})
	if err != nil {
		respondError(w, r, 500, err.Error())
		return
	}
	db.Event(s.logger, "reservation-cancelled", res.Allocation, identityFrom(r), nil)
	s.allocateWaiting()
	w.WriteHeader(http.StatusNoContent)
}

// allocateWaiting hands free matching places to waiting reservations,
// oldest first. Called whenever a place or reservation changes state.
func (s *apiServer) allocateWaiting() {
	err := db.DB.Transaction(func(tx *gorm.DB) error {
		var waiting []models.Reservation
		if err := tx.Where("state = ?", models.ReservationWaiting).Order("created_at").Find(&waiting).Error; err != nil {
			return err
		}
		if len(waiting) == 0 {
			return nil
		}
		var places []models.Place
		if err := tx.Where("acquired = '' AND reservation_token = ''").Find(&places).Error; err != nil {
			return err
		}
		taken := map[uint]bool{}
		for i := range waiting {
			res := &waiting[i]
			filter := res.FilterMap()
			for j := range places {
				p := &places[j]
				if taken[p.ID] || !models.TagsMatch(filter, p.TagMap()) {
					continue
				}
				taken[p.ID] = true
				p.ReservationToken = res.Token
				res.State = models.ReservationAllocated
				res.Allocation = p.Name
				res.RefreshedAt = time.Now()
				if err := tx.Save(p).Error; err != nil {
					return err
				}
				if err := tx.Save(res).Error; err != nil {
					return err
				}
				db.Event(s.logger, "reservation-allocated", p.Name, res.Owner, nil)
				break
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("reservation allocation failed", "error", err)
	}
}

// sweep expires unrefreshed reservations and marks silent exporters stale.
func (s *apiServer) sweep() {
	now := time.Now()

	// exporters past the heartbeat grace period
	var silent []models.Exporter
	cutoff := now.Add(-s.cfg.ExporterTimeout)
	if err := db.DB.Where("stale = ? AND last_seen < ?", false, cutoff).Find(&silent).Error; err == nil {
		for i := range silent {
			e := &silent[i]
			e.Stale = true
			if err := db.DB.Save(e).Error; err != nil {
				continue
			}
			// availability comes back with the next resource update
			_ = db.DB.Model(&models.Resource{}).Where("exporter_id = ?", e.ID).Update("available", false).Error
			s.logger.Warn("exporter went stale", "name", e.Name, "lastSeen", e.LastSeen)
		}
	}

	// reservations that stopped refreshing
	var stale []models.Reservation
	resCutoff := now.Add(-s.cfg.ReservationTimeout)
	err := db.DB.Where("state IN ? AND refreshed_at < ?",
		[]string{models.ReservationWaiting, models.ReservationAllocated}, resCutoff).Find(&stale).Error
	if err == nil {
		for i := range stale {
			res := &stale[i]
			expireErr := db.DB.Transaction(func(tx *gorm.DB) error {
				if res.State == models.ReservationAllocated && res.Allocation != "" {
					if err := tx.Model(&models.Place{}).Where("name = ? AND reservation_token = ?", res.Allocation, res.Token).
						Update("reservation_token", "").Error; err != nil {
						return err
					}
				}
				res.State = models.ReservationExpired
				return tx.Save(res).Error
			})
			if expireErr != nil {
				s.logger.Error("reservation expiry failed", "token", res.Token, "error", expireErr)
				continue
			}
			db.Event(s.logger, "reservation-expired", res.Allocation, res.Owner, nil)
		}
	}

	s.allocateWaiting()
}

// StartSweeper runs the periodic expiry sweep until ctx is cancelled.
func StartSweeper(ctx context.Context, cfg *config.Config, logger logging.Logger) {
	s := &apiServer{cfg: cfg, logger: logger}
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}
