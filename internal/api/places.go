package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/labgrid-project/labgrid-go/internal/db"
	"github.com/labgrid-project/labgrid-go/internal/models"
	"github.com/labgrid-project/labgrid-go/internal/protocol"
	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

// Domain errors mapped to HTTP statuses by the handlers.
var (
	errAlreadyAcquired    = errors.New("place is already acquired")
	errNotAcquired        = errors.New("place is not acquired")
	errNotOwner           = errors.New("place is acquired by another user")
	errHeldForReservation = errors.New("place is held for a reservation")
	errResourceBusy       = errors.New("a matched resource is acquired by another place")
)

// findPlace resolves a place by name or alias, matches preloaded.
func findPlace(tx *gorm.DB, name string) (*models.Place, error) {
	var p models.Place
	err := tx.Preload("Matches").First(&p, "name = ?", name).Error
	if err == nil {
		return &p, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	// alias lookup: aliases are a JSON column, scan the (small) place table
	var all []models.Place
	if err := tx.Preload("Matches").Find(&all).Error; err != nil {
		return nil, err
	}
	for i := range all {
		if slices.Contains(all[i].AliasList(), name) {
			return &all[i], nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

// matchedResources returns the resources selected by the place's match
// patterns, with their exporter names resolved.
func matchedResources(tx *gorm.DB, p *models.Place) ([]models.Resource, map[uint]string, error) {
	var exporters []models.Exporter
	if err := tx.Find(&exporters).Error; err != nil {
		return nil, nil, err
	}
	names := map[uint]string{}
	for _, e := range exporters {
		names[e.ID] = e.Name
	}
	var resources []models.Resource
	if err := tx.Find(&resources).Error; err != nil {
		return nil, nil, err
	}
	var out []models.Resource
	for _, res := range resources {
		for _, m := range p.Matches {
			if m.MatchesResource(names[res.ExporterID], res.GroupName, res.Class) {
				out = append(out, res)
				break
			}
		}
	}
	return out, names, nil
}

func placeView(tx *gorm.DB, p *models.Place, withResources bool) (protocol.PlaceView, error) {
	v := protocol.PlaceView{
		Name:      p.Name,
		Aliases:   p.AliasList(),
		Comment:   p.Comment,
		Tags:      p.TagMap(),
		Acquired:  p.Acquired,
		CreatedAt: p.CreatedAt,
		ChangedAt: p.UpdatedAt,
	}
	for _, m := range p.Matches {
		v.Matches = append(v.Matches, m.Pattern())
	}
	if withResources {
		matched, names, err := matchedResources(tx, p)
		if err != nil {
			return v, err
		}
		for _, res := range matched {
			v.Resources = append(v.Resources, protocol.ResourceView{
				Exporter:   names[res.ExporterID],
				Group:      res.GroupName,
				Class:      res.Class,
				Params:     res.ParamMap(),
				Available:  res.Available,
				AcquiredBy: res.AcquiredBy,
			})
		}
	}
	return v, nil
}

func (s *apiServer) listPlaces(w http.ResponseWriter, r *http.Request) {
	var places []models.Place
	if err := db.DB.Preload("Matches").Order("name").Find(&places).Error; err != nil {
		respondError(w, r, 500, err.Error())
		return
	}
	out := make([]protocol.PlaceView, 0, len(places))
	for i := range places {
		v, err := placeView(db.DB, &places[i], true)
		if err != nil {
			respondError(w, r, 500, err.Error())
			return
		}
		out = append(out, v)
	}
	writeJSON(w, out)
}

func (s *apiServer) getPlace(w http.ResponseWriter, r *http.Request) {
	p, err := findPlace(db.DB, chi.URLParam(r, "name"))
	if err != nil {
		respondError(w, r, 404, "place not found")
		return
	}
	v, err := placeView(db.DB, p, true)
	if err != nil {
		respondError(w, r, 500, err.Error())
		return
	}
	writeJSON(w, v)
}

func (s *apiServer) createPlace(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Name == "" {
		respondError(w, r, 400, "name is required")
		return
	}
	if _, err := findPlace(db.DB, in.Name); err == nil {
		respondError(w, r, 409, "place or alias exists")
		return
	}
	p := models.Place{Name: in.Name}
	if err := db.DB.Create(&p).Error; err != nil {
		respondError(w, r, 500, err.Error())
		return
	}
	db.Event(s.logger, "place-created", p.Name, identityFrom(r), nil)
	s.allocateWaiting()
	v, _ := placeView(db.DB, &p, false)
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, v)
}

func (s *apiServer) deletePlace(w http.ResponseWriter, r *http.Request) {
	p, err := findPlace(db.DB, chi.URLParam(r, "name"))
	if err != nil {
		respondError(w, r, 404, "place not found")
		return
	}
	if p.Acquired != "" {
		respondError(w, r, 409, errAlreadyAcquired.Error())
		return
	}
	err = db.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("place_id = ?", p.ID).Delete(&models.Match{}).Error; err != nil {
			return err
		}
		return tx.Delete(p).Error
	})
	if err != nil {
		respondError(w, r, 500, err.Error())
		return
	}
	db.Event(s.logger, "place-deleted", p.Name, identityFrom(r), nil)
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) acquirePlace(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	var req protocol.AcquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		respondError(w, r, 400, "invalid body")
		return
	}
	p, err := findPlace(db.DB, chi.URLParam(r, "name"))
	if err != nil {
		respondError(w, r, 404, "place not found")
		return
	}
	err = db.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Preload("Matches").First(p, p.ID).Error; err != nil {
			return err
		}
		if p.Acquired != "" {
			return errAlreadyAcquired
		}
		if p.ReservationToken != "" && req.Token != p.ReservationToken {
			return errHeldForReservation
		}
		matched, _, err := matchedResources(tx, p)
		if err != nil {
			return err
		}
		ids := make([]uint, 0, len(matched))
		for _, res := range matched {
			if res.AcquiredBy != "" && res.AcquiredBy != p.Name {
				return errResourceBusy
			}
			ids = append(ids, res.ID)
		}
		if len(ids) > 0 {
			if err := tx.Model(&models.Resource{}).Where("id IN ?", ids).Update("acquired_by", p.Name).Error; err != nil {
				return err
			}
		}
		p.Acquired = identity
		p.SetAcquiredResourceIDs(ids)
		if req.Token != "" {
			var res models.Reservation
			if err := tx.First(&res, "token = ?", req.Token).Error; err == nil &&
				res.State == models.ReservationAllocated && res.Allocation == p.Name {
				res.State = models.ReservationAcquired
				res.RefreshedAt = time.Now()
				if err := tx.Save(&res).Error; err != nil {
					return err
				}
			}
		}
		return tx.Save(p).Error
	})
	switch {
	case err == nil:
	case errors.Is(err, errAlreadyAcquired), errors.Is(err, errHeldForReservation), errors.Is(err, errResourceBusy):
		respondError(w, r, 409, err.Error())
		return
	default:
		respondError(w, r, 500, err.Error())
		return
	}
	db.Event(s.logger, "place-acquired", p.Name, identity, map[string]any{"resources": len(p.AcquiredResourceIDs())})
	v, _ := placeView(db.DB, p, true)
	writeJSON(w, v)
}

func (s *apiServer) releasePlace(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	var req protocol.ReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		respondError(w, r, 400, "invalid body")
		return
	}
	p, err := findPlace(db.DB, chi.URLParam(r, "name"))
	if err != nil {
		respondError(w, r, 404, "place not found")
		return
	}
	previous := ""
	err = db.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Preload("Matches").First(p, p.ID).Error; err != nil {
			return err
		}
		if p.Acquired == "" {
			return errNotAcquired
		}
		if p.Acquired != identity && !req.Kick && !slices.Contains(p.AllowedList(), identity) {
			return errNotOwner
		}
		previous = p.Acquired
		if err := tx.Model(&models.Resource{}).Where("acquired_by = ?", p.Name).Update("acquired_by", "").Error; err != nil {
			return err
		}
		p.Acquired = ""
		p.AcquiredResources = ""
		p.Allowed = ""
		if p.ReservationToken != "" {
			var res models.Reservation
			if err := tx.First(&res, "token = ?", p.ReservationToken).Error; err == nil &&
				res.State == models.ReservationAcquired {
				// the reservation was used up by this acquire/release cycle
				res.State = models.ReservationExpired
				if err := tx.Save(&res).Error; err != nil {
					return err
				}
				p.ReservationToken = ""
			}
		}
		return tx.Save(p).Error
	})
	switch {
	case err == nil:
	case errors.Is(err, errNotAcquired):
		respondError(w, r, 409, err.Error())
		return
	case errors.Is(err, errNotOwner):
		respondError(w, r, 403, err.Error())
		return
	default:
		respondError(w, r, 500, err.Error())
		return
	}
	fields := map[string]any{}
	if req.Kick && previous != identity {
		fields["kicked"] = previous
	}
	db.Event(s.logger, "place-released", p.Name, identity, fields)
	s.allocateWaiting()
	v, _ := placeView(db.DB, p, false)
	writeJSON(w, v)
}

func (s *apiServer) allowPlace(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	var req protocol.AllowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.User == "" {
		respondError(w, r, 400, "user is required")
		return
	}
	p, err := findPlace(db.DB, chi.URLParam(r, "name"))
	if err != nil {
		respondError(w, r, 404, "place not found")
		return
	}
	if p.Acquired == "" {
		respondError(w, r, 409, errNotAcquired.Error())
		return
	}
	if p.Acquired != identity {
		respondError(w, r, 403, errNotOwner.Error())
		return
	}
	allowed := p.AllowedList()
	if !slices.Contains(allowed, req.User) {
		allowed = append(allowed, req.User)
		p.SetAllowedList(allowed)
		if err := db.DB.Save(p).Error; err != nil {
			respondError(w, r, 500, err.Error())
			return
		}
	}
	db.Event(s.logger, "place-allowed", p.Name, identity, map[string]any{"user": req.User})
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) addAlias(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Alias string `json:"alias"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Alias == "" {
		respondError(w, r, 400, "alias is required")
		return
	}
	p, err := findPlace(db.DB, chi.URLParam(r, "name"))
	if err != nil {
		respondError(w, r, 404, "place not found")
		return
	}
	if other, err := findPlace(db.DB, in.Alias); err == nil && other.ID != p.ID {
		respondError(w, r, 409, "alias collides with an existing place")
		return
	}
	aliases := p.AliasList()
	if !slices.Contains(aliases, in.Alias) {
		aliases = append(aliases, in.Alias)
		p.SetAliasList(aliases)
		if err := db.DB.Save(p).Error; err != nil {
			respondError(w, r, 500, err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) removeAlias(w http.ResponseWriter, r *http.Request) {
	p, err := findPlace(db.DB, chi.URLParam(r, "name"))
	if err != nil {
		respondError(w, r, 404, "place not found")
		return
	}
	alias := chi.URLParam(r, "alias")
	aliases := p.AliasList()
	idx := slices.Index(aliases, alias)
	if idx < 0 {
		respondError(w, r, 404, "alias not found")
		return
	}
	p.SetAliasList(slices.Delete(aliases, idx, idx+1))
	if err := db.DB.Save(p).Error; err != nil {
		respondError(w, r, 500, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// setTags merges the submitted tags into the place; an empty value removes
// the key.
func (s *apiServer) setTags(w http.ResponseWriter, r *http.Request) {
	var in map[string]string
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, r, 400, "invalid body")
		return
	}
	p, err := findPlace(db.DB, chi.URLParam(r, "name"))
	if err != nil {
		respondError(w, r, 404, "place not found")
		return
	}
	tags := p.TagMap()
	for k, v := range in {
		if v == "" {
			delete(tags, k)
		} else {
			tags[k] = v
		}
	}
	p.SetTagMap(tags)
	if err := db.DB.Save(p).Error; err != nil {
		respondError(w, r, 500, err.Error())
		return
	}
	// tag changes can satisfy waiting reservations
	s.allocateWaiting()
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) setComment(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Comment string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, r, 400, "invalid body")
		return
	}
	p, err := findPlace(db.DB, chi.URLParam(r, "name"))
	if err != nil {
		respondError(w, r, 404, "place not found")
		return
	}
	p.Comment = in.Comment
	if err := db.DB.Save(p).Error; err != nil {
		respondError(w, r, 500, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) addMatch(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Pattern string `json:"pattern"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Pattern == "" {
		respondError(w, r, 400, "pattern is required")
		return
	}
	p, err := findPlace(db.DB, chi.URLParam(r, "name"))
	if err != nil {
		respondError(w, r, 404, "place not found")
		return
	}
	m := models.ParseMatch(in.Pattern)
	for _, existing := range p.Matches {
		if existing.Pattern() == m.Pattern() {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	m.PlaceID = p.ID
	if err := db.DB.Create(&m).Error; err != nil {
		respondError(w, r, 500, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) removeMatch(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Pattern string `json:"pattern"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Pattern == "" {
		respondError(w, r, 400, "pattern is required")
		return
	}
	p, err := findPlace(db.DB, chi.URLParam(r, "name"))
	if err != nil {
		respondError(w, r, 404, "place not found")
		return
	}
	want := models.ParseMatch(in.Pattern).Pattern()
	for _, existing := range p.Matches {
		if existing.Pattern() == want {
			if err := db.DB.Delete(&existing).Error; err != nil {
				respondError(w, r, 500, err.Error())
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	respondError(w, r, 404, "match not found")
}

func (s *apiServer) listResources(w http.ResponseWriter, r *http.Request) {
	var exporters []models.Exporter
	if err := db.DB.Find(&exporters).Error; err != nil {
		respondError(w, r, 500, err.Error())
		return
	}
	names := map[uint]string{}
	for _, e := range exporters {
		names[e.ID] = e.Name
	}
	var resources []models.Resource
	if err := db.DB.Order("exporter_id, group_name, class").Find(&resources).Error; err != nil {
		respondError(w, r, 500, err.Error())
		return
	}
	out := make([]protocol.ResourceView, 0, len(resources))
	for _, res := range resources {
		out = append(out, protocol.ResourceView{
			Exporter:   names[res.ExporterID],
			Group:      res.GroupName,
			Class:      res.Class,
			Params:     res.ParamMap(),
			Available:  res.Available,
			AcquiredBy: res.AcquiredBy,
		})
	}
	writeJSON(w, out)
}
