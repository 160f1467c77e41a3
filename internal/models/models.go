// Package models defines the persisted coordinator state: places, exported
// resources, reservations, and the observability rows.
package models

import (
	"encoding/json"
	"time"
)

// Reservation states.
const (
	ReservationWaiting   = "waiting"
	ReservationAllocated = "allocated"
	ReservationAcquired  = "acquired"
	ReservationExpired   = "expired"
	ReservationInvalid   = "invalid"
)

// Place is a named slot that a user can acquire. Resources are attached via
// match patterns (exporter/group/class).
type Place struct {
	ID      uint   `gorm:"primaryKey" json:"id"`
	Name    string `gorm:"uniqueIndex" json:"name"`
	Aliases string `json:"-"` // JSON []string
	Comment string `json:"comment"`
	Tags    string `json:"-"` // JSON map[string]string

	// Acquired holds the owning "user/host" identity, empty when free.
	Acquired string `json:"acquired"`
	// Allowed is a JSON list of additional identities granted access.
	Allowed string `json:"-"`
	// AcquiredResources is a JSON list of resource ids locked with the place.
	AcquiredResources string `json:"-"`
	// ReservationToken binds the place to an allocated reservation.
	ReservationToken string `gorm:"index" json:"-"`

	Matches []Match `json:"matches"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Match selects exported resources for a place. Each segment may be "*".
type Match struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	PlaceID  uint   `gorm:"index;not null" json:"-"`
	Exporter string `json:"exporter"`
	Group    string `json:"group"`
	Class    string `json:"class"`
}

// Exporter is a registered resource agent.
type Exporter struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Name         string    `gorm:"uniqueIndex" json:"name"`
	Hostname     string    `json:"hostname"`
	Version      string    `json:"version"`
	TokenHash    string    `json:"-"`
	Stale        bool      `json:"stale"`
	RegisteredAt time.Time `json:"registeredAt"`
	LastSeen     time.Time `json:"lastSeen"`
}

// Resource is a single exported resource in an exporter group.
type Resource struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	ExporterID uint   `gorm:"index;not null" json:"-"`
	GroupName  string `gorm:"index" json:"group"`
	Class      string `json:"class"`
	Params     string `json:"-"` // JSON map[string]any
	Available  bool   `json:"available"`
	// AcquiredBy is the name of the place holding this resource, if any.
	AcquiredBy string    `gorm:"index" json:"acquiredBy"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Reservation is a queued request for a place matching a tag filter.
// Tokens are handed out once in cleartext; the row keeps only the token
// itself since it doubles as the lookup key.
type Reservation struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Token       string    `gorm:"uniqueIndex" json:"token"`
	Owner       string    `json:"owner"`
	State       string    `gorm:"index" json:"state"`
	Filters     string    `json:"-"` // JSON map[string]string, main group tags
	Allocation  string    `json:"allocation"`
	CreatedAt   time.Time `json:"createdAt"`
	RefreshedAt time.Time `json:"refreshedAt"`
}

// Persistent observability models

type LogEntry struct {
	ID     uint      `gorm:"primaryKey" json:"id"`
	Time   time.Time `json:"time"`
	Level  string    `json:"level"`
	Msg    string    `json:"msg"`
	Fields string    `json:"fields"` // JSON string of fields
}

// EventRow records a place/reservation state change for the audit feed.
type EventRow struct {
	ID     uint      `gorm:"primaryKey" json:"id"`
	Time   time.Time `json:"time"`
	Kind   string    `gorm:"index" json:"kind"` // place-acquired, place-released, ...
	Place  string    `gorm:"index" json:"place"`
	Actor  string    `json:"actor"`
	Fields string    `json:"fields"` // JSON string of extra fields
}

// TraceRow persists per-request HTTP traces for the errors API.
type TraceRow struct {
	ID         string    `gorm:"primaryKey" json:"id"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Status     int       `json:"status"`
	User       string    `json:"user"`
	RemoteIP   string    `json:"remoteIp"`
	ReqBytes   int64     `json:"reqBytes"`
	RespBytes  int64     `json:"respBytes"`
	Started    time.Time `json:"started"`
	Ended      time.Time `json:"ended"`
	DurationNs int64     `json:"durationNs"`
}

// JSON column helpers. Decode errors yield empty values: a row written by an
// older schema should never make a list endpoint fail.

func (p *Place) AliasList() []string {
	var out []string
	if p.Aliases != "" {
		_ = json.Unmarshal([]byte(p.Aliases), &out)
	}
	return out
}

func (p *Place) SetAliasList(aliases []string) {
	b, _ := json.Marshal(aliases)
	p.Aliases = string(b)
}

func (p *Place) AllowedList() []string {
	var out []string
	if p.Allowed != "" {
		_ = json.Unmarshal([]byte(p.Allowed), &out)
	}
	return out
}

func (p *Place) SetAllowedList(allowed []string) {
	b, _ := json.Marshal(allowed)
	p.Allowed = string(b)
}

func (p *Place) TagMap() map[string]string {
	out := map[string]string{}
	if p.Tags != "" {
		_ = json.Unmarshal([]byte(p.Tags), &out)
	}
	return out
}

func (p *Place) SetTagMap(tags map[string]string) {
	b, _ := json.Marshal(tags)
	p.Tags = string(b)
}

func (p *Place) AcquiredResourceIDs() []uint {
	var out []uint
	if p.AcquiredResources != "" {
		_ = json.Unmarshal([]byte(p.AcquiredResources), &out)
	}
	return out
}

func (p *Place) SetAcquiredResourceIDs(ids []uint) {
	b, _ := json.Marshal(ids)
	p.AcquiredResources = string(b)
}

func (r *Resource) ParamMap() map[string]any {
	out := map[string]any{}
	if r.Params != "" {
		_ = json.Unmarshal([]byte(r.Params), &out)
	}
	return out
}

func (r *Resource) SetParamMap(params map[string]any) {
	b, _ := json.Marshal(params)
	r.Params = string(b)
}

func (r *Reservation) FilterMap() map[string]string {
	out := map[string]string{}
	if r.Filters != "" {
		_ = json.Unmarshal([]byte(r.Filters), &out)
	}
	return out
}

func (r *Reservation) SetFilterMap(filters map[string]string) {
	b, _ := json.Marshal(filters)
	r.Filters = string(b)
}
