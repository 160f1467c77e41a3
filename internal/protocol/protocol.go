// Package protocol defines the request and response bodies exchanged
// between the coordinator, exporters, and clients. Shared between all three
// binaries to keep the wire format in one place.
package protocol

import "time"

// RegisterRequest is sent by an exporter to announce itself. Re-registering
// under an existing name requires the token issued previously.
type RegisterRequest struct {
	Name     string `json:"name"`
	Hostname string `json:"hostname"`
	Version  string `json:"version"`
	Token    string `json:"token,omitempty"`
}

// RegisterResponse carries the exporter token. The token is only returned
// here; subsequent calls authenticate with it.
type RegisterResponse struct {
	Token string `json:"token"`
}

// ResourceUpdate replaces the full resource inventory of an exporter.
type ResourceUpdate struct {
	Resources []ResourceEntry `json:"resources"`
}

// ResourceEntry describes one exported resource.
type ResourceEntry struct {
	Group     string         `json:"group"`
	Class     string         `json:"class"`
	Params    map[string]any `json:"params,omitempty"`
	Available bool           `json:"available"`
}

// ResourceView is the coordinator's representation of a resource, as
// returned by the list endpoints.
type ResourceView struct {
	Exporter   string         `json:"exporter"`
	Group      string         `json:"group"`
	Class      string         `json:"class"`
	Params     map[string]any `json:"params,omitempty"`
	Available  bool           `json:"available"`
	AcquiredBy string         `json:"acquiredBy,omitempty"`
}

// ExporterView is the client-facing representation of an exporter. The
// token hash never leaves the coordinator.
type ExporterView struct {
	Name     string    `json:"name"`
	Hostname string    `json:"hostname,omitempty"`
	Version  string    `json:"version,omitempty"`
	Stale    bool      `json:"stale"`
	LastSeen time.Time `json:"lastSeen"`
}

// PlaceView is the client-facing representation of a place.
type PlaceView struct {
	Name      string            `json:"name"`
	Aliases   []string          `json:"aliases,omitempty"`
	Comment   string            `json:"comment,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	Matches   []string          `json:"matches,omitempty"`
	Acquired  string            `json:"acquired,omitempty"`
	Resources []ResourceView    `json:"resources,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	ChangedAt time.Time         `json:"changedAt"`
}

// ReservationView mirrors a reservation row, token included. The coordinator
// only returns it to the token holder or on initial creation.
type ReservationView struct {
	Token       string            `json:"token"`
	Owner       string            `json:"owner"`
	State       string            `json:"state"`
	Filters     map[string]string `json:"filters,omitempty"`
	Allocation  string            `json:"allocation,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	RefreshedAt time.Time         `json:"refreshedAt"`
}

// ReserveRequest creates a reservation for a place matching the tag filter.
type ReserveRequest struct {
	Filters map[string]string `json:"filters"`
}

// AcquireRequest acquires a place, optionally via an allocated reservation
// token.
type AcquireRequest struct {
	Token string `json:"token,omitempty"`
}

// ReleaseRequest releases a place. Kick releases an acquisition held by
// another user.
type ReleaseRequest struct {
	Kick bool `json:"kick,omitempty"`
}

// AllowRequest grants another user access to an acquired place.
type AllowRequest struct {
	User string `json:"user"`
}

// VersionInfo is returned by /api/version on all binaries.
type VersionInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	BuildTime string `json:"buildTime"`
}
