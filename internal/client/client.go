// Package client is the HTTP client for the coordinator API, shared by the
// command line tool and the exporter agent.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labgrid-project/labgrid-go/internal/protocol"
)

// Client talks to a coordinator. Identity is sent on every request and is
// what the coordinator records as the acquiring user. Token, when set, is
// the exporter bearer token.
type Client struct {
	BaseURL  string
	Identity string
	Token    string
	HTTP     *http.Client
}

// New returns a client for the coordinator at baseURL acting as identity
// ("user/host").
func New(baseURL, identity string) *Client {
	return &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Identity: identity,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError carries the coordinator's error response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("coordinator returned %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the coordinator.
func IsNotFound(err error) bool {
	var ae *APIError
	return asAPIError(err, &ae) && ae.Status == http.StatusNotFound
}

// IsConflict reports whether err is a 409 from the coordinator.
func IsConflict(err error) bool {
	var ae *APIError
	return asAPIError(err, &ae) && ae.Status == http.StatusConflict
}

func asAPIError(err error, target **APIError) bool {
	for err != nil {
		if ae, ok := err.(*APIError); ok {
			*target = ae
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// do performs a request against the API; out, when non-nil, receives the
// decoded JSON response body.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Identity != "" {
		req.Header.Set("X-LG-Identity", c.Identity)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		msg := resp.Status
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Version fetches the coordinator's version info.
func (c *Client) Version(ctx context.Context) (protocol.VersionInfo, error) {
	var v protocol.VersionInfo
	err := c.do(ctx, "GET", "/api/version", nil, &v)
	return v, err
}

// Places lists all places.
func (c *Client) Places(ctx context.Context) ([]protocol.PlaceView, error) {
	var out []protocol.PlaceView
	err := c.do(ctx, "GET", "/api/v1/places", nil, &out)
	return out, err
}

// Place fetches one place by name or alias.
func (c *Client) Place(ctx context.Context, name string) (protocol.PlaceView, error) {
	var out protocol.PlaceView
	err := c.do(ctx, "GET", "/api/v1/places/"+name, nil, &out)
	return out, err
}

// CreatePlace creates a new place.
func (c *Client) CreatePlace(ctx context.Context, name string) (protocol.PlaceView, error) {
	var out protocol.PlaceView
	err := c.do(ctx, "POST", "/api/v1/places", map[string]string{"name": name}, &out)
	return out, err
}

// DeletePlace removes a place. Fails while the place is acquired.
func (c *Client) DeletePlace(ctx context.Context, name string) error {
	return c.do(ctx, "DELETE", "/api/v1/places/"+name, nil, nil)
}

// AddAlias adds an alias to a place.
func (c *Client) AddAlias(ctx context.Context, place, alias string) error {
	return c.do(ctx, "POST", "/api/v1/places/"+place+"/aliases", map[string]string{"alias": alias}, nil)
}

// RemoveAlias removes an alias from a place.
func (c *Client) RemoveAlias(ctx context.Context, place, alias string) error {
	return c.do(ctx, "DELETE", "/api/v1/places/"+place+"/aliases/"+alias, nil, nil)
}

// SetTags merges tags into a place; an empty value deletes the key.
func (c *Client) SetTags(ctx context.Context, place string, tags map[string]string) error {
	return c.do(ctx, "PUT", "/api/v1/places/"+place+"/tags", tags, nil)
}

// SetComment sets the place comment.
func (c *Client) SetComment(ctx context.Context, place, comment string) error {
	return c.do(ctx, "PUT", "/api/v1/places/"+place+"/comment", map[string]string{"comment": comment}, nil)
}

// AddMatch adds a resource match pattern to a place.
func (c *Client) AddMatch(ctx context.Context, place, pattern string) error {
	return c.do(ctx, "POST", "/api/v1/places/"+place+"/matches", map[string]string{"pattern": pattern}, nil)
}

// RemoveMatch removes a resource match pattern from a place.
func (c *Client) RemoveMatch(ctx context.Context, place, pattern string) error {
	return c.do(ctx, "DELETE", "/api/v1/places/"+place+"/matches", map[string]string{"pattern": pattern}, nil)
}

// Acquire acquires a place. A reservation token unlocks a place held for an
// allocated reservation.
func (c *Client) Acquire(ctx context.Context, place, reservationToken string) (protocol.PlaceView, error) {
	var out protocol.PlaceView
	err := c.do(ctx, "POST", "/api/v1/places/"+place+"/acquire", protocol.AcquireRequest{Token: reservationToken}, &out)
	return out, err
}

// Release releases a place. Kick releases it even when acquired by someone
// else.
func (c *Client) Release(ctx context.Context, place string, kick bool) error {
	return c.do(ctx, "POST", "/api/v1/places/"+place+"/release", protocol.ReleaseRequest{Kick: kick}, nil)
}

// Allow grants another user release access to an acquired place.
func (c *Client) Allow(ctx context.Context, place, user string) error {
	return c.do(ctx, "POST", "/api/v1/places/"+place+"/allow", protocol.AllowRequest{User: user}, nil)
}

// Resources lists all resources known to the coordinator.
func (c *Client) Resources(ctx context.Context) ([]protocol.ResourceView, error) {
	var out []protocol.ResourceView
	err := c.do(ctx, "GET", "/api/v1/resources", nil, &out)
	return out, err
}

// Exporters lists registered exporters.
func (c *Client) Exporters(ctx context.Context) ([]protocol.ExporterView, error) {
	var out []protocol.ExporterView
	err := c.do(ctx, "GET", "/api/v1/exporters", nil, &out)
	return out, err
}

// Register announces an exporter. The returned token authenticates later
// resource updates and heartbeats; it is stored on the client.
func (c *Client) Register(ctx context.Context, req protocol.RegisterRequest) (string, error) {
	var out protocol.RegisterResponse
	if err := c.do(ctx, "POST", "/api/v1/exporters/register", req, &out); err != nil {
		return "", err
	}
	c.Token = out.Token
	return out.Token, nil
}

// UpdateResources replaces the exporter's resource inventory.
func (c *Client) UpdateResources(ctx context.Context, exporter string, update protocol.ResourceUpdate) error {
	return c.do(ctx, "PUT", "/api/v1/exporters/"+exporter+"/resources", update, nil)
}

// Heartbeat refreshes the exporter's liveness.
func (c *Client) Heartbeat(ctx context.Context, exporter string) error {
	return c.do(ctx, "POST", "/api/v1/exporters/"+exporter+"/heartbeat", nil, nil)
}

// Reserve creates a reservation for a place matching the tag filter.
func (c *Client) Reserve(ctx context.Context, filters map[string]string) (protocol.ReservationView, error) {
	var out protocol.ReservationView
	err := c.do(ctx, "POST", "/api/v1/reservations", protocol.ReserveRequest{Filters: filters}, &out)
	return out, err
}

// Reservations lists all reservations.
func (c *Client) Reservations(ctx context.Context) ([]protocol.ReservationView, error) {
	var out []protocol.ReservationView
	err := c.do(ctx, "GET", "/api/v1/reservations", nil, &out)
	return out, err
}

// Reservation fetches one reservation by token.
func (c *Client) Reservation(ctx context.Context, token string) (protocol.ReservationView, error) {
	var out protocol.ReservationView
	err := c.do(ctx, "GET", "/api/v1/reservations/"+token, nil, &out)
	return out, err
}

// RefreshReservation extends a waiting or allocated reservation.
func (c *Client) RefreshReservation(ctx context.Context, token string) (protocol.ReservationView, error) {
	var out protocol.ReservationView
	err := c.do(ctx, "POST", "/api/v1/reservations/"+token+"/refresh", nil, &out)
	return out, err
}

// CancelReservation removes a reservation and frees any held place.
func (c *Client) CancelReservation(ctx context.Context, token string) error {
	return c.do(ctx, "DELETE", "/api/v1/reservations/"+token, nil, nil)
}

// WaitReservation polls a reservation until it is allocated, refreshing it
// along the way. It returns the allocated view or an error when the
// reservation expires or ctx is done.
func (c *Client) WaitReservation(ctx context.Context, token string, interval time.Duration) (protocol.ReservationView, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		view, err := c.RefreshReservation(ctx, token)
		if err != nil {
			return view, err
		}
		switch view.State {
		case "allocated", "acquired":
			return view, nil
		case "expired", "invalid":
			return view, fmt.Errorf("reservation %s is %s", token, view.State)
		}
		select {
		case <-ctx.Done():
			return view, ctx.Err()
		case <-ticker.C:
		}
	}
}
