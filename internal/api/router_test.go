package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/labgrid-project/labgrid-go/internal/config"
	"github.com/labgrid-project/labgrid-go/internal/db"
	"github.com/labgrid-project/labgrid-go/internal/logging"
	"github.com/labgrid-project/labgrid-go/internal/models"
	"github.com/labgrid-project/labgrid-go/internal/protocol"
)

// set up a temporary DB and router for integration-style tests
func setupTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	tmp := t.TempDir()
	cfg := &config.Config{
		Env:                "test",
		DBPath:             filepath.Join(tmp, "test.db"),
		DBDriver:           "sqlite",
		ExporterTimeout:    90 * time.Second,
		ReservationTimeout: 60 * time.Second,
		SweepInterval:      time.Second,
	}
	logger := logging.New(false)
	if err := db.Init(cfg, logger); err != nil {
		t.Fatalf("db init: %v", err)
	}
	ts := httptest.NewServer(Router(cfg, logger))
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, body any, identity string, headers map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if identity != "" {
		req.Header.Set("X-LG-Identity", identity)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestHealthAndVersion(t *testing.T) {
	ts := setupTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("/health status=%d", resp.StatusCode)
	}
	resp, err = http.Get(ts.URL + "/api/version")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("/api/version status=%d", resp.StatusCode)
	}
	info := decode[protocol.VersionInfo](t, resp)
	if info.Name != "labgrid-coordinator" {
		t.Fatalf("unexpected name %q", info.Name)
	}
}

func TestPlaceLifecycle(t *testing.T) {
	ts := setupTestServer(t)
	base := ts.URL + "/api/v1"

	resp := doJSON(t, "POST", base+"/places", map[string]string{"name": "board-1"}, "alice/host", nil)
	if resp.StatusCode != 201 {
		t.Fatalf("create status=%d", resp.StatusCode)
	}
	resp.Body.Close()

	// duplicate name rejected
	resp = doJSON(t, "POST", base+"/places", map[string]string{"name": "board-1"}, "alice/host", nil)
	if resp.StatusCode != 409 {
		t.Fatalf("duplicate create status=%d", resp.StatusCode)
	}
	resp.Body.Close()

	// alias and lookup through it
	resp = doJSON(t, "POST", base+"/places/board-1/aliases", map[string]string{"alias": "main"}, "alice/host", nil)
	if resp.StatusCode != 204 {
		t.Fatalf("add alias status=%d", resp.StatusCode)
	}
	resp.Body.Close()
	resp = doJSON(t, "GET", base+"/places/main", nil, "", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("get by alias status=%d", resp.StatusCode)
	}
	view := decode[protocol.PlaceView](t, resp)
	if view.Name != "board-1" {
		t.Fatalf("alias resolved to %q", view.Name)
	}

	// tags merge, empty value deletes
	resp = doJSON(t, "PUT", base+"/places/board-1/tags", map[string]string{"board": "ptx", "rev": "2"}, "alice/host", nil)
	resp.Body.Close()
	resp = doJSON(t, "PUT", base+"/places/board-1/tags", map[string]string{"rev": ""}, "alice/host", nil)
	resp.Body.Close()
	resp = doJSON(t, "GET", base+"/places/board-1", nil, "", nil)
	view = decode[protocol.PlaceView](t, resp)
	if view.Tags["board"] != "ptx" {
		t.Fatalf("tag missing: %v", view.Tags)
	}
	if _, ok := view.Tags["rev"]; ok {
		t.Fatalf("empty value should delete tag")
	}

	// acquire, conflict, release
	resp = doJSON(t, "POST", base+"/places/board-1/acquire", nil, "alice/host", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("acquire status=%d", resp.StatusCode)
	}
	view = decode[protocol.PlaceView](t, resp)
	if view.Acquired != "alice/host" {
		t.Fatalf("acquired=%q", view.Acquired)
	}
	resp = doJSON(t, "POST", base+"/places/board-1/acquire", nil, "bob/host", nil)
	if resp.StatusCode != 409 {
		t.Fatalf("second acquire status=%d", resp.StatusCode)
	}
	resp.Body.Close()
	resp = doJSON(t, "POST", base+"/places/board-1/release", nil, "bob/host", nil)
	if resp.StatusCode != 403 {
		t.Fatalf("foreign release status=%d", resp.StatusCode)
	}
	resp.Body.Close()
	resp = doJSON(t, "POST", base+"/places/board-1/release", protocol.ReleaseRequest{Kick: true}, "bob/host", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("kick release status=%d", resp.StatusCode)
	}
	resp.Body.Close()

	// delete only when free
	resp = doJSON(t, "DELETE", base+"/places/board-1", nil, "alice/host", nil)
	if resp.StatusCode != 204 {
		t.Fatalf("delete status=%d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAllowRelease(t *testing.T) {
	ts := setupTestServer(t)
	base := ts.URL + "/api/v1"
	doJSON(t, "POST", base+"/places", map[string]string{"name": "board-2"}, "alice/host", nil).Body.Close()
	doJSON(t, "POST", base+"/places/board-2/acquire", nil, "alice/host", nil).Body.Close()

	resp := doJSON(t, "POST", base+"/places/board-2/allow", protocol.AllowRequest{User: "bob/host"}, "alice/host", nil)
	if resp.StatusCode != 204 {
		t.Fatalf("allow status=%d", resp.StatusCode)
	}
	resp.Body.Close()
	resp = doJSON(t, "POST", base+"/places/board-2/release", nil, "bob/host", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("allowed release status=%d", resp.StatusCode)
	}
	resp.Body.Close()
}

func registerExporter(t *testing.T, base, name string) string {
	t.Helper()
	resp := doJSON(t, "POST", base+"/exporters/register", protocol.RegisterRequest{Name: name, Hostname: name + ".lab", Version: "test"}, "", nil)
	if resp.StatusCode != 201 {
		t.Fatalf("register status=%d", resp.StatusCode)
	}
	return decode[protocol.RegisterResponse](t, resp).Token
}

func TestExporterFlow(t *testing.T) {
	ts := setupTestServer(t)
	base := ts.URL + "/api/v1"
	tok := registerExporter(t, base, "rack1")

	// same name without token is rejected while fresh
	resp := doJSON(t, "POST", base+"/exporters/register", protocol.RegisterRequest{Name: "rack1"}, "", nil)
	if resp.StatusCode != 409 {
		t.Fatalf("name reuse status=%d", resp.StatusCode)
	}
	resp.Body.Close()

	// re-registration with the token succeeds and keeps it
	resp = doJSON(t, "POST", base+"/exporters/register", protocol.RegisterRequest{Name: "rack1", Token: tok}, "", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("re-register status=%d", resp.StatusCode)
	}
	if got := decode[protocol.RegisterResponse](t, resp).Token; got != tok {
		t.Fatalf("token changed on re-register")
	}

	update := protocol.ResourceUpdate{Resources: []protocol.ResourceEntry{
		{Group: "ptx1", Class: "NetworkService", Params: map[string]any{"address": "10.0.0.2", "username": "root"}, Available: true},
		{Group: "ptx1", Class: "NetworkInterface", Params: map[string]any{"ifname": "eth0"}, Available: true},
	}}
	auth := map[string]string{"Authorization": "Bearer " + tok}
	resp = doJSON(t, "PUT", base+"/exporters/rack1/resources", update, "", auth)
	if resp.StatusCode != 204 {
		t.Fatalf("update resources status=%d", resp.StatusCode)
	}
	resp.Body.Close()

	// bad token rejected
	resp = doJSON(t, "PUT", base+"/exporters/rack1/resources", update, "", map[string]string{"Authorization": "Bearer nope"})
	if resp.StatusCode != 403 {
		t.Fatalf("bad token status=%d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, "GET", base+"/resources", nil, "", nil)
	views := decode[[]protocol.ResourceView](t, resp)
	if len(views) != 2 {
		t.Fatalf("expected 2 resources, got %d", len(views))
	}

	// a place matching the exporter group locks its resources on acquire
	doJSON(t, "POST", base+"/places", map[string]string{"name": "board-3"}, "alice/host", nil).Body.Close()
	doJSON(t, "POST", base+"/places/board-3/matches", map[string]string{"pattern": "rack1/ptx1"}, "alice/host", nil).Body.Close()
	resp = doJSON(t, "POST", base+"/places/board-3/acquire", nil, "alice/host", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("acquire status=%d", resp.StatusCode)
	}
	pv := decode[protocol.PlaceView](t, resp)
	if len(pv.Resources) != 2 {
		t.Fatalf("expected 2 matched resources, got %d", len(pv.Resources))
	}
	for _, rv := range pv.Resources {
		if rv.AcquiredBy != "board-3" {
			t.Fatalf("resource not locked: %+v", rv)
		}
	}

	// a second place matching the same resources cannot be acquired
	doJSON(t, "POST", base+"/places", map[string]string{"name": "board-4"}, "bob/host", nil).Body.Close()
	doJSON(t, "POST", base+"/places/board-4/matches", map[string]string{"pattern": "rack1/ptx1/NetworkService"}, "bob/host", nil).Body.Close()
	resp = doJSON(t, "POST", base+"/places/board-4/acquire", nil, "bob/host", nil)
	if resp.StatusCode != 409 {
		t.Fatalf("busy resource acquire status=%d", resp.StatusCode)
	}
	resp.Body.Close()

	// release frees the resources
	doJSON(t, "POST", base+"/places/board-3/release", nil, "alice/host", nil).Body.Close()
	resp = doJSON(t, "POST", base+"/places/board-4/acquire", nil, "bob/host", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("acquire after release status=%d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestReservationFlow(t *testing.T) {
	ts := setupTestServer(t)
	base := ts.URL + "/api/v1"

	doJSON(t, "POST", base+"/places", map[string]string{"name": "board-5"}, "alice/host", nil).Body.Close()
	doJSON(t, "PUT", base+"/places/board-5/tags", map[string]string{"board": "ptx"}, "alice/host", nil).Body.Close()

	// matching reservation allocates immediately
	resp := doJSON(t, "POST", base+"/reservations", protocol.ReserveRequest{Filters: map[string]string{"board": "ptx"}}, "alice/host", nil)
	if resp.StatusCode != 201 {
		t.Fatalf("reserve status=%d", resp.StatusCode)
	}
	res := decode[protocol.ReservationView](t, resp)
	if res.State != models.ReservationAllocated || res.Allocation != "board-5" {
		t.Fatalf("unexpected reservation %+v", res)
	}

	// the allocation blocks plain acquire
	resp = doJSON(t, "POST", base+"/places/board-5/acquire", nil, "bob/host", nil)
	if resp.StatusCode != 409 {
		t.Fatalf("held place acquire status=%d", resp.StatusCode)
	}
	resp.Body.Close()

	// token holder acquires; reservation moves to acquired
	resp = doJSON(t, "POST", base+"/places/board-5/acquire", protocol.AcquireRequest{Token: res.Token}, "alice/host", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("token acquire status=%d", resp.StatusCode)
	}
	resp.Body.Close()
	resp = doJSON(t, "GET", base+"/reservations/"+res.Token, nil, "", nil)
	if got := decode[protocol.ReservationView](t, resp); got.State != models.ReservationAcquired {
		t.Fatalf("state=%s", got.State)
	}

	// release finishes the reservation
	doJSON(t, "POST", base+"/places/board-5/release", nil, "alice/host", nil).Body.Close()
	resp = doJSON(t, "GET", base+"/reservations/"+res.Token, nil, "", nil)
	if got := decode[protocol.ReservationView](t, resp); got.State != models.ReservationExpired {
		t.Fatalf("state after release=%s", got.State)
	}

	// non-matching filter stays waiting, then allocates when a place appears
	resp = doJSON(t, "POST", base+"/reservations", protocol.ReserveRequest{Filters: map[string]string{"board": "imx"}}, "bob/host", nil)
	waiting := decode[protocol.ReservationView](t, resp)
	if waiting.State != models.ReservationWaiting {
		t.Fatalf("state=%s", waiting.State)
	}
	doJSON(t, "POST", base+"/places", map[string]string{"name": "board-6"}, "bob/host", nil).Body.Close()
	doJSON(t, "PUT", base+"/places/board-6/tags", map[string]string{"board": "imx"}, "bob/host", nil).Body.Close()
	resp = doJSON(t, "GET", base+"/reservations/"+waiting.Token, nil, "", nil)
	if got := decode[protocol.ReservationView](t, resp); got.State != models.ReservationAllocated || got.Allocation != "board-6" {
		t.Fatalf("unexpected reservation %+v", got)
	}

	// cancel clears the binding
	resp = doJSON(t, "DELETE", base+"/reservations/"+waiting.Token, nil, "bob/host", nil)
	if resp.StatusCode != 204 {
		t.Fatalf("cancel status=%d", resp.StatusCode)
	}
	resp.Body.Close()
	resp = doJSON(t, "POST", base+"/places/board-6/acquire", nil, "carol/host", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("acquire after cancel status=%d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSweepMarksSilentExportersStale(t *testing.T) {
	setupTestServer(t)

	exp := models.Exporter{
		Name:         "rack1",
		Hostname:     "rack1.lab",
		TokenHash:    "x",
		RegisteredAt: time.Now().Add(-time.Hour),
		LastSeen:     time.Now().Add(-time.Hour),
	}
	if err := db.DB.Create(&exp).Error; err != nil {
		t.Fatal(err)
	}
	res := models.Resource{ExporterID: exp.ID, GroupName: "ptx1", Class: "NetworkService", Available: true}
	if err := db.DB.Create(&res).Error; err != nil {
		t.Fatal(err)
	}

	s := &apiServer{
		cfg: &config.Config{
			ExporterTimeout:    time.Millisecond,
			ReservationTimeout: time.Hour,
		},
		logger: logging.New(false),
	}
	s.sweep()

	var got models.Exporter
	if err := db.DB.First(&got, exp.ID).Error; err != nil {
		t.Fatal(err)
	}
	if !got.Stale {
		t.Fatal("silent exporter should be stale after sweep")
	}
	var gotRes models.Resource
	if err := db.DB.First(&gotRes, res.ID).Error; err != nil {
		t.Fatal(err)
	}
	if gotRes.Available {
		t.Fatal("stale exporter's resources should be unavailable")
	}
}

func TestSweepExpiresUnrefreshedReservations(t *testing.T) {
	setupTestServer(t)

	place := models.Place{Name: "board-9", ReservationToken: "restok"}
	place.SetTagMap(map[string]string{"board": "ptx"})
	if err := db.DB.Create(&place).Error; err != nil {
		t.Fatal(err)
	}
	res := models.Reservation{
		Token:       "restok",
		Owner:       "alice/host",
		State:       models.ReservationAllocated,
		Allocation:  "board-9",
		RefreshedAt: time.Now().Add(-time.Hour),
	}
	if err := db.DB.Create(&res).Error; err != nil {
		t.Fatal(err)
	}

	s := &apiServer{
		cfg: &config.Config{
			ExporterTimeout:    time.Hour,
			ReservationTimeout: time.Millisecond,
		},
		logger: logging.New(false),
	}
	s.sweep()

	var gotRes models.Reservation
	if err := db.DB.First(&gotRes, "token = ?", "restok").Error; err != nil {
		t.Fatal(err)
	}
	if gotRes.State != models.ReservationExpired {
		t.Fatalf("expected expired, got %q", gotRes.State)
	}
	var gotPlace models.Place
	if err := db.DB.First(&gotPlace, "name = ?", "board-9").Error; err != nil {
		t.Fatal(err)
	}
	if gotPlace.ReservationToken != "" {
		t.Fatal("expiry should unbind the place")
	}

	// the freed place goes to the next waiting reservation
	waiting := models.Reservation{
		Token:       "waittok",
		Owner:       "bob/host",
		State:       models.ReservationWaiting,
		RefreshedAt: time.Now(),
	}
	waiting.SetFilterMap(map[string]string{"board": "ptx"})
	if err := db.DB.Create(&waiting).Error; err != nil {
		t.Fatal(err)
	}
	s.allocateWaiting()
	var gotWaiting models.Reservation
	if err := db.DB.First(&gotWaiting, "token = ?", "waittok").Error; err != nil {
		t.Fatal(err)
	}
	if gotWaiting.State != models.ReservationAllocated || gotWaiting.Allocation != "board-9" {
		t.Fatalf("expected allocation of board-9, got %q/%q", gotWaiting.State, gotWaiting.Allocation)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	resp, err := http.Get(fmt.Sprintf("%s/api/v1/metrics", ts.URL))
	if err != nil {
		t.Fatal(err)
	}
	m := decode[map[string]any](t, resp)
	if _, ok := m["totalRequests"]; !ok {
		t.Fatalf("missing totalRequests: %v", m)
	}
	if _, ok := m["reservations"]; !ok {
		t.Fatalf("missing reservation gauges: %v", m)
	}
}
