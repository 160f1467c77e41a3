package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labgrid-project/labgrid-go/internal/api"
	"github.com/labgrid-project/labgrid-go/internal/config"
	"github.com/labgrid-project/labgrid-go/internal/db"
	"github.com/labgrid-project/labgrid-go/internal/logging"
	"github.com/labgrid-project/labgrid-go/internal/protocol"
)

func startCoordinator(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		Env:                "test",
		DBPath:             filepath.Join(t.TempDir(), "test.db"),
		DBDriver:           "sqlite",
		ExporterTimeout:    90 * time.Second,
		ReservationTimeout: 60 * time.Second,
	}
	logger := logging.New(false)
	if err := db.Init(cfg, logger); err != nil {
		t.Fatalf("db init: %v", err)
	}
	ts := httptest.NewServer(api.Router(cfg, logger))
	t.Cleanup(ts.Close)
	return ts
}

func TestPlaceRoundTrip(t *testing.T) {
	ts := startCoordinator(t)
	ctx := context.Background()
	c := New(ts.URL, "alice/host")

	if _, err := c.CreatePlace(ctx, "board-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.AddMatch(ctx, "board-1", "rack1/ptx1/*"); err != nil {
		t.Fatalf("add match: %v", err)
	}
	if err := c.SetTags(ctx, "board-1", map[string]string{"board": "ptx"}); err != nil {
		t.Fatalf("set tags: %v", err)
	}

	view, err := c.Acquire(ctx, "board-1", "")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if view.Acquired != "alice/host" {
		t.Fatalf("acquired=%q", view.Acquired)
	}

	other := New(ts.URL, "bob/host")
	if _, err := other.Acquire(ctx, "board-1", ""); !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	} else {
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected APIError, got %T", err)
		}
		if !strings.Contains(apiErr.Message, "already acquired") {
			t.Fatalf("coordinator message lost: got %q", apiErr.Message)
		}
	}
	if err := other.Release(ctx, "board-1", false); err == nil {
		t.Fatal("foreign release should fail")
	}
	if err := c.Release(ctx, "board-1", false); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := c.DeletePlace(ctx, "board-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := c.Place(ctx, "board-1"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestExporterRoundTrip(t *testing.T) {
	ts := startCoordinator(t)
	ctx := context.Background()
	c := New(ts.URL, "")

	tok, err := c.Register(ctx, protocol.RegisterRequest{Name: "rack1", Hostname: "rack1.lab"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if tok == "" || c.Token != tok {
		t.Fatal("token not stored on client")
	}
	err = c.UpdateResources(ctx, "rack1", protocol.ResourceUpdate{Resources: []protocol.ResourceEntry{
		{Group: "ptx1", Class: "NetworkService", Params: map[string]any{"address": "10.0.0.2"}, Available: true},
	}})
	if err != nil {
		t.Fatalf("update resources: %v", err)
	}
	if err := c.Heartbeat(ctx, "rack1"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	views, err := c.Resources(ctx)
	if err != nil {
		t.Fatalf("resources: %v", err)
	}
	if len(views) != 1 || views[0].Exporter != "rack1" {
		t.Fatalf("unexpected resources %+v", views)
	}
	exps, err := c.Exporters(ctx)
	if err != nil {
		t.Fatalf("exporters: %v", err)
	}
	if len(exps) != 1 || exps[0].Stale {
		t.Fatalf("unexpected exporters %+v", exps)
	}
}

func TestReservationWait(t *testing.T) {
	ts := startCoordinator(t)
	ctx := context.Background()
	c := New(ts.URL, "alice/host")

	res, err := c.Reserve(ctx, map[string]string{"board": "imx"})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if res.State != "waiting" {
		t.Fatalf("state=%s", res.State)
	}

	done := make(chan protocol.ReservationView, 1)
	go func() {
		view, err := c.WaitReservation(ctx, res.Token, 50*time.Millisecond)
		if err != nil {
			t.Errorf("wait: %v", err)
		}
		done <- view
	}()

	time.Sleep(100 * time.Millisecond)
	if _, err := c.CreatePlace(ctx, "board-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.SetTags(ctx, "board-1", map[string]string{"board": "imx"}); err != nil {
		t.Fatalf("set tags: %v", err)
	}

	select {
	case view := <-done:
		if view.State != "allocated" || view.Allocation != "board-1" {
			t.Fatalf("unexpected allocation %+v", view)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reservation was not allocated")
	}
	if err := c.CancelReservation(ctx, res.Token); err != nil {
		t.Fatalf("cancel: %v", err)
	}
}
