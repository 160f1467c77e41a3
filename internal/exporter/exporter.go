package exporter

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/labgrid-project/labgrid-go/internal/client"
	"github.com/labgrid-project/labgrid-go/internal/logging"
	"github.com/labgrid-project/labgrid-go/internal/protocol"
	"github.com/labgrid-project/labgrid-go/internal/version"
)

// Agent registers with the coordinator, keeps the resource inventory up to
// date, and heartbeats. Lost connectivity is retried with backoff; the
// exporter token survives restarts in the token file.
type Agent struct {
	cfg    Config
	client *client.Client
	logger logging.Logger

	// availabilityCheck decides whether a declared resource is currently
	// usable on this host. Replaced in tests.
	availabilityCheck func(ResourceConfig) bool

	lastPushed []protocol.ResourceEntry
}

// NewAgent builds an agent from its configuration.
func NewAgent(cfg Config, logger logging.Logger) *Agent {
	return &Agent{
		cfg:               cfg,
		client:            client.New(cfg.Coordinator, ""),
		logger:            logger,
		availabilityCheck: checkAvailability,
	}
}

// checkAvailability probes the host for the resource. Network interfaces
// are available when they exist in sysfs; everything else is assumed
// present since the exporter host cannot probe remote endpoints cheaply.
func checkAvailability(r ResourceConfig) bool {
	if r.Class == "NetworkInterface" {
		ifname, _ := r.Params["ifname"].(string)
		if ifname == "" {
			return false
		}
		_, err := os.Stat("/sys/class/net/" + ifname)
		return err == nil
	}
	return true
}

// inventory builds the resource update from the configuration and the
// current availability of each resource.
func (a *Agent) inventory() []protocol.ResourceEntry {
	out := make([]protocol.ResourceEntry, 0, len(a.cfg.Resources))
	for _, r := range a.cfg.Resources {
		out = append(out, protocol.ResourceEntry{
			Group:     r.Group,
			Class:     r.Class,
			Params:    r.Params,
			Available: a.availabilityCheck(r),
		})
	}
	return out
}

func (a *Agent) loadToken() string {
	b, err := os.ReadFile(a.cfg.TokenFile)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func (a *Agent) saveToken(token string) error {
	return os.WriteFile(a.cfg.TokenFile, []byte(token+"\n"), 0o600)
}

// register announces the exporter, reusing a saved token when present.
func (a *Agent) register(ctx context.Context) error {
	hostname, _ := os.Hostname()
	req := protocol.RegisterRequest{
		Name:     a.cfg.Name,
		Hostname: hostname,
		Version:  version.Version,
		Token:    a.loadToken(),
	}
	token, err := a.client.Register(ctx, req)
	if err != nil {
		return fmt.Errorf("register %s: %w", a.cfg.Name, err)
	}
	if err := a.saveToken(token); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	a.logger.Info("registered with coordinator", "name", a.cfg.Name, "coordinator", a.cfg.Coordinator)
	return nil
}

// push uploads the inventory when it changed since the last push.
func (a *Agent) push(ctx context.Context, force bool) error {
	inv := a.inventory()
	if !force && reflect.DeepEqual(inv, a.lastPushed) {
		return nil
	}
	if err := a.client.UpdateResources(ctx, a.cfg.Name, protocol.ResourceUpdate{Resources: inv}); err != nil {
		return err
	}
	a.lastPushed = inv
	a.logger.Info("resources updated", "count", len(inv))
	return nil
}

// Run is the agent main loop. It returns when ctx is canceled.
func (a *Agent) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := a.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.logger.Warn("coordinator session lost, reconnecting", "error", err.Error(), "backoff", backoff.String())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// runSession registers and services heartbeat and rescan ticks until an
// error or cancellation.
func (a *Agent) runSession(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return err
	}
	// the coordinator drops the inventory of stale exporters, push fresh
	if err := a.push(ctx, true); err != nil {
		return err
	}
	heartbeat := time.NewTicker(time.Duration(a.cfg.Heartbeat))
	defer heartbeat.Stop()
	rescan := time.NewTicker(time.Duration(a.cfg.Rescan))
	defer rescan.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeat.C:
			if err := a.client.Heartbeat(ctx, a.cfg.Name); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		case <-rescan.C:
			if err := a.push(ctx, false); err != nil {
				return fmt.Errorf("push resources: %w", err)
			}
		}
	}
}
