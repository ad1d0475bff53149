// Package bridge implements the Bridge Controller: it owns the configured
// set of backends end to end, starting their Sessions and Health
// Supervisors, running the Capability Registry, and exposing a single
// HandleClientRequest entry point to whatever transport a caller wires in
// front of it.
package bridge

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/billyjbryant/mcp-foxxy-bridge/internal/config"
	"github.com/billyjbryant/mcp-foxxy-bridge/internal/health"
	"github.com/billyjbryant/mcp-foxxy-bridge/internal/registry"
	"github.com/billyjbryant/mcp-foxxy-bridge/internal/router"
	"github.com/billyjbryant/mcp-foxxy-bridge/pkg/mcp"
)

const shutdownGrace = 5 * time.Second

// Controller is the bridge's top-level object: one per process. It is safe
// to call HandleClientRequest concurrently from multiple client connections
// once Start has returned.
type Controller struct {
	cfg    *config.Config
	logger *zap.Logger

	supervisors map[string]*health.Supervisor
	registry    *registry.Registry
	router      *router.Router

	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
}

// New builds a Controller from a validated Config. It does not start any
// backend; call Start for that.
func New(cfg *config.Config, logger *zap.Logger) *Controller {
	c := &Controller{
		cfg:         cfg,
		logger:      logger,
		supervisors: make(map[string]*health.Supervisor),
	}

	events := make(chan health.ReadinessEvent, 64)

	for name, backendCfg := range cfg.MCPServers {
		if !backendCfg.Enabled {
			continue
		}

		c.supervisors[name] = health.New(backendCfg, cfg.Bridge.Aggregation, logger, events)
	}

	c.registry = registry.New(cfg.Bridge, logger, c.sources)
	c.router = router.New(c.registry, c, cfg.Bridge.Failover, logger)

	go c.drainReadinessEvents(events)

	return c
}

// sources exposes every configured Supervisor as a registry.Source,
// satisfying the Registry's rebuild dependency without the Registry needing
// to know about Supervisors directly. Names are walked in sorted order so
// that policy "first" (earliest claim wins, per spec.md §4.3) resolves
// deterministically rather than following Go's randomized map iteration.
func (c *Controller) sources() []registry.Source {
	names := make([]string, 0, len(c.supervisors))
	for name := range c.supervisors {
		names = append(names, name)
	}

	sort.Strings(names)

	out := make([]registry.Source, 0, len(names))
	for _, name := range names {
		out = append(out, c.supervisors[name])
	}

	return out
}

// Get implements router.Sources.
func (c *Controller) Get(name string) (registry.Source, bool) {
	s, ok := c.supervisors[name]

	return s, ok
}

// All implements router.Sources.
func (c *Controller) All() []registry.Source {
	return c.sources()
}

func (c *Controller) drainReadinessEvents(events <-chan health.ReadinessEvent) {
	for ev := range events {
		c.logger.Debug("readiness event", zap.String("backend", ev.Backend),
			zap.Bool("ready", ev.Ready), zap.Bool("capabilityChanged", ev.CapabilityChanged))
		c.registry.Trigger()
	}
}

// Start launches every enabled backend's Health Supervisor and the
// Registry's rebuild worker. It returns once all goroutines have been
// started; backends continue connecting asynchronously and the Registry
// reflects them as they become Ready.
func (c *Controller) Start(ctx context.Context) error {
	c.runCtx, c.cancelRun = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.registry.Run()
	}()

	for name, sup := range c.supervisors {
		name, sup := name, sup

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.logger.Info("starting backend supervisor", zap.String("backend", name))
			sup.Run(c.runCtx)
		}()
	}

	return nil
}

// Shutdown stops every Supervisor (which stops its Session with grace),
// then the Registry, then waits for every goroutine Start launched to exit.
// It implements spec.md §6's shutdown ordering: supervisors before sessions
// before process exit.
func (c *Controller) Shutdown() {
	for name, sup := range c.supervisors {
		c.logger.Info("stopping backend supervisor", zap.String("backend", name))
		sup.Stop(shutdownGrace)
	}

	c.registry.Stop()

	if c.cancelRun != nil {
		c.cancelRun()
	}

	c.wg.Wait()
}

// HandleClientRequest decodes, routes, and encodes one client request. It is
// transport-agnostic: callers own however they read/write framed lines.
func (c *Controller) HandleClientRequest(ctx context.Context, req *mcp.Request) *mcp.Response {
	return c.router.Handle(ctx, req)
}

// Ready reports whether at least one backend is currently Ready, used by a
// caller deciding whether the bridge is serviceable.
func (c *Controller) Ready() bool {
	for _, sup := range c.supervisors {
		if sup.Ready() {
			return true
		}
	}

	return false
}
