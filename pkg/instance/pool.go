// Package instance runs the worker pool: one long-lived goroutine per
// enabled agent instance, each pinned to a template version, claiming
// RESEARCHING sessions and driving them through the agent loop.
package instance

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/maruntime/maruntime/pkg/agent"
	"github.com/maruntime/maruntime/pkg/events"
	"github.com/maruntime/maruntime/pkg/protocol"
	"github.com/maruntime/maruntime/pkg/selector"
	"github.com/maruntime/maruntime/pkg/store"
	"github.com/maruntime/maruntime/pkg/templates"
	"github.com/maruntime/maruntime/pkg/tools"
)

// Config tunes the pool's timers.
type Config struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	return c
}

// Pool owns the worker goroutines and the dispatch wakeups the gateway
// uses to hand work to an idle instance without waiting for the next poll.
type Pool struct {
	store     *store.Store
	driver    *agent.Driver
	hub       *events.Hub
	templates *templates.Service
	selector  *selector.Selector
	tools     *tools.Catalog
	cfg       Config

	mu      sync.Mutex
	wakeups map[string]chan struct{} // template id -> dispatch channel
	wg      sync.WaitGroup
}

func NewPool(s *store.Store, driver *agent.Driver, hub *events.Hub, tmpl *templates.Service, sel *selector.Selector, catalog *tools.Catalog, cfg Config) *Pool {
	return &Pool{
		store:     s,
		driver:    driver,
		hub:       hub,
		templates: tmpl,
		selector:  sel,
		tools:     catalog,
		cfg:       cfg.withDefaults(),
		wakeups:   map[string]chan struct{}{},
	}
}

// Start recovers crashed instances and launches a worker for every enabled
// auto-start instance. Workers stop when ctx is cancelled; Wait blocks
// until they have drained.
func (p *Pool) Start(ctx context.Context) error {
	instances, err := p.store.ListInstances(ctx)
	if err != nil {
		return err
	}
	for i := range instances {
		inst := instances[i]
		// Rows left BUSY or STARTING by a crash go back to OFFLINE with
		// their session unbound so another worker can claim it.
		if inst.Status != protocol.InstanceOffline {
			if err := p.store.ResetInstance(ctx, inst.ID); err != nil {
				slog.Warn("Failed to reset instance on boot", "instance", inst.Name, "error", err)
				continue
			}
			inst.Status = protocol.InstanceOffline
		}
		if inst.Enabled && inst.AutoStart {
			p.launch(ctx, inst)
		}
	}
	return nil
}

// StartInstance brings one instance online outside the auto-start path.
func (p *Pool) StartInstance(ctx context.Context, id string) error {
	inst, err := p.store.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if !inst.Enabled {
		return errors.New("instance is disabled")
	}
	if inst.Status != protocol.InstanceOffline {
		if err := p.store.ResetInstance(ctx, inst.ID); err != nil {
			return err
		}
	}
	p.launch(ctx, *inst)
	return nil
}

// Wait blocks until every worker goroutine has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Notify wakes the workers pinned to a template so a freshly started
// session is claimed without waiting out the poll interval.
func (p *Pool) Notify(templateID string) {
	p.mu.Lock()
	ch, ok := p.wakeups[templateID]
	p.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (p *Pool) wakeup(templateID string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.wakeups[templateID]
	if !ok {
		ch = make(chan struct{}, 1)
		p.wakeups[templateID] = ch
	}
	return ch
}

func (p *Pool) launch(ctx context.Context, inst store.Instance) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runWorker(ctx, inst)
	}()
}

// runWorker is one instance's lifecycle: OFFLINE → STARTING → IDLE, then
// the claim loop until shutdown.
func (p *Pool) runWorker(ctx context.Context, inst store.Instance) {
	log := slog.With("instance", inst.Name)

	if err := p.store.UpdateInstanceStatus(ctx, inst.ID, protocol.InstanceOffline, protocol.InstanceStarting); err != nil {
		log.Error("Failed to start instance", "error", err)
		return
	}
	if err := p.prewarm(ctx, &inst); err != nil {
		log.Error("Instance prewarm failed", "error", err)
		_ = p.store.UpdateInstanceStatus(ctx, inst.ID, protocol.InstanceStarting, protocol.InstanceError)
		return
	}
	if err := p.store.UpdateInstanceStatus(ctx, inst.ID, protocol.InstanceStarting, protocol.InstanceIdle); err != nil {
		log.Error("Failed to mark instance idle", "error", err)
		return
	}
	log.Info("Instance online", "template_version", inst.TemplateVersionID)

	heartbeat := time.NewTicker(p.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(p.cfg.PollInterval)
	defer poll.Stop()
	wake := p.wakeup(inst.TemplateID)

	for {
		select {
		case <-ctx.Done():
			p.shutdownInstance(inst.ID)
			log.Info("Instance stopped")
			return
		case <-heartbeat.C:
			if err := p.store.Heartbeat(ctx, inst.ID); err != nil {
				log.Warn("Heartbeat failed", "error", err)
			}
		case <-poll.C:
			p.claimAndRun(ctx, &inst, log)
		case <-wake:
			p.claimAndRun(ctx, &inst, log)
		}
	}
}

// prewarm resolves the pinned template version, connects its MCP servers,
// and syncs the tool embedding index so the first claim does not pay the
// cold-start cost.
func (p *Pool) prewarm(ctx context.Context, inst *store.Instance) error {
	resolved, err := p.templates.ResolveVersion(ctx, inst.TemplateVersionID)
	if err != nil {
		return err
	}
	if len(resolved.Settings.MCPServers) > 0 && p.tools != nil {
		// Unreachable servers degrade the selection, not the worker.
		if err := p.tools.ConnectMCP(ctx, resolved.Settings.MCPServers); err != nil {
			slog.Warn("MCP prewarm incomplete", "instance", inst.Name, "error", err)
		}
	}
	if p.selector != nil {
		return p.selector.Sync(ctx)
	}
	return nil
}

// claimAndRun scans for claimable sessions FIFO and processes the first
// one won. Lost claim races are expected and silent.
func (p *Pool) claimAndRun(ctx context.Context, inst *store.Instance, log *slog.Logger) {
	sessions, err := p.store.ListClaimableSessions(ctx, inst.TemplateVersionID, 8)
	if err != nil {
		log.Warn("Failed to scan for sessions", "error", err)
		return
	}
	for i := range sessions {
		err := p.store.ClaimSession(ctx, inst.ID, sessions[i].ID)
		if errors.Is(err, store.ErrNotClaimable) {
			continue
		}
		if err != nil {
			log.Warn("Claim failed", "session", sessions[i].ID, "error", err)
			return
		}
		p.process(ctx, inst, sessions[i].ID, log)
		return
	}
}

// process runs the driver on a claimed session and releases the instance
// with the run's outcome.
func (p *Pool) process(ctx context.Context, inst *store.Instance, sessionID string, log *slog.Logger) {
	stream := events.NewStream(0)
	p.hub.Register(sessionID, stream)
	defer func() {
		stream.Close()
		p.hub.Unregister(sessionID)
	}()

	log.Info("Processing session", "session", sessionID)
	outcome, err := p.driver.Run(ctx, sessionID, stream)

	release := store.ReleaseOutcome{NextStatus: protocol.InstanceIdle, Sessions: 1}
	if outcome != nil {
		release.Messages = outcome.Messages
		release.ToolCalls = outcome.ToolCalls
		release.Errors = outcome.Errors
	}

	switch {
	case err == nil:
		log.Info("Session released", "session", sessionID, "state", outcome.FinalState)
	case errors.Is(err, agent.ErrStaleSession):
		// Lost a CAS race; the session belongs to someone else's timeline
		// now. Release cleanly.
		log.Warn("Stale session, releasing", "session", sessionID)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Shutdown drain: the last persisted step is the resume point.
		log.Info("Run interrupted by shutdown", "session", sessionID)
	default:
		// Worker fault: park the instance in ERROR; the released session
		// stays RESEARCHING for another worker.
		release.NextStatus = protocol.InstanceError
		release.LastError = err.Error()
		release.Errors++
		log.Error("Worker fault", "session", sessionID, "error", err)
	}

	releaseCtx := ctx
	if releaseCtx.Err() != nil {
		var cancel context.CancelFunc
		releaseCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := p.store.ReleaseInstance(releaseCtx, inst.ID, release); err != nil {
		log.Error("Failed to release instance", "error", err)
	}
}

// shutdownInstance moves an idle worker to OFFLINE on process stop. Uses a
// fresh context because the worker's own context is already cancelled.
func (p *Pool) shutdownInstance(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.UpdateInstanceStatus(ctx, id, protocol.InstanceIdle, protocol.InstanceOffline); err != nil {
		slog.Warn("Failed to mark instance offline", "instance", id, "error", err)
	}
}
