// Package manager implements the Workflow Manager (spec.md §4.G, component
// G): it owns the concurrency-safe map of live workflows, starts each one
// on its own goroutine through the Workflow Engine, and routes
// cancellation and shutdown. Mirrors the teacher's reconciler-owns-a-map
// pattern but without a Kubernetes informer behind it -- workflows here are
// created directly by API calls, not watched off a cluster.
package manager

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/metalorch/metalorch/capability"
	"github.com/metalorch/metalorch/catalog"
	"github.com/metalorch/metalorch/engine"
	"github.com/metalorch/metalorch/factory"
	"github.com/metalorch/metalorch/history"
	"github.com/metalorch/metalorch/pkg/model"
	"github.com/metalorch/metalorch/steps"
)

const (
	defaultShutdownGrace   = 30 * time.Second
	defaultCleanupInterval = time.Hour
	defaultCleanupMaxAge   = 24 * time.Hour
)

// ErrNotFound is returned when a workflow id isn't in the live map.
type ErrNotFound struct{ WorkflowID string }

func (e *ErrNotFound) Error() string { return "manager: workflow not found: " + e.WorkflowID }

// workflow is the Manager's bookkeeping record for one running workflow.
// Its lifecycle is driven by exactly one goroutine, spawned by
// CreateWorkflow; Cancel and Shutdown signal it, and Shutdown's
// forceFinalize also writes status and terminalAt for a straggler.
type workflow struct {
	id       string
	template string
	serverID string

	cancel context.CancelFunc
	wfCtx  *steps.Context
	done   chan struct{}

	status     atomic.Value // model.WorkflowStatus
	terminalAt atomic.Pointer[time.Time]
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithShutdownGrace overrides how long Shutdown waits for in-flight
// workflows to finish on their own before force-finalizing them.
func WithShutdownGrace(d time.Duration) Option {
	return func(m *Manager) { m.shutdownGrace = d }
}

// WithCleanup overrides the periodic-cleanup sweep interval and the age
// threshold a terminal workflow must reach before it's dropped from the
// live map (spec.md §4.G).
func WithCleanup(interval, maxAge time.Duration) Option {
	return func(m *Manager) { m.cleanupInterval = interval; m.cleanupMaxAge = maxAge }
}

// Manager owns the live workflow map and drives workflow execution.
type Manager struct {
	log     logr.Logger
	engine  *engine.Engine
	catalog *catalog.AtomicCatalog
	caps    *capability.Registry

	shutdownGrace   time.Duration
	cleanupInterval time.Duration
	cleanupMaxAge   time.Duration

	mu        sync.RWMutex
	workflows map[string]*workflow

	wg          sync.WaitGroup
	stopCleanup chan struct{}
	closeOnce   sync.Once
}

// New constructs a Manager and starts its periodic-cleanup goroutine.
func New(eng *engine.Engine, cat *catalog.AtomicCatalog, caps *capability.Registry, log logr.Logger, opts ...Option) *Manager {
	m := &Manager{
		log:             log,
		engine:          eng,
		catalog:         cat,
		caps:            caps,
		shutdownGrace:   defaultShutdownGrace,
		cleanupInterval: defaultCleanupInterval,
		cleanupMaxAge:   defaultCleanupMaxAge,
		workflows:       map[string]*workflow{},
		stopCleanup:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.wg.Add(1)
	go m.runCleanup()

	return m
}

// History exposes the durable store backing this Manager's workflows, for
// callers that need to read full records (the UI gateway's control
// surface, spec.md §6.1, is outside this package's scope).
func (m *Manager) History() *history.Store { return m.engine.History }

// CreateWorkflow builds template's step list via the Factory, assigns an
// id of the form <template>_<server_id>_<unix_ms> (spec.md §6.2), and
// starts it on its own goroutine. extraParams seeds the workflow's Extras
// compartment (e.g. policy=always_reclassify, a user-supplied device_type).
func (m *Manager) CreateWorkflow(template, serverID string, creds steps.Credentials, extraParams map[string]any) (string, error) {
	stepList, err := factory.Build(template)
	if err != nil {
		return "", err
	}

	id := fmt.Sprintf("%s_%s_%d", template, serverID, time.Now().UnixMilli())

	wfCtx := steps.NewContext(id, serverID, m.catalog.Load(), m.caps, func(text string) {
		m.engine.Bus.Publish(model.ProgressEvent{ //nolint:errcheck // best-effort progress signal
			EventID:    uuid.NewString(),
			WorkflowID: id,
			Kind:       model.EventSubTask,
			Timestamp:  time.Now(),
			Payload:    text,
		})
	})
	wfCtx.Credentials = creds
	if deviceType, ok := extraParams["device_type"].(string); ok {
		wfCtx.DeviceType = deviceType
	}
	for k, v := range extraParams {
		wfCtx.Extras[k] = v
	}

	ctx, cancel := context.WithCancel(context.Background())
	wf := &workflow{
		id:       id,
		template: template,
		serverID: serverID,
		cancel:   cancel,
		wfCtx:    wfCtx,
		done:     make(chan struct{}),
	}
	wf.status.Store(model.WorkflowPending)

	m.mu.Lock()
	m.workflows[id] = wf
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx, wf, stepList)

	return id, nil
}

func (m *Manager) run(ctx context.Context, wf *workflow, stepList []steps.Step) {
	defer m.wg.Done()
	defer close(wf.done)

	wf.status.Store(model.WorkflowRunning)
	status := m.engine.Execute(ctx, wf.template, stepList, wf.wfCtx)
	wf.status.Store(status)
	now := time.Now()
	wf.terminalAt.Store(&now)
}

// Status reports a live workflow's current in-memory status. For full
// history (completed steps, recorded error, timestamps) use History().Get.
func (m *Manager) Status(id string) (model.WorkflowStatus, error) {
	m.mu.RLock()
	wf, ok := m.workflows[id]
	m.mu.RUnlock()
	if !ok {
		return "", &ErrNotFound{WorkflowID: id}
	}
	return wf.status.Load().(model.WorkflowStatus), nil
}

// List returns the ids of every workflow still in the live map.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.workflows))
	for id := range m.workflows {
		ids = append(ids, id)
	}
	return ids
}

// Cancel requests cancellation of id. Idempotent: cancelling an already
// cancelled or already-terminal workflow is a no-op, not an error.
func (m *Manager) Cancel(id string) error {
	m.mu.RLock()
	wf, ok := m.workflows[id]
	m.mu.RUnlock()
	if !ok {
		return &ErrNotFound{WorkflowID: id}
	}
	wf.wfCtx.Cancel()
	wf.cancel()
	return nil
}

// Shutdown signals every live workflow to cancel, waits up to the
// configured grace period for each to finish on its own, and force-
// finalizes any stragglers in history as FAILED with error
// shutdown_timeout (spec.md §4.G). It also stops the periodic-cleanup
// goroutine. Shutdown is safe to call more than once.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	wfs := make([]*workflow, 0, len(m.workflows))
	for _, wf := range m.workflows {
		wfs = append(wfs, wf)
	}
	m.mu.RUnlock()

	for _, wf := range wfs {
		wf.wfCtx.Cancel()
		wf.cancel()
	}

	deadline := time.Now().Add(m.shutdownGrace)
	for _, wf := range wfs {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			m.forceFinalize(wf)
			continue
		}
		select {
		case <-wf.done:
		case <-time.After(remaining):
			m.forceFinalize(wf)
		}
	}

	m.closeOnce.Do(func() { close(m.stopCleanup) })
	m.wg.Wait()
}

func (m *Manager) forceFinalize(wf *workflow) {
	if status, _ := wf.status.Load().(model.WorkflowStatus); status.Terminal() {
		return
	}
	now := time.Now()
	wf.status.Store(model.WorkflowFailed)
	wf.terminalAt.Store(&now)
	workflowErr := &model.WorkflowError{Kind: model.ErrKindShutdownTimeout, Detail: "workflow did not finish within the shutdown grace period"}
	if err := m.History().Finalize(wf.id, model.WorkflowFailed, now, workflowErr, nil); err != nil {
		m.log.Error(err, "force-finalize on shutdown failed", "workflow_id", wf.id)
	}
}

func (m *Manager) runCleanup() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.cleanupOnce()
		case <-m.stopCleanup:
			return
		}
	}
}

func (m *Manager) cleanupOnce() {
	cutoff := time.Now().Add(-m.cleanupMaxAge)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, wf := range m.workflows {
		status, _ := wf.status.Load().(model.WorkflowStatus)
		if !status.Terminal() {
			continue
		}
		t := wf.terminalAt.Load()
		if t != nil && t.Before(cutoff) {
			delete(m.workflows, id)
		}
	}
}
