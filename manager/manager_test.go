package manager_test

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalorch/metalorch/capability"
	"github.com/metalorch/metalorch/capability/fake"
	"github.com/metalorch/metalorch/catalog"
	"github.com/metalorch/metalorch/engine"
	"github.com/metalorch/metalorch/factory"
	"github.com/metalorch/metalorch/history"
	"github.com/metalorch/metalorch/manager"
	"github.com/metalorch/metalorch/pkg/model"
	"github.com/metalorch/metalorch/progress"
	"github.com/metalorch/metalorch/steps"
)

const managerTestCatalog = `
vendors:
  - id: supermicro
    displayName: Supermicro
    motherboards:
      - model: X11DPT-B
        deviceTypes:
          - id: a1.c5.large
            description: Large Xeon compute node
            spec: {cpuModel: "Intel Xeon 6258R", cores: 28, ramGiB: 256}
            boot: {order: ["pxe"], uefi: true}
`

// newTestManager wires a Manager against fakes with a near-instant backoff,
// suitable for tests that just want a workflow to run to completion fast.
func newTestManager(t *testing.T, opts ...manager.Option) (*manager.Manager, *fake.Script) {
	t.Helper()
	m, script, _ := buildTestManager(t, time.Millisecond, 5*time.Millisecond, opts...)
	return m, script
}

// newSlowTestManager uses a backoff long enough that a test can reliably
// call Cancel or Shutdown while a retrying step is still mid-wait.
func newSlowTestManager(t *testing.T, opts ...manager.Option) (*manager.Manager, *fake.Script) {
	t.Helper()
	m, script, _ := buildTestManager(t, 200*time.Millisecond, time.Second, opts...)
	return m, script
}

func buildTestManager(t *testing.T, backoffBase, backoffCap time.Duration, opts ...manager.Option) (*manager.Manager, *fake.Script, *capability.Registry) {
	t.Helper()

	bus, err := progress.New(logr.Discard())
	require.NoError(t, err)
	t.Cleanup(bus.Close)

	hist, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = hist.Close() })

	cat, err := catalog.Load(strings.NewReader(managerTestCatalog))
	require.NoError(t, err)
	atomicCat := catalog.NewAtomicCatalog(cat)

	script := fake.NewScript()
	reg, _, _, _, _ := fake.Registry(script, "server-1")

	e := engine.New(bus, hist, logr.Discard())
	e.BackoffBase = backoffBase
	e.BackoffCap = backoffCap
	e.StepGrace = 200 * time.Millisecond

	m := manager.New(e, atomicCat, reg, logr.Discard(), opts...)
	t.Cleanup(m.Shutdown)

	return m, script, reg
}

func waitTerminal(t *testing.T, m *manager.Manager, id string) model.WorkflowStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status, err := m.Status(id)
		require.NoError(t, err)
		if status.Terminal() {
			return status
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("workflow %s never reached a terminal status", id)
	return ""
}

// failForever scripts op to fail with a retryable error on every attempt up
// to n, keeping a retrying step stuck in its backoff loop long enough for a
// test to cancel or shut down mid-flight.
func failForever(script *fake.Script, op string, n int) {
	for i := 1; i <= n; i++ {
		script.FailOnAttempt(op, i, &capability.Error{Kind: capability.KindTransientNetwork, Detail: "scripted stall"})
	}
}

func TestCreateWorkflowIDFormat(t *testing.T) {
	m, _ := newTestManager(t)

	id, err := m.CreateWorkflow(factory.TemplateBasicProvisioning, "server-1", steps.Credentials{}, nil)
	require.NoError(t, err)

	parts := strings.Split(id, "_")
	require.GreaterOrEqual(t, len(parts), 3)
	assert.True(t, strings.HasPrefix(id, factory.TemplateBasicProvisioning+"_server-1_"))

	waitTerminal(t, m, id)
}

func TestCreateWorkflowUnknownTemplateErrors(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.CreateWorkflow("no-such-template", "server-1", steps.Credentials{}, nil)
	assert.Error(t, err)
}

func TestCreateWorkflowRunsToCompletion(t *testing.T) {
	m, _ := newTestManager(t)

	id, err := m.CreateWorkflow(factory.TemplateBasicProvisioning, "server-1", steps.Credentials{}, nil)
	require.NoError(t, err)

	status := waitTerminal(t, m, id)
	assert.Equal(t, model.WorkflowCompleted, status)

	rec, err := m.History().Get(id)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowCompleted, rec.Status)
}

func TestStatusUnknownWorkflowReturnsNotFound(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Status("no-such-id")
	require.Error(t, err)
	var notFound *manager.ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestListIncludesCreatedWorkflow(t *testing.T) {
	m, _ := newTestManager(t)

	id, err := m.CreateWorkflow(factory.TemplateBasicProvisioning, "server-1", steps.Credentials{}, nil)
	require.NoError(t, err)

	assert.Contains(t, m.List(), id)
	waitTerminal(t, m, id)
}

func TestCancelStopsWorkflowBeforeCompletion(t *testing.T) {
	m, script := newSlowTestManager(t)
	failForever(script, "maas.commission", 4)

	id, err := m.CreateWorkflow(factory.TemplateBasicProvisioning, "server-1", steps.Credentials{}, nil)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Cancel(id))

	status := waitTerminal(t, m, id)
	assert.Equal(t, model.WorkflowCancelled, status)
}

func TestCancelIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t)

	id, err := m.CreateWorkflow(factory.TemplateBasicProvisioning, "server-1", steps.Credentials{}, nil)
	require.NoError(t, err)
	waitTerminal(t, m, id)

	assert.NoError(t, m.Cancel(id))
	assert.NoError(t, m.Cancel(id))
}

func TestCancelUnknownWorkflowReturnsNotFound(t *testing.T) {
	m, _ := newTestManager(t)

	err := m.Cancel("no-such-id")
	require.Error(t, err)
	var notFound *manager.ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestShutdownForceFinalizesStragglers(t *testing.T) {
	m, script := newSlowTestManager(t, manager.WithShutdownGrace(10*time.Millisecond))
	failForever(script, "maas.commission", 4)

	id, err := m.CreateWorkflow(factory.TemplateBasicProvisioning, "server-1", steps.Credentials{}, nil)
	require.NoError(t, err)

	m.Shutdown()

	status, err := m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowFailed, status)

	rec, err := m.History().Get(id)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowFailed, rec.Status)
	require.NotNil(t, rec.Error)
	assert.Equal(t, model.ErrKindShutdownTimeout, rec.Error.Kind)
}

func TestCleanupRemovesOldTerminalWorkflows(t *testing.T) {
	m, _, _ := buildTestManager(t, time.Millisecond, 5*time.Millisecond, manager.WithCleanup(5*time.Millisecond, time.Nanosecond))

	id, err := m.CreateWorkflow(factory.TemplateBasicProvisioning, "server-1", steps.Credentials{}, nil)
	require.NoError(t, err)
	waitTerminal(t, m, id)

	require.Eventually(t, func() bool {
		return !contains(m.List(), id)
	}, time.Second, 5*time.Millisecond, "cleanup never removed the terminal workflow from the live map")

	rec, err := m.History().Get(id)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowCompleted, rec.Status, "cleanup must not touch history")
}

func contains(ids []string, target string) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}
