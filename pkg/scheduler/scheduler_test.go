package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/cc-warren/agency/pkg/storetest"
	"github.com/cc-warren/agency/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProxyHandle is a minimal ProxyHandle a placement test can inspect
// after the fact: NudgeCheckForBatches/NudgeCheckExitedContainers just
// count calls, Snapshot returns whatever capacity the test configured.
type fakeProxyHandle struct {
	name     string
	snapshot CompleteNode
	nudgedFB int
	nudgedCE int
}

func (f *fakeProxyHandle) NodeName() string           { return f.name }
func (f *fakeProxyHandle) NudgeCheckForBatches()       { f.nudgedFB++ }
func (f *fakeProxyHandle) NudgeCheckExitedContainers() { f.nudgedCE++ }
func (f *fakeProxyHandle) Snapshot() CompleteNode      { return f.snapshot }

var _ ProxyHandle = (*fakeProxyHandle)(nil)

func newTestScheduler(s *storetest.Store, proxies ...ProxyHandle) *Scheduler {
	return &Scheduler{store: s, proxies: proxies, logger: zerolog.Nop()}
}

func TestPlaceBatchesAssignsOldestFirst(t *testing.T) {
	s := storetest.New()
	ctx := context.Background()

	exp := &types.Experiment{ID: "exp-1", Resources: types.ResourceSettings{RAMMB: 1024}}
	require.NoError(t, s.InsertExperiment(ctx, exp))

	older := &types.Batch{ID: "batch-old", ExperimentID: exp.ID, State: types.BatchRegistered, RegistrationTime: time.Unix(100, 0)}
	newer := &types.Batch{ID: "batch-new", ExperimentID: exp.ID, State: types.BatchRegistered, RegistrationTime: time.Unix(200, 0)}
	require.NoError(t, s.InsertBatch(ctx, newer))
	require.NoError(t, s.InsertBatch(ctx, older))

	node := &fakeProxyHandle{name: "node-a", snapshot: CompleteNode{Name: "node-a", Online: true, TotalRAMMB: 1024, RAMAvailable: 1024}}
	sched := newTestScheduler(s, node)

	sched.placeBatches(ctx)

	got, err := s.GetBatch(ctx, "batch-old")
	require.NoError(t, err)
	assert.Equal(t, types.BatchScheduled, got.State)
	assert.Equal(t, "node-a", got.Node)

	// the node only had room for one batch of this size
	stillRegistered, err := s.GetBatch(ctx, "batch-new")
	require.NoError(t, err)
	assert.Equal(t, types.BatchRegistered, stillRegistered.State)
}

func TestPlaceBatchesFailsWhenNoNodeCanEverFit(t *testing.T) {
	s := storetest.New()
	ctx := context.Background()

	exp := &types.Experiment{ID: "exp-huge", Resources: types.ResourceSettings{RAMMB: 1_000_000}}
	require.NoError(t, s.InsertExperiment(ctx, exp))
	b := &types.Batch{ID: "batch-huge", ExperimentID: exp.ID, State: types.BatchRegistered}
	require.NoError(t, s.InsertBatch(ctx, b))

	node := &fakeProxyHandle{name: "node-a", snapshot: CompleteNode{Name: "node-a", Online: true, TotalRAMMB: 1024, RAMAvailable: 1024}}
	sched := newTestScheduler(s, node)

	sched.placeBatches(ctx)

	got, err := s.GetBatch(ctx, "batch-huge")
	require.NoError(t, err)
	assert.Equal(t, types.BatchFailed, got.State, "no node ever has enough RAM, so the batch is buried rather than retried")
}

func TestPlaceBatchesRespectsConcurrencyLimit(t *testing.T) {
	s := storetest.New()
	ctx := context.Background()

	limit := 1
	exp := &types.Experiment{ID: "exp-limited", Resources: types.ResourceSettings{RAMMB: 100}, Execution: &types.ExecutionSettings{ConcurrencyLimit: limit}}
	require.NoError(t, s.InsertExperiment(ctx, exp))

	running := &types.Batch{ID: "batch-running", ExperimentID: exp.ID, State: types.BatchProcessing, RegistrationTime: time.Unix(1, 0)}
	waiting := &types.Batch{ID: "batch-waiting", ExperimentID: exp.ID, State: types.BatchRegistered, RegistrationTime: time.Unix(2, 0)}
	require.NoError(t, s.InsertBatch(ctx, running))
	require.NoError(t, s.InsertBatch(ctx, waiting))

	node := &fakeProxyHandle{name: "node-a", snapshot: CompleteNode{Name: "node-a", Online: true, TotalRAMMB: 10000, RAMAvailable: 10000}}
	sched := newTestScheduler(s, node)

	sched.placeBatches(ctx)

	got, err := s.GetBatch(ctx, "batch-waiting")
	require.NoError(t, err)
	assert.Equal(t, types.BatchRegistered, got.State, "experiment is already at its concurrency limit from the running batch")
}

func TestPlaceBatchesFailsMountingBatchWhenCapabilitiesDisallowed(t *testing.T) {
	s := storetest.New()
	ctx := context.Background()

	exp := &types.Experiment{ID: "exp-1", Resources: types.ResourceSettings{RAMMB: 100}}
	require.NoError(t, s.InsertExperiment(ctx, exp))
	b := &types.Batch{ID: "batch-1", ExperimentID: exp.ID, State: types.BatchRegistered,
		Inputs: map[string]types.InputDescriptor{"a": {Mount: true}}}
	require.NoError(t, s.InsertBatch(ctx, b))

	node := &fakeProxyHandle{name: "node-a", snapshot: CompleteNode{Name: "node-a", Online: true, TotalRAMMB: 1024, RAMAvailable: 1024}}
	sched := newTestScheduler(s, node)
	sched.allowInsecureCapabilities = false

	sched.placeBatches(ctx)

	got, err := s.GetBatch(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, types.BatchFailed, got.State, "a mounting batch is buried rather than retried when the cluster disallows insecure capabilities")
	assert.Empty(t, got.Node)
}

func TestPlaceBatchesPlacesMountingBatchWhenCapabilitiesAllowed(t *testing.T) {
	s := storetest.New()
	ctx := context.Background()

	exp := &types.Experiment{ID: "exp-1", Resources: types.ResourceSettings{RAMMB: 100}}
	require.NoError(t, s.InsertExperiment(ctx, exp))
	b := &types.Batch{ID: "batch-1", ExperimentID: exp.ID, State: types.BatchRegistered,
		Inputs: map[string]types.InputDescriptor{"a": {Mount: true}}}
	require.NoError(t, s.InsertBatch(ctx, b))

	node := &fakeProxyHandle{name: "node-a", snapshot: CompleteNode{Name: "node-a", Online: true, TotalRAMMB: 1024, RAMAvailable: 1024}}
	sched := newTestScheduler(s, node)
	sched.allowInsecureCapabilities = true

	sched.placeBatches(ctx)

	got, err := s.GetBatch(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, types.BatchScheduled, got.State)
	assert.Equal(t, "node-a", got.Node)
}

func TestFailBatchRetriesUnderLimit(t *testing.T) {
	s := storetest.New()
	ctx := context.Background()

	b := &types.Batch{ID: "batch-1", State: types.BatchProcessing, Node: "node-a", Attempts: 1}
	require.NoError(t, s.InsertBatch(ctx, b))

	require.NoError(t, FailBatch(ctx, s, b.ID, types.BatchProcessing, "stage failed", false, true))

	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BatchRegistered, got.State)
	assert.Empty(t, got.Node)
}

func TestFailBatchBuriesAfterTwoAttempts(t *testing.T) {
	s := storetest.New()
	ctx := context.Background()

	b := &types.Batch{ID: "batch-1", State: types.BatchProcessing, Node: "node-a", Attempts: 2}
	require.NoError(t, s.InsertBatch(ctx, b))

	require.NoError(t, FailBatch(ctx, s, b.ID, types.BatchProcessing, "stage failed again", false, true))

	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BatchFailed, got.State)
}

func TestFailBatchDisableRetryBuriesImmediately(t *testing.T) {
	s := storetest.New()
	ctx := context.Background()

	b := &types.Batch{ID: "batch-1", State: types.BatchProcessingInput}
	require.NoError(t, s.InsertBatch(ctx, b))

	require.NoError(t, FailBatch(ctx, s, b.ID, types.BatchProcessingInput, "permanent placement error", true, true))

	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BatchFailed, got.State)
}

func TestFailBatchIsNoOpOnTerminalBatch(t *testing.T) {
	s := storetest.New()
	ctx := context.Background()

	b := &types.Batch{ID: "batch-1", State: types.BatchCancelled}
	require.NoError(t, s.InsertBatch(ctx, b))

	require.NoError(t, FailBatch(ctx, s, b.ID, types.BatchProcessing, "stale failure report", false, true))

	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BatchCancelled, got.State, "a cancellation that already landed must never be overwritten")
}
