package proxy

import (
	"context"
	"errors"
	"testing"

	"github.com/cc-warren/agency/pkg/config"
	"github.com/cc-warren/agency/pkg/runtime"
	"github.com/cc-warren/agency/pkg/runtime/faketest"
	"github.com/cc-warren/agency/pkg/storetest"
	"github.com/cc-warren/agency/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProxy(t *testing.T, driver *faketest.Driver, s *storetest.Store, nudged *int) *Proxy {
	t.Helper()
	return New(Config{
		NodeName: "node-a",
		Driver:   driver,
		Store:    s,
		Hardware: config.NodeHardware{RAMMB: 4096, CPUs: 4},
		SchedulerNudge: func() {
			if nudged != nil {
				*nudged++
			}
		},
	})
}

func TestProbeOfflineBringsNodeOnline(t *testing.T) {
	s := storetest.New()
	ctx := context.Background()
	require.NoError(t, s.InsertNode(ctx, &types.Node{Name: "node-a", State: types.NodeOffline}))

	driver := faketest.New()
	nudges := 0
	p := newTestProxy(t, driver, s, &nudges)

	p.probeOffline()

	assert.True(t, p.isOnline())
	assert.Equal(t, 1, nudges, "coming online should nudge the scheduler")

	node, err := s.GetNode(ctx, "node-a")
	require.NoError(t, err)
	assert.Equal(t, types.NodeOnline, node.State)
	assert.Equal(t, 4096, node.RAMMB)
	require.Len(t, node.History, 1)
	assert.Equal(t, string(types.NodeOnline), node.History[0].State)
}

func TestProbeOfflineStaysOfflineOnDaemonError(t *testing.T) {
	s := storetest.New()
	ctx := context.Background()
	require.NoError(t, s.InsertNode(ctx, &types.Node{Name: "node-a", State: types.NodeOffline}))

	driver := faketest.New()
	driver.SetInfoErr(errors.New("daemon unreachable"))
	p := newTestProxy(t, driver, s, nil)

	p.probeOffline()

	assert.False(t, p.isOnline())
	node, err := s.GetNode(ctx, "node-a")
	require.NoError(t, err)
	assert.Equal(t, types.NodeOffline, node.State)
}

func TestProbeOnlineFailureTakesNodeOfflineAndFailsInFlightBatches(t *testing.T) {
	s := storetest.New()
	ctx := context.Background()
	require.NoError(t, s.InsertNode(ctx, &types.Node{Name: "node-a", State: types.NodeOnline}))

	exp := &types.Experiment{ID: "exp-1", Execution: &types.ExecutionSettings{RetryIfFailed: true}}
	require.NoError(t, s.InsertExperiment(ctx, exp))
	inFlight := &types.Batch{ID: "batch-1", ExperimentID: exp.ID, State: types.BatchProcessing, Node: "node-a", Attempts: 0}
	require.NoError(t, s.InsertBatch(ctx, inFlight))

	driver := faketest.New()
	driver.SetInfoErr(errors.New("daemon unreachable"))
	p := newTestProxy(t, driver, s, nil)
	p.mu.Lock()
	p.online = true
	p.mu.Unlock()

	p.probeOnline()

	assert.False(t, p.isOnline())

	node, err := s.GetNode(ctx, "node-a")
	require.NoError(t, err)
	assert.Equal(t, types.NodeOffline, node.State)

	got, err := s.GetBatch(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, types.BatchRegistered, got.State, "an in-flight batch on a node gone offline is returned to registered for re-placement")
	assert.Empty(t, got.Node)
}

func TestProbeOnlineSuccessLeavesNodeOnlineAndInFlightBatchesUntouched(t *testing.T) {
	s := storetest.New()
	ctx := context.Background()
	require.NoError(t, s.InsertNode(ctx, &types.Node{Name: "node-a", State: types.NodeOnline}))

	batch := &types.Batch{ID: "batch-1", State: types.BatchProcessing, Node: "node-a"}
	require.NoError(t, s.InsertBatch(ctx, batch))

	driver := faketest.New()
	p := newTestProxy(t, driver, s, nil)
	p.mu.Lock()
	p.online = true
	p.mu.Unlock()

	p.probeOnline()

	assert.True(t, p.isOnline())
	got, err := s.GetBatch(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, types.BatchProcessing, got.State)
}

func TestSnapshotAccountsForRunningBatchesAndClaimedGPUs(t *testing.T) {
	s := storetest.New()
	ctx := context.Background()

	exp := &types.Experiment{ID: "exp-1", Resources: types.ResourceSettings{RAMMB: 1024}}
	require.NoError(t, s.InsertExperiment(ctx, exp))
	running := &types.Batch{ID: "batch-1", ExperimentID: exp.ID, State: types.BatchProcessing, Node: "node-a", UsedGPUIDs: []int{0}}
	require.NoError(t, s.InsertBatch(ctx, running))

	driver := faketest.New()
	p := newTestProxy(t, driver, s, nil)
	p.mu.Lock()
	p.online = true
	p.totalRAMMB = 4096
	p.totalGPUs = []types.GPUDevice{{ID: 0}, {ID: 1}}
	p.mu.Unlock()

	snap := p.Snapshot()

	assert.True(t, snap.Online)
	assert.Equal(t, 1, snap.RunningBatches)
	assert.Equal(t, 4096-1024, snap.RAMAvailable)
	require.Len(t, snap.GPUsAvailable, 1)
	assert.Equal(t, 1, snap.GPUsAvailable[0].ID, "gpu 0 is claimed by the running batch, only gpu 1 remains free")
}

func TestSnapshotOfflineNodeReportsNoCapacity(t *testing.T) {
	s := storetest.New()
	driver := faketest.New()
	p := newTestProxy(t, driver, s, nil)

	snap := p.Snapshot()

	assert.False(t, snap.Online)
	assert.Equal(t, 0, snap.RAMAvailable)
	assert.Empty(t, snap.GPUsAvailable)
}

func TestDetectGPUsRespectsBlacklist(t *testing.T) {
	s := storetest.New()
	driver := faketest.New()
	driver.SetGPUs([]runtime.GPUDeviceInfo{
		{ID: 0, VRAMMB: 8000, Vendor: "nvidia"},
		{ID: 1, VRAMMB: 8000, Vendor: "nvidia"},
	}, nil)

	p := New(Config{
		NodeName: "node-a",
		Driver:   driver,
		Store:    s,
		Hardware: config.NodeHardware{RAMMB: 4096, GPUBlacklist: []int{1}},
	})

	gpus, err := p.detectGPUs(context.Background())
	require.NoError(t, err)
	require.Len(t, gpus, 1)
	assert.Equal(t, 0, gpus[0].ID)
}
