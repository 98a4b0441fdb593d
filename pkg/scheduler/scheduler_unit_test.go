package scheduler

import (
	"testing"
	"time"

	"github.com/cc-warren/agency/pkg/types"
	"github.com/stretchr/testify/assert"
)

func gpuExperiment(ramMB int, gpus ...types.GPURequirement) *types.Experiment {
	return &types.Experiment{ID: "exp-1", Resources: types.ResourceSettings{RAMMB: ramMB, GPUs: gpus}}
}

func TestCanEverPlace(t *testing.T) {
	snapshot := map[string]*CompleteNode{
		"small": {Name: "small", TotalRAMMB: 1024},
		"big":   {Name: "big", TotalRAMMB: 8192, TotalGPUs: []types.GPUDevice{{ID: 0, VRAMMB: 16000, Vendor: "nvidia"}}},
	}

	assert.True(t, canEverPlace(gpuExperiment(1024), snapshot))
	assert.True(t, canEverPlace(gpuExperiment(4096, types.GPURequirement{MinVRAMMB: 8000, Vendor: "nvidia"}), snapshot))
	assert.False(t, canEverPlace(gpuExperiment(16384), snapshot), "no node has enough total RAM")
	assert.False(t, canEverPlace(gpuExperiment(1024, types.GPURequirement{MinVRAMMB: 99999}), snapshot), "no node has enough VRAM")
}

func TestChooseNodeTieBreak(t *testing.T) {
	exp := gpuExperiment(1024)
	snapshot := map[string]*CompleteNode{
		"offline":  {Name: "offline", Online: false, RAMAvailable: 8192},
		"too-busy": {Name: "too-busy", Online: true, RAMAvailable: 8192, RunningBatches: 5},
		"quiet":    {Name: "quiet", Online: true, RAMAvailable: 8192, RunningBatches: 1},
	}

	chosen := chooseNode(exp, snapshot)
	if assert.NotNil(t, chosen) {
		assert.Equal(t, "quiet", chosen.Name, "fewest running batches wins among online, sufficient candidates")
	}
}

func TestChooseNodePrefersZeroGPUNode(t *testing.T) {
	exp := gpuExperiment(1024)
	gpuNode := &CompleteNode{Name: "gpu-node", Online: true, RAMAvailable: 8192, TotalGPUs: []types.GPUDevice{{ID: 0}}, GPUsAvailable: []types.GPUDevice{{ID: 0}}}
	plainNode := &CompleteNode{Name: "plain-node", Online: true, RAMAvailable: 8192}
	snapshot := map[string]*CompleteNode{"gpu-node": gpuNode, "plain-node": plainNode}

	chosen := chooseNode(exp, snapshot)
	if assert.NotNil(t, chosen) {
		assert.Equal(t, "plain-node", chosen.Name, "a batch with no GPU demand should not consume a GPU-bearing node")
	}
}

func TestChooseNodeExcludesInsufficientCapacity(t *testing.T) {
	exp := gpuExperiment(4096)
	snapshot := map[string]*CompleteNode{
		"tiny": {Name: "tiny", Online: true, RAMAvailable: 512},
	}
	assert.Nil(t, chooseNode(exp, snapshot))
}

func TestBatchRequiresMount(t *testing.T) {
	assert.False(t, batchRequiresMount(&types.Batch{}))
	assert.True(t, batchRequiresMount(&types.Batch{Inputs: map[string]types.InputDescriptor{
		"a": {Mount: true},
	}}))
}

func TestSchedulerStopIsIdempotent(t *testing.T) {
	s := &Scheduler{stopCh: make(chan struct{})}
	s.Stop()
	s.Stop() // must not panic: once-guarded

	select {
	case <-s.stopCh:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("stopCh should be closed immediately")
	}
}
