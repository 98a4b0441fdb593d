// Package proxy implements the per-node client proxy: three cooperating
// loops that inspect a node's container runtime, pull images and launch
// batches, and harvest exited containers, all gated by an online latch.
package proxy

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cc-warren/agency/pkg/broker"
	"github.com/cc-warren/agency/pkg/config"
	"github.com/cc-warren/agency/pkg/log"
	"github.com/cc-warren/agency/pkg/metrics"
	"github.com/cc-warren/agency/pkg/runtime"
	"github.com/cc-warren/agency/pkg/scheduler"
	"github.com/cc-warren/agency/pkg/store"
	"github.com/cc-warren/agency/pkg/types"
	"github.com/rs/zerolog"
)

const (
	inspectionImage           = "docker.io/library/alpine:3.19"
	offlineInspectionInterval = 10 * time.Second
	checkForBatchesInterval   = 20 * time.Second
	checkExitedInterval       = 1 * time.Second
	imagePruneCheckInterval   = time.Hour
	pullPoolSize              = 4
	launchPoolSize            = 4

	// defaultVolumeRoot is where a batch's {id}_cc shared volume is created
	// on the host when Config.VolumeRoot is left unset.
	defaultVolumeRoot = "/var/lib/agency/volumes"
)

// Config is everything one node's proxy needs at construction.
type Config struct {
	NodeName           string
	Driver             runtime.Driver
	Store              store.Store
	Broker             *broker.Client
	Hardware           config.NodeHardware
	ImagePruneDuration time.Duration
	// AllowInsecureCapabilities mirrors DockerConfig.AllowInsecureCapabilities.
	// The scheduler already refuses to place a mounting batch unless this is
	// set, so the proxy never grants FUSE/SYS_ADMIN/AppArmor-unconfined on
	// its own account; it is carried here only so the proxy's launch path
	// can assert that invariant rather than re-deciding it.
	AllowInsecureCapabilities bool
	// VolumeRoot is the host directory under which each batch's {id}_cc
	// shared volume is created before stage-in and removed after the batch
	// leaves processing*. Defaults to defaultVolumeRoot.
	VolumeRoot string
	// SchedulerNudge wakes the scheduler's control loop out of band, e.g.
	// after the exit-harvest loop frees node resources. It is a bare func,
	// never a reference to the scheduler itself, per the one-directional
	// scheduler<->proxy wiring.
	SchedulerNudge func()
}

// Proxy owns one node's container runtime connection and drives its batches
// through their lifecycle.
type Proxy struct {
	nodeName string
	driver   runtime.Driver
	store    store.Store
	broker   *broker.Client
	hardware                  config.NodeHardware
	prune                     time.Duration
	volumeRoot                string
	allowInsecureCapabilities bool
	nudge                     func()
	logger                    zerolog.Logger

	pullPool   *boundedGroup
	launchPool *boundedGroup

	mu            sync.RWMutex
	online        bool
	totalRAMMB    int
	totalGPUs     []types.GPUDevice
	lastPruneScan time.Time

	inspectEvt      chan struct{}
	checkBatchesEvt chan struct{}
	checkExitedEvt  chan struct{}
	stopCh          chan struct{}
	once            sync.Once
}

// New builds a node proxy. It starts offline; Start must be called to begin
// the cooperating loops, the first of which (inspection) brings it online.
func New(cfg Config) *Proxy {
	volumeRoot := cfg.VolumeRoot
	if volumeRoot == "" {
		volumeRoot = defaultVolumeRoot
	}
	return &Proxy{
		nodeName:                  cfg.NodeName,
		driver:                    cfg.Driver,
		store:                     cfg.Store,
		broker:                    cfg.Broker,
		hardware:                  cfg.Hardware,
		prune:                     cfg.ImagePruneDuration,
		volumeRoot:                volumeRoot,
		allowInsecureCapabilities: cfg.AllowInsecureCapabilities,
		nudge:                     cfg.SchedulerNudge,
		logger:                    log.WithComponent("proxy").With().Str("node_id", cfg.NodeName).Logger(),

		pullPool:   newBoundedGroup(pullPoolSize),
		launchPool: newBoundedGroup(launchPoolSize),

		inspectEvt:      make(chan struct{}, 1),
		checkBatchesEvt: make(chan struct{}, 1),
		checkExitedEvt:  make(chan struct{}, 1),
		stopCh:          make(chan struct{}),
	}
}

// Start launches the three cooperating loops in their own goroutines and
// kicks off an initial inspection so the node can come online without
// waiting for the first nudge.
func (p *Proxy) Start() {
	go p.inspectionLoop()
	go p.checkForBatchesLoop()
	go p.checkExitedContainersLoop()
	p.signal(p.inspectEvt)
}

// Stop halts all three loops.
func (p *Proxy) Stop() {
	p.once.Do(func() { close(p.stopCh) })
}

// NodeName implements scheduler.ProxyHandle.
func (p *Proxy) NodeName() string { return p.nodeName }

// NudgeCheckForBatches implements scheduler.ProxyHandle.
func (p *Proxy) NudgeCheckForBatches() { p.signal(p.checkBatchesEvt) }

// NudgeCheckExitedContainers implements scheduler.ProxyHandle.
func (p *Proxy) NudgeCheckExitedContainers() { p.signal(p.checkExitedEvt) }

func (p *Proxy) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (p *Proxy) signalInspect() { p.signal(p.inspectEvt) }

func (p *Proxy) isOnline() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.online
}

// Snapshot implements scheduler.ProxyHandle: it reports this node's current
// capacity, deducting RAM/GPUs reserved by batches this proxy currently
// considers "running" (scheduled or any processing_* state).
func (p *Proxy) Snapshot() scheduler.CompleteNode {
	p.mu.RLock()
	online := p.online
	totalRAM := p.totalRAMMB
	totalGPUs := append([]types.GPUDevice(nil), p.totalGPUs...)
	p.mu.RUnlock()

	cn := scheduler.CompleteNode{
		Name:          p.nodeName,
		Online:        online,
		TotalRAMMB:    totalRAM,
		TotalGPUs:     totalGPUs,
		RAMAvailable:  totalRAM,
		GPUsAvailable: append([]types.GPUDevice(nil), totalGPUs...),
	}
	metrics.NodeOnline.WithLabelValues(p.nodeName).Set(boolToFloat(online))
	if !online {
		metrics.NodeRAMAvailableMB.WithLabelValues(p.nodeName).Set(0)
		metrics.NodeGPUsAvailable.WithLabelValues(p.nodeName).Set(0)
		return cn
	}

	running, err := p.store.ListBatches(context.Background(), store.BatchFilter{Node: p.nodeName})
	if err != nil {
		p.logger.Error().Err(err).Msg("list batches for snapshot")
		return cn
	}

	claimed := map[int]bool{}
	for _, b := range running {
		if !b.State.Running() {
			continue
		}
		cn.RunningBatches++
		exp, err := p.store.GetExperiment(context.Background(), b.ExperimentID)
		if err == nil {
			cn.RAMAvailable -= exp.Resources.RAMMB
		}
		for _, id := range b.UsedGPUIDs {
			claimed[id] = true
		}
	}
	var avail []types.GPUDevice
	for _, d := range cn.GPUsAvailable {
		if !claimed[d.ID] {
			avail = append(avail, d)
		}
	}
	cn.GPUsAvailable = avail
	if cn.RAMAvailable < 0 {
		cn.RAMAvailable = 0
	}

	metrics.NodeRAMAvailableMB.WithLabelValues(p.nodeName).Set(float64(cn.RAMAvailable))
	metrics.NodeGPUsAvailable.WithLabelValues(p.nodeName).Set(float64(len(cn.GPUsAvailable)))
	return cn
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// inspectionLoop implements the online/offline probe cycle described in the
// node client proxy design: while online, it only re-probes when nudged
// (by itself, on a failing call elsewhere, or a failed probe); while
// offline, it polls on a fixed interval until the runtime answers again.
func (p *Proxy) inspectionLoop() {
	for {
		if p.isOnline() {
			select {
			case <-p.inspectEvt:
			case <-p.stopCh:
				return
			}
			p.probeOnline()
		} else {
			select {
			case <-time.After(offlineInspectionInterval):
			case <-p.inspectEvt:
			case <-p.stopCh:
				return
			}
			p.probeOffline()
		}
		metrics.ProxyLoopLastTick.WithLabelValues(p.nodeName, "inspection").SetToCurrentTime()
	}
}

// probeOnline re-checks a currently-online node; on failure it takes the
// node offline and fails every batch this proxy currently has in flight.
func (p *Proxy) probeOnline() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := p.runInspectionProbe(ctx); err == nil {
		return
	} else {
		p.logger.Warn().Err(err).Msg("node failed inspection, marking offline")
	}

	p.mu.Lock()
	p.online = false
	p.mu.Unlock()

	node, err := p.store.GetNode(ctx, p.nodeName)
	if err == nil {
		node.State = types.NodeOffline
		node.History = append(node.History, types.HistoryEntry{State: string(types.NodeOffline), Time: time.Now(), DebugInfo: "inspection probe failed"})
		if err := p.store.UpdateNode(ctx, node); err != nil {
			p.logger.Error().Err(err).Msg("write node offline")
		}
	}

	p.failInFlightBatches(ctx, "node went offline during inspection")
}

// probeOffline re-checks a currently-offline node; on success it brings the
// node back online, recording the configured RAM/CPU capacity and the
// freshly-detected GPUs.
func (p *Proxy) probeOffline() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := p.runInspectionProbe(ctx); err != nil {
		return // still offline; try again next poll
	}

	gpus, err := p.detectGPUs(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("gpu detection failed, treating node as gpu-less this cycle")
		gpus = nil
	}

	p.mu.Lock()
	p.online = true
	p.totalRAMMB = p.hardware.RAMMB
	p.totalGPUs = gpus
	p.mu.Unlock()

	node, err := p.store.GetNode(ctx, p.nodeName)
	if err == nil {
		node.State = types.NodeOnline
		node.RAMMB = p.hardware.RAMMB
		node.CPUs = p.hardware.CPUs
		node.GPUs = gpus
		node.History = append(node.History, types.HistoryEntry{State: string(types.NodeOnline), Time: time.Now()})
		if err := p.store.UpdateNode(ctx, node); err != nil {
			p.logger.Error().Err(err).Msg("write node online")
		}
	}

	p.logger.Info().Int("ram_mb", p.hardware.RAMMB).Int("gpus", len(gpus)).Msg("node online")
	if p.nudge != nil {
		p.nudge()
	}
}

func (p *Proxy) detectGPUs(ctx context.Context) ([]types.GPUDevice, error) {
	devices, err := p.driver.InspectGPUs(ctx)
	if err != nil {
		return nil, err
	}
	blacklist := map[int]bool{}
	for _, id := range p.hardware.GPUBlacklist {
		blacklist[id] = true
	}
	out := make([]types.GPUDevice, 0, len(devices))
	for _, d := range devices {
		if blacklist[d.ID] {
			continue
		}
		out = append(out, types.GPUDevice{ID: d.ID, VRAMMB: d.VRAMMB, Vendor: d.Vendor})
	}
	return out, nil
}

// runInspectionProbe is "can this runtime create, start, and run a
// container right now": daemon liveness plus a trivial echo container,
// mirroring the source's _can_execute_container check.
func (p *Proxy) runInspectionProbe(ctx context.Context) error {
	if err := p.driver.Info(ctx); err != nil {
		return fmt.Errorf("daemon unreachable: %w", err)
	}

	name := "agency-inspect-" + p.nodeName
	_ = p.driver.Remove(ctx, name, true)
	if err := p.driver.Pull(ctx, inspectionImage, ""); err != nil {
		return fmt.Errorf("pull inspection image: %w", err)
	}
	if _, err := p.driver.Create(ctx, runtime.ContainerSpec{Name: name, Image: inspectionImage, Command: []string{"echo", "test"}}); err != nil {
		return fmt.Errorf("create inspection container: %w", err)
	}
	defer p.driver.Remove(ctx, name, true)
	if err := p.driver.Start(ctx, name); err != nil {
		return fmt.Errorf("start inspection container: %w", err)
	}
	res, err := p.driver.Exec(ctx, name, []string{"echo", "test"})
	if err != nil {
		return fmt.Errorf("exec inspection container: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("inspection container exited %d", res.ExitCode)
	}
	return nil
}

// failInFlightBatches calls batch-failure for every batch this node
// currently has scheduled or in a processing_* state, used when the node
// drops offline mid-flight.
func (p *Proxy) failInFlightBatches(ctx context.Context, reason string) {
	inFlight := []types.BatchState{types.BatchScheduled, types.BatchProcessingInput, types.BatchProcessing, types.BatchProcessingOut}
	batches, err := p.store.ListBatches(ctx, store.BatchFilter{Node: p.nodeName, States: inFlight})
	if err != nil {
		p.logger.Error().Err(err).Msg("list in-flight batches for offline failure")
		return
	}
	for _, b := range batches {
		if err := scheduler.FailBatch(ctx, p.store, b.ID, b.State, reason, false, p.retryAllowed(ctx, b)); err != nil {
			p.logger.Error().Err(err).Str("batch_id", b.ID).Msg("fail in-flight batch on node offline")
		}
		metrics.ProxyBatchFailuresTotal.WithLabelValues(p.nodeName, "node_offline").Inc()
	}
}

// volumePath is the host directory backing a batch's {id}_cc bind mount.
func (p *Proxy) volumePath(b *types.Batch) string {
	return filepath.Join(p.volumeRoot, b.VolumeName())
}

func (p *Proxy) retryAllowed(ctx context.Context, b *types.Batch) bool {
	exp, err := p.store.GetExperiment(ctx, b.ExperimentID)
	if err != nil {
		return false
	}
	return exp.Execution.RetryAllowed()
}
