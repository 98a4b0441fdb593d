// Package scheduler implements the single-writer control loop that places
// registered batches onto nodes: FIFO admission, RAM/GPU matching,
// per-experiment concurrency limits, and the retry-or-bury batch-failure
// choke point.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cc-warren/agency/pkg/broker"
	"github.com/cc-warren/agency/pkg/gpu"
	"github.com/cc-warren/agency/pkg/log"
	"github.com/cc-warren/agency/pkg/metrics"
	"github.com/cc-warren/agency/pkg/notify"
	"github.com/cc-warren/agency/pkg/store"
	"github.com/cc-warren/agency/pkg/types"
	"github.com/rs/zerolog"
)

// tickInterval is the scheduler's timer-driven wake period; NudgeNow lets
// another component (e.g. a submission handler) trigger an out-of-band
// cycle without waiting for the next tick.
const tickInterval = 60 * time.Second

// ProxyHandle is the subset of a node client proxy the scheduler nudges at
// the end of each cycle. Kept minimal and one-directional: proxies never
// hold a reference back to the scheduler, only to the wake event it exposes.
type ProxyHandle interface {
	NodeName() string
	NudgeCheckForBatches()
	NudgeCheckExitedContainers()
	Snapshot() CompleteNode
}

// CompleteNode is the scheduler's in-memory view of one node's current
// capacity, rebuilt fresh at the start of every placement pass.
type CompleteNode struct {
	Name           string
	Online         bool
	TotalRAMMB     int
	TotalGPUs      []types.GPUDevice
	RAMAvailable   int
	GPUsAvailable  []types.GPUDevice
	RunningBatches int
}

// Scheduler is the single control-loop writer of registered->scheduled
// transitions.
type Scheduler struct {
	store   store.Store
	broker  *broker.Client
	notify  *notify.Dispatcher
	proxies []ProxyHandle
	logger  zerolog.Logger

	// allowInsecureCapabilities mirrors DockerConfig.AllowInsecureCapabilities:
	// a mounting batch (one whose input descriptor requires FUSE) is
	// permanently failed at placement time unless this is true, since
	// granting FUSE/SYS_ADMIN/AppArmor-unconfined to a container is a
	// cluster-wide policy decision, not a per-batch one.
	allowInsecureCapabilities bool

	wake   chan struct{}
	stopCh chan struct{}
	once   sync.Once
}

// New builds a scheduler over the given store/broker/dispatcher and the set
// of node proxies it coordinates.
func New(s store.Store, b *broker.Client, n *notify.Dispatcher, proxies []ProxyHandle, allowInsecureCapabilities bool) *Scheduler {
	return &Scheduler{
		store:                     s,
		broker:                    b,
		notify:                    n,
		proxies:                   proxies,
		allowInsecureCapabilities: allowInsecureCapabilities,
		logger:                    log.WithComponent("scheduler"),
		wake:                      make(chan struct{}, 1),
		stopCh:                    make(chan struct{}),
	}
}

// Start runs the control loop in a new goroutine.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop halts the control loop.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stopCh) })
}

// NudgeNow requests an out-of-band cycle at the next opportunity, without
// waiting for the timer.
func (s *Scheduler) NudgeNow() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cycle()
		case <-s.wake:
			s.cycle()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) cycle() {
	ctx := context.Background()
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.SchedulerCycleDuration)
		metrics.SchedulerCyclesTotal.Inc()
	}()

	s.voidProtectedKeys(ctx)
	s.postNotifications(ctx)

	if err := s.broker.Inspect(ctx); err != nil {
		s.logger.Error().Err(err).Msg("broker unavailable, deferring placement this cycle")
		return
	}

	for _, p := range s.proxies {
		p.NudgeCheckExitedContainers()
	}

	s.placeBatches(ctx)

	for _, p := range s.proxies {
		p.NudgeCheckForBatches()
	}
}

// voidProtectedKeys deletes broker secrets for terminal batches/experiments
// that have not yet been voided, and sets their voided flag.
func (s *Scheduler) voidProtectedKeys(ctx context.Context) {
	batches, err := s.store.ListBatches(ctx, store.BatchFilter{})
	if err != nil {
		s.logger.Error().Err(err).Msg("list batches for key voiding")
		return
	}

	experimentTerminal := map[string]bool{}
	for _, b := range batches {
		if !b.State.Terminal() {
			experimentTerminal[b.ExperimentID] = false
		} else if _, seen := experimentTerminal[b.ExperimentID]; !seen {
			experimentTerminal[b.ExperimentID] = true
		}
	}

	for _, b := range batches {
		if !b.State.Terminal() || b.ProtectedKeysVoided {
			continue
		}
		if err := s.broker.Delete(ctx, []string{b.ID}); err != nil {
			s.logger.Error().Err(err).Str("batch_id", b.ID).Msg("void batch secrets")
			continue
		}
		_, err := s.store.UpdateBatchCAS(ctx, b.ID, store.BatchUpdate{
			ExpectedState: b.State,
			Mutate: func(mb *types.Batch) {
				mb.ProtectedKeysVoided = true
			},
		})
		if err != nil && !errors.Is(err, store.ErrCASMismatch) {
			s.logger.Error().Err(err).Str("batch_id", b.ID).Msg("mark batch keys voided")
		}
	}

	experiments, err := s.store.ListExperiments(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("list experiments for key voiding")
		return
	}
	for _, e := range experiments {
		if e.ProtectedKeysVoided || !experimentTerminal[e.ID] {
			continue
		}
		if err := s.broker.Delete(ctx, []string{e.ID}); err != nil {
			s.logger.Error().Err(err).Str("experiment_id", e.ID).Msg("void experiment secrets")
			continue
		}
		e.ProtectedKeysVoided = true
		if err := s.store.UpdateExperiment(ctx, e); err != nil {
			s.logger.Error().Err(err).Str("experiment_id", e.ID).Msg("mark experiment keys voided")
		}
	}
}

// postNotifications delivers terminal, not-yet-sent batches to configured
// hooks and marks them sent on success.
func (s *Scheduler) postNotifications(ctx context.Context) {
	batches, err := s.store.ListBatches(ctx, store.BatchFilter{})
	if err != nil {
		s.logger.Error().Err(err).Msg("list batches for notification")
		return
	}

	var pending []*types.Batch
	for _, b := range batches {
		if b.State.Terminal() && !b.NotificationsSent {
			pending = append(pending, b)
		}
	}
	if len(pending) == 0 {
		return
	}

	if err := s.notify.Deliver(ctx, pending); err != nil {
		s.logger.Error().Err(err).Int("count", len(pending)).Msg("deliver terminal batch notifications")
		return
	}

	for _, b := range pending {
		_, err := s.store.UpdateBatchCAS(ctx, b.ID, store.BatchUpdate{
			ExpectedState: b.State,
			Mutate: func(mb *types.Batch) {
				mb.NotificationsSent = true
			},
		})
		if err != nil && !errors.Is(err, store.ErrCASMismatch) {
			s.logger.Error().Err(err).Str("batch_id", b.ID).Msg("mark batch notified")
		}
	}
}

// placeBatches builds a cluster snapshot and assigns registered batches to
// nodes, oldest registration first.
func (s *Scheduler) placeBatches(ctx context.Context) {
	snapshot := make(map[string]*CompleteNode, len(s.proxies))
	for _, p := range s.proxies {
		cn := p.Snapshot()
		snapshot[cn.Name] = &cn
	}

	batches, err := s.store.ListBatches(ctx, store.BatchFilter{States: []types.BatchState{types.BatchRegistered}})
	if err != nil {
		s.logger.Error().Err(err).Msg("list registered batches")
		return
	}
	sort.Slice(batches, func(i, j int) bool {
		return batches[i].RegistrationTime.Before(batches[j].RegistrationTime)
	})

	experimentLoad := map[string]int{}
	allBatches, err := s.store.ListBatches(ctx, store.BatchFilter{})
	if err == nil {
		for _, b := range allBatches {
			if b.State.Running() {
				experimentLoad[b.ExperimentID]++
			}
		}
	}

	for _, b := range batches {
		s.placeOne(ctx, b, snapshot, experimentLoad)
	}
}

func (s *Scheduler) placeOne(ctx context.Context, b *types.Batch, snapshot map[string]*CompleteNode, experimentLoad map[string]int) {
	exp, err := s.store.GetExperiment(ctx, b.ExperimentID)
	if err != nil {
		s.logger.Error().Err(err).Str("batch_id", b.ID).Msg("resolve experiment for placement")
		metrics.SchedulerBatchesFailedTotal.Inc()
		_ = FailBatch(ctx, s.store, b.ID, b.State, fmt.Sprintf("experiment lookup failed: %v", err), true, false)
		return
	}

	limit := exp.Execution.EffectiveConcurrencyLimit()
	if experimentLoad[exp.ID] >= limit {
		return
	}

	if !canEverPlace(exp, snapshot) {
		metrics.SchedulerBatchesFailedTotal.Inc()
		_ = FailBatch(ctx, s.store, b.ID, b.State, "no node could ever satisfy this batch's resource requirements", true, false)
		return
	}

	mount := batchRequiresMount(b)
	if mount && !s.allowInsecureCapabilities {
		metrics.SchedulerBatchesFailedTotal.Inc()
		_ = FailBatch(ctx, s.store, b.ID, b.State, "batch requires a mount but allow_insecure_capabilities is false", true, false)
		return
	}

	node := chooseNode(exp, snapshot)
	if node == nil {
		return // no node currently has room; try again next cycle
	}

	claimed, err := gpu.Match(exp.Resources.GPUs, node.GPUsAvailable)
	if err != nil {
		return // transient: another batch claimed the GPUs this pass
	}

	_, err = s.store.UpdateBatchCAS(ctx, b.ID, store.BatchUpdate{
		ExpectedState: b.State,
		Mutate: func(mb *types.Batch) {
			mb.State = types.BatchScheduled
			mb.Node = node.Name
			mb.UsedGPUIDs = claimed
			mb.Mount = mount
			mb.Attempts++
			mb.AppendHistory(types.BatchScheduled, "", nil)
		},
	})
	if err != nil {
		if !errors.Is(err, store.ErrCASMismatch) {
			s.logger.Error().Err(err).Str("batch_id", b.ID).Msg("place batch")
		}
		return
	}

	node.RAMAvailable -= exp.Resources.RAMMB
	node.GPUsAvailable = gpu.Remove(node.GPUsAvailable, claimed)
	node.RunningBatches++
	experimentLoad[exp.ID]++
	metrics.SchedulerBatchesPlacedTotal.Inc()
}

func batchRequiresMount(b *types.Batch) bool {
	for _, in := range b.Inputs {
		if in.Mount {
			return true
		}
	}
	return false
}

// canEverPlace reports whether any configured node, regardless of current
// load, has enough total RAM/GPU capacity to ever run this experiment.
func canEverPlace(exp *types.Experiment, snapshot map[string]*CompleteNode) bool {
	for _, cn := range snapshot {
		if cn.TotalRAMMB < exp.Resources.RAMMB {
			continue
		}
		if gpu.Sufficient(exp.Resources.GPUs, cn.TotalGPUs) {
			return true
		}
	}
	return false
}

// chooseNode applies the tie-break order: online + currently sufficient,
// then prefer zero-GPU nodes, then fewest running batches, then smallest
// ram_available (pack tight).
func chooseNode(exp *types.Experiment, snapshot map[string]*CompleteNode) *CompleteNode {
	var candidates []*CompleteNode
	for _, cn := range snapshot {
		if !cn.Online {
			continue
		}
		if cn.RAMAvailable < exp.Resources.RAMMB {
			continue
		}
		if !gpu.Sufficient(exp.Resources.GPUs, cn.GPUsAvailable) {
			continue
		}
		candidates = append(candidates, cn)
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		aGPU, bGPU := len(a.TotalGPUs) == 0, len(b.TotalGPUs) == 0
		if aGPU != bGPU {
			return aGPU // zero-GPU nodes sort first
		}
		if a.RunningBatches != b.RunningBatches {
			return a.RunningBatches < b.RunningBatches
		}
		return a.RAMAvailable < b.RAMAvailable
	})
	return candidates[0]
}
