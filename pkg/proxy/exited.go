package proxy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cc-warren/agency/pkg/metrics"
	"github.com/cc-warren/agency/pkg/runtime"
	"github.com/cc-warren/agency/pkg/scheduler"
	"github.com/cc-warren/agency/pkg/store"
	"github.com/cc-warren/agency/pkg/types"
)

// checkExitedContainersLoop blocks while offline and otherwise wakes on a
// nudge or the fixed poll interval.
//
// This rewrite's stage and execution containers are driven synchronously:
// launchBatch's own goroutine execs each container's command and parses its
// result inline, because containerd (unlike the dockerd API this system was
// originally written against) does not retain a task's stdio once it exits.
// So the two situations this loop actually has to reconcile between polls
// are narrower than its name suggests: a batch the scheduler cancelled out
// from under a still-running pipeline, and a container orphaned by a proxy
// process that crashed before it could finalise the batch it was driving.
func (p *Proxy) checkExitedContainersLoop() {
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}
		if !p.isOnline() {
			select {
			case <-p.stopCh:
				return
			case <-time.After(offlineInspectionInterval):
				continue
			}
		}

		select {
		case <-p.checkExitedEvt:
		case <-time.After(checkExitedInterval):
		case <-p.stopCh:
			return
		}

		p.runCheckExitedContainers()
		metrics.ProxyLoopLastTick.WithLabelValues(p.nodeName, "check_exited_containers").SetToCurrentTime()
	}
}

func (p *Proxy) runCheckExitedContainers() {
	ctx := context.Background()
	freed := p.reapCancelledBatches(ctx)
	if p.reapOrphanedContainers(ctx) {
		freed = true
	}
	if freed && p.nudge != nil {
		p.nudge()
	}
}

// reapCancelledBatches removes every container and shared volume left
// behind by a batch the scheduler cancelled while this node was still
// running it. launchBatch's own CAS calls already stop making forward
// progress on such a batch; this loop is what actually tears its
// containers down.
func (p *Proxy) reapCancelledBatches(ctx context.Context) bool {
	batches, err := p.store.ListBatches(ctx, store.BatchFilter{Node: p.nodeName, States: []types.BatchState{types.BatchCancelled}})
	if err != nil {
		p.logger.Error().Err(err).Msg("list cancelled batches")
		return false
	}

	freed := false
	for _, b := range batches {
		p.cleanStaleContainers(ctx, b.ID)
		if err := os.RemoveAll(p.volumePath(b)); err != nil {
			p.logger.Debug().Err(err).Str("batch_id", b.ID).Msg("remove cancelled batch volume")
		}
		freed = true
	}
	return freed
}

// reapOrphanedContainers finds execution containers the runtime reports as
// exited whose batch never reached a terminal state — meaning the proxy
// process that launched them died before it could read their result — and
// fails the batch so the scheduler can place it again, possibly elsewhere.
// Stage-in/stage-out containers never show up here: runStageContainer tears
// each one down itself as soon as its connector exec returns.
func (p *Proxy) reapOrphanedContainers(ctx context.Context) bool {
	containers, err := p.driver.List(ctx, true, runtime.StatusExited)
	if err != nil {
		p.logger.Error().Err(err).Msg("list exited containers")
		return false
	}

	freed := false
	for _, c := range containers {
		batchID := strings.TrimSuffix(strings.TrimSuffix(c.Name, "_input"), "_output")
		if batchID != c.Name {
			continue
		}

		b, err := p.store.GetBatch(ctx, batchID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				_ = p.driver.Remove(ctx, c.Name, true)
			}
			continue
		}
		if b.Node != p.nodeName || !b.State.Running() {
			continue // not ours, or already finalised by the goroutine that launched it
		}

		logger := p.logger.With().Str("batch_id", b.ID).Logger()
		logger.Warn().Str("container", c.Name).Msg("recovering orphaned exited container")

		debug := "orphaned exited container recovered by check-exited-containers loop"
		if stdout, _, logErr := p.driver.Logs(ctx, c.Name); logErr == nil {
			if result, parseErr := agentResultFromStdout(stdout); parseErr == nil {
				debug = fmt.Sprintf("recovered orphaned container, last reported result: %s", result.DebugInfo)
			}
		}

		exp, expErr := p.store.GetExperiment(ctx, b.ExperimentID)
		retryAllowed := expErr == nil && exp.Execution.RetryAllowed()
		if err := scheduler.FailBatch(ctx, p.store, b.ID, b.State, debug, false, retryAllowed); err != nil {
			logger.Error().Err(err).Msg("fail orphaned batch")
		}
		metrics.ProxyBatchFailuresTotal.WithLabelValues(p.nodeName, "orphaned_container").Inc()

		p.cleanStaleContainers(ctx, b.ID)
		if err := os.RemoveAll(p.volumePath(b)); err != nil {
			logger.Debug().Err(err).Msg("remove orphaned batch volume")
		}
		freed = true
	}
	return freed
}
