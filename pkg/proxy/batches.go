package proxy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cc-warren/agency/pkg/metrics"
	"github.com/cc-warren/agency/pkg/scheduler"
	"github.com/cc-warren/agency/pkg/store"
	"github.com/cc-warren/agency/pkg/types"
)

// checkForBatchesLoop blocks while offline and otherwise wakes on a nudge or
// the fixed poll interval, pulling images and launching newly-scheduled
// batches for this node.
func (p *Proxy) checkForBatchesLoop() {
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
		case <-p.checkBatchesEvt:
		case <-time.After(checkForBatchesInterval):
		case <-p.stopCh:
			return
		}

		p.runCheckForBatches()
		metrics.ProxyLoopLastTick.WithLabelValues(p.nodeName, "check_for_batches").SetToCurrentTime()
	}
}

func (p *Proxy) runCheckForBatches() {
	ctx := context.Background()
	batches, err := p.store.ListBatches(ctx, store.BatchFilter{Node: p.nodeName, States: []types.BatchState{types.BatchScheduled}})
	if err != nil {
		p.logger.Error().Err(err).Msg("list scheduled batches")
		p.signalInspect()
		return
	}
	if len(batches) == 0 {
		p.maybePruneImages(ctx)
		return
	}

	type imageKey struct{ url, auth string }
	groups := map[imageKey][]*types.Batch{}
	for _, b := range batches {
		exp, err := p.store.GetExperiment(ctx, b.ExperimentID)
		if err != nil {
			p.logger.Error().Err(err).Str("batch_id", b.ID).Msg("resolve experiment for pull grouping")
			_ = scheduler.FailBatch(ctx, p.store, b.ID, b.State, fmt.Sprintf("experiment lookup failed: %v", err), true, false)
			continue
		}
		k := imageKey{url: exp.Image.URL, auth: exp.Image.Auth}
		groups[k] = append(groups[k], b)
	}

	var mu sync.Mutex
	var survivors []*types.Batch

	for k, group := range groups {
		k, group := k, group
		p.pullPool.Go(func() {
			authToken := p.resolveImageAuth(ctx, k.auth)
			if err := p.driver.Pull(ctx, k.url, authToken); err != nil {
				p.logger.Error().Err(err).Str("image", k.url).Msg("image pull failed, failing dependent batches")
				for _, b := range group {
					_ = scheduler.FailBatch(ctx, p.store, b.ID, b.State, fmt.Sprintf("image pull failed: %v", err), false, false)
					metrics.ProxyBatchFailuresTotal.WithLabelValues(p.nodeName, "pull_failed").Inc()
				}
				p.signalInspect()
				return
			}
			mu.Lock()
			survivors = append(survivors, group...)
			mu.Unlock()
		})
	}
	p.pullPool.Wait()

	for _, b := range survivors {
		b := b
		p.launchPool.Go(func() {
			p.launchBatch(context.Background(), b)
		})
	}
	p.launchPool.Wait()

	p.maybePruneImages(ctx)
}

// resolveImageAuth turns an experiment's broker auth key into a bearer
// token for the container driver's pull, if one is configured.
func (p *Proxy) resolveImageAuth(ctx context.Context, authKey string) string {
	if authKey == "" {
		return ""
	}
	secrets, err := p.broker.Collect(ctx, []string{authKey})
	if err != nil {
		p.logger.Error().Err(err).Str("auth_key", authKey).Msg("resolve image auth secret")
		return ""
	}
	if v, ok := secrets[authKey].(string); ok {
		return v
	}
	return ""
}

// maybePruneImages runs at most once per imagePruneCheckInterval: any
// experiment image whose most recent registration predates the configured
// image_prune_duration is removed, ignoring "in use" errors.
func (p *Proxy) maybePruneImages(ctx context.Context) {
	p.mu.Lock()
	if time.Since(p.lastPruneScan) < imagePruneCheckInterval {
		p.mu.Unlock()
		return
	}
	p.lastPruneScan = time.Now()
	p.mu.Unlock()

	if p.prune <= 0 {
		return
	}

	urls, err := p.store.DistinctImageURLs(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("list distinct image urls for pruning")
		return
	}
	for _, url := range urls {
		last, ok, err := p.store.LatestRegistrationForImage(ctx, url)
		if err != nil || !ok {
			continue
		}
		if time.Since(last) < p.prune {
			continue
		}
		if err := p.driver.PruneImage(ctx, url); err != nil {
			p.logger.Debug().Err(err).Str("image", url).Msg("prune image (likely still in use)")
		} else {
			p.logger.Info().Str("image", url).Msg("pruned unused image")
		}
	}
}
