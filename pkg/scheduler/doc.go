/*
Package scheduler implements single-writer placement of registered
batches onto worker nodes.

The scheduler owns exactly one concern: deciding, on a fixed tick, which
registered batches can move to scheduled and onto which node. It never
touches a container runtime directly — that is the node proxy's job
(package proxy) — and it never races itself: Start runs one control
loop goroutine that is the sole writer of batch placement decisions.

# Architecture

	┌─────────────────────── SCHEDULER LOOP ───────────────────────┐
	│                                                                 │
	│   tick (interval or NudgeNow) ──▶ cycle(ctx)                  │
	│                                      │                         │
	│                    ┌─────────────────▼──────────────────┐     │
	│                    │   placeBatches(ctx)                 │     │
	│                    │   1. snapshot = proxy.Snapshot() per│     │
	│                    │      registered ProxyHandle         │     │
	│                    │   2. list BatchRegistered, oldest    │     │
	│                    │      RegistrationTime first          │     │
	│                    │   3. experimentLoad = count Running()│     │
	│                    │      batches per experiment          │     │
	│                    │   4. placeOne(b) for each, in order   │     │
	│                    └─────────────────┬──────────────────┘     │
	│                                      │                         │
	│                    ┌─────────────────▼──────────────────┐     │
	│                    │   placeOne(b, snapshot, load)        │     │
	│                    │   - concurrency limit check           │     │
	│                    │   - canEverPlace: permanent failure   │     │
	│                    │     if no configured node could ever  │     │
	│                    │     fit this experiment's resources   │     │
	│                    │   - chooseNode: tie-break among        │     │
	│                    │     currently-sufficient online nodes │     │
	│                    │   - gpu.Match, CAS registered->scheduled│    │
	│                    └────────────────────────────────────┘     │
	└─────────────────────────────────────────────────────────────┘

# Node selection

chooseNode filters to nodes that are online and currently have enough
free RAM/GPU capacity, then breaks ties in this order: nodes with
zero GPUs are preferred over GPU nodes (reserving scarce GPU capacity
for batches that actually need it), then fewest RunningBatches, then
smallest RAMAvailable (a tight pack rather than a spread, since nodes
here are few and fixed rather than autoscaled).

canEverPlace is a separate, permanent check: a batch whose experiment
asks for more RAM or GPUs than any configured node will ever have is
failed outright via FailBatch with retries disabled, rather than
retried forever against capacity that will never exist.

# Retry and failure

FailBatch (failbatch.go) is the single choke point every other package
calls to report a batch failure: stage-in/execute/stage-out failures
from the proxy, and permanent-placement failures from here. It either
returns the batch to registered (clearing node/gpu/mount) if the
experiment allows another attempt, or moves it to failed. A CAS
mismatch is treated as a benign race (something else already moved the
batch) rather than an error.
*/
package scheduler
