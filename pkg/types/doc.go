/*
Package types defines the core data structures shared across agencyd.

This package contains the domain model that the store, scheduler, and
node proxy all operate on: experiments (a reusable container-image plus
execution contract), batches (one scheduled run of an experiment, with
its own inputs/outputs), and nodes (a worker's hardware and online
history).

# Core Types

Experiment:
  - ID, RegistrationTime, Image, CLI contract, ResourceSettings, ExecutionSettings
  - describes what to run and how much RAM/GPU/concurrency it needs
  - immutable once registered; batches reference it by ID

Batch:
  - ID, ExperimentID, RegistrationTime, State, Node, UsedGPUIDs, Mount, Attempts
  - Inputs/Outputs descriptors, plus stdout/stderr blob references
  - one state machine instance: registered -> scheduled -> processing_input
    -> processing -> [processing_output ->] succeeded | failed | cancelled
  - AppendHistory records every transition for postmortem debugging

Node:
  - Name, State (online/offline), RAMMB, CPUs, GPUs, History
  - State and History are written by the node proxy's inspection loop,
    never by the scheduler

GPUDevice / GPURequirement:
  - GPUDevice describes one physical or virtual GPU (ID, VRAM, vendor)
  - GPURequirement.Sufficient reports whether a device satisfies a request

AgentResult:
  - the structured outcome a stage container reports back over its
    result line (return code, stdout/stderr capture, whether it ran at all)
  - Succeeded reports whether the result's state is "succeeded"

# State invariants

BatchState.Terminal reports whether a state is a final resting place
(succeeded, failed, cancelled); BatchState.Running reports whether a
batch currently occupies scheduling capacity on its node. Both the
scheduler's concurrency-limit accounting and the proxy's capacity
snapshot are built from these two predicates rather than from ad hoc
state comparisons, so a new terminal or in-flight state only needs to
be added in one place.
*/
package types
