// Package types defines the data model shared by the scheduler, node client
// proxies, store gateway and broker client: experiments, batches, nodes and
// their nested value types.
package types

import "time"

// BatchState is the state of a batch within the scheduling/execution DAG.
type BatchState string

const (
	BatchRegistered      BatchState = "registered"
	BatchScheduled       BatchState = "scheduled"
	BatchProcessingInput BatchState = "processing_input"
	BatchProcessing      BatchState = "processing"
	BatchProcessingOut   BatchState = "processing_output"
	BatchSucceeded       BatchState = "succeeded"
	BatchFailed          BatchState = "failed"
	BatchCancelled       BatchState = "cancelled"
)

// Terminal reports whether s is one of the DAG's terminal states.
func (s BatchState) Terminal() bool {
	switch s {
	case BatchSucceeded, BatchFailed, BatchCancelled:
		return true
	default:
		return false
	}
}

// Running reports whether a batch in state s occupies node resources.
func (s BatchState) Running() bool {
	switch s {
	case BatchScheduled, BatchProcessingInput, BatchProcessing, BatchProcessingOut:
		return true
	default:
		return false
	}
}

// NodeState is the liveness state of a configured worker node.
type NodeState string

const (
	NodeOnline  NodeState = "online"
	NodeOffline NodeState = "offline"
	NodeUnknown NodeState = "unknown"
)

// GPUDevice is a single GPU present on a node.
type GPUDevice struct {
	ID     int    `json:"id"`
	VRAMMB int    `json:"vram"`
	Vendor string `json:"vendor"`
}

// GPURequirement is one entry of an experiment's GPU demand list.
type GPURequirement struct {
	MinVRAMMB int    `json:"minVram"`
	Vendor    string `json:"vendor"`
}

// Sufficient reports whether device satisfies this requirement.
func (r GPURequirement) Sufficient(d GPUDevice) bool {
	if r.Vendor != "" && r.Vendor != d.Vendor {
		return false
	}
	return d.VRAMMB >= r.MinVRAMMB
}

// HistoryEntry is one append-only record in a batch's or node's history log.
type HistoryEntry struct {
	State       string       `json:"state"`
	Time        time.Time    `json:"time"`
	DebugInfo   string       `json:"debugInfo,omitempty"`
	Node        string       `json:"node,omitempty"`
	AgentResult *AgentResult `json:"agentResult,omitempty"`
}

// AgentResult is the closed variant parsed from a batch's execution
// container stdout, per the agent result schema.
type AgentResult struct {
	State      string         `json:"state"`
	DebugInfo  string         `json:"debugInfo,omitempty"`
	Executed   bool           `json:"executed"`
	ReturnCode *int           `json:"returnCode,omitempty"`
	Stdout     string         `json:"stdout,omitempty"`
	Stderr     string         `json:"stderr,omitempty"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Command    []string       `json:"command,omitempty"`
}

// Succeeded reports whether the agent reported a successful run.
func (a *AgentResult) Succeeded() bool {
	return a != nil && a.State == "succeeded"
}

// InputDescriptor declares one connector-staged input of an experiment's CLI
// contract.
type InputDescriptor struct {
	Key      string          `json:"key"`
	Type     string          `json:"type"` // File, Directory, string, int, long, float, double, boolean, or an array of one of these
	Array    bool            `json:"array"`
	Position *CLIArgPosition `json:"position,omitempty"`
	Mount    bool            `json:"mount"`
	Access   map[string]any  `json:"access,omitempty"`
}

// OutputDescriptor declares one connector-staged output.
type OutputDescriptor struct {
	Key    string         `json:"key"`
	Type   string         `json:"type"`
	Access map[string]any `json:"access,omitempty"`
}

// CLIArgPosition describes where and how one input is rendered on the
// command line: positional arguments carry a BindingPosition and always
// sort before named arguments; named arguments carry a Prefix/Separate/
// ItemSeparator.
type CLIArgPosition struct {
	Positional      bool   `json:"positional"`
	BindingPosition int    `json:"bindingPosition"`
	Prefix          string `json:"prefix,omitempty"`
	Separate        bool   `json:"separate"`
	ItemSeparator   string `json:"itemSeparator,omitempty"`
}

// CLIContract is an experiment's command-line contract: a base command plus
// the input/output descriptors used to render the rest of the argument
// list, and optional captured stdout/stderr file names.
type CLIContract struct {
	BaseCommand []string           `json:"baseCommand"`
	Inputs      []InputDescriptor  `json:"inputs"`
	Outputs     []OutputDescriptor `json:"outputs"`
	Stdout      string             `json:"stdout,omitempty"`
	Stderr      string             `json:"stderr,omitempty"`
}

// ImageSettings names the container image an experiment runs and its
// optional registry credentials (escrowed via the secret broker).
type ImageSettings struct {
	URL  string `json:"url"`
	Auth string `json:"auth,omitempty"` // broker key, resolved at execution time
}

// ResourceSettings is an experiment's declared resource demand.
type ResourceSettings struct {
	RAMMB int              `json:"ramMb"`
	GPUs  []GPURequirement `json:"gpus,omitempty"`
}

// ExecutionSettings are optional per-experiment scheduling policy knobs.
type ExecutionSettings struct {
	RetryIfFailed    bool `json:"retryIfFailed"`
	ConcurrencyLimit int  `json:"concurrencyLimit"` // 0 means DefaultConcurrencyLimit
}

// DefaultConcurrencyLimit is applied when an experiment's execution settings
// omit an explicit per-experiment concurrency limit.
const DefaultConcurrencyLimit = 64

// EffectiveConcurrencyLimit returns the experiment's configured limit, or
// DefaultConcurrencyLimit if unset.
func (e *ExecutionSettings) EffectiveConcurrencyLimit() int {
	if e == nil || e.ConcurrencyLimit <= 0 {
		return DefaultConcurrencyLimit
	}
	return e.ConcurrencyLimit
}

// RetryAllowed reports whether this experiment permits a failed batch to
// return to registered for another attempt.
func (e *ExecutionSettings) RetryAllowed() bool {
	return e == nil || e.RetryIfFailed
}

// Experiment is immutable after creation except for ProtectedKeysVoided.
type Experiment struct {
	ID                  string             `json:"id"`
	Owner               string             `json:"owner"`
	RegistrationTime    time.Time          `json:"registrationTime"`
	Image               ImageSettings      `json:"image"`
	Resources           ResourceSettings   `json:"resources"`
	Execution           *ExecutionSettings `json:"execution,omitempty"`
	CLI                 CLIContract        `json:"cli"`
	ProtectedKeysVoided bool               `json:"protectedKeysVoided"`
}

// CloudAccess is a batch's optional cloud-storage mount access record; the
// orchestrator treats its Auth field as an opaque secret key like any other.
type CloudAccess struct {
	Enable bool   `json:"enable"`
	Auth   string `json:"auth,omitempty"`
}

// Batch is the unit of scheduling: one run of one container pipeline.
type Batch struct {
	ID                  string                      `json:"id"`
	ExperimentID         string                      `json:"experimentId"`
	Owner                string                      `json:"owner"`
	RegistrationTime     time.Time                   `json:"registrationTime"`
	Inputs               map[string]InputDescriptor  `json:"inputs"`
	Outputs              map[string]OutputDescriptor `json:"outputs"`
	Cloud                *CloudAccess                `json:"cloud,omitempty"`
	State                BatchState                  `json:"state"`
	Node                 string                      `json:"node,omitempty"`
	UsedGPUIDs           []int                       `json:"usedGpuIds,omitempty"`
	Mount                bool                        `json:"mount"`
	Attempts             int                         `json:"attempts"`
	UserSpecifiedStdout  bool                        `json:"userSpecifiedStdout"`
	UserSpecifiedStderr  bool                        `json:"userSpecifiedStderr"`
	StdoutBlobName       string                      `json:"stdoutBlobName,omitempty"`
	StderrBlobName       string                      `json:"stderrBlobName,omitempty"`
	NotificationsSent    bool                        `json:"notificationsSent"`
	ProtectedKeysVoided  bool                        `json:"protectedKeysVoided"`
	History              []HistoryEntry              `json:"history"`
}

// AppendHistory appends one history entry recording the given state write.
func (b *Batch) AppendHistory(state BatchState, debugInfo string, agentResult *AgentResult) {
	b.History = append(b.History, HistoryEntry{
		State:       string(state),
		Time:        time.Now(),
		DebugInfo:   debugInfo,
		Node:        b.Node,
		AgentResult: agentResult,
	})
}

// VolumeName is the name of the per-batch shared volume mounted at /cc
// across this batch's containers. It is never reused by another batch.
func (b *Batch) VolumeName() string {
	return b.ID + "_cc"
}

// Node is a persistent record of one configured worker.
type Node struct {
	Name    string         `json:"name"`
	State   NodeState      `json:"state"`
	RAMMB   int            `json:"ramMb"`
	CPUs    int            `json:"cpus"`
	GPUs    []GPUDevice    `json:"gpus"`
	History []HistoryEntry `json:"history"`
}
