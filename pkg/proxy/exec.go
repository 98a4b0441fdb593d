package proxy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cc-warren/agency/pkg/clibuild"
	"github.com/cc-warren/agency/pkg/metrics"
	"github.com/cc-warren/agency/pkg/runtime"
	"github.com/cc-warren/agency/pkg/scheduler"
	"github.com/cc-warren/agency/pkg/store"
	"github.com/cc-warren/agency/pkg/types"
	"github.com/rs/zerolog"
)

const stopGrace = 10 * time.Second

// launchBatch drives one scheduled batch through stage-in, execution, and
// (if it declares outputs) stage-out. Every state transition is CAS'd on
// the batch's prior state so a concurrent cancellation always wins over
// this goroutine's progress.
func (p *Proxy) launchBatch(ctx context.Context, b *types.Batch) {
	logger := p.logger.With().Str("batch_id", b.ID).Str("experiment_id", b.ExperimentID).Logger()

	current, err := p.store.UpdateBatchCAS(ctx, b.ID, store.BatchUpdate{
		ExpectedState: types.BatchScheduled,
		Mutate: func(mb *types.Batch) {
			mb.State = types.BatchProcessingInput
			mb.AppendHistory(types.BatchProcessingInput, "", nil)
		},
	})
	if err != nil {
		if errors.Is(err, store.ErrCASMismatch) {
			return // cancelled or already picked up by a previous attempt
		}
		logger.Error().Err(err).Msg("CAS scheduled->processing_input")
		return
	}
	b = current

	exp, err := p.store.GetExperiment(ctx, b.ExperimentID)
	if err != nil {
		logger.Error().Err(err).Msg("resolve experiment for launch")
		_ = scheduler.FailBatch(ctx, p.store, b.ID, b.State, fmt.Sprintf("experiment lookup failed: %v", err), true, false)
		return
	}

	resolved, err := p.resolveSecrets(ctx, b, exp)
	if err != nil {
		logger.Error().Err(err).Msg("resolve batch secrets")
		_ = scheduler.FailBatch(ctx, p.store, b.ID, b.State, fmt.Sprintf("secret resolution failed: %v", err), false, exp.Execution.RetryAllowed())
		return
	}

	p.cleanStaleContainers(ctx, b.ID)
	if err := os.MkdirAll(p.volumePath(b), 0o755); err != nil {
		logger.Error().Err(err).Msg("create shared volume directory")
		_ = scheduler.FailBatch(ctx, p.store, b.ID, b.State, fmt.Sprintf("create shared volume: %v", err), false, exp.Execution.RetryAllowed())
		return
	}

	// b.Mount is only ever true here because the scheduler already refused
	// to place a mounting batch unless allow_insecure_capabilities is set;
	// this is a second, local check against the same policy.
	if b.Mount && !p.allowInsecureCapabilities {
		logger.Error().Msg("batch requires a mount but this node disallows insecure capabilities")
		_ = scheduler.FailBatch(ctx, p.store, b.ID, b.State, "allow_insecure_capabilities is false", true, false)
		return
	}
	sec := runtime.Security{}
	if b.Mount {
		sec = runtime.Security{FUSEDevice: true, AddSYSAdmin: true, AppArmorUnconfined: true}
	}
	gpuAttach := gpuAttachmentFor(b.UsedGPUIDs)

	if ok := p.runStageContainer(ctx, logger, "input", b, exp, resolved, sec, gpuAttach); !ok {
		return
	}

	current, err = p.store.UpdateBatchCAS(ctx, b.ID, store.BatchUpdate{
		ExpectedState: types.BatchProcessingInput,
		Mutate: func(mb *types.Batch) {
			mb.State = types.BatchProcessing
			mb.AppendHistory(types.BatchProcessing, "", nil)
		},
	})
	if err != nil {
		if !errors.Is(err, store.ErrCASMismatch) {
			logger.Error().Err(err).Msg("CAS processing_input->processing")
		}
		return
	}
	b = current

	result, ok := p.runExecutionContainer(ctx, logger, b, exp, resolved)
	if !ok {
		return
	}
	if !result.Succeeded() {
		p.finishExecution(ctx, logger, b, exp, result)
		return
	}

	if len(b.Outputs) > 0 {
		current, err = p.store.UpdateBatchCAS(ctx, b.ID, store.BatchUpdate{
			ExpectedState: types.BatchProcessing,
			Mutate: func(mb *types.Batch) {
				mb.State = types.BatchProcessingOut
				mb.AppendHistory(types.BatchProcessingOut, "", nil)
			},
		})
		if err != nil {
			if !errors.Is(err, store.ErrCASMismatch) {
				logger.Error().Err(err).Msg("CAS processing->processing_output")
			}
			return
		}
		b = current

		if ok := p.runStageContainer(ctx, logger, "output", b, exp, resolved, sec, gpuAttach); !ok {
			return
		}
	}

	p.finishExecution(ctx, logger, b, exp, result)
	metrics.ProxyBatchesLaunchedTotal.WithLabelValues(p.nodeName).Inc()
}

// finishExecution persists the batch's terminal state from the execution
// container's agent result, captures the experiment's declared stdout/
// stderr files as blobs (always on failure, opt-in on success), removes the
// batch's shared volume directory, and wakes the scheduler so any resources
// this batch held can be reassigned.
func (p *Proxy) finishExecution(ctx context.Context, logger zerolog.Logger, b *types.Batch, exp *types.Experiment, result *types.AgentResult) {
	p.captureOutputBlobs(ctx, logger, b, exp, !result.Succeeded())

	if !result.Succeeded() {
		p.stageFailed(ctx, b, fmt.Sprintf("execution did not succeed: %s", result.DebugInfo), exp)
	} else if _, err := p.store.UpdateBatchCAS(ctx, b.ID, store.BatchUpdate{
		ExpectedState: b.State,
		Mutate: func(mb *types.Batch) {
			mb.State = types.BatchSucceeded
			mb.AppendHistory(types.BatchSucceeded, "", result)
		},
	}); err != nil && !errors.Is(err, store.ErrCASMismatch) {
		logger.Error().Err(err).Msg("CAS ->succeeded")
	}

	if err := os.RemoveAll(p.volumePath(b)); err != nil {
		logger.Warn().Err(err).Msg("remove shared volume directory")
	}
	if p.nudge != nil {
		p.nudge()
	}
}

// captureOutputBlobs reads the experiment's declared stdout/stderr files
// out of the batch's shared volume and stores them in the blob store:
// always when the execution failed, and on success only when the batch
// asked for that stream to be kept.
func (p *Proxy) captureOutputBlobs(ctx context.Context, logger zerolog.Logger, b *types.Batch, exp *types.Experiment, failed bool) {
	captures := []struct {
		stream   string
		file     string
		want     bool
		blobName *string
	}{
		{"stdout", exp.CLI.Stdout, b.UserSpecifiedStdout, &b.StdoutBlobName},
		{"stderr", exp.CLI.Stderr, b.UserSpecifiedStderr, &b.StderrBlobName},
	}
	for _, c := range captures {
		if c.file == "" || (!failed && !c.want) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(p.volumePath(b), c.file))
		if err != nil {
			logger.Debug().Err(err).Str("file", c.file).Msg("read declared stdout/stderr file")
			continue
		}
		blobName := b.ID + "_" + c.stream
		if err := p.store.PutBlob(ctx, blobName, data); err != nil {
			logger.Error().Err(err).Str("blob", blobName).Msg("store stdout/stderr blob")
			continue
		}
		*c.blobName = blobName
	}
}

// resolvedSecrets holds a batch's cloud-access secret, collected once from
// the broker and passed to the stage containers' connector descriptor
// rather than persisted back onto the batch record. Image registry auth is
// resolved separately by the check-for-batches loop at pull time, since the
// image is already local by the time a batch reaches launchBatch.
type resolvedSecrets struct {
	cloudAuth string
}

func (p *Proxy) resolveSecrets(ctx context.Context, b *types.Batch, exp *types.Experiment) (*resolvedSecrets, error) {
	if b.Cloud == nil || b.Cloud.Auth == "" {
		return &resolvedSecrets{}, nil
	}

	secrets, err := p.broker.Collect(ctx, []string{b.Cloud.Auth})
	if err != nil {
		return nil, err
	}

	out := &resolvedSecrets{}
	if v, ok := secrets[b.Cloud.Auth].(string); ok {
		out.cloudAuth = v
	}
	return out, nil
}

func (p *Proxy) cleanStaleContainers(ctx context.Context, batchID string) {
	for _, suffix := range []string{"", "_input", "_output"} {
		_ = p.driver.Remove(ctx, batchID+suffix, true)
	}
}

func gpuAttachmentFor(ids []int) *runtime.GPUAttachment {
	if len(ids) == 0 {
		return nil
	}
	return &runtime.GPUAttachment{NativeRuntime: true, DeviceIDs: ids}
}

// runStageContainer creates, runs, and tears down a stage-in or stage-out
// container: the restricted-red-agent connector plus the resolved
// descriptors are injected via PutArchive, the connector is exec'd, and its
// JSON stdout is parsed as the closed agent-result variant. A stage failure
// calls batch-failure and returns false.
func (p *Proxy) runStageContainer(ctx context.Context, logger zerolog.Logger, direction string, b *types.Batch, exp *types.Experiment, secrets *resolvedSecrets, sec runtime.Security, gpuAttach *runtime.GPUAttachment) bool {
	name := b.ID + "_" + direction
	logger.Debug().Str("container", name).Bool("mount", b.Mount).Msg("running stage container")
	mounts := []runtime.Mount{{Source: p.volumePath(b), Destination: "/cc"}}

	if _, err := p.driver.Create(ctx, runtime.ContainerSpec{
		Name:     name,
		Image:    exp.Image.URL,
		Command:  []string{"sh"},
		Mounts:   mounts,
		GPU:      gpuAttach,
		Security: sec,
	}); err != nil {
		p.stageFailed(ctx, b, fmt.Sprintf("create %s container: %v", direction, err), exp)
		return false
	}
	defer func() {
		_ = p.driver.Stop(ctx, name, stopGrace)
		_ = p.driver.Remove(ctx, name, true)
	}()

	archive, err := buildAgentArchive(direction, b.ID, b.Inputs, b.Outputs, secrets.cloudAuth)
	if err != nil {
		p.stageFailed(ctx, b, fmt.Sprintf("build %s connector archive: %v", direction, err), exp)
		return false
	}
	if err := p.driver.PutArchive(ctx, name, "/", archive); err != nil {
		p.stageFailed(ctx, b, fmt.Sprintf("inject %s connector archive: %v", direction, err), exp)
		return false
	}

	if err := p.driver.Start(ctx, name); err != nil {
		p.stageFailed(ctx, b, fmt.Sprintf("start %s container: %v", direction, err), exp)
		p.signalInspect()
		return false
	}

	res, err := p.driver.Exec(ctx, name, []string{"sh", connectorPath, direction})
	if err != nil {
		p.stageFailed(ctx, b, fmt.Sprintf("exec %s connector: %v", direction, err), exp)
		p.signalInspect()
		return false
	}

	result, err := agentResultFromStdout(res.Stdout)
	if err != nil || !result.Succeeded() {
		debug := res.Stdout + res.Stderr
		if err != nil {
			debug = fmt.Sprintf("%v: %s", err, debug)
		}
		p.stageFailed(ctx, b, fmt.Sprintf("%s connector did not succeed: %s", direction, debug), exp)
		return false
	}
	return true
}

func (p *Proxy) stageFailed(ctx context.Context, b *types.Batch, debugInfo string, exp *types.Experiment) {
	_ = scheduler.FailBatch(ctx, p.store, b.ID, b.State, debugInfo, false, exp.Execution.RetryAllowed())
	metrics.ProxyBatchFailuresTotal.WithLabelValues(p.nodeName, "stage_failed").Inc()
}

// runExecutionContainer renders the user command, runs it, and parses the
// closed agent-result JSON line it echoes on its last line of stdout. The
// caller (launchBatch) is responsible for writing the resulting succeeded/
// failed state, since it also owns the stage-out step that may still run
// first. A false return means the command could not be rendered, the
// container could not be created, started, or exec'd, or its result line
// could not be parsed — batch-failure has already been called.
func (p *Proxy) runExecutionContainer(ctx context.Context, logger zerolog.Logger, b *types.Batch, exp *types.Experiment, secrets *resolvedSecrets) (*types.AgentResult, bool) {
	name := b.ID
	logger.Debug().Str("container", name).Msg("running execution container")
	mounts := []runtime.Mount{{Source: p.volumePath(b), Destination: "/cc"}}
	// see launchBatch: b.Mount implies the scheduler already cleared this
	// against allow_insecure_capabilities at placement time.
	sec := runtime.Security{}
	if b.Mount {
		sec = runtime.Security{FUSEDevice: true, AddSYSAdmin: true, AppArmorUnconfined: true}
	}

	values := valuesFromInputs(b.Inputs)
	cmd, err := clibuild.Build(exp.CLI.BaseCommand, exp.CLI.Inputs, values)
	if err != nil {
		p.stageFailed(ctx, b, fmt.Sprintf("render command: %v", err), exp)
		return nil, false
	}

	if _, err := p.driver.Create(ctx, runtime.ContainerSpec{
		Name:     name,
		Image:    exp.Image.URL,
		Mounts:   mounts,
		GPU:      gpuAttachmentFor(b.UsedGPUIDs),
		Security: sec,
	}); err != nil {
		p.stageFailed(ctx, b, fmt.Sprintf("create execution container: %v", err), exp)
		return nil, false
	}
	defer func() {
		_ = p.driver.Stop(ctx, name, stopGrace)
		_ = p.driver.Remove(ctx, name, true)
	}()

	if err := p.driver.Start(ctx, name); err != nil {
		p.stageFailed(ctx, b, fmt.Sprintf("start execution container: %v", err), exp)
		p.signalInspect()
		return nil, false
	}

	wrapped := wrapCommandWithResultLine(cmd, exp.CLI.Stdout, exp.CLI.Stderr)
	res, err := p.driver.Exec(ctx, name, wrapped)
	if err != nil {
		p.stageFailed(ctx, b, fmt.Sprintf("exec command: %v", err), exp)
		p.signalInspect()
		return nil, false
	}

	result, err := agentResultFromStdout(res.Stdout)
	if err != nil {
		p.stageFailed(ctx, b, fmt.Sprintf("parse execution result: %v: %s", err, res.Stdout+res.Stderr), exp)
		return nil, false
	}
	return result, true
}

// wrapCommandWithResultLine builds the shell invocation that runs cmd
// (optionally redirecting stdout/stderr into files under /cc), then echoes
// the closed agent-result JSON line runExecutionContainer parses back out.
func wrapCommandWithResultLine(cmd []string, stdoutFile, stderrFile string) []string {
	script := shellJoin(cmd)
	if stdoutFile != "" {
		script += " > " + shellQuote(filepath.Join("/cc", stdoutFile))
	}
	if stderrFile != "" {
		script += " 2> " + shellQuote(filepath.Join("/cc", stderrFile))
	}
	script += "; rc=$?"
	script += "; if [ $rc -eq 0 ]; then state=succeeded; else state=failed; fi"
	script += `; printf '{"state":"%s","executed":true,"returnCode":%d}\n' "$state" "$rc"`
	return []string{"sh", "-c", script}
}

func shellJoin(parts []string) string {
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = shellQuote(p)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func valuesFromInputs(inputs map[string]types.InputDescriptor) map[string]clibuild.ResolvedValue {
	values := map[string]clibuild.ResolvedValue{}
	for key, in := range inputs {
		if in.Position == nil {
			continue
		}
		access := in.Access
		if access == nil {
			continue
		}
		v, ok := access["value"]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case bool:
			values[key] = clibuild.ResolvedValue{IsBool: true, Bool: t}
		case []any:
			arr := make([]string, 0, len(t))
			for _, item := range t {
				arr = append(arr, clibuild.ScalarFromAny(item))
			}
			values[key] = clibuild.ResolvedValue{Array: arr}
		default:
			values[key] = clibuild.ResolvedValue{Scalar: clibuild.ScalarFromAny(t)}
		}
	}
	return values
}
