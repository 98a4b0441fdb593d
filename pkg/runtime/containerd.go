package runtime

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/containerd/containerd/remotes"
	"github.com/containerd/containerd/remotes/docker"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// Namespace isolates this orchestrator's containers within containerd.
	Namespace = "agency"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// inspectionImage is used only by InspectGPUs (the proxy's liveness
	// probe uses its own image); it must carry nvidia-smi for GPU
	// inspection to succeed.
	inspectionImage = "docker.io/library/busybox:latest"
)

// ContainerdDriver implements Driver over one node's containerd socket.
type ContainerdDriver struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdDriver connects to the containerd socket at socketPath.
func NewContainerdDriver(socketPath string) (*ContainerdDriver, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd: %w", err)
	}

	return &ContainerdDriver{client: client, namespace: Namespace}, nil
}

func (d *ContainerdDriver) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}

func (d *ContainerdDriver) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, d.namespace)
}

func (d *ContainerdDriver) Pull(ctx context.Context, image string, authToken string) error {
	ctx = d.ctx(ctx)

	opts := []containerd.RemoteOpt{containerd.WithPullUnpack}
	if authToken != "" {
		opts = append(opts, containerd.WithResolver(resolverWithAuth(authToken)))
	}

	if _, err := d.client.Pull(ctx, image, opts...); err != nil {
		return fmt.Errorf("pull image %s: %w", image, err)
	}
	return nil
}

// resolverWithAuth builds a resolver that authenticates every registry
// request with a bearer token, used for private images whose pull
// credentials come from the experiment's registry_auth settings.
func resolverWithAuth(token string) remotes.Resolver {
	authorizer := docker.NewDockerAuthorizer(docker.WithAuthCreds(func(host string) (string, string, error) {
		return "", token, nil
	}))
	return docker.NewResolver(docker.ResolverOptions{
		Hosts: docker.ConfigureDefaultRegistries(docker.WithAuthorizer(authorizer)),
	})
}

func mountSpecs(mounts []Mount) []specs.Mount {
	out := make([]specs.Mount, 0, len(mounts))
	for _, m := range mounts {
		opts := []string{"bind"}
		if m.ReadOnly {
			opts = append(opts, "ro")
		} else {
			opts = append(opts, "rw")
		}
		out = append(out, specs.Mount{
			Source:      m.Source,
			Destination: m.Destination,
			Type:        "bind",
			Options:     opts,
		})
	}
	return out
}

func securityOpts(sec Security) []oci.SpecOpts {
	var opts []oci.SpecOpts
	if sec.FUSEDevice {
		opts = append(opts, oci.WithLinuxDevice("/dev/fuse", "rwm"))
	}
	if sec.AddSYSAdmin {
		opts = append(opts, oci.WithAddedCapabilities([]string{"CAP_SYS_ADMIN"}))
	}
	if sec.AppArmorUnconfined {
		opts = append(opts, oci.WithApparmorProfile("unconfined"))
	}
	return opts
}

func gpuOpts(gpu *GPUAttachment) (env []string, opts []oci.SpecOpts) {
	if gpu == nil {
		return nil, nil
	}
	ids := make([]string, 0, len(gpu.DeviceIDs))
	for _, id := range gpu.DeviceIDs {
		ids = append(ids, strconv.Itoa(id))
	}
	joined := strings.Join(ids, ",")

	if gpu.NativeRuntime {
		switch gpu.Vendor {
		case "amd":
			env = append(env, "HIP_VISIBLE_DEVICES="+joined)
		default:
			env = append(env, "NVIDIA_VISIBLE_DEVICES="+joined)
		}
		return env, nil
	}

	// No native runtime: attach devices explicitly via a device request.
	for _, id := range gpu.DeviceIDs {
		path := fmt.Sprintf("/dev/nvidia%d", id)
		opts = append(opts, oci.WithLinuxDevice(path, "rwm"))
	}
	return env, opts
}

func (d *ContainerdDriver) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	ctx = d.ctx(ctx)

	image, err := d.client.GetImage(ctx, spec.Image)
	if err != nil {
		return "", fmt.Errorf("get image %s: %w", spec.Image, err)
	}

	env, gpuSpecOpts := gpuOpts(spec.GPU)
	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(append(spec.Env, env...)),
	}
	if len(spec.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Command...))
	}
	opts = append(opts, gpuSpecOpts...)
	opts = append(opts, securityOpts(spec.Security)...)

	if mounts := mountSpecs(spec.Mounts); len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}

	ctrdContainer, err := d.client.NewContainer(
		ctx,
		spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.Name, err)
	}

	return ctrdContainer.ID(), nil
}

func (d *ContainerdDriver) Start(ctx context.Context, name string) error {
	ctx = d.ctx(ctx)

	container, err := d.client.LoadContainer(ctx, name)
	if err != nil {
		return fmt.Errorf("load container %s: %w", name, err)
	}

	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStdio))
	if err != nil {
		return fmt.Errorf("create task for %s: %w", name, err)
	}

	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("start task for %s: %w", name, err)
	}

	return nil
}

func (d *ContainerdDriver) Stop(ctx context.Context, name string, timeout time.Duration) error {
	ctx = d.ctx(ctx)

	container, err := d.client.LoadContainer(ctx, name)
	if err != nil {
		return fmt.Errorf("load container %s: %w", name, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil // no task: nothing to stop, idempotent
	}

	if timeout <= 0 {
		_ = task.Kill(ctx, syscall.SIGKILL)
		_, _ = task.Delete(ctx)
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal task for %s: %w", name, err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("wait for task %s: %w", name, err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		_ = task.Kill(ctx, syscall.SIGKILL)
	}

	_, _ = task.Delete(ctx)
	return nil
}

func (d *ContainerdDriver) Remove(ctx context.Context, name string, force bool) error {
	ctx = d.ctx(ctx)

	container, err := d.client.LoadContainer(ctx, name)
	if err != nil {
		return nil // already gone: idempotent
	}

	if force {
		_ = d.Stop(ctx, name, 0)
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("delete container %s: %w", name, err)
	}
	return nil
}

// Exec runs cmd as a one-off process inside an already-running container's
// namespaces and captures its stdout/stderr, used for the stage-in/
// stage-out connector entry points and the execution container's command.
func (d *ContainerdDriver) Exec(ctx context.Context, name string, cmd []string) (ExecResult, error) {
	ctx = d.ctx(ctx)

	container, err := d.client.LoadContainer(ctx, name)
	if err != nil {
		return ExecResult{}, fmt.Errorf("load container %s: %w", name, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return ExecResult{}, fmt.Errorf("get task for %s: %w", name, err)
	}

	spec, err := container.Spec(ctx)
	if err != nil {
		return ExecResult{}, fmt.Errorf("get spec for %s: %w", name, err)
	}
	procSpec := spec.Process
	procSpec.Args = cmd

	var stdout, stderr bytes.Buffer
	execID := "exec-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	process, err := task.Exec(ctx, execID, procSpec, cio.NewCreator(cio.WithStreams(nil, &stdout, &stderr)))
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec in %s: %w", name, err)
	}
	defer process.Delete(ctx)

	statusC, err := process.Wait(ctx)
	if err != nil {
		return ExecResult{}, fmt.Errorf("wait for exec in %s: %w", name, err)
	}

	if err := process.Start(ctx); err != nil {
		return ExecResult{}, fmt.Errorf("start exec in %s: %w", name, err)
	}

	status := <-statusC
	code, _, err := status.Result()
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec result in %s: %w", name, err)
	}

	return ExecResult{
		ExitCode: int(code),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

func (d *ContainerdDriver) Logs(ctx context.Context, name string) (string, string, error) {
	// containerd does not retain process output after exit unless a log
	// file sink was attached at task creation; this orchestrator attaches
	// cio.WithStdio at Start and relies on Exec's captured buffers for the
	// connector/agent JSON, so Logs here serves ad-hoc debugging only.
	return "", "", fmt.Errorf("logs for %s: not retained by this driver, use Exec capture", name)
}

// PutArchive unpacks tarStream onto the host path backing path, resolved
// against the container's own bind mounts. This orchestrator never writes
// into a container's unpacked snapshot directly: stage-in/stage-out always
// target the per-batch shared volume, which is itself a host bind mount, so
// resolving through the container's declared mounts is sufficient and
// avoids needing a snapshot-mount helper.
func (d *ContainerdDriver) PutArchive(ctx context.Context, name, path string, tarStream io.Reader) error {
	ctx = d.ctx(ctx)

	hostDir, rel, err := d.resolveHostPath(ctx, name, path)
	if err != nil {
		return fmt.Errorf("put archive into %s at %s: %w", name, path, err)
	}

	tr := tar.NewReader(tarStream)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("put archive into %s at %s: read tar: %w", name, path, err)
		}

		dest := filepath.Join(hostDir, rel, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return fmt.Errorf("put archive into %s at %s: mkdir %s: %w", name, path, dest, err)
			}
		default:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return fmt.Errorf("put archive into %s at %s: mkdir %s: %w", name, path, dest, err)
			}
			f, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("put archive into %s at %s: create %s: %w", name, path, dest, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return fmt.Errorf("put archive into %s at %s: write %s: %w", name, path, dest, err)
			}
			f.Close()
		}
	}
	return nil
}

// GetArchive tars up the host path backing path and returns it as a stream,
// using the same bind-mount resolution as PutArchive.
func (d *ContainerdDriver) GetArchive(ctx context.Context, name, path string) (io.ReadCloser, error) {
	ctx = d.ctx(ctx)

	hostDir, rel, err := d.resolveHostPath(ctx, name, path)
	if err != nil {
		return nil, fmt.Errorf("get archive from %s at %s: %w", name, path, err)
	}
	root := filepath.Join(hostDir, rel)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	err = filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		relName, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = relName
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get archive from %s at %s: %w", name, path, err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("get archive from %s at %s: close tar: %w", name, path, err)
	}

	return io.NopCloser(&buf), nil
}

// resolveHostPath finds the bind mount in the container's OCI spec whose
// destination is a prefix of path, and returns its host-side source
// directory plus the remainder of path relative to that destination.
func (d *ContainerdDriver) resolveHostPath(ctx context.Context, name, path string) (hostDir, rel string, err error) {
	container, err := d.client.LoadContainer(ctx, name)
	if err != nil {
		return "", "", fmt.Errorf("load container: %w", err)
	}
	spec, err := container.Spec(ctx)
	if err != nil {
		return "", "", fmt.Errorf("load spec: %w", err)
	}

	var best *specs.Mount
	for i := range spec.Mounts {
		m := &spec.Mounts[i]
		if strings.HasPrefix(path, m.Destination) {
			if best == nil || len(m.Destination) > len(best.Destination) {
				best = m
			}
		}
	}
	if best == nil {
		return "", "", fmt.Errorf("no bind mount covers path %s", path)
	}

	return best.Source, strings.TrimPrefix(path, best.Destination), nil
}

func (d *ContainerdDriver) List(ctx context.Context, all bool, statusFilter ContainerStatus) ([]ContainerInfo, error) {
	ctx = d.ctx(ctx)

	containers, err := d.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	out := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		status := d.containerStatus(ctx, c)
		if !all && status != StatusRunning {
			continue
		}
		if statusFilter != "" && status != statusFilter {
			continue
		}
		out = append(out, ContainerInfo{Name: c.ID(), Status: status})
	}
	return out, nil
}

func (d *ContainerdDriver) containerStatus(ctx context.Context, c containerd.Container) ContainerStatus {
	task, err := c.Task(ctx, nil)
	if err != nil {
		return StatusCreated
	}
	st, err := task.Status(ctx)
	if err != nil {
		return StatusUnknown
	}
	switch st.Status {
	case containerd.Running, containerd.Paused:
		return StatusRunning
	case containerd.Stopped:
		return StatusExited
	default:
		return StatusUnknown
	}
}

func (d *ContainerdDriver) Info(ctx context.Context) error {
	ctx = d.ctx(ctx)
	if _, err := d.client.Version(ctx); err != nil {
		return fmt.Errorf("containerd info: %w", err)
	}
	return nil
}

// InspectGPUs runs a short-lived inspection container whose entrypoint
// queries GPU index/memory as CSV and parses the result.
func (d *ContainerdDriver) InspectGPUs(ctx context.Context) ([]GPUDeviceInfo, error) {
	const name = "gpu-inspect"
	_ = d.Remove(ctx, name, true)

	if err := d.Pull(ctx, inspectionImage, ""); err != nil {
		return nil, fmt.Errorf("pull inspection image: %w", err)
	}
	if _, err := d.Create(ctx, ContainerSpec{
		Name:  name,
		Image: inspectionImage,
	}); err != nil {
		return nil, fmt.Errorf("create inspection container: %w", err)
	}
	defer d.Remove(ctx, name, true)

	if err := d.Start(ctx, name); err != nil {
		return nil, fmt.Errorf("start inspection container: %w", err)
	}

	res, err := d.Exec(ctx, name, []string{"nvidia-smi", "--query-gpu=index,memory.total", "--format=csv,noheader,nounits"})
	if err != nil {
		// nvidia-smi absent or no GPUs present: treat as zero devices
		return nil, nil
	}

	return parseGPUCSV(res.Stdout)
}

func parseGPUCSV(out string) ([]GPUDeviceInfo, error) {
	r := csv.NewReader(strings.NewReader(out))
	r.TrimLeadingSpace = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse gpu csv: %w", err)
	}

	devices := make([]GPUDeviceInfo, 0, len(records))
	for _, rec := range records {
		if len(rec) < 2 {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSpace(rec[0]))
		if err != nil {
			continue
		}
		vram, err := strconv.Atoi(strings.TrimSpace(rec[1]))
		if err != nil {
			continue
		}
		devices = append(devices, GPUDeviceInfo{ID: id, VRAMMB: vram, Vendor: "nvidia"})
	}
	return devices, nil
}

func (d *ContainerdDriver) PruneImage(ctx context.Context, image string) error {
	ctx = d.ctx(ctx)
	if err := d.client.ImageService().Delete(ctx, image); err != nil {
		return fmt.Errorf("prune image %s: %w", image, err)
	}
	return nil
}
