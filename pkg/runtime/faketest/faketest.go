// Package faketest is an in-memory runtime.Driver that lets the proxy
// package's tests drive a batch through its full container
// lifecycle without a live containerd socket.
package faketest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cc-warren/agency/pkg/runtime"
)

// ExecFunc lets a test script a container's exec response by container
// name; it is consulted before the default canned response.
type ExecFunc func(name string, cmd []string) (runtime.ExecResult, error)

type fakeContainer struct {
	spec   runtime.ContainerSpec
	status runtime.ContainerStatus
	files  map[string][]byte // path -> contents, used by PutArchive/GetArchive
}

// Driver is a goroutine-safe in-memory runtime.Driver.
type Driver struct {
	mu sync.Mutex

	pulled    map[string]bool
	pullErr   error
	infoErr   error
	gpus      []runtime.GPUDeviceInfo
	gpuErr    error
	containers map[string]*fakeContainer

	// ExecResponses maps a container name to the ExecResult its next Exec
	// call returns; ExecHook is used when no entry matches. Both are
	// consulted in that order before falling back to a bare success.
	ExecResponses map[string]runtime.ExecResult
	ExecHook      ExecFunc
	PrunedImages  []string
}

// New builds an empty fake driver.
func New() *Driver {
	return &Driver{
		pulled:        map[string]bool{},
		containers:    map[string]*fakeContainer{},
		ExecResponses: map[string]runtime.ExecResult{},
	}
}

// SetInfoErr makes Info fail, simulating an unreachable daemon.
func (d *Driver) SetInfoErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.infoErr = err
}

// SetPullErr makes every Pull call fail.
func (d *Driver) SetPullErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pullErr = err
}

// SetGPUs seeds the devices InspectGPUs reports.
func (d *Driver) SetGPUs(devices []runtime.GPUDeviceInfo, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gpus, d.gpuErr = devices, err
}

// SetExecResult scripts the ExecResult returned the next time name is
// exec'd.
func (d *Driver) SetExecResult(name string, res runtime.ExecResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ExecResponses[name] = res
}

func (d *Driver) Pull(ctx context.Context, image string, authToken string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pullErr != nil {
		return d.pullErr
	}
	d.pulled[image] = true
	return nil
}

func (d *Driver) Create(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.containers[spec.Name]; exists {
		return "", fmt.Errorf("container %s already exists", spec.Name)
	}
	d.containers[spec.Name] = &fakeContainer{spec: spec, status: runtime.StatusCreated, files: map[string][]byte{}}
	return spec.Name, nil
}

func (d *Driver) Start(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.containers[name]
	if !ok {
		return fmt.Errorf("container %s not found", name)
	}
	c.status = runtime.StatusRunning
	return nil
}

func (d *Driver) Stop(ctx context.Context, name string, timeout time.Duration) error {
	return nil
}

func (d *Driver) Remove(ctx context.Context, name string, force bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.containers, name)
	return nil
}

func (d *Driver) Exec(ctx context.Context, name string, cmd []string) (runtime.ExecResult, error) {
	d.mu.Lock()
	hook := d.ExecHook
	if res, ok := d.ExecResponses[name]; ok {
		delete(d.ExecResponses, name)
		d.mu.Unlock()
		return res, nil
	}
	d.mu.Unlock()

	if hook != nil {
		return hook(name, cmd)
	}
	return runtime.ExecResult{ExitCode: 0, Stdout: `{"state":"succeeded","executed":true,"returnCode":0}`}, nil
}

func (d *Driver) Logs(ctx context.Context, name string) (string, string, error) {
	return "", "", fmt.Errorf("logs for %s: not retained by the fake driver, use ExecResponses", name)
}

func (d *Driver) PutArchive(ctx context.Context, name, path string, tarStream io.Reader) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.containers[name]
	if !ok {
		return fmt.Errorf("container %s not found", name)
	}
	data, err := io.ReadAll(tarStream)
	if err != nil {
		return err
	}
	c.files[path] = data
	return nil
}

func (d *Driver) GetArchive(ctx context.Context, name, path string) (io.ReadCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.containers[name]
	if !ok {
		return nil, fmt.Errorf("container %s not found", name)
	}
	data, ok := c.files[path]
	if !ok {
		return nil, fmt.Errorf("path %s not found in container %s", path, name)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (d *Driver) List(ctx context.Context, all bool, statusFilter runtime.ContainerStatus) ([]runtime.ContainerInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []runtime.ContainerInfo
	for name, c := range d.containers {
		if !all && c.status != runtime.StatusRunning {
			continue
		}
		if statusFilter != "" && c.status != statusFilter {
			continue
		}
		out = append(out, runtime.ContainerInfo{Name: name, Status: c.status})
	}
	return out, nil
}

func (d *Driver) Info(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.infoErr
}

func (d *Driver) InspectGPUs(ctx context.Context) ([]runtime.GPUDeviceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gpus, d.gpuErr
}

func (d *Driver) PruneImage(ctx context.Context, image string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.PrunedImages = append(d.PrunedImages, image)
	return nil
}

// MarkExited flips a container (already Created/Running) to exited, for
// tests simulating a proxy crash that left a container behind.
func (d *Driver) MarkExited(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.containers[name]; ok {
		c.status = runtime.StatusExited
	}
}

var _ runtime.Driver = (*Driver)(nil)
