// Package runtime abstracts over a host container runtime: pulling images,
// creating/starting/exec'ing/stopping/removing containers, streaming tar
// archives in and out, listing and inspecting containers, detecting GPUs,
// and pruning unused images. The concrete implementation is backed by
// containerd; a fake implementation lives alongside it for tests that need
// to drive a batch's lifecycle without a live daemon.
package runtime

import (
	"context"
	"io"
	"time"
)

// ContainerStatus is the coarse state of a container as reported by List.
type ContainerStatus string

const (
	StatusCreated ContainerStatus = "created"
	StatusRunning ContainerStatus = "running"
	StatusExited  ContainerStatus = "exited"
	StatusUnknown ContainerStatus = "unknown"
)

// GPUAttachment describes how GPUs are attached to a created container:
// either via a native runtime (vendor visibility env var set) or via
// explicit device ids passed through to the runtime's device-request
// mechanism.
type GPUAttachment struct {
	NativeRuntime bool
	Vendor        string
	DeviceIDs     []int
}

// Mount is a bind mount applied to a created container.
type Mount struct {
	Source      string
	Destination string
	ReadOnly    bool
}

// Security captures the FUSE/capability grant for a mounting batch's
// containers; only ever set when the cluster-wide insecure-capabilities
// policy allows it.
type Security struct {
	FUSEDevice      bool
	AddSYSAdmin     bool
	AppArmorUnconfined bool
}

// ContainerSpec is everything needed to create one container.
type ContainerSpec struct {
	Name       string
	Image      string
	Command    []string // entrypoint override; nil uses the image's default
	Env        []string
	Mounts     []Mount
	GPU        *GPUAttachment
	Security   Security
	Detach     bool // carried on the spec; neither Driver implementation reads it
}

// ExecResult is the outcome of a one-off exec inside a running container.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ContainerInfo is a List/Stat result.
type ContainerInfo struct {
	Name   string
	Status ContainerStatus
}

// Driver is the container-runtime abstraction every node proxy drives.
type Driver interface {
	Pull(ctx context.Context, image string, authToken string) error
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string, timeout time.Duration) error
	Remove(ctx context.Context, name string, force bool) error
	Exec(ctx context.Context, name string, cmd []string) (ExecResult, error)
	// Logs is part of the interface, but both the containerd and the fake
	// implementation always return an error; exec output is read from
	// ExecResult instead.
	Logs(ctx context.Context, name string) (stdout string, stderr string, err error)
	PutArchive(ctx context.Context, name, path string, tar io.Reader) error
	GetArchive(ctx context.Context, name, path string) (io.ReadCloser, error)
	List(ctx context.Context, all bool, statusFilter ContainerStatus) ([]ContainerInfo, error)
	Info(ctx context.Context) error // liveness probe against the runtime daemon itself
	InspectGPUs(ctx context.Context) ([]GPUDeviceInfo, error)
	PruneImage(ctx context.Context, image string) error
}

// GPUDeviceInfo is one device discovered by InspectGPUs.
type GPUDeviceInfo struct {
	ID     int
	VRAMMB int
	Vendor string
}
