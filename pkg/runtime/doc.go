/*
Package runtime abstracts over a host container runtime for driving a
batch's three sequential containers (stage-in, execute, stage-out).

The Driver interface (driver.go) is the abstraction every node proxy
depends on; ContainerdDriver (containerd.go) is the concrete
implementation, wrapping containerd's client API for image pulls,
container creation with bind mounts and GPU attachment, lifecycle
management, archive transfer, and image pruning. A fake implementation
(pkg/runtime/faketest) satisfies the same interface in memory for tests
that need to drive a batch's lifecycle without a live daemon.

# Architecture

	┌─────────────────── CONTAINERD DRIVER ─────────────────────┐
	│                                                             │
	│  ┌───────────────────────────────────────────┐           │
	│  │  Pull(image, authToken)                    │           │
	│  │  - resolverWithAuth wraps the registry       │           │
	│  │    resolver with a bearer token when set     │           │
	│  └───────────────────┬───────────────────────┘           │
	│                      │                                     │
	│  ┌───────────────────▼───────────────────────┐           │
	│  │  Create(spec) / Start / Stop / Remove       │           │
	│  │  - mountSpecs: ContainerSpec.Mounts -> OCI   │           │
	│  │    bind mounts                               │           │
	│  │  - securityOpts: FUSE/SYS_ADMIN/AppArmor     │           │
	│  │    grants, only ever set when the node's     │           │
	│  │    insecure-capabilities policy allows it    │           │
	│  │  - gpuOpts: native-runtime env var or         │           │
	│  │    explicit device-id passthrough            │           │
	│  └───────────────────┬───────────────────────┘           │
	│                      │                                     │
	│  ┌───────────────────▼───────────────────────┐           │
	│  │  Exec(cmd) / PutArchive / GetArchive        │           │
	│  │  - the proxy uses Exec to run the stage      │           │
	│  │    commands and capture the agent's result   │           │
	│  │    line from stdout                          │           │
	│  └───────────────────┬───────────────────────┘           │
	│                      │                                     │
	│  ┌───────────────────▼───────────────────────┐           │
	│  │  List(all, statusFilter) / Info / InspectGPUs│          │
	│  │  - List(false, "") implicitly filters to     │           │
	│  │    only-running containers                   │           │
	│  │  - Info is a bare liveness probe against the  │           │
	│  │    daemon, used by the proxy's inspection loop│          │
	│  └───────────────────────────────────────────┘           │
	└─────────────────────────────────────────────────────────┘

# Namespace isolation

Every container this driver creates lives in its own containerd
namespace ("agency", see containerd.go's Namespace constant), so
listing and pruning never touches containers started by anything else
on the same host.

# Logs

Logs always returns an error: this driver does not retain a
container's stdio after it exits, by design — the proxy captures a
stage's result deterministically via Exec's synchronous stdout/stderr
instead of tailing a log buffer, and exited.go's orphan-recovery path
works around the same constraint when it finds a container left behind
by a crashed proxy.
*/
package runtime
