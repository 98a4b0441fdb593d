package integration

import (
	"context"
	"testing"
	"time"

	"github.com/cc-warren/agency/pkg/runtime"
	"github.com/google/uuid"
)

// TestContainerdBasicWorkflow exercises the full Driver lifecycle against a
// real containerd socket: pull image, create container, start, check
// status, stop, remove. Skips when no containerd is reachable.
func TestContainerdBasicWorkflow(t *testing.T) {
	driver, err := runtime.NewContainerdDriver("")
	if err != nil {
		t.Skipf("containerd not available: %v", err)
	}
	defer driver.Close()

	ctx := context.Background()
	name := "agency-it-" + uuid.New().String()
	image := "docker.io/library/nginx:alpine"

	t.Log("pulling image")
	if err := driver.Pull(ctx, image, ""); err != nil {
		t.Fatalf("pull image: %v", err)
	}

	t.Log("creating container")
	if _, err := driver.Create(ctx, runtime.ContainerSpec{
		Name:    name,
		Image:   image,
		Command: []string{"sleep", "30"},
	}); err != nil {
		t.Fatalf("create container: %v", err)
	}
	defer func() {
		if err := driver.Remove(ctx, name, true); err != nil {
			t.Logf("cleanup: remove container: %v", err)
		}
	}()

	t.Log("starting container")
	if err := driver.Start(ctx, name); err != nil {
		t.Fatalf("start container: %v", err)
	}
	time.Sleep(2 * time.Second)

	containers, err := driver.List(ctx, true, runtime.StatusRunning)
	if err != nil {
		t.Fatalf("list containers: %v", err)
	}
	found := false
	for _, c := range containers {
		if c.Name == name {
			found = true
		}
	}
	if !found {
		t.Error("expected container to be running, not present in running list")
	}

	t.Log("stopping container")
	if err := driver.Stop(ctx, name, 10*time.Second); err != nil {
		t.Fatalf("stop container: %v", err)
	}

	containers, err = driver.List(ctx, true, runtime.StatusExited)
	if err != nil {
		t.Fatalf("list containers: %v", err)
	}
	found = false
	for _, c := range containers {
		if c.Name == name {
			found = true
		}
	}
	if !found {
		t.Error("expected container to have exited after Stop")
	}
}

// TestContainerdListAllContainers exercises List across every status.
func TestContainerdListAllContainers(t *testing.T) {
	driver, err := runtime.NewContainerdDriver("")
	if err != nil {
		t.Skipf("containerd not available: %v", err)
	}
	defer driver.Close()

	containers, err := driver.List(context.Background(), true, "")
	if err != nil {
		t.Fatalf("list containers: %v", err)
	}
	t.Logf("found %d containers", len(containers))
}

// TestContainerdPullMultipleImages exercises repeated Pull calls, which the
// node proxy relies on before every batch launch.
func TestContainerdPullMultipleImages(t *testing.T) {
	driver, err := runtime.NewContainerdDriver("")
	if err != nil {
		t.Skipf("containerd not available: %v", err)
	}
	defer driver.Close()

	ctx := context.Background()
	images := []string{
		"docker.io/library/nginx:alpine",
		"docker.io/library/redis:alpine",
	}

	for _, img := range images {
		if err := driver.Pull(ctx, img, ""); err != nil {
			t.Errorf("pull %s: %v", img, err)
		}
	}
}
