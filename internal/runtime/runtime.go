// Package runtime is the agent's ContainerRuntime: it turns a
// wire.TaskInfo into a running (or failed) container. The concrete
// DockerRuntime is grounded directly in the python original's
// dockerhelper.py (fetchImage/runImage/getContainerStatus/getContainerLogs)
// but talks to a real daemon through the Docker Engine SDK instead of the
// docker-py client, the same SDK arkeep-io-arkeep's agent uses for its own
// Docker-facing code.
package runtime

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/edgerm/edgerm/internal/wire"
)

// cpuPeriodMicros is the cgroup CPU period dockerhelper.py always passes
// alongside cpu_quota.
const cpuPeriodMicros = 100000

// logTailLines is how much of a failed container's log the agent attaches
// to an ERRORED task, matching container.logs(tail=100).
const logTailLines = 100

// Runtime runs and reports on task containers. Exactly one container
// backs one task, named "<framework>-<task_id>" with spaces replaced by
// dashes, as dockerhelper.py's runImage does.
type Runtime interface {
	// EnsureImage pulls image if the daemon doesn't already have it.
	EnsureImage(ctx context.Context, image string) error
	// Run starts task's container. The task must not already have one.
	Run(ctx context.Context, task wire.TaskInfo) error
	// Status reports task's current state by inspecting its container.
	// If the container has exited, the returned state is the terminal one
	// and, on ERRORED, the returned string is a trailing log excerpt.
	Status(ctx context.Context, taskID string) (wire.TaskState, string, error)
	// Kill stops and removes task's container.
	Kill(ctx context.Context, taskID string) error
}

// DockerRuntime is the concrete Runtime backed by a Docker daemon.
type DockerRuntime struct {
	cli *dockerclient.Client

	// containers maps task id to the Docker container id it owns,
	// mirroring dockerhelper.py's module-level `containers` dict. It is
	// driven exclusively from the agent's single control-loop goroutine,
	// so it is intentionally unlocked, same as the rest of the agent's
	// per-cycle state.
	containers map[string]string
}

// NewDockerRuntime connects to the Docker daemon using the SDK's default
// environment-derived configuration (DOCKER_HOST, or the platform socket).
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("runtime: connect to docker: %w", err)
	}
	return &DockerRuntime{cli: cli, containers: map[string]string{}}, nil
}

func containerName(frameworkName, taskID string) string {
	return strings.ReplaceAll(frameworkName+"-"+taskID, " ", "-")
}

// EnsureImage pulls image unconditionally if it's absent locally. Unlike
// dockerhelper.py's fetchImage, a force-pull flag isn't exposed: the spec
// has no "force" concept, so every missing image is simply pulled once.
func (d *DockerRuntime) EnsureImage(ctx context.Context, ref string) error {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	if !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("runtime: inspect image %s: %w", ref, err)
	}

	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("runtime: pull image %s: %w", ref, err)
	}
	defer rc.Close()
	// Drain the pull progress stream; the agent doesn't surface it.
	buf := make([]byte, 32*1024)
	for {
		if _, err := rc.Read(buf); err != nil {
			break
		}
	}
	return nil
}

func dockerNetworkMode(n wire.Network) container.NetworkMode {
	switch n {
	case wire.NetworkBridge:
		return "bridge"
	case wire.NetworkNone:
		return "none"
	default:
		return "host"
	}
}

func cpuResource(resources []wire.Resource) float64 {
	for _, r := range resources {
		if r.Name == "cpus" {
			return r.Scalar
		}
	}
	return 0
}

func memResource(resources []wire.Resource) int64 {
	for _, r := range resources {
		if r.Name == "mem" {
			return int64(r.Scalar)
		}
	}
	return 0
}

func portBindings(mappings []wire.PortMapping) (nat.PortSet, nat.PortMap) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, m := range mappings {
		spec := strconv.Itoa(int(m.ContainerPort))
		if m.Protocol != "" {
			spec += "/" + m.Protocol
		}
		port := nat.Port(spec)
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostPort: strconv.Itoa(int(m.HostPort))}}
	}
	return exposed, bindings
}

// Run starts task's container, translating its resources and
// ContainerSpec into the cgroup/network/port settings dockerhelper.py's
// runImage passes to docker-py.
func (d *DockerRuntime) Run(ctx context.Context, task wire.TaskInfo) error {
	if task.Container.Kind != wire.ContainerDocker {
		return fmt.Errorf("runtime: unsupported container kind %d", task.Container.Kind)
	}

	name := containerName(task.FrameworkName, task.TaskID)
	cpuShares := cpuResource(task.Resources)
	exposed, bindings := portBindings(task.Container.PortMappings)

	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        task.Container.Image,
			ExposedPorts: exposed,
		},
		&container.HostConfig{
			NetworkMode:  dockerNetworkMode(task.Container.Network),
			PortBindings: bindings,
			Resources: container.Resources{
				CPUQuota:  int64(cpuShares * 100000),
				CPUPeriod: cpuPeriodMicros,
				Memory:    memResource(task.Resources),
			},
		},
		&network.NetworkingConfig{},
		nil,
		name,
	)
	if err != nil {
		return fmt.Errorf("runtime: create container for %s: %w", task.TaskID, err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("runtime: start container for %s: %w", task.TaskID, err)
	}

	d.containers[task.TaskID] = resp.ID
	return nil
}

// Status inspects task's container and maps its lifecycle onto the task
// state machine exactly as dockerhelper.py's getContainerStatus does:
// running->RUNNING, restarting/created->STARTING, and on
// exited/dead/removing the exit code decides COMPLETED (0), KILLED (137),
// or ERRORED (anything else), with a trailing log excerpt attached to the
// ERRORED case.
func (d *DockerRuntime) Status(ctx context.Context, taskID string) (wire.TaskState, string, error) {
	id, ok := d.containers[taskID]
	if !ok {
		return wire.TaskErrored, "", fmt.Errorf("runtime: no container tracked for task %s", taskID)
	}

	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return wire.TaskErrored, "", fmt.Errorf("runtime: inspect %s: %w", taskID, err)
	}

	switch info.State.Status {
	case "running":
		return wire.TaskRunning, "", nil
	case "restarting", "created":
		return wire.TaskStarting, "", nil
	case "exited", "dead", "removing":
		switch info.State.ExitCode {
		case 0:
			return wire.TaskCompleted, "", nil
		case 137:
			return wire.TaskKilled, "", nil
		default:
			tail, _ := d.logTail(ctx, id)
			return wire.TaskErrored, tail, nil
		}
	default:
		return wire.TaskStarting, "", nil
	}
}

func (d *DockerRuntime) logTail(ctx context.Context, containerID string) (string, error) {
	rc, err := d.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(logTailLines),
	})
	if err != nil {
		return "", err
	}
	defer rc.Close()

	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			sb.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	return sb.String(), nil
}

// Kill stops and removes task's container, then forgets it.
func (d *DockerRuntime) Kill(ctx context.Context, taskID string) error {
	id, ok := d.containers[taskID]
	if !ok {
		return nil
	}
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		return fmt.Errorf("runtime: stop %s: %w", taskID, err)
	}
	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("runtime: remove %s: %w", taskID, err)
	}
	delete(d.containers, taskID)
	return nil
}
