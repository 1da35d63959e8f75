package runtimeexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DockerExecutor runs scan units as detached containers via the docker
// CLI. Local development backend; resource requests become cgroup limits.
type DockerExecutor struct {
	dockerBin string
}

func NewDockerExecutor(dockerBin string) (*DockerExecutor, error) {
	dockerBin = strings.TrimSpace(dockerBin)
	if dockerBin == "" {
		dockerBin = "docker"
	}
	if _, err := exec.LookPath(dockerBin); err != nil {
		return nil, fmt.Errorf("docker binary not found: %w", err)
	}
	return &DockerExecutor{dockerBin: dockerBin}, nil
}

func (e *DockerExecutor) Kind() string {
	return "docker"
}

func (e *DockerExecutor) Launch(ctx context.Context, spec UnitSpec) (Handle, error) {
	if err := spec.Validate(); err != nil {
		return Handle{}, err
	}

	name := strings.TrimSpace(spec.UnitName)
	if name == "" {
		name = defaultUnitName(spec)
	}

	args := []string{
		"run",
		"--detach",
		"--name", name,
		"--network", "host",
		"--restart", "no",
	}
	for _, pair := range contractEnv(spec) {
		args = append(args, "-e", pair.Name+"="+pair.Value)
	}
	if spec.CPU > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%g", float64(spec.CPU)/1024))
	}
	if spec.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", spec.MemoryMB))
	}
	args = append(args, spec.ImageRef)

	cmd := exec.CommandContext(ctx, e.dockerBin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return Handle{}, fmt.Errorf("docker run failed: %w: %s", err, strings.TrimSpace(string(out)))
	}

	return Handle{
		BatchID:         spec.BatchID,
		Executor:        e.Kind(),
		DockerContainer: name,
	}, nil
}

type dockerInspectState struct {
	Status     string    `json:"Status"`
	ExitCode   int       `json:"ExitCode"`
	OOMKilled  bool      `json:"OOMKilled"`
	Error      string    `json:"Error"`
	FinishedAt time.Time `json:"FinishedAt"`
}

func (e *DockerExecutor) Describe(ctx context.Context, handle Handle) (Observation, error) {
	name := strings.TrimSpace(handle.DockerContainer)
	if name == "" {
		return Observation{}, errors.New("docker container name is required")
	}

	cmd := exec.CommandContext(ctx, e.dockerBin, "inspect", "--format", "{{json .State}}", name)
	out, err := cmd.CombinedOutput()
	if err != nil {
		text := strings.TrimSpace(string(out))
		if strings.Contains(text, "No such object") || strings.Contains(text, "not found") {
			return Observation{Phase: PhasePending, Healthy: true, Message: "container_not_found"}, nil
		}
		return Observation{}, fmt.Errorf("docker inspect failed: %w: %s", err, text)
	}

	var state dockerInspectState
	if err := json.Unmarshal(out, &state); err != nil {
		return Observation{}, fmt.Errorf("parse docker inspect: %w", err)
	}
	return observeContainerState(state), nil
}

// Stop removes the container. Already-gone containers are success.
func (e *DockerExecutor) Stop(ctx context.Context, handle Handle) error {
	name := strings.TrimSpace(handle.DockerContainer)
	if name == "" {
		return errors.New("docker container name is required")
	}
	cmd := exec.CommandContext(ctx, e.dockerBin, "rm", "--force", name)
	out, err := cmd.CombinedOutput()
	if err != nil {
		text := strings.TrimSpace(string(out))
		if strings.Contains(text, "No such container") {
			return nil
		}
		return fmt.Errorf("docker rm failed: %w: %s", err, text)
	}
	return nil
}

func observeContainerState(state dockerInspectState) Observation {
	switch strings.ToLower(strings.TrimSpace(state.Status)) {
	case "created":
		return Observation{Phase: PhaseProvisioning, Healthy: true}
	case "running":
		return Observation{Phase: PhaseRunning, Healthy: true}
	case "exited", "dead":
		code := state.ExitCode
		if code == 0 {
			return Observation{Phase: PhaseSucceeded, Healthy: true, ExitCode: &code}
		}
		reason := strings.TrimSpace(state.Error)
		if state.OOMKilled {
			reason = "OOMKilled"
		}
		return Observation{
			Phase:      PhaseFailed,
			Healthy:    false,
			ExitCode:   &code,
			StopReason: reason,
			Message:    strings.TrimSpace(state.Status),
		}
	default:
		return Observation{Phase: PhaseUnknown, Healthy: false, Message: strings.TrimSpace(state.Status)}
	}
}
