// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package containerdriver

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/arch-harness/arch/lib/config"
	"github.com/arch-harness/arch/lib/session"
)

// Driver implements session.Driver by running the claude binary
// inside a Docker container. The CLI invocation itself — flags,
// stream-json output, interrupt semantics — is identical to the local
// process driver; only how the process is started differs, so argument
// assembly and output parsing are delegated to session.ClaudeDriver.
type Driver struct {
	Image       string
	ExtraMounts []string
	Network     config.NetworkMode
	MemoryLimit string
	CPUs        string

	// DockerBinary overrides the resolved docker binary. Empty means
	// "docker" on PATH.
	DockerBinary string

	registry *cleanupRegistry
}

// process wraps the local `docker run` subprocess (which blocks for
// the lifetime of the container) to implement session.Process.
type process struct {
	command       *exec.Cmd
	stdin         io.WriteCloser
	containerName string
	registry      *cleanupRegistry
}

func (p *process) Wait() error {
	err := p.command.Wait()
	p.registry.remove(p.containerName)
	return err
}

func (p *process) Stdin() io.Writer {
	return p.stdin
}

// Pid returns 0: the local `docker run` process id is not the agent's
// identity here, the container name is.
func (p *process) Pid() int {
	return 0
}

// Signal maps an OS signal to the equivalent `docker kill --signal`
// invocation, since the signal must reach PID 1 inside the
// container's own namespace, not the local `docker run` process.
func (p *process) Signal(signal os.Signal) error {
	dockerSignal := "KILL"
	if s, ok := signal.(interface{ String() string }); ok && s.String() == "interrupt" {
		dockerSignal = "INT"
	}
	binary := dockerBinary("")
	p.registry.mu.Lock()
	if tracked, exists := p.registry.containers[p.containerName]; exists {
		binary = tracked
	}
	p.registry.mu.Unlock()
	command := exec.Command(binary, "kill", "--signal", dockerSignal, p.containerName)
	return command.Run()
}

// ContainerName returns the deterministic container name a given
// agent's driver runs under, so callers can record it before the
// container is actually started.
func ContainerName(agentID string) string {
	return "arch-" + agentID
}

// dockerBinary resolves the docker binary: override, then "docker" on PATH.
func dockerBinary(override string) string {
	if override != "" {
		return override
	}
	return "docker"
}

// Start launches claude inside a fresh container bound to the agent's
// worktree.
func (driver *Driver) Start(ctx context.Context, config session.DriverConfig) (session.Process, io.ReadCloser, error) {
	if driver.registry == nil {
		driver.registry = defaultRegistry
	}

	containerName := ContainerName(config.SessionID)
	args, err := NewBuilder().Build(&RunOptions{
		Image:         driver.Image,
		ContainerName: containerName,
		Worktree:      config.WorkingDirectory,
		ExtraMounts:   driver.ExtraMounts,
		Network:       driver.Network,
		MemoryLimit:   driver.MemoryLimit,
		CPUs:          driver.CPUs,
		Env:           config.ExtraEnv,
		Command:       append([]string{"claude"}, session.BuildClaudeArgs(config)...),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("building docker run arguments: %w", err)
	}

	binary := dockerBinary(driver.DockerBinary)
	command := exec.CommandContext(ctx, binary, args...)
	command.Stderr = os.Stderr

	stdin, err := command.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := command.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	if err := command.Start(); err != nil {
		stdin.Close()
		return nil, nil, fmt.Errorf("starting docker run: %w", err)
	}

	driver.registry.add(containerName, binary)

	return &process{
		command:       command,
		stdin:         stdin,
		containerName: containerName,
		registry:      driver.registry,
	}, stdout, nil
}

// ParseOutput delegates to session.ClaudeDriver since the container
// emits the same stream-json protocol as a local run.
func (driver *Driver) ParseOutput(ctx context.Context, stdout io.Reader, events chan<- session.Event) error {
	return (&session.ClaudeDriver{}).ParseOutput(ctx, stdout, events)
}

// Interrupt sends SIGINT into the container, which Claude Code treats
// as a request to finish the current tool call and exit.
func (driver *Driver) Interrupt(p session.Process) error {
	return p.Signal(interruptSignal{})
}

// interruptSignal is a minimal os.Signal implementation so Interrupt
// can be expressed without importing syscall, which has no portable
// meaning for a signal delivered into a Linux container from any host
// OS the orchestrator itself might run on.
type interruptSignal struct{}

func (interruptSignal) String() string { return "interrupt" }
func (interruptSignal) Signal()        {}

// cleanupRegistry tracks live container names so the orchestrator can
// force-stop every container this driver started during an
// unclean shutdown, even ones whose Process.Wait never returns.
type cleanupRegistry struct {
	mu         sync.Mutex
	containers map[string]string // name -> docker binary
}

var defaultRegistry = &cleanupRegistry{containers: make(map[string]string)}

func (r *cleanupRegistry) add(name, binary string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.containers[name] = binary
}

func (r *cleanupRegistry) remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.containers, name)
}

// StopAll force-stops every container currently tracked by the
// default registry, for use during an emergency shutdown when the
// orchestrator cannot wait for graceful exits.
func StopAll() []error {
	defaultRegistry.mu.Lock()
	containers := make(map[string]string, len(defaultRegistry.containers))
	for name, binary := range defaultRegistry.containers {
		containers[name] = binary
	}
	defaultRegistry.mu.Unlock()

	var errs []error
	for name, binary := range containers {
		command := exec.Command(binary, "stop", name)
		if err := command.Run(); err != nil {
			errs = append(errs, fmt.Errorf("stopping container %s: %w", name, err))
		}
	}
	return errs
}
