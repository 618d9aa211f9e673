package platform

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ProcStatus is the lifecycle state of a processor VM.
type ProcStatus int

const (
	ProcOff ProcStatus = iota
	ProcAvailable
	ProcBusy
	ProcDead
)

func (s ProcStatus) String() string {
	switch s {
	case ProcOff:
		return "OFF"
	case ProcAvailable:
		return "AVAILABLE"
	case ProcBusy:
		return "BUSY"
	case ProcDead:
		return "DEAD"
	}
	return "UNKNOWN"
}

// processRecord is one command executed on the VM, kept in submission order
// so teardown diagnostics can replay what ran.
type processRecord struct {
	Command  string
	Stdout   string
	Stderr   string
	Err      error
	Started  time.Time
	Finished time.Time
}

// Processor owns one Google Compute Engine instance. All state transitions
// are serialized under the mutex; remote commands run outside it so a long
// pipeline execution does not block status reads.
type Processor struct {
	name string
	cfg  Config
	res  Resources
	log  *slog.Logger

	mu     sync.Mutex
	status ProcStatus
	locked bool
	procs  []processRecord
}

// NewProcessor returns a processor in the OFF state. Nothing is provisioned
// until Create is called.
func NewProcessor(name string, cfg Config, res Resources, log *slog.Logger) *Processor {
	return &Processor{
		name:   name,
		cfg:    cfg,
		res:    res,
		log:    log.With("instance", name),
		status: ProcOff,
	}
}

func (p *Processor) Name() string { return p.name }

// Status returns the current VM state.
func (p *Processor) Status() ProcStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Processor) setStatus(s ProcStatus) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

// Lock marks the processor as closed to new work. Commands submitted while
// locked fail immediately; the command already in flight is unaffected.
func (p *Processor) Lock() {
	p.mu.Lock()
	p.locked = true
	p.mu.Unlock()
}

// Unlock reopens the processor for work.
func (p *Processor) Unlock() {
	p.mu.Lock()
	p.locked = false
	p.mu.Unlock()
}

// Locked reports whether the processor is closed to new work.
func (p *Processor) Locked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.locked
}

// History returns a copy of every command run on the VM, in order.
func (p *Processor) History() []processRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]processRecord, len(p.procs))
	copy(out, p.procs)
	return out
}

// gcloud runs one gcloud invocation and returns its output streams.
func gcloud(ctx context.Context, args ...string) (stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, "gcloud", args...)
	var outBuf, errBuf strings.Builder
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err = cmd.Run()
	if err != nil {
		err = fmt.Errorf("gcloud %s: %w: %s", args[0], err, strings.TrimSpace(errBuf.String()))
	}
	return outBuf.String(), errBuf.String(), err
}

// Create provisions the VM and blocks until it reports RUNNING.
func (p *Processor) Create(ctx context.Context) error {
	p.mu.Lock()
	if p.status != ProcOff {
		status := p.status
		p.mu.Unlock()
		return fmt.Errorf("instance %s already %s", p.name, status)
	}
	p.mu.Unlock()

	machineType := fmt.Sprintf("custom-%d-%d", p.res.CPUs, p.res.MemGB*1024)
	args := []string{
		"compute", "instances", "create", p.name,
		"--project", p.cfg.Project,
		"--zone", p.cfg.Zone,
		"--custom-cpu", fmt.Sprint(p.res.CPUs),
		"--custom-memory", fmt.Sprintf("%dGB", p.res.MemGB),
		"--boot-disk-size", fmt.Sprintf("%dGB", p.res.DiskGB),
		"--image", p.cfg.Image,
		"--scopes", "cloud-platform",
		"--quiet",
	}
	if p.cfg.ServiceAccount != "" {
		args = append(args, "--service-account", p.cfg.ServiceAccount)
	}

	p.log.Info("creating instance", "machine_type", machineType, "disk_gb", p.res.DiskGB)
	if _, _, err := gcloud(ctx, args...); err != nil {
		p.setStatus(ProcDead)
		return fmt.Errorf("create instance %s: %w", p.name, err)
	}
	if err := p.waitReady(ctx); err != nil {
		p.setStatus(ProcDead)
		return err
	}
	p.setStatus(ProcAvailable)
	p.log.Info("instance ready")
	return nil
}

// waitReady polls the instance status until it reports RUNNING and accepts
// an SSH probe, or the context expires.
func (p *Processor) waitReady(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		out, _, err := gcloud(ctx, "compute", "instances", "describe", p.name,
			"--project", p.cfg.Project, "--zone", p.cfg.Zone,
			"--format", "value(status)")
		if err == nil && strings.TrimSpace(out) == "RUNNING" {
			_, _, sshErr := p.ssh(ctx, "true")
			if sshErr == nil {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for instance %s: %w", p.name, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (p *Processor) ssh(ctx context.Context, command string) (string, string, error) {
	return gcloud(ctx, "compute", "ssh", p.name,
		"--project", p.cfg.Project, "--zone", p.cfg.Zone,
		"--command", command, "--quiet")
}

// Run executes a shell command on the VM and records it in the process table.
// It fails without contacting the VM when the processor is locked or not up.
func (p *Processor) Run(ctx context.Context, command string) (stdout, stderr string, err error) {
	p.mu.Lock()
	if p.locked {
		p.mu.Unlock()
		return "", "", fmt.Errorf("instance %s is locked", p.name)
	}
	if p.status != ProcAvailable && p.status != ProcBusy {
		status := p.status
		p.mu.Unlock()
		return "", "", fmt.Errorf("instance %s is %s, cannot run command", p.name, status)
	}
	p.status = ProcBusy
	p.mu.Unlock()

	rec := processRecord{Command: command, Started: time.Now()}
	stdout, stderr, err = p.ssh(ctx, command)
	rec.Stdout, rec.Stderr, rec.Err = stdout, stderr, err
	rec.Finished = time.Now()

	p.mu.Lock()
	p.procs = append(p.procs, rec)
	if p.status == ProcBusy {
		p.status = ProcAvailable
	}
	p.mu.Unlock()
	return stdout, stderr, err
}

// Upload copies a local file onto the VM.
func (p *Processor) Upload(ctx context.Context, local, remote string) error {
	if p.Status() != ProcAvailable && p.Status() != ProcBusy {
		return fmt.Errorf("instance %s is not up", p.name)
	}
	_, _, err := gcloud(ctx, "compute", "scp", local,
		fmt.Sprintf("%s:%s", p.name, remote),
		"--project", p.cfg.Project, "--zone", p.cfg.Zone, "--quiet")
	if err != nil {
		return fmt.Errorf("upload %s to %s: %w", local, p.name, err)
	}
	return nil
}

// Stop halts the VM without deleting it. Used when a launch is cancelled
// mid-provisioning and the instance should stop burning cycles immediately.
func (p *Processor) Stop(ctx context.Context) error {
	p.log.Info("stopping instance")
	_, _, err := gcloud(ctx, "compute", "instances", "stop", p.name,
		"--project", p.cfg.Project, "--zone", p.cfg.Zone, "--quiet")
	if err != nil {
		return fmt.Errorf("stop instance %s: %w", p.name, err)
	}
	p.setStatus(ProcOff)
	return nil
}

// Destroy deletes the VM. Deleting an instance that is already gone is not
// an error.
func (p *Processor) Destroy(ctx context.Context) error {
	p.mu.Lock()
	if p.status == ProcOff {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	p.log.Info("destroying instance")
	_, _, err := gcloud(ctx, "compute", "instances", "delete", p.name,
		"--project", p.cfg.Project, "--zone", p.cfg.Zone, "--quiet")
	if err != nil && !strings.Contains(err.Error(), "not found") {
		return fmt.Errorf("destroy instance %s: %w", p.name, err)
	}
	p.setStatus(ProcOff)
	return nil
}
