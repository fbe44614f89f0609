// Package sandbox runs task payloads in confined child processes. It is the
// only place where untrusted work executes; the scheduler hands a task in
// and persists whatever result comes back.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	coreerr "duxnet/core/errors"
	"duxnet/native/tasks"
)

const (
	defaultCPUCores  = 1
	defaultMemoryMB  = 512
	maxCapturedBytes = 64 * 1024
)

// Result is the outcome of one confined execution. The executor never
// mutates task state; the scheduler decides what to persist.
type Result struct {
	OK           bool
	Output       string
	ErrorMessage string
	Duration     time.Duration
	TimedOut     bool
}

// payload is the executable portion of a task's payload bag.
type payload struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	Stdin    string   `json:"stdin"`
	CPUCores int      `json:"cpu_cores"`
	MemoryMB int      `json:"memory_mb"`
}

// Executor confines payload commands to a scratch directory with a scrubbed
// environment and a hard wall-clock cut-off at the task's
// max_execution_time. CPU time and address space are pinned with prlimit
// once the child starts, and the payload runs in its own network namespace
// when the host permits unsharing one.
type Executor struct {
	workRoot string
	log      *slog.Logger
	nowFn    func() time.Time
}

func NewExecutor(workRoot string) *Executor {
	return &Executor{
		workRoot: workRoot,
		log:      slog.Default().With("component", "sandbox"),
		nowFn:    time.Now,
	}
}

// SetNowFunc overrides the executor clock. Intended for tests.
func (e *Executor) SetNowFunc(now func() time.Time) {
	if now != nil {
		e.nowFn = now
	}
}

// Execute runs the task's payload command to completion or cut-off. A
// non-zero exit produces a failed result with the captured output as the
// error message; overrunning max_execution_time produces a timed-out result.
// An error return means the execution could not be attempted at all.
func (e *Executor) Execute(ctx context.Context, task *tasks.Task) (*Result, error) {
	if task == nil {
		return nil, coreerr.E(coreerr.CodeValidation, "nil task")
	}
	spec, err := decodePayload(task.Payload)
	if err != nil {
		return nil, err
	}
	if task.MaxExecutionTime <= 0 {
		return nil, coreerr.E(coreerr.CodeValidation, "task %s has no execution time limit", task.TaskID)
	}

	workDir, err := os.MkdirTemp(e.workRoot, "sandbox-"+task.TaskID+"-")
	if err != nil {
		return nil, coreerr.Wrap(coreerr.CodeStorage, err, "create sandbox workdir")
	}
	defer os.RemoveAll(workDir)

	deadline := time.Duration(task.MaxExecutionTime) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var output cappedBuffer
	cmd := e.buildCmd(runCtx, spec, workDir, &output, true)
	started := e.nowFn()
	startErr := cmd.Start()
	if startErr != nil && isolationUnsupported(startErr) {
		// Unsharing a network namespace needs privileges the host may not
		// grant. Run without it rather than refusing the task.
		e.log.Warn("network namespace unavailable, payload keeps host network",
			"taskId", task.TaskID, "err", startErr)
		cmd = e.buildCmd(runCtx, spec, workDir, &output, false)
		started = e.nowFn()
		startErr = cmd.Start()
	}
	if startErr != nil {
		return nil, coreerr.Wrap(coreerr.CodeValidation, startErr, "start payload command")
	}
	e.applyLimits(cmd.Process.Pid, spec, task.MaxExecutionTime)
	runErr := cmd.Wait()
	duration := e.nowFn().Sub(started)

	result := &Result{Output: output.String(), Duration: duration}
	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		result.TimedOut = true
		result.ErrorMessage = fmt.Sprintf("execution exceeded %ds wall clock", task.MaxExecutionTime)
	case runErr != nil:
		result.ErrorMessage = strings.TrimSpace(result.Output)
		if result.ErrorMessage == "" {
			result.ErrorMessage = runErr.Error()
		}
	default:
		result.OK = true
	}
	e.log.Debug("sandbox run finished",
		"taskId", task.TaskID, "ok", result.OK, "timedOut", result.TimedOut,
		"duration", duration.String())
	return result, nil
}

// buildCmd assembles a ready-to-start command. A command whose Start failed
// cannot be reused, so the no-netns retry builds a fresh one.
func (e *Executor) buildCmd(ctx context.Context, spec *payload, workDir string, output *cappedBuffer, netns bool) *exec.Cmd {
	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = workDir
	cmd.Env = scrubbedEnv(workDir, spec)
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}
	cmd.Stdout = output
	cmd.Stderr = output

	// The payload runs in its own process group so the cut-off reaps any
	// children it spawned, not just the leader.
	attr := &syscall.SysProcAttr{Setpgid: true}
	if netns {
		attr.Unshareflags = unix.CLONE_NEWNET
	}
	cmd.SysProcAttr = attr
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second
	return cmd
}

// applyLimits pins the started child's CPU time and address space. The CPU
// budget is the task's wall-clock allowance per requested core; the address
// space cap is the payload's memory grant. A child that already exited is
// gone, not an error.
func (e *Executor) applyLimits(pid int, spec *payload, maxSeconds int) {
	limits := []struct {
		name     string
		resource int
		value    uint64
	}{
		{"cpu", unix.RLIMIT_CPU, uint64(spec.CPUCores) * uint64(maxSeconds)},
		{"as", unix.RLIMIT_AS, uint64(spec.MemoryMB) << 20},
	}
	for _, l := range limits {
		rl := unix.Rlimit{Cur: l.value, Max: l.value}
		if err := unix.Prlimit(pid, l.resource, &rl, nil); err != nil && !errors.Is(err, unix.ESRCH) {
			e.log.Warn("apply resource limit", "limit", l.name, "err", err)
		}
	}
}

// isolationUnsupported reports whether a start failure came from the host
// refusing the network namespace rather than from the payload itself.
func isolationUnsupported(err error) bool {
	return errors.Is(err, unix.EPERM) || errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOSYS)
}

func decodePayload(raw string) (*payload, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, coreerr.E(coreerr.CodeValidation, "task payload is empty")
	}
	var spec payload
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		return nil, coreerr.E(coreerr.CodeValidation, "malformed task payload")
	}
	if strings.TrimSpace(spec.Command) == "" {
		return nil, coreerr.E(coreerr.CodeValidation, "task payload has no command")
	}
	if spec.CPUCores <= 0 {
		spec.CPUCores = defaultCPUCores
	}
	if spec.MemoryMB <= 0 {
		spec.MemoryMB = defaultMemoryMB
	}
	return &spec, nil
}

// scrubbedEnv builds a minimal environment: nothing from the daemon's own
// environment leaks into the payload.
func scrubbedEnv(workDir string, spec *payload) []string {
	return []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + workDir,
		"TMPDIR=" + workDir,
		fmt.Sprintf("SANDBOX_CPU_CORES=%d", spec.CPUCores),
		fmt.Sprintf("SANDBOX_MEMORY_MB=%d", spec.MemoryMB),
	}
}

// cappedBuffer keeps the first maxCapturedBytes of combined output and
// drops the rest.
type cappedBuffer struct {
	buf bytes.Buffer
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	remaining := maxCapturedBytes - c.buf.Len()
	if remaining > 0 {
		if len(p) > remaining {
			c.buf.Write(p[:remaining])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string { return c.buf.String() }
