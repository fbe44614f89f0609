package sandbox

import (
	"context"
	"strings"
	"testing"

	coreerr "duxnet/core/errors"
	"duxnet/native/tasks"
)

func shellTask(t *testing.T, script string, maxSeconds int) *tasks.Task {
	t.Helper()
	return &tasks.Task{
		TaskID:           "t1",
		Payload:          `{"command":"/bin/sh","args":["-c",` + quote(script) + `]}`,
		MaxExecutionTime: maxSeconds,
	}
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

func TestExecuteCapturesOutput(t *testing.T) {
	e := NewExecutor(t.TempDir())
	result, err := e.Execute(context.Background(), shellTask(t, "echo hello; echo world >&2", 5))
	if err != nil {
		t.Fatal(err)
	}
	if !result.OK || result.TimedOut {
		t.Fatalf("result: %+v", result)
	}
	if !strings.Contains(result.Output, "hello") || !strings.Contains(result.Output, "world") {
		t.Fatalf("combined output missing streams: %q", result.Output)
	}
	if result.Duration <= 0 {
		t.Fatalf("duration not measured: %v", result.Duration)
	}
}

func TestExecuteNonZeroExit(t *testing.T) {
	e := NewExecutor(t.TempDir())
	result, err := e.Execute(context.Background(), shellTask(t, "echo boom; exit 3", 5))
	if err != nil {
		t.Fatal(err)
	}
	if result.OK || result.TimedOut {
		t.Fatalf("result: %+v", result)
	}
	if !strings.Contains(result.ErrorMessage, "boom") {
		t.Fatalf("captured output not surfaced as error: %q", result.ErrorMessage)
	}
}

func TestExecuteWallClockCutoff(t *testing.T) {
	e := NewExecutor(t.TempDir())
	result, err := e.Execute(context.Background(), shellTask(t, "sleep 10", 1))
	if err != nil {
		t.Fatal(err)
	}
	if result.OK || !result.TimedOut {
		t.Fatalf("overrun must time out: %+v", result)
	}
}

func TestExecuteScrubsEnvironment(t *testing.T) {
	t.Setenv("SECRET_TOKEN", "leaky")
	e := NewExecutor(t.TempDir())
	result, err := e.Execute(context.Background(), shellTask(t, `echo "token=[$SECRET_TOKEN] caps=$SANDBOX_CPU_CORES/$SANDBOX_MEMORY_MB"`, 5))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result.Output, "token=[]") {
		t.Fatalf("daemon environment leaked into payload: %q", result.Output)
	}
	if !strings.Contains(result.Output, "caps=1/512") {
		t.Fatalf("default resource caps not exported: %q", result.Output)
	}
}

func TestExecuteAppliesResourceLimits(t *testing.T) {
	e := NewExecutor(t.TempDir())
	// The brief sleep lets the limits land before the shell reads them.
	task := &tasks.Task{
		TaskID:           "t1",
		Payload:          `{"command":"/bin/sh","args":["-c","sleep 0.2; echo cpu=$(ulimit -t) mem=$(ulimit -v)"],"cpu_cores":2,"memory_mb":64}`,
		MaxExecutionTime: 5,
	}
	result, err := e.Execute(context.Background(), task)
	if err != nil {
		t.Fatal(err)
	}
	if !result.OK {
		t.Fatalf("result: %+v", result)
	}
	// 2 cores x 5s wall clock, and 64MB of address space in KB.
	if !strings.Contains(result.Output, "cpu=10") {
		t.Fatalf("cpu-time limit not pinned: %q", result.Output)
	}
	if !strings.Contains(result.Output, "mem=65536") {
		t.Fatalf("address-space limit not pinned: %q", result.Output)
	}
}

func TestExecutePayloadValidation(t *testing.T) {
	e := NewExecutor(t.TempDir())
	ctx := context.Background()
	if _, err := e.Execute(ctx, nil); !coreerr.IsValidation(err) {
		t.Fatalf("nil task: %v", err)
	}
	if _, err := e.Execute(ctx, &tasks.Task{TaskID: "t", Payload: "", MaxExecutionTime: 5}); !coreerr.IsValidation(err) {
		t.Fatalf("empty payload: %v", err)
	}
	if _, err := e.Execute(ctx, &tasks.Task{TaskID: "t", Payload: `{"args":["x"]}`, MaxExecutionTime: 5}); !coreerr.IsValidation(err) {
		t.Fatalf("payload without command: %v", err)
	}
	if _, err := e.Execute(ctx, &tasks.Task{TaskID: "t", Payload: `{"command":"/bin/true"}`}); !coreerr.IsValidation(err) {
		t.Fatalf("missing execution limit: %v", err)
	}
}

func TestExecuteStdin(t *testing.T) {
	e := NewExecutor(t.TempDir())
	task := &tasks.Task{
		TaskID:           "t1",
		Payload:          `{"command":"/bin/cat","stdin":"piped input"}`,
		MaxExecutionTime: 5,
	}
	result, err := e.Execute(context.Background(), task)
	if err != nil {
		t.Fatal(err)
	}
	if !result.OK || result.Output != "piped input" {
		t.Fatalf("stdin not delivered: %+v", result)
	}
}
