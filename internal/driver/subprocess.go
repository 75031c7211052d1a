package driver

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/flexinfer/mentatlab/services/orchestrator-go/pkg/types"
)

// gracePeriod is how long a node gets to exit cleanly after SIGTERM before
// it is force-killed, on both the timeout and cancellation paths.
const gracePeriod = 2 * time.Second

// LocalSubprocessDriver executes nodes as local subprocesses.
// It parses NDJSON from stdout for structured events and emits log events for stderr.
type LocalSubprocessDriver struct {
	emitter        EventEmitter
	envPassthrough map[string]string
	cwd            string
	mu             sync.Mutex
}

// SubprocessConfig holds configuration for the subprocess driver.
type SubprocessConfig struct {
	// EnvPassthrough contains environment variables to pass to all subprocesses
	EnvPassthrough map[string]string

	// CWD is the working directory for subprocesses (empty = inherit)
	CWD string
}

// NewLocalSubprocessDriver creates a new subprocess driver.
func NewLocalSubprocessDriver(emitter EventEmitter, cfg *SubprocessConfig) *LocalSubprocessDriver {
	if cfg == nil {
		cfg = &SubprocessConfig{}
	}
	return &LocalSubprocessDriver{
		emitter:        emitter,
		envPassthrough: cfg.EnvPassthrough,
		cwd:            cfg.CWD,
	}
}

// RunNode executes the command as a subprocess and returns the exit code.
func (d *LocalSubprocessDriver) RunNode(ctx context.Context, runID, nodeID string, cmd []string, env map[string]string, timeout float64) (int, error) {
	if len(cmd) == 0 {
		return 1, fmt.Errorf("empty command")
	}

	// Emit node running status
	d.emitEvent(ctx, runID, "node_status", map[string]interface{}{
		"status": "running",
		"runId":  runID,
		"nodeId": nodeID,
	}, nodeID, "")

	// Build merged environment
	mergedEnv := os.Environ()
	for k, v := range d.envPassthrough {
		mergedEnv = append(mergedEnv, fmt.Sprintf("%s=%s", k, v))
	}
	for k, v := range env {
		mergedEnv = append(mergedEnv, fmt.Sprintf("%s=%s", k, v))
	}
	// Always pass run and node IDs
	mergedEnv = append(mergedEnv,
		fmt.Sprintf("RUN_ID=%s", runID),
		fmt.Sprintf("NODE_ID=%s", nodeID),
	)

	// The command is started without a context deadline attached: killing it
	// on timeout or cancellation goes through gracefulStop below, which
	// sends SIGTERM and only escalates to SIGKILL after gracePeriod, rather
	// than exec.CommandContext's immediate-kill-on-cancel behavior.
	c := exec.Command(cmd[0], cmd[1:]...)
	c.Env = mergedEnv
	if d.cwd != "" {
		c.Dir = d.cwd
	}

	// Set up pipes
	stdout, err := c.StdoutPipe()
	if err != nil {
		return 1, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return 1, fmt.Errorf("stderr pipe: %w", err)
	}

	// Start the process
	if err := c.Start(); err != nil {
		d.emitEvent(ctx, runID, "log", map[string]interface{}{
			"message": fmt.Sprintf("failed to start node %s: %v", nodeID, err),
			"level":   "error",
			"runId":   runID,
			"nodeId":  nodeID,
		}, nodeID, "error")
		d.emitEvent(ctx, runID, "node_status", map[string]interface{}{
			"status":   "failed",
			"runId":    runID,
			"nodeId":   nodeID,
			"reason":   "start_failed",
			"exitCode": -1,
		}, nodeID, "")
		return 1, fmt.Errorf("start: %w", err)
	}

	// Read stdout and stderr concurrently
	var wg sync.WaitGroup
	wg.Add(2)

	// Stdout reader - parse NDJSON
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		// Increase buffer size for long lines
		buf := make([]byte, 64*1024)
		scanner.Buffer(buf, 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			d.processStdoutLine(ctx, runID, nodeID, line)
		}
	}()

	// Stderr reader - emit as error logs
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		buf := make([]byte, 64*1024)
		scanner.Buffer(buf, 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			d.emitEvent(ctx, runID, "log", map[string]interface{}{
				"message": line,
				"level":   "error",
				"runId":   runID,
				"nodeId":  nodeID,
			}, nodeID, "error")
		}
	}()

	readersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(readersDone)
	}()

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(time.Duration(timeout * float64(time.Second)))
		defer timer.Stop()
		timeoutC = timer.C
	}

	timedOut := false
	cancelled := false
	select {
	case <-readersDone:
		// Process exited on its own.
	case <-timeoutC:
		timedOut = true
		d.gracefulStop(c, readersDone)
	case <-ctx.Done():
		cancelled = true
		d.gracefulStop(c, readersDone)
	}

	// Wait for process to exit
	err = c.Wait()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = 1
		}
	}

	if timedOut {
		exitCode = 124 // Standard timeout exit code
		d.emitEvent(ctx, runID, "log", map[string]interface{}{
			"message": fmt.Sprintf("node %s timed out after %.1fs", nodeID, timeout),
			"level":   "error",
			"runId":   runID,
			"nodeId":  nodeID,
		}, nodeID, "error")
		d.emitEvent(ctx, runID, "node_status", map[string]interface{}{
			"status": "failed",
			"reason": "timeout",
			"runId":  runID,
			"nodeId": nodeID,
		}, nodeID, "")
		return exitCode, nil
	}
	if cancelled {
		exitCode = 130 // Standard interrupt exit code
		d.emitEvent(ctx, runID, "node_status", map[string]interface{}{
			"status": "failed",
			"reason": "cancelled",
			"runId":  runID,
			"nodeId": nodeID,
		}, nodeID, "")
		return exitCode, ctx.Err()
	}

	// Emit final node status
	if exitCode == 0 {
		d.emitEvent(ctx, runID, "node_status", map[string]interface{}{
			"status": "succeeded",
			"runId":  runID,
			"nodeId": nodeID,
		}, nodeID, "")
	} else {
		d.emitEvent(ctx, runID, "node_status", map[string]interface{}{
			"status":   "failed",
			"exitCode": exitCode,
			"runId":    runID,
			"nodeId":   nodeID,
		}, nodeID, "")
	}

	return exitCode, nil
}

// gracefulStop sends SIGTERM and gives the process gracePeriod to exit
// before escalating to SIGKILL. readersDone closes once stdout/stderr have
// both hit EOF, which happens as soon as the process actually exits.
func (d *LocalSubprocessDriver) gracefulStop(c *exec.Cmd, readersDone <-chan struct{}) {
	if c.Process == nil {
		return
	}
	_ = c.Process.Signal(syscall.SIGTERM)
	select {
	case <-readersDone:
		return
	case <-time.After(gracePeriod):
	}
	_ = c.Process.Kill()
	<-readersDone
}

// processStdoutLine attempts to parse NDJSON and emit structured events.
func (d *LocalSubprocessDriver) processStdoutLine(ctx context.Context, runID, nodeID, line string) {
	input, err := types.ParseNDJSON([]byte(line))
	if err != nil {
		// Not valid JSON - emit as plain log
		d.emitEvent(ctx, runID, "log", map[string]interface{}{
			"message": line,
			"level":   "info",
			"runId":   runID,
			"nodeId":  nodeID,
		}, nodeID, "info")
		return
	}

	obj, _ := input.Data.(map[string]interface{})
	if obj == nil {
		obj = map[string]interface{}{}
	}
	if _, ok := obj["runId"]; !ok {
		obj["runId"] = runID
	}
	if _, ok := obj["nodeId"]; !ok {
		obj["nodeId"] = nodeID
	}

	d.emitEvent(ctx, runID, input.Type, obj, nodeID, string(input.Level))
}

// emitEvent sends an event through the emitter interface.
func (d *LocalSubprocessDriver) emitEvent(ctx context.Context, runID, eventType string, data map[string]interface{}, nodeID, level string) {
	if d.emitter == nil {
		return
	}
	if err := d.emitter.EmitEvent(ctx, runID, eventType, data, nodeID, level); err != nil {
		slog.Error("failed to emit event", slog.String("run_id", runID), slog.String("event_type", eventType), slog.Any("error", err))
	}
}
