package plugin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/meshgate/internal/mesh"
	"github.com/mattjoyce/meshgate/internal/protocol"
	"github.com/mattjoyce/meshgate/internal/registry"
)

const (
	// maxStderrBytes caps the amount of stderr captured from plugin execution.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second

	// defaultExecTimeout bounds a call whose context has no deadline.
	defaultExecTimeout = 30 * time.Second
)

// Exec adapts an external executable to the Plugin contract. Each hook,
// handler invocation and task run spawns the entrypoint once with a JSON
// request on stdin and reads a JSON response from stdout.
type Exec struct {
	desc *Descriptor
	host Host
}

// NewExec creates the adapter for an exec descriptor.
func NewExec(d *Descriptor) *Exec {
	return &Exec{desc: d}
}

// Initialize runs the initialize op, then registers every declared handler
// and schedules every declared task.
func (e *Exec) Initialize(ctx context.Context, host Host) error {
	e.host = host
	if _, err := e.call(ctx, &protocol.Request{Op: protocol.OpInitialize}); err != nil {
		return err
	}

	for _, spec := range e.desc.Capabilities.Commands {
		if err := host.RegisterCommand(spec.Match(), spec.Priority, spec.Policy(), e.handler(spec.Name)); err != nil {
			return err
		}
	}
	for _, spec := range e.desc.Capabilities.Keywords {
		register := host.RegisterKeyword
		if spec.Wildcard {
			register = host.RegisterWildcard
		}
		if err := register(spec.Match(), spec.Priority, spec.Policy(), e.handler(spec.Name)); err != nil {
			return err
		}
	}
	for _, task := range e.desc.Capabilities.Tasks {
		every, err := ParseInterval(task.Every)
		if err != nil {
			return fmt.Errorf("task %q: %w", task.Name, err)
		}
		if err := host.Schedule(task.Name, every, task.Jitter, e.task(task.Name)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Exec) Start(ctx context.Context) error {
	_, err := e.call(ctx, &protocol.Request{Op: protocol.OpStart})
	return err
}

func (e *Exec) Stop(ctx context.Context) error {
	_, err := e.call(ctx, &protocol.Request{Op: protocol.OpStop})
	return err
}

func (e *Exec) Cleanup(ctx context.Context) error {
	_, err := e.call(ctx, &protocol.Request{Op: protocol.OpCleanup})
	return err
}

func (e *Exec) Health(ctx context.Context) error {
	_, err := e.call(ctx, &protocol.Request{Op: protocol.OpHealth})
	return err
}

func (e *Exec) handler(name string) registry.Handler {
	return func(ctx context.Context, args []string, hc mesh.Context) (registry.Result, error) {
		req := &protocol.Request{
			Op:      protocol.OpHandle,
			Handler: name,
			Args:    args,
			Context: &protocol.MessageContext{
				ActorID:   hc.ActorID,
				Channel:   hc.Channel,
				IsDirect:  hc.IsDirect,
				Timestamp: hc.Timestamp,
			},
		}
		if hc.Message != nil {
			req.Context.MessageID = hc.Message.ID
			req.Context.Content = hc.Message.Content
		}
		resp, err := e.call(ctx, req)
		if err != nil {
			return registry.Result{}, err
		}
		return registry.Result{Text: resp.Text, Stop: resp.Stop}, nil
	}
}

func (e *Exec) task(name string) Task {
	return func(ctx context.Context) error {
		_, err := e.call(ctx, &protocol.Request{Op: protocol.OpTask, Handler: name})
		return err
	}
}

// call fills the envelope, spawns the plugin and applies the response's
// logs, state updates and sends.
func (e *Exec) call(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if e.host == nil {
		return nil, fmt.Errorf("plugin %q: not initialized", e.desc.Name)
	}
	logger := e.host.Logger().With("op", string(req.Op))

	req.Protocol = protocol.Version
	req.Plugin = e.desc.Name
	req.Config = e.host.Config()
	if req.Config == nil {
		req.Config = map[string]any{}
	}
	req.State = map[string]any{}

	var store StateStore
	if e.desc.HasPermission(PermStorage) {
		s, err := e.host.State()
		if err != nil {
			return nil, fmt.Errorf("open state: %w", err)
		}
		store = s
		if current, err := s.Get(ctx); err == nil {
			req.State = current
		} else {
			logger.Warn("failed to read plugin state", "error", err)
		}
	}

	timeout := defaultExecTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	req.DeadlineAt = time.Now().Add(timeout).UTC()

	resp, stderr, err := spawn(ctx, e.desc.Entrypoint, req, timeout, logger)
	if stderr != "" {
		logger.Debug("plugin stderr", "stderr", stderr)
	}
	if err != nil {
		return nil, err
	}

	for _, entry := range resp.Logs {
		logger.Log(ctx, pluginLogLevel(entry.Level), entry.Message)
	}

	if len(resp.StateUpdates) > 0 {
		if store == nil {
			logger.Warn("state updates ignored: storage permission not declared")
		} else if err := store.Merge(ctx, resp.StateUpdates); err != nil {
			logger.Error("failed to apply state updates", "error", err)
		}
	}

	for _, s := range resp.Sends {
		var sendErr error
		if s.To == "" || s.To == mesh.BroadcastActor {
			sendErr = e.host.Broadcast(ctx, s.Channel, s.Text)
		} else {
			sendErr = e.host.Send(ctx, s.To, s.Channel, s.Text)
		}
		if sendErr != nil {
			logger.Warn("plugin send rejected", "to", s.To, "error", sendErr)
		}
	}

	if !resp.OK() {
		return resp, errors.New(resp.Error)
	}
	return resp, nil
}

// spawn runs entrypoint once. On timeout or cancellation the process gets
// SIGTERM, then SIGKILL after terminationGracePeriod.
func spawn(
	ctx context.Context,
	entrypoint string,
	req *protocol.Request,
	timeout time.Duration,
	logger *slog.Logger,
) (*protocol.Response, string, error) {
	if timeout <= 0 {
		return nil, "", context.DeadlineExceeded
	}
	timeoutTimer := time.NewTimer(timeout)
	defer timeoutTimer.Stop()

	// Not CommandContext: termination is managed here.
	cmd := exec.Command(entrypoint)
	cmd.WaitDelay = time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, "", fmt.Errorf("create stdin pipe: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("spawning plugin", "entrypoint", entrypoint, "timeout", timeout)

	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("start process: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		if err := protocol.EncodeRequest(stdin, req); err != nil {
			writeErr <- fmt.Errorf("encode request: %w", err)
			return
		}
		writeErr <- nil
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	terminate := func(reason error) (*protocol.Response, string, error) {
		logger.Warn("terminating plugin process, sending SIGTERM", "reason", reason.Error())
		if cmd.Process != nil {
			if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
				logger.Error("failed to send SIGTERM", "error", err)
			}
		}

		grace := time.NewTimer(terminationGracePeriod)
		defer grace.Stop()

		select {
		case <-waitErr:
			logger.Info("plugin exited after SIGTERM")
		case <-grace.C:
			logger.Warn("plugin did not exit after SIGTERM, sending SIGKILL")
			if cmd.Process != nil {
				if err := cmd.Process.Kill(); err != nil {
					logger.Error("failed to send SIGKILL", "error", err)
				}
			}
			<-waitErr
		}
		return nil, truncateStderr(stderr.String()), reason
	}

	select {
	case <-timeoutTimer.C:
		return terminate(context.DeadlineExceeded)
	case <-ctx.Done():
		return terminate(ctx.Err())
	case err := <-waitErr:
		stderrStr := truncateStderr(stderr.String())
		if werr := <-writeErr; werr != nil {
			return nil, stderrStr, werr
		}

		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				logger.Warn("plugin exited with non-zero status", "exit_code", exitErr.ExitCode())
			} else {
				return nil, stderrStr, fmt.Errorf("wait for process: %w", err)
			}
		}

		resp, rawBytes, err := protocol.DecodeResponseLenient(bytes.NewReader(stdout.Bytes()))
		if err != nil {
			logger.Error("failed to decode plugin response", "error", err, "stdout", string(rawBytes))
			return nil, stderrStr, fmt.Errorf("decode response: %w", err)
		}
		return resp, stderrStr, nil
	}
}

func pluginLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// truncateStderr truncates stderr to maxStderrBytes.
func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}
