// Package proc runs agent queries as bridge subprocesses. Each query owns
// one process speaking newline-delimited JSON: prompts and control requests
// go in on stdin, SDK messages and control responses come out on stdout.
package proc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relayd/relayd/internal/agent"
	"github.com/relayd/relayd/internal/common/logger"
)

const (
	// Generous stdout buffer: a single assistant message with tool output
	// can run well past the default scanner limit.
	scanBufferSize    = 64 * 1024
	scanBufferMax     = 1024 * 1024
	shutdownGrace     = 5 * time.Second
	controlTimeout    = 10 * time.Second
	messageBufferSize = 64
)

// Config configures the bridge factory.
type Config struct {
	// BinaryPath is the bridge binary. Auto-detected when empty.
	BinaryPath string
}

// Factory starts one bridge process per query.
type Factory struct {
	binaryPath string
	logger     *logger.Logger
}

// NewFactory creates a factory. The bridge binary is located next to the
// current executable, then on PATH.
func NewFactory(cfg Config, log *logger.Logger) *Factory {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = findBridgeBinary()
	}
	return &Factory{
		binaryPath: cfg.BinaryPath,
		logger:     log.WithFields(zap.String("component", "agent-proc")),
	}
}

func findBridgeBinary() string {
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "relayd-agent")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	if path, err := exec.LookPath("relayd-agent"); err == nil {
		return path
	}
	return "relayd-agent"
}

// Start spawns the bridge and hands it the query spec as the first stdin
// frame.
func (f *Factory) Start(ctx context.Context, spec agent.QuerySpec) (agent.Query, error) {
	// exec.Command rather than CommandContext: shutdown is driven by Close,
	// and CommandContext would SIGKILL on context cancellation before the
	// bridge can flush its final messages.
	cmd := exec.Command(f.binaryPath)
	cmd.Dir = spec.WorkspacePath
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.SysProcAttr = buildSysProcAttr()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent bridge: %w", err)
	}

	q := &procQuery{
		sessionID: spec.SessionID,
		cmd:       cmd,
		stdin:     stdin,
		logger: f.logger.WithFields(
			zap.String("session_id", spec.SessionID),
			zap.Int("pid", cmd.Process.Pid)),
		messages: make(chan *agent.Message, messageBufferSize),
		pending:  make(map[string]chan controlResponse),
		exited:   make(chan struct{}),
	}

	go q.readLoop(stdout)
	go q.pipeStderr(bufio.NewScanner(stderr))
	go q.monitorExit()

	if err := q.writeFrame(stdinFrame{Type: "init", Spec: &spec}); err != nil {
		_ = q.Close()
		return nil, fmt.Errorf("failed to send init frame: %w", err)
	}

	q.logger.Info("Agent bridge started")
	return q, nil
}

// stdinFrame is one line written to the bridge.
type stdinFrame struct {
	Type      string           `json:"type"`
	RequestID string           `json:"request_id,omitempty"`
	Spec      *agent.QuerySpec `json:"spec,omitempty"`
	Prompt    *promptFrame     `json:"prompt,omitempty"`
	Request   json.RawMessage  `json:"request,omitempty"`
}

type promptFrame struct {
	UUID            string          `json:"uuid"`
	Content         json.RawMessage `json:"content"`
	ParentToolUseID string          `json:"parent_tool_use_id,omitempty"`
	Internal        bool            `json:"internal,omitempty"`
}

// controlResponse is the bridge's reply to a control request.
type controlResponse struct {
	RequestID string          `json:"request_id"`
	Error     string          `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

type procQuery struct {
	sessionID string
	cmd       *exec.Cmd
	logger    *logger.Logger

	writeMu sync.Mutex
	stdin   io.WriteCloser

	messages chan *agent.Message

	pendingMu sync.Mutex
	pending   map[string]chan controlResponse

	closeOnce sync.Once
	closeErr  error
	exited    chan struct{}
}

func (q *procQuery) Messages() <-chan *agent.Message { return q.messages }

func (q *procQuery) Send(ctx context.Context, prompt *agent.Prompt) error {
	return q.writeFrame(stdinFrame{
		Type: "prompt",
		Prompt: &promptFrame{
			UUID:            prompt.UUID,
			Content:         prompt.Content,
			ParentToolUseID: prompt.ParentToolUseID,
			Internal:        prompt.Internal,
		},
	})
}

func (q *procQuery) Interrupt(ctx context.Context) error {
	_, err := q.control(ctx, "interrupt", nil)
	return err
}

func (q *procQuery) SetModel(ctx context.Context, model string) error {
	_, err := q.control(ctx, "set_model", map[string]interface{}{"model": model})
	return err
}

func (q *procQuery) SetMaxThinkingTokens(ctx context.Context, tokens int) error {
	_, err := q.control(ctx, "set_max_thinking_tokens", map[string]interface{}{"tokens": tokens})
	return err
}

func (q *procQuery) SetPermissionMode(ctx context.Context, mode string) error {
	_, err := q.control(ctx, "set_permission_mode", map[string]interface{}{"mode": mode})
	return err
}

func (q *procQuery) MCPServerStatus(ctx context.Context) ([]agent.MCPServerStatus, error) {
	result, err := q.control(ctx, "mcp_server_status", nil)
	if err != nil {
		return nil, err
	}
	var statuses []agent.MCPServerStatus
	if len(result) > 0 {
		if err := json.Unmarshal(result, &statuses); err != nil {
			return nil, fmt.Errorf("malformed mcp status reply: %w", err)
		}
	}
	return statuses, nil
}

// Close shuts the bridge down: stdin closes first so the bridge can finish
// its current turn, then SIGTERM, then SIGKILL after the grace period.
func (q *procQuery) Close() error {
	q.closeOnce.Do(func() {
		q.writeMu.Lock()
		_ = q.stdin.Close()
		q.writeMu.Unlock()

		select {
		case <-q.exited:
			return
		case <-time.After(shutdownGrace):
		}

		q.logger.Warn("Agent bridge did not exit on stdin close, sending SIGTERM")
		if err := q.cmd.Process.Signal(os.Interrupt); err != nil {
			q.logger.Warn("Failed to signal agent bridge", zap.Error(err))
		}

		select {
		case <-q.exited:
		case <-time.After(shutdownGrace):
			q.logger.Warn("Agent bridge did not terminate, killing")
			_ = q.cmd.Process.Kill()
			<-q.exited
		}
	})
	return q.closeErr
}

// control sends a request frame and waits for the matching response line.
func (q *procQuery) control(ctx context.Context, kind string, args map[string]interface{}) (json.RawMessage, error) {
	payload, err := json.Marshal(map[string]interface{}{"kind": kind, "args": args})
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	ch := make(chan controlResponse, 1)
	q.pendingMu.Lock()
	q.pending[id] = ch
	q.pendingMu.Unlock()
	defer func() {
		q.pendingMu.Lock()
		delete(q.pending, id)
		q.pendingMu.Unlock()
	}()

	frame := stdinFrame{Type: "control", RequestID: id, Request: payload}
	if err := q.writeFrame(frame); err != nil {
		return nil, err
	}

	timer := time.NewTimer(controlTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, fmt.Errorf("agent bridge rejected %s: %s", kind, resp.Error)
		}
		return resp.Result, nil
	case <-q.exited:
		return nil, fmt.Errorf("agent bridge exited before replying to %s", kind)
	case <-timer.C:
		return nil, fmt.Errorf("timed out waiting for %s reply", kind)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *procQuery) writeFrame(frame stdinFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	if _, err := q.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write to agent bridge: %w", err)
	}
	return nil
}

// readLoop parses stdout lines. Control responses are routed to their
// waiters; everything else that parses as an SDK message goes onto the
// message stream. Non-JSON lines are bridge noise and logged at debug.
func (q *procQuery) readLoop(stdout io.Reader) {
	defer close(q.messages)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, scanBufferSize), scanBufferMax)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp controlResponse
		if err := json.Unmarshal(line, &resp); err == nil && resp.RequestID != "" {
			q.pendingMu.Lock()
			ch, ok := q.pending[resp.RequestID]
			q.pendingMu.Unlock()
			if ok {
				ch <- resp
			} else {
				q.logger.Debug("Control response with no waiter",
					zap.String("request_id", resp.RequestID))
			}
			continue
		}

		var msg agent.Message
		if err := json.Unmarshal(line, &msg); err != nil || msg.Type == "" {
			q.logger.Debug("Non-message bridge output", zap.ByteString("line", line))
			continue
		}
		msg.SessionID = q.sessionID
		q.messages <- &msg
	}

	if err := scanner.Err(); err != nil {
		q.logger.Warn("Agent bridge stdout closed with error", zap.Error(err))
	}
}

func (q *procQuery) pipeStderr(scanner *bufio.Scanner) {
	scanner.Buffer(make([]byte, scanBufferSize), scanBufferMax)
	for scanner.Scan() {
		q.logger.Info(scanner.Text(), zap.String("stream", "stderr"))
	}
}

func (q *procQuery) monitorExit() {
	err := q.cmd.Wait()
	if err != nil {
		q.logger.Warn("Agent bridge exited", zap.Error(err))
		q.closeErr = err
	}
	close(q.exited)
}
