// Package channel keeps the websocket session with the control server: it
// authenticates, receives tasks, runs them one at a time and reports back.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/gacha-agent/internal/domain"
	"github.com/ashureev/gacha-agent/internal/metrics"
	"github.com/ashureev/gacha-agent/internal/protocol"
	"github.com/ashureev/gacha-agent/internal/ring"
	"github.com/ashureev/gacha-agent/internal/task"
	"github.com/coder/websocket"
)

const (
	readLimit    = 1 << 20
	writeTimeout = 10 * time.Second
	pingTimeout  = 15 * time.Second

	busyMessage = "agent is busy with another task"
	recentTasks = 16
)

var (
	// ErrKeepaliveFailed closes the channel when the server stops answering pings.
	ErrKeepaliveFailed = errors.New("keepalive ping failed")
	// ErrClosed is the cause of a channel closed through Close.
	ErrClosed = errors.New("channel closed")
)

// Runner executes one task. Implemented by *task.Orchestrator.
type Runner interface {
	Execute(ctx context.Context, t domain.Task, observer task.Observer) (domain.TaskResult, error)
}

// Config holds the connection parameters of a channel.
type Config struct {
	URL          string
	AgentKey     string
	PingInterval time.Duration
	HTTPClient   *http.Client
}

// Channel is one control-server session. It is not reusable after Run returns.
type Channel struct {
	cfg     Config
	runner  Runner
	metrics *metrics.Metrics
	logger  *slog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu      sync.Mutex
	state   State
	current *domain.RunningTask
	cancel  context.CancelCauseFunc
	tasks   sync.WaitGroup

	handled  atomic.Int64
	rejected atomic.Int64
	recent   *ring.Buffer[domain.TaskSummary]
}

// New creates a channel in the connecting state.
func New(cfg Config, runner Runner, m *metrics.Metrics, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		cfg:     cfg,
		runner:  runner,
		metrics: m,
		logger:  logger.With("component", "channel"),
		state:   StateConnecting,
		recent:  ring.New[domain.TaskSummary](recentTasks),
	}
}

// State returns the current state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns a snapshot for the status endpoint.
func (c *Channel) Status() domain.AgentStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := domain.AgentStatus{
		Mode:         "ws",
		State:        c.state.String(),
		TasksHandled: c.handled.Load(),
		Rejected:     c.rejected.Load(),
		Recent:       c.recent.Items(),
	}
	if c.current != nil {
		cur := *c.current
		st.Task = &cur
	}
	return st
}

// Close forces the channel shut. Run returns once the in-flight task, if any,
// has observed the cancellation.
func (c *Channel) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel(ErrClosed)
	}
}

// Run connects, authenticates and serves tasks until the connection ends or
// ctx is canceled. It returns nil for a normal closure or a canceled ctx.
func (c *Channel) Run(ctx context.Context) error {
	c.setState(StateConnecting)
	c.logger.Info("Connecting to control server", "url", c.cfg.URL)

	conn, _, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{
		HTTPClient: c.cfg.HTTPClient,
	})
	if err != nil {
		c.setState(StateClosed)
		return fmt.Errorf("dial control server: %w", err)
	}
	conn.SetReadLimit(readLimit)
	defer func() { _ = conn.CloseNow() }()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.state = StateAuthenticating
	c.mu.Unlock()
	c.metrics.SetChannelState(int(StateAuthenticating))

	if err := c.send(runCtx, protocol.Auth{AgentKey: c.cfg.AgentKey}); err != nil {
		c.setState(StateClosed)
		return fmt.Errorf("send auth: %w", err)
	}
	c.setState(StateIdle)
	c.logger.Info("Channel authenticated")

	var wg sync.WaitGroup
	if c.cfg.PingInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.keepalive(runCtx, conn, cancel)
		}()
	}

	readErr := c.readLoop(runCtx, conn)
	cause := context.Cause(runCtx)
	cancel(readErr)
	c.tasks.Wait()
	wg.Wait()
	c.setState(StateClosed)

	if closeErr := conn.Close(websocket.StatusNormalClosure, "agent shutting down"); closeErr != nil {
		c.logger.Debug("Close handshake failed", "error", closeErr)
	}

	switch {
	case ctx.Err() != nil, errors.Is(cause, ErrClosed):
		c.logger.Info("Channel closed locally")
		return nil
	case errors.Is(cause, ErrKeepaliveFailed):
		return cause
	case websocket.CloseStatus(readErr) == websocket.StatusNormalClosure:
		c.logger.Info("Channel closed by server")
		return nil
	default:
		return fmt.Errorf("read: %w", readErr)
	}
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			c.logger.Debug("Ignoring non-text frame", "type", typ)
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("Dropping malformed frame", "error", err, "size", len(data))
			continue
		}
		c.metrics.ObserveFrame("in", msg.Type())

		switch m := msg.(type) {
		case *protocol.Task:
			c.startTask(ctx, m.Task())
		case *protocol.Msg:
			c.logger.Info("Message from server", "msg", m.Msg)
		default:
			c.logger.Debug("Ignoring message", "type", msg.Type())
		}
	}
}

// startTask runs t in its own goroutine unless another task is in flight.
func (c *Channel) startTask(ctx context.Context, t domain.Task) {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		c.rejected.Add(1)
		c.logger.Warn("Rejecting task", "state", state.String(), "credential", t.Credential.Masked())
		if err := c.send(ctx, protocol.TaskRejected{HgToken: t.Credential, Msg: busyMessage}); err != nil {
			c.logger.Warn("Failed to send rejection", "error", err)
		}
		return
	}
	c.state = StateRunningTask
	running := domain.NewRunningTask(t)
	c.current = running
	c.tasks.Add(1)
	c.mu.Unlock()
	c.metrics.SetChannelState(int(StateRunningTask))

	go func() {
		defer c.tasks.Done()
		obs := &observer{c: c, cred: t.Credential, outcome: task.OutcomeFailed}
		res, ok := c.runTask(ctx, t, obs)
		summary := running.Finish(obs.uid, obs.outcome, obs.records)
		if !ok {
			c.finishTask(summary)
			return
		}
		c.deliver(ctx, res, summary)
	}()
}

// runTask executes t. ok is false when the task failed or panicked; such
// tasks get no result frame.
func (c *Channel) runTask(ctx context.Context, t domain.Task, obs *observer) (res domain.TaskResult, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Task panicked", "panic", r, "stack", string(debug.Stack()))
			ok = false
		}
	}()

	res, err := c.runner.Execute(ctx, t, obs)
	if err != nil {
		c.logger.Error("Task failed, no result sent", "error", err)
		return domain.TaskResult{}, false
	}
	obs.finished(res)
	return res, true
}

// deliver returns the channel to idle and writes the result while holding
// the write lock, so frames of the next task always follow the result.
func (c *Channel) deliver(ctx context.Context, res domain.TaskResult, summary domain.TaskSummary) {
	data, err := protocol.Encode(protocol.NewTaskResult(res))
	if err != nil {
		c.logger.Error("Failed to encode task result", "error", err, "uid", res.UserID)
		c.finishTask(summary)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.finishTask(summary)
	if err := c.write(ctx, protocol.TypeTaskResult, data); err != nil {
		c.logger.Error("Failed to send task result", "error", err, "uid", res.UserID)
		return
	}
	c.logger.Info("Task result sent", "uid", res.UserID, "records", len(res.Records), "expired", res.Expired)
}

// finishTask records summary and moves the channel back to idle.
func (c *Channel) finishTask(summary domain.TaskSummary) {
	c.recent.Push(summary)
	c.handled.Add(1)
	c.mu.Lock()
	c.current = nil
	if c.state == StateRunningTask {
		c.state = StateIdle
	}
	state := c.state
	c.mu.Unlock()
	c.metrics.SetChannelState(int(state))
}

func (c *Channel) keepalive(ctx context.Context, conn *websocket.Conn, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, done := context.WithTimeout(ctx, pingTimeout)
			err := conn.Ping(pingCtx)
			done()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("Ping failed, closing channel", "error", err)
				cancel(fmt.Errorf("%w: %w", ErrKeepaliveFailed, err))
				return
			}
		}
	}
}

// send writes one message. Writes are serialized across goroutines.
func (c *Channel) send(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.write(ctx, msg.Type(), data)
}

// write sends one encoded frame. Callers hold writeMu.
func (c *Channel) write(ctx context.Context, msgType string, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.conn.Write(wctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s: %w", msgType, err)
	}
	c.metrics.ObserveFrame("out", msgType)
	c.logger.Debug("Frame sent", "type", msgType, "size", len(data))
	return nil
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.metrics.SetChannelState(int(s))
}
