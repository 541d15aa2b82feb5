// Package poll implements the legacy transport: fetch one task over HTTP,
// execute it and post the result back.
package poll

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/gacha-agent/internal/domain"
	"github.com/ashureev/gacha-agent/internal/ring"
	"github.com/ashureev/gacha-agent/internal/task"
)

const taskPath = "/agent/task"

// ErrNoTask is returned by RunOnce when the server has nothing queued.
var ErrNoTask = errors.New("no task available")

// Runner executes one task. Implemented by *task.Orchestrator.
type Runner interface {
	Execute(ctx context.Context, t domain.Task, observer task.Observer) (domain.TaskResult, error)
}

// Checker asks whether a credential is still live. A stale credential is
// reported as a CredentialExpired error. Implemented by *upstream.Client.
type Checker interface {
	CheckCredential(ctx context.Context, cred domain.Credential) error
}

// Config holds the poll endpoint parameters.
type Config struct {
	BaseURL  string
	AgentKey string
	// Interval between rounds. Zero runs a single round.
	Interval time.Duration
}

type wireTask struct {
	UID     domain.UserID     `json:"uid"`
	HgToken domain.Credential `json:"hgToken"`
}

type wireResult struct {
	UID     domain.UserID          `json:"uid"`
	HgToken domain.Credential      `json:"hgToken"`
	Gachas  []domain.HistoryRecord `json:"gachas"`
	Expired bool                   `json:"expired"`
}

// Poller runs the poll loop.
type Poller struct {
	cfg     Config
	http    *http.Client
	runner  Runner
	checker Checker
	logger  *slog.Logger

	mu      sync.Mutex
	current *domain.RunningTask
	handled atomic.Int64
	recent  *ring.Buffer[domain.TaskSummary]
}

// New creates a poller. checker may be nil to skip the credential pre-check.
func New(cfg Config, hc *http.Client, runner Runner, checker Checker, logger *slog.Logger) *Poller {
	if hc == nil {
		hc = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Poller{
		cfg:     cfg,
		http:    hc,
		runner:  runner,
		checker: checker,
		logger:  logger.With("component", "poll"),
		recent:  ring.New[domain.TaskSummary](16),
	}
}

// Status returns a snapshot for the status endpoint.
func (p *Poller) Status() domain.AgentStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := domain.AgentStatus{
		Mode:         "poll",
		State:        "idle",
		TasksHandled: p.handled.Load(),
		Recent:       p.recent.Items(),
	}
	if p.current != nil {
		cur := *p.current
		st.Task = &cur
		st.State = "running_task"
	}
	return st
}

// Run polls until ctx is done. With a zero interval it runs one round and
// returns its error; otherwise round errors are logged and polling goes on.
func (p *Poller) Run(ctx context.Context) error {
	if p.cfg.Interval == 0 {
		err := p.RunOnce(ctx)
		if errors.Is(err, ErrNoTask) {
			p.logger.Info("No task queued")
			return nil
		}
		return err
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := p.RunOnce(ctx); err != nil && !errors.Is(err, ErrNoTask) {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Error("Poll round failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce fetches one task, executes it and posts the result.
func (p *Poller) RunOnce(ctx context.Context) error {
	t, err := p.fetch(ctx)
	if err != nil {
		return err
	}

	running := domain.NewRunningTask(t)
	p.mu.Lock()
	p.current = running
	p.mu.Unlock()

	res, outcome, err := p.execute(ctx, t)
	if err == nil {
		err = p.post(ctx, res)
	}
	if err != nil {
		outcome = task.OutcomeFailed
	}

	p.recent.Push(running.Finish(res.UserID, outcome, len(res.Records)))
	p.handled.Add(1)
	p.mu.Lock()
	p.current = nil
	p.mu.Unlock()
	return err
}

func (p *Poller) execute(ctx context.Context, t domain.Task) (domain.TaskResult, string, error) {
	if p.checker != nil {
		err := p.checker.CheckCredential(ctx, t.Credential)
		switch {
		case err == nil:
		case domain.KindOf(err) == domain.KindCredentialExpired:
			p.logger.Info("Credential expired", "credential", t.Credential.Masked())
			return domain.EmptyResult(t, "", true), task.OutcomeExpired, nil
		default:
			// The chain classifies other rejections itself.
			p.logger.Warn("Credential pre-check did not pass, running task anyway", "error", err)
		}
	}

	obs := &logObserver{logger: p.logger, outcome: task.OutcomeSuccess}
	res, err := p.runner.Execute(ctx, t, obs)
	if err != nil {
		return domain.TaskResult{}, task.OutcomeFailed, fmt.Errorf("execute task: %w", err)
	}
	return res, obs.outcome, nil
}

func (p *Poller) fetch(ctx context.Context) (domain.Task, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint(), nil)
	if err != nil {
		return domain.Task{}, fmt.Errorf("build task request: %w", err)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return domain.Task{}, fmt.Errorf("fetch task: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.Task{}, fmt.Errorf("read task: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return domain.Task{}, fmt.Errorf("fetch task: status %d", resp.StatusCode)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return domain.Task{}, ErrNoTask
	}

	var wt wireTask
	if err := json.Unmarshal(body, &wt); err != nil {
		return domain.Task{}, fmt.Errorf("decode task: %w", err)
	}
	if wt.HgToken.IsZero() {
		return domain.Task{}, ErrNoTask
	}
	return domain.Task{Credential: wt.HgToken, UserIDHint: wt.UID}, nil
}

func (p *Poller) post(ctx context.Context, res domain.TaskResult) error {
	records := res.Records
	if records == nil {
		records = []domain.HistoryRecord{}
	}
	body, err := json.Marshal(wireResult{
		UID:     res.UserID,
		HgToken: res.Credential,
		Gachas:  records,
		Expired: res.Expired,
	})
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build result request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("post result: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("post result: status %d", resp.StatusCode)
	}
	p.logger.Info("Task result posted", "uid", res.UserID, "records", len(records), "expired", res.Expired)
	return nil
}

func (p *Poller) endpoint() string {
	return p.cfg.BaseURL + taskPath + "?" + url.Values{"agentKey": {p.cfg.AgentKey}}.Encode()
}

// logObserver records task signals; the poll protocol has no side channel.
type logObserver struct {
	logger  *slog.Logger
	outcome string
}

func (o *logObserver) UserResolved(_ context.Context, acc domain.Account) {
	o.logger.Info("User resolved", "uid", acc.UID, "nickname", acc.NickName)
}

func (o *logObserver) CredentialExpired(_ context.Context, cred domain.Credential) {
	o.outcome = task.OutcomeExpired
	o.logger.Info("Credential expired", "credential", cred.Masked())
}

func (o *logObserver) CredentialInvalid(_ context.Context, cred domain.Credential, reason string) {
	o.outcome = task.OutcomeInvalid
	o.logger.Warn("Credential invalid", "credential", cred.Masked(), "reason", reason)
}
