package poll

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/gacha-agent/internal/config"
	"github.com/ashureev/gacha-agent/internal/domain"
	"github.com/ashureev/gacha-agent/internal/task"
	"github.com/ashureev/gacha-agent/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// taskServer serves queued tasks and records posted results.
type taskServer struct {
	mu      sync.Mutex
	queue   []string
	posted  []wireResult
	keys    []string
	postErr int
}

func (s *taskServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /agent/task", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.keys = append(s.keys, r.URL.Query().Get("agentKey"))
		if len(s.queue) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		body := s.queue[0]
		s.queue = s.queue[1:]
		_, _ = io.WriteString(w, body)
	})
	mux.HandleFunc("POST /agent/task", func(w http.ResponseWriter, r *http.Request) {
		var res wireResult
		if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
			t.Errorf("decode posted result: %v", err)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.keys = append(s.keys, r.URL.Query().Get("agentKey"))
		s.posted = append(s.posted, res)
		if s.postErr != 0 {
			w.WriteHeader(s.postErr)
		}
	})
	return mux
}

type fakeRunner struct {
	calls int
	fn    func(ctx context.Context, t domain.Task, obs task.Observer) (domain.TaskResult, error)
}

func (r *fakeRunner) Execute(ctx context.Context, t domain.Task, obs task.Observer) (domain.TaskResult, error) {
	r.calls++
	return r.fn(ctx, t, obs)
}

type fakeChecker struct {
	err error
}

func (c fakeChecker) CheckCredential(context.Context, domain.Credential) error {
	return c.err
}

func collected(_ context.Context, t domain.Task, obs task.Observer) (domain.TaskResult, error) {
	obs.UserResolved(context.Background(), domain.Account{UID: "42"})
	return domain.TaskResult{
		UserID:     "42",
		Credential: t.Credential,
		Records:    []domain.HistoryRecord{{CharID: "char_1", GachaTs: 100}},
	}, nil
}

func newPoller(t *testing.T, ts *taskServer, runner Runner, checker Checker) *Poller {
	t.Helper()
	srv := httptest.NewServer(ts.handler(t))
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/", AgentKey: "secret"}, srv.Client(), runner, checker, nil)
}

func TestRunOncePostsResult(t *testing.T) {
	ts := &taskServer{queue: []string{`{"uid":"7","hgToken":{"content":"tok"}}`}}
	runner := &fakeRunner{fn: collected}
	p := newPoller(t, ts, runner, fakeChecker{})

	require.NoError(t, p.RunOnce(context.Background()))

	require.Len(t, ts.posted, 1)
	got := ts.posted[0]
	assert.Equal(t, domain.UserID("42"), got.UID)
	assert.Equal(t, "tok", got.HgToken.Content)
	assert.Len(t, got.Gachas, 1)
	assert.False(t, got.Expired)
	assert.Equal(t, []string{"secret", "secret"}, ts.keys)
	st := p.Status()
	assert.Equal(t, int64(1), st.TasksHandled)
	assert.Nil(t, st.Task)
	require.Len(t, st.Recent, 1)
	assert.Equal(t, task.OutcomeSuccess, st.Recent[0].Outcome)
}

func TestRunOnceExpiredPreCheck(t *testing.T) {
	ts := &taskServer{queue: []string{`{"uid":"7","hgToken":{"content":"stale"}}`}}
	runner := &fakeRunner{fn: collected}
	p := newPoller(t, ts, runner, fakeChecker{err: domain.ErrCredentialExpired})

	require.NoError(t, p.RunOnce(context.Background()))

	assert.Zero(t, runner.calls)
	require.Len(t, ts.posted, 1)
	assert.Equal(t, wireResult{
		UID:     "7",
		HgToken: domain.Credential{Content: "stale"},
		Gachas:  []domain.HistoryRecord{},
		Expired: true,
	}, ts.posted[0])
	assert.Equal(t, task.OutcomeExpired, p.Status().Recent[0].Outcome)
}

func TestRunOnceExpiredDuringExchange(t *testing.T) {
	ts := &taskServer{queue: []string{`{"uid":"7","hgToken":{"content":"stale"}}`}}
	runner := &fakeRunner{fn: func(ctx context.Context, tk domain.Task, obs task.Observer) (domain.TaskResult, error) {
		obs.CredentialExpired(ctx, tk.Credential)
		return domain.EmptyResult(tk, "", true), nil
	}}
	p := newPoller(t, ts, runner, fakeChecker{err: errors.New("check unavailable")})

	require.NoError(t, p.RunOnce(context.Background()))

	assert.Equal(t, 1, runner.calls)
	require.Len(t, ts.posted, 1)
	assert.True(t, ts.posted[0].Expired)
	assert.Empty(t, ts.posted[0].Gachas)
}

func TestRunOnceRejectedPreCheckRunsChain(t *testing.T) {
	account := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"status":101,"msg":"token format error"}`)
	}))
	t.Cleanup(account.Close)
	checker := upstream.NewClient(config.UpstreamConfig{
		AccountBaseURL: account.URL,
		ConnectTimeout: time.Second,
		RequestTimeout: time.Second,
	})

	ts := &taskServer{queue: []string{`{"uid":"7","hgToken":{"content":"garbled"}}`}}
	runner := &fakeRunner{fn: func(ctx context.Context, tk domain.Task, obs task.Observer) (domain.TaskResult, error) {
		obs.CredentialInvalid(ctx, tk.Credential, "token format error")
		return domain.EmptyResult(tk, "", false), nil
	}}
	p := newPoller(t, ts, runner, checker)

	require.NoError(t, p.RunOnce(context.Background()))

	assert.Equal(t, 1, runner.calls)
	require.Len(t, ts.posted, 1)
	assert.False(t, ts.posted[0].Expired)
	assert.Empty(t, ts.posted[0].Gachas)
	assert.Equal(t, task.OutcomeInvalid, p.Status().Recent[0].Outcome)
}

func TestRunOnceNoTask(t *testing.T) {
	p := newPoller(t, &taskServer{}, &fakeRunner{fn: collected}, nil)

	err := p.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrNoTask)

	assert.NoError(t, p.Run(context.Background()))
}

func TestRunOnceFailedTaskPostsNothing(t *testing.T) {
	ts := &taskServer{queue: []string{`{"hgToken":{"content":"tok"}}`}}
	runner := &fakeRunner{fn: func(context.Context, domain.Task, task.Observer) (domain.TaskResult, error) {
		return domain.TaskResult{}, domain.ErrUpstream
	}}
	p := newPoller(t, ts, runner, nil)

	err := p.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstream)
	assert.Empty(t, ts.posted)
	assert.Equal(t, task.OutcomeFailed, p.Status().Recent[0].Outcome)
}

func TestRunOncePostRejected(t *testing.T) {
	ts := &taskServer{queue: []string{`{"hgToken":{"content":"tok"}}`}, postErr: http.StatusBadGateway}
	p := newPoller(t, ts, &fakeRunner{fn: collected}, nil)

	err := p.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestRunOnceMalformedTask(t *testing.T) {
	ts := &taskServer{queue: []string{`{"hgToken":`}}
	p := newPoller(t, ts, &fakeRunner{fn: collected}, nil)

	err := p.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode task")
}

func TestStatusReportsPollMode(t *testing.T) {
	p := New(Config{BaseURL: "http://localhost"}, nil, nil, nil, nil)
	st := p.Status()
	assert.Equal(t, "poll", st.Mode)
	assert.Equal(t, "idle", st.State)
}
