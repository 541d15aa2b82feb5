package task

import (
	"context"
	"errors"
	"testing"

	"github.com/ashureev/gacha-agent/internal/collector"
	"github.com/ashureev/gacha-agent/internal/domain"
	"github.com/ashureev/gacha-agent/internal/exchange"
	"github.com/ashureev/gacha-agent/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingObserver keeps every signal in arrival order.
type recordingObserver struct {
	events  []string
	user    domain.Account
	reason  string
	expired domain.Credential
}

func (r *recordingObserver) UserResolved(_ context.Context, a domain.Account) {
	r.events = append(r.events, "user")
	r.user = a
}

func (r *recordingObserver) CredentialExpired(_ context.Context, cred domain.Credential) {
	r.events = append(r.events, "expired")
	r.expired = cred
}

func (r *recordingObserver) CredentialInvalid(_ context.Context, _ domain.Credential, reason string) {
	r.events = append(r.events, "invalid")
	r.reason = reason
}

// fakeUpstream implements both AccountService and HistoryService.
type fakeUpstream struct {
	grantErr error
	loginErr error
	pools    []domain.Pool
	records  map[string][]domain.HistoryRecord
	pageErr  error
}

func (f *fakeUpstream) GrantAppToken(_ context.Context, cred domain.Credential) (domain.AppToken, error) {
	if f.grantErr != nil {
		return domain.AppToken{}, f.grantErr
	}
	return domain.AppToken{Token: "app:" + cred.Content}, nil
}

func (f *fakeUpstream) BindingList(context.Context, domain.AppToken) ([]domain.AppBinding, error) {
	return []domain.AppBinding{{Accounts: []domain.Account{{UID: "resolved-uid", NickName: "Doctor"}}}}, nil
}

func (f *fakeUpstream) RoleToken(_ context.Context, _ domain.AppToken, uid domain.UserID) (domain.RoleToken, error) {
	return domain.RoleToken{Token: "role:" + string(uid)}, nil
}

func (f *fakeUpstream) Login(context.Context, domain.RoleToken) (domain.SessionCookie, error) {
	if f.loginErr != nil {
		return domain.SessionCookie{}, f.loginErr
	}
	return domain.SessionCookie{Value: "cookie"}, nil
}

func (f *fakeUpstream) PoolList(context.Context, domain.Session) ([]domain.Pool, error) {
	return f.pools, nil
}

func (f *fakeUpstream) HistoryPage(_ context.Context, _ domain.Session, pool domain.Pool, _ int, cursor *domain.Cursor) (domain.HistoryPage, error) {
	if f.pageErr != nil {
		return domain.HistoryPage{}, f.pageErr
	}
	if cursor != nil {
		return domain.HistoryPage{}, nil
	}
	return domain.HistoryPage{Records: f.records[pool.ID]}, nil
}

func newOrchestrator(up *fakeUpstream, m *metrics.Metrics) *Orchestrator {
	return NewOrchestrator(exchange.NewChain(up, nil), collector.New(up, m, nil), m, nil)
}

var testTask = domain.Task{Credential: domain.Credential{Content: "hg-token-123456"}, UserIDHint: "hint-uid"}

func TestExecuteSuccess(t *testing.T) {
	up := &fakeUpstream{
		pools: []domain.Pool{{ID: "a"}, {ID: "b"}},
		records: map[string][]domain.HistoryRecord{
			"a": {{CharID: "a1", PoolID: "a"}},
			"b": {{CharID: "b1", PoolID: "b"}, {CharID: "b2", PoolID: "b"}},
		},
	}
	m := metrics.NewNop()
	obs := &recordingObserver{}

	res, err := newOrchestrator(up, m).Execute(context.Background(), testTask, obs)
	require.NoError(t, err)

	assert.Equal(t, domain.UserID("resolved-uid"), res.UserID)
	assert.Equal(t, obs.user.UID, res.UserID)
	assert.Equal(t, testTask.Credential, res.Credential)
	assert.False(t, res.Expired)
	require.Len(t, res.Records, 3)
	assert.Equal(t, "a1", res.Records[0].CharID)
	assert.Equal(t, "b2", res.Records[2].CharID)
	assert.Equal(t, []string{"user"}, obs.events)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Tasks.WithLabelValues(OutcomeSuccess)), 0)
}

func TestExecuteExpiredCredential(t *testing.T) {
	up := &fakeUpstream{grantErr: &domain.Error{Kind: domain.KindCredentialExpired, Op: "grant", Status: 3}}
	m := metrics.NewNop()
	obs := &recordingObserver{}

	res, err := newOrchestrator(up, m).Execute(context.Background(), testTask, obs)
	require.NoError(t, err)

	assert.True(t, res.Expired)
	assert.NotNil(t, res.Records)
	assert.Empty(t, res.Records)
	assert.Equal(t, domain.UserID("hint-uid"), res.UserID)
	assert.Equal(t, []string{"expired"}, obs.events)
	assert.Equal(t, testTask.Credential, obs.expired)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Tasks.WithLabelValues(OutcomeExpired)), 0)
}

func TestExecuteInvalidCredential(t *testing.T) {
	up := &fakeUpstream{grantErr: domain.InvalidCredential("grant", 100, "token format error")}
	obs := &recordingObserver{}

	res, err := newOrchestrator(up, nil).Execute(context.Background(), testTask, obs)
	require.NoError(t, err)

	assert.False(t, res.Expired)
	assert.Empty(t, res.Records)
	assert.Equal(t, []string{"invalid"}, obs.events)
	assert.Equal(t, "token format error", obs.reason)
}

func TestExecutePropagatesOtherFailures(t *testing.T) {
	tests := []struct {
		name string
		up   *fakeUpstream
		want error
	}{
		{
			name: "session establish failed",
			up:   &fakeUpstream{loginErr: &domain.Error{Kind: domain.KindSessionEstablishFailed, Op: "login"}},
			want: domain.ErrSessionEstablishFailed,
		},
		{
			name: "upstream grant failure",
			up:   &fakeUpstream{grantErr: domain.UpstreamError("grant", 502, errors.New("bad gateway"))},
			want: domain.ErrUpstream,
		},
		{
			name: "page failure",
			up: &fakeUpstream{
				pools:   []domain.Pool{{ID: "a"}},
				pageErr: domain.UpstreamError("history", 0, errors.New("timeout")),
			},
			want: domain.ErrUpstream,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.NewNop()
			obs := &recordingObserver{}

			_, err := newOrchestrator(tt.up, m).Execute(context.Background(), testTask, obs)
			require.ErrorIs(t, err, tt.want)
			assert.NotContains(t, obs.events, "expired")
			assert.NotContains(t, obs.events, "invalid")
			assert.InDelta(t, 1, testutil.ToFloat64(m.Tasks.WithLabelValues(OutcomeFailed)), 0)
		})
	}
}

func TestExecuteUserResolvedBeforeLateFailure(t *testing.T) {
	up := &fakeUpstream{loginErr: &domain.Error{Kind: domain.KindSessionEstablishFailed, Op: "login"}}
	obs := &recordingObserver{}

	_, err := newOrchestrator(up, nil).Execute(context.Background(), testTask, obs)
	require.Error(t, err)
	assert.Equal(t, []string{"user"}, obs.events)
	assert.Equal(t, domain.UserID("resolved-uid"), obs.user.UID)
}
