package collector

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ashureev/gacha-agent/internal/domain"
	"github.com/ashureev/gacha-agent/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pageCall struct {
	pool   string
	size   int
	cursor *domain.Cursor
}

// fakeHistory serves pre-built records newest-first, paginating by cursor the
// way the game service does.
type fakeHistory struct {
	pools   []domain.Pool
	records map[string][]domain.HistoryRecord
	failAt  int // fail the n-th page call (1-based), 0 never
	calls   []pageCall
}

func (f *fakeHistory) PoolList(context.Context, domain.Session) ([]domain.Pool, error) {
	return f.pools, nil
}

func (f *fakeHistory) HistoryPage(_ context.Context, _ domain.Session, pool domain.Pool, size int, cursor *domain.Cursor) (domain.HistoryPage, error) {
	var cur *domain.Cursor
	if cursor != nil {
		c := *cursor
		cur = &c
	}
	f.calls = append(f.calls, pageCall{pool: pool.ID, size: size, cursor: cur})
	if f.failAt > 0 && len(f.calls) == f.failAt {
		return domain.HistoryPage{}, domain.UpstreamError("history", 502, errors.New("bad gateway"))
	}

	all := f.records[pool.ID]
	start := 0
	if cursor != nil {
		start = len(all)
		for i, r := range all {
			if r.GachaTs == cursor.GachaTs && r.Pos == cursor.Pos {
				start = i + 1
				break
			}
		}
	}
	end := min(start+size, len(all))
	return domain.HistoryPage{Records: all[start:end], HasMore: end < len(all)}, nil
}

// makeRecords builds n records for pool, newest first.
func makeRecords(pool string, n int) []domain.HistoryRecord {
	out := make([]domain.HistoryRecord, n)
	for i := range out {
		out[i] = domain.HistoryRecord{
			CharID:  fmt.Sprintf("%s_%d", pool, i),
			PoolID:  pool,
			GachaTs: domain.Timestamp(10_000 - i/10),
			Pos:     uint(9 - i%10),
		}
	}
	return out
}

var session = domain.Session{
	Account: domain.Account{UID: "uid-1"},
	Role:    domain.RoleToken{Token: "role"},
	Cookie:  domain.SessionCookie{Value: "cookie"},
}

func TestCollectMultiplePoolsInOrder(t *testing.T) {
	svc := &fakeHistory{
		pools: []domain.Pool{{ID: "a"}, {ID: "b"}},
		records: map[string][]domain.HistoryRecord{
			"a": makeRecords("a", 3),
			"b": makeRecords("b", 12),
		},
	}
	m := metrics.NewNop()
	c := New(svc, m, nil)

	got, err := c.Collect(context.Background(), session, svc.pools)
	require.NoError(t, err)

	want := append(append([]domain.HistoryRecord{}, svc.records["a"]...), svc.records["b"]...)
	assert.Equal(t, want, got)
	assert.Len(t, svc.calls, 3)
	assert.Equal(t, "a", svc.calls[0].pool)
	assert.Equal(t, "b", svc.calls[1].pool)
	assert.Equal(t, "b", svc.calls[2].pool)
	assert.InDelta(t, 15, testutil.ToFloat64(m.RecordsCollected), 0)
}

func TestCollectCursorComesFromLastRecord(t *testing.T) {
	records := makeRecords("a", 12)
	records[9] = domain.HistoryRecord{CharID: "boundary", PoolID: "a", GachaTs: 100, Pos: 4}
	svc := &fakeHistory{
		pools:   []domain.Pool{{ID: "a"}},
		records: map[string][]domain.HistoryRecord{"a": records},
	}

	_, err := New(svc, nil, nil).Collect(context.Background(), session, svc.pools)
	require.NoError(t, err)

	require.Len(t, svc.calls, 2)
	assert.Nil(t, svc.calls[0].cursor)
	assert.Equal(t, domain.HistoryPageSize, svc.calls[0].size)
	require.NotNil(t, svc.calls[1].cursor)
	assert.Equal(t, domain.Cursor{GachaTs: 100, Pos: 4}, *svc.calls[1].cursor)
}

func TestCollectExactMultipleOfPageSize(t *testing.T) {
	for _, n := range []int{0, 1, 10, 20, 21, 95} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			svc := &fakeHistory{
				pools:   []domain.Pool{{ID: "a"}},
				records: map[string][]domain.HistoryRecord{"a": makeRecords("a", n)},
			}

			got, err := New(svc, nil, nil).Collect(context.Background(), session, svc.pools)
			require.NoError(t, err)
			assert.Len(t, got, n)

			seen := make(map[string]bool, n)
			for _, r := range got {
				assert.False(t, seen[r.CharID], "duplicate record %s", r.CharID)
				seen[r.CharID] = true
			}
			wantPages := max(1, (n+9)/10)
			assert.Len(t, svc.calls, wantPages)
		})
	}
}

func TestCollectIsRepeatable(t *testing.T) {
	svc := &fakeHistory{
		pools:   []domain.Pool{{ID: "a"}, {ID: "b"}},
		records: map[string][]domain.HistoryRecord{"a": makeRecords("a", 25), "b": makeRecords("b", 7)},
	}
	c := New(svc, nil, nil)

	first, err := c.Collect(context.Background(), session, svc.pools)
	require.NoError(t, err)
	second, err := c.Collect(context.Background(), session, svc.pools)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCollectAbortsOnPageFailure(t *testing.T) {
	svc := &fakeHistory{
		pools:   []domain.Pool{{ID: "a"}, {ID: "b"}},
		records: map[string][]domain.HistoryRecord{"a": makeRecords("a", 3), "b": makeRecords("b", 30)},
		failAt:  3,
	}

	got, err := New(svc, nil, nil).Collect(context.Background(), session, svc.pools)
	require.ErrorIs(t, err, domain.ErrUpstream)
	assert.Nil(t, got)
	assert.Len(t, svc.calls, 3)
}

type stalledHistory struct{ fakeHistory }

func (s *stalledHistory) HistoryPage(context.Context, domain.Session, domain.Pool, int, *domain.Cursor) (domain.HistoryPage, error) {
	return domain.HistoryPage{HasMore: true}, nil
}

func TestCollectRejectsEmptyPageWithMore(t *testing.T) {
	svc := &stalledHistory{}

	_, err := New(svc, nil, nil).Collect(context.Background(), session, []domain.Pool{{ID: "a"}})
	assert.ErrorIs(t, err, domain.ErrUpstream)
}

func TestCollectRequiresSessionCookie(t *testing.T) {
	svc := &fakeHistory{}
	c := New(svc, nil, nil)

	_, err := c.Collect(context.Background(), domain.Session{}, []domain.Pool{{ID: "a"}})
	assert.ErrorIs(t, err, domain.ErrUpstream)
	_, err = c.ListPools(context.Background(), domain.Session{})
	assert.ErrorIs(t, err, domain.ErrUpstream)
	assert.Empty(t, svc.calls)
}

func TestListPools(t *testing.T) {
	svc := &fakeHistory{pools: []domain.Pool{{ID: "x", Name: "X"}, {ID: "y", Name: "Y"}}}

	pools, err := New(svc, nil, nil).ListPools(context.Background(), session)
	require.NoError(t, err)
	assert.Equal(t, svc.pools, pools)
}
