package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ashureev/gacha-agent/internal/domain"
)

// gameEnvelope is the reply shape of the game service.
type gameEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (c *Client) gameCall(ctx context.Context, r request, out any) error {
	resp, err := c.do(ctx, r)
	if err != nil {
		return err
	}

	var env gameEnvelope
	if err := decode(r.op, resp.body, &env); err != nil {
		return err
	}
	if env.Code != 0 {
		return &domain.Error{Kind: domain.KindUpstream, Op: r.op, Status: env.Code, Reason: env.Msg}
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return domain.UpstreamError(r.op, 0, errMissingPayload)
	}
	return decode(r.op, env.Data, out)
}

// PoolList returns the gacha pools of an account.
func (c *Client) PoolList(ctx context.Context, sess domain.Session) (pools []domain.Pool, err error) {
	started := time.Now()
	defer func() { c.observe(OpPoolList, started, err) }()

	err = c.gameCall(ctx, request{
		op:     OpPoolList,
		method: http.MethodGet,
		url:    c.cfg.GameBaseURL + "/user/api/inquiry/gacha/cate",
		query:  url.Values{"uid": {string(sess.UserID())}},
		header: sessionHeader(sess.Role, sess.Cookie),
	}, &pools)
	if err != nil {
		return nil, err
	}
	return pools, nil
}

// HistoryPage fetches one page of a pool's history. A nil cursor requests
// the newest page.
func (c *Client) HistoryPage(ctx context.Context, sess domain.Session, pool domain.Pool, size int, cursor *domain.Cursor) (page domain.HistoryPage, err error) {
	started := time.Now()
	defer func() { c.observe(OpHistory, started, err) }()

	query := url.Values{
		"uid":      {string(sess.UserID())},
		"category": {pool.ID},
		"size":     {strconv.Itoa(size)},
	}
	if cursor != nil {
		query.Set("gachaTs", strconv.FormatUint(uint64(cursor.GachaTs), 10))
		query.Set("pos", strconv.FormatUint(uint64(cursor.Pos), 10))
	}

	err = c.gameCall(ctx, request{
		op:     OpHistory,
		method: http.MethodGet,
		url:    c.cfg.GameBaseURL + "/user/api/inquiry/gacha/history",
		query:  query,
		header: sessionHeader(sess.Role, sess.Cookie),
	}, &page)
	if err != nil {
		return domain.HistoryPage{}, err
	}
	return page, nil
}
