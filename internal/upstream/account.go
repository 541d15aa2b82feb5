package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/ashureev/gacha-agent/internal/domain"
)

// Operation names used in errors, logs and metrics.
const (
	OpGrant       = "grant"
	OpBindingList = "binding_list"
	OpRoleToken   = "u8_token"
	OpLogin       = "login"
	OpCheck       = "check_token"
	OpPoolList    = "pool_list"
	OpHistory     = "history"
)

const (
	grantAppCode   = "be36d44aa36bfb5b"
	bindingAppCode = "arknights"
	// statusExpired is the grant status reporting a stale credential.
	statusExpired = 3
)

var (
	errMissingPayload = errors.New("missing payload on success status")
	errEmptyToken     = errors.New("empty token on success status")
)

// accountEnvelope is the reply shape of the account and binding services.
type accountEnvelope struct {
	Status int             `json:"status"`
	Msg    string          `json:"msg"`
	Data   json.RawMessage `json:"data"`
}

func (e accountEnvelope) hasData() bool {
	return len(e.Data) > 0 && string(e.Data) != "null"
}

// GrantAppToken exchanges a raw credential for an app token.
func (c *Client) GrantAppToken(ctx context.Context, cred domain.Credential) (token domain.AppToken, err error) {
	started := time.Now()
	defer func() { c.observe(OpGrant, started, err) }()

	resp, err := c.do(ctx, request{
		op:     OpGrant,
		method: http.MethodPost,
		url:    c.cfg.AccountBaseURL + "/user/oauth2/v2/grant",
		body: map[string]any{
			"appCode": grantAppCode,
			"token":   cred.Content,
			"type":    1,
		},
	})
	if err != nil {
		return domain.AppToken{}, err
	}

	var env accountEnvelope
	if err := decode(OpGrant, resp.body, &env); err != nil {
		return domain.AppToken{}, err
	}
	switch {
	case env.Status == statusExpired:
		return domain.AppToken{}, &domain.Error{Kind: domain.KindCredentialExpired, Op: OpGrant, Status: env.Status, Reason: env.Msg}
	case env.Status != 0:
		return domain.AppToken{}, domain.InvalidCredential(OpGrant, env.Status, env.Msg)
	case !env.hasData():
		return domain.AppToken{}, domain.UpstreamError(OpGrant, 0, errMissingPayload)
	}

	if err := decode(OpGrant, env.Data, &token); err != nil {
		return domain.AppToken{}, err
	}
	if token.Token == "" {
		return domain.AppToken{}, domain.UpstreamError(OpGrant, 0, errEmptyToken)
	}
	return token, nil
}

// BindingList returns the apps and accounts bound to an app token.
func (c *Client) BindingList(ctx context.Context, app domain.AppToken) (bindings []domain.AppBinding, err error) {
	started := time.Now()
	defer func() { c.observe(OpBindingList, started, err) }()

	resp, err := c.do(ctx, request{
		op:     OpBindingList,
		method: http.MethodGet,
		url:    c.cfg.BindingBaseURL + "/account/binding/v1/binding_list",
		query: url.Values{
			"token":   {app.Token},
			"appCode": {bindingAppCode},
		},
	})
	if err != nil {
		return nil, err
	}

	var env accountEnvelope
	if err := decode(OpBindingList, resp.body, &env); err != nil {
		return nil, err
	}
	if env.Status != 0 {
		return nil, &domain.Error{Kind: domain.KindUpstream, Op: OpBindingList, Status: env.Status, Reason: env.Msg}
	}
	if !env.hasData() {
		return nil, domain.UpstreamError(OpBindingList, 0, errMissingPayload)
	}

	var data struct {
		List []domain.AppBinding `json:"list"`
	}
	if err := decode(OpBindingList, env.Data, &data); err != nil {
		return nil, err
	}
	return data.List, nil
}

// RoleToken exchanges an app token and a bound account for a role token.
func (c *Client) RoleToken(ctx context.Context, app domain.AppToken, uid domain.UserID) (token domain.RoleToken, err error) {
	started := time.Now()
	defer func() { c.observe(OpRoleToken, started, err) }()

	resp, err := c.do(ctx, request{
		op:     OpRoleToken,
		method: http.MethodPost,
		url:    c.cfg.BindingBaseURL + "/account/binding/v1/u8_token_by_uid",
		body: map[string]string{
			"token": app.Token,
			"uid":   string(uid),
		},
	})
	if err != nil {
		return domain.RoleToken{}, err
	}

	var env accountEnvelope
	if err := decode(OpRoleToken, resp.body, &env); err != nil {
		return domain.RoleToken{}, err
	}
	if env.Status != 0 {
		return domain.RoleToken{}, &domain.Error{Kind: domain.KindUpstream, Op: OpRoleToken, Status: env.Status, Reason: env.Msg}
	}
	if !env.hasData() {
		return domain.RoleToken{}, domain.UpstreamError(OpRoleToken, 0, errMissingPayload)
	}
	if err := decode(OpRoleToken, env.Data, &token); err != nil {
		return domain.RoleToken{}, err
	}
	if token.Token == "" {
		return domain.RoleToken{}, domain.UpstreamError(OpRoleToken, 0, errEmptyToken)
	}
	return token, nil
}

// Login opens a game session for a role token and returns its cookie.
func (c *Client) Login(ctx context.Context, role domain.RoleToken) (cookie domain.SessionCookie, err error) {
	started := time.Now()
	defer func() { c.observe(OpLogin, started, err) }()

	resp, err := c.do(ctx, request{
		op:     OpLogin,
		method: http.MethodPost,
		url:    c.cfg.GameBaseURL + "/user/api/role/login",
		body: map[string]string{
			"token":       role.Token,
			"source_from": "",
			"share_type":  "",
			"share_by":    "",
		},
	})
	if err != nil {
		return domain.SessionCookie{}, err
	}

	for _, ck := range resp.cookies {
		if ck.Name == domain.SessionCookieName && ck.Value != "" {
			return domain.SessionCookie{Value: ck.Value}, nil
		}
	}
	return domain.SessionCookie{}, &domain.Error{
		Kind:   domain.KindSessionEstablishFailed,
		Op:     OpLogin,
		Reason: "response has no " + domain.SessionCookieName + " cookie",
	}
}

// CheckCredential asks the account service whether cred is still accepted.
// It returns nil for a live credential, a CredentialExpired error for the
// stale status and a CredentialInvalid error for any other rejection.
func (c *Client) CheckCredential(ctx context.Context, cred domain.Credential) (err error) {
	started := time.Now()
	defer func() { c.observe(OpCheck, started, err) }()

	resp, err := c.do(ctx, request{
		op:     OpCheck,
		method: http.MethodGet,
		url:    c.cfg.AccountBaseURL + "/user/info/v1/basic",
		query:  url.Values{"token": {cred.Content}},
	})
	if err != nil {
		return err
	}

	var env accountEnvelope
	if err := decode(OpCheck, resp.body, &env); err != nil {
		return err
	}
	switch env.Status {
	case 0:
		return nil
	case statusExpired:
		return &domain.Error{Kind: domain.KindCredentialExpired, Op: OpCheck, Status: env.Status, Reason: env.Msg}
	default:
		return domain.InvalidCredential(OpCheck, env.Status, env.Msg)
	}
}
