// Package exchange turns a raw credential into the scoped tokens needed by
// the game service: app token, bound account, role token, session cookie.
package exchange

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/gacha-agent/internal/domain"
)

// AccountService is the upstream surface used by the chain.
// Implemented by *upstream.Client.
type AccountService interface {
	GrantAppToken(ctx context.Context, cred domain.Credential) (domain.AppToken, error)
	BindingList(ctx context.Context, app domain.AppToken) ([]domain.AppBinding, error)
	RoleToken(ctx context.Context, app domain.AppToken, uid domain.UserID) (domain.RoleToken, error)
	Login(ctx context.Context, role domain.RoleToken) (domain.SessionCookie, error)
}

// UserObserver is told about the resolved account before the chain continues.
type UserObserver interface {
	UserResolved(ctx context.Context, account domain.Account)
}

// UserObserverFunc adapts a function to UserObserver.
type UserObserverFunc func(ctx context.Context, account domain.Account)

// UserResolved calls f.
func (f UserObserverFunc) UserResolved(ctx context.Context, account domain.Account) {
	f(ctx, account)
}

// Chain runs the token exchange stages in order. Each stage is a single
// network call with no retry.
type Chain struct {
	svc    AccountService
	logger *slog.Logger
}

// NewChain creates a chain over svc.
func NewChain(svc AccountService, logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{svc: svc, logger: logger}
}

// ExchangeApp grants an app token for cred.
func (c *Chain) ExchangeApp(ctx context.Context, cred domain.Credential) (domain.AppToken, error) {
	if cred.IsZero() {
		return domain.AppToken{}, domain.InvalidCredential("grant", 0, "empty credential")
	}
	return c.svc.GrantAppToken(ctx, cred)
}

// ResolveUserID picks the account to collect: the first account of the first
// bound app. Accounts are not disambiguated.
func (c *Chain) ResolveUserID(ctx context.Context, app domain.AppToken) (domain.Account, error) {
	bindings, err := c.svc.BindingList(ctx, app)
	if err != nil {
		return domain.Account{}, err
	}
	if len(bindings) == 0 || len(bindings[0].Accounts) == 0 {
		return domain.Account{}, &domain.Error{Kind: domain.KindNoBoundAccount, Op: "binding_list"}
	}
	if n := countAccounts(bindings); n > 1 {
		c.logger.Info("multiple bound accounts, using the first", "accounts", n, "app_code", bindings[0].AppCode)
	}
	return bindings[0].Accounts[0], nil
}

// ExchangeRole derives the role token for uid.
func (c *Chain) ExchangeRole(ctx context.Context, app domain.AppToken, uid domain.UserID) (domain.RoleToken, error) {
	return c.svc.RoleToken(ctx, app, uid)
}

// EstablishSession logs the role in and returns the session cookie.
func (c *Chain) EstablishSession(ctx context.Context, role domain.RoleToken) (domain.SessionCookie, error) {
	return c.svc.Login(ctx, role)
}

// Run executes all stages for cred. The observer, if any, is notified as soon
// as the account is resolved, even if a later stage fails.
func (c *Chain) Run(ctx context.Context, cred domain.Credential, observer UserObserver) (domain.Session, error) {
	app, err := c.ExchangeApp(ctx, cred)
	if err != nil {
		return domain.Session{}, fmt.Errorf("exchange app token: %w", err)
	}

	account, err := c.ResolveUserID(ctx, app)
	if err != nil {
		return domain.Session{}, fmt.Errorf("resolve user id: %w", err)
	}
	c.logger.Debug("account resolved", "uid", account.UID, "channel", account.ChannelName)
	if observer != nil {
		observer.UserResolved(ctx, account)
	}

	role, err := c.ExchangeRole(ctx, app, account.UID)
	if err != nil {
		return domain.Session{Account: account}, fmt.Errorf("exchange role token: %w", err)
	}

	cookie, err := c.EstablishSession(ctx, role)
	if err != nil {
		return domain.Session{Account: account}, fmt.Errorf("establish session: %w", err)
	}

	return domain.Session{Account: account, Role: role, Cookie: cookie}, nil
}

func countAccounts(bindings []domain.AppBinding) int {
	n := 0
	for _, b := range bindings {
		n += len(b.Accounts)
	}
	return n
}
