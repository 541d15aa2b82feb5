// Package domain contains core domain types for the gacha collection agent.
package domain

// Credential is the raw user token that starts the exchange chain.
// It is never mutated and lives for exactly one task.
type Credential struct {
	Content string `json:"content"`
}

// Masked returns a log-safe form of the credential.
func (c Credential) Masked() string {
	if len(c.Content) <= 8 {
		return "****"
	}
	return c.Content[:4] + "****" + c.Content[len(c.Content)-4:]
}

// IsZero reports whether the credential carries no token.
func (c Credential) IsZero() bool {
	return c.Content == ""
}

// AppToken is the app-level token granted for a Credential.
type AppToken struct {
	HgID  string `json:"hgId"`
	Token string `json:"token"`
}

// UserID identifies a bound game account.
type UserID string

// RoleToken is the per-account token derived from an AppToken and a UserID.
type RoleToken struct {
	Token string `json:"token"`
}

// SessionCookieName is the cookie set by the role login call.
const SessionCookieName = "ak-user-center"

// SessionCookie is the login cookie required by every history call.
type SessionCookie struct {
	Value string
}

// Account is a game account bound to an app token.
type Account struct {
	UID             UserID `json:"uid"`
	NickName        string `json:"nickName"`
	ChannelName     string `json:"channelName"`
	ChannelMasterID int    `json:"channelMasterId"`
	IsDefault       bool   `json:"isDefault"`
	IsDeleted       bool   `json:"isDeleted"`
	IsOfficial      bool   `json:"isOfficial"`
}

// AppBinding groups the accounts bound under one app.
type AppBinding struct {
	AppCode  string    `json:"appCode"`
	AppName  string    `json:"appName"`
	Accounts []Account `json:"bindingList"`
}

// Session holds the final scoped tokens of one exchange.
type Session struct {
	Account Account
	Role    RoleToken
	Cookie  SessionCookie
}

// UserID returns the resolved account id.
func (s Session) UserID() UserID {
	return s.Account.UID
}
