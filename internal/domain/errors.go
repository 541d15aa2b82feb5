package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies task failures.
type ErrorKind int

const (
	// KindUpstream covers transport, parsing and unexpected-status failures.
	KindUpstream ErrorKind = iota
	// KindCredentialExpired means the account service reported the credential as stale.
	KindCredentialExpired
	// KindCredentialInvalid means the credential was rejected for another reason.
	KindCredentialInvalid
	// KindNoBoundAccount means no game account is bound to the credential.
	KindNoBoundAccount
	// KindSessionEstablishFailed means the role login returned no session cookie.
	KindSessionEstablishFailed
)

func (k ErrorKind) String() string {
	switch k {
	case KindCredentialExpired:
		return "credential_expired"
	case KindCredentialInvalid:
		return "credential_invalid"
	case KindNoBoundAccount:
		return "no_bound_account"
	case KindSessionEstablishFailed:
		return "session_establish_failed"
	default:
		return "upstream"
	}
}

// Error is the tagged error returned by the exchange chain and the collector.
type Error struct {
	Kind   ErrorKind
	Op     string // upstream operation, e.g. "grant"
	Reason string // upstream message for CredentialInvalid
	Status int    // upstream envelope status or HTTP status, 0 if none
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Reason == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrUpstream               = &Error{Kind: KindUpstream}
	ErrCredentialExpired      = &Error{Kind: KindCredentialExpired}
	ErrCredentialInvalid      = &Error{Kind: KindCredentialInvalid}
	ErrNoBoundAccount         = &Error{Kind: KindNoBoundAccount}
	ErrSessionEstablishFailed = &Error{Kind: KindSessionEstablishFailed}
)

// UpstreamError wraps err as an Upstream failure of op.
func UpstreamError(op string, status int, err error) *Error {
	return &Error{Kind: KindUpstream, Op: op, Status: status, Err: err}
}

// InvalidCredential builds a CredentialInvalid error carrying reason.
func InvalidCredential(op string, status int, reason string) *Error {
	return &Error{Kind: KindCredentialInvalid, Op: op, Status: status, Reason: reason}
}

// KindOf classifies err. Errors outside the taxonomy are Upstream.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUpstream
}

// ReasonOf returns the upstream reason carried by err, if any.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}
