package channel

import (
	"context"

	"github.com/ashureev/gacha-agent/internal/domain"
	"github.com/ashureev/gacha-agent/internal/protocol"
	"github.com/ashureev/gacha-agent/internal/task"
)

// observer forwards task signals to the control server and remembers what
// they said for the task summary. Send failures are logged only; a dead
// connection cancels the task through its context.
type observer struct {
	c    *Channel
	cred domain.Credential

	uid     domain.UserID
	outcome string
	records int
}

func (o *observer) UserResolved(ctx context.Context, acc domain.Account) {
	o.uid = acc.UID
	o.emit(ctx, protocol.UserInfo{Info: acc, HgToken: o.cred})
	o.emit(ctx, protocol.TokenValid{UID: acc.UID, HgToken: o.cred})
}

func (o *observer) CredentialExpired(ctx context.Context, cred domain.Credential) {
	o.outcome = task.OutcomeExpired
	o.emit(ctx, protocol.TokenExpired{HgToken: cred})
}

func (o *observer) CredentialInvalid(ctx context.Context, cred domain.Credential, reason string) {
	o.outcome = task.OutcomeInvalid
	o.emit(ctx, protocol.TokenInvalid{HgToken: cred, Msg: reason})
}

// finished records the result of a task that did not fail.
func (o *observer) finished(res domain.TaskResult) {
	o.uid = res.UserID
	o.records = len(res.Records)
	if o.outcome == task.OutcomeFailed {
		o.outcome = task.OutcomeSuccess
	}
}

func (o *observer) emit(ctx context.Context, msg protocol.Message) {
	if err := o.c.send(ctx, msg); err != nil {
		o.c.logger.Warn("Failed to send task signal", "type", msg.Type(), "error", err)
	}
}
