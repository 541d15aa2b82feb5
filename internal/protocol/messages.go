// Package protocol defines the messages exchanged with the control server.
// Every frame is one JSON object whose "type" field selects the message.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashureev/gacha-agent/internal/domain"
)

// Message types.
const (
	TypeAuth         = "auth"
	TypeTask         = "task"
	TypeUserInfo     = "user_info"
	TypeTokenValid   = "token_valid"
	TypeTokenExpired = "token_expired"
	TypeTokenInvalid = "token_invalid"
	TypeTaskResult   = "task_result"
	TypeTaskRejected = "task_rejected"
	TypeMsg          = "msg"
)

var errNotObject = errors.New("message is not a JSON object")

// Message is implemented by every protocol message.
type Message interface {
	Type() string
}

// Auth is sent once right after the connection opens.
type Auth struct {
	AgentKey string `json:"agentKey"`
}

// Task asks the agent to collect the history behind a credential.
type Task struct {
	HgToken domain.Credential `json:"hgToken"`
	UID     domain.UserID     `json:"uid,omitempty"`
}

// UserInfo reports the resolved account before the task completes.
type UserInfo struct {
	Info    domain.Account    `json:"info"`
	HgToken domain.Credential `json:"hgToken"`
}

// TokenValid confirms that the credential produced a usable identity.
type TokenValid struct {
	UID     domain.UserID     `json:"uid"`
	HgToken domain.Credential `json:"hgToken"`
}

// TokenExpired reports a stale credential.
type TokenExpired struct {
	HgToken domain.Credential `json:"hgToken"`
}

// TokenInvalid reports a credential rejected for another reason.
type TokenInvalid struct {
	HgToken domain.Credential `json:"hgToken"`
	Msg     string            `json:"msg"`
}

// TaskResult carries the collected history of a task.
type TaskResult struct {
	Result  []domain.HistoryRecord `json:"result"`
	UID     domain.UserID          `json:"uid"`
	HgToken domain.Credential      `json:"hgToken"`
	Expired bool                   `json:"expired"`
}

// TaskRejected answers a task received while another one is running.
type TaskRejected struct {
	HgToken domain.Credential `json:"hgToken"`
	Msg     string            `json:"msg"`
}

// Msg is a free-text diagnostic.
type Msg struct {
	Msg string `json:"msg"`
}

// Unknown is a message whose type this agent does not handle.
type Unknown struct {
	Kind string `json:"-"`
}

func (Auth) Type() string         { return TypeAuth }
func (Task) Type() string         { return TypeTask }
func (UserInfo) Type() string     { return TypeUserInfo }
func (TokenValid) Type() string   { return TypeTokenValid }
func (TokenExpired) Type() string { return TypeTokenExpired }
func (TokenInvalid) Type() string { return TypeTokenInvalid }
func (TaskResult) Type() string   { return TypeTaskResult }
func (TaskRejected) Type() string { return TypeTaskRejected }
func (Msg) Type() string          { return TypeMsg }
func (u Unknown) Type() string    { return u.Kind }

// Task converts the message into a domain task.
func (t Task) Task() domain.Task {
	return domain.Task{Credential: t.HgToken, UserIDHint: t.UID}
}

// NewTaskResult builds the result message of res. Records are never null on
// the wire.
func NewTaskResult(res domain.TaskResult) TaskResult {
	records := res.Records
	if records == nil {
		records = []domain.HistoryRecord{}
	}
	return TaskResult{
		Result:  records,
		UID:     res.UserID,
		HgToken: res.Credential,
		Expired: res.Expired,
	}
}

// Encode serializes m with its "type" discriminator as the first field.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), errNotObject)
	}
	typ, err := json.Marshal(m.Type())
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(typ) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if !bytes.Equal(body, []byte("{}")) {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// Decode parses one frame. Frames with an unhandled type decode to Unknown.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	var m Message
	switch head.Type {
	case TypeAuth:
		m = &Auth{}
	case TypeTask:
		m = &Task{}
	case TypeUserInfo:
		m = &UserInfo{}
	case TypeTokenValid:
		m = &TokenValid{}
	case TypeTokenExpired:
		m = &TokenExpired{}
	case TypeTokenInvalid:
		m = &TokenInvalid{}
	case TypeTaskResult:
		m = &TaskResult{}
	case TypeTaskRejected:
		m = &TaskRejected{}
	case TypeMsg:
		m = &Msg{}
	default:
		return Unknown{Kind: head.Type}, nil
	}

	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", head.Type, err)
	}
	return m, nil
}
