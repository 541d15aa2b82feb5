package domain

import "time"

// RunningTask describes the task in flight, without secrets.
type RunningTask struct {
	Credential string    `json:"credential"`
	UserIDHint UserID    `json:"uid_hint,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

// TaskSummary describes a finished task, without secrets.
type TaskSummary struct {
	Credential string        `json:"credential"`
	UserID     UserID        `json:"uid,omitempty"`
	Outcome    string        `json:"outcome"`
	Records    int           `json:"records"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration_ns"`
}

// AgentStatus is the externally visible state of the agent.
type AgentStatus struct {
	Mode         string        `json:"mode"`
	State        string        `json:"state"`
	Task         *RunningTask  `json:"task,omitempty"`
	TasksHandled int64         `json:"tasks_handled"`
	Rejected     int64         `json:"tasks_rejected"`
	Recent       []TaskSummary `json:"recent"`
}

// NewRunningTask describes t as started now.
func NewRunningTask(t Task) *RunningTask {
	return &RunningTask{
		Credential: t.Credential.Masked(),
		UserIDHint: t.UserIDHint,
		StartedAt:  time.Now(),
	}
}

// Finish summarizes the task as ended now.
func (r *RunningTask) Finish(uid UserID, outcome string, records int) TaskSummary {
	now := time.Now()
	return TaskSummary{
		Credential: r.Credential,
		UserID:     uid,
		Outcome:    outcome,
		Records:    records,
		FinishedAt: now,
		Duration:   now.Sub(r.StartedAt),
	}
}
