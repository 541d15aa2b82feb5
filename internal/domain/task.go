package domain

// Task is one unit of work received from the control server.
type Task struct {
	Credential Credential
	// UserIDHint is advisory; the resolved id always wins.
	UserIDHint UserID
}

// TaskResult is the aggregated outcome of a task.
type TaskResult struct {
	UserID     UserID
	Credential Credential
	Records    []HistoryRecord
	// Expired distinguishes "credential died before any data" from "no data".
	Expired bool
}

// EmptyResult returns a result with no records for task, attributed to uid
// when known and to the task's hint otherwise.
func EmptyResult(task Task, uid UserID, expired bool) TaskResult {
	if uid == "" {
		uid = task.UserIDHint
	}
	return TaskResult{
		UserID:     uid,
		Credential: task.Credential,
		Records:    []HistoryRecord{},
		Expired:    expired,
	}
}
