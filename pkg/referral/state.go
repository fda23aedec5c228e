package referral

import "strings"

// TaskState is the externally visible state of a referral task.
type TaskState string

const (
	TaskAwaitingInput TaskState = "input-required"
	TaskCompleted     TaskState = "completed"
	TaskFailed        TaskState = "failed"
	TaskCanceled      TaskState = "canceled"
	TaskRejected      TaskState = "rejected"
)

// Terminal reports whether no further transition is legal from s.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCanceled, TaskRejected:
		return true
	default:
		return false
	}
}

// ParseTaskState accepts the spellings oracles commonly emit.
func ParseTaskState(raw string) (TaskState, bool) {
	norm := strings.ToLower(strings.TrimSpace(raw))
	norm = strings.NewReplacer("_", "-", " ", "-").Replace(norm)
	switch norm {
	case "input-required", "awaiting-input", "awaitinginput", "inputrequired":
		return TaskAwaitingInput, true
	case "completed", "complete":
		return TaskCompleted, true
	case "failed", "failure":
		return TaskFailed, true
	case "canceled", "cancelled":
		return TaskCanceled, true
	case "rejected":
		return TaskRejected, true
	default:
		return "", false
	}
}

// SubState is the controller's internal decision state for a turn.
type SubState string

const (
	SubNeedProviderInfo     SubState = "need-provider-info"
	SubVerificationPending  SubState = "verification-pending"
	SubAwaitingConfirmation SubState = "awaiting-confirmation"
	SubComplete             SubState = "complete"
	SubEmergency            SubState = "emergency"
	SubOutOfScope           SubState = "out-of-scope"
	SubUserCanceled         SubState = "user-canceled"
	SubInvalidRequest       SubState = "invalid-request"
)

// stateTable is authoritative: whatever the oracle claims, the task state
// of a decision is the value keyed by its sub-state.
var stateTable = map[SubState]TaskState{
	SubNeedProviderInfo:     TaskAwaitingInput,
	SubVerificationPending:  TaskAwaitingInput,
	SubAwaitingConfirmation: TaskAwaitingInput,
	SubComplete:             TaskCompleted,
	SubEmergency:            TaskFailed,
	SubOutOfScope:           TaskRejected,
	SubInvalidRequest:       TaskRejected,
	SubUserCanceled:         TaskCanceled,
}

// SubStates lists the closed set in a stable order.
func SubStates() []SubState {
	return []SubState{
		SubNeedProviderInfo,
		SubVerificationPending,
		SubAwaitingConfirmation,
		SubComplete,
		SubEmergency,
		SubOutOfScope,
		SubUserCanceled,
		SubInvalidRequest,
	}
}

// ParseSubState maps raw oracle text onto the closed set.
func ParseSubState(raw string) (SubState, bool) {
	norm := strings.ToLower(strings.TrimSpace(raw))
	norm = strings.NewReplacer("_", "-", " ", "-").Replace(norm)
	sub := SubState(norm)
	if _, ok := stateTable[sub]; !ok {
		return "", false
	}
	return sub, true
}

// Valid reports membership in the closed set.
func (s SubState) Valid() bool {
	_, ok := stateTable[s]
	return ok
}

// TaskStateFor returns the table value for sub. Unknown sub-states map to
// the table value of the default sub-state.
func TaskStateFor(sub SubState) TaskState {
	if ts, ok := stateTable[sub]; ok {
		return ts
	}
	return stateTable[SubNeedProviderInfo]
}

// SubStateFor returns the canonical sub-state the controller records when it
// imposes a task state itself (turn budget, processing errors, cancellation).
func SubStateFor(ts TaskState) SubState {
	switch ts {
	case TaskCompleted:
		return SubComplete
	case TaskFailed:
		return SubEmergency
	case TaskCanceled:
		return SubUserCanceled
	case TaskRejected:
		return SubInvalidRequest
	default:
		return SubNeedProviderInfo
	}
}

// Consistent reports whether the pair agrees with the table.
func Consistent(sub SubState, ts TaskState) bool {
	want, ok := stateTable[sub]
	return ok && want == ts
}
