package referral

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestTaskStateForTable(t *testing.T) {
	cases := map[SubState]TaskState{
		SubNeedProviderInfo:     TaskAwaitingInput,
		SubVerificationPending:  TaskAwaitingInput,
		SubAwaitingConfirmation: TaskAwaitingInput,
		SubComplete:             TaskCompleted,
		SubEmergency:            TaskFailed,
		SubOutOfScope:           TaskRejected,
		SubInvalidRequest:       TaskRejected,
		SubUserCanceled:         TaskCanceled,
	}
	for sub, want := range cases {
		assert.Equal(t, want, TaskStateFor(sub), "sub-state %s", sub)
	}
	assert.Len(t, SubStates(), len(cases))
}

func TestTaskStateForUnknownFallsBack(t *testing.T) {
	assert.Equal(t, TaskAwaitingInput, TaskStateFor(SubState("thinking")))
}

func TestParseSubState(t *testing.T) {
	sub, ok := ParseSubState("  Need_Provider_Info ")
	require.True(t, ok)
	assert.Equal(t, SubNeedProviderInfo, sub)

	_, ok = ParseSubState("escalated")
	assert.False(t, ok)
}

func TestParseTaskStateAliases(t *testing.T) {
	for raw, want := range map[string]TaskState{
		"input_required": TaskAwaitingInput,
		"AwaitingInput":  TaskAwaitingInput,
		"cancelled":      TaskCanceled,
		"complete":       TaskCompleted,
		"Failed":         TaskFailed,
	} {
		got, ok := ParseTaskState(raw)
		require.True(t, ok, raw)
		assert.Equal(t, want, got, raw)
	}
}

func TestSubStateForIsPreimage(t *testing.T) {
	for _, ts := range []TaskState{TaskAwaitingInput, TaskCompleted, TaskFailed, TaskCanceled, TaskRejected} {
		assert.True(t, Consistent(SubStateFor(ts), ts), "task state %s", ts)
	}
}

func TestTransitionIsTableDriven(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		sub := rapid.SampledFrom(SubStates()).Draw(rt, "sub")
		c := New("conv", time.Unix(0, 0))
		if err := c.Transition(sub, time.Unix(1, 0)); err != nil {
			rt.Fatalf("transition: %v", err)
		}
		if c.TaskState != TaskStateFor(sub) {
			rt.Fatalf("task state %s for %s, want %s", c.TaskState, sub, TaskStateFor(sub))
		}
		if c.TaskState.Terminal() && c.TerminalReason == ReasonNone {
			rt.Fatalf("terminal case without reason")
		}
	})
}

func TestTerminalCaseRejectsTransitions(t *testing.T) {
	c := New("conv", time.Now())
	require.NoError(t, c.Transition(SubUserCanceled, time.Now()))
	assert.ErrorIs(t, c.Transition(SubNeedProviderInfo, time.Now()), ErrCaseTerminal)
	assert.ErrorIs(t, c.Force(TaskFailed, ReasonTurnBudget, time.Now()), ErrCaseTerminal)
	assert.Equal(t, TaskCanceled, c.TaskState)
}

func TestForceRecordsReason(t *testing.T) {
	c := New("conv", time.Now())
	require.NoError(t, c.Force(TaskFailed, ReasonTurnBudget, time.Now()))
	assert.Equal(t, SubEmergency, c.SubState)
	assert.Equal(t, ReasonTurnBudget, c.TerminalReason)
	assert.True(t, Consistent(c.SubState, c.TaskState))
}
