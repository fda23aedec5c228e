package oracle

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/referralgate/pkg/adapter"
	"github.com/zen-systems/referralgate/pkg/referral"
)

func fastOptions() Options {
	return Options{MaxRetries: 2, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestInvokeReturnsText(t *testing.T) {
	mock := adapter.NewScriptedMock(`{"sub_state":"complete","response":"done"}`)
	o, err := New(mock, fastOptions())
	require.NoError(t, err)

	reply, err := o.Invoke(context.Background(), adapter.Request{System: "sys", Messages: []adapter.Message{{Role: adapter.RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "complete")
	assert.Len(t, reply.PromptHash, 64)
	assert.Equal(t, 0, reply.Report.Retries)
	assert.Equal(t, "mock", reply.Report.Adapter)
}

func TestInvokeRetriesTransient(t *testing.T) {
	mock := adapter.NewScriptedMock()
	mock.Push(
		adapter.Reply{Err: &adapter.AdapterError{Adapter: "mock", Status: 503}},
		adapter.Reply{Err: &adapter.AdapterError{Adapter: "mock", Status: 429}},
		adapter.Reply{Text: "ok"},
	)
	o, err := New(mock, fastOptions())
	require.NoError(t, err)

	reply, err := o.Invoke(context.Background(), adapter.Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", reply.Text)
	assert.Equal(t, 2, reply.Report.Retries)
	assert.Len(t, mock.Requests(), 3)
}

func TestInvokeStopsOnPermanentError(t *testing.T) {
	mock := adapter.NewScriptedMock()
	mock.Push(adapter.Reply{Err: &adapter.AdapterError{Adapter: "mock", Status: 401}})
	o, err := New(mock, fastOptions())
	require.NoError(t, err)

	_, err = o.Invoke(context.Background(), adapter.Request{})
	require.Error(t, err)
	assert.Len(t, mock.Requests(), 1)
}

func TestInvokeGivesUpAfterRetries(t *testing.T) {
	mock := adapter.NewScriptedMock()
	for i := 0; i < 3; i++ {
		mock.Push(adapter.Reply{Err: &adapter.AdapterError{Adapter: "mock", Status: 500}})
	}
	o, err := New(mock, fastOptions())
	require.NoError(t, err)

	_, err = o.Invoke(context.Background(), adapter.Request{})
	var adapterErr *adapter.AdapterError
	require.True(t, errors.As(err, &adapterErr))
	assert.Equal(t, 500, adapterErr.Status)
	assert.Len(t, mock.Requests(), 3)
}

func TestInvokeAppliesDefaults(t *testing.T) {
	mock := adapter.NewMockAdapter()
	temp := 0.2
	o, err := New(mock, Options{MaxTokens: 1200, Temperature: &temp})
	require.NoError(t, err)

	_, err = o.Invoke(context.Background(), adapter.Request{})
	require.NoError(t, err)
	req := mock.Requests()[0]
	assert.Equal(t, 1200, req.MaxTokens)
	require.NotNil(t, req.Temperature)
	assert.Equal(t, 0.2, *req.Temperature)
}

func TestNewRequiresAdapter(t *testing.T) {
	_, err := New(nil, Options{})
	assert.Error(t, err)
}

func TestConversationMergesAndStartsWithUser(t *testing.T) {
	now := time.Now()
	c := referral.New("conv", now)
	c.Reply("Welcome.", now)
	c.AppendUtterance("I have a referral", now)
	c.AppendUtterance("from Dr. Smith", now)
	c.Reply("Thanks.", now)
	c.BeginTurn("Patient is Sam Roe", now)

	msgs := Conversation(c)
	require.Len(t, msgs, 3)
	assert.Equal(t, adapter.RoleUser, msgs[0].Role)
	assert.Equal(t, "I have a referral\n\nfrom Dr. Smith", msgs[0].Content)
	assert.Equal(t, adapter.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Patient is Sam Roe", msgs[2].Content)
}

func TestContinueAppendsPair(t *testing.T) {
	req := adapter.Request{Messages: []adapter.Message{{Role: adapter.RoleUser, Content: "hi"}}}
	next := Continue(req, `{"tool":"resolve_provider"}`, "result")
	require.Len(t, next.Messages, 3)
	assert.Len(t, req.Messages, 1)
	assert.Equal(t, adapter.RoleAssistant, next.Messages[1].Role)
	assert.Equal(t, "result", next.Messages[2].Content)
}

func TestSystemPromptIncludesCaseStatus(t *testing.T) {
	now := time.Now()
	c := referral.New("conv", now)
	c.BeginTurn("Dr. John Smith", now)
	c.Pending = &referral.ResolutionOutcome{
		Kind:        referral.ResolutionAmbiguous,
		ResultCount: 2,
		Candidates: []referral.ProviderCandidate{
			{Identifier: "1234567890", DisplayName: "JOHN SMITH", City: "NEW YORK", State: "NY", Active: true},
			{Identifier: "1234567891", DisplayName: "JOHN A SMITH", City: "ALBANY", State: "NY"},
		},
	}

	sys := System(c, PromptOptions{Practice: "Dr. Reed's clinic", MaxTurns: 10})
	assert.Contains(t, sys, "Dr. Reed's clinic")
	assert.Contains(t, sys, "Turn 1 of 10")
	assert.Contains(t, sys, "status=ambiguous result_count=2")
	assert.Contains(t, sys, "NPI 1234567891")
	assert.True(t, strings.Index(sys, "1. PROVIDER") < strings.Index(sys, "2. PATIENT"))
	for _, s := range referral.SubStates() {
		assert.Contains(t, sys, string(s))
	}
}

func TestSystemPromptShowsVerifiedProvider(t *testing.T) {
	c := referral.New("conv", time.Now())
	c.Verify(referral.ProviderCandidate{Identifier: "1234567890", DisplayName: "JOHN SMITH", City: "NEW YORK", State: "NY"})
	sys := System(c, PromptOptions{})
	assert.Contains(t, sys, "Verified: JOHN SMITH, NPI 1234567890")
	assert.Contains(t, sys, "provider_npi = 1234567890")
}
