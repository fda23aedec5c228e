package intake

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zen-systems/referralgate/pkg/adapter"
	"github.com/zen-systems/referralgate/pkg/identity"
	"github.com/zen-systems/referralgate/pkg/oracle"
	"github.com/zen-systems/referralgate/pkg/referral"
	"github.com/zen-systems/referralgate/pkg/registry"
)

var fixedNow = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

func newTestController(t *testing.T, mock *adapter.MockAdapter, opts ...Option) *Controller {
	t.Helper()
	o, err := oracle.New(mock, oracle.Options{})
	require.NoError(t, err)
	all := append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	ctrl, err := New(o, all...)
	require.NoError(t, err)
	return ctrl
}

type decisionJSON struct {
	SubState      string            `json:"sub_state,omitempty"`
	TaskState     string            `json:"task_state,omitempty"`
	Response      string            `json:"response,omitempty"`
	Focus         string            `json:"focus,omitempty"`
	Collected     map[string]string `json:"collected,omitempty"`
	ProviderClaim map[string]string `json:"provider_claim,omitempty"`
}

func (d decisionJSON) String() string {
	data, err := json.Marshal(d)
	if err != nil {
		panic(err)
	}
	return string(data)
}

func toolCall(args map[string]string) string {
	data, err := json.Marshal(map[string]any{"tool": "resolve_provider", "arguments": args})
	if err != nil {
		panic(err)
	}
	return string(data)
}

type stubSearcher struct {
	mu     sync.Mutex
	result *registry.Result
	err    error
	calls  int
}

func (s *stubSearcher) Search(_ context.Context, _ registry.Query) (*registry.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func (s *stubSearcher) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func resolverFor(s *stubSearcher) *identity.Resolver {
	return identity.NewResolver(s, nil)
}

func registryResult(ids ...string) *registry.Result {
	res := &registry.Result{ResultCount: len(ids), RequestID: "req-test"}
	for _, id := range ids {
		res.Results = append(res.Results, registry.Entry{
			Number:          registry.Number(id),
			EnumerationType: "NPI-1",
			Basic:           registry.Basic{FirstName: "JOHN", LastName: "SMITH", Credential: "MD", Status: "A"},
			Addresses:       []registry.Address{{City: "NEW YORK", State: "NY"}},
		})
	}
	return res
}

func allNonProviderFields() map[string]string {
	return map[string]string{
		referral.FieldPatientName:       "Sam Roe",
		referral.FieldPatientDOB:        "02/03/1980",
		referral.FieldPatientPhone:      "212-555-0100",
		referral.FieldClinicalReason:    "palpitations",
		referral.FieldClinicalUrgency:   "routine",
		referral.FieldInsuranceCarrier:  "Aetna",
		referral.FieldInsuranceMemberID: "W123456",
	}
}

// blockingOracle parks every call until released.
type blockingOracle struct {
	started chan struct{}
	release chan struct{}
	text    string
}

func newBlockingOracle(text string) *blockingOracle {
	return &blockingOracle{started: make(chan struct{}, 16), release: make(chan struct{}), text: text}
}

func (b *blockingOracle) Invoke(ctx context.Context, _ adapter.Request) (*oracle.Reply, error) {
	b.started <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &oracle.Reply{Text: b.text}, nil
}

// countingOracle tracks how many calls overlap.
type countingOracle struct {
	mu     sync.Mutex
	active int
	max    int
	calls  int
	text   string
}

func (c *countingOracle) Invoke(ctx context.Context, _ adapter.Request) (*oracle.Reply, error) {
	c.mu.Lock()
	c.active++
	c.calls++
	if c.active > c.max {
		c.max = c.active
	}
	c.mu.Unlock()

	timer := time.NewTimer(5 * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}

	c.mu.Lock()
	c.active--
	c.mu.Unlock()
	return &oracle.Reply{Text: c.text}, ctx.Err()
}

func (c *countingOracle) Max() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.max
}

func (f *cancelFlags) isSet(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flags[key]
}
