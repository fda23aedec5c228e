package referral

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func allFields() []string {
	var out []string
	for _, c := range Categories {
		out = append(out, RequiredFields(c)...)
	}
	return out
}

func TestNewChecklistOrder(t *testing.T) {
	cl := NewChecklist()
	want := Checklist{
		{Category: CategoryProvider, Status: StatusPending},
		{Category: CategoryPatient, Status: StatusPending},
		{Category: CategoryClinical, Status: StatusPending},
		{Category: CategoryInsurance, Status: StatusPending},
	}
	if diff := cmp.Diff(want, cl); diff != "" {
		t.Fatalf("checklist mismatch (-want +got):\n%s", diff)
	}
}

func TestComputeHoldsLaterCategoryWhileEarlierPending(t *testing.T) {
	cl := Compute(map[string]string{
		FieldClinicalReason:  "knee pain",
		FieldClinicalUrgency: "routine",
	})
	assert.Equal(t, StatusPending, cl.Status(CategoryProvider))
	assert.Equal(t, StatusPartial, cl.Status(CategoryClinical))
	require.NoError(t, cl.Validate())
}

func TestComputeCollectsInOrder(t *testing.T) {
	fields := map[string]string{}
	for _, f := range allFields() {
		fields[f] = "x"
	}
	cl := Compute(fields)
	assert.True(t, cl.Complete())
	require.NoError(t, cl.Validate())
}

func TestValidateRejectsOutOfOrderCollection(t *testing.T) {
	cl := NewChecklist()
	cl[2].Status = StatusCollected
	assert.Error(t, cl.Validate())

	swapped := NewChecklist()
	swapped[0], swapped[1] = swapped[1], swapped[0]
	assert.Error(t, swapped.Validate())
}

func TestComputeNeverViolatesOrdering(t *testing.T) {
	fields := allFields()
	rapid.Check(t, func(rt *rapid.T) {
		set := map[string]string{}
		for _, f := range fields {
			if rapid.Bool().Draw(rt, f) {
				set[f] = "v"
			}
		}
		cl := Compute(set)
		if err := cl.Validate(); err != nil {
			rt.Fatalf("compute(%v): %v", set, err)
		}
		first, ok := cl.FirstIncomplete()
		if !ok {
			return
		}
		for _, e := range cl[first.Index()+1:] {
			if e.Status == StatusCollected && cl.Status(first) == StatusPending {
				rt.Fatalf("%s collected before %s", e.Category, first)
			}
		}
	})
}

func TestSetFieldRequiresVerifiedIdentifier(t *testing.T) {
	c := New("conv", time.Now())
	assert.ErrorIs(t, c.SetField(FieldProviderNPI, "1234567890"), ErrUnverifiedIdentifier)
	assert.ErrorIs(t, c.SetField("favorite_color", "blue"), ErrUnknownField)

	c.Verify(ProviderCandidate{Identifier: "1234567890", DisplayName: "JANE DOE", Active: true, Source: "req-1"})
	assert.Equal(t, StatusCollected, c.Checklist.Status(CategoryProvider))
	assert.NoError(t, c.SetField(FieldProviderNPI, "1234567890"))
	assert.ErrorIs(t, c.SetField(FieldProviderNPI, "9999999999"), ErrUnverifiedIdentifier)
}

func TestRecordFieldsReportsRejected(t *testing.T) {
	c := New("conv", time.Now())
	rejected := c.RecordFields(map[string]string{
		"Patient-Name":   "Sam Roe",
		FieldProviderNPI: "1234567890",
	})
	assert.Equal(t, []string{FieldProviderNPI}, rejected)
	assert.Equal(t, "Sam Roe", c.Fields[FieldPatientName])
}

func TestCloneIsDeep(t *testing.T) {
	c := New("conv", time.Now())
	c.BeginTurn("hello", time.Now())
	c.Pending = &ResolutionOutcome{Kind: ResolutionAmbiguous, Candidates: []ProviderCandidate{{Identifier: "1"}}}
	cp := c.Clone()
	cp.Fields["patient_name"] = "changed"
	cp.History[0].Text = "changed"
	cp.Pending.Candidates[0].Identifier = "2"
	cp.Checklist[0].Status = StatusCollected

	assert.Empty(t, c.Fields)
	assert.Equal(t, "hello", c.History[0].Text)
	assert.Equal(t, "1", c.Pending.Candidates[0].Identifier)
	assert.Equal(t, StatusPending, c.Checklist[0].Status)
}
