package referral

import "fmt"

// Category is one block of required referral information.
type Category string

const (
	CategoryProvider  Category = "provider"
	CategoryPatient   Category = "patient"
	CategoryClinical  Category = "clinical"
	CategoryInsurance Category = "insurance"
)

// Categories is the collection order. It is a hard invariant.
var Categories = []Category{
	CategoryProvider,
	CategoryPatient,
	CategoryClinical,
	CategoryInsurance,
}

// Mandatory field keys.
const (
	FieldProviderName      = "provider_name"
	FieldProviderNPI       = "provider_npi"
	FieldPatientName       = "patient_name"
	FieldPatientDOB        = "patient_dob"
	FieldPatientPhone      = "patient_phone"
	FieldClinicalReason    = "clinical_reason"
	FieldClinicalUrgency   = "clinical_urgency"
	FieldInsuranceCarrier  = "insurance_carrier"
	FieldInsuranceMemberID = "insurance_member_id"
)

var requiredFields = map[Category][]string{
	CategoryProvider:  {FieldProviderName, FieldProviderNPI},
	CategoryPatient:   {FieldPatientName, FieldPatientDOB, FieldPatientPhone},
	CategoryClinical:  {FieldClinicalReason, FieldClinicalUrgency},
	CategoryInsurance: {FieldInsuranceCarrier, FieldInsuranceMemberID},
}

// RequiredFields returns the mandatory field keys of c.
func RequiredFields(c Category) []string {
	fields := requiredFields[c]
	out := make([]string, len(fields))
	copy(out, fields)
	return out
}

// FieldCategory returns the category that owns field.
func FieldCategory(field string) (Category, bool) {
	for _, c := range Categories {
		for _, f := range requiredFields[c] {
			if f == field {
				return c, true
			}
		}
	}
	return "", false
}

// Index returns the position of c in the collection order, or -1.
func (c Category) Index() int {
	for i, cat := range Categories {
		if cat == c {
			return i
		}
	}
	return -1
}

// ParseCategory accepts a category name in any case.
func ParseCategory(raw string) (Category, bool) {
	c := Category(normalizeKey(raw))
	if c.Index() < 0 {
		return "", false
	}
	return c, true
}

// Status is the collection progress of a category.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPartial   Status = "partially-collected"
	StatusCollected Status = "collected"
)

// ChecklistEntry pairs a category with its status.
type ChecklistEntry struct {
	Category Category `json:"category"`
	Status   Status   `json:"status"`
}

// Checklist is the ordered category list of a case.
type Checklist []ChecklistEntry

// NewChecklist returns every category Pending, in order.
func NewChecklist() Checklist {
	cl := make(Checklist, len(Categories))
	for i, c := range Categories {
		cl[i] = ChecklistEntry{Category: c, Status: StatusPending}
	}
	return cl
}

// Status returns the status of c.
func (cl Checklist) Status(c Category) Status {
	for _, e := range cl {
		if e.Category == c {
			return e.Status
		}
	}
	return StatusPending
}

// FirstIncomplete returns the earliest category not yet Collected.
func (cl Checklist) FirstIncomplete() (Category, bool) {
	for _, e := range cl {
		if e.Status != StatusCollected {
			return e.Category, true
		}
	}
	return "", false
}

// Complete reports whether every category is Collected.
func (cl Checklist) Complete() bool {
	_, incomplete := cl.FirstIncomplete()
	return !incomplete
}

// Validate checks order and the left-to-right rule: no category may be
// Collected while an earlier one is still Pending.
func (cl Checklist) Validate() error {
	if len(cl) != len(Categories) {
		return fmt.Errorf("checklist has %d categories, want %d", len(cl), len(Categories))
	}
	pendingSeen := false
	for i, e := range cl {
		if e.Category != Categories[i] {
			return fmt.Errorf("checklist position %d is %s, want %s", i, e.Category, Categories[i])
		}
		if pendingSeen && e.Status == StatusCollected {
			return fmt.Errorf("%s collected while an earlier category is pending", e.Category)
		}
		if e.Status == StatusPending {
			pendingSeen = true
		}
	}
	return nil
}

// Compute derives a checklist from the collected field set. A category with
// every mandatory field is Collected unless an earlier category is Pending,
// in which case it is held at PartiallyCollected until the gap is filled.
func Compute(fields map[string]string) Checklist {
	cl := NewChecklist()
	pendingSeen := false
	for i, c := range Categories {
		have := 0
		for _, f := range requiredFields[c] {
			if _, ok := fields[f]; ok {
				have++
			}
		}
		switch {
		case have == 0:
			cl[i].Status = StatusPending
		case have == len(requiredFields[c]) && !pendingSeen:
			cl[i].Status = StatusCollected
		default:
			cl[i].Status = StatusPartial
		}
		if cl[i].Status == StatusPending {
			pendingSeen = true
		}
	}
	return cl
}

func (cl Checklist) clone() Checklist {
	out := make(Checklist, len(cl))
	copy(out, cl)
	return out
}
