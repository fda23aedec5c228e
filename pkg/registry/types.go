// Package registry is a client for the NPPES NPI registry search API.
package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Query is one registry search. FirstName and LastName are required.
type Query struct {
	FirstName string
	LastName  string
	City      string
	State     string
}

// Normalize trims every field and upper-cases State. It returns a
// ValidationError when a name is blank or State is not a two-letter code.
func (q Query) Normalize() (Query, error) {
	out := Query{
		FirstName: strings.TrimSpace(q.FirstName),
		LastName:  strings.TrimSpace(q.LastName),
		City:      strings.TrimSpace(q.City),
		State:     strings.ToUpper(strings.TrimSpace(q.State)),
	}
	if out.FirstName == "" {
		return Query{}, &ValidationError{Field: "first_name", Message: "first name is required"}
	}
	if out.LastName == "" {
		return Query{}, &ValidationError{Field: "last_name", Message: "last name is required"}
	}
	if out.State != "" && !isStateCode(out.State) {
		return Query{}, &ValidationError{Field: "state", Message: fmt.Sprintf("state %q is not a two-letter code", q.State)}
	}
	return out, nil
}

func isStateCode(s string) bool {
	if len(s) != 2 {
		return false
	}
	for i := 0; i < 2; i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	return true
}

// Result is the decoded body of a search response. Entry order is the
// registry's order.
type Result struct {
	ResultCount int        `json:"result_count"`
	Results     []Entry    `json:"results"`
	Errors      []APIError `json:"Errors,omitempty"`
	// RequestID identifies the search that produced this result.
	RequestID string `json:"-"`
}

// APIError is a validation complaint returned in a 200 response body.
type APIError struct {
	Description string `json:"description"`
	Field       string `json:"field"`
	Number      string `json:"number"`
}

// Entry is one registered professional.
type Entry struct {
	Number          Number    `json:"number"`
	EnumerationType string    `json:"enumeration_type"`
	Basic           Basic     `json:"basic"`
	Addresses       []Address `json:"addresses"`
}

// Basic holds the name and status block of an entry.
type Basic struct {
	FirstName       string `json:"first_name"`
	MiddleName      string `json:"middle_name"`
	LastName        string `json:"last_name"`
	Credential      string `json:"credential"`
	Status          string `json:"status"`
	EnumerationDate string `json:"enumeration_date"`
}

// Address is one location of an entry. The first address is the primary.
type Address struct {
	Purpose    string `json:"address_purpose"`
	Address1   string `json:"address_1"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Telephone  string `json:"telephone_number"`
}

// Number is the registry identifier. The API has emitted it both as a JSON
// number and as a string.
type Number string

// UnmarshalJSON accepts a JSON string or number.
func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*n = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*n = Number(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("registry number: %w", err)
	}
	*n = Number(num.String())
	return nil
}

// String returns the identifier text.
func (n Number) String() string {
	return string(n)
}
