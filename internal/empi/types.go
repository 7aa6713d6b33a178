// Package empi decides how incoming Patient and Practitioner records are linked
// to canonical Person records in the master index.
package empi

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/empi/internal/platform/fhir"
)

// MatchResult is the confidence recorded on a Link.
type MatchResult string

const (
	MatchResultMatch             MatchResult = "MATCH"
	MatchResultPossibleMatch     MatchResult = "POSSIBLE_MATCH"
	MatchResultPossibleDuplicate MatchResult = "POSSIBLE_DUPLICATE"
	MatchResultNoMatch           MatchResult = "NO_MATCH"
)

func (r MatchResult) Valid() bool {
	switch r {
	case MatchResultMatch, MatchResultPossibleMatch, MatchResultPossibleDuplicate, MatchResultNoMatch:
		return true
	}
	return false
}

// ParseMatchResult converts a stored or user-supplied value into a MatchResult.
func ParseMatchResult(s string) (MatchResult, error) {
	r := MatchResult(strings.ToUpper(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: unknown match result %q", ErrConfiguration, s)
	}
	return r, nil
}

// LinkSource records who decided a Link. MANUAL links are never altered by the engine.
type LinkSource string

const (
	LinkSourceAuto   LinkSource = "AUTO"
	LinkSourceManual LinkSource = "MANUAL"
)

// Link relates one canonical person to one target record. TargetRef is a
// relative FHIR reference such as "Patient/123" or, for duplicate flags,
// "Person/<uuid>".
type Link struct {
	ID          uuid.UUID   `json:"id"`
	PersonID    uuid.UUID   `json:"person_id"`
	TargetRef   string      `json:"target_ref"`
	MatchResult MatchResult `json:"match_result"`
	LinkSource  LinkSource  `json:"link_source"`
	Version     int         `json:"version"`
}

func (l *Link) String() string {
	return fmt.Sprintf("%s -> %s [%s/%s]", PersonRef(l.PersonID), l.TargetRef, l.MatchResult, l.LinkSource)
}

// PersonRef formats the reference used when a person is itself the target of a link.
func PersonRef(id uuid.UUID) string {
	return fhir.FormatReference("Person", id.String())
}

// MatchedPersonCandidate is a person proposed by a CandidateFinder together
// with its verdict. It is consumed once per decision cycle.
type MatchedPersonCandidate struct {
	PersonID    uuid.UUID
	MatchResult MatchResult
	Score       float64
}

// IsMatch reports whether the finder was certain about this candidate.
func (c MatchedPersonCandidate) IsMatch() bool {
	return c.MatchResult == MatchResultMatch
}

// CanonicalEID is an externally issued identifier in comparable form.
type CanonicalEID struct {
	System string `json:"system"`
	Value  string `json:"value"`
}

func (e CanonicalEID) String() string {
	return e.System + "|" + e.Value
}

// Identifier converts the EID back into its FHIR shape.
func (e CanonicalEID) Identifier() fhir.Identifier {
	return fhir.Identifier{Use: "official", System: e.System, Value: e.Value}
}

// Target is an incoming identity-bearing record. Only the demographics the
// index needs are kept; the full resource travels alongside for callers that
// want it.
type Target struct {
	ResourceType string                 `json:"resourceType"`
	ID           string                 `json:"id"`
	Identifiers  []fhir.Identifier      `json:"identifier,omitempty"`
	Family       string                 `json:"family,omitempty"`
	Given        string                 `json:"given,omitempty"`
	BirthDate    string                 `json:"birthDate,omitempty"`
	Gender       string                 `json:"gender,omitempty"`
	Phone        string                 `json:"phone,omitempty"`
	Email        string                 `json:"email,omitempty"`
	AddressLine  string                 `json:"addressLine,omitempty"`
	City         string                 `json:"city,omitempty"`
	PostalCode   string                 `json:"postalCode,omitempty"`
	Resource     map[string]interface{} `json:"-"`
}

// Ref returns the relative reference of the target, e.g. "Patient/123".
func (t *Target) Ref() string {
	return fhir.FormatReference(t.ResourceType, t.ID)
}

var empiResourceTypes = map[string]bool{
	"Patient":      true,
	"Practitioner": true,
}

// IsEMPIAccessible reports whether resources of this type are resolved by the index.
func IsEMPIAccessible(resourceType string) bool {
	return empiResourceTypes[resourceType]
}

// Person is the view of a canonical person the engine works with.
type Person struct {
	ID          uuid.UUID
	Identifiers []fhir.Identifier
}

// Ref returns "Person/<id>".
func (p *Person) Ref() string {
	return PersonRef(p.ID)
}
