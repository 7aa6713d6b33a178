package person

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/empi/internal/empi"
	"github.com/ehr/empi/internal/matching"
	"github.com/ehr/empi/internal/platform/fhir"
)

const dateLayout = "2006-01-02"

// Person maps to the person table (FHIR Person resource). It is the canonical
// identity the index links patients and practitioners to.
type Person struct {
	ID                uuid.UUID         `db:"id" json:"id"`
	Active            bool              `db:"active" json:"active"`
	NameFamily        *string           `db:"name_family" json:"name_family,omitempty"`
	NameGiven         *string           `db:"name_given" json:"name_given,omitempty"`
	Gender            *string           `db:"gender" json:"gender,omitempty"`
	BirthDate         *time.Time        `db:"birth_date" json:"birth_date,omitempty"`
	AddressLine       *string           `db:"address_line" json:"address_line,omitempty"`
	AddressCity       *string           `db:"address_city" json:"address_city,omitempty"`
	AddressPostalCode *string           `db:"address_postal_code" json:"address_postal_code,omitempty"`
	TelecomPhone      *string           `db:"telecom_phone" json:"telecom_phone,omitempty"`
	TelecomEmail      *string           `db:"telecom_email" json:"telecom_email,omitempty"`
	Identifiers       []fhir.Identifier `db:"identifiers" json:"identifiers"`
	VersionID         int               `db:"version_id" json:"version_id"`
	CreatedAt         time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updated_at"`
}

// FromTarget builds a new active person carrying the target's demographics
// and the given identifiers.
func FromTarget(t *empi.Target, identifiers []fhir.Identifier) *Person {
	p := &Person{Active: true, Identifiers: identifiers}
	p.ApplyTarget(t)
	return p
}

// ApplyTarget copies the target's demographics into fields the person does
// not have yet. Values already present are kept. It reports whether anything
// changed.
func (p *Person) ApplyTarget(t *empi.Target) bool {
	changed := false
	fill := func(dst **string, v string) {
		if *dst == nil && v != "" {
			s := v
			*dst = &s
			changed = true
		}
	}
	fill(&p.NameFamily, t.Family)
	fill(&p.NameGiven, t.Given)
	fill(&p.Gender, t.Gender)
	fill(&p.AddressLine, t.AddressLine)
	fill(&p.AddressCity, t.City)
	fill(&p.AddressPostalCode, t.PostalCode)
	fill(&p.TelecomPhone, t.Phone)
	fill(&p.TelecomEmail, t.Email)

	if p.BirthDate == nil && t.BirthDate != "" {
		if d, err := time.Parse(dateLayout, t.BirthDate); err == nil {
			p.BirthDate = &d
			changed = true
		}
	}
	return changed
}

// RefreshFromTarget overwrites person fields with the target's non-empty
// values. Fields the target leaves empty are kept. It reports whether
// anything changed.
func (p *Person) RefreshFromTarget(t *empi.Target) bool {
	changed := false
	set := func(dst **string, v string) {
		if v != "" && (*dst == nil || **dst != v) {
			s := v
			*dst = &s
			changed = true
		}
	}
	set(&p.NameFamily, t.Family)
	set(&p.NameGiven, t.Given)
	set(&p.Gender, t.Gender)
	set(&p.AddressLine, t.AddressLine)
	set(&p.AddressCity, t.City)
	set(&p.AddressPostalCode, t.PostalCode)
	set(&p.TelecomPhone, t.Phone)
	set(&p.TelecomEmail, t.Email)

	if t.BirthDate != "" {
		if d, err := time.Parse(dateLayout, t.BirthDate); err == nil && (p.BirthDate == nil || !p.BirthDate.Equal(d)) {
			p.BirthDate = &d
			changed = true
		}
	}
	return changed
}

// EMPIView returns the slice of the person the link engine works with.
func (p *Person) EMPIView() *empi.Person {
	ids := make([]fhir.Identifier, len(p.Identifiers))
	copy(ids, p.Identifiers)
	return &empi.Person{ID: p.ID, Identifiers: ids}
}

// Record returns the demographic view used for candidate scoring.
func (p *Person) Record() matching.PersonRecord {
	r := matching.PersonRecord{
		ID:          p.ID,
		Identifiers: p.Identifiers,
		FirstName:   strVal(p.NameGiven),
		LastName:    strVal(p.NameFamily),
		Gender:      strVal(p.Gender),
		Phone:       strVal(p.TelecomPhone),
		Email:       strVal(p.TelecomEmail),
		AddressLine: strVal(p.AddressLine),
		City:        strVal(p.AddressCity),
		PostalCode:  strVal(p.AddressPostalCode),
	}
	if p.BirthDate != nil {
		r.BirthDate = p.BirthDate.Format(dateLayout)
	}
	return r
}

func (p *Person) ToFHIR() map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": "Person",
		"id":           p.ID.String(),
		"active":       p.Active,
		"meta": fhir.Meta{
			VersionID:   fmt.Sprintf("%d", p.VersionID),
			LastUpdated: p.UpdatedAt,
			Profile:     []string{"http://hl7.org/fhir/StructureDefinition/Person"},
		},
	}
	if len(p.Identifiers) > 0 {
		result["identifier"] = p.Identifiers
	}
	if p.NameFamily != nil || p.NameGiven != nil {
		name := fhir.HumanName{Use: "official"}
		if p.NameFamily != nil {
			name.Family = *p.NameFamily
		}
		if p.NameGiven != nil {
			name.Given = []string{*p.NameGiven}
		}
		result["name"] = []fhir.HumanName{name}
	}
	if p.Gender != nil {
		result["gender"] = *p.Gender
	}
	if p.BirthDate != nil {
		result["birthDate"] = p.BirthDate.Format(dateLayout)
	}
	if p.AddressLine != nil || p.AddressCity != nil || p.AddressPostalCode != nil {
		addr := fhir.Address{}
		if p.AddressLine != nil {
			addr.Line = []string{*p.AddressLine}
		}
		if p.AddressCity != nil {
			addr.City = *p.AddressCity
		}
		if p.AddressPostalCode != nil {
			addr.PostalCode = *p.AddressPostalCode
		}
		result["address"] = []fhir.Address{addr}
	}
	var telecom []fhir.ContactPoint
	if p.TelecomPhone != nil {
		telecom = append(telecom, fhir.ContactPoint{System: "phone", Value: *p.TelecomPhone})
	}
	if p.TelecomEmail != nil {
		telecom = append(telecom, fhir.ContactPoint{System: "email", Value: *p.TelecomEmail})
	}
	if len(telecom) > 0 {
		result["telecom"] = telecom
	}
	return result
}

// LinkView is a link of the person as rendered in Person.link.
type LinkView struct {
	TargetRef   string
	MatchResult empi.MatchResult
	LinkSource  empi.LinkSource
}

// assurance maps a link to the FHIR identity-assurance level. Duplicate
// flags and NO_MATCH links are not rendered.
func assurance(l LinkView) (string, bool) {
	switch l.MatchResult {
	case empi.MatchResultMatch:
		if l.LinkSource == empi.LinkSourceManual {
			return "level4", true
		}
		return "level3", true
	case empi.MatchResultPossibleMatch:
		return "level2", true
	}
	return "", false
}

// ToFHIRWithLinks renders the person together with its target links.
func (p *Person) ToFHIRWithLinks(links []LinkView) map[string]interface{} {
	result := p.ToFHIR()
	var out []map[string]interface{}
	for _, l := range links {
		level, ok := assurance(l)
		if !ok {
			continue
		}
		out = append(out, map[string]interface{}{
			"target":    fhir.Reference{Reference: l.TargetRef},
			"assurance": level,
		})
	}
	if len(out) > 0 {
		result["link"] = out
	}
	return result
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
