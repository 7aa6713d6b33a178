package person

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/empi/internal/empi"
	"github.com/ehr/empi/internal/platform/fhir"
)

func TestPerson_ApplyTarget(t *testing.T) {
	p := &Person{}
	changed := p.ApplyTarget(&empi.Target{Family: "Doe", BirthDate: "not-a-date", City: "Boston"})
	if !changed {
		t.Fatal("expected a change")
	}
	if strVal(p.NameFamily) != "Doe" || strVal(p.AddressCity) != "Boston" {
		t.Errorf("unexpected person %+v", p)
	}
	if p.BirthDate != nil {
		t.Error("an unparseable birth date must be ignored")
	}
	if p.ApplyTarget(&empi.Target{Family: "Other"}) {
		t.Error("expected no change when the field is already set")
	}
}

func TestPerson_RefreshFromTarget(t *testing.T) {
	p := &Person{}
	p.ApplyTarget(&empi.Target{Family: "Smith", Given: "Ann", City: "Boston", BirthDate: "1980-01-15"})

	if !p.RefreshFromTarget(&empi.Target{Family: "Jones", City: "Denver", BirthDate: "1981-02-03"}) {
		t.Fatal("expected a change")
	}
	if strVal(p.NameFamily) != "Jones" || strVal(p.AddressCity) != "Denver" {
		t.Errorf("changed values not applied: %+v", p)
	}
	if strVal(p.NameGiven) != "Ann" {
		t.Error("a value the target leaves empty must be kept")
	}
	if p.BirthDate == nil || p.BirthDate.Format(dateLayout) != "1981-02-03" {
		t.Errorf("birth date not refreshed: %v", p.BirthDate)
	}
	if p.RefreshFromTarget(&empi.Target{Family: "Jones", BirthDate: "1981-02-03"}) {
		t.Error("expected no change for identical values")
	}
}

func TestPerson_ToFHIR(t *testing.T) {
	family, given, phone := "Doe", "Jane", "555-0100"
	bd := time.Date(1990, 3, 4, 0, 0, 0, 0, time.UTC)
	p := &Person{
		ID:           uuid.New(),
		Active:       true,
		NameFamily:   &family,
		NameGiven:    &given,
		BirthDate:    &bd,
		TelecomPhone: &phone,
		Identifiers:  []fhir.Identifier{{System: empi.InternalEIDSystem, Value: "x"}},
		VersionID:    2,
	}
	r := p.ToFHIR()
	if r["resourceType"] != "Person" || r["id"] != p.ID.String() {
		t.Errorf("unexpected header %v %v", r["resourceType"], r["id"])
	}
	if r["birthDate"] != "1990-03-04" {
		t.Errorf("unexpected birthDate %v", r["birthDate"])
	}
	names, ok := r["name"].([]fhir.HumanName)
	if !ok || names[0].Family != "Doe" || names[0].Given[0] != "Jane" {
		t.Errorf("unexpected name %v", r["name"])
	}
	if _, ok := r["identifier"]; !ok {
		t.Error("expected identifiers")
	}
	if _, ok := r["address"]; ok {
		t.Error("expected no address")
	}
	meta, ok := r["meta"].(fhir.Meta)
	if !ok || meta.VersionID != "2" || len(meta.Profile) != 1 {
		t.Errorf("unexpected meta %v", r["meta"])
	}
}

func TestPerson_ToFHIRWithLinks(t *testing.T) {
	p := &Person{ID: uuid.New(), Active: true}
	r := p.ToFHIRWithLinks([]LinkView{
		{TargetRef: "Patient/1", MatchResult: empi.MatchResultMatch, LinkSource: empi.LinkSourceAuto},
		{TargetRef: "Patient/2", MatchResult: empi.MatchResultMatch, LinkSource: empi.LinkSourceManual},
		{TargetRef: "Patient/3", MatchResult: empi.MatchResultPossibleMatch, LinkSource: empi.LinkSourceAuto},
		{TargetRef: "Person/" + uuid.NewString(), MatchResult: empi.MatchResultPossibleDuplicate, LinkSource: empi.LinkSourceAuto},
		{TargetRef: "Patient/4", MatchResult: empi.MatchResultNoMatch, LinkSource: empi.LinkSourceManual},
	})
	links, ok := r["link"].([]map[string]interface{})
	if !ok {
		t.Fatalf("expected links, got %T", r["link"])
	}
	want := []string{"level3", "level4", "level2"}
	if len(links) != len(want) {
		t.Fatalf("expected %d links, got %d", len(want), len(links))
	}
	for i, w := range want {
		if links[i]["assurance"] != w {
			t.Errorf("link %d: expected %s, got %v", i, w, links[i]["assurance"])
		}
	}
}

func TestPerson_EMPIViewCopiesIdentifiers(t *testing.T) {
	p := &Person{ID: uuid.New(), Identifiers: []fhir.Identifier{{System: "s", Value: "v"}}}
	v := p.EMPIView()
	v.Identifiers[0].Value = "changed"
	if p.Identifiers[0].Value != "v" {
		t.Error("view must not alias the person's identifiers")
	}
}
