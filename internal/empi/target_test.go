package empi

import (
	"errors"
	"testing"
)

func TestTargetFromFHIR(t *testing.T) {
	resource := map[string]interface{}{
		"resourceType": "Patient",
		"id":           "p1",
		"name": []interface{}{
			map[string]interface{}{"family": "Doe", "given": []interface{}{"Jane", "Q"}},
		},
		"birthDate": "1980-02-01",
		"gender":    "female",
		"identifier": []interface{}{
			map[string]interface{}{"system": testEIDSystem, "value": "E1"},
			"garbage",
		},
		"telecom": []interface{}{
			map[string]interface{}{"system": "phone", "value": "555-0100"},
			map[string]interface{}{"system": "email", "value": "jane@example.org"},
		},
		"address": []interface{}{
			map[string]interface{}{"line": []interface{}{"1 Main St"}, "city": "Springfield", "postalCode": "12345"},
		},
	}
	tg, err := TargetFromFHIR(resource)
	if err != nil {
		t.Fatal(err)
	}
	if tg.Ref() != "Patient/p1" {
		t.Errorf("ref = %s", tg.Ref())
	}
	if tg.Family != "Doe" || tg.Given != "Jane" || tg.BirthDate != "1980-02-01" || tg.Gender != "female" {
		t.Errorf("demographics not extracted: %+v", tg)
	}
	if len(tg.Identifiers) != 1 || tg.Identifiers[0].Value != "E1" {
		t.Errorf("identifiers = %+v", tg.Identifiers)
	}
	if tg.Phone != "555-0100" || tg.Email != "jane@example.org" {
		t.Errorf("telecom = %q %q", tg.Phone, tg.Email)
	}
	if tg.AddressLine != "1 Main St" || tg.City != "Springfield" || tg.PostalCode != "12345" {
		t.Errorf("address = %+v", tg)
	}
}

func TestTargetFromFHIR_Rejects(t *testing.T) {
	tests := map[string]map[string]interface{}{
		"nil":         nil,
		"observation": {"resourceType": "Observation", "id": "o1"},
		"missing id":  {"resourceType": "Practitioner"},
	}
	for name, res := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := TargetFromFHIR(res); !errors.Is(err, ErrConfiguration) {
				t.Errorf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestTransactionContext(t *testing.T) {
	tc := NewTransactionContext(OperationUpdate)
	tc.AddLogMessage("first")
	tc.AddLogMessage("second")

	msgs := tc.LogMessages()
	msgs[0] = "changed"
	if got := tc.LogMessages(); len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Errorf("log messages = %v", got)
	}
}

func TestParseOperationType(t *testing.T) {
	for in, want := range map[string]OperationType{
		"CREATE": OperationCreate,
		"update": OperationUpdate,
		"cReAtE": OperationCreate,
		" Update ": OperationUpdate,
	} {
		got, err := ParseOperationType(in)
		if err != nil || got != want {
			t.Errorf("ParseOperationType(%q) = %s, %v", in, got, err)
		}
	}
	if _, err := ParseOperationType("DELETE"); !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}
}

func TestParseMatchResult(t *testing.T) {
	if r, err := ParseMatchResult(" possible_duplicate "); err != nil || r != MatchResultPossibleDuplicate {
		t.Errorf("got %s, %v", r, err)
	}
	if _, err := ParseMatchResult("MAYBE"); !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(ErrConfiguration) || IsRetryable(ErrInvariant) {
		t.Error("configuration and invariant errors are not retryable")
	}
	if !IsRetryable(ErrCollaborator) {
		t.Error("collaborator errors are retryable")
	}
}
