package empi

import (
	"fmt"

	"github.com/ehr/empi/internal/platform/fhir"
)

// TargetFromFHIR extracts the demographics of a Patient or Practitioner
// resource decoded as a generic JSON map.
func TargetFromFHIR(resource map[string]interface{}) (*Target, error) {
	if resource == nil {
		return nil, fmt.Errorf("%w: resource is required", ErrConfiguration)
	}
	rt, _ := resource["resourceType"].(string)
	if !IsEMPIAccessible(rt) {
		return nil, fmt.Errorf("%w: resource type %q is not managed by the master index", ErrConfiguration, rt)
	}
	id, _ := resource["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("%w: %s resource has no id", ErrConfiguration, rt)
	}

	t := &Target{ResourceType: rt, ID: id, Resource: resource}

	if names, ok := resource["name"].([]interface{}); ok && len(names) > 0 {
		if name, ok := names[0].(map[string]interface{}); ok {
			t.Family, _ = name["family"].(string)
			if givens, ok := name["given"].([]interface{}); ok && len(givens) > 0 {
				t.Given, _ = givens[0].(string)
			}
		}
	}

	t.BirthDate, _ = resource["birthDate"].(string)
	t.Gender, _ = resource["gender"].(string)

	if idents, ok := resource["identifier"].([]interface{}); ok {
		for _, raw := range idents {
			ident, err := fhir.IdentifierFromValue(raw)
			if err != nil {
				continue
			}
			t.Identifiers = append(t.Identifiers, ident)
		}
	}

	if telecoms, ok := resource["telecom"].([]interface{}); ok {
		for _, raw := range telecoms {
			tc, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			system, _ := tc["system"].(string)
			value, _ := tc["value"].(string)
			switch system {
			case "phone":
				if t.Phone == "" {
					t.Phone = value
				}
			case "email":
				if t.Email == "" {
					t.Email = value
				}
			}
		}
	}

	if addrs, ok := resource["address"].([]interface{}); ok && len(addrs) > 0 {
		if addr, ok := addrs[0].(map[string]interface{}); ok {
			if lines, ok := addr["line"].([]interface{}); ok && len(lines) > 0 {
				t.AddressLine, _ = lines[0].(string)
			}
			t.City, _ = addr["city"].(string)
			t.PostalCode, _ = addr["postalCode"].(string)
		}
	}

	return t, nil
}
