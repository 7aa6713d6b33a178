package fhir

import (
	"fmt"
	"strings"
)

// IdentifierFromValue interprets v as a FHIR Identifier. It accepts the typed
// struct (value or pointer) and the generic map produced by decoding JSON.
func IdentifierFromValue(v interface{}) (Identifier, error) {
	switch id := v.(type) {
	case Identifier:
		return id, nil
	case *Identifier:
		if id == nil {
			return Identifier{}, fmt.Errorf("nil identifier")
		}
		return *id, nil
	case map[string]interface{}:
		system, sok := id["system"].(string)
		value, vok := id["value"].(string)
		if !sok && !vok {
			return Identifier{}, fmt.Errorf("map has neither system nor value")
		}
		use, _ := id["use"].(string)
		return Identifier{Use: use, System: system, Value: value}, nil
	}
	return Identifier{}, fmt.Errorf("%T is not an Identifier", v)
}

// CodingFromValue interprets v as a FHIR Coding.
func CodingFromValue(v interface{}) (Coding, error) {
	switch c := v.(type) {
	case Coding:
		return c, nil
	case *Coding:
		if c == nil {
			return Coding{}, fmt.Errorf("nil coding")
		}
		return *c, nil
	case map[string]interface{}:
		code, ok := c["code"].(string)
		if !ok {
			return Coding{}, fmt.Errorf("map has no code")
		}
		system, _ := c["system"].(string)
		display, _ := c["display"].(string)
		return Coding{System: system, Code: code, Display: display}, nil
	}
	return Coding{}, fmt.Errorf("%T is not a Coding", v)
}

// HumanNameFromValue interprets v as a FHIR HumanName.
func HumanNameFromValue(v interface{}) (HumanName, error) {
	switch n := v.(type) {
	case HumanName:
		return n, nil
	case *HumanName:
		if n == nil {
			return HumanName{}, fmt.Errorf("nil name")
		}
		return *n, nil
	case map[string]interface{}:
		name := HumanName{}
		name.Use, _ = n["use"].(string)
		name.Family, _ = n["family"].(string)
		if givens, ok := n["given"].([]interface{}); ok {
			for _, g := range givens {
				if s, ok := g.(string); ok {
					name.Given = append(name.Given, s)
				}
			}
		}
		if name.Family == "" && len(name.Given) == 0 {
			return HumanName{}, fmt.Errorf("map has neither family nor given")
		}
		return name, nil
	}
	return HumanName{}, fmt.Errorf("%T is not a HumanName", v)
}

// FormatReference creates a FHIR reference string.
func FormatReference(resourceType, id string) string {
	return fmt.Sprintf("%s/%s", resourceType, id)
}

// ParseReference splits "Type/id" into its parts.
func ParseReference(ref string) (resourceType, id string, err error) {
	parts := strings.Split(ref, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid reference %q", ref)
	}
	return parts[0], parts[1], nil
}
