package empi

import (
	"fmt"
	"strings"

	"github.com/ehr/empi/internal/platform/fhir"
)

// FieldMatcher compares two identity fields. A non-empty system restricts the
// comparison to values issued by that system. An error means the inputs are
// not of the shape the matcher handles, which is a configuration problem.
type FieldMatcher interface {
	Matches(left, right interface{}, exact bool, system string) (bool, error)
}

// FieldMatcherFunc adapts a plain function to FieldMatcher.
type FieldMatcherFunc func(left, right interface{}, exact bool, system string) (bool, error)

func (f FieldMatcherFunc) Matches(left, right interface{}, exact bool, system string) (bool, error) {
	return f(left, right, exact, system)
}

// MatcherKind names one of the built-in matchers.
type MatcherKind string

const (
	MatcherIdentifier MatcherKind = "IDENTIFIER"
	MatcherCoding     MatcherKind = "CODING"
	MatcherName       MatcherKind = "NAME"
	MatcherString     MatcherKind = "STRING"
)

var matchers = map[MatcherKind]FieldMatcher{
	MatcherIdentifier: FieldMatcherFunc(matchIdentifier),
	MatcherCoding:     FieldMatcherFunc(matchCoding),
	MatcherName:       FieldMatcherFunc(matchName),
	MatcherString:     FieldMatcherFunc(matchString),
}

// MatcherFor returns the matcher registered for kind.
func MatcherFor(kind MatcherKind) (FieldMatcher, error) {
	m, ok := matchers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown matcher %q", ErrConfiguration, kind)
	}
	return m, nil
}

// matchIdentifier compares (system, value) pairs with exact string equality.
// exact is ignored: identifiers are never compared loosely.
func matchIdentifier(left, right interface{}, _ bool, system string) (bool, error) {
	l, err := fhir.IdentifierFromValue(left)
	if err != nil {
		return false, fmt.Errorf("%w: identifier matcher: %v", ErrConfiguration, err)
	}
	r, err := fhir.IdentifierFromValue(right)
	if err != nil {
		return false, fmt.Errorf("%w: identifier matcher: %v", ErrConfiguration, err)
	}
	if system != "" && l.System != system {
		return false, nil
	}
	return l.System == r.System && l.Value == r.Value, nil
}

func matchCoding(left, right interface{}, exact bool, system string) (bool, error) {
	l, err := fhir.CodingFromValue(left)
	if err != nil {
		return false, fmt.Errorf("%w: coding matcher: %v", ErrConfiguration, err)
	}
	r, err := fhir.CodingFromValue(right)
	if err != nil {
		return false, fmt.Errorf("%w: coding matcher: %v", ErrConfiguration, err)
	}
	if system != "" && l.System != system {
		return false, nil
	}
	if l.System != r.System {
		return false, nil
	}
	if exact {
		return l.Code == r.Code, nil
	}
	return strings.EqualFold(l.Code, r.Code), nil
}

// matchName compares family and first given name. system is not meaningful
// for names and is ignored.
func matchName(left, right interface{}, exact bool, _ string) (bool, error) {
	l, err := fhir.HumanNameFromValue(left)
	if err != nil {
		return false, fmt.Errorf("%w: name matcher: %v", ErrConfiguration, err)
	}
	r, err := fhir.HumanNameFromValue(right)
	if err != nil {
		return false, fmt.Errorf("%w: name matcher: %v", ErrConfiguration, err)
	}
	eq := strings.EqualFold
	if exact {
		eq = func(a, b string) bool { return a == b }
	}
	if !eq(l.Family, r.Family) {
		return false, nil
	}
	return eq(firstGiven(l), firstGiven(r)), nil
}

func firstGiven(n fhir.HumanName) string {
	if len(n.Given) == 0 {
		return ""
	}
	return n.Given[0]
}

func matchString(left, right interface{}, exact bool, _ string) (bool, error) {
	l, lok := left.(string)
	r, rok := right.(string)
	if !lok || !rok {
		return false, fmt.Errorf("%w: string matcher: got %T and %T", ErrConfiguration, left, right)
	}
	if exact {
		return l == r, nil
	}
	return strings.EqualFold(strings.TrimSpace(l), strings.TrimSpace(r)), nil
}
