package empi

import "github.com/google/uuid"

// CandidateCase is the shape of a candidate list, computed once per cycle.
type CandidateCase int

const (
	CaseNoCandidates CandidateCase = iota
	CaseSingleCandidate
	CaseMultipleSamePerson
	CaseMultipleDistinctPersons
)

func (c CandidateCase) String() string {
	switch c {
	case CaseNoCandidates:
		return "no candidates"
	case CaseSingleCandidate:
		return "single candidate"
	case CaseMultipleSamePerson:
		return "multiple candidates, same person"
	case CaseMultipleDistinctPersons:
		return "multiple candidates, distinct persons"
	}
	return "unknown"
}

// ClassifyCandidates reports the case for candidates.
func ClassifyCandidates(candidates []MatchedPersonCandidate) CandidateCase {
	switch len(candidates) {
	case 0:
		return CaseNoCandidates
	case 1:
		return CaseSingleCandidate
	}
	first := candidates[0].PersonID
	for _, c := range candidates[1:] {
		if c.PersonID != first {
			return CaseMultipleDistinctPersons
		}
	}
	return CaseMultipleSamePerson
}

// DistinctPersons returns candidate person ids without repeats, keeping the
// order of first appearance so the anchor is always the first candidate.
func DistinctPersons(candidates []MatchedPersonCandidate) []uuid.UUID {
	var out []uuid.UUID
	seen := make(map[uuid.UUID]bool, len(candidates))
	for _, c := range candidates {
		if seen[c.PersonID] {
			continue
		}
		seen[c.PersonID] = true
		out = append(out, c.PersonID)
	}
	return out
}

// UpdateAction is the outcome of the single-candidate UPDATE decision table.
type UpdateAction int

const (
	// UpdateRelink writes the candidate's verdict on the existing person.
	UpdateRelink UpdateAction = iota
	// UpdateEIDDivergence applies the overwrite, split or merge EID policy.
	UpdateEIDDivergence
	// UpdateRehome moves the target's MATCH link to the candidate person.
	UpdateRehome
)

func (a UpdateAction) String() string {
	switch a {
	case UpdateRelink:
		return "relink"
	case UpdateEIDDivergence:
		return "eid divergence"
	case UpdateRehome:
		return "rehome"
	}
	return "unknown"
}

// DecideUpdate evaluates the UPDATE decision table. Rows are checked in order
// and the first match wins.
func DecideUpdate(remainsSamePerson, hasEIDOverlap, incomingHasEID bool) UpdateAction {
	switch {
	case remainsSamePerson && !incomingHasEID:
		return UpdateRelink
	case remainsSamePerson && hasEIDOverlap:
		return UpdateRelink
	case remainsSamePerson:
		return UpdateEIDDivergence
	default:
		return UpdateRehome
	}
}

// EIDPolicy is the outcome of the EID divergence sub-policy.
type EIDPolicy int

const (
	EIDOverwrite EIDPolicy = iota
	EIDSplit
	EIDMerge
)

func (p EIDPolicy) String() string {
	switch p {
	case EIDOverwrite:
		return "overwrite"
	case EIDSplit:
		return "split"
	case EIDMerge:
		return "merge"
	}
	return "unknown"
}

// DecideEIDPolicy chooses how a person absorbs a target's changed EIDs.
func DecideEIDPolicy(preventMultipleEIDs bool, linkedTargets int) EIDPolicy {
	if !preventMultipleEIDs {
		return EIDMerge
	}
	if linkedTargets <= 1 {
		return EIDOverwrite
	}
	return EIDSplit
}
