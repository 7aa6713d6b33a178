package empi

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/empi/internal/platform/fhir"
)

// InternalEIDSystem is the system of identifiers the index mints for persons
// it creates. They never count as external evidence.
const InternalEIDSystem = "http://ehr.local/fhir/NamingSystem/empi-person-eid"

// Settings is the EMPI policy read once per process from configuration.
type Settings struct {
	// EIDSystems lists the identifier systems treated as external EIDs.
	EIDSystems []string
	// PreventMultipleEIDs selects overwrite over additive merge when a target
	// changes its EID but stays with the same person.
	PreventMultipleEIDs bool
}

// EIDHelper extracts external EIDs and compares EID sets.
type EIDHelper struct {
	systems map[string]bool
}

// NewEIDHelper fails when no external system is configured or when the
// internal system is listed as external.
func NewEIDHelper(systems []string) (*EIDHelper, error) {
	h := &EIDHelper{systems: make(map[string]bool, len(systems))}
	for _, s := range systems {
		if s == "" {
			continue
		}
		if s == InternalEIDSystem {
			return nil, fmt.Errorf("%w: %s cannot be an external EID system", ErrConfiguration, s)
		}
		h.systems[s] = true
	}
	if len(h.systems) == 0 {
		return nil, fmt.Errorf("%w: at least one external EID system must be configured", ErrConfiguration)
	}
	return h, nil
}

// IsExternal reports whether identifiers of this system are external EIDs.
func (h *EIDHelper) IsExternal(system string) bool {
	return h.systems[system]
}

// ExternalEIDs returns the distinct external EIDs among ids, in first-seen order.
func (h *EIDHelper) ExternalEIDs(ids []fhir.Identifier) []CanonicalEID {
	var out []CanonicalEID
	seen := make(map[CanonicalEID]bool)
	for _, id := range ids {
		if !h.systems[id.System] || id.Value == "" {
			continue
		}
		eid := CanonicalEID{System: id.System, Value: id.Value}
		if seen[eid] {
			continue
		}
		seen[eid] = true
		out = append(out, eid)
	}
	return out
}

func (h *EIDHelper) TargetEIDs(t *Target) []CanonicalEID {
	return h.ExternalEIDs(t.Identifiers)
}

func (h *EIDHelper) PersonEIDs(p *Person) []CanonicalEID {
	return h.ExternalEIDs(p.Identifiers)
}

// HasEIDOverlap reports whether person and target share at least one external EID.
func (h *EIDHelper) HasEIDOverlap(p *Person, t *Target) bool {
	return Overlaps(h.PersonEIDs(p), h.TargetEIDs(t))
}

// IsPotentialDuplicate reports whether both records carry external EIDs and
// none of them agree.
func (h *EIDHelper) IsPotentialDuplicate(p *Person, t *Target) bool {
	pe := h.PersonEIDs(p)
	te := h.TargetEIDs(t)
	return len(pe) > 0 && len(te) > 0 && !Overlaps(pe, te)
}

// Overlaps reports a non-empty intersection using exact (system, value) equality.
func Overlaps(a, b []CanonicalEID) bool {
	set := make(map[CanonicalEID]bool, len(a))
	for _, e := range a {
		set[e] = true
	}
	for _, e := range b {
		if set[e] {
			return true
		}
	}
	return false
}

// NewInternalEID mints an identifier for a newly created person.
func NewInternalEID() fhir.Identifier {
	return fhir.Identifier{Use: "secondary", System: InternalEIDSystem, Value: uuid.New().String()}
}

// AddEIDsToIdentifiers appends eids not already present and returns the result.
func AddEIDsToIdentifiers(ids []fhir.Identifier, eids []CanonicalEID) []fhir.Identifier {
	have := make(map[CanonicalEID]bool, len(ids))
	for _, id := range ids {
		have[CanonicalEID{System: id.System, Value: id.Value}] = true
	}
	out := append([]fhir.Identifier(nil), ids...)
	for _, e := range eids {
		if have[e] {
			continue
		}
		have[e] = true
		out = append(out, e.Identifier())
	}
	return out
}

// ReplaceExternalEIDs drops every external EID from ids, whatever its
// system, and appends eids. Internal EIDs and identifiers of systems that are
// not configured as external are kept.
func (h *EIDHelper) ReplaceExternalEIDs(ids []fhir.Identifier, eids []CanonicalEID) []fhir.Identifier {
	out := make([]fhir.Identifier, 0, len(ids)+len(eids))
	for _, id := range ids {
		if h.IsExternal(id.System) {
			continue
		}
		out = append(out, id)
	}
	return AddEIDsToIdentifiers(out, eids)
}
