package empi

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/empi/internal/platform/fhir"
)

const testEIDSystem = "http://test.local/eid"

type linkKey struct {
	person uuid.UUID
	target string
}

// memLinkStore is an in-memory LinkStore that also rejects a second MATCH
// link for a target, like the partial unique index in Postgres.
type memLinkStore struct {
	links map[linkKey]*Link
	ops   []string
	fail  error
}

func newMemLinkStore() *memLinkStore {
	return &memLinkStore{links: make(map[linkKey]*Link)}
}

func (s *memLinkStore) Find(_ context.Context, personID uuid.UUID, targetRef string) (*Link, error) {
	if s.fail != nil {
		return nil, s.fail
	}
	l, ok := s.links[linkKey{personID, targetRef}]
	if !ok {
		return nil, ErrLinkNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *memLinkStore) FindByTargetAndResult(_ context.Context, targetRef string, result MatchResult) ([]*Link, error) {
	if s.fail != nil {
		return nil, s.fail
	}
	var out []*Link
	for _, l := range s.links {
		if l.TargetRef == targetRef && l.MatchResult == result {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memLinkStore) Save(_ context.Context, l *Link) (*Link, error) {
	if s.fail != nil {
		return nil, s.fail
	}
	if l.MatchResult == MatchResultMatch {
		for k, other := range s.links {
			if other.TargetRef == l.TargetRef && other.MatchResult == MatchResultMatch && k.person != l.PersonID {
				return nil, fmt.Errorf("unique violation: %s already matched", l.TargetRef)
			}
		}
	}
	cp := *l
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	cp.Version++
	s.links[linkKey{cp.PersonID, cp.TargetRef}] = &cp
	s.ops = append(s.ops, fmt.Sprintf("save %s", &cp))
	out := cp
	return &out, nil
}

func (s *memLinkStore) Delete(_ context.Context, l *Link) error {
	if s.fail != nil {
		return s.fail
	}
	delete(s.links, linkKey{l.PersonID, l.TargetRef})
	s.ops = append(s.ops, fmt.Sprintf("delete %s", l))
	return nil
}

func (s *memLinkStore) put(personID uuid.UUID, targetRef string, result MatchResult, source LinkSource) {
	s.links[linkKey{personID, targetRef}] = &Link{
		ID: uuid.New(), PersonID: personID, TargetRef: targetRef,
		MatchResult: result, LinkSource: source, Version: 1,
	}
}

func (s *memLinkStore) get(personID uuid.UUID, targetRef string) *Link {
	return s.links[linkKey{personID, targetRef}]
}

func (s *memLinkStore) byTarget(targetRef string) []*Link {
	var out []*Link
	for _, l := range s.links {
		if l.TargetRef == targetRef {
			out = append(out, l)
		}
	}
	return out
}

func (s *memLinkStore) matchCounts() map[string]int {
	counts := make(map[string]int)
	for _, l := range s.links {
		if l.MatchResult == MatchResultMatch {
			counts[l.TargetRef]++
		}
	}
	return counts
}

func (s *memLinkStore) opIndex(prefix string) int {
	for i, op := range s.ops {
		if strings.HasPrefix(op, prefix) {
			return i
		}
	}
	return -1
}

type memPersonRepo struct {
	eidHelper *EIDHelper
	persons   map[uuid.UUID]*Person
	links     *memLinkStore
	created   []uuid.UUID
	merged    map[uuid.UUID]int
	refreshed map[uuid.UUID]int
	readErr   error
}

func newMemPersonRepo(links *memLinkStore) *memPersonRepo {
	return &memPersonRepo{
		persons:   make(map[uuid.UUID]*Person),
		links:     links,
		merged:    make(map[uuid.UUID]int),
		refreshed: make(map[uuid.UUID]int),
	}
}

func (r *memPersonRepo) add(ids ...fhir.Identifier) *Person {
	p := &Person{ID: uuid.New(), Identifiers: ids}
	r.persons[p.ID] = p
	return p
}

func (r *memPersonRepo) Read(_ context.Context, id uuid.UUID) (*Person, error) {
	if r.readErr != nil {
		return nil, r.readErr
	}
	p, ok := r.persons[id]
	if !ok {
		return nil, ErrPersonNotFound
	}
	cp := &Person{ID: p.ID, Identifiers: append([]fhir.Identifier(nil), p.Identifiers...)}
	return cp, nil
}

func (r *memPersonRepo) CreateFrom(_ context.Context, t *Target) (*Person, error) {
	ids := AddEIDsToIdentifiers([]fhir.Identifier{NewInternalEID()}, r.eidHelper.TargetEIDs(t))
	p := &Person{ID: uuid.New(), Identifiers: ids}
	r.persons[p.ID] = p
	r.created = append(r.created, p.ID)
	return &Person{ID: p.ID, Identifiers: append([]fhir.Identifier(nil), ids...)}, nil
}

func (r *memPersonRepo) MergeFieldsFrom(_ context.Context, p *Person, _ *Target) error {
	r.merged[p.ID]++
	return nil
}

func (r *memPersonRepo) RefreshFieldsFrom(_ context.Context, p *Person, _ *Target) error {
	r.refreshed[p.ID]++
	return nil
}

func (r *memPersonRepo) AddEIDs(_ context.Context, p *Person, eids []CanonicalEID) error {
	stored := r.persons[p.ID]
	stored.Identifiers = AddEIDsToIdentifiers(stored.Identifiers, eids)
	p.Identifiers = stored.Identifiers
	return nil
}

func (r *memPersonRepo) OverwriteEIDs(_ context.Context, p *Person, eids []CanonicalEID) error {
	stored := r.persons[p.ID]
	stored.Identifiers = r.eidHelper.ReplaceExternalEIDs(stored.Identifiers, eids)
	p.Identifiers = stored.Identifiers
	return nil
}

func (r *memPersonRepo) LinkedTargetCount(_ context.Context, p *Person) (int, error) {
	n := 0
	for _, l := range r.links.links {
		if l.PersonID == p.ID && !strings.HasPrefix(l.TargetRef, "Person/") &&
			(l.MatchResult == MatchResultMatch || l.MatchResult == MatchResultPossibleMatch) {
			n++
		}
	}
	return n, nil
}

func (r *memPersonRepo) eids(id uuid.UUID) []string {
	var out []string
	for _, ident := range r.persons[id].Identifiers {
		if ident.System == testEIDSystem {
			out = append(out, ident.Value)
		}
	}
	return out
}

type staticFinder struct {
	candidates []MatchedPersonCandidate
	err        error
}

func (f *staticFinder) FindCandidates(context.Context, *Target) ([]MatchedPersonCandidate, error) {
	return f.candidates, f.err
}

var errStoreDown = errors.New("connection refused")

func eid(value string) fhir.Identifier {
	return fhir.Identifier{System: testEIDSystem, Value: value}
}

func patient(id string, ids ...fhir.Identifier) *Target {
	return &Target{ResourceType: "Patient", ID: id, Family: "Smith", Given: "John", Identifiers: ids}
}

func match(p *Person) MatchedPersonCandidate {
	return MatchedPersonCandidate{PersonID: p.ID, MatchResult: MatchResultMatch}
}

func possible(p *Person) MatchedPersonCandidate {
	return MatchedPersonCandidate{PersonID: p.ID, MatchResult: MatchResultPossibleMatch}
}
