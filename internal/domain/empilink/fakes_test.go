package empilink

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/empi/internal/domain/person"
	"github.com/ehr/empi/internal/empi"
	"github.com/ehr/empi/internal/platform/fhir"
)

const testEIDSystem = "http://test.local/eid"

// -- Link Repository --

type linkKey struct {
	person uuid.UUID
	target string
}

// memLinkRepo is an in-memory LinkRepository. Like the partial unique index
// in Postgres it rejects a second MATCH link for a target.
type memLinkRepo struct {
	mu      sync.Mutex
	links   map[linkKey]*Link
	seq     int
	locks   []string
	fail    error
	failAt  string
	base    time.Time
	deleted []string
}

func newMemLinkRepo() *memLinkRepo {
	return &memLinkRepo{links: make(map[linkKey]*Link), base: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (r *memLinkRepo) failing(op string) error {
	if r.fail != nil && (r.failAt == "" || r.failAt == op) {
		return r.fail
	}
	return nil
}

func (r *memLinkRepo) Find(_ context.Context, personID uuid.UUID, targetRef string) (*empi.Link, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failing("find"); err != nil {
		return nil, err
	}
	l, ok := r.links[linkKey{personID, targetRef}]
	if !ok {
		return nil, empi.ErrLinkNotFound
	}
	cp := l.Link
	return &cp, nil
}

func (r *memLinkRepo) FindByTargetAndResult(_ context.Context, targetRef string, result empi.MatchResult) ([]*empi.Link, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failing("find"); err != nil {
		return nil, err
	}
	var out []*empi.Link
	for _, l := range r.sorted() {
		if l.TargetRef == targetRef && l.MatchResult == result {
			cp := l.Link
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memLinkRepo) Save(_ context.Context, l *empi.Link) (*empi.Link, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failing("save"); err != nil {
		return nil, err
	}
	if l.MatchResult == empi.MatchResultMatch {
		for k, other := range r.links {
			if k.target == l.TargetRef && k.person != l.PersonID && other.MatchResult == empi.MatchResultMatch {
				return nil, fmt.Errorf("%w: %s already has a MATCH link", empi.ErrInvariant, l.TargetRef)
			}
		}
	}
	k := linkKey{l.PersonID, l.TargetRef}
	if cur, ok := r.links[k]; ok {
		cur.MatchResult = l.MatchResult
		cur.LinkSource = l.LinkSource
		cur.Version++
		cur.UpdatedAt = r.base.Add(time.Duration(r.seq) * time.Second)
		cp := cur.Link
		return &cp, nil
	}
	r.seq++
	stored := &Link{Link: *l}
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	stored.Version = 1
	stored.CreatedAt = r.base.Add(time.Duration(r.seq) * time.Second)
	stored.UpdatedAt = stored.CreatedAt
	r.links[k] = stored
	cp := stored.Link
	return &cp, nil
}

func (r *memLinkRepo) Delete(_ context.Context, l *empi.Link) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failing("delete"); err != nil {
		return err
	}
	delete(r.links, linkKey{l.PersonID, l.TargetRef})
	r.deleted = append(r.deleted, l.String())
	return nil
}

func (r *memLinkRepo) LockTarget(_ context.Context, targetRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failing("lock"); err != nil {
		return err
	}
	r.locks = append(r.locks, targetRef)
	return nil
}

func (r *memLinkRepo) List(_ context.Context, filter ListFilter, limit, offset int) ([]*Link, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failing("list"); err != nil {
		return nil, 0, err
	}
	var all []*Link
	for _, l := range r.sorted() {
		if filter.TargetRef != "" && l.TargetRef != filter.TargetRef {
			continue
		}
		if filter.PersonID != uuid.Nil && l.PersonID != filter.PersonID {
			continue
		}
		if filter.MatchResult != "" && l.MatchResult != filter.MatchResult {
			continue
		}
		cp := *l
		all = append(all, &cp)
	}
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (r *memLinkRepo) CountLinkedTargets(_ context.Context, personID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, l := range r.links {
		if l.PersonID != personID || strings.HasPrefix(l.TargetRef, "Person/") {
			continue
		}
		if l.MatchResult == empi.MatchResultMatch || l.MatchResult == empi.MatchResultPossibleMatch {
			n++
		}
	}
	return n, nil
}

func (r *memLinkRepo) ListPersonLinks(_ context.Context, personID uuid.UUID) ([]person.LinkView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []person.LinkView
	for _, l := range r.sorted() {
		if l.PersonID == personID {
			out = append(out, person.LinkView{TargetRef: l.TargetRef, MatchResult: l.MatchResult, LinkSource: l.LinkSource})
		}
	}
	return out, nil
}

func (r *memLinkRepo) sorted() []*Link {
	out := make([]*Link, 0, len(r.links))
	for _, l := range r.links {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *memLinkRepo) put(personID uuid.UUID, targetRef string, result empi.MatchResult, source empi.LinkSource) {
	if _, err := r.Save(context.Background(), &empi.Link{
		PersonID: personID, TargetRef: targetRef, MatchResult: result, LinkSource: source,
	}); err != nil {
		panic(err)
	}
}

func (r *memLinkRepo) get(personID uuid.UUID, targetRef string) *Link {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.links[linkKey{personID, targetRef}]
}

// -- Person Repository --

type memPersons struct {
	mu      sync.Mutex
	persons map[uuid.UUID]*empi.Person
	links   *memLinkRepo
	eids    *empi.EIDHelper
	created []uuid.UUID
}

func newMemPersons(links *memLinkRepo, eids *empi.EIDHelper) *memPersons {
	return &memPersons{persons: make(map[uuid.UUID]*empi.Person), links: links, eids: eids}
}

func (p *memPersons) add(ids ...fhir.Identifier) *empi.Person {
	p.mu.Lock()
	defer p.mu.Unlock()
	per := &empi.Person{ID: uuid.New(), Identifiers: ids}
	p.persons[per.ID] = per
	return per
}

func (p *memPersons) Read(_ context.Context, id uuid.UUID) (*empi.Person, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	per, ok := p.persons[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", empi.ErrPersonNotFound, id)
	}
	cp := *per
	cp.Identifiers = append([]fhir.Identifier(nil), per.Identifiers...)
	return &cp, nil
}

func (p *memPersons) CreateFrom(_ context.Context, t *empi.Target) (*empi.Person, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := empi.AddEIDsToIdentifiers([]fhir.Identifier{empi.NewInternalEID()}, p.eids.TargetEIDs(t))
	per := &empi.Person{ID: uuid.New(), Identifiers: ids}
	p.persons[per.ID] = per
	p.created = append(p.created, per.ID)
	cp := *per
	return &cp, nil
}

func (p *memPersons) MergeFieldsFrom(context.Context, *empi.Person, *empi.Target) error {
	return nil
}

func (p *memPersons) RefreshFieldsFrom(context.Context, *empi.Person, *empi.Target) error {
	return nil
}

func (p *memPersons) AddEIDs(_ context.Context, per *empi.Person, eids []empi.CanonicalEID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	per.Identifiers = empi.AddEIDsToIdentifiers(per.Identifiers, eids)
	p.persons[per.ID].Identifiers = per.Identifiers
	return nil
}

func (p *memPersons) OverwriteEIDs(_ context.Context, per *empi.Person, eids []empi.CanonicalEID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	per.Identifiers = p.eids.ReplaceExternalEIDs(per.Identifiers, eids)
	p.persons[per.ID].Identifiers = per.Identifiers
	return nil
}

func (p *memPersons) LinkedTargetCount(ctx context.Context, per *empi.Person) (int, error) {
	return p.links.CountLinkedTargets(ctx, per.ID)
}

// -- Finder, Tx, Publisher --

type staticFinder struct {
	candidates []empi.MatchedPersonCandidate
	err        error
	calls      int
	inTx       []bool
}

func (f *staticFinder) FindCandidates(ctx context.Context, _ *empi.Target) ([]empi.MatchedPersonCandidate, error) {
	f.calls++
	f.inTx = append(f.inTx, ctx.Value(inTxKey{}) != nil)
	return f.candidates, f.err
}

type inTxKey struct{}

// passTx runs fn directly, marking its context, and counts units of work.
type passTx struct {
	calls int
	err   error
}

func (tx *passTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx.calls++
	if tx.err != nil {
		return tx.err
	}
	return fn(context.WithValue(ctx, inTxKey{}, true))
}

type publishedEvent struct {
	key     string
	headers map[string]string
	event   LinkEvent
}

type recordingPublisher struct {
	events []publishedEvent
	err    error
}

func (p *recordingPublisher) PublishJSON(_ context.Context, key string, headers map[string]string, v interface{}) error {
	if p.err != nil {
		return p.err
	}
	ev, _ := v.(LinkEvent)
	p.events = append(p.events, publishedEvent{key: key, headers: headers, event: ev})
	return nil
}

// -- Harness --

type harness struct {
	svc     *Service
	links   *memLinkRepo
	persons *memPersons
	finder  *staticFinder
	tx      *passTx
	events  *recordingPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	eids, err := empi.NewEIDHelper([]string{testEIDSystem})
	if err != nil {
		t.Fatalf("NewEIDHelper: %v", err)
	}
	links := newMemLinkRepo()
	persons := newMemPersons(links, eids)
	finder := &staticFinder{}
	engine, err := empi.NewEngine(finder, links, persons, empi.Settings{
		EIDSystems:          []string{testEIDSystem},
		PreventMultipleEIDs: true,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	tx := &passTx{}
	events := &recordingPublisher{}
	svc := NewService(links, persons, finder, engine, tx, nil, zerolog.Nop()).WithEvents(events)
	return &harness{svc: svc, links: links, persons: persons, finder: finder, tx: tx, events: events}
}

func patientResource(id string, eids ...string) map[string]interface{} {
	res := map[string]interface{}{
		"resourceType": "Patient",
		"id":           id,
		"name": []interface{}{
			map[string]interface{}{"family": "Smith", "given": []interface{}{"Jane"}},
		},
		"birthDate": "1980-04-02",
		"gender":    "female",
	}
	if len(eids) > 0 {
		idents := make([]interface{}, 0, len(eids))
		for _, v := range eids {
			idents = append(idents, map[string]interface{}{"system": testEIDSystem, "value": v})
		}
		res["identifier"] = idents
	}
	return res
}

func eid(value string) fhir.Identifier {
	return fhir.Identifier{System: testEIDSystem, Value: value}
}
