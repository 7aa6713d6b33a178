package empi

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Engine turns candidate persons into link mutations. It holds no per-cycle
// state and may be shared by concurrent cycles; atomicity of a cycle is the
// responsibility of the collaborators (one database transaction per call).
type Engine struct {
	finder   CandidateFinder
	links    LinkStore
	persons  PersonRepository
	eids     *EIDHelper
	settings Settings
	logger   zerolog.Logger
}

func NewEngine(finder CandidateFinder, links LinkStore, persons PersonRepository, settings Settings, logger zerolog.Logger) (*Engine, error) {
	if finder == nil || links == nil || persons == nil {
		return nil, fmt.Errorf("%w: engine requires a candidate finder, link store and person repository", ErrConfiguration)
	}
	eids, err := NewEIDHelper(settings.EIDSystems)
	if err != nil {
		return nil, err
	}
	settings.EIDSystems = append([]string(nil), settings.EIDSystems...)
	return &Engine{
		finder:   finder,
		links:    links,
		persons:  persons,
		eids:     eids,
		settings: settings,
		logger:   logger.With().Str("component", "empi").Logger(),
	}, nil
}

// Resolve finds candidates for target and applies the resulting link
// mutations. The candidates and the decision trail are recorded on tc.
func (e *Engine) Resolve(ctx context.Context, target *Target, tc *TransactionContext) error {
	if err := e.check(target, tc); err != nil {
		return err
	}
	c := e.newCycle(ctx, target, tc)
	candidates, err := e.finder.FindCandidates(ctx, target)
	if err != nil {
		return c.abort(fmt.Errorf("%w: find candidates: %w", ErrCollaborator, err))
	}
	tc.candidates = candidates
	if err := c.run(candidates); err != nil {
		return c.abort(err)
	}
	return nil
}

func (e *Engine) check(target *Target, tc *TransactionContext) error {
	if err := tc.validate(); err != nil {
		return err
	}
	if target == nil {
		return fmt.Errorf("%w: target is required", ErrConfiguration)
	}
	if !IsEMPIAccessible(target.ResourceType) {
		return fmt.Errorf("%w: resource type %q is not managed by the master index", ErrConfiguration, target.ResourceType)
	}
	if target.ID == "" {
		return fmt.Errorf("%w: target has no id", ErrConfiguration)
	}
	return nil
}

// cycle is one decision over one target.
type cycle struct {
	*Engine
	ctx    context.Context
	target *Target
	ref    string
	tc     *TransactionContext
	log    zerolog.Logger
}

func (e *Engine) newCycle(ctx context.Context, target *Target, tc *TransactionContext) *cycle {
	ref := target.Ref()
	return &cycle{
		Engine: e,
		ctx:    ctx,
		target: target,
		ref:    ref,
		tc:     tc,
		log:    e.logger.With().Str("target", ref).Str("operation", string(tc.Operation)).Logger(),
	}
}

func (c *cycle) trace(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	c.tc.AddLogMessage(msg)
	c.log.Debug().Msg(msg)
}

func (c *cycle) abort(err error) error {
	c.tc.AddLogMessage("aborted: " + err.Error())
	c.log.Error().Err(err).Strs("trace", c.tc.LogMessages()).Msg("empi decision aborted")
	return err
}

func (c *cycle) run(candidates []MatchedPersonCandidate) error {
	for _, cand := range candidates {
		if cand.PersonID == uuid.Nil {
			return fmt.Errorf("%w: candidate without a person id", ErrInvariant)
		}
		if cand.MatchResult != MatchResultMatch && cand.MatchResult != MatchResultPossibleMatch {
			return fmt.Errorf("%w: candidate %s has verdict %s", ErrInvariant, PersonRef(cand.PersonID), cand.MatchResult)
		}
	}

	existing, err := c.currentMatch()
	if err != nil {
		return err
	}
	if existing != nil && existing.LinkSource == LinkSourceManual {
		c.trace("target is manually linked to %s, nothing to do", PersonRef(existing.PersonID))
		return nil
	}

	op := c.tc.Operation
	if op == OperationCreate && existing != nil {
		c.trace("target already has a MATCH link to %s, processing create as update", PersonRef(existing.PersonID))
		op = OperationUpdate
	}

	switch ClassifyCandidates(candidates) {
	case CaseNoCandidates:
		return c.noCandidates(existing)
	case CaseMultipleSamePerson:
		c.trace("received %d candidates, all linked to the same person", len(candidates))
		return c.singleCandidate(candidates[0], existing, op)
	case CaseSingleCandidate:
		return c.singleCandidate(candidates[0], existing, op)
	default:
		return c.multipleCandidates(candidates)
	}
}

// currentMatch returns the target's MATCH link, or nil when it has none.
func (c *cycle) currentMatch() (*Link, error) {
	links, err := c.links.FindByTargetAndResult(c.ctx, c.ref, MatchResultMatch)
	if err != nil {
		return nil, fmt.Errorf("%w: find MATCH link: %w", ErrCollaborator, err)
	}
	switch len(links) {
	case 0:
		return nil, nil
	case 1:
		return links[0], nil
	}
	return nil, fmt.Errorf("%w: target %s has %d MATCH links", ErrInvariant, c.ref, len(links))
}

func (c *cycle) noCandidates(existing *Link) error {
	p, err := c.createPerson()
	if err != nil {
		return err
	}
	c.trace("no candidates, created new person %s", p.Ref())
	if existing != nil {
		return c.rehome(existing, p)
	}
	return c.writeLink(p.ID, c.ref, MatchResultMatch)
}

func (c *cycle) singleCandidate(cand MatchedPersonCandidate, existing *Link, op OperationType) error {
	c.trace("narrowed down to one candidate: %s (%s)", PersonRef(cand.PersonID), cand.MatchResult)
	person, err := c.readPerson(cand.PersonID)
	if err != nil {
		return err
	}
	if op == OperationUpdate {
		return c.update(person, cand, existing)
	}
	return c.create(person, cand)
}

func (c *cycle) create(person *Person, cand MatchedPersonCandidate) error {
	if c.eids.IsPotentialDuplicate(person, c.target) {
		c.trace("duplicate detected: %s and target carry different external EIDs", person.Ref())
		np, err := c.createPerson()
		if err != nil {
			return err
		}
		c.trace("created new person %s", np.Ref())
		if err := c.writeLink(np.ID, c.ref, MatchResultMatch); err != nil {
			return err
		}
		return c.flagDuplicate(np.ID, person.ID)
	}

	if cand.IsMatch() {
		if err := c.addEIDs(person); err != nil {
			return err
		}
		if err := c.mergeFields(person); err != nil {
			return err
		}
	}
	return c.writeLink(person.ID, c.ref, cand.MatchResult)
}

func (c *cycle) update(person *Person, cand MatchedPersonCandidate, existing *Link) error {
	remains := existing != nil && existing.PersonID == person.ID
	overlap := c.eids.HasEIDOverlap(person, c.target)
	incoming := len(c.eids.TargetEIDs(c.target)) > 0
	action := DecideUpdate(remains, overlap, incoming)
	c.trace("update: remainsSamePerson=%t hasEidOverlap=%t incomingHasEid=%t, action %s", remains, overlap, incoming, action)

	if remains {
		if err := c.refreshFields(person); err != nil {
			return err
		}
	}

	switch action {
	case UpdateRelink:
		return c.writeLink(person.ID, c.ref, cand.MatchResult)
	case UpdateEIDDivergence:
		return c.eidDivergence(person, cand, existing)
	default:
		return c.rehome(existing, person)
	}
}

func (c *cycle) eidDivergence(person *Person, cand MatchedPersonCandidate, existing *Link) error {
	if existing == nil {
		return fmt.Errorf("%w: EID divergence on %s without a MATCH link", ErrInvariant, person.Ref())
	}
	linked := 0
	if c.settings.PreventMultipleEIDs {
		n, err := c.persons.LinkedTargetCount(c.ctx, person)
		if err != nil {
			return fmt.Errorf("%w: count links of %s: %w", ErrCollaborator, person.Ref(), err)
		}
		linked = n
	}
	policy := DecideEIDPolicy(c.settings.PreventMultipleEIDs, linked)
	c.trace("external EIDs changed while target stays with %s (%d linked targets), policy %s", person.Ref(), linked, policy)

	eids := c.eids.TargetEIDs(c.target)
	switch policy {
	case EIDOverwrite:
		if err := c.persons.OverwriteEIDs(c.ctx, person, eids); err != nil {
			return fmt.Errorf("%w: overwrite EIDs of %s: %w", ErrCollaborator, person.Ref(), err)
		}
		c.trace("overwrote external EIDs of %s", person.Ref())
	case EIDMerge:
		if err := c.addEIDs(person); err != nil {
			return err
		}
	case EIDSplit:
		np, err := c.createPerson()
		if err != nil {
			return err
		}
		c.trace("split target off %s into new person %s", person.Ref(), np.Ref())
		return c.rehome(existing, np)
	}
	return c.writeLink(person.ID, c.ref, cand.MatchResult)
}

// rehome moves the target's MATCH link from old (if any) to person and flags
// the two persons as possible duplicates. The delete precedes the write.
func (c *cycle) rehome(old *Link, person *Person) error {
	if old != nil {
		c.trace("changing MATCH link from %s to %s", PersonRef(old.PersonID), person.Ref())
		if err := c.links.Delete(c.ctx, old); err != nil {
			return fmt.Errorf("%w: delete link %s: %w", ErrCollaborator, old, err)
		}
	}
	if err := c.writeLink(person.ID, c.ref, MatchResultMatch); err != nil {
		return err
	}
	if old == nil {
		return nil
	}
	return c.flagDuplicate(person.ID, old.PersonID)
}

func (c *cycle) multipleCandidates(candidates []MatchedPersonCandidate) error {
	c.trace("multiple candidates linked to different persons, setting POSSIBLE_MATCH and POSSIBLE_DUPLICATE")
	ids := DistinctPersons(candidates)
	for _, id := range ids {
		if _, err := c.readPerson(id); err != nil {
			return err
		}
	}
	for _, id := range ids {
		if err := c.writeLink(id, c.ref, MatchResultPossibleMatch); err != nil {
			return err
		}
	}
	anchor := ids[0]
	for _, id := range ids[1:] {
		if err := c.flagDuplicate(anchor, id); err != nil {
			return err
		}
	}
	return nil
}

func (c *cycle) flagDuplicate(personID, duplicateID uuid.UUID) error {
	if personID == duplicateID {
		return nil
	}
	return c.writeLink(personID, PersonRef(duplicateID), MatchResultPossibleDuplicate)
}

// writeLink upserts the (person, targetRef) link. MANUAL links are left as
// they are, and a MATCH write never creates a second MATCH for targetRef.
func (c *cycle) writeLink(personID uuid.UUID, targetRef string, result MatchResult) error {
	l, err := c.links.Find(c.ctx, personID, targetRef)
	switch {
	case errors.Is(err, ErrLinkNotFound), err == nil && l == nil:
		l = &Link{PersonID: personID, TargetRef: targetRef}
	case err != nil:
		return fmt.Errorf("%w: find link %s -> %s: %w", ErrCollaborator, PersonRef(personID), targetRef, err)
	case l.LinkSource == LinkSourceManual:
		c.trace("link %s is manual, left unchanged", l)
		return nil
	case l.MatchResult == result && l.LinkSource == LinkSourceAuto:
		c.trace("link %s already up to date", l)
		return nil
	}

	if result == MatchResultMatch {
		holders, err := c.links.FindByTargetAndResult(c.ctx, targetRef, MatchResultMatch)
		if err != nil {
			return fmt.Errorf("%w: find MATCH link: %w", ErrCollaborator, err)
		}
		for _, h := range holders {
			if h.PersonID != personID {
				return fmt.Errorf("%w: %s is already matched to %s", ErrInvariant, targetRef, PersonRef(h.PersonID))
			}
		}
	}

	l.MatchResult = result
	l.LinkSource = LinkSourceAuto
	if _, err := c.links.Save(c.ctx, l); err != nil {
		return fmt.Errorf("%w: save link %s: %w", ErrCollaborator, l, err)
	}
	c.trace("linked %s to %s as %s", PersonRef(personID), targetRef, result)
	return nil
}

func (c *cycle) readPerson(id uuid.UUID) (*Person, error) {
	p, err := c.persons.Read(c.ctx, id)
	if errors.Is(err, ErrPersonNotFound) {
		return nil, fmt.Errorf("%w: candidate %s: %w", ErrInvariant, PersonRef(id), err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrCollaborator, PersonRef(id), err)
	}
	return p, nil
}

func (c *cycle) createPerson() (*Person, error) {
	p, err := c.persons.CreateFrom(c.ctx, c.target)
	if err != nil {
		return nil, fmt.Errorf("%w: create person: %w", ErrCollaborator, err)
	}
	return p, nil
}

func (c *cycle) addEIDs(person *Person) error {
	eids := c.eids.TargetEIDs(c.target)
	if len(eids) == 0 {
		return nil
	}
	if err := c.persons.AddEIDs(c.ctx, person, eids); err != nil {
		return fmt.Errorf("%w: add EIDs to %s: %w", ErrCollaborator, person.Ref(), err)
	}
	c.trace("added %d external EIDs to %s", len(eids), person.Ref())
	return nil
}

func (c *cycle) mergeFields(person *Person) error {
	if err := c.persons.MergeFieldsFrom(c.ctx, person, c.target); err != nil {
		return fmt.Errorf("%w: merge fields into %s: %w", ErrCollaborator, person.Ref(), err)
	}
	return nil
}

func (c *cycle) refreshFields(person *Person) error {
	if err := c.persons.RefreshFieldsFrom(c.ctx, person, c.target); err != nil {
		return fmt.Errorf("%w: refresh fields of %s: %w", ErrCollaborator, person.Ref(), err)
	}
	return nil
}
