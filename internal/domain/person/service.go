package person

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/empi/internal/empi"
	"github.com/ehr/empi/internal/matching"
	"github.com/ehr/empi/internal/platform/fhir"
)

// Service owns canonical persons. It is the person collaborator of the link
// engine and the person searcher of the candidate finder.
type Service struct {
	repo   PersonRepository
	links  LinkCounter
	eids   *empi.EIDHelper
	logger zerolog.Logger
}

var (
	_ empi.PersonRepository   = (*Service)(nil)
	_ matching.PersonSearcher = (*Service)(nil)
)

func NewService(repo PersonRepository, links LinkCounter, eids *empi.EIDHelper, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		links:  links,
		eids:   eids,
		logger: logger.With().Str("component", "person").Logger(),
	}
}

var validGenders = map[string]bool{
	"male": true, "female": true, "other": true, "unknown": true,
}

func (s *Service) GetPerson(ctx context.Context, id uuid.UUID) (*Person, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) SearchPersons(ctx context.Context, params map[string]string, limit, offset int) ([]*Person, int, error) {
	return s.repo.Search(ctx, params, limit, offset)
}

// -- empi.PersonRepository --

func (s *Service) Read(ctx context.Context, id uuid.UUID) (*empi.Person, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.EMPIView(), nil
}

// CreateFrom creates a person from the target's demographics. The person gets
// a fresh internal EID plus every external EID of the target.
func (s *Service) CreateFrom(ctx context.Context, t *empi.Target) (*empi.Person, error) {
	ids := empi.AddEIDsToIdentifiers([]fhir.Identifier{empi.NewInternalEID()}, s.eids.TargetEIDs(t))
	p := FromTarget(t, ids)
	if p.Gender != nil && !validGenders[*p.Gender] {
		p.Gender = nil
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create person from %s: %w", t.Ref(), err)
	}
	s.logger.Debug().Str("person_id", p.ID.String()).Str("target", t.Ref()).Msg("person created")
	return p.EMPIView(), nil
}

func (s *Service) MergeFieldsFrom(ctx context.Context, person *empi.Person, t *empi.Target) error {
	return s.applyFields(ctx, person, t, (*Person).ApplyTarget)
}

// RefreshFieldsFrom copies the changed demographics of an updated target onto
// its person. A person that other targets are linked to keeps its values and
// only gets missing fields filled.
func (s *Service) RefreshFieldsFrom(ctx context.Context, person *empi.Person, t *empi.Target) error {
	n, err := s.links.CountLinkedTargets(ctx, person.ID)
	if err != nil {
		return fmt.Errorf("count links of person %s: %w", person.ID, err)
	}
	if n > 1 {
		return s.applyFields(ctx, person, t, (*Person).ApplyTarget)
	}
	return s.applyFields(ctx, person, t, (*Person).RefreshFromTarget)
}

func (s *Service) applyFields(ctx context.Context, person *empi.Person, t *empi.Target, apply func(*Person, *empi.Target) bool) error {
	p, err := s.repo.GetForUpdate(ctx, person.ID)
	if err != nil {
		return err
	}
	gender := p.Gender
	if !apply(p, t) {
		return nil
	}
	if p.Gender != nil && !validGenders[*p.Gender] {
		p.Gender = gender
	}
	if err := s.repo.Update(ctx, p); err != nil {
		return fmt.Errorf("merge %s into person %s: %w", t.Ref(), p.ID, err)
	}
	s.logger.Debug().Str("person_id", p.ID.String()).Str("target", t.Ref()).Int("version", p.VersionID).Msg("person fields updated")
	return nil
}

func (s *Service) AddEIDs(ctx context.Context, person *empi.Person, eids []empi.CanonicalEID) error {
	return s.rewriteIdentifiers(ctx, person, func(ids []fhir.Identifier) []fhir.Identifier {
		return empi.AddEIDsToIdentifiers(ids, eids)
	})
}

func (s *Service) OverwriteEIDs(ctx context.Context, person *empi.Person, eids []empi.CanonicalEID) error {
	return s.rewriteIdentifiers(ctx, person, func(ids []fhir.Identifier) []fhir.Identifier {
		return s.eids.ReplaceExternalEIDs(ids, eids)
	})
}

func (s *Service) rewriteIdentifiers(ctx context.Context, person *empi.Person, rewrite func([]fhir.Identifier) []fhir.Identifier) error {
	p, err := s.repo.GetForUpdate(ctx, person.ID)
	if err != nil {
		return err
	}
	p.Identifiers = rewrite(p.Identifiers)
	if err := s.repo.Update(ctx, p); err != nil {
		return fmt.Errorf("update identifiers of person %s: %w", p.ID, err)
	}
	person.Identifiers = p.EMPIView().Identifiers
	return nil
}

func (s *Service) LinkedTargetCount(ctx context.Context, person *empi.Person) (int, error) {
	return s.links.CountLinkedTargets(ctx, person.ID)
}

// -- matching.PersonSearcher --

func (s *Service) SearchByDemographics(ctx context.Context, params map[string]string, limit int) ([]matching.PersonRecord, error) {
	items, err := s.repo.SearchByDemographics(ctx, params, limit)
	if err != nil {
		return nil, err
	}
	return records(items), nil
}

func (s *Service) FindByIdentifiers(ctx context.Context, eids []empi.CanonicalEID) ([]matching.PersonRecord, error) {
	items, err := s.repo.FindByIdentifiers(ctx, eids)
	if err != nil {
		return nil, err
	}
	return records(items), nil
}

func records(items []*Person) []matching.PersonRecord {
	out := make([]matching.PersonRecord, len(items))
	for i, p := range items {
		out[i] = p.Record()
	}
	return out
}
