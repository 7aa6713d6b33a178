package empilink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/empi/internal/empi"
	"github.com/ehr/empi/internal/platform/db"
	"github.com/ehr/empi/internal/platform/fhir"
	"github.com/ehr/empi/internal/platform/telemetry"
)

// maxTargetLinks bounds the links returned for one target after a cycle.
const maxTargetLinks = 100

// TxRunner runs a unit of work in one database transaction.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// EventPublisher sends link change events to downstream consumers.
// Satisfied by *kafka.Producer.
type EventPublisher interface {
	PublishJSON(ctx context.Context, key string, headers map[string]string, v interface{}) error
}

// LinkEvent is published after a transaction that changed or confirmed the
// links of a target has committed.
type LinkEvent struct {
	EventType string    `json:"event_type"`
	TenantID  string    `json:"tenant_id,omitempty"`
	TargetRef string    `json:"target_ref"`
	Operation string    `json:"operation,omitempty"`
	Links     []*Link   `json:"links"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	EventTargetResolved = "empi.target.resolved"
	EventLinkUpdated    = "empi.link.updated"
)

// Service runs decision cycles and manual link changes, one transaction
// and one target lock per call.
type Service struct {
	repo    LinkRepository
	persons empi.PersonRepository
	finder  empi.CandidateFinder
	engine  *empi.Engine
	tx      TxRunner
	tel     *telemetry.Provider
	events  EventPublisher
	tracer  trace.Tracer
	logger  zerolog.Logger
}

func NewService(repo LinkRepository, persons empi.PersonRepository, finder empi.CandidateFinder, engine *empi.Engine, tx TxRunner, tel *telemetry.Provider, logger zerolog.Logger) *Service {
	return &Service{
		repo:    repo,
		persons: persons,
		finder:  finder,
		engine:  engine,
		tx:      tx,
		tel:     tel,
		tracer:  tel.Tracer(),
		logger:  logger.With().Str("component", "empilink").Logger(),
	}
}

// WithEvents enables link event publication.
func (s *Service) WithEvents(p EventPublisher) *Service {
	s.events = p
	return s
}

func (s *Service) publish(ctx context.Context, eventType, targetRef string, op empi.OperationType, links []*Link) {
	if s.events == nil {
		return
	}
	ev := LinkEvent{
		EventType: eventType,
		TenantID:  db.TenantFromContext(ctx),
		TargetRef: targetRef,
		Operation: string(op),
		Links:     links,
		Timestamp: time.Now().UTC(),
	}
	headers := map[string]string{"event_type": eventType}
	if ev.TenantID != "" {
		headers["tenant_id"] = ev.TenantID
	}
	// Links are already committed; a lost event is logged, not returned.
	if err := s.events.PublishJSON(ctx, targetRef, headers, ev); err != nil {
		s.logger.Warn().Err(err).Str("target", targetRef).Str("event_type", eventType).Msg("failed to publish link event")
	}
}

// Resolve runs one decision cycle for a Patient or Practitioner resource.
// The result carries the trace even when the cycle failed.
func (s *Service) Resolve(ctx context.Context, op empi.OperationType, resource map[string]interface{}) (*ResolveResult, error) {
	target, err := empi.TargetFromFHIR(resource)
	if err != nil {
		s.tel.ObserveDecision(string(op), outcomeLabel(err), 0)
		return nil, err
	}
	return s.ResolveTarget(ctx, op, target)
}

func (s *Service) ResolveTarget(ctx context.Context, op empi.OperationType, target *empi.Target) (*ResolveResult, error) {
	start := time.Now()
	ref := target.Ref()
	ctx, span := s.tracer.Start(ctx, "empi.resolve", trace.WithAttributes(
		attribute.String("empi.target", ref),
		attribute.String("empi.operation", string(op)),
	))
	defer span.End()

	tc := empi.NewTransactionContext(op)
	res := &ResolveResult{TargetRef: ref, Operation: op}

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.LockTarget(ctx, ref); err != nil {
			return fmt.Errorf("%w: %w", empi.ErrCollaborator, err)
		}
		err := s.engine.Resolve(ctx, target, tc)
		res.Candidates = tc.Candidates()
		if err != nil {
			return err
		}
		s.tel.ObserveCandidates(len(res.Candidates))
		span.SetAttributes(attribute.Int("empi.candidates", len(res.Candidates)))
		links, _, err := s.repo.List(ctx, ListFilter{TargetRef: ref}, maxTargetLinks, 0)
		if err != nil {
			return fmt.Errorf("%w: list links of %s: %w", empi.ErrCollaborator, ref, err)
		}
		res.Links = links
		return nil
	})
	err = classify(err)
	res.Trace = tc.LogMessages()
	s.tel.ObserveDecision(string(op), outcomeLabel(err), time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	s.logger.Info().Str("target", ref).Str("operation", string(op)).
		Int("candidates", len(res.Candidates)).Int("links", len(res.Links)).
		Dur("duration", time.Since(start)).Msg("target resolved")
	s.publish(ctx, EventTargetResolved, ref, op, res.Links)
	return res, nil
}

// Candidates scores persons for a resource without changing any link.
func (s *Service) Candidates(ctx context.Context, resource map[string]interface{}) ([]empi.MatchedPersonCandidate, error) {
	target, err := empi.TargetFromFHIR(resource)
	if err != nil {
		return nil, err
	}
	ctx, span := s.tracer.Start(ctx, "empi.match", trace.WithAttributes(attribute.String("empi.target", target.Ref())))
	defer span.End()

	candidates, err := s.finder.FindCandidates(ctx, target)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: find candidates for %s: %w", empi.ErrCollaborator, target.Ref(), err)
	}
	return candidates, nil
}

// UpdateLink records a data steward's decision. Only MATCH and NO_MATCH can
// be set manually. A manual MATCH replaces an automatic MATCH of another
// person but never another manual one.
func (s *Service) UpdateLink(ctx context.Context, req ManualLinkRequest) (*Link, error) {
	personID, err := uuid.Parse(req.PersonID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid person id %q", empi.ErrConfiguration, req.PersonID)
	}
	result, err := empi.ParseMatchResult(req.MatchResult)
	if err != nil {
		return nil, err
	}
	if result != empi.MatchResultMatch && result != empi.MatchResultNoMatch {
		return nil, fmt.Errorf("%w: match result %s cannot be set manually", empi.ErrConfiguration, result)
	}
	rt, _, err := fhir.ParseReference(req.TargetRef)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", empi.ErrConfiguration, err)
	}
	if !empi.IsEMPIAccessible(rt) {
		return nil, fmt.Errorf("%w: resource type %q is not managed by the master index", empi.ErrConfiguration, rt)
	}

	var out *Link
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.LockTarget(ctx, req.TargetRef); err != nil {
			return err
		}
		if _, err := s.persons.Read(ctx, personID); err != nil {
			return err
		}
		if result == empi.MatchResultMatch {
			if err := s.releaseMatch(ctx, personID, req.TargetRef); err != nil {
				return err
			}
		}
		if _, err := s.repo.Save(ctx, &empi.Link{
			PersonID:    personID,
			TargetRef:   req.TargetRef,
			MatchResult: result,
			LinkSource:  empi.LinkSourceManual,
		}); err != nil {
			return err
		}
		links, _, err := s.repo.List(ctx, ListFilter{TargetRef: req.TargetRef, PersonID: personID}, 1, 0)
		if err != nil {
			return err
		}
		if len(links) == 0 {
			return fmt.Errorf("%w: %s -> %s", empi.ErrLinkNotFound, empi.PersonRef(personID), req.TargetRef)
		}
		out = links[0]
		return nil
	})
	if err = classify(err); err != nil {
		return nil, err
	}
	s.tel.IncManualLink(string(result))
	s.logger.Info().Str("person_id", personID.String()).Str("target", req.TargetRef).
		Str("match_result", string(result)).Msg("manual link recorded")
	s.publish(ctx, EventLinkUpdated, req.TargetRef, "", []*Link{out})
	return out, nil
}

// releaseMatch removes automatic MATCH links of other persons to the target.
func (s *Service) releaseMatch(ctx context.Context, personID uuid.UUID, targetRef string) error {
	matches, err := s.repo.FindByTargetAndResult(ctx, targetRef, empi.MatchResultMatch)
	if err != nil {
		return err
	}
	for _, m := range matches {
		if m.PersonID == personID {
			continue
		}
		if m.LinkSource == empi.LinkSourceManual {
			return fmt.Errorf("%w: %s is manually matched to %s", empi.ErrInvariant, targetRef, empi.PersonRef(m.PersonID))
		}
		if err := s.repo.Delete(ctx, m); err != nil {
			return err
		}
		s.logger.Info().Str("target", targetRef).Str("person_id", m.PersonID.String()).Msg("automatic match replaced by manual link")
	}
	return nil
}

func (s *Service) ListLinks(ctx context.Context, filter ListFilter, limit, offset int) ([]*Link, int, error) {
	return s.repo.List(ctx, filter, limit, offset)
}

// Duplicates lists the POSSIBLE_DUPLICATE flags between persons.
func (s *Service) Duplicates(ctx context.Context, limit, offset int) ([]*Link, int, error) {
	return s.repo.List(ctx, ListFilter{MatchResult: empi.MatchResultPossibleDuplicate}, limit, offset)
}

// classify marks unclassified failures, such as a failed commit or an
// unavailable pool, as collaborator failures so callers may retry them.
func classify(err error) error {
	if err == nil ||
		errors.Is(err, empi.ErrConfiguration) ||
		errors.Is(err, empi.ErrInvariant) ||
		errors.Is(err, empi.ErrCollaborator) ||
		errors.Is(err, empi.ErrPersonNotFound) ||
		errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", empi.ErrCollaborator, err)
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, empi.ErrConfiguration):
		return "rejected"
	case errors.Is(err, empi.ErrInvariant):
		return "invariant"
	case empi.IsRetryable(err):
		return "retryable"
	}
	return "error"
}
