// Package matching proposes candidate persons for incoming targets by
// external identifier lookup and weighted demographic scoring.
package matching

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/empi/internal/empi"
	"github.com/ehr/empi/internal/platform/fhir"
)

// PersonRecord is the demographic view of a canonical person used for scoring.
type PersonRecord struct {
	ID          uuid.UUID
	Identifiers []fhir.Identifier
	FirstName   string
	LastName    string
	BirthDate   string // YYYY-MM-DD
	Gender      string
	Phone       string
	Email       string
	AddressLine string
	City        string
	PostalCode  string
}

// PersonSearcher abstracts person lookup (implemented by the person repository).
type PersonSearcher interface {
	SearchByDemographics(ctx context.Context, params map[string]string, limit int) ([]PersonRecord, error)
	FindByIdentifiers(ctx context.Context, eids []empi.CanonicalEID) ([]PersonRecord, error)
}

// Weights configures the scoring weight of each field. They sum to 1.0.
type Weights struct {
	LastName  float64
	FirstName float64
	BirthDate float64
	Gender    float64
	Phone     float64
	Email     float64
	Address   float64
}

func DefaultWeights() Weights {
	return Weights{
		LastName:  0.20,
		FirstName: 0.15,
		BirthDate: 0.25,
		Gender:    0.05,
		Phone:     0.10,
		Email:     0.10,
		Address:   0.15,
	}
}

// Thresholds map scores to verdicts.
type Thresholds struct {
	Match         float64
	PossibleMatch float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{Match: 0.80, PossibleMatch: 0.60}
}

// Finder implements empi.CandidateFinder.
type Finder struct {
	searcher      PersonSearcher
	eids          *empi.EIDHelper
	identifiers   empi.FieldMatcher
	weights       Weights
	thresholds    Thresholds
	maxCandidates int
	logger        zerolog.Logger
}

// NewFinder creates a Finder with default weights.
func NewFinder(searcher PersonSearcher, eids *empi.EIDHelper, thresholds Thresholds, maxCandidates int, logger zerolog.Logger) (*Finder, error) {
	return NewFinderWithWeights(searcher, eids, DefaultWeights(), thresholds, maxCandidates, logger)
}

func NewFinderWithWeights(searcher PersonSearcher, eids *empi.EIDHelper, weights Weights, thresholds Thresholds, maxCandidates int, logger zerolog.Logger) (*Finder, error) {
	if searcher == nil || eids == nil {
		return nil, fmt.Errorf("%w: finder requires a person searcher and EID helper", empi.ErrConfiguration)
	}
	if thresholds.PossibleMatch <= 0 || thresholds.Match > 1 || thresholds.PossibleMatch > thresholds.Match {
		return nil, fmt.Errorf("%w: invalid thresholds %+v", empi.ErrConfiguration, thresholds)
	}
	if maxCandidates < 1 {
		return nil, fmt.Errorf("%w: max candidates must be positive", empi.ErrConfiguration)
	}
	idm, err := empi.MatcherFor(empi.MatcherIdentifier)
	if err != nil {
		return nil, err
	}
	return &Finder{
		searcher:      searcher,
		eids:          eids,
		identifiers:   idm,
		weights:       weights,
		thresholds:    thresholds,
		maxCandidates: maxCandidates,
		logger:        logger.With().Str("component", "matching").Logger(),
	}, nil
}

// FindCandidates returns persons sharing an external EID with the target as
// certain matches. Without EID hits it falls back to demographic scoring.
func (f *Finder) FindCandidates(ctx context.Context, target *empi.Target) ([]empi.MatchedPersonCandidate, error) {
	if target == nil {
		return nil, fmt.Errorf("%w: target is required", empi.ErrConfiguration)
	}

	byEID, err := f.eidCandidates(ctx, target)
	if err != nil {
		return nil, err
	}
	if len(byEID) > 0 {
		f.logger.Debug().Str("target", target.Ref()).Int("candidates", len(byEID)).Msg("candidates found by external EID")
		return byEID, nil
	}

	searchLimit := f.maxCandidates * 5
	if searchLimit < 20 {
		searchLimit = 20
	}
	records, err := f.searcher.SearchByDemographics(ctx, buildSearchParams(target), searchLimit)
	if err != nil {
		return nil, fmt.Errorf("search persons: %w", err)
	}

	var out []empi.MatchedPersonCandidate
	for _, r := range records {
		score := f.Score(target, r)
		result, ok := f.verdict(score)
		if !ok {
			continue
		}
		out = append(out, empi.MatchedPersonCandidate{PersonID: r.ID, MatchResult: result, Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > f.maxCandidates {
		out = out[:f.maxCandidates]
	}
	f.logger.Debug().Str("target", target.Ref()).Int("searched", len(records)).Int("candidates", len(out)).Msg("candidates scored")
	return out, nil
}

func (f *Finder) eidCandidates(ctx context.Context, target *empi.Target) ([]empi.MatchedPersonCandidate, error) {
	eids := f.eids.TargetEIDs(target)
	if len(eids) == 0 {
		return nil, nil
	}
	records, err := f.searcher.FindByIdentifiers(ctx, eids)
	if err != nil {
		return nil, fmt.Errorf("find persons by EID: %w", err)
	}

	var out []empi.MatchedPersonCandidate
	seen := make(map[uuid.UUID]bool)
	for _, r := range records {
		if seen[r.ID] {
			continue
		}
		ok, err := f.sharesEID(r, eids)
		if err != nil {
			return nil, err
		}
		if ok {
			seen[r.ID] = true
			out = append(out, empi.MatchedPersonCandidate{PersonID: r.ID, MatchResult: empi.MatchResultMatch, Score: 1.0})
		}
	}
	return out, nil
}

// sharesEID re-checks a search hit with the identifier matcher, constrained
// to each EID's own system.
func (f *Finder) sharesEID(r PersonRecord, eids []empi.CanonicalEID) (bool, error) {
	for _, id := range r.Identifiers {
		for _, e := range eids {
			ok, err := f.identifiers.Matches(id, e.Identifier(), true, e.System)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
	}
	return false, nil
}

func (f *Finder) verdict(score float64) (empi.MatchResult, bool) {
	switch {
	case score >= f.thresholds.Match:
		return empi.MatchResultMatch, true
	case score >= f.thresholds.PossibleMatch:
		return empi.MatchResultPossibleMatch, true
	}
	return "", false
}

// Score computes the weighted demographic similarity of target and r.
func (f *Finder) Score(target *empi.Target, r PersonRecord) float64 {
	w := f.weights
	score := 0.0

	if target.Family != "" && r.LastName != "" {
		score += w.LastName * jaroWinkler(target.Family, r.LastName)
	}
	if target.Given != "" && r.FirstName != "" {
		score += w.FirstName * jaroWinkler(target.Given, r.FirstName)
	}
	if target.BirthDate != "" && strings.EqualFold(target.BirthDate, r.BirthDate) {
		score += w.BirthDate
	}
	if target.Gender != "" && strings.EqualFold(target.Gender, r.Gender) {
		score += w.Gender
	}

	// Phone numbers are compared on their last four digits.
	if target.Phone != "" && r.Phone != "" {
		a, b := digits(target.Phone), digits(r.Phone)
		if len(a) >= 4 && len(b) >= 4 {
			if a[len(a)-4:] == b[len(b)-4:] {
				score += w.Phone
			}
		} else if a == b {
			score += w.Phone
		}
	}

	if target.Email != "" && strings.EqualFold(target.Email, r.Email) {
		score += w.Email
	}

	if target.AddressLine != "" && r.AddressLine != "" {
		na, nb := normalizeAddress(target.AddressLine), normalizeAddress(r.AddressLine)
		addr := 1.0
		if na != nb {
			addr = jaroWinkler(na, nb)
		}
		if target.PostalCode != "" && target.PostalCode == r.PostalCode {
			addr = (addr + 1.0) / 2.0
		}
		score += w.Address * addr
	}

	return math.Round(score*1000) / 1000
}

// Grade returns the FHIR match-grade code for a score.
func Grade(score float64) string {
	switch {
	case score >= 0.95:
		return "certain"
	case score >= 0.80:
		return "probable"
	case score >= 0.60:
		return "possible"
	default:
		return "certainly-not"
	}
}

func buildSearchParams(t *empi.Target) map[string]string {
	params := make(map[string]string)
	if t.Family != "" {
		params["family"] = t.Family
	}
	if t.Given != "" {
		params["given"] = t.Given
	}
	if t.BirthDate != "" {
		params["birthdate"] = t.BirthDate
	}
	return params
}
