package empi

import (
	"context"

	"github.com/google/uuid"
)

// CandidateFinder proposes persons for a target. An empty slice means no
// candidate was found; errors are reserved for infrastructure failures.
type CandidateFinder interface {
	FindCandidates(ctx context.Context, target *Target) ([]MatchedPersonCandidate, error)
}

// LinkStore persists links keyed by (PersonID, TargetRef).
type LinkStore interface {
	// Find returns ErrLinkNotFound when no link exists for the pair.
	Find(ctx context.Context, personID uuid.UUID, targetRef string) (*Link, error)
	FindByTargetAndResult(ctx context.Context, targetRef string, result MatchResult) ([]*Link, error)
	// Save inserts or updates the link keyed by (PersonID, TargetRef).
	Save(ctx context.Context, l *Link) (*Link, error)
	Delete(ctx context.Context, l *Link) error
}

// PersonRepository materializes and mutates canonical persons.
type PersonRepository interface {
	// Read returns ErrPersonNotFound when the person does not exist.
	Read(ctx context.Context, id uuid.UUID) (*Person, error)
	CreateFrom(ctx context.Context, target *Target) (*Person, error)
	// MergeFieldsFrom fills person fields the target has and the person lacks.
	MergeFieldsFrom(ctx context.Context, person *Person, target *Target) error
	// RefreshFieldsFrom applies an updated target's demographics to the person
	// it stays linked to.
	RefreshFieldsFrom(ctx context.Context, person *Person, target *Target) error
	AddEIDs(ctx context.Context, person *Person, eids []CanonicalEID) error
	OverwriteEIDs(ctx context.Context, person *Person, eids []CanonicalEID) error
	LinkedTargetCount(ctx context.Context, person *Person) (int, error)
}
