package person

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/ehr/empi/internal/empi"
)

// ErrVersionConflict reports an update against a person version that is no
// longer current.
var ErrVersionConflict = errors.New("person version conflict")

type PersonRepository interface {
	Create(ctx context.Context, p *Person) error
	// GetByID returns empi.ErrPersonNotFound when no row exists.
	GetByID(ctx context.Context, id uuid.UUID) (*Person, error)
	// GetForUpdate is GetByID holding a row lock until the surrounding
	// transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Person, error)
	// Update writes p only if p.VersionID is still the stored version and
	// returns ErrVersionConflict otherwise.
	Update(ctx context.Context, p *Person) error
	Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Person, int, error)
	// SearchByDemographics returns active persons sharing the family name or
	// the birth date given in params.
	SearchByDemographics(ctx context.Context, params map[string]string, limit int) ([]*Person, error)
	// FindByIdentifiers returns active persons carrying any of the EIDs.
	FindByIdentifiers(ctx context.Context, eids []empi.CanonicalEID) ([]*Person, error)
}

// LinkCounter reports how many targets a person is linked to.
type LinkCounter interface {
	CountLinkedTargets(ctx context.Context, personID uuid.UUID) (int, error)
}

// LinkLister lists the target links of a person for rendering.
type LinkLister interface {
	ListPersonLinks(ctx context.Context, personID uuid.UUID) ([]LinkView, error)
}
