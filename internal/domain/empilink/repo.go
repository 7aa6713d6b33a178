package empilink

import (
	"context"

	"github.com/ehr/empi/internal/domain/person"
	"github.com/ehr/empi/internal/empi"
)

type LinkRepository interface {
	empi.LinkStore
	person.LinkCounter
	person.LinkLister

	// LockTarget serializes decision cycles on one target until the
	// surrounding transaction ends.
	LockTarget(ctx context.Context, targetRef string) error
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Link, int, error)
}
