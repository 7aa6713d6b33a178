package empi

import "errors"

var (
	// ErrConfiguration marks caller or deployment mistakes: incompatible matcher
	// inputs, missing EID systems, unmanaged resource types. Not retryable.
	ErrConfiguration = errors.New("empi configuration error")

	// ErrCollaborator marks failures of the link store, person repository or
	// candidate finder. The whole cycle may be retried.
	ErrCollaborator = errors.New("empi collaborator failure")

	// ErrInvariant marks link state that contradicts what a decision branch
	// requires. The cycle is aborted.
	ErrInvariant = errors.New("empi invariant violation")

	ErrPersonNotFound = errors.New("person not found")
	ErrLinkNotFound   = errors.New("link not found")
)

// IsRetryable reports whether err came from a collaborator and the decision
// cycle can be attempted again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrCollaborator) && !errors.Is(err, ErrConfiguration) && !errors.Is(err, ErrInvariant)
}
