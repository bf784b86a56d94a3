package pipeline

import (
	"context"

	"proofmint/internal/domain"
)

// Publisher receives every record after it is durably appended.
// Publication is best effort and never changes the submission result.
type Publisher interface {
	Publish(ctx context.Context, r *domain.SubmissionRecord) error
	Name() string
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc struct {
	ID string
	Fn func(ctx context.Context, r *domain.SubmissionRecord) error
}

// Publish implements Publisher.
func (p PublisherFunc) Publish(ctx context.Context, r *domain.SubmissionRecord) error {
	return p.Fn(ctx, r)
}

// Name implements Publisher.
func (p PublisherFunc) Name() string { return p.ID }
