package authpipeline

import (
	"context"

	"github.com/google/uuid"
)

type contextKey int

const requestContextKey contextKey = 0

// RequestIdentity is what C6 attaches to the request context: the
// resolved instance/user, and a bearer only after full auth.
type RequestIdentity struct {
	InstanceID uuid.UUID
	UserID     uuid.UUID
	Bearer     string
}

// NewContext returns a context carrying id.
func NewContext(ctx context.Context, id RequestIdentity) context.Context {
	return context.WithValue(ctx, requestContextKey, id)
}

// FromContext retrieves the RequestIdentity attached by a pipeline stage.
func FromContext(ctx context.Context) (RequestIdentity, bool) {
	id, ok := ctx.Value(requestContextKey).(RequestIdentity)
	return id, ok
}
