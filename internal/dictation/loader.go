package dictation

import (
	"context"

	"github.com/loqalabs/loqa-dictation/internal/capability"
	"github.com/loqalabs/loqa-dictation/internal/models"
)

// OpenFunc constructs an engine for an installed model.
type OpenFunc func(ctx context.Context, rec models.Record) (capability.Engine, error)

// ResolvingLoader returns a capability loader that reads the preferred model
// on every call, resolves it against the registry and opens it. Nothing is
// opened when resolution fails, so a missing model surfaces as
// model_unavailable.
func ResolvingLoader(registry *models.Registry, kind models.Kind, preferred func() string, candidates []string, open OpenFunc) capability.Loader {
	return func(ctx context.Context) (capability.Engine, error) {
		rec, err := registry.Resolve(kind, preferred(), candidates)
		if err != nil {
			return nil, err
		}
		return open(ctx, rec)
	}
}
