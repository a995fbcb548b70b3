// Package registry supplies per-model metadata (cost, context window,
// quality tier, capabilities) to the tier selector and the gateway.
//
// Two providers exist: a static one backed by a YAML manifest and a dynamic
// one that refreshes from a remote model index. The dynamic provider never
// blocks a lookup on a fetch; stale descriptors are served until a refresh
// succeeds, and fetch failures fall back to static data.
package registry

import (
	"context"

	"github.com/sirupsen/logrus"

	"dev.helix.council/internal/config"
	"dev.helix.council/internal/models"
)

// Provider is the single lookup contract all components depend on.
type Provider interface {
	// Describe returns the descriptor for a model, or false when unknown.
	Describe(ctx context.Context, modelID string) (*models.ModelDescriptor, bool)
	// List returns all known descriptors.
	List(ctx context.Context) []*models.ModelDescriptor
}

// NewProvider chooses a concrete provider from configuration: offline mode
// or a missing index URL yields the static provider, otherwise the dynamic
// provider layered over the static one.
func NewProvider(cfg config.RegistryConfig, offline bool, logger *logrus.Logger) (Provider, error) {
	static, err := NewStaticProvider(cfg.ManifestPath)
	if err != nil {
		return nil, err
	}
	if offline || !cfg.IntelligenceEnabled || cfg.IndexURL == "" {
		return static, nil
	}
	return NewDynamicProvider(cfg, static, logger), nil
}
