package profile

import (
	"context"

	"github.com/nugget/parley/internal/chat"
)

// Provider resolves the single configured learner's profile, creating
// the default one on first use.
type Provider struct {
	store *Store
	id    string
}

// NewProvider returns a provider for the profile id.
func NewProvider(store *Store, id string) *Provider {
	return &Provider{store: store, id: id}
}

// ID returns the profile ID the provider resolves.
func (p *Provider) ID() string { return p.id }

// Profile returns the current profile.
func (p *Provider) Profile(ctx context.Context) (chat.UserProfile, error) {
	return p.store.GetOrCreate(ctx, p.id)
}
