package comptesting

import (
	"context"
	"time"

	"github.com/italypaleale/orbit/components"
)

// ProviderTesting extends the Provider interface adding test-only methods
type ProviderTesting interface {
	components.Provider

	// CleanupExpired performs garbage collection of expired records
	CleanupExpired() error

	// Seed replaces all data in the store with the spec
	Seed(ctx context.Context, spec Spec) error

	// Now returns the current time
	// Providers that do not have a mocked clock should respond with time.Now()
	Now() time.Time

	// AdvanceClock advances the clock
	// Providers that do not have a mocked clock should sleep for the given duration
	AdvanceClock(d time.Duration) error

	// GetAllHosts returns all stored hosts, including unhealthy ones
	GetAllHosts(ctx context.Context) (HostSpecCollection, error)

	// GetAllActorState returns all stored actor state
	GetAllActorState(ctx context.Context) (ActorStateSpecCollection, error)

	// GetAllCacheEntries returns all stored cache entries
	GetAllCacheEntries(ctx context.Context) (CacheEntrySpecCollection, error)
}
