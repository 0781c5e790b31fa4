package components

import (
	"errors"
	"time"
)

const (
	DefaultHostHealthCheckDeadline = 20 * time.Second
	DefaultCleanupInterval         = 5 * time.Minute
	DefaultCacheEntryTTL           = 24 * time.Hour
)

// ProviderConfig contains the configuration for providers
type ProviderConfig struct {
	// Maximum interval between health checks received from a host
	// Hosts that don't send health checks within this interval are removed from the cluster
	HostHealthCheckDeadline time.Duration

	// Interval for the garbage collection of expired hosts and cache entries
	CleanupInterval time.Duration

	// Time after which cache entries that haven't been updated are removed
	CacheEntryTTL time.Duration
}

// SetDefaults sets the default values for properties that are empty.
func (o *ProviderConfig) SetDefaults() {
	if o.HostHealthCheckDeadline == 0 {
		o.HostHealthCheckDeadline = DefaultHostHealthCheckDeadline
	}
	if o.CleanupInterval == 0 {
		o.CleanupInterval = DefaultCleanupInterval
	}
	if o.CacheEntryTTL == 0 {
		o.CacheEntryTTL = DefaultCacheEntryTTL
	}
}

// Validate the configuration.
func (o *ProviderConfig) Validate() error {
	if o.HostHealthCheckDeadline < time.Second {
		return errors.New("property HostHealthCheckDeadline is not valid: must be at least 1s")
	}
	if o.CleanupInterval < time.Second {
		return errors.New("property CleanupInterval is not valid: must be at least 1s")
	}
	if o.CacheEntryTTL < time.Minute {
		return errors.New("property CacheEntryTTL is not valid: must be at least 1m")
	}
	return nil
}

// HealthCheckInterval returns the interval at which hosts should send health checks.
// It's half of the deadline, so one missed health check doesn't cause the host to be removed.
func (o ProviderConfig) HealthCheckInterval() time.Duration {
	return o.HostHealthCheckDeadline / 2
}
