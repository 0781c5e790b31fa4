package sqlite

import (
	"errors"
	"time"

	"k8s.io/utils/clock"
)

const (
	DefaultTimeout = 15 * time.Second
)

type SQLiteProviderOptions struct {
	// Connection string for the SQLite database
	// If empty, uses DefaultConnectionString
	ConnectionString string

	// Timeout for requests to the database
	// It's also how long queries wait for locks held by other connections
	Timeout time.Duration

	// Interval at which to perform garbage collection
	// If zero, uses the value from the provider configuration
	// If negative, garbage collection is disabled, which is useful for testing
	CleanupInterval time.Duration

	// Clock, used to pass a mock one for testing
	clock clock.WithTicker
}

func (o *SQLiteProviderOptions) setDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.clock == nil {
		o.clock = clock.RealClock{}
	}
}

func (o SQLiteProviderOptions) validate() error {
	if o.Timeout < time.Second {
		return errors.New("property Timeout is not valid: must be at least 1s")
	}
	return nil
}
