// Package servicerunner runs multiple long-running services until the first one returns.
package servicerunner

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/multierr"
)

// Service is a long-running function that returns when the context is canceled.
type Service func(ctx context.Context) error

// ServiceRunner oversees running a set of services in parallel.
// When one service returns, the context of all others is canceled, and the runner waits for them to stop.
type ServiceRunner struct {
	services []Service
}

// NewServiceRunner returns a new ServiceRunner for the services.
func NewServiceRunner(services ...Service) *ServiceRunner {
	return &ServiceRunner{
		services: services,
	}
}

// Add more services to the runner.
func (r *ServiceRunner) Add(services ...Service) *ServiceRunner {
	r.services = append(r.services, services...)
	return r
}

// Run all services and block until they have all returned.
// The returned error combines the errors of all services, ignoring context cancellation.
func (r *ServiceRunner) Run(parentCtx context.Context) error {
	if len(r.services) == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		lock sync.Mutex
		err  error
	)
	for _, s := range r.services {
		wg.Go(func() {
			// When a service returns, stop all the others
			defer cancel()

			rErr := s(ctx)
			if rErr != nil && !errors.Is(rErr, context.Canceled) {
				lock.Lock()
				err = multierr.Append(err, rErr)
				lock.Unlock()
			}
		})
	}

	wg.Wait()
	return err
}
