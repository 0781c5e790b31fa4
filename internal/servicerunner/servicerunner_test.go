package servicerunner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/multierr"
)

func TestServiceRunner(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	blocking := func(stopped *atomic.Int32) Service {
		return func(ctx context.Context) error {
			<-ctx.Done()
			stopped.Add(1)
			return ctx.Err()
		}
	}

	t.Run("no services", func(t *testing.T) {
		require.NoError(t, NewServiceRunner().Run(t.Context()))
	})

	t.Run("parent context canceled", func(t *testing.T) {
		var stopped atomic.Int32
		ctx, cancel := context.WithCancel(t.Context())

		done := make(chan error, 1)
		go func() {
			done <- NewServiceRunner(blocking(&stopped), blocking(&stopped)).
				Add(blocking(&stopped)).
				Run(ctx)
		}()

		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Fatal("Runner did not return in 3s")
		}
		assert.Equal(t, int32(3), stopped.Load())
	})

	t.Run("one service fails", func(t *testing.T) {
		var stopped atomic.Int32
		failing := func(ctx context.Context) error {
			return errors.New("simulated")
		}

		err := NewServiceRunner(blocking(&stopped), failing, blocking(&stopped)).Run(t.Context())
		require.EqualError(t, err, "simulated")
		assert.Equal(t, int32(2), stopped.Load())
	})

	t.Run("errors are combined", func(t *testing.T) {
		err1 := errors.New("err1")
		err2 := errors.New("err2")
		err := NewServiceRunner(
			func(ctx context.Context) error { return err1 },
			func(ctx context.Context) error {
				<-ctx.Done()
				return err2
			},
		).Run(t.Context())

		require.ErrorIs(t, err, err1)
		require.ErrorIs(t, err, err2)
		assert.Len(t, multierr.Errors(err), 2)
	})
}
