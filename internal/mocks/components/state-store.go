// Package components_mocks contains mocks for the interfaces in the components package.
package components_mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/italypaleale/orbit/actor"
	"github.com/italypaleale/orbit/components"
)

var _ components.StateStore = (*MockStateStore)(nil)

// MockStateStore is a mock implementation of components.StateStore.
type MockStateStore struct {
	mock.Mock
}

// NewMockStateStore returns a new MockStateStore that asserts its expectations at the end of the test.
func NewMockStateStore(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockStateStore {
	m := &MockStateStore{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// ReadState implements components.StateStore.
func (m *MockStateStore) ReadState(ctx context.Context, identity actor.Identity) (bool, []byte, error) {
	args := m.Called(ctx, identity)

	var data []byte
	if v := args.Get(1); v != nil {
		data = v.([]byte)
	}
	return args.Bool(0), data, args.Error(2)
}

// WriteState implements components.StateStore.
func (m *MockStateStore) WriteState(ctx context.Context, identity actor.Identity, data []byte) error {
	args := m.Called(ctx, identity, data)
	return args.Error(0)
}

// ClearState implements components.StateStore.
func (m *MockStateStore) ClearState(ctx context.Context, identity actor.Identity) error {
	args := m.Called(ctx, identity)
	return args.Error(0)
}
