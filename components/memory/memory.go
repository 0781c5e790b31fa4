// Package memory contains in-memory components: a StateStore, which is used by default, and a Provider for tests and single-process clusters.
// State is lost when the process exits.
package memory

import (
	"context"
	"slices"

	"github.com/alphadose/haxmap"

	"github.com/italypaleale/orbit/actor"
)

// StateStore is an in-memory implementation of components.StateStore.
type StateStore struct {
	data *haxmap.Map[string, []byte]
}

// NewStateStore returns a new, empty StateStore.
func NewStateStore() *StateStore {
	return &StateStore{
		data: haxmap.New[string, []byte](),
	}
}

// ReadState implements components.StateStore.
func (s *StateStore) ReadState(_ context.Context, identity actor.Identity) (bool, []byte, error) {
	data, ok := s.data.Get(identity.String())
	if !ok {
		return false, nil, nil
	}
	return true, slices.Clone(data), nil
}

// WriteState implements components.StateStore.
func (s *StateStore) WriteState(_ context.Context, identity actor.Identity, data []byte) error {
	s.data.Set(identity.String(), slices.Clone(data))
	return nil
}

// ClearState implements components.StateStore.
func (s *StateStore) ClearState(_ context.Context, identity actor.Identity) error {
	s.data.Del(identity.String())
	return nil
}

// Len returns the number of actors with a state.
func (s *StateStore) Len() int {
	return int(s.data.Len())
}
