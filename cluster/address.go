package cluster

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/google/uuid"
)

// NodeAddress uniquely identifies a member of the cluster.
// It's a 128-bit UUID, assigned when a node joins.
type NodeAddress [16]byte

// NewNodeAddress returns a new, random NodeAddress.
func NewNodeAddress() (NodeAddress, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return NodeAddress{}, fmt.Errorf("failed to generate node address: %w", err)
	}
	return NodeAddress(u), nil
}

// ParseNodeAddress parses a NodeAddress from its string representation.
func ParseNodeAddress(s string) (NodeAddress, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NodeAddress{}, fmt.Errorf("invalid node address '%s': %w", s, err)
	}
	return NodeAddress(u), nil
}

// NodeAddressFromBytes returns a NodeAddress from a 16-byte slice.
func NodeAddressFromBytes(b []byte) (NodeAddress, error) {
	u, err := uuid.FromBytes(b)
	if err != nil {
		return NodeAddress{}, fmt.Errorf("invalid node address: %w", err)
	}
	return NodeAddress(u), nil
}

// IsZero returns true if the address is the zero value.
func (a NodeAddress) IsZero() bool {
	return a == NodeAddress{}
}

// String implements fmt.Stringer.
func (a NodeAddress) String() string {
	return uuid.UUID(a).String()
}

// Compare returns -1, 0 or +1 comparing two addresses byte-by-byte.
func (a NodeAddress) Compare(b NodeAddress) int {
	return bytes.Compare(a[:], b[:])
}

// SortedView returns a sorted copy of the view, without duplicates.
func SortedView(view []NodeAddress) []NodeAddress {
	res := slices.Clone(view)
	slices.SortFunc(res, NodeAddress.Compare)
	return slices.Compact(res)
}
