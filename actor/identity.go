package actor

import (
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"
)

// NoIdentity is the ID used by actors that have a single instance per interface.
const NoIdentity = "!singleton"

// ControlInterfaceID is reserved for the runtime's control operations.
const ControlInterfaceID int32 = 0

// Identity uniquely names a logical actor.
type Identity struct {
	// Stable ID of the actor interface
	InterfaceID int32
	// ID of the actor, or NoIdentity
	ID string
}

// NewIdentity returns the identity of an actor given the name of its interface.
// If id is empty, the identity refers to the singleton actor for the interface.
func NewIdentity(interfaceName string, id string) Identity {
	if id == "" {
		id = NoIdentity
	}
	return Identity{
		InterfaceID: StableID(interfaceName),
		ID:          id,
	}
}

// IsSingleton returns true if the identity references a singleton actor.
func (i Identity) IsSingleton() bool {
	return i.ID == NoIdentity
}

// String implements fmt.Stringer.
// The value is used as key for placement and for the activation table.
func (i Identity) String() string {
	return strconv.FormatInt(int64(i.InterfaceID), 10) + "/" + i.ID
}

// ParseIdentity parses the value returned by Identity.String.
func ParseIdentity(s string) (Identity, bool) {
	ifaceStr, id, ok := strings.Cut(s, "/")
	if !ok || id == "" {
		return Identity{}, false
	}
	iface, err := strconv.ParseInt(ifaceStr, 10, 32)
	if err != nil {
		return Identity{}, false
	}
	return Identity{InterfaceID: int32(iface), ID: id}, true
}

// StableID returns the numeric ID for an interface or method name.
// IDs are stable across processes and builds, and they are always positive (0 is reserved).
func StableID(name string) int32 {
	id := int32(xxh3.HashString(name) & 0x7fffffff)
	if id == 0 {
		id = 1
	}
	return id
}
