package model

import (
	"encoding/json"
	"sort"
	"strings"
)

// Address identifies a cluster node
type Address string

// String implements fmt.Stringer
func (a Address) String() string {
	return string(a)
}

// AddressSet is an immutable set of node addresses.
// Every operation returns a new set; the receiver and arguments are never modified.
// The zero value is the empty set.
type AddressSet struct {
	members []Address // sorted, unique
}

// EmptyAddressSet returns the empty set
func EmptyAddressSet() AddressSet {
	return AddressSet{}
}

// SingletonAddressSet returns a set holding only addr
func SingletonAddressSet(addr Address) AddressSet {
	return AddressSet{members: []Address{addr}}
}

// NewAddressSet builds a set from the given addresses, dropping duplicates
func NewAddressSet(addrs ...Address) AddressSet {
	if len(addrs) == 0 {
		return AddressSet{}
	}
	members := make([]Address, len(addrs))
	copy(members, addrs)
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })

	unique := members[:1]
	for _, addr := range members[1:] {
		if addr != unique[len(unique)-1] {
			unique = append(unique, addr)
		}
	}
	return AddressSet{members: unique}
}

// Contains reports whether addr is a member of the set
func (s AddressSet) Contains(addr Address) bool {
	idx := sort.Search(len(s.members), func(i int) bool { return s.members[i] >= addr })
	return idx < len(s.members) && s.members[idx] == addr
}

// IsEmpty reports whether the set has no members
func (s AddressSet) IsEmpty() bool {
	return len(s.members) == 0
}

// Size returns the number of members
func (s AddressSet) Size() int {
	return len(s.members)
}

// Slice returns the members in ascending order. The returned slice is a copy.
func (s AddressSet) Slice() []Address {
	out := make([]Address, len(s.members))
	copy(out, s.members)
	return out
}

// Each calls fn for every member in ascending order
func (s AddressSet) Each(fn func(Address)) {
	for _, addr := range s.members {
		fn(addr)
	}
}

// With returns s ∪ {addr}
func (s AddressSet) With(addr Address) AddressSet {
	if s.Contains(addr) {
		return s
	}
	return NewAddressSet(append(s.Slice(), addr)...)
}

// Without returns s − {addr}
func (s AddressSet) Without(addr Address) AddressSet {
	if !s.Contains(addr) {
		return s
	}
	return s.filter(func(a Address) bool { return a != addr })
}

// WithAll returns s ∪ other
func (s AddressSet) WithAll(other AddressSet) AddressSet {
	if other.IsEmpty() {
		return s
	}
	if s.IsEmpty() {
		return other
	}
	return NewAddressSet(append(s.Slice(), other.members...)...)
}

// WithoutAll returns s − other
func (s AddressSet) WithoutAll(other AddressSet) AddressSet {
	if other.IsEmpty() || s.IsEmpty() {
		return s
	}
	return s.filter(func(a Address) bool { return !other.Contains(a) })
}

// WithAllWithoutAll returns (s ∪ toAdd) − toRemove.
// An address present in both toAdd and toRemove ends up absent.
func (s AddressSet) WithAllWithoutAll(toAdd, toRemove AddressSet) AddressSet {
	return s.WithAll(toAdd).WithoutAll(toRemove)
}

// RetainAll returns s ∩ other
func (s AddressSet) RetainAll(other AddressSet) AddressSet {
	return s.filter(other.Contains)
}

// Equal reports whether both sets hold the same members
func (s AddressSet) Equal(other AddressSet) bool {
	if len(s.members) != len(other.members) {
		return false
	}
	for i := range s.members {
		if s.members[i] != other.members[i] {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer
func (s AddressSet) String() string {
	parts := make([]string, len(s.members))
	for i, addr := range s.members {
		parts[i] = string(addr)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// MarshalJSON encodes the set as a JSON array
func (s AddressSet) MarshalJSON() ([]byte, error) {
	if s.members == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.members)
}

// UnmarshalJSON decodes a JSON array into the set
func (s *AddressSet) UnmarshalJSON(data []byte) error {
	var addrs []Address
	if err := json.Unmarshal(data, &addrs); err != nil {
		return err
	}
	*s = NewAddressSet(addrs...)
	return nil
}

func (s AddressSet) filter(keep func(Address) bool) AddressSet {
	out := make([]Address, 0, len(s.members))
	for _, addr := range s.members {
		if keep(addr) {
			out = append(out, addr)
		}
	}
	if len(out) == 0 {
		return AddressSet{}
	}
	return AddressSet{members: out}
}
