package model

import (
	"fmt"
	"sort"
	"sync/atomic"
)

// CommandInvocationID identifies one logical write operation across the cluster
type CommandInvocationID struct {
	Origin Address `json:"origin"`
	Seq    uint64  `json:"seq"`
}

func (id CommandInvocationID) String() string {
	return fmt.Sprintf("%s#%d", id.Origin, id.Seq)
}

// IsZero reports whether the id was never assigned
func (id CommandInvocationID) IsZero() bool {
	return id.Origin == "" && id.Seq == 0
}

// InvocationIDGenerator hands out invocation ids for writes originated on one node
type InvocationIDGenerator struct {
	origin Address
	seq    atomic.Uint64
}

// NewInvocationIDGenerator creates a generator for the given origin
func NewInvocationIDGenerator(origin Address) *InvocationIDGenerator {
	return &InvocationIDGenerator{origin: origin}
}

// Next returns a fresh id. Sequence numbers start at 1.
func (g *InvocationIDGenerator) Next() CommandInvocationID {
	return CommandInvocationID{Origin: g.origin, Seq: g.seq.Add(1)}
}

// CommandKind identifies the operation a Command carries
type CommandKind int

const (
	CmdGet CommandKind = iota + 1
	CmdContainsKey
	CmdPut
	CmdPutIfAbsent
	CmdReplace
	CmdRemove
	CmdPutMap
	CmdRemoveMany
)

func (k CommandKind) String() string {
	switch k {
	case CmdGet:
		return "get"
	case CmdContainsKey:
		return "contains_key"
	case CmdPut:
		return "put"
	case CmdPutIfAbsent:
		return "put_if_absent"
	case CmdReplace:
		return "replace"
	case CmdRemove:
		return "remove"
	case CmdPutMap:
		return "put_map"
	case CmdRemoveMany:
		return "remove_many"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// IsRead reports whether the kind never modifies state
func (k CommandKind) IsRead() bool {
	return k == CmdGet || k == CmdContainsKey
}

// IsBatch reports whether the kind spans several keys
func (k CommandKind) IsBatch() bool {
	return k == CmdPutMap || k == CmdRemoveMany
}

// IsConditional reports whether the write may be rejected by the current value
func (k CommandKind) IsConditional() bool {
	return k == CmdPutIfAbsent || k == CmdReplace || k == CmdRemove
}

// Flags alter how a command is routed
type Flags uint32

const (
	// FlagCacheModeLocal executes the command on the local node only
	FlagCacheModeLocal Flags = 1 << iota
	// FlagSkipLocking applies the write without taking the per-key lock
	FlagSkipLocking
	// FlagSkipRemoteLookup answers reads from local state only
	FlagSkipRemoteLookup
	// FlagForceAsynchronous replicates without waiting for backups
	FlagForceAsynchronous
)

// Has reports whether all bits of f are set
func (fl Flags) Has(f Flags) bool {
	return fl&f == f
}

// Command is a read or write against a cache. Kind selects which fields are meaningful:
//
//	Get, ContainsKey        Key
//	Put, PutIfAbsent        Key, Value
//	Replace                 Key, Value, Expected (nil Expected replaces any existing value)
//	Remove                  Key, Expected (nil Expected removes unconditionally)
//	PutMap                  Entries
//	RemoveMany              Keys
type Command struct {
	ID        CommandInvocationID `json:"id"`
	Kind      CommandKind         `json:"kind"`
	Key       string              `json:"key,omitempty"`
	Value     []byte              `json:"value,omitempty"`
	Expected  []byte              `json:"expected,omitempty"`
	Entries   map[string][]byte   `json:"entries,omitempty"`
	Keys      []string            `json:"keys,omitempty"`
	Flags     Flags               `json:"flags,omitempty"`
	Forwarded bool                `json:"forwarded,omitempty"`
}

// AffectedKeys returns the keys the command touches in ascending order
func (c *Command) AffectedKeys() []string {
	switch c.Kind {
	case CmdPutMap:
		keys := make([]string, 0, len(c.Entries))
		for k := range c.Entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return keys
	case CmdRemoveMany:
		keys := make([]string, len(c.Keys))
		copy(keys, c.Keys)
		sort.Strings(keys)
		return keys
	default:
		return []string{c.Key}
	}
}

// WithKeys returns a shallow copy of a batch command restricted to keys.
// The receiver is left untouched.
func (c *Command) WithKeys(keys []string) *Command {
	out := *c
	switch c.Kind {
	case CmdPutMap:
		out.Entries = make(map[string][]byte, len(keys))
		for _, k := range keys {
			if v, ok := c.Entries[k]; ok {
				out.Entries[k] = v
			}
		}
	case CmdRemoveMany:
		out.Keys = make([]string, len(keys))
		copy(out.Keys, keys)
	}
	return &out
}

// KeySet returns the affected keys as a set, the shape expected by the partitioners
func (c *Command) KeySet() map[string]struct{} {
	keys := c.AffectedKeys()
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

func (c *Command) String() string {
	if c.Kind.IsBatch() {
		return fmt.Sprintf("%s{id=%s, keys=%d, forwarded=%t}", c.Kind, c.ID, len(c.AffectedKeys()), c.Forwarded)
	}
	return fmt.Sprintf("%s{id=%s, key=%s}", c.Kind, c.ID, c.Key)
}

// Result is the outcome of applying a command.
//
// Successful is false when a conditional write was rejected by the current value.
// For reads, Found reports whether the key had a value. A ContainsKey answered by a
// node that could not decide returns Successful=false and Found=false (unknown).
type Result struct {
	Successful bool              `json:"successful"`
	Found      bool              `json:"found,omitempty"`
	Value      []byte            `json:"value,omitempty"`
	Values     map[string][]byte `json:"values,omitempty"`
}

// Merge folds the per-key values of other into r
func (r *Result) Merge(other *Result) {
	if other == nil || len(other.Values) == 0 {
		return
	}
	if r.Values == nil {
		r.Values = make(map[string][]byte, len(other.Values))
	}
	for k, v := range other.Values {
		r.Values[k] = v
	}
}
