package algorithm

import (
	"fmt"
	"math"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/devrev/pairdb/cache-node/internal/model"
)

// ConsistentHash maps keys to segments and segments to an ordered owner list,
// primary first. Implementations are immutable snapshots.
type ConsistentHash interface {
	PrimaryOwner(key string) model.Address
	Owners(key string) []model.Address
	NumOwners() int
	Segment(key string) int
	OwnersForSegment(segment int) []model.Address
	PrimarySegmentsForOwner(addr model.Address) map[int]struct{}
	NumSegments() int
	Members() []model.Address
}

// DefaultVirtualNodes is the number of ring positions per member
const DefaultVirtualNodes = 64

// SegmentedHash assigns a fixed number of segments to members by walking a
// virtual node ring from each segment's position and collecting distinct members
type SegmentedHash struct {
	numSegments   int
	numOwners     int
	members       []model.Address
	segmentOwners [][]model.Address
}

// NewSegmentedHash builds the ownership table for members. numOwners is capped at
// the member count; a non-positive numOwners makes every member an owner.
func NewSegmentedHash(members []model.Address, numSegments, numOwners, virtualNodes int) *SegmentedHash {
	if numSegments <= 0 {
		numSegments = 1
	}
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}

	sorted := model.NewAddressSet(members...).Slice()
	if numOwners <= 0 || numOwners > len(sorted) {
		numOwners = len(sorted)
	}

	h := &SegmentedHash{
		numSegments:   numSegments,
		numOwners:     numOwners,
		members:       sorted,
		segmentOwners: make([][]model.Address, numSegments),
	}
	if len(sorted) == 0 {
		return h
	}

	ring, ringMap := buildRing(sorted, virtualNodes)
	step := math.MaxUint64 / uint64(numSegments)
	for seg := 0; seg < numSegments; seg++ {
		h.segmentOwners[seg] = walkRing(ring, ringMap, uint64(seg)*step, numOwners)
	}
	return h
}

func buildRing(members []model.Address, virtualNodes int) ([]uint64, map[uint64]model.Address) {
	ring := make([]uint64, 0, len(members)*virtualNodes)
	ringMap := make(map[uint64]model.Address, len(members)*virtualNodes)
	for _, member := range members {
		for i := 0; i < virtualNodes; i++ {
			hash := xxhash.Sum64String(fmt.Sprintf("%s-vnode-%d", member, i))
			if _, taken := ringMap[hash]; taken {
				continue
			}
			ring = append(ring, hash)
			ringMap[hash] = member
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i] < ring[j] })
	return ring, ringMap
}

func walkRing(ring []uint64, ringMap map[uint64]model.Address, position uint64, count int) []model.Address {
	idx := sort.Search(len(ring), func(i int) bool {
		return ring[i] >= position
	})
	if idx >= len(ring) {
		idx = 0
	}

	owners := make([]model.Address, 0, count)
	seen := make(map[model.Address]bool, count)
	for i := 0; i < len(ring) && len(owners) < count; i++ {
		member := ringMap[ring[(idx+i)%len(ring)]]
		if !seen[member] {
			owners = append(owners, member)
			seen[member] = true
		}
	}
	return owners
}

// Segment returns the segment a key belongs to
func (h *SegmentedHash) Segment(key string) int {
	return int(xxhash.Sum64String(key) % uint64(h.numSegments))
}

// PrimaryOwner returns the first owner of the key's segment, or "" with no members
func (h *SegmentedHash) PrimaryOwner(key string) model.Address {
	owners := h.segmentOwners[h.Segment(key)]
	if len(owners) == 0 {
		return ""
	}
	return owners[0]
}

// Owners returns the owners of the key's segment, primary first
func (h *SegmentedHash) Owners(key string) []model.Address {
	return h.OwnersForSegment(h.Segment(key))
}

// OwnersForSegment returns a copy of the segment's owner list
func (h *SegmentedHash) OwnersForSegment(segment int) []model.Address {
	if segment < 0 || segment >= h.numSegments {
		return nil
	}
	owners := h.segmentOwners[segment]
	out := make([]model.Address, len(owners))
	copy(out, owners)
	return out
}

// PrimarySegmentsForOwner returns the segments whose primary is addr
func (h *SegmentedHash) PrimarySegmentsForOwner(addr model.Address) map[int]struct{} {
	segments := make(map[int]struct{})
	for seg, owners := range h.segmentOwners {
		if len(owners) > 0 && owners[0] == addr {
			segments[seg] = struct{}{}
		}
	}
	return segments
}

func (h *SegmentedHash) NumOwners() int {
	return h.numOwners
}

func (h *SegmentedHash) NumSegments() int {
	return h.numSegments
}

// Members returns the members in ascending order
func (h *SegmentedHash) Members() []model.Address {
	out := make([]model.Address, len(h.members))
	copy(out, h.members)
	return out
}
