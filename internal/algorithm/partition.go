package algorithm

import (
	"sort"

	"github.com/devrev/pairdb/cache-node/internal/model"
)

// PartitionByPrimary groups entries by the primary owner of each key's segment.
// Keys whose primary is exclude are left out; pass "" to keep every key.
// Works for maps (values to write) and sets (map[string]struct{}) alike.
func PartitionByPrimary[V any](ch ConsistentHash, entries map[string]V, exclude model.Address) map[model.Address]map[string]V {
	partitions := make(map[model.Address]map[string]V)
	primaries := make(map[int]model.Address)

	for key, value := range entries {
		seg := ch.Segment(key)
		primary, ok := primaries[seg]
		if !ok {
			if owners := ch.OwnersForSegment(seg); len(owners) > 0 {
				primary = owners[0]
			}
			primaries[seg] = primary
		}
		if primary == "" || primary == exclude {
			continue
		}
		addTo(partitions, primary, key, value)
	}
	return partitions
}

// PartitionByBackup groups the entries whose segment has primary as its primary
// owner by every backup owner of that segment
func PartitionByBackup[V any](ch ConsistentHash, entries map[string]V, primary model.Address) map[model.Address]map[string]V {
	partitions := make(map[model.Address]map[string]V)
	backups := make(map[int][]model.Address)

	for key, value := range entries {
		seg := ch.Segment(key)
		segBackups, ok := backups[seg]
		if !ok {
			owners := ch.OwnersForSegment(seg)
			if len(owners) > 0 && owners[0] == primary {
				segBackups = owners[1:]
			}
			backups[seg] = segBackups
		}
		for _, backup := range segBackups {
			addTo(partitions, backup, key, value)
		}
	}
	return partitions
}

// SortedKeys returns the keys of m in ascending order
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func addTo[V any](partitions map[model.Address]map[string]V, target model.Address, key string, value V) {
	partition, ok := partitions[target]
	if !ok {
		partition = make(map[string]V)
		partitions[target] = partition
	}
	partition[key] = value
}
