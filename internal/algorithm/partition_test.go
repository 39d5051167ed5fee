package algorithm

import (
	"fmt"
	"testing"

	"github.com/devrev/pairdb/cache-node/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hundredEntries() map[string][]byte {
	entries := make(map[string][]byte, 100)
	for i := 0; i < 100; i++ {
		entries[fmt.Sprintf("key-%03d", i)] = []byte(fmt.Sprintf("value-%d", i))
	}
	return entries
}

func TestPartitionByPrimary_CoversEveryKeyOnce(t *testing.T) {
	h := NewSegmentedHash(fourNodes, 64, 2, 0)
	entries := hundredEntries()

	partitions := PartitionByPrimary(h, entries, "")

	seen := make(map[string]model.Address)
	for dest, partition := range partitions {
		require.NotEmpty(t, partition, "empty partitions are never produced")
		for key, value := range partition {
			_, dup := seen[key]
			assert.False(t, dup, "key %s sent to more than one primary", key)
			seen[key] = dest
			assert.Equal(t, dest, h.PrimaryOwner(key))
			assert.Equal(t, entries[key], value)
		}
	}
	assert.Len(t, seen, len(entries))
}

func TestPartitionByPrimary_ExcludesLocal(t *testing.T) {
	h := NewSegmentedHash(fourNodes, 64, 2, 0)
	entries := hundredEntries()

	partitions := PartitionByPrimary(h, entries, "node-a")
	_, hasLocal := partitions["node-a"]
	assert.False(t, hasLocal)

	count := 0
	for _, p := range partitions {
		count += len(p)
	}
	local := 0
	for key := range entries {
		if h.PrimaryOwner(key) == "node-a" {
			local++
		}
	}
	assert.Equal(t, len(entries), count+local)
}

func TestPartitionByBackup_MatchesBackupOwners(t *testing.T) {
	h := NewSegmentedHash(fourNodes, 64, 2, 0)
	entries := hundredEntries()

	union := make(map[string]int)
	for _, primary := range fourNodes {
		partitions := PartitionByBackup(h, entries, primary)
		for dest, partition := range partitions {
			assert.NotEqual(t, primary, dest)
			for key := range partition {
				owners := h.Owners(key)
				assert.Equal(t, primary, owners[0])
				assert.Equal(t, dest, owners[1])
				union[key]++
			}
		}
	}

	// With two owners every key has exactly one backup
	assert.Len(t, union, len(entries))
	for key, n := range union {
		assert.Equal(t, 1, n, "key %s replicated more than once", key)
	}
}

func TestPartition_Sets(t *testing.T) {
	h := NewSegmentedHash(fourNodes, 16, 3, 0)
	keys := map[string]struct{}{"a": {}, "b": {}, "c": {}, "d": {}}

	byPrimary := PartitionByPrimary(h, keys, "")
	total := 0
	for _, p := range byPrimary {
		total += len(p)
	}
	assert.Equal(t, 4, total)

	for _, primary := range fourNodes {
		for dest, p := range PartitionByBackup(h, keys, primary) {
			for key := range p {
				assert.Contains(t, h.Owners(key)[1:], dest)
			}
		}
	}
}

func TestSortedKeys(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, SortedKeys(map[string]int{"c": 1, "a": 2, "b": 3}))
	assert.Empty(t, SortedKeys(map[string]int{}))
}
