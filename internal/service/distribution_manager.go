package service

import (
	"sync/atomic"

	"github.com/devrev/pairdb/cache-node/internal/algorithm"
	"github.com/devrev/pairdb/cache-node/internal/config"
	"github.com/devrev/pairdb/cache-node/internal/model"
	"go.uber.org/zap"
)

// DistributionConfig describes how one cache spreads its keys
type DistributionConfig struct {
	Mode         string
	NumOwners    int
	NumSegments  int
	VirtualNodes int
}

type hashHolder struct {
	ch algorithm.ConsistentHash
}

// DistributionManager holds the ownership snapshot of one cache. The snapshot is
// replaced whole every time a view is committed, so an operation that loads it
// once sees a consistent owner table for its whole run.
type DistributionManager struct {
	cacheName string
	local     model.Address
	config    DistributionConfig
	current   atomic.Pointer[hashHolder]
	logger    *zap.Logger
}

// NewDistributionManager creates a manager whose initial snapshot owns every
// key locally, until the first view commits
func NewDistributionManager(cacheName string, local model.Address, cfg DistributionConfig, logger *zap.Logger) *DistributionManager {
	d := &DistributionManager{
		cacheName: cacheName,
		local:     local,
		config:    cfg,
		logger:    logger,
	}
	d.current.Store(&hashHolder{ch: d.build(model.SingletonAddressSet(local))})
	return d
}

// ConsistentHash returns the current snapshot
func (d *DistributionManager) ConsistentHash() algorithm.ConsistentHash {
	return d.current.Load().ch
}

// SetConsistentHash replaces the snapshot
func (d *DistributionManager) SetConsistentHash(ch algorithm.ConsistentHash) {
	d.current.Store(&hashHolder{ch: ch})
}

// ViewCommitted rebuilds the snapshot from the members of a committed view
func (d *DistributionManager) ViewCommitted(view model.CacheView) {
	ch := d.build(view.Members)
	d.SetConsistentHash(ch)

	d.logger.Info("Rebuilt consistent hash",
		zap.String("cache", d.cacheName),
		zap.Int("view_id", view.ViewID),
		zap.Int("members", len(ch.Members())),
		zap.Int("num_owners", ch.NumOwners()))
}

func (d *DistributionManager) build(members model.AddressSet) algorithm.ConsistentHash {
	numOwners := d.config.NumOwners
	switch d.config.Mode {
	case config.ModeReplicated:
		numOwners = 0
	case config.ModeLocal:
		members = model.SingletonAddressSet(d.local)
		numOwners = 1
	}
	return algorithm.NewSegmentedHash(members.Slice(), d.config.NumSegments, numOwners, d.config.VirtualNodes)
}

// IsLocalMode reports whether the cache never leaves this node
func (d *DistributionManager) IsLocalMode() bool {
	return d.config.Mode == config.ModeLocal
}
