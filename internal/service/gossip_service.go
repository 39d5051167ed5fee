package service

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/pairdb/cache-node/internal/metrics"
	"github.com/devrev/pairdb/cache-node/internal/model"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// GossipService tracks live cluster members through memberlist and publishes
// the RPC endpoint of every node in its metadata
type GossipService struct {
	config     *GossipConfig
	memberlist *memberlist.Memberlist
	local      model.Address
	meta       nodeMeta
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu        sync.RWMutex
	endpoints map[model.Address]string
	listeners []MembershipListener
	departed  []func(model.Address)
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	BindPort       int
	AdvertiseHost  string
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// nodeMeta is gossiped with every member
type nodeMeta struct {
	RPCAddress string `json:"rpc_address"`
}

// NewGossipService joins the gossip cluster. rpcEndpoint is the host:port
// other nodes use to reach this one.
func NewGossipService(cfg *GossipConfig, local model.Address, rpcEndpoint string, m *metrics.Metrics, logger *zap.Logger) (*GossipService, error) {
	gs := newGossipState(cfg, local, rpcEndpoint, m, logger)

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = string(local)
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.AdvertiseHost != "" {
		mlConfig.AdvertiseAddr = cfg.AdvertiseHost
	}
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = gs
	mlConfig.Events = &GossipEventDelegate{service: gs}
	mlConfig.LogOutput = zap.NewStdLog(logger.Named("memberlist")).Writer()

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	gs.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		joined, err := ml.Join(cfg.SeedNodes)
		if err != nil {
			logger.Warn("Failed to join some seed nodes",
				zap.Strings("seeds", cfg.SeedNodes),
				zap.Int("joined", joined),
				zap.Error(err))
		}
	}

	return gs, nil
}

func newGossipState(cfg *GossipConfig, local model.Address, rpcEndpoint string, m *metrics.Metrics, logger *zap.Logger) *GossipService {
	gs := &GossipService{
		config:    cfg,
		local:     local,
		meta:      nodeMeta{RPCAddress: rpcEndpoint},
		metrics:   m,
		logger:    logger,
		endpoints: map[model.Address]string{local: rpcEndpoint},
	}
	m.UpdateGossipMembers(1)
	return gs
}

// AddListener registers l for membership changes
func (s *GossipService) AddListener(l MembershipListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// OnDeparture registers fn to run for every node that leaves the cluster
func (s *GossipService) OnDeparture(fn func(model.Address)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.departed = append(s.departed, fn)
}

// Members returns the live members, local node included, in ascending order
func (s *GossipService) Members() []model.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addrs := make([]model.Address, 0, len(s.endpoints))
	for addr := range s.endpoints {
		addrs = append(addrs, addr)
	}
	return model.NewAddressSet(addrs...).Slice()
}

// RPCAddress returns the endpoint a member advertised in its metadata
func (s *GossipService) RPCAddress(addr model.Address) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	endpoint, ok := s.endpoints[addr]
	return endpoint, ok && endpoint != ""
}

// NodeMeta implements memberlist.Delegate
func (s *GossipService) NodeMeta(limit int) []byte {
	data, _ := json.Marshal(s.meta)
	if len(data) > limit {
		s.logger.Warn("Node metadata exceeds gossip limit", zap.Int("size", len(data)), zap.Int("limit", limit))
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *GossipService) NotifyMsg([]byte) {}

// GetBroadcasts implements memberlist.Delegate
func (s *GossipService) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *GossipService) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (s *GossipService) MergeRemoteState(buf []byte, join bool) {}

// Shutdown leaves the gossip cluster and shuts memberlist down
func (s *GossipService) Shutdown(timeout time.Duration) error {
	if s.memberlist == nil {
		return nil
	}
	if err := s.memberlist.Leave(timeout); err != nil {
		s.logger.Warn("Failed to announce gossip leave", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

func (s *GossipService) upsert(node *memberlist.Node) {
	var meta nodeMeta
	if len(node.Meta) > 0 {
		if err := json.Unmarshal(node.Meta, &meta); err != nil {
			s.logger.Warn("Failed to unmarshal node metadata",
				zap.String("node_id", node.Name),
				zap.Error(err))
		}
	}

	s.mu.Lock()
	s.endpoints[model.Address(node.Name)] = meta.RPCAddress
	s.mu.Unlock()
}

func (s *GossipService) remove(node *memberlist.Node) {
	addr := model.Address(node.Name)
	if addr == s.local {
		return
	}

	s.mu.Lock()
	delete(s.endpoints, addr)
	hooks := append([]func(model.Address){}, s.departed...)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(addr)
	}
}

func (s *GossipService) notify() {
	members := s.Members()
	s.metrics.UpdateGossipMembers(len(members))

	s.mu.RLock()
	listeners := append([]MembershipListener{}, s.listeners...)
	s.mu.RUnlock()

	for _, l := range listeners {
		l.MembersChanged(members)
	}
}

// GossipEventDelegate handles memberlist events
type GossipEventDelegate struct {
	service *GossipService
}

// NotifyJoin is called when a node joins
func (d *GossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Address()))
	d.service.metrics.RecordGossipEvent("join")
	d.service.upsert(node)
	d.service.notify()
}

// NotifyLeave is called when a node leaves
func (d *GossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("Node left",
		zap.String("node_id", node.Name))
	d.service.metrics.RecordGossipEvent("leave")
	d.service.remove(node)
	d.service.notify()
}

// NotifyUpdate is called when a node is updated
func (d *GossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.logger.Debug("Node updated",
		zap.String("node_id", node.Name))
	d.service.metrics.RecordGossipEvent("update")
	d.service.upsert(node)
}
