package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/devrev/pairdb/cache-node/internal/config"
	cerrors "github.com/devrev/pairdb/cache-node/internal/errors"
	"github.com/devrev/pairdb/cache-node/internal/metrics"
	"github.com/devrev/pairdb/cache-node/internal/model"
	"github.com/devrev/pairdb/cache-node/internal/transport"
	"github.com/devrev/pairdb/cache-node/internal/util/workerpool"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// MembershipListener is told whenever the set of live cluster members changes
type MembershipListener interface {
	MembersChanged(members []model.Address)
}

// Node hosts every cache of one cache node and dispatches the requests other
// nodes send to it
type Node struct {
	local     model.Address
	config    *config.Config
	transport transport.Transport
	caches    map[string]*Cache
	acks      *AckCollectorTable
	pool      *workerpool.Pool
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// NewNode creates the caches described by cfg on top of tr
func NewNode(cfg *config.Config, tr transport.Transport, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) (*Node, error) {
	if len(cfg.Caches) == 0 {
		return nil, cerrors.InvalidArgument("at least one cache must be configured", nil)
	}

	local := tr.LocalAddress()
	pool := workerpool.New(workerpool.Config{
		Name:      "dispatch",
		Workers:   cfg.Dispatch.Workers,
		QueueSize: cfg.Dispatch.QueueSize,
		Logger:    logger,
		OnInline:  m.RecordDispatchInline,
	})

	n := &Node{
		local:     local,
		config:    cfg,
		transport: tr,
		caches:    make(map[string]*Cache, len(cfg.Caches)),
		acks:      NewAckCollectorTable(),
		pool:      pool,
		metrics:   m,
		logger:    logger,
	}

	ids := model.NewInvocationIDGenerator(local)
	for _, cc := range cfg.Caches {
		cacheLogger := logger.With(zap.String("cache", cc.Name))

		dist := NewDistributionManager(cc.Name, local, DistributionConfig{
			Mode:         cc.Mode,
			NumOwners:    cc.NumOwners,
			NumSegments:  cc.NumSegments,
			VirtualNodes: cc.VirtualNodes,
		}, cacheLogger)

		container := NewDataContainer(cc.Name, DataContainerConfig{
			MaxSize:         cc.MaxSize,
			FrequencyWeight: cc.FrequencyWeight,
			RecencyWeight:   cc.RecencyWeight,
		}, clk, m, cacheLogger)

		router := NewTriangleRouter(cc.Name, tr, dist, container, NewLockManager(cc.LockTimeout),
			n.acks, ids, pool, RouterConfig{RPCTimeout: cfg.Server.RPCTimeout}, m, cacheLogger)

		views := NewCacheViewManager(cc.Name, tr, clk, ViewManagerConfig{
			InstallInterval:   cfg.Views.InstallInterval,
			JoinRetryInterval: cfg.Views.JoinRetryInterval,
			RPCTimeout:        cfg.Server.RPCTimeout,
		}, m, cacheLogger)
		views.AddListener(dist)

		n.caches[cc.Name] = &Cache{
			name:         cc.Name,
			router:       router,
			views:        views,
			distribution: dist,
			container:    container,
		}
	}

	return n, nil
}

// LocalAddress returns the address of this node
func (n *Node) LocalAddress() model.Address {
	return n.local
}

// Cache returns the named cache
func (n *Node) Cache(name string) (*Cache, error) {
	c, ok := n.caches[name]
	if !ok {
		return nil, cerrors.NoSuchCache(name)
	}
	return c, nil
}

// CacheNames returns the configured cache names in ascending order
func (n *Node) CacheNames() []string {
	names := make([]string, 0, len(n.caches))
	for name := range n.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start runs the view loops of every cache and asks to join them
func (n *Node) Start(ctx context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cancel != nil {
		return
	}

	ctx, n.cancel = context.WithCancel(ctx)
	n.MembersChanged(n.transport.ClusterMembers())
	for _, c := range n.caches {
		views := c.views
		n.running.Add(1)
		go func() {
			defer n.running.Done()
			views.Run(ctx)
		}()
		views.Join()
	}

	n.logger.Info("Cache node started",
		zap.String("address", string(n.local)),
		zap.Strings("caches", n.CacheNames()))
}

// Stop leaves every cache, stops the view loops and drains background work
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	cancel := n.cancel
	n.cancel = nil
	n.mu.Unlock()
	if cancel == nil {
		return nil
	}

	var errs error
	for _, name := range n.CacheNames() {
		if err := n.caches[name].views.Leave(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("leave %s: %w", name, err))
		}
	}

	cancel()
	n.running.Wait()

	timeout := n.config.Server.ShutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	errs = multierr.Append(errs, n.pool.Stop(timeout))

	n.logger.Info("Cache node stopped", zap.String("address", string(n.local)))
	return errs
}

// MembersChanged passes a new live membership to every cache
func (n *Node) MembersChanged(members []model.Address) {
	set := model.NewAddressSet(members...)
	for _, c := range n.caches {
		c.views.MembersChanged(set)
	}
}

// Ready reports whether every cache committed a view that includes this node
func (n *Node) Ready() bool {
	for _, c := range n.caches {
		if !c.views.CommittedView().Contains(n.local) {
			return false
		}
	}
	return true
}

// Handle dispatches a request sent by another node
func (n *Node) Handle(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	c, err := n.Cache(req.Cache)
	if err != nil {
		return nil, err
	}

	switch req.Type {
	case transport.RequestInvoke:
		if req.Command == nil {
			return nil, cerrors.InvalidArgument("invoke request without command", nil)
		}
		res, err := c.router.HandleRemote(ctx, req.From, req.Command)
		if err != nil {
			return nil, err
		}
		return &transport.Response{Result: res}, nil

	case transport.RequestAck:
		if req.Ack == nil {
			return nil, cerrors.InvalidArgument("ack request without invocation", nil)
		}
		c.router.HandleAck(req.From, req.Ack)
		return &transport.Response{}, nil

	case transport.RequestView:
		if req.View == nil {
			return nil, cerrors.InvalidArgument("view request without message", nil)
		}
		reply, err := c.views.HandleViewMessage(ctx, req.From, req.View)
		if err != nil {
			return nil, err
		}
		return &transport.Response{View: reply}, nil

	default:
		return nil, cerrors.InvalidArgument("unknown request type "+req.Type.String(), nil)
	}
}

// PendingAcks returns the number of writes originated here still awaiting backup acks
func (n *Node) PendingAcks() int {
	return n.acks.Len()
}
