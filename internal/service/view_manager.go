package service

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	cerrors "github.com/devrev/pairdb/cache-node/internal/errors"
	"github.com/devrev/pairdb/cache-node/internal/metrics"
	"github.com/devrev/pairdb/cache-node/internal/model"
	"github.com/devrev/pairdb/cache-node/internal/transport"
	"go.uber.org/zap"
)

// ViewListener is told about every view committed on this node
type ViewListener interface {
	ViewCommitted(view model.CacheView)
}

// ViewManagerConfig holds view agreement configuration
type ViewManagerConfig struct {
	InstallInterval   time.Duration
	JoinRetryInterval time.Duration
	RPCTimeout        time.Duration
}

// CacheViewManager agrees on the membership of one cache.
//
// Every node answers prepare, commit, rollback and recover messages for its own
// copy of the view. The member with the smallest address is the coordinator: it
// collects join and leave requests in a PendingViewTracker and installs new views
// with a prepare round followed by a commit, or a rollback if any member refused.
type CacheViewManager struct {
	cacheName string
	local     model.Address
	transport transport.Transport
	tracker   *PendingViewTracker
	clock     clock.Clock
	config    ViewManagerConfig
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu            sync.Mutex
	committed     model.CacheView
	pending       *model.CacheView
	members       model.AddressSet
	coordinator   model.Address
	needsRecovery bool
	wantsJoin     bool
	lastJoinSent  time.Time
	listeners     []ViewListener

	// installMu serializes install and recovery rounds on the coordinator
	installMu sync.Mutex
	notifyMu  sync.Mutex
	trigger   chan struct{}
}

// NewCacheViewManager creates a manager that knows only the local node
func NewCacheViewManager(
	cacheName string,
	tr transport.Transport,
	clk clock.Clock,
	cfg ViewManagerConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *CacheViewManager {
	local := tr.LocalAddress()
	return &CacheViewManager{
		cacheName:     cacheName,
		local:         local,
		transport:     tr,
		tracker:       NewPendingViewTracker(cacheName, logger),
		clock:         clk,
		config:        cfg,
		metrics:       m,
		logger:        logger,
		members:       model.SingletonAddressSet(local),
		coordinator:   local,
		needsRecovery: true,
		trigger:       make(chan struct{}, 1),
	}
}

// AddListener registers l for committed views
func (m *CacheViewManager) AddListener(l ViewListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// CommittedView returns the last view committed on this node
func (m *CacheViewManager) CommittedView() model.CacheView {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.committed
}

// PendingView returns the prepared view awaiting commit, if any
func (m *CacheViewManager) PendingView() (model.CacheView, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return model.CacheView{}, false
	}
	return *m.pending, true
}

// Coordinator returns the member currently driving view changes
func (m *CacheViewManager) Coordinator() model.Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.coordinator
}

// IsCoordinator reports whether this node drives view changes
func (m *CacheViewManager) IsCoordinator() bool {
	return m.Coordinator() == m.local
}

// Tracker exposes the pending changes bookkeeping of the coordinator
func (m *CacheViewManager) Tracker() *PendingViewTracker {
	return m.tracker
}

// Join asks for the local node to become a member of the cache
func (m *CacheViewManager) Join() {
	m.mu.Lock()
	m.wantsJoin = true
	m.lastJoinSent = time.Time{}
	m.mu.Unlock()
	m.Trigger()
}

// Leave asks the coordinator to drop the local node from the cache
func (m *CacheViewManager) Leave(ctx context.Context) error {
	m.mu.Lock()
	m.wantsJoin = false
	coordinator := m.coordinator
	m.mu.Unlock()

	if coordinator == m.local {
		m.tracker.RequestLeave(model.SingletonAddressSet(m.local))
		m.Trigger()
		return nil
	}
	_, err := m.send(ctx, coordinator, &model.ViewMessage{Type: model.ViewLeave, Address: m.local})
	return err
}

// MembersChanged updates the live cluster membership. Committed members that
// are gone are reported as leavers; a change of coordinator to the local node
// starts a recovery round.
func (m *CacheViewManager) MembersChanged(members model.AddressSet) {
	members = members.With(m.local)

	m.mu.Lock()
	previous := m.coordinator
	m.members = members
	m.coordinator = members.Slice()[0]
	current := m.coordinator
	isCoordinator := current == m.local
	if isCoordinator && previous != m.local {
		m.needsRecovery = true
	}
	gone := m.committed.Members.WithoutAll(members)
	m.mu.Unlock()

	if previous != current {
		m.logger.Info("Cache coordinator changed",
			zap.String("cache", m.cacheName),
			zap.String("previous", string(previous)),
			zap.String("coordinator", string(current)))
	}

	if isCoordinator && !gone.IsEmpty() {
		m.tracker.RequestLeave(gone)
	}
	m.Trigger()
}

// Trigger schedules an installation attempt without waiting for the next tick
func (m *CacheViewManager) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Run drives the periodic installation loop until ctx ends
func (m *CacheViewManager) Run(ctx context.Context) {
	ticker := m.clock.Ticker(m.config.InstallInterval)
	defer ticker.Stop()

	m.logger.Info("Cache view manager started",
		zap.String("cache", m.cacheName),
		zap.Duration("install_interval", m.config.InstallInterval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		case <-m.trigger:
			m.tick(ctx)
		}
	}
}

func (m *CacheViewManager) tick(ctx context.Context) {
	if !m.IsCoordinator() {
		m.retryJoin(ctx)
		return
	}

	if m.takeRecovery() {
		if err := m.recover(ctx); err != nil {
			m.logger.Warn("Cache view recovery failed",
				zap.String("cache", m.cacheName),
				zap.Error(err))
			m.mu.Lock()
			m.needsRecovery = true
			m.mu.Unlock()
			return
		}
	}

	m.mu.Lock()
	selfJoin := m.wantsJoin && !m.committed.Contains(m.local)
	m.mu.Unlock()
	if selfJoin && !m.tracker.Joiners().Contains(m.local) {
		m.tracker.RequestJoin(m.local)
	}

	m.metrics.UpdatePendingChanges(m.cacheName, m.tracker.Joiners().Size(), m.tracker.Leavers().Size())
	if !m.tracker.HasChanges() {
		return
	}
	if _, err := m.InstallPendingView(ctx); err != nil {
		m.logger.Warn("Cache view installation failed",
			zap.String("cache", m.cacheName),
			zap.Error(err))
	}
}

func (m *CacheViewManager) takeRecovery() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	needed := m.needsRecovery
	m.needsRecovery = false
	return needed
}

func (m *CacheViewManager) retryJoin(ctx context.Context) {
	m.mu.Lock()
	due := m.wantsJoin && !m.committed.Contains(m.local) &&
		m.clock.Since(m.lastJoinSent) >= m.config.JoinRetryInterval
	coordinator := m.coordinator
	if due {
		m.lastJoinSent = m.clock.Now()
	}
	m.mu.Unlock()

	if !due {
		return
	}
	if _, err := m.send(ctx, coordinator, &model.ViewMessage{Type: model.ViewJoin, Address: m.local}); err != nil {
		m.logger.Warn("Join request failed",
			zap.String("cache", m.cacheName),
			zap.String("coordinator", string(coordinator)),
			zap.Error(err))
	}
}

// InstallPendingView proposes the next view to every member. It returns false
// with no error when there is nothing to install.
func (m *CacheViewManager) InstallPendingView(ctx context.Context) (bool, error) {
	m.installMu.Lock()
	defer m.installMu.Unlock()

	committed := m.CommittedView()
	view, ok := m.tracker.CreatePendingView(committed)
	if !ok {
		return false, nil
	}

	m.mu.Lock()
	live := m.members
	m.mu.Unlock()
	targets := view.Members.WithAll(committed.Members.RetainAll(live)).Without(m.local).Slice()

	m.logger.Info("Installing cache view",
		zap.String("cache", m.cacheName),
		zap.Stringer("view", view),
		zap.Stringer("committed", committed))

	prepare := &model.ViewMessage{Type: model.ViewPrepare, View: view, CommittedViewID: committed.ViewID}
	_, err := m.sendToMany(ctx, targets, prepare)
	if err == nil && view.Contains(m.local) {
		_, err = m.HandleViewMessage(ctx, m.local, prepare)
	}
	if err != nil {
		m.rollback(ctx, targets, committed)
		m.metrics.RecordViewInstall(m.cacheName, "rolled_back")
		// A member may know a newer view; learn it before proposing again
		m.mu.Lock()
		m.needsRecovery = true
		m.mu.Unlock()
		return false, err
	}

	commit := &model.ViewMessage{Type: model.ViewCommit, View: view, ViewID: view.ViewID}
	if _, err := m.sendToMany(ctx, targets, commit); err != nil {
		// Members that missed the commit report it on the next recovery
		m.logger.Warn("Some members did not confirm the commit",
			zap.String("cache", m.cacheName),
			zap.Int("view_id", view.ViewID),
			zap.Error(err))
	}
	if view.Contains(m.local) {
		m.commit(view)
	}
	m.tracker.ResetChanges(view)
	m.metrics.RecordViewInstall(m.cacheName, "committed")
	return true, nil
}

func (m *CacheViewManager) rollback(ctx context.Context, targets []model.Address, committed model.CacheView) {
	rollbackID := m.tracker.GetRollbackViewID()
	msg := &model.ViewMessage{Type: model.ViewRollback, ViewID: rollbackID, CommittedViewID: committed.ViewID}

	if _, err := m.sendToMany(ctx, targets, msg); err != nil {
		m.logger.Warn("Rollback not confirmed by every member",
			zap.String("cache", m.cacheName),
			zap.Int("rollback_view_id", rollbackID),
			zap.Error(err))
	}
	_, _ = m.HandleViewMessage(ctx, m.local, msg)
	m.tracker.ResetChanges(committed)
}

// recover rebuilds the coordinator state from what the other members report
func (m *CacheViewManager) recover(ctx context.Context) error {
	m.installMu.Lock()
	defer m.installMu.Unlock()

	m.mu.Lock()
	live := m.members
	m.mu.Unlock()

	replies, err := m.sendToMany(ctx, live.Without(m.local).Slice(), &model.ViewMessage{Type: model.ViewRecover})
	if err != nil && len(replies) == 0 && live.Size() > 1 {
		return err
	}
	local, _ := m.HandleViewMessage(ctx, m.local, &model.ViewMessage{Type: model.ViewRecover})
	replies[m.local] = local

	latest := 0
	members := model.EmptyAddressSet()
	joiners := model.EmptyAddressSet()
	for addr, reply := range replies {
		if reply == nil {
			continue
		}
		if reply.Committed.ViewID > latest {
			latest = reply.Committed.ViewID
		}
		if reply.Pending != nil && reply.Pending.ViewID > latest {
			latest = reply.Pending.ViewID
		}
		if reply.Committed.Contains(addr) {
			members = members.With(addr)
		}
		if reply.WantsJoin {
			joiners = joiners.With(addr)
		}
	}

	m.tracker.UpdateLatestViewID(latest)
	if !members.IsEmpty() || !joiners.IsEmpty() {
		m.tracker.RecoveredViews(members.RetainAll(live), joiners)
	}

	m.logger.Info("Recovered cache view state",
		zap.String("cache", m.cacheName),
		zap.Int("latest_view_id", latest),
		zap.Stringer("members", members),
		zap.Stringer("joiners", joiners))
	if err != nil {
		m.logger.Warn("Some members did not answer recovery",
			zap.String("cache", m.cacheName),
			zap.Error(err))
	}
	return nil
}

// HandleViewMessage processes a view agreement message sent by from
func (m *CacheViewManager) HandleViewMessage(ctx context.Context, from model.Address, msg *model.ViewMessage) (*model.ViewReply, error) {
	switch msg.Type {
	case model.ViewPrepare:
		return m.prepare(msg.View)
	case model.ViewCommit:
		view := msg.View
		if view.ViewID != msg.ViewID {
			pending, ok := m.PendingView()
			if !ok || pending.ViewID != msg.ViewID {
				return nil, cerrors.IllegalState("commit of a view that was never prepared")
			}
			view = pending
		}
		m.commit(view)
		return m.reply(), nil
	case model.ViewRollback:
		m.mu.Lock()
		if m.pending != nil && msg.CommittedViewID >= m.committed.ViewID {
			m.pending = nil
		}
		m.mu.Unlock()
		return m.reply(), nil
	case model.ViewRecover:
		reply := m.reply()
		m.mu.Lock()
		reply.WantsJoin = m.wantsJoin && !m.committed.Contains(m.local)
		m.mu.Unlock()
		return reply, nil
	case model.ViewJoin:
		return m.handleJoin(msg.Address)
	case model.ViewLeave:
		m.tracker.RequestLeave(model.SingletonAddressSet(msg.Address))
		m.Trigger()
		return m.reply(), nil
	default:
		return nil, cerrors.InvalidArgument("unknown view message "+msg.Type.String(), nil)
	}
}

func (m *CacheViewManager) handleJoin(addr model.Address) (*model.ViewReply, error) {
	if !m.IsCoordinator() {
		return nil, cerrors.IllegalState("join sent to a node that is not the coordinator")
	}
	committed := m.CommittedView()
	if committed.Contains(addr) && !m.tracker.Leavers().Contains(addr) {
		return m.reply(), nil
	}
	m.tracker.RequestJoin(addr)
	m.Trigger()
	return m.reply(), nil
}

func (m *CacheViewManager) prepare(view model.CacheView) (*model.ViewReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if view.ViewID <= m.committed.ViewID {
		return nil, cerrors.ViewRejected(view.ViewID, m.committed.ViewID)
	}
	m.pending = &view
	return &model.ViewReply{Committed: m.committed, Pending: m.pending}, nil
}

// commit installs view. Views not newer than the committed one are ignored.
func (m *CacheViewManager) commit(view model.CacheView) {
	m.mu.Lock()
	if view.ViewID <= m.committed.ViewID {
		m.mu.Unlock()
		return
	}
	m.committed = view
	if m.pending != nil && m.pending.ViewID <= view.ViewID {
		m.pending = nil
	}
	m.mu.Unlock()

	m.logger.Info("Committed cache view",
		zap.String("cache", m.cacheName),
		zap.Stringer("view", view))
	m.metrics.UpdateCommittedView(m.cacheName, view.ViewID, view.Members.Size())

	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	latest := m.CommittedView()
	m.mu.Lock()
	listeners := append([]ViewListener(nil), m.listeners...)
	m.mu.Unlock()
	// A newer commit may have landed meanwhile; listeners only ever see the latest
	for _, l := range listeners {
		l.ViewCommitted(latest)
	}
}

func (m *CacheViewManager) reply() *model.ViewReply {
	m.mu.Lock()
	defer m.mu.Unlock()
	reply := &model.ViewReply{Committed: m.committed}
	if m.pending != nil {
		pending := *m.pending
		reply.Pending = &pending
	}
	return reply
}

func (m *CacheViewManager) request(msg *model.ViewMessage) *transport.Request {
	return &transport.Request{Type: transport.RequestView, Cache: m.cacheName, View: msg}
}

func (m *CacheViewManager) send(ctx context.Context, to model.Address, msg *model.ViewMessage) (*model.ViewReply, error) {
	resp, err := m.transport.SendToOne(ctx, to, m.request(msg), transport.SyncOptions(m.config.RPCTimeout)).
		Await(ctx, m.config.RPCTimeout)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}
	return resp.View, nil
}

// sendToMany returns the replies that arrived even when some targets failed
func (m *CacheViewManager) sendToMany(ctx context.Context, targets []model.Address, msg *model.ViewMessage) (map[model.Address]*model.ViewReply, error) {
	replies := make(map[model.Address]*model.ViewReply, len(targets))
	if len(targets) == 0 {
		return replies, nil
	}

	responses, err := m.transport.SendToMany(ctx, targets, m.request(msg), transport.SyncOptions(m.config.RPCTimeout)).
		Await(ctx, m.config.RPCTimeout)
	for addr, resp := range responses {
		if resp != nil {
			replies[addr] = resp.View
		}
	}
	return replies, err
}
