package service

import (
	"sync"

	"github.com/devrev/pairdb/cache-node/internal/model"
	"go.uber.org/zap"
)

// PendingViewTracker accumulates join, leave and recovery events on the
// coordinator of one cache and decides which view to propose next.
// At most one proposed view is in flight at any time.
type PendingViewTracker struct {
	cacheName string
	logger    *zap.Logger

	mu         sync.Mutex
	lastViewID int
	joiners    model.AddressSet
	leavers    model.AddressSet
	// nil unless a coordinator change or merge happened since the last committed view
	recoveredMembers       *model.AddressSet
	installationInProgress bool
}

// NewPendingViewTracker creates an idle tracker with no pending changes
func NewPendingViewTracker(cacheName string, logger *zap.Logger) *PendingViewTracker {
	return &PendingViewTracker{
		cacheName: cacheName,
		logger:    logger,
	}
}

// RequestJoin records that addr wants to become a member.
// A pending leave for the same address is kept: a node that left may hold
// stale data and must not be reinstated in the same generation.
func (t *PendingViewTracker) RequestJoin(addr model.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.logger.Debug("Node is joining",
		zap.String("cache", t.cacheName),
		zap.String("node", string(addr)))
	t.joiners = t.joiners.With(addr)
}

// RequestLeave records that addrs left. Addresses that were only pending
// joiners are dropped from the joiners and do not count as leavers; the rest
// are added to the leavers and returned.
func (t *PendingViewTracker) RequestLeave(addrs model.AddressSet) model.AddressSet {
	t.mu.Lock()
	defer t.mu.Unlock()

	neverInstalled := addrs.RetainAll(t.joiners)
	t.joiners = t.joiners.WithoutAll(addrs)
	residual := addrs.WithoutAll(neverInstalled)
	t.leavers = t.leavers.WithAll(residual)

	t.logger.Debug("Nodes are leaving",
		zap.String("cache", t.cacheName),
		zap.Stringer("requested", addrs),
		zap.Stringer("leavers", residual))
	return residual
}

// RecoveredViews reconciles state after this node became coordinator following
// a merge or coordinator change. newMembers are the members recovered from the
// cluster; recoveredJoiners are nodes that asked to join but never got in.
func (t *PendingViewTracker) RecoveredViews(newMembers, recoveredJoiners model.AddressSet) {
	t.mu.Lock()
	defer t.mu.Unlock()

	recovered := newMembers.WithoutAll(t.leavers)
	t.recoveredMembers = &recovered
	t.joiners = t.joiners.WithAllWithoutAll(recoveredJoiners, recovered)

	t.logger.Info("Recovered cache membership as coordinator",
		zap.String("cache", t.cacheName),
		zap.Stringer("members", recovered),
		zap.Stringer("joiners", t.joiners),
		zap.Stringer("leavers", t.leavers))
}

// CreatePendingView returns the next view to install. It returns false while
// another installation is in progress or when there is nothing to change.
func (t *PendingViewTracker) CreatePendingView(committed model.CacheView) (model.CacheView, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.installationInProgress {
		t.logger.Debug("View installation already in progress", zap.String("cache", t.cacheName))
		return model.CacheView{}, false
	}
	if t.joiners.IsEmpty() && t.leavers.IsEmpty() && t.recoveredMembers == nil {
		return model.CacheView{}, false
	}

	base := committed.Members
	if t.recoveredMembers != nil {
		base = *t.recoveredMembers
	}
	// Joins are applied before leaves so a node that joined and left ends up outside the view
	members := base.WithAllWithoutAll(t.joiners, t.leavers)

	t.installationInProgress = true
	t.lastViewID++
	view := model.NewCacheView(t.lastViewID, members)

	t.logger.Debug("Created pending view",
		zap.String("cache", t.cacheName),
		zap.Stringer("base", base),
		zap.Stringer("view", view))
	return view, true
}

// GetRollbackViewID returns a fresh id to tag a rollback with
func (t *PendingViewTracker) GetRollbackViewID() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastViewID++
	return t.lastViewID
}

// ResetChanges is called once a view was committed or rolled back
func (t *PendingViewTracker) ResetChanges(committed model.CacheView) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.logger.Core().Enabled(zap.DebugLevel) {
		t.joiners.RetainAll(t.leavers).Each(func(node model.Address) {
			if committed.Contains(node) {
				t.logger.Debug("Node left and joined again before the view was installed but is still a member",
					zap.String("cache", t.cacheName),
					zap.String("node", string(node)),
					zap.Stringer("view", committed))
			}
		})
	}

	t.leavers = t.leavers.RetainAll(committed.Members)
	t.joiners = t.joiners.WithoutAll(committed.Members)
	t.recoveredMembers = nil
	t.installationInProgress = false
	if committed.ViewID > t.lastViewID {
		t.lastViewID = committed.ViewID
	}
}

// HasChanges reports whether a new view could be proposed
func (t *PendingViewTracker) HasChanges() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recoveredMembers != nil || !t.joiners.IsEmpty() || !t.leavers.IsEmpty()
}

// UpdateLatestViewID raises the last view id so the next proposed view is
// newer than any view already committed in the cluster
func (t *PendingViewTracker) UpdateLatestViewID(viewID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if viewID > t.lastViewID {
		t.lastViewID = viewID
	}
}

// Leavers returns the nodes that left since the last reset
func (t *PendingViewTracker) Leavers() model.AddressSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.leavers
}

// Joiners returns the nodes waiting to join
func (t *PendingViewTracker) Joiners() model.AddressSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.joiners
}

func (t *PendingViewTracker) IsInstallationInProgress() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.installationInProgress
}

// LastViewID returns the id of the last created view, or the highest id learned since
func (t *PendingViewTracker) LastViewID() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastViewID
}
