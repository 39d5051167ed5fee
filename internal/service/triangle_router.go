package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/pairdb/cache-node/internal/algorithm"
	cerrors "github.com/devrev/pairdb/cache-node/internal/errors"
	"github.com/devrev/pairdb/cache-node/internal/metrics"
	"github.com/devrev/pairdb/cache-node/internal/model"
	"github.com/devrev/pairdb/cache-node/internal/transport"
	"github.com/devrev/pairdb/cache-node/internal/util/workerpool"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Write roles, as reported in metrics
const (
	roleLocal   = "local"
	rolePrimary = "primary"
	roleBackup  = "backup"
	roleOrigin  = "origin"
)

// RouterConfig holds routing configuration
type RouterConfig struct {
	RPCTimeout time.Duration
}

// TriangleRouter executes commands of one cache across its owners.
//
// A write goes from the originator to the primary owner of its key, which applies
// it under the key lock and replicates it to the backup owners. Backups acknowledge
// straight to the originator, which returns once every backup acked.
type TriangleRouter struct {
	cacheName    string
	local        model.Address
	transport    transport.Transport
	distribution *DistributionManager
	executor     LocalExecutor
	locks        *LockManager
	acks         *AckCollectorTable
	ids          *model.InvocationIDGenerator
	pool         *workerpool.Pool
	config       RouterConfig
	metrics      *metrics.Metrics
	logger       *zap.Logger
}

// NewTriangleRouter creates a router for one cache. acks, ids and pool are
// shared by every cache of the node.
func NewTriangleRouter(
	cacheName string,
	tr transport.Transport,
	distribution *DistributionManager,
	executor LocalExecutor,
	locks *LockManager,
	acks *AckCollectorTable,
	ids *model.InvocationIDGenerator,
	pool *workerpool.Pool,
	cfg RouterConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *TriangleRouter {
	return &TriangleRouter{
		cacheName:    cacheName,
		local:        tr.LocalAddress(),
		transport:    tr,
		distribution: distribution,
		executor:     executor,
		locks:        locks,
		acks:         acks,
		ids:          ids,
		pool:         pool,
		config:       cfg,
		metrics:      m,
		logger:       logger,
	}
}

// Invoke runs a command originated on this node
func (r *TriangleRouter) Invoke(ctx context.Context, cmd *model.Command) (*model.Result, error) {
	if cmd.ID.IsZero() {
		cmd.ID = r.ids.Next()
	}

	switch {
	case cmd.Kind.IsRead():
		return r.localRead(ctx, cmd)
	case cmd.Flags.Has(model.FlagCacheModeLocal) || r.distribution.IsLocalMode():
		return r.timed(roleLocal, func() (*model.Result, error) {
			return r.applyLocked(ctx, cmd, cmd.AffectedKeys())
		})
	case cmd.Kind.IsBatch():
		return r.timed(roleOrigin, func() (*model.Result, error) {
			return r.batchFromOrigin(ctx, cmd)
		})
	}

	ch := r.distribution.ConsistentHash()
	primary, owners := resolveOwners(ch, cmd.Key)
	if primary == r.local {
		return r.timed(rolePrimary, func() (*model.Result, error) {
			return r.primaryWrite(ctx, cmd, owners)
		})
	}
	return r.timed(roleOrigin, func() (*model.Result, error) {
		return r.forwardToPrimary(ctx, cmd, primary, owners)
	})
}

// HandleRemote runs a command that another node sent here
func (r *TriangleRouter) HandleRemote(ctx context.Context, from model.Address, cmd *model.Command) (*model.Result, error) {
	switch {
	case cmd.Kind.IsRead():
		return r.remoteRead(cmd)
	case cmd.Flags.Has(model.FlagCacheModeLocal):
		return r.timed(roleLocal, func() (*model.Result, error) {
			return r.applyLocked(ctx, cmd, cmd.AffectedKeys())
		})
	case cmd.Kind.IsBatch():
		role := rolePrimary
		if cmd.Forwarded {
			role = roleBackup
		}
		return r.timed(role, func() (*model.Result, error) {
			return r.batchFromRemote(ctx, cmd)
		})
	}

	ch := r.distribution.ConsistentHash()
	primary, owners := resolveOwners(ch, cmd.Key)
	switch {
	case primary == r.local:
		return r.timed(rolePrimary, func() (*model.Result, error) {
			return r.primaryWrite(ctx, cmd, owners)
		})
	case containsAddress(owners, r.local):
		return r.timed(roleBackup, func() (*model.Result, error) {
			return r.backupWrite(cmd, primary)
		})
	default:
		r.logger.Warn("Write forwarded to a node that does not own the key",
			zap.String("cache", r.cacheName),
			zap.String("from", string(from)),
			zap.Stringer("command", cmd))
		return nil, cerrors.IllegalState(fmt.Sprintf("remote write %s received in a non-owner", cmd.ID))
	}
}

// HandleAck releases the collector waiting for ack.ID, if any. An ack carrying
// an error fails the waiting write.
func (r *TriangleRouter) HandleAck(from model.Address, ack *transport.AckMessage) {
	r.metrics.RecordAckReceived()

	var known bool
	if ack.Error != "" {
		known = r.acks.Fail(ack.ID, from, stderrors.New(ack.Error))
	} else {
		known = r.acks.Ack(ack.ID, from)
	}
	if !known {
		r.logger.Debug("Ack for unknown invocation",
			zap.String("cache", r.cacheName),
			zap.Stringer("invocation_id", ack.ID),
			zap.String("from", string(from)))
	}
}

// primaryWrite applies cmd as the primary owner and replicates it to the backups.
// When cmd originated here the call returns once every backup replied.
func (r *TriangleRouter) primaryWrite(ctx context.Context, cmd *model.Command, owners []model.Address) (*model.Result, error) {
	release := func() {}
	if !cmd.Flags.Has(model.FlagSkipLocking) {
		var err error
		release, err = r.locks.Lock(ctx, cmd.Key)
		if err != nil {
			r.metrics.RecordLockTimeout()
			return nil, err
		}
	}

	res, err := r.executor.Execute(cmd)
	if err != nil || !res.Successful {
		release()
		return res, err
	}

	backups := withoutAddress(owners, r.local)
	if len(backups) == 0 {
		release()
		return res, nil
	}

	req := r.request(cmd)
	if cmd.Flags.Has(model.FlagForceAsynchronous) {
		r.transport.SendToMany(ctx, backups, req, transport.AsyncOptions(r.config.RPCTimeout))
		release()
		return res, nil
	}

	// Replication outlives the request that triggered it
	repCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.RPCTimeout)
	replicated := r.transport.SendToMany(repCtx, backups, req, transport.SyncOptions(r.config.RPCTimeout))
	release()

	if cmd.ID.Origin == r.local {
		defer cancel()
		if _, err := replicated.Await(ctx, r.config.RPCTimeout); err != nil {
			return nil, err
		}
		return res, nil
	}

	// The originator waits on the backups' acks, not on this future. The watch
	// stays off the dispatch pool so slow backups never delay ack delivery.
	go func() {
		defer cancel()
		if _, err := replicated.Wait(repCtx); err != nil {
			r.logger.Warn("Replication to backups failed",
				zap.String("cache", r.cacheName),
				zap.Stringer("invocation_id", cmd.ID),
				zap.Error(err))
		}
	}()
	return res, nil
}

// backupWrite applies a write replicated by the primary, then acknowledges it
// without holding up the reply to the primary
func (r *TriangleRouter) backupWrite(cmd *model.Command, primary model.Address) (*model.Result, error) {
	res, err := r.executor.Execute(unconditional(cmd))

	id := cmd.ID
	r.pool.SubmitOrRun(workerpool.Task{
		Name: "backup-ack",
		Fn: func(ctx context.Context) error {
			return r.sendAck(ctx, id, primary, err)
		},
	})
	if err != nil {
		r.logger.Error("Backup failed to apply write",
			zap.String("cache", r.cacheName),
			zap.Stringer("invocation_id", id),
			zap.Error(err))
		return nil, err
	}
	return res, nil
}

// sendAck tells the originator that this backup applied the write, or that
// applying it failed with applyErr
func (r *TriangleRouter) sendAck(ctx context.Context, id model.CommandInvocationID, primary model.Address, applyErr error) error {
	switch id.Origin {
	case r.local:
		r.metrics.RecordAckSent("local")
		if applyErr != nil {
			r.acks.Fail(id, r.local, applyErr)
		} else {
			r.acks.Ack(id, r.local)
		}
		return nil
	case primary:
		// The primary's replication reply covers this backup
		return nil
	}

	r.metrics.RecordAckSent("remote")
	ack := &transport.AckMessage{ID: id}
	if applyErr != nil {
		ack.Error = applyErr.Error()
	}
	req := &transport.Request{
		Type:  transport.RequestAck,
		Cache: r.cacheName,
		Ack:   ack,
	}
	_, err := r.transport.SendToOne(ctx, id.Origin, req, transport.AsyncOptions(r.config.RPCTimeout)).Wait(ctx)
	return err
}

// forwardToPrimary sends a write originated here to its primary owner and waits
// for the backups' acks
func (r *TriangleRouter) forwardToPrimary(ctx context.Context, cmd *model.Command, primary model.Address, owners []model.Address) (*model.Result, error) {
	collector := r.acks.Register(cmd.ID, withoutAddress(owners, primary))
	r.metrics.UpdateOpenCollectors(1)
	defer func() {
		r.acks.Remove(cmd.ID)
		r.metrics.UpdateOpenCollectors(-1)
	}()

	resp, err := r.transport.SendToOne(ctx, primary, r.request(cmd), transport.SyncOptions(r.config.RPCTimeout)).
		Await(ctx, r.config.RPCTimeout)
	if err != nil {
		return nil, err
	}
	res := resultOf(resp)
	if !res.Successful || cmd.Flags.Has(model.FlagForceAsynchronous) {
		return res, nil
	}

	start := time.Now()
	err = collector.Await(ctx, r.config.RPCTimeout)
	r.metrics.RecordAckWait(time.Since(start).Seconds(), err != nil)
	if err != nil {
		r.logger.Warn("Backups did not acknowledge write",
			zap.String("cache", r.cacheName),
			zap.Stringer("invocation_id", cmd.ID),
			zap.Strings("missing", addressStrings(collector.Missing())))
		return nil, err
	}
	return res, nil
}

// batchFromOrigin sends each primary owner the keys it owns, applies the keys
// owned here and replicates those to their backups
func (r *TriangleRouter) batchFromOrigin(ctx context.Context, cmd *model.Command) (*model.Result, error) {
	ch := r.distribution.ConsistentHash()
	partitions := algorithm.PartitionByPrimary(ch, cmd.KeySet(), r.local)

	result := &model.Result{Successful: true}
	var mu sync.Mutex
	var errs error
	var g errgroup.Group

	for target, keys := range partitions {
		target, part := target, cmd.WithKeys(algorithm.SortedKeys(keys))
		r.metrics.RecordBatchPartition(r.cacheName, rolePrimary)
		g.Go(func() error {
			resp, err := r.transport.SendToOne(ctx, target, r.request(part), transport.SyncOptions(r.config.RPCTimeout)).
				Await(ctx, r.config.RPCTimeout)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierr.Append(errs, err)
				return nil
			}
			result.Merge(resultOf(resp))
			return nil
		})
	}

	localRes, localErr := r.primaryBatch(ctx, cmd, ch, r.primaryKeys(ch, cmd.AffectedKeys()))
	_ = g.Wait()

	if err := multierr.Append(localErr, errs); err != nil {
		return nil, err
	}
	result.Merge(localRes)
	return result, nil
}

// batchFromRemote handles one partition of a batch. A primary partition is
// applied whole, even for keys this node's snapshot no longer calls its own.
// A forwarded partition is the backup phase and is applied without any further fan-out.
func (r *TriangleRouter) batchFromRemote(ctx context.Context, cmd *model.Command) (*model.Result, error) {
	ch := r.distribution.ConsistentHash()
	if !cmd.Forwarded {
		keys := cmd.AffectedKeys()
		if stale := len(keys) - len(r.primaryKeys(ch, keys)); stale > 0 {
			r.logger.Warn("Batch partition names keys this node is not primary for",
				zap.String("cache", r.cacheName),
				zap.Stringer("invocation_id", cmd.ID),
				zap.Int("keys", stale))
		}
		return r.primaryBatch(ctx, cmd, ch, keys)
	}

	var owned []string
	for _, key := range cmd.AffectedKeys() {
		if containsAddress(ch.Owners(key), r.local) {
			owned = append(owned, key)
		} else {
			r.logger.Debug("Skipping backup key no longer owned",
				zap.String("cache", r.cacheName),
				zap.String("key", key))
		}
	}
	return r.applyLocked(ctx, cmd, owned)
}

// primaryKeys returns the keys whose primary owner is this node
func (r *TriangleRouter) primaryKeys(ch algorithm.ConsistentHash, keys []string) []string {
	var out []string
	for _, key := range keys {
		if primary, _ := resolveOwners(ch, key); primary == r.local {
			out = append(out, key)
		}
	}
	return out
}

// primaryBatch applies keys of cmd as their primary and replicates them to
// the other owners
func (r *TriangleRouter) primaryBatch(ctx context.Context, cmd *model.Command, ch algorithm.ConsistentHash, keys []string) (*model.Result, error) {
	if len(keys) == 0 {
		return &model.Result{Successful: true}, nil
	}

	res, err := r.applyLocked(ctx, cmd, keys)
	if err != nil {
		return nil, err
	}
	if cmd.Forwarded {
		return res, nil
	}

	if err := r.replicateBatch(ctx, cmd, ch, keys); err != nil {
		return nil, err
	}
	return res, nil
}

// replicateBatch sends every other owner the keys it holds a copy of. Keys
// this node is primary for go to their backups; any other key goes to every
// owner the snapshot names.
func (r *TriangleRouter) replicateBatch(ctx context.Context, cmd *model.Command, ch algorithm.ConsistentHash, keys []string) error {
	owned := make(map[string]struct{}, len(keys))
	var foreign []string
	for _, k := range keys {
		if primary, _ := resolveOwners(ch, k); primary == r.local {
			owned[k] = struct{}{}
		} else {
			foreign = append(foreign, k)
		}
	}

	partitions := algorithm.PartitionByBackup(ch, owned, r.local)
	for _, k := range foreign {
		_, owners := resolveOwners(ch, k)
		for _, owner := range withoutAddress(owners, r.local) {
			if partitions[owner] == nil {
				partitions[owner] = make(map[string]struct{})
			}
			partitions[owner][k] = struct{}{}
		}
	}
	if len(partitions) == 0 {
		return nil
	}

	async := cmd.Flags.Has(model.FlagForceAsynchronous)
	repCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.RPCTimeout)
	defer cancel()

	var mu sync.Mutex
	var errs error
	var g errgroup.Group
	for target, part := range partitions {
		copyCmd := cmd.WithKeys(algorithm.SortedKeys(part))
		copyCmd.Forwarded = true
		copyCmd.Flags |= model.FlagSkipLocking
		target := target
		r.metrics.RecordBatchPartition(r.cacheName, roleBackup)

		if async {
			r.transport.SendToOne(repCtx, target, r.request(copyCmd), transport.AsyncOptions(r.config.RPCTimeout))
			continue
		}
		g.Go(func() error {
			_, err := r.transport.SendToOne(repCtx, target, r.request(copyCmd), transport.SyncOptions(r.config.RPCTimeout)).Wait(repCtx)
			if err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// applyLocked executes cmd restricted to keys, holding their locks unless the
// command skips locking
func (r *TriangleRouter) applyLocked(ctx context.Context, cmd *model.Command, keys []string) (*model.Result, error) {
	if len(keys) == 0 {
		return &model.Result{Successful: true}, nil
	}
	if !cmd.Flags.Has(model.FlagSkipLocking) {
		release, err := r.locks.LockAll(ctx, keys)
		if err != nil {
			r.metrics.RecordLockTimeout()
			return nil, err
		}
		defer release()
	}
	if cmd.Kind.IsBatch() {
		return r.executor.Execute(cmd.WithKeys(keys))
	}
	return r.executor.Execute(cmd)
}

// localRead answers a read originated here, asking the owners when this node
// holds no copy of the key
func (r *TriangleRouter) localRead(ctx context.Context, cmd *model.Command) (*model.Result, error) {
	ch := r.distribution.ConsistentHash()
	_, owners := resolveOwners(ch, cmd.Key)

	if containsAddress(owners, r.local) || r.distribution.IsLocalMode() {
		r.metrics.RecordRead(r.cacheName, "local")
		return r.executor.Execute(cmd)
	}
	if cmd.Flags.Has(model.FlagCacheModeLocal) || cmd.Flags.Has(model.FlagSkipRemoteLookup) {
		r.metrics.RecordRead(r.cacheName, "peek")
		return r.peekResult(cmd), nil
	}

	r.metrics.RecordRead(r.cacheName, "remote")
	var errs error
	for _, owner := range owners {
		resp, err := r.transport.SendToOne(ctx, owner, r.request(cmd), transport.SyncOptions(r.config.RPCTimeout)).
			Await(ctx, r.config.RPCTimeout)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		res := resultOf(resp)
		if !res.Successful {
			continue
		}
		if !res.Found {
			// Ownership may have moved here while the read was in flight
			if peeked := r.peekResult(cmd); peeked.Found {
				return peeked, nil
			}
		}
		return res, nil
	}

	if peeked := r.peekResult(cmd); peeked.Found {
		return peeked, nil
	}
	if errs != nil {
		return nil, errs
	}
	return r.undecided(cmd), nil
}

// remoteRead answers a read for another node. A node holding no copy replies
// undecided instead of a negative answer.
func (r *TriangleRouter) remoteRead(cmd *model.Command) (*model.Result, error) {
	ch := r.distribution.ConsistentHash()
	if _, owners := resolveOwners(ch, cmd.Key); containsAddress(owners, r.local) {
		return r.executor.Execute(cmd)
	}
	res := r.peekResult(cmd)
	if !res.Found {
		res.Successful = false
	}
	return res, nil
}

func (r *TriangleRouter) peekResult(cmd *model.Command) *model.Result {
	value, found := r.executor.Peek(cmd.Key)
	if !found {
		return r.undecided(cmd)
	}
	if cmd.Kind == model.CmdContainsKey {
		return &model.Result{Successful: true, Found: true}
	}
	return &model.Result{Successful: true, Found: true, Value: value}
}

// undecided is the answer for a key no reachable owner reported on. A Get treats
// it as a miss; ContainsKey stays unknown.
func (r *TriangleRouter) undecided(cmd *model.Command) *model.Result {
	if cmd.Kind == model.CmdContainsKey {
		return &model.Result{Successful: false, Found: false}
	}
	return &model.Result{Successful: true, Found: false}
}

func (r *TriangleRouter) request(cmd *model.Command) *transport.Request {
	return &transport.Request{
		Type:    transport.RequestInvoke,
		Cache:   r.cacheName,
		Command: cmd,
	}
}

func (r *TriangleRouter) timed(role string, fn func() (*model.Result, error)) (*model.Result, error) {
	start := time.Now()
	res, err := fn()

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case res != nil && !res.Successful:
		outcome = "rejected"
	}
	r.metrics.RecordWrite(r.cacheName, role, outcome, time.Since(start).Seconds())
	return res, err
}

// resolveOwners returns the primary and the owner list of key, falling back to
// all members when the snapshot cannot name owners
func resolveOwners(ch algorithm.ConsistentHash, key string) (model.Address, []model.Address) {
	owners := ch.Owners(key)
	if len(owners) == 0 {
		owners = ch.Members()
	}
	primary := ch.PrimaryOwner(key)
	if primary == "" && len(owners) > 0 {
		primary = owners[0]
	}
	return primary, owners
}

// unconditional turns a write the primary already accepted into the plain write
// a backup applies, so backups never re-evaluate the condition against their copy
func unconditional(cmd *model.Command) *model.Command {
	if !cmd.Kind.IsConditional() {
		return cmd
	}
	out := *cmd
	out.Expected = nil
	if cmd.Kind != model.CmdRemove {
		out.Kind = model.CmdPut
	}
	return &out
}

func resultOf(resp *transport.Response) *model.Result {
	if resp == nil || resp.Result == nil {
		return &model.Result{Successful: true}
	}
	return resp.Result
}

func containsAddress(addrs []model.Address, addr model.Address) bool {
	for _, a := range addrs {
		if a == addr {
			return true
		}
	}
	return false
}

func withoutAddress(addrs []model.Address, addr model.Address) []model.Address {
	out := make([]model.Address, 0, len(addrs))
	for _, a := range addrs {
		if a != addr {
			out = append(out, a)
		}
	}
	return out
}

func addressStrings(addrs []model.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = string(a)
	}
	return out
}
