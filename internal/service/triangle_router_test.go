package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/devrev/pairdb/cache-node/internal/algorithm"
	"github.com/devrev/pairdb/cache-node/internal/config"
	cerrors "github.com/devrev/pairdb/cache-node/internal/errors"
	"github.com/devrev/pairdb/cache-node/internal/metrics"
	"github.com/devrev/pairdb/cache-node/internal/model"
	"github.com/devrev/pairdb/cache-node/internal/transport"
	"github.com/devrev/pairdb/cache-node/internal/util/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testCache = "test"

type routerNode struct {
	addr      model.Address
	dist      *DistributionManager
	container *DataContainer
	acks      *AckCollectorTable
	pool      *workerpool.Pool
	router    *TriangleRouter
}

type sentMessage struct {
	from, to  model.Address
	typ       transport.RequestType
	forwarded bool
	keys      []string
}

type recorder struct {
	mu   sync.Mutex
	msgs []sentMessage
}

func (r *recorder) hook(from, to model.Address, req *transport.Request) {
	msg := sentMessage{from: from, to: to, typ: req.Type}
	if req.Command != nil {
		msg.forwarded = req.Command.Forwarded
		msg.keys = req.Command.AffectedKeys()
	}
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func (r *recorder) matching(fn func(sentMessage) bool) []sentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sentMessage
	for _, m := range r.msgs {
		if fn(m) {
			out = append(out, m)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.msgs = nil
	r.mu.Unlock()
}

func newRouterCluster(t *testing.T, numOwners int, timeout time.Duration, addrs ...model.Address) (*transport.Network, *recorder, map[model.Address]*routerNode) {
	t.Helper()

	network := transport.NewNetwork()
	rec := &recorder{}
	network.OnSend(rec.hook)
	view := model.NewCacheView(1, model.NewAddressSet(addrs...))

	nodes := make(map[model.Address]*routerNode, len(addrs))
	for _, addr := range addrs {
		tr := network.Join(addr)
		m := metrics.NewMetrics(prometheus.NewRegistry(), string(addr))
		logger := zap.NewNop()

		pool := workerpool.New(workerpool.Config{Name: string(addr), Workers: 4, QueueSize: 64, Logger: logger})
		t.Cleanup(func() { _ = pool.Stop(time.Second) })

		dist := NewDistributionManager(testCache, addr, DistributionConfig{
			Mode:         config.ModeDistributed,
			NumOwners:    numOwners,
			NumSegments:  128,
			VirtualNodes: algorithm.DefaultVirtualNodes,
		}, logger)
		dist.ViewCommitted(view)

		container := NewDataContainer(testCache, DataContainerConfig{}, clock.New(), m, logger)
		acks := NewAckCollectorTable()
		router := NewTriangleRouter(testCache, tr, dist, container, NewLockManager(time.Second), acks,
			model.NewInvocationIDGenerator(addr), pool, RouterConfig{RPCTimeout: timeout}, m, logger)

		network.SetHandler(addr, transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			switch req.Type {
			case transport.RequestInvoke:
				res, err := router.HandleRemote(ctx, req.From, req.Command)
				if err != nil {
					return nil, err
				}
				return &transport.Response{Result: res}, nil
			case transport.RequestAck:
				router.HandleAck(req.From, req.Ack)
				return &transport.Response{}, nil
			}
			return nil, cerrors.InvalidArgument("unexpected request", nil)
		}))

		nodes[addr] = &routerNode{addr: addr, dist: dist, container: container, acks: acks, pool: pool, router: router}
	}
	return network, rec, nodes
}

// keyOwnedBy finds a key whose owner list is exactly owners
func keyOwnedBy(t *testing.T, ch algorithm.ConsistentHash, owners ...model.Address) string {
	t.Helper()
	for i := 0; i < 100000; i++ {
		key := fmt.Sprintf("key-%d", i)
		if assert.ObjectsAreEqual(owners, ch.Owners(key)) {
			return key
		}
	}
	t.Fatalf("no key owned by %v", owners)
	return ""
}

func put(key, value string) *model.Command {
	return &model.Command{Kind: model.CmdPut, Key: key, Value: []byte(value)}
}

func assertHolds(t *testing.T, n *routerNode, key, value string) {
	t.Helper()
	got, ok := n.container.Peek(key)
	if assert.True(t, ok, "%s should hold %s", n.addr, key) {
		assert.Equal(t, value, string(got))
	}
}

func assertMissing(t *testing.T, n *routerNode, key string) {
	t.Helper()
	_, ok := n.container.Peek(key)
	assert.False(t, ok, "%s should not hold %s", n.addr, key)
}

func acksTo(to model.Address) func(sentMessage) bool {
	return func(m sentMessage) bool { return m.typ == transport.RequestAck && m.to == to }
}

func TestTriangleRouter_BackupAcksOriginDirectly(t *testing.T) {
	_, rec, nodes := newRouterCluster(t, 2, time.Second, "a", "b", "c")
	a, b, c := nodes["a"], nodes["b"], nodes["c"]
	key := keyOwnedBy(t, a.dist.ConsistentHash(), "b", "c")

	res, err := a.router.Invoke(context.Background(), put(key, "v"))
	require.NoError(t, err)
	assert.True(t, res.Successful)

	assertHolds(t, b, key, "v")
	assertHolds(t, c, key, "v")
	assertMissing(t, a, key)

	invokes := rec.matching(func(m sentMessage) bool { return m.typ == transport.RequestInvoke })
	require.Len(t, invokes, 2)
	assert.ElementsMatch(t, []sentMessage{
		{from: "a", to: "b", typ: transport.RequestInvoke, keys: []string{key}},
		{from: "b", to: "c", typ: transport.RequestInvoke, keys: []string{key}},
	}, invokes)

	acks := rec.matching(func(m sentMessage) bool { return m.typ == transport.RequestAck })
	require.Len(t, acks, 1)
	assert.Equal(t, model.Address("c"), acks[0].from)
	assert.Equal(t, model.Address("a"), acks[0].to)

	assert.Equal(t, 0, a.acks.Len(), "collector must be removed")
}

func TestTriangleRouter_PrimaryOriginNeedsNoAcks(t *testing.T) {
	_, rec, nodes := newRouterCluster(t, 2, time.Second, "a", "b", "c")
	a, b := nodes["a"], nodes["b"]
	key := keyOwnedBy(t, a.dist.ConsistentHash(), "a", "b")

	_, err := a.router.Invoke(context.Background(), put(key, "v"))
	require.NoError(t, err)

	assertHolds(t, a, key, "v")
	assertHolds(t, b, key, "v")
	assert.Empty(t, rec.matching(func(m sentMessage) bool { return m.typ == transport.RequestAck }))
}

func TestTriangleRouter_BackupOriginAcksLocally(t *testing.T) {
	_, rec, nodes := newRouterCluster(t, 2, time.Second, "a", "b", "c")
	a, b := nodes["a"], nodes["b"]
	key := keyOwnedBy(t, a.dist.ConsistentHash(), "b", "a")

	_, err := a.router.Invoke(context.Background(), put(key, "v"))
	require.NoError(t, err)

	assertHolds(t, a, key, "v")
	assertHolds(t, b, key, "v")
	assert.Empty(t, rec.matching(func(m sentMessage) bool { return m.typ == transport.RequestAck }))
	assert.Equal(t, 0, a.acks.Len())
}

func TestTriangleRouter_AckTimeoutCleansUp(t *testing.T) {
	network, rec, nodes := newRouterCluster(t, 2, 100*time.Millisecond, "a", "b", "c")
	a := nodes["a"]
	key := keyOwnedBy(t, a.dist.ConsistentHash(), "b", "c")
	network.Block("c")

	start := time.Now()
	_, err := a.router.Invoke(context.Background(), put(key, "v"))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.True(t, cerrors.IsTimeout(err))
	assert.Equal(t, cerrors.ErrCodeAckTimeout, cerrors.GetCode(err))
	assert.Contains(t, err.Error(), "c")
	assert.Equal(t, 0, a.acks.Len())
	assert.Empty(t, rec.matching(acksTo("a")))
}

// failingExecutor rejects every write it is asked to apply
type failingExecutor struct {
	LocalExecutor
}

func (failingExecutor) Execute(*model.Command) (*model.Result, error) {
	return nil, cerrors.InternalError("disk full", nil)
}

func TestTriangleRouter_BackupFailureReachesOrigin(t *testing.T) {
	_, rec, nodes := newRouterCluster(t, 2, 5*time.Second, "a", "b", "c")
	a, c := nodes["a"], nodes["c"]
	c.router.executor = failingExecutor{c.container}
	key := keyOwnedBy(t, a.dist.ConsistentHash(), "b", "c")

	start := time.Now()
	_, err := a.router.Invoke(context.Background(), put(key, "v"))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second, "failure ack must not wait for the ack timeout")

	assert.Equal(t, cerrors.ErrCodeRemoteExecution, cerrors.GetCode(err))
	assert.Contains(t, err.Error(), "c")
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 0, a.acks.Len())
	assert.Len(t, rec.matching(acksTo("a")), 1)
}

func TestTriangleRouter_BackupOriginFailureIsLocal(t *testing.T) {
	_, _, nodes := newRouterCluster(t, 2, 5*time.Second, "a", "b", "c")
	a := nodes["a"]
	a.router.executor = failingExecutor{a.container}
	key := keyOwnedBy(t, a.dist.ConsistentHash(), "b", "a")

	start := time.Now()
	_, err := a.router.Invoke(context.Background(), put(key, "v"))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, cerrors.ErrCodeRemoteExecution, cerrors.GetCode(err))
	assert.Equal(t, 0, a.acks.Len())
}

func TestTriangleRouter_ReplicationWatchStaysOffPool(t *testing.T) {
	network, _, nodes := newRouterCluster(t, 2, 500*time.Millisecond, "a", "b", "c")
	b := nodes["b"]
	key := keyOwnedBy(t, b.dist.ConsistentHash(), "b", "c")
	network.Block("c")

	cmd := put(key, "v")
	cmd.ID = model.CommandInvocationID{Origin: "a", Seq: 1}

	start := time.Now()
	res, err := b.router.HandleRemote(context.Background(), "a", cmd)
	require.NoError(t, err)
	assert.True(t, res.Successful)
	assert.Less(t, time.Since(start), 250*time.Millisecond)

	assertHolds(t, b, key, "v")
	stats := b.pool.Stats()
	assert.Zero(t, stats.Submitted)
	assert.Zero(t, stats.Inline)
	assert.Zero(t, stats.Active)
}

func TestTriangleRouter_PrimaryUnreachable(t *testing.T) {
	network, _, nodes := newRouterCluster(t, 2, 100*time.Millisecond, "a", "b", "c")
	a := nodes["a"]
	key := keyOwnedBy(t, a.dist.ConsistentHash(), "b", "c")
	network.Block("b")

	_, err := a.router.Invoke(context.Background(), put(key, "v"))
	require.Error(t, err)
	assert.Equal(t, cerrors.ErrCodeTimeout, cerrors.GetCode(err))
	assert.Equal(t, 0, a.acks.Len())
}

func TestTriangleRouter_RejectedConditionalSkipsAckWait(t *testing.T) {
	network, _, nodes := newRouterCluster(t, 2, 2*time.Second, "a", "b", "c")
	a, c := nodes["a"], nodes["c"]
	key := keyOwnedBy(t, a.dist.ConsistentHash(), "b", "c")

	_, err := a.router.Invoke(context.Background(), put(key, "v1"))
	require.NoError(t, err)

	// No ack could arrive from c now; a rejected write must not wait for one
	network.Block("c")
	start := time.Now()
	res, err := a.router.Invoke(context.Background(), &model.Command{
		Kind: model.CmdPutIfAbsent, Key: key, Value: []byte("v2"),
	})
	require.NoError(t, err)
	assert.False(t, res.Successful)
	assert.Equal(t, "v1", string(res.Value))
	assert.Less(t, time.Since(start), time.Second)
	assertHolds(t, c, key, "v1")
}

func TestTriangleRouter_ConditionalWriteReplicated(t *testing.T) {
	_, _, nodes := newRouterCluster(t, 2, time.Second, "a", "b", "c")
	a, b, c := nodes["a"], nodes["b"], nodes["c"]
	key := keyOwnedBy(t, a.dist.ConsistentHash(), "b", "c")

	_, err := a.router.Invoke(context.Background(), put(key, "v1"))
	require.NoError(t, err)

	res, err := a.router.Invoke(context.Background(), &model.Command{
		Kind: model.CmdReplace, Key: key, Value: []byte("v2"), Expected: []byte("v1"),
	})
	require.NoError(t, err)
	assert.True(t, res.Successful)
	assertHolds(t, b, key, "v2")
	assertHolds(t, c, key, "v2")

	res, err = a.router.Invoke(context.Background(), &model.Command{Kind: model.CmdRemove, Key: key})
	require.NoError(t, err)
	assert.True(t, res.Found)
	assertMissing(t, b, key)
	assertMissing(t, c, key)
}

func TestTriangleRouter_RemoteWriteAtNonOwner(t *testing.T) {
	_, _, nodes := newRouterCluster(t, 2, time.Second, "a", "b", "c")
	a := nodes["a"]
	key := keyOwnedBy(t, a.dist.ConsistentHash(), "b", "c")

	cmd := put(key, "v")
	cmd.ID = model.CommandInvocationID{Origin: "b", Seq: 1}
	_, err := a.router.HandleRemote(context.Background(), "b", cmd)
	require.Error(t, err)
	assert.Equal(t, cerrors.ErrCodeIllegalState, cerrors.GetCode(err))
	assertMissing(t, a, key)
}

func TestTriangleRouter_CacheModeLocal(t *testing.T) {
	_, rec, nodes := newRouterCluster(t, 2, time.Second, "a", "b", "c")
	a, b := nodes["a"], nodes["b"]
	key := keyOwnedBy(t, a.dist.ConsistentHash(), "b", "c")

	cmd := put(key, "v")
	cmd.Flags = model.FlagCacheModeLocal
	_, err := a.router.Invoke(context.Background(), cmd)
	require.NoError(t, err)

	assertHolds(t, a, key, "v")
	assertMissing(t, b, key)
	assert.Empty(t, rec.matching(func(sentMessage) bool { return true }))
}

func TestTriangleRouter_Reads(t *testing.T) {
	_, _, nodes := newRouterCluster(t, 2, time.Second, "a", "b", "c")
	a := nodes["a"]
	ch := a.dist.ConsistentHash()
	key := keyOwnedBy(t, ch, "b", "c")
	_, err := a.router.Invoke(context.Background(), put(key, "v"))
	require.NoError(t, err)

	tests := []struct {
		name           string
		cmd            *model.Command
		wantSuccessful bool
		wantFound      bool
		wantValue      string
	}{
		{"remote get", &model.Command{Kind: model.CmdGet, Key: key}, true, true, "v"},
		{"remote contains", &model.Command{Kind: model.CmdContainsKey, Key: key}, true, true, ""},
		{"remote miss", &model.Command{Kind: model.CmdGet, Key: keyOwnedBy(t, ch, "c", "b")}, true, false, ""},
		{"contains without remote lookup is unknown", &model.Command{
			Kind: model.CmdContainsKey, Key: key, Flags: model.FlagSkipRemoteLookup,
		}, false, false, ""},
		{"get without remote lookup misses", &model.Command{
			Kind: model.CmdGet, Key: key, Flags: model.FlagSkipRemoteLookup,
		}, true, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := a.router.Invoke(context.Background(), tt.cmd)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSuccessful, res.Successful)
			assert.Equal(t, tt.wantFound, res.Found)
			assert.Equal(t, tt.wantValue, string(res.Value))
		})
	}
}

func TestTriangleRouter_ReadFallsBackToLocalCopy(t *testing.T) {
	network, _, nodes := newRouterCluster(t, 2, 50*time.Millisecond, "a", "b", "c")
	a := nodes["a"]
	key := keyOwnedBy(t, a.dist.ConsistentHash(), "b", "c")

	// a holds a copy from before ownership moved away
	local := put(key, "stale-but-present")
	local.Flags = model.FlagCacheModeLocal
	_, err := a.router.Invoke(context.Background(), local)
	require.NoError(t, err)

	network.Block("b")
	network.Block("c")
	res, err := a.router.Invoke(context.Background(), &model.Command{Kind: model.CmdGet, Key: key})
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, "stale-but-present", string(res.Value))
}

func TestTriangleRouter_BatchPartitioning(t *testing.T) {
	addrs := []model.Address{"a", "b", "c", "d"}
	_, rec, nodes := newRouterCluster(t, 2, time.Second, addrs...)
	a := nodes["a"]
	ch := a.dist.ConsistentHash()

	entries := make(map[string][]byte, 100)
	for i := 0; i < 100; i++ {
		entries[fmt.Sprintf("batch-%03d", i)] = []byte(fmt.Sprintf("v%d", i))
	}

	res, err := a.router.Invoke(context.Background(), &model.Command{Kind: model.CmdPutMap, Entries: entries})
	require.NoError(t, err)
	assert.True(t, res.Successful)

	// Primary phase: every key once, sent to its primary, except keys a owns itself
	primaryPhase := make(map[string]int)
	for _, m := range rec.matching(func(m sentMessage) bool { return m.typ == transport.RequestInvoke && !m.forwarded }) {
		assert.Equal(t, model.Address("a"), m.from)
		for _, k := range m.keys {
			assert.Equal(t, m.to, ch.PrimaryOwner(k))
			primaryPhase[k]++
		}
	}
	for k := range entries {
		if ch.PrimaryOwner(k) == "a" {
			assert.Zero(t, primaryPhase[k], k)
			continue
		}
		assert.Equal(t, 1, primaryPhase[k], k)
	}

	// Backup phase: every key exactly once, sent by its primary to its backup
	backupPhase := make(map[string]int)
	for _, m := range rec.matching(func(m sentMessage) bool { return m.typ == transport.RequestInvoke && m.forwarded }) {
		for _, k := range m.keys {
			owners := ch.Owners(k)
			assert.Equal(t, owners[0], m.from)
			assert.Equal(t, owners[1], m.to)
			backupPhase[k]++
		}
	}
	assert.Len(t, backupPhase, len(entries))
	for k, n := range backupPhase {
		assert.Equal(t, 1, n, k)
	}

	// Each node ends up with exactly the keys it owns
	for _, addr := range addrs {
		n := nodes[addr]
		for k, v := range entries {
			if containsAddress(ch.Owners(k), addr) {
				assertHolds(t, n, k, string(v))
			} else {
				assertMissing(t, n, k)
			}
		}
	}
}

func TestTriangleRouter_BatchAtStalePrimaryIsApplied(t *testing.T) {
	_, rec, nodes := newRouterCluster(t, 2, time.Second, "a", "b", "c")
	a, b, c := nodes["a"], nodes["b"], nodes["c"]
	key := keyOwnedBy(t, a.dist.ConsistentHash(), "b", "c")

	// b has already installed a view without itself
	b.dist.ViewCommitted(model.NewCacheView(2, model.NewAddressSet("a", "c")))
	require.False(t, containsAddress(b.dist.ConsistentHash().Owners(key), "b"))

	res, err := a.router.Invoke(context.Background(), &model.Command{
		Kind:    model.CmdPutMap,
		Entries: map[string][]byte{key: []byte("v")},
	})
	require.NoError(t, err)
	assert.True(t, res.Successful)

	assertHolds(t, b, key, "v")
	assertHolds(t, c, key, "v")
	// a's snapshot does not make it an owner, so it skips the copy
	assertMissing(t, a, key)

	copies := rec.matching(func(m sentMessage) bool { return m.typ == transport.RequestInvoke && m.forwarded })
	targets := make([]model.Address, 0, len(copies))
	for _, m := range copies {
		assert.Equal(t, model.Address("b"), m.from)
		assert.Equal(t, []string{key}, m.keys)
		targets = append(targets, m.to)
	}
	assert.ElementsMatch(t, []model.Address{"a", "c"}, targets)
}

func TestTriangleRouter_ForwardedBatchIsNotForwardedAgain(t *testing.T) {
	_, rec, nodes := newRouterCluster(t, 2, time.Second, "a", "b", "c", "d")
	b := nodes["b"]
	ch := b.dist.ConsistentHash()

	entries := make(map[string][]byte)
	for i := 0; len(entries) < 10 && i < 10000; i++ {
		k := fmt.Sprintf("fw-%d", i)
		if containsAddress(ch.Owners(k), "b") {
			entries[k] = []byte("v")
		}
	}
	require.Len(t, entries, 10)

	cmd := &model.Command{
		ID:        model.CommandInvocationID{Origin: "a", Seq: 7},
		Kind:      model.CmdPutMap,
		Entries:   entries,
		Flags:     model.FlagSkipLocking,
		Forwarded: true,
	}
	res, err := b.router.HandleRemote(context.Background(), "a", cmd)
	require.NoError(t, err)
	assert.True(t, res.Successful)

	for k := range entries {
		assertHolds(t, b, k, "v")
	}
	assert.Empty(t, rec.matching(func(sentMessage) bool { return true }))
}

func TestTriangleRouter_BatchRemoveReturnsRemoteValues(t *testing.T) {
	addrs := []model.Address{"a", "b", "c", "d"}
	_, rec, nodes := newRouterCluster(t, 2, time.Second, addrs...)
	a := nodes["a"]

	entries := map[string][]byte{}
	keys := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		k := fmt.Sprintf("rm-%d", i)
		entries[k] = []byte(k)
		keys = append(keys, k)
	}
	_, err := a.router.Invoke(context.Background(), &model.Command{Kind: model.CmdPutMap, Entries: entries})
	require.NoError(t, err)
	rec.reset()

	res, err := a.router.Invoke(context.Background(), &model.Command{Kind: model.CmdRemoveMany, Keys: keys})
	require.NoError(t, err)
	assert.Equal(t, entries, res.Values)

	for _, addr := range addrs {
		for _, k := range keys {
			assertMissing(t, nodes[addr], k)
		}
	}
}

func TestUnconditional(t *testing.T) {
	tests := []struct {
		name string
		in   model.CommandKind
		want model.CommandKind
	}{
		{"put if absent", model.CmdPutIfAbsent, model.CmdPut},
		{"replace", model.CmdReplace, model.CmdPut},
		{"remove", model.CmdRemove, model.CmdRemove},
		{"put", model.CmdPut, model.CmdPut},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &model.Command{Kind: tt.in, Key: "k", Expected: []byte("x")}
			out := unconditional(cmd)
			assert.Equal(t, tt.want, out.Kind)
			if tt.in.IsConditional() {
				assert.Nil(t, out.Expected)
				assert.Equal(t, []byte("x"), cmd.Expected, "original untouched")
			}
		})
	}
}
