package server

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/devrev/pairdb/cache-node/internal/config"
	"github.com/devrev/pairdb/cache-node/internal/handler"
	"github.com/devrev/pairdb/cache-node/internal/metrics"
	"github.com/devrev/pairdb/cache-node/internal/model"
	"github.com/devrev/pairdb/cache-node/internal/service"
	"github.com/devrev/pairdb/cache-node/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const clusterConfig = `
server:
  rpc_timeout: 2s
  shutdown_timeout: 2s
caches:
  - name: sessions
    mode: dist
    num_owners: 2
    num_segments: 32
views:
  install_interval: 1s
  join_retry_interval: 2s
`

func TestGRPCServer_TwoNodeCluster(t *testing.T) {
	clk := clock.NewMock()
	membership := &transport.StaticMembership{
		Addresses: []model.Address{"a", "b"},
		Endpoints: make(map[model.Address]string),
	}

	nodes := make(map[model.Address]*service.Node)
	for _, addr := range membership.Addresses {
		cfg, err := config.Parse([]byte(clusterConfig))
		require.NoError(t, err)

		tr := transport.NewGRPCTransport(addr, membership, zap.NewNop())
		node, err := service.NewNode(cfg, tr, clk, metrics.NewMetrics(prometheus.NewRegistry(), string(addr)), zap.NewNop())
		require.NoError(t, err)
		tr.SetHandler(node)

		srv := NewGRPCServer(&GRPCServerConfig{Host: "127.0.0.1", Port: 0}, handler.NewCacheHandler(node, zap.NewNop()), zap.NewNop())
		require.NoError(t, srv.Start())
		membership.Endpoints[addr] = srv.Addr()

		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = node.Stop(ctx)
			_ = srv.Stop(ctx)
			_ = tr.Close()
		})
		nodes[addr] = node
	}

	for _, node := range nodes {
		node.Start(context.Background())
	}

	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		return nodes["a"].Ready() && nodes["b"].Ready()
	}, 10*time.Second, 20*time.Millisecond)

	a, err := nodes["a"].Cache("sessions")
	require.NoError(t, err)
	b, err := nodes["b"].Cache("sessions")
	require.NoError(t, err)

	ctx := context.Background()
	_, err = a.Put(ctx, "session:42", []byte("token"))
	require.NoError(t, err)

	value, found, err := b.Get(ctx, "session:42")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "token", string(value))

	existing, stored, err := b.PutIfAbsent(ctx, "session:42", []byte("other"))
	require.NoError(t, err)
	assert.False(t, stored)
	assert.Equal(t, "token", string(existing))

	assert.Zero(t, nodes["a"].PendingAcks())
	assert.Zero(t, nodes["b"].PendingAcks())
}
