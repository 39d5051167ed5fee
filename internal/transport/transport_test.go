package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	cerrors "github.com/devrev/pairdb/cache-node/internal/errors"
	"github.com/devrev/pairdb/cache-node/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func echoHandler(addr model.Address) Handler {
	return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		return &Response{Result: &model.Result{Successful: true, Value: []byte(string(addr) + ":" + req.Command.Key)}}, nil
	})
}

func newCluster(t *testing.T, addrs ...model.Address) (*Network, map[model.Address]*InMemoryTransport) {
	t.Helper()
	net := NewNetwork()
	transports := make(map[model.Address]*InMemoryTransport)
	for _, addr := range addrs {
		transports[addr] = net.Join(addr)
		net.SetHandler(addr, echoHandler(addr))
	}
	return net, transports
}

func invoke(key string) *Request {
	return &Request{Type: RequestInvoke, Cache: "c", Command: &model.Command{Kind: model.CmdGet, Key: key}}
}

func TestInMemory_SendToOne(t *testing.T) {
	_, tr := newCluster(t, "a", "b")

	resp, err := tr["a"].SendToOne(context.Background(), "b", invoke("k"), SyncOptions(time.Second)).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("b:k"), resp.Result.Value)
	assert.Equal(t, []model.Address{"a", "b"}, tr["a"].ClusterMembers())
}

func TestInMemory_RequestIsCopied(t *testing.T) {
	net, tr := newCluster(t, "a", "b")

	var mu sync.Mutex
	var seen *Request
	net.OnSend(func(from, to model.Address, req *Request) {
		mu.Lock()
		defer mu.Unlock()
		seen = req
	})

	req := invoke("k")
	_, err := tr["a"].SendToOne(context.Background(), "b", req, SyncOptions(time.Second)).Wait(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, seen)
	assert.Equal(t, model.Address("a"), seen.From)
	assert.NotSame(t, req.Command, seen.Command)
	assert.Equal(t, model.Address(""), req.From, "sender's request must stay untouched")
}

func TestInMemory_BlockedTimesOut(t *testing.T) {
	net, tr := newCluster(t, "a", "b")
	net.Block("b")

	_, err := tr["a"].SendToOne(context.Background(), "b", invoke("k"), SyncOptions(20*time.Millisecond)).Wait(context.Background())
	require.Error(t, err)
	assert.True(t, cerrors.IsTimeout(err))

	net.Unblock("b")
	_, err = tr["a"].SendToOne(context.Background(), "b", invoke("k"), SyncOptions(time.Second)).Wait(context.Background())
	assert.NoError(t, err)
}

func TestInMemory_UnknownNode(t *testing.T) {
	_, tr := newCluster(t, "a")

	_, err := tr["a"].SendToOne(context.Background(), "zz", invoke("k"), SyncOptions(time.Second)).Wait(context.Background())
	require.Error(t, err)
	assert.Equal(t, cerrors.ErrCodeTransport, cerrors.GetCode(err))
}

func TestInMemory_HandlerErrorsAreClassified(t *testing.T) {
	tests := []struct {
		name       string
		handlerErr error
		wantCode   cerrors.ErrorCode
		timeout    bool
	}{
		{"illegal state", cerrors.IllegalState("remote write received in a non-owner"), cerrors.ErrCodeRemoteExecution, false},
		{"plain error", assert.AnError, cerrors.ErrCodeRemoteExecution, false},
		{"remote timeout", cerrors.LockTimeout("k"), cerrors.ErrCodeTimeout, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			net := NewNetwork()
			a := net.Join("a")
			net.SetHandler("a", echoHandler("a"))
			net.Join("b")
			net.SetHandler("b", HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
				return nil, tt.handlerErr
			}))

			_, err := a.SendToOne(context.Background(), "b", invoke("k"), SyncOptions(time.Second)).Wait(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, cerrors.GetCode(err))
			assert.Equal(t, tt.timeout, cerrors.IsTimeout(err))
		})
	}

	assert.True(t, cerrors.IsCode(
		remoteError("b", cerrors.IllegalState("x")), cerrors.ErrCodeIllegalState))
}

func TestInMemory_SendToMany(t *testing.T) {
	net, tr := newCluster(t, "a", "b", "c", "d")

	responses, err := tr["a"].SendToMany(context.Background(), []model.Address{"b", "c", "d"}, invoke("k"), SyncOptions(time.Second)).
		Wait(context.Background())
	require.NoError(t, err)
	assert.Len(t, responses, 3)
	assert.Equal(t, []byte("c:k"), responses["c"].Result.Value)

	net.Block("d")
	responses, err = tr["a"].SendToMany(context.Background(), []model.Address{"b", "d"}, invoke("k"), SyncOptions(20*time.Millisecond)).
		Wait(context.Background())
	require.Error(t, err)
	assert.True(t, cerrors.IsTimeout(err))
	assert.Contains(t, responses, model.Address("b"))
}

func TestInMemory_Async(t *testing.T) {
	net, tr := newCluster(t, "a", "b")

	delivered := make(chan model.Address, 1)
	net.OnSend(func(from, to model.Address, req *Request) {
		delivered <- from
	})

	f := tr["a"].SendToOne(context.Background(), "b", &Request{Type: RequestAck, Ack: &AckMessage{}}, AsyncOptions(time.Second))
	assert.True(t, f.IsDone())

	select {
	case from := <-delivered:
		assert.Equal(t, model.Address("a"), from)
	case <-time.After(time.Second):
		t.Fatal("async message was never delivered")
	}
}

func TestFuture(t *testing.T) {
	f := NewFuture[int]()
	assert.False(t, f.IsDone())

	_, err := f.Await(context.Background(), 10*time.Millisecond)
	assert.True(t, cerrors.IsTimeout(err))

	assert.True(t, f.Complete(7, nil))
	assert.False(t, f.Complete(8, nil))

	v, err := f.Await(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	v, err = CompletedFuture(3, nil).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestRemoteError_FromStatus(t *testing.T) {
	err := remoteError("b", status.Error(codes.DeadlineExceeded, "deadline"))
	assert.Equal(t, cerrors.ErrCodeTimeout, cerrors.GetCode(err))

	err = remoteError("b", status.Error(codes.Unavailable, "down"))
	assert.Equal(t, cerrors.ErrCodeTransport, cerrors.GetCode(err))

	err = remoteError("b", status.Error(codes.Internal, "boom"))
	assert.Equal(t, cerrors.ErrCodeRemoteExecution, cerrors.GetCode(err))
}

func TestStaticMembership(t *testing.T) {
	m := &StaticMembership{
		Addresses: []model.Address{"b", "a"},
		Endpoints: map[model.Address]string{"a": "10.0.0.1:7000"},
	}
	assert.Equal(t, []model.Address{"a", "b"}, m.Members())

	ep, ok := m.RPCAddress("a")
	assert.True(t, ok)
	assert.Equal(t, "10.0.0.1:7000", ep)

	ep, ok = m.RPCAddress("b")
	assert.True(t, ok)
	assert.Equal(t, "b", ep)

	_, ok = m.RPCAddress("c")
	assert.False(t, ok)
}
