package transport

import (
	"context"
	"fmt"
	"sync"

	cerrors "github.com/devrev/pairdb/cache-node/internal/errors"
	"github.com/devrev/pairdb/cache-node/internal/model"
)

// SendHook observes a message right before it is handed to the recipient.
// It runs on the delivering goroutine, so blocking in the hook delays only that message.
type SendHook func(from, to model.Address, req *Request)

// Network routes requests between transports living in one process. Messages
// go through the wire encoding and each one is handled on its own goroutine.
// It backs multi-node tests in the way httptest backs HTTP tests; cmd/cachenode
// only ever wires the gRPC transport.
type Network struct {
	mu       sync.RWMutex
	handlers map[model.Address]Handler
	blocked  map[model.Address]bool
	hook     SendHook
}

// NewNetwork creates an empty network
func NewNetwork() *Network {
	return &Network{
		handlers: make(map[model.Address]Handler),
		blocked:  make(map[model.Address]bool),
	}
}

// Join registers a node and returns its transport. The handler may be installed later.
func (n *Network) Join(addr model.Address) *InMemoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.handlers[addr]; !ok {
		n.handlers[addr] = nil
	}
	return &InMemoryTransport{network: n, local: addr}
}

// Leave removes a node; later messages to it fail with a transport error
func (n *Network) Leave(addr model.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.handlers, addr)
	delete(n.blocked, addr)
}

// SetHandler installs the handler for a joined node
func (n *Network) SetHandler(addr model.Address, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[addr] = h
}

// Block drops every message addressed to addr until Unblock is called
func (n *Network) Block(addr model.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked[addr] = true
}

// Unblock resumes delivery to addr
func (n *Network) Unblock(addr model.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.blocked, addr)
}

// OnSend installs a hook called for every delivered message. Pass nil to remove it.
func (n *Network) OnSend(hook SendHook) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hook = hook
}

// Members returns the joined nodes in ascending order
func (n *Network) Members() []model.Address {
	n.mu.RLock()
	defer n.mu.RUnlock()
	addrs := make([]model.Address, 0, len(n.handlers))
	for addr := range n.handlers {
		addrs = append(addrs, addr)
	}
	return model.NewAddressSet(addrs...).Slice()
}

// RPCAddress lets the network stand in for gossip membership
func (n *Network) RPCAddress(addr model.Address) (string, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.handlers[addr]
	return string(addr), ok
}

func (n *Network) route(to model.Address) (Handler, SendHook, bool, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.handlers[to]
	if !ok || h == nil {
		return nil, nil, false, cerrors.Transport(fmt.Sprintf("node %s is not reachable", to), nil)
	}
	return h, n.hook, n.blocked[to], nil
}

// deliver hands req to the recipient and waits for its reply or for ctx to end
func (n *Network) deliver(ctx context.Context, from, to model.Address, req *Request) (*Response, error) {
	h, hook, blocked, err := n.route(to)
	if err != nil {
		return nil, err
	}

	wire, err := clone(req)
	if err != nil {
		return nil, cerrors.InternalError("failed to encode request", err)
	}
	wire.From = from

	type reply struct {
		resp *Response
		err  error
	}
	replies := make(chan reply, 1)

	if !blocked {
		go func() {
			if hook != nil {
				hook(from, to, wire)
			}
			resp, err := h.Handle(ctx, wire)
			if err != nil {
				replies <- reply{err: remoteError(to, err)}
				return
			}
			out, err := clone(resp)
			if err != nil {
				err = cerrors.InternalError("failed to encode response", err)
			}
			replies <- reply{resp: out, err: err}
		}()
	}

	select {
	case r := <-replies:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, cerrors.Timeout(fmt.Sprintf("reply from %s", to), ctx.Err())
	}
}

// InMemoryTransport is one node's view of a Network
type InMemoryTransport struct {
	network *Network
	local   model.Address
}

func (t *InMemoryTransport) LocalAddress() model.Address {
	return t.local
}

func (t *InMemoryTransport) ClusterMembers() []model.Address {
	return t.network.Members()
}

// SendToOne delivers req to a single node
func (t *InMemoryTransport) SendToOne(ctx context.Context, to model.Address, req *Request, opts Options) *Future[*Response] {
	f := NewFuture[*Response]()

	if opts.Mode == ModeAsync {
		go func() {
			ctx, cancel := withTimeout(context.WithoutCancel(ctx), opts)
			defer cancel()
			_, _ = t.network.deliver(ctx, t.local, to, req)
		}()
		f.Complete(nil, nil)
		return f
	}

	go func() {
		ctx, cancel := withTimeout(ctx, opts)
		defer cancel()
		f.Complete(t.network.deliver(ctx, t.local, to, req))
	}()
	return f
}

// SendToMany delivers req to every node in to
func (t *InMemoryTransport) SendToMany(ctx context.Context, to []model.Address, req *Request, opts Options) *Future[map[model.Address]*Response] {
	if opts.Mode == ModeAsync {
		for _, addr := range to {
			t.SendToOne(ctx, addr, req, opts)
		}
		return CompletedFuture[map[model.Address]*Response](nil, nil)
	}
	return sendToMany(ctx, to, req, opts, t.SendToOne)
}

func withTimeout(ctx context.Context, opts Options) (context.Context, context.CancelFunc) {
	if opts.Timeout > 0 {
		return context.WithTimeout(ctx, opts.Timeout)
	}
	return context.WithCancel(ctx)
}
