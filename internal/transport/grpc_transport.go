package transport

import (
	"context"
	"fmt"
	"sync"

	cerrors "github.com/devrev/pairdb/cache-node/internal/errors"
	"github.com/devrev/pairdb/cache-node/internal/model"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Membership supplies the live cluster members and their RPC endpoints
type Membership interface {
	Members() []model.Address
	RPCAddress(addr model.Address) (string, bool)
}

// GRPCTransport sends requests to other nodes over gRPC
type GRPCTransport struct {
	local       model.Address
	membership  Membership
	handler     Handler
	connections map[string]*grpc.ClientConn
	mu          sync.RWMutex
	logger      *zap.Logger
}

// NewGRPCTransport creates a transport for the local node
func NewGRPCTransport(local model.Address, membership Membership, logger *zap.Logger) *GRPCTransport {
	return &GRPCTransport{
		local:       local,
		membership:  membership,
		connections: make(map[string]*grpc.ClientConn),
		logger:      logger,
	}
}

// SetHandler installs the handler serving requests addressed to the local node
func (t *GRPCTransport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *GRPCTransport) LocalAddress() model.Address {
	return t.local
}

// ClusterMembers returns the live members, local node included, in ascending order
func (t *GRPCTransport) ClusterMembers() []model.Address {
	return model.NewAddressSet(t.membership.Members()...).With(t.local).Slice()
}

// SendToOne sends req to a single node
func (t *GRPCTransport) SendToOne(ctx context.Context, to model.Address, req *Request, opts Options) *Future[*Response] {
	out := *req
	out.From = t.local

	f := NewFuture[*Response]()
	if opts.Mode == ModeAsync {
		go func() {
			if _, err := t.invoke(context.WithoutCancel(ctx), to, &out, opts); err != nil {
				t.logger.Warn("Async send failed",
					zap.String("to", string(to)),
					zap.Stringer("type", out.Type),
					zap.Error(err))
			}
		}()
		f.Complete(nil, nil)
		return f
	}

	go func() {
		f.Complete(t.invoke(ctx, to, &out, opts))
	}()
	return f
}

// SendToMany sends req to every node in to and collects the replies
func (t *GRPCTransport) SendToMany(ctx context.Context, to []model.Address, req *Request, opts Options) *Future[map[model.Address]*Response] {
	if opts.Mode == ModeAsync {
		for _, addr := range to {
			t.SendToOne(ctx, addr, req, opts)
		}
		return CompletedFuture[map[model.Address]*Response](nil, nil)
	}
	return sendToMany(ctx, to, req, opts, t.SendToOne)
}

func (t *GRPCTransport) invoke(ctx context.Context, to model.Address, req *Request, opts Options) (*Response, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	if to == t.local {
		return t.loopback(ctx, req)
	}

	conn, err := t.getConnection(to)
	if err != nil {
		return nil, err
	}

	resp := new(Response)
	if err := conn.Invoke(ctx, methodFor(req.Type), req, resp); err != nil {
		return nil, remoteError(to, err)
	}
	return resp, nil
}

func (t *GRPCTransport) loopback(ctx context.Context, req *Request) (*Response, error) {
	t.mu.RLock()
	h := t.handler
	t.mu.RUnlock()
	if h == nil {
		return nil, cerrors.Transport("no local handler installed", nil)
	}
	return h.Handle(ctx, req)
}

// getConnection returns or creates a gRPC connection
func (t *GRPCTransport) getConnection(to model.Address) (*grpc.ClientConn, error) {
	target, ok := t.membership.RPCAddress(to)
	if !ok {
		target = string(to)
	}

	t.mu.RLock()
	conn, exists := t.connections[target]
	t.mu.RUnlock()

	if exists {
		return conn, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Double-check
	if conn, exists := t.connections[target]; exists {
		return conn, nil
	}

	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, cerrors.Transport(fmt.Sprintf("failed to connect to %s", target), err)
	}

	t.connections[target] = conn
	return conn, nil
}

// Forget closes the cached connection of a node that left the cluster
func (t *GRPCTransport) Forget(addr model.Address) {
	target, ok := t.membership.RPCAddress(addr)
	if !ok {
		target = string(addr)
	}

	t.mu.Lock()
	conn, exists := t.connections[target]
	delete(t.connections, target)
	t.mu.Unlock()

	if exists {
		_ = conn.Close()
	}
}

// Close closes all connections
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs error
	for target, conn := range t.connections {
		errs = multierr.Append(errs, conn.Close())
		delete(t.connections, target)
	}
	return errs
}
