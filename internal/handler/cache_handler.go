package handler

import (
	"context"
	stderrors "errors"

	cerrors "github.com/devrev/pairdb/cache-node/internal/errors"
	"github.com/devrev/pairdb/cache-node/internal/transport"
	"go.uber.org/zap"
)

// CacheHandler implements the gRPC node-to-node service on top of the local node
type CacheHandler struct {
	node   transport.Handler
	logger *zap.Logger
}

// NewCacheHandler creates a new cache handler
func NewCacheHandler(node transport.Handler, logger *zap.Logger) *CacheHandler {
	return &CacheHandler{
		node:   node,
		logger: logger,
	}
}

// Invoke handles commands forwarded by other nodes
func (h *CacheHandler) Invoke(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	if req.Command == nil {
		return nil, h.fail(req, cerrors.InvalidArgument("invoke request without command", nil))
	}
	req.Type = transport.RequestInvoke
	return h.handle(ctx, req)
}

// Ack handles backup acknowledgements
func (h *CacheHandler) Ack(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	req.Type = transport.RequestAck
	return h.handle(ctx, req)
}

// View handles view installation traffic
func (h *CacheHandler) View(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	req.Type = transport.RequestView
	return h.handle(ctx, req)
}

func (h *CacheHandler) handle(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	if req.Cache == "" {
		return nil, h.fail(req, cerrors.InvalidArgument("request without cache name", nil))
	}
	if req.From == "" {
		return nil, h.fail(req, cerrors.InvalidArgument("request without sender", nil))
	}

	resp, err := h.node.Handle(ctx, req)
	if err != nil {
		return nil, h.fail(req, err)
	}
	if resp == nil {
		resp = &transport.Response{}
	}
	return resp, nil
}

// fail converts err into the status sent back to the caller
func (h *CacheHandler) fail(req *transport.Request, err error) error {
	var ce *cerrors.CacheError
	if !stderrors.As(err, &ce) {
		ce = cerrors.InternalError("request failed", err)
	}

	switch ce.Code {
	case cerrors.ErrCodeInternal:
		h.logger.Error("Request failed",
			zap.String("type", req.Type.String()),
			zap.String("cache", req.Cache),
			zap.String("from", string(req.From)),
			zap.Error(err))
	default:
		h.logger.Debug("Request rejected",
			zap.String("type", req.Type.String()),
			zap.String("cache", req.Cache),
			zap.String("from", string(req.From)),
			zap.Error(err))
	}
	return ce.ToGRPCStatus().Err()
}
