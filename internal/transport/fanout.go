package transport

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"

	cerrors "github.com/devrev/pairdb/cache-node/internal/errors"
	"github.com/devrev/pairdb/cache-node/internal/model"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/status"
)

type sendFunc func(ctx context.Context, to model.Address, req *Request, opts Options) *Future[*Response]

// sendToMany sends req to every target in parallel. The returned future completes
// once every target replied; failures from several targets are combined.
func sendToMany(ctx context.Context, targets []model.Address, req *Request, opts Options, send sendFunc) *Future[map[model.Address]*Response] {
	result := NewFuture[map[model.Address]*Response]()
	if len(targets) == 0 {
		result.Complete(map[model.Address]*Response{}, nil)
		return result
	}

	futures := make(map[model.Address]*Future[*Response], len(targets))
	for _, to := range targets {
		futures[to] = send(ctx, to, req, opts)
	}

	go func() {
		var (
			g         errgroup.Group
			mu        sync.Mutex
			responses = make(map[model.Address]*Response, len(targets))
			errs      error
		)

		for to, f := range futures {
			to, f := to, f
			g.Go(func() error {
				resp, err := f.Wait(ctx)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = multierr.Append(errs, err)
					return err
				}
				responses[to] = resp
				return nil
			})
		}

		_ = g.Wait()
		result.Complete(responses, errs)
	}()
	return result
}

// remoteError classifies a failure returned by a remote node. Timeouts and
// transport failures keep their kind; everything else becomes a remote execution failure.
func remoteError(to model.Address, err error) error {
	if err == nil {
		return nil
	}

	ce := cerrors.FromGRPCStatus(toStatus(err).Err())
	switch ce.Code {
	case cerrors.ErrCodeTimeout, cerrors.ErrCodeAckTimeout, cerrors.ErrCodeLockTimeout:
		return cerrors.Timeout(fmt.Sprintf("reply from %s", to), ce)
	case cerrors.ErrCodeTransport:
		return ce
	default:
		return cerrors.RemoteExecution(string(to), ce)
	}
}

// toStatus converts a handler failure into the status sent over the wire
func toStatus(err error) *status.Status {
	var ce *cerrors.CacheError
	if stderrors.As(err, &ce) {
		return ce.ToGRPCStatus()
	}
	if st, ok := status.FromError(err); ok {
		return st
	}
	return cerrors.InternalError("request failed", err).ToGRPCStatus()
}
