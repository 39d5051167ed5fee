package transport

import (
	"context"
	"time"

	"github.com/devrev/pairdb/cache-node/internal/model"
)

// Mode selects whether the sender expects a reply
type Mode int

const (
	// ModeSync completes the future with the remote reply
	ModeSync Mode = iota
	// ModeAsync completes the future as soon as the message is handed off
	ModeAsync
)

// Options control one send
type Options struct {
	Mode    Mode
	Timeout time.Duration
}

// SyncOptions returns options for a request expecting a reply within timeout
func SyncOptions(timeout time.Duration) Options {
	return Options{Mode: ModeSync, Timeout: timeout}
}

// AsyncOptions returns options for a fire-and-forget message
func AsyncOptions(timeout time.Duration) Options {
	return Options{Mode: ModeAsync, Timeout: timeout}
}

// RequestType identifies what a Request carries
type RequestType int

const (
	RequestInvoke RequestType = iota + 1
	RequestAck
	RequestView
)

func (t RequestType) String() string {
	switch t {
	case RequestInvoke:
		return "invoke"
	case RequestAck:
		return "ack"
	case RequestView:
		return "view"
	default:
		return "unknown"
	}
}

// AckMessage tells the originator of a write that a backup applied it. A
// non-empty Error reports that the backup failed to apply it instead.
type AckMessage struct {
	ID    model.CommandInvocationID `json:"id"`
	Error string                    `json:"error,omitempty"`
}

// Request is the single message shape exchanged between cache nodes
type Request struct {
	Type    RequestType        `json:"type"`
	From    model.Address      `json:"from"`
	Cache   string             `json:"cache"`
	Command *model.Command     `json:"command,omitempty"`
	Ack     *AckMessage        `json:"ack,omitempty"`
	View    *model.ViewMessage `json:"view,omitempty"`
}

// Response answers a Request
type Response struct {
	Result *model.Result    `json:"result,omitempty"`
	View   *model.ViewReply `json:"view,omitempty"`
}

// Handler processes requests delivered to the local node
type Handler interface {
	Handle(ctx context.Context, req *Request) (*Response, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

func (f HandlerFunc) Handle(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Transport sends requests to other cluster members
type Transport interface {
	LocalAddress() model.Address
	ClusterMembers() []model.Address
	SendToOne(ctx context.Context, to model.Address, req *Request, opts Options) *Future[*Response]
	SendToMany(ctx context.Context, to []model.Address, req *Request, opts Options) *Future[map[model.Address]*Response]
}
