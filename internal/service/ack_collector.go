package service

import (
	"context"
	"sync"
	"time"

	cerrors "github.com/devrev/pairdb/cache-node/internal/errors"
	"github.com/devrev/pairdb/cache-node/internal/model"
)

// AckCollector waits for a fixed set of backup owners to acknowledge one write
type AckCollector struct {
	id       model.CommandInvocationID
	mu       sync.Mutex
	awaited  map[model.Address]struct{}
	failure  error
	gate     chan struct{}
	gateOnce sync.Once
}

// NewAckCollector creates a collector waiting for every address in awaited.
// With nothing to wait for the gate is open from the start.
func NewAckCollector(id model.CommandInvocationID, awaited []model.Address) *AckCollector {
	c := &AckCollector{
		id:      id,
		awaited: make(map[model.Address]struct{}, len(awaited)),
		gate:    make(chan struct{}),
	}
	for _, addr := range awaited {
		c.awaited[addr] = struct{}{}
	}
	if len(c.awaited) == 0 {
		c.open()
	}
	return c
}

// Ack records the acknowledgment of addr. Unknown or repeated addresses are ignored.
func (c *AckCollector) Ack(addr model.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.awaited[addr]; !ok {
		return
	}
	delete(c.awaited, addr)
	if len(c.awaited) == 0 {
		c.open()
	}
}

// Fail records that addr could not apply the write and releases the waiter
// with a remote execution error. Only the first failure is kept.
func (c *AckCollector) Fail(addr model.Address, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.awaited[addr]; !ok || c.failure != nil {
		return
	}
	c.failure = cerrors.RemoteExecution(string(addr), cause)
	c.open()
}

func (c *AckCollector) result() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

func (c *AckCollector) open() {
	c.gateOnce.Do(func() { close(c.gate) })
}

// Done is closed once every awaited address acknowledged or one of them failed
func (c *AckCollector) Done() <-chan struct{} {
	return c.gate
}

// IsDone reports whether the gate is open
func (c *AckCollector) IsDone() bool {
	select {
	case <-c.gate:
		return true
	default:
		return false
	}
}

// Missing returns the addresses that have not acknowledged yet, in ascending order
func (c *AckCollector) Missing() []model.Address {
	c.mu.Lock()
	defer c.mu.Unlock()

	missing := make([]model.Address, 0, len(c.awaited))
	for addr := range c.awaited {
		missing = append(missing, addr)
	}
	return model.NewAddressSet(missing...).Slice()
}

// Await blocks until every ack arrived, timeout elapsed or ctx ended. A wait
// that runs out returns an AckTimeout error naming the addresses still missing;
// a backup that failed to apply the write surfaces as a remote execution error.
func (c *AckCollector) Await(ctx context.Context, timeout time.Duration) error {
	if c.IsDone() {
		return c.result()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.gate:
		return c.result()
	case <-timer.C:
	case <-ctx.Done():
	}

	// An ack may have raced the timer
	if c.IsDone() {
		return c.result()
	}
	missing := c.Missing()
	names := make([]string, len(missing))
	for i, addr := range missing {
		names[i] = string(addr)
	}
	return cerrors.AckTimeout(c.id.String(), names)
}

// AckCollectorTable maps in-flight writes originated on this node to their collectors
type AckCollectorTable struct {
	collectors sync.Map // model.CommandInvocationID -> *AckCollector
}

// NewAckCollectorTable creates an empty table
func NewAckCollectorTable() *AckCollectorTable {
	return &AckCollectorTable{}
}

// Register creates and stores a collector for id
func (t *AckCollectorTable) Register(id model.CommandInvocationID, awaited []model.Address) *AckCollector {
	c := NewAckCollector(id, awaited)
	t.collectors.Store(id, c)
	return c
}

// Remove forgets the collector of id
func (t *AckCollectorTable) Remove(id model.CommandInvocationID) {
	t.collectors.Delete(id)
}

// Ack routes an acknowledgment to the matching collector. Returns false when
// no write with that id is waiting, for example after it timed out.
func (t *AckCollectorTable) Ack(id model.CommandInvocationID, from model.Address) bool {
	v, ok := t.collectors.Load(id)
	if !ok {
		return false
	}
	v.(*AckCollector).Ack(from)
	return true
}

// Fail routes a failed apply to the matching collector. Returns false when no
// write with that id is waiting.
func (t *AckCollectorTable) Fail(id model.CommandInvocationID, from model.Address, cause error) bool {
	v, ok := t.collectors.Load(id)
	if !ok {
		return false
	}
	v.(*AckCollector).Fail(from, cause)
	return true
}

// Len returns the number of registered collectors
func (t *AckCollectorTable) Len() int {
	n := 0
	t.collectors.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
