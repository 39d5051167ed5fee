package service

import (
	"context"

	"github.com/devrev/pairdb/cache-node/internal/model"
)

// Cache is the application facing handle of one distributed cache
type Cache struct {
	name         string
	router       *TriangleRouter
	views        *CacheViewManager
	distribution *DistributionManager
	container    *DataContainer
}

func combine(flags []model.Flags) model.Flags {
	var out model.Flags
	for _, f := range flags {
		out |= f
	}
	return out
}

// Name returns the cache name
func (c *Cache) Name() string {
	return c.name
}

// Execute runs an arbitrary command through the router
func (c *Cache) Execute(ctx context.Context, cmd *model.Command) (*model.Result, error) {
	return c.router.Invoke(ctx, cmd)
}

// Get returns the value stored under key
func (c *Cache) Get(ctx context.Context, key string, flags ...model.Flags) ([]byte, bool, error) {
	res, err := c.Execute(ctx, &model.Command{Kind: model.CmdGet, Key: key, Flags: combine(flags)})
	if err != nil {
		return nil, false, err
	}
	return res.Value, res.Found, nil
}

// ContainsKey reports whether key has a value. known is false when no owner
// could be asked and the local node holds no copy.
func (c *Cache) ContainsKey(ctx context.Context, key string, flags ...model.Flags) (found, known bool, err error) {
	res, err := c.Execute(ctx, &model.Command{Kind: model.CmdContainsKey, Key: key, Flags: combine(flags)})
	if err != nil {
		return false, false, err
	}
	return res.Found, res.Successful, nil
}

// Put stores value under key and returns the previous value
func (c *Cache) Put(ctx context.Context, key string, value []byte, flags ...model.Flags) ([]byte, error) {
	res, err := c.Execute(ctx, &model.Command{Kind: model.CmdPut, Key: key, Value: value, Flags: combine(flags)})
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

// PutIfAbsent stores value only if key has none. When it does, the existing
// value is returned with stored=false.
func (c *Cache) PutIfAbsent(ctx context.Context, key string, value []byte, flags ...model.Flags) (existing []byte, stored bool, err error) {
	res, err := c.Execute(ctx, &model.Command{Kind: model.CmdPutIfAbsent, Key: key, Value: value, Flags: combine(flags)})
	if err != nil {
		return nil, false, err
	}
	return res.Value, res.Successful, nil
}

// Replace overwrites the value of an existing key. A non-nil expected makes the
// write conditional on the current value.
func (c *Cache) Replace(ctx context.Context, key string, expected, value []byte, flags ...model.Flags) (bool, error) {
	res, err := c.Execute(ctx, &model.Command{
		Kind: model.CmdReplace, Key: key, Value: value, Expected: expected, Flags: combine(flags),
	})
	if err != nil {
		return false, err
	}
	return res.Successful, nil
}

// Remove deletes key and returns the value it had
func (c *Cache) Remove(ctx context.Context, key string, flags ...model.Flags) ([]byte, bool, error) {
	res, err := c.Execute(ctx, &model.Command{Kind: model.CmdRemove, Key: key, Flags: combine(flags)})
	if err != nil {
		return nil, false, err
	}
	return res.Value, res.Found, nil
}

// RemoveIf deletes key only while it still holds expected
func (c *Cache) RemoveIf(ctx context.Context, key string, expected []byte, flags ...model.Flags) (bool, error) {
	res, err := c.Execute(ctx, &model.Command{Kind: model.CmdRemove, Key: key, Expected: expected, Flags: combine(flags)})
	if err != nil {
		return false, err
	}
	return res.Successful, nil
}

// PutAll stores every entry and returns the previous values of the keys that had one
func (c *Cache) PutAll(ctx context.Context, entries map[string][]byte, flags ...model.Flags) (map[string][]byte, error) {
	if len(entries) == 0 {
		return map[string][]byte{}, nil
	}
	res, err := c.Execute(ctx, &model.Command{Kind: model.CmdPutMap, Entries: entries, Flags: combine(flags)})
	if err != nil {
		return nil, err
	}
	return res.Values, nil
}

// RemoveAll deletes keys and returns the values that were removed
func (c *Cache) RemoveAll(ctx context.Context, keys []string, flags ...model.Flags) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	res, err := c.Execute(ctx, &model.Command{Kind: model.CmdRemoveMany, Keys: keys, Flags: combine(flags)})
	if err != nil {
		return nil, err
	}
	return res.Values, nil
}

// CommittedView returns the membership this node currently routes with
func (c *Cache) CommittedView() model.CacheView {
	return c.views.CommittedView()
}

// Stats returns the statistics of the local entry store
func (c *Cache) Stats() ContainerStats {
	return c.container.Stats()
}
