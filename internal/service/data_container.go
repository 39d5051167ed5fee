package service

import (
	"bytes"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	cerrors "github.com/devrev/pairdb/cache-node/internal/errors"
	"github.com/devrev/pairdb/cache-node/internal/metrics"
	"github.com/devrev/pairdb/cache-node/internal/model"
	"go.uber.org/zap"
)

// LocalExecutor applies commands to the state held by this node.
// A rejected conditional write is reported through Result.Successful, not an error.
type LocalExecutor interface {
	Execute(cmd *model.Command) (*model.Result, error)
	Peek(key string) ([]byte, bool)
}

// entryOverhead approximates the bookkeeping cost of one entry
const entryOverhead = 64

type containerEntry struct {
	key         string
	value       []byte
	accessCount int64
	lastAccess  time.Time
	score       float64
}

func (e *containerEntry) size() int64 {
	return int64(len(e.key) + len(e.value) + entryOverhead)
}

// DataContainerConfig holds data container configuration
type DataContainerConfig struct {
	MaxSize         int64
	FrequencyWeight float64
	RecencyWeight   float64
}

// DataContainer is the in-memory entry store of one cache on this node.
// When full it evicts the entry with the lowest adaptive score, combining access
// frequency and recency.
type DataContainer struct {
	cacheName       string
	config          DataContainerConfig
	entries         map[string]*containerEntry
	clock           clock.Clock
	metrics         *metrics.Metrics
	logger          *zap.Logger
	mu              sync.RWMutex
	currentSize     int64
	frequencyWeight float64
	recencyWeight   float64
}

// NewDataContainer creates an empty container
func NewDataContainer(cacheName string, cfg DataContainerConfig, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) *DataContainer {
	return &DataContainer{
		cacheName:       cacheName,
		config:          cfg,
		entries:         make(map[string]*containerEntry),
		clock:           clk,
		metrics:         m,
		logger:          logger,
		frequencyWeight: cfg.FrequencyWeight,
		recencyWeight:   cfg.RecencyWeight,
	}
}

// Execute applies cmd and returns its outcome
func (d *DataContainer) Execute(cmd *model.Command) (*model.Result, error) {
	if cmd.Kind.IsRead() {
		return d.read(cmd)
	}

	d.mu.Lock()
	defer func() {
		d.metrics.UpdateContainerSize(d.cacheName, len(d.entries), d.currentSize)
		d.mu.Unlock()
	}()

	switch cmd.Kind {
	case model.CmdPut:
		prev, found := d.put(cmd.Key, cmd.Value)
		return &model.Result{Successful: true, Found: found, Value: prev}, nil

	case model.CmdPutIfAbsent:
		if existing, ok := d.entries[cmd.Key]; ok {
			return &model.Result{Successful: false, Found: true, Value: existing.value}, nil
		}
		d.put(cmd.Key, cmd.Value)
		return &model.Result{Successful: true}, nil

	case model.CmdReplace:
		existing, ok := d.entries[cmd.Key]
		if !ok || (cmd.Expected != nil && !bytes.Equal(existing.value, cmd.Expected)) {
			return &model.Result{Successful: false, Found: ok}, nil
		}
		prev, _ := d.put(cmd.Key, cmd.Value)
		return &model.Result{Successful: true, Found: true, Value: prev}, nil

	case model.CmdRemove:
		existing, ok := d.entries[cmd.Key]
		if cmd.Expected != nil && (!ok || !bytes.Equal(existing.value, cmd.Expected)) {
			return &model.Result{Successful: false, Found: ok}, nil
		}
		prev, found := d.remove(cmd.Key)
		return &model.Result{Successful: true, Found: found, Value: prev}, nil

	case model.CmdPutMap:
		previous := make(map[string][]byte)
		for key, value := range cmd.Entries {
			if prev, found := d.put(key, value); found {
				previous[key] = prev
			}
		}
		return &model.Result{Successful: true, Values: previous}, nil

	case model.CmdRemoveMany:
		previous := make(map[string][]byte)
		for _, key := range cmd.Keys {
			if prev, found := d.remove(key); found {
				previous[key] = prev
			}
		}
		return &model.Result{Successful: true, Values: previous}, nil

	default:
		return nil, cerrors.InvalidArgument("unsupported command "+cmd.Kind.String(), nil)
	}
}

func (d *DataContainer) read(cmd *model.Command) (*model.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, found := d.entries[cmd.Key]
	if !found {
		return &model.Result{Successful: true}, nil
	}

	entry.accessCount++
	entry.lastAccess = d.clock.Now()
	entry.score = d.calculateScore(entry)

	if cmd.Kind == model.CmdContainsKey {
		return &model.Result{Successful: true, Found: true}, nil
	}
	return &model.Result{Successful: true, Found: true, Value: entry.value}, nil
}

// Peek returns the value of key without touching its access statistics
func (d *DataContainer) Peek(key string) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entry, found := d.entries[key]
	if !found {
		return nil, false
	}
	return entry.value, true
}

// put stores value under key and returns the previous value. Caller holds mu.
func (d *DataContainer) put(key string, value []byte) ([]byte, bool) {
	now := d.clock.Now()

	if existing, found := d.entries[key]; found {
		prev := existing.value
		oldSize := existing.size()
		existing.value = value
		existing.accessCount++
		existing.lastAccess = now
		existing.score = d.calculateScore(existing)
		d.currentSize += existing.size() - oldSize
		return prev, true
	}

	entry := &containerEntry{
		key:         key,
		value:       value,
		accessCount: 1,
		lastAccess:  now,
	}
	entry.score = d.calculateScore(entry)

	for d.config.MaxSize > 0 && len(d.entries) > 0 && d.currentSize+entry.size() > d.config.MaxSize {
		d.evictLowestScore()
	}

	d.entries[key] = entry
	d.currentSize += entry.size()
	return nil, false
}

// remove deletes key and returns its value. Caller holds mu.
func (d *DataContainer) remove(key string) ([]byte, bool) {
	entry, found := d.entries[key]
	if !found {
		return nil, false
	}
	delete(d.entries, key)
	d.currentSize -= entry.size()
	return entry.value, true
}

// calculateScore computes the eviction score (higher is kept longer)
func (d *DataContainer) calculateScore(entry *containerEntry) float64 {
	frequency := float64(entry.accessCount)
	idle := d.clock.Since(entry.lastAccess).Seconds()
	return d.frequencyWeight*frequency - d.recencyWeight*idle
}

// evictLowestScore evicts the entry with lowest score. Caller holds mu.
func (d *DataContainer) evictLowestScore() {
	var lowest *containerEntry
	for _, entry := range d.entries {
		// Scores age with time, refresh before comparing
		entry.score = d.calculateScore(entry)
		if lowest == nil || entry.score < lowest.score {
			lowest = entry
		}
	}
	if lowest == nil {
		return
	}

	delete(d.entries, lowest.key)
	d.currentSize -= lowest.size()
	d.metrics.RecordEviction(d.cacheName)

	d.logger.Debug("Evicted entry",
		zap.String("cache", d.cacheName),
		zap.String("key", lowest.key),
		zap.Float64("score", lowest.score))
}

// Stats returns container statistics
func (d *DataContainer) Stats() ContainerStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	stats := ContainerStats{
		Size:       d.currentSize,
		MaxSize:    d.config.MaxSize,
		EntryCount: len(d.entries),
	}
	if d.config.MaxSize > 0 {
		stats.UsagePercent = float64(d.currentSize) / float64(d.config.MaxSize) * 100
	}
	return stats
}

// ContainerStats holds data container statistics
type ContainerStats struct {
	Size         int64
	MaxSize      int64
	EntryCount   int
	UsagePercent float64
}
