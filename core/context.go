package core

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/d3rp3tt3/router/pkg/logging"
	"github.com/d3rp3tt3/router/pkg/value"
)

type key string

const pipelineContextKey = key("pipeline")

const defaultContextShards = 32

// Resolver computes the new value of a key from its current value. exists is false when the key
// has no value yet. A resolver must not access the key it is resolving.
type Resolver func(current value.Value, exists bool) value.Value

// Context is the per-request key/value store shared by every stage instance of one client request.
// Writes are serialized per key; operations on distinct keys do not block each other.
type Context struct {
	requestID string
	start     time.Time
	logger    *zap.Logger
	sink      LogSink

	shards []contextShard
	mask   uint64
}

type contextShard struct {
	mu      sync.RWMutex
	entries map[string]*contextEntry
}

type contextEntry struct {
	mu      sync.RWMutex
	present atomic.Bool
	removed bool
	value   value.Value
}

type ContextOption func(c *Context)

func WithContextRequestID(id string) ContextOption {
	return func(c *Context) {
		c.requestID = id
	}
}

func WithContextLogger(logger *zap.Logger) ContextOption {
	return func(c *Context) {
		c.logger = logger
	}
}

// WithContextShards sets the number of lock stripes. It is rounded up to a power of two.
func WithContextShards(n int) ContextOption {
	return func(c *Context) {
		if n > 0 {
			c.shards = make([]contextShard, nextPowerOfTwo(n))
		}
	}
}

func WithContextLogSink(sink LogSink) ContextOption {
	return func(c *Context) {
		c.sink = sink
	}
}

func NewContext(opts ...ContextOption) *Context {
	c := &Context{
		start: time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.shards == nil {
		c.shards = make([]contextShard, defaultContextShards)
	}
	for i := range c.shards {
		c.shards[i].entries = make(map[string]*contextEntry)
	}
	c.mask = uint64(len(c.shards) - 1)

	if c.requestID == "" {
		c.requestID = uuid.NewString()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.With(logging.WithRequestID(c.requestID))
	if c.sink == nil {
		c.sink = NewZapLogSink(c.logger)
	}

	return c
}

func withPipelineContext(ctx context.Context, c *Context) context.Context {
	return context.WithValue(ctx, pipelineContextKey, c)
}

// ContextFrom returns the pipeline Context attached to ctx, or nil.
func ContextFrom(ctx context.Context) *Context {
	if ctx == nil {
		return nil
	}
	c, _ := ctx.Value(pipelineContextKey).(*Context)
	return c
}

func (c *Context) RequestID() string {
	return c.requestID
}

func (c *Context) Logger() *zap.Logger {
	return c.logger
}

// StartTime is the moment the request entered the pipeline. It carries a monotonic clock reading.
func (c *Context) StartTime() time.Time {
	return c.start
}

// Elapsed returns the monotonic duration since StartTime.
func (c *Context) Elapsed() time.Duration {
	return time.Since(c.start)
}

// Log writes a leveled record to the request's log sink.
func (c *Context) Log(level LogLevel, message string) {
	c.sink.Log(level, message)
}

func (c *Context) shard(key string) *contextShard {
	return &c.shards[xxhash.Sum64String(key)&c.mask]
}

func (c *Context) lookup(key string) *contextEntry {
	s := c.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[key]
}

func (c *Context) lookupOrCreate(key string) *contextEntry {
	if e := c.lookup(key); e != nil {
		return e
	}
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		e = &contextEntry{}
		s.entries[key] = e
	}
	return e
}

// Get returns a copy of the value stored under key.
func (c *Context) Get(key string) (value.Value, bool) {
	e := c.lookup(key)
	if e == nil {
		return value.Null(), false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.present.Load() {
		return value.Null(), false
	}
	return e.value.Clone(), true
}

func (c *Context) Set(key string, v value.Value) {
	c.Upsert(key, func(value.Value, bool) value.Value {
		return v
	})
}

// SetAny converts v with value.FromAny and stores it. Nothing is written when the conversion fails.
func (c *Context) SetAny(key string, v any) error {
	converted, err := value.FromAny(v)
	if err != nil {
		return &ValidationError{Field: "context." + key, Reason: err.Error()}
	}
	c.Set(key, converted)
	return nil
}

// Upsert atomically replaces the value of key with the result of resolve and returns a copy of it.
// Concurrent upserts of the same key run one after another, each resolver observing the result of
// the previous one.
func (c *Context) Upsert(key string, resolve Resolver) value.Value {
	for {
		if next, ok := c.lookupOrCreate(key).upsert(resolve); ok {
			return next
		}
	}
}

// upsert reports false when the entry was deleted before the lock was taken.
func (e *contextEntry) upsert(resolve Resolver) (value.Value, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return value.Null(), false
	}
	var current value.Value
	exists := e.present.Load()
	if exists {
		current = e.value.Clone()
	}
	next := resolve(current, exists).Clone()
	e.value = next
	e.present.Store(true)
	return next.Clone(), true
}

func (c *Context) Delete(key string) {
	s := c.shard(key)
	s.mu.Lock()
	e, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.removed = true
	e.present.Store(false)
	e.value = value.Null()
	e.mu.Unlock()
}

// Keys returns the keys that currently hold a value, in no particular order.
func (c *Context) Keys() []string {
	var keys []string
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		for k, e := range s.entries {
			if e.present.Load() {
				keys = append(keys, k)
			}
		}
		s.mu.RUnlock()
	}
	return keys
}

func (c *Context) Len() int {
	return len(c.Keys())
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
