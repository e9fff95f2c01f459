package core

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/d3rp3tt3/router/pkg/value"
)

func TestContextUpsertHasNoLostUpdates(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		shards := rapid.IntRange(1, 64).Draw(t, "shards")
		n := rapid.IntRange(1, 64).Draw(t, "upserts")

		c := NewContext(WithContextShards(shards))

		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				c.Upsert("k", func(current value.Value, exists bool) value.Value {
					items, _ := current.AsArray()
					return value.Array(append(items, value.Int(int64(i)))...)
				})
			}(i)
		}
		wg.Wait()

		v, ok := c.Get("k")
		if !ok {
			t.Fatalf("value missing after %d upserts", n)
		}
		items, _ := v.AsArray()
		if len(items) != n {
			t.Fatalf("expected %d resolvers applied, got %d", n, len(items))
		}
		seen := make([]int, 0, n)
		for _, item := range items {
			f, _ := item.AsNumber()
			seen = append(seen, int(f))
		}
		sort.Ints(seen)
		for i := range seen {
			if seen[i] != i {
				t.Fatalf("resolver %d missing or applied twice: %v", i, seen)
			}
		}
	})
}

func TestContextUpsertSeesPreviousResult(t *testing.T) {
	t.Parallel()

	c := NewContext()

	first := c.Upsert("count", func(current value.Value, exists bool) value.Value {
		assert.False(t, exists)
		assert.True(t, current.IsNull())
		return value.Int(1)
	})
	assert.True(t, first.Equal(value.Int(1)))

	second := c.Upsert("count", func(current value.Value, exists bool) value.Value {
		assert.True(t, exists)
		n, _ := current.AsNumber()
		return value.Number(n + 1)
	})
	assert.True(t, second.Equal(value.Int(2)))
}

func TestContextReadYourWrites(t *testing.T) {
	t.Parallel()

	c := NewContext()
	_, ok := c.Get("missing")
	assert.False(t, ok)

	obj := value.NewObject()
	obj.Set("a", value.Int(1))
	c.Set("obj", value.ObjectValue(obj))

	// stored values are copies
	obj.Set("a", value.Int(2))
	got, ok := c.Get("obj")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"a": float64(1)}, got.ToAny())

	require.NoError(t, c.SetAny("list", []any{"x", 1.5, true, nil}))
	got, ok = c.Get("list")
	require.True(t, ok)
	assert.Equal(t, []any{"x", 1.5, true, nil}, got.ToAny())

	assert.ElementsMatch(t, []string{"obj", "list"}, c.Keys())
	c.Delete("obj")
	_, ok = c.Get("obj")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())
}

func TestContextSetAnyRejectsUnsupportedValues(t *testing.T) {
	t.Parallel()

	c := NewContext()
	c.Set("k", value.String("before"))

	err := c.SetAny("k", map[string]any{"fn": func() {}})
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)

	got, _ := c.Get("k")
	assert.True(t, got.Equal(value.String("before")))
}

func TestContextDistinctKeysDoNotBlock(t *testing.T) {
	t.Parallel()

	c := NewContext()
	entered := make(chan struct{})
	release := make(chan struct{})

	go c.Upsert("slow", func(value.Value, bool) value.Value {
		close(entered)
		<-release
		return value.Bool(true)
	})
	<-entered

	done := make(chan struct{})
	go func() {
		c.Set("fast", value.Bool(true))
		_, _ = c.Get("fast")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("write to a distinct key blocked on a running upsert")
	}
	close(release)
}

func TestContextTimerAndIdentity(t *testing.T) {
	t.Parallel()

	c := NewContext(WithContextRequestID("req-1"))
	assert.Equal(t, "req-1", c.RequestID())
	assert.False(t, c.StartTime().IsZero())

	time.Sleep(2 * time.Millisecond)
	assert.GreaterOrEqual(t, c.Elapsed(), 2*time.Millisecond)

	assert.NotEmpty(t, NewContext().RequestID())
	assert.Nil(t, ContextFrom(context.Background()))
	assert.Same(t, c, ContextFrom(withPipelineContext(context.Background(), c)))
}

func TestContextLogUsesSink(t *testing.T) {
	t.Parallel()

	var got []string
	sink := LogSinkFunc(func(level LogLevel, message string) {
		got = append(got, level.String()+":"+message)
	})
	c := NewContext(WithContextLogSink(sink))
	c.Log(LogLevelWarn, "careful")

	assert.Equal(t, []string{"warn:careful"}, got)
}

func TestUpsertPanicReleasesKey(t *testing.T) {
	t.Parallel()

	c := NewContext()
	assert.Panics(t, func() {
		c.Upsert("k", func(value.Value, bool) value.Value {
			panic("boom")
		})
	})

	c.Set("k", value.Int(1))
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.True(t, v.Equal(value.Int(1)))
}
