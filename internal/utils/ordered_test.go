package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderedList(t *testing.T) {
	t.Parallel()

	l := NewOrderedList[func() int]()
	l.Append(func() int { return 1 })
	l.Append(func() int { return 2 })
	l.Append(func() int { return 1 })

	values := l.Values()
	assert.Equal(t, 3, l.Len())
	assert.Equal(t, 1, values[0]())
	assert.Equal(t, 2, values[1]())

	values[0] = nil
	assert.NotNil(t, l.Values()[0])
}

func TestOrderedSet(t *testing.T) {
	t.Parallel()

	s := NewOrderedSet[string]()
	assert.Equal(t, 0, s.Add("products"))
	assert.Equal(t, 1, s.Add("reviews"))
	assert.Equal(t, 0, s.Add("products"))

	assert.True(t, s.Contains("reviews"))
	assert.False(t, s.Contains("users"))
	assert.Equal(t, []string{"products", "reviews"}, s.Values())
	assert.Equal(t, 2, s.Len())
}
