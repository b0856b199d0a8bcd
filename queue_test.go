package waweb

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := newQueue[int]()
	for i := 0; i < 100; i++ {
		require.True(t, q.push(i))
	}
	for i := 0; i < 100; i++ {
		v, ok := q.pop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
}

func TestQueueCloseDrains(t *testing.T) {
	q := newQueue[string]()
	q.push("a")
	q.push("b")
	q.close()
	assert.False(t, q.push("c"))

	v, ok := q.pop()
	assert.True(t, ok)
	assert.Equal(t, "a", v)
	v, ok = q.pop()
	assert.True(t, ok)
	assert.Equal(t, "b", v)
	_, ok = q.pop()
	assert.False(t, ok)
}

func TestQueueConcurrentProducers(t *testing.T) {
	q := newQueue[int]()
	const producers, each = 8, 250

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				q.push(i)
			}
		}()
	}
	go func() {
		wg.Wait()
		q.close()
	}()

	count := 0
	for {
		if _, ok := q.pop(); !ok {
			break
		}
		count++
	}
	assert.Equal(t, producers*each, count)
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := newQueue[int]()
	got := make(chan int)
	go func() {
		v, _ := q.pop()
		got <- v
	}()
	q.push(7)
	assert.Equal(t, 7, <-got)
}
