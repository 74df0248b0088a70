package workerpool

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubmitRunsAllTasks(t *testing.T) {
	p := New(2, 4)
	var n int32
	for i := 0; i < 50; i++ {
		p.Submit(func() { atomic.AddInt32(&n, 1) })
	}
	p.Wait()
	assert.EqualValues(t, 50, n)
}

func TestSubmitKeyedPreservesOrderPerKey(t *testing.T) {
	p := New(1, 8)
	var mu sync.Mutex
	var order []int
	for i := 0; i < 20; i++ {
		i := i
		p.SubmitKeyed("target-1", func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	p.Wait()

	require := assert.New(t)
	require.Len(order, 20)
	for i := 0; i < 20; i++ {
		require.Equal(i, order[i], "keyed tasks must execute in submission order")
	}
}

func TestSubmitKeyedDifferentKeysRunConcurrently(t *testing.T) {
	p := New(2, 8)
	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)

	p.SubmitKeyed("a", func() {
		<-start
		wg.Done()
	})
	p.SubmitKeyed("b", func() {
		<-start
		wg.Done()
	})

	close(start)
	wg.Wait()
	p.Wait()
}
