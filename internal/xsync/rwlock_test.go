package xsync_test

import (
	"sync"
	"testing"

	"github.com/stealthrocket/sysreplay/internal/assert"
	"github.com/stealthrocket/sysreplay/internal/xsync"
)

func TestRWMutexConcurrentWrites(t *testing.T) {
	counters := xsync.NewRWMutex(map[int]int{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(key int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m := counters.WLock()
				(*m)[key%2]++
				counters.WUnlock(&m)
			}
		}(i)
	}
	wg.Wait()

	m := counters.RLock()
	defer counters.RUnlock(&m)
	assert.Equal(t, (*m)[0], 400)
	assert.Equal(t, (*m)[1], 400)
}

func TestRWMutexUnlockInvalidatesPointer(t *testing.T) {
	value := xsync.NewRWMutex(42)

	p := value.RLock()
	assert.Equal(t, *p, 42)
	value.RUnlock(&p)
	assert.True(t, p == nil)
}
