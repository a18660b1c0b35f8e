package saga

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	locks := newKeyedMutex()
	var (
		wg      sync.WaitGroup
		holders atomic.Int32
		maxSeen atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("tx-1")
			n := holders.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			holders.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen.Load())
	assert.Zero(t, locks.size())
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	locks := newKeyedMutex()
	unlockA := locks.Lock("tx-a")
	done := make(chan struct{})
	go func() {
		unlock := locks.Lock("tx-b")
		unlock()
		close(done)
	}()
	<-done
	assert.Equal(t, 1, locks.size())
	unlockA()
	assert.Zero(t, locks.size())
}
