package futil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounterIncrements(t *testing.T) {
	c := NewCounter(0)
	assert.Equal(t, int64(0), c.Next())
	assert.Equal(t, int64(1), c.Next())
	assert.Equal(t, int64(2), c.Next())
}

func TestCounterWrapsBelowMaxSafeInteger(t *testing.T) {
	c := NewCounter(maxSafeInteger - 1)
	assert.Equal(t, int64(maxSafeInteger-1), c.Next())
	assert.Equal(t, int64(0), c.Next())
}

func TestCounterSeedIsWrapped(t *testing.T) {
	c := NewCounter(maxSafeInteger + 5)
	assert.Equal(t, int64(5), c.Next())
}

func TestCounterConcurrentUseProducesUniqueValues(t *testing.T) {
	c := NewCounter(0)
	seen := make(chan int64, 1000)
	done := make(chan struct{})

	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				seen <- c.Next()
			}
			done <- struct{}{}
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}
	close(seen)

	unique := make(map[int64]struct{})
	for v := range seen {
		unique[v] = struct{}{}
	}
	assert.Len(t, unique, 1000)
}
