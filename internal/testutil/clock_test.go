package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func TestManualClock_StartsFrozen(t *testing.T) {
	clock := NewManualClock(epoch)
	assert.Equal(t, epoch, clock.Now())
	assert.Equal(t, epoch, clock.Now(), "reading does not advance")
}

func TestManualClock_Advance(t *testing.T) {
	clock := NewManualClock(epoch)

	got := clock.Advance(time.Hour)
	assert.Equal(t, epoch.Add(time.Hour), got)
	assert.Equal(t, epoch.Add(time.Hour), clock.Now())

	clock.Advance(30 * time.Minute)
	assert.Equal(t, epoch.Add(90*time.Minute), clock.Now())
}

func TestManualClock_Set(t *testing.T) {
	clock := NewManualClock(epoch)
	clock.Advance(240 * time.Hour)

	clock.Set(epoch)
	assert.Equal(t, epoch, clock.Now())
}

func TestManualClock_ThreadSafe(t *testing.T) {
	clock := NewManualClock(epoch)
	const numGoroutines = 100

	var wg sync.WaitGroup
	wg.Add(numGoroutines * 2)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			clock.Advance(time.Second)
		}()
		go func() {
			defer wg.Done()
			_ = clock.Now()
		}()
	}
	wg.Wait()

	assert.Equal(t, epoch.Add(numGoroutines*time.Second), clock.Now())
}
