package service

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestRoomClockIsStrictlyIncreasing(t *testing.T) {
	frozen := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	c := newRoomClock(func() time.Time { return frozen })
	room, other := uuid.New(), uuid.New()

	assert.False(t, c.Seen(room))
	a := c.Next(room, nil)
	b := c.Next(room, nil)
	assert.True(t, c.Seen(room))
	assert.Equal(t, frozen, a)
	assert.Equal(t, frozen.Add(time.Microsecond), b)

	// rooms are independent
	assert.Equal(t, frozen, c.Next(other, nil))

	floor := frozen.Add(time.Hour)
	assert.Equal(t, floor.Add(time.Microsecond), c.Next(uuid.New(), &floor))
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	km := newKeyedMutex()
	var wg sync.WaitGroup
	counter := 0
	key := uuid.New()
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock(key)
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)

	unlockA := km.Lock(uuid.New())
	unlockB := km.Lock(uuid.New())
	unlockB()
	unlockA()
	assert.Empty(t, km.locks)
}
