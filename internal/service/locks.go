package service

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock returns the current time. Tests inject a fake.
type Clock func() time.Time

func systemClock() time.Time {
	return time.Now()
}

// keyedMutex hands out one mutex per key. Entries are dropped once nobody holds them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[uuid.UUID]*keyedEntry)}
}

// Lock blocks until key is free and returns the unlock func.
func (k *keyedMutex) Lock(key uuid.UUID) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// roomClock issues strictly increasing timestamps per room at storage precision.
type roomClock struct {
	mu   sync.Mutex
	last map[uuid.UUID]time.Time
	now  Clock
}

func newRoomClock(now Clock) *roomClock {
	return &roomClock{last: make(map[uuid.UUID]time.Time), now: now}
}

// Next returns a timestamp after both the previous one issued for the room
// and floor, when given.
func (c *roomClock) Next(roomID uuid.UUID, floor *time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC().Truncate(time.Microsecond)
	if prev, ok := c.last[roomID]; ok && !t.After(prev) {
		t = prev.Add(time.Microsecond)
	}
	if floor != nil && !t.After(*floor) {
		t = floor.UTC().Truncate(time.Microsecond).Add(time.Microsecond)
	}
	c.last[roomID] = t
	return t
}

// Seen reports whether the room already has a timestamp in memory.
func (c *roomClock) Seen(roomID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.last[roomID]
	return ok
}
