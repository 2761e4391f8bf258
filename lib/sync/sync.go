// Package sync provides wrappers around the standard library's
// synchronization primitives. When debugging is enabled for the "sync"
// facility (see lib/logger), the wrappers returned by the New* functions log
// a debug message whenever a lock is held for longer than a threshold, which
// is how a SendBroadcast stalled under registered_mu during REQUEST replay
// gets surfaced without instrumenting every call site in lib/chirp by hand.
//
// Plain stdlib types are returned when debugging is disabled, so there is no
// overhead in the common case.
package sync

import (
	"fmt"
	"runtime"
	"sync"
	"time"
)

type Mutex interface {
	Lock()
	Unlock()
	TryLock() bool
}

type RWMutex interface {
	Mutex
	RLock()
	RUnlock()
	RLocker() sync.Locker
}

type WaitGroup interface {
	Add(int)
	Done()
	Wait()
}

func NewMutex() Mutex {
	if debug {
		return &loggedMutex{}
	}
	return &sync.Mutex{}
}

func NewRWMutex() RWMutex {
	if debug {
		return &loggedRWMutex{}
	}
	return &sync.RWMutex{}
}

func NewWaitGroup() WaitGroup {
	if debug {
		return &loggedWaitGroup{}
	}
	return &sync.WaitGroup{}
}

type loggedMutex struct {
	mut      sync.Mutex
	lockedAt time.Time
	locker   string
}

func (m *loggedMutex) Lock() {
	m.mut.Lock()
	m.lockedAt = time.Now()
	m.locker = callerName()
}

func (m *loggedMutex) TryLock() bool {
	if !m.mut.TryLock() {
		return false
	}
	m.lockedAt = time.Now()
	m.locker = callerName()
	return true
}

func (m *loggedMutex) Unlock() {
	duration := time.Since(m.lockedAt)
	if duration >= threshold {
		l.Debugf("Mutex held for %v held by %s", duration, m.locker)
	}
	m.mut.Unlock()
}

type loggedRWMutex struct {
	mut      sync.RWMutex
	lockedAt time.Time
	locker   string
}

func (m *loggedRWMutex) Lock() {
	start := time.Now()
	m.mut.Lock()
	m.lockedAt = time.Now()
	m.locker = callerName()

	if d := m.lockedAt.Sub(start); d >= threshold {
		l.Debugf("Waited %v for write lock, called by %s", d, m.locker)
	}
}

func (m *loggedRWMutex) TryLock() bool {
	if !m.mut.TryLock() {
		return false
	}
	m.lockedAt = time.Now()
	m.locker = callerName()
	return true
}

func (m *loggedRWMutex) Unlock() {
	duration := time.Since(m.lockedAt)
	if duration >= threshold {
		l.Debugf("Write mutex held for %v by %s", duration, m.locker)
	}
	m.mut.Unlock()
}

func (m *loggedRWMutex) RLock() {
	m.mut.RLock()
}

func (m *loggedRWMutex) RUnlock() {
	m.mut.RUnlock()
}

func (m *loggedRWMutex) RLocker() sync.Locker {
	return m.mut.RLocker()
}

type loggedWaitGroup struct {
	sync.WaitGroup
}

func (wg *loggedWaitGroup) Wait() {
	start := time.Now()
	wg.WaitGroup.Wait()
	if duration := time.Since(start); duration >= threshold {
		l.Debugf("WaitGroup.Wait() blocked for %v, called by %s", duration, callerName())
	}
}

// callerName returns a short "file:line" identifying the caller of the
// lib/sync method that invoked it, for attributing a slow lock to the code
// that held it.
func callerName() string {
	if _, file, line, ok := runtime.Caller(2); ok {
		return fmt.Sprintf("%s:%d", shortFile(file), line)
	}
	return "unknown"
}

func shortFile(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
