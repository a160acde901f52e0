// Package lockfile serializes append+fsync pairs on a single manifest's
// event log. The filesystem append syscall is atomic in isolation, but the
// combination of append-then-fsync is not, so concurrent appenders on the
// same file must take turns through a per-path lock (§5, §9 "File-system
// race on append").
package lockfile

import (
	"sync"

	"github.com/gofrs/flock"
)

// registry tracks one *flock.Flock per path so repeated calls for the same
// manifest reuse the same underlying lock instead of racing to create it.
type registry struct {
	mu    sync.RWMutex
	locks map[string]*flock.Flock
}

var defaultRegistry = &registry{locks: make(map[string]*flock.Flock)}

// pathMutexes holds one *sync.Mutex per path. A *flock.Flock that is already
// locked returns at once from Lock, so goroutines sharing it are serialized
// by this mutex rather than by the flock.
var pathMutexes sync.Map

// RegisterLock records lock under path, for tests that want to inspect the
// registry directly.
func (r *registry) RegisterLock(path string, lock *flock.Flock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locks[path] = lock
}

// UnregisterLock removes the lock recorded for path.
func (r *registry) UnregisterLock(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.locks, path)
}

func (r *registry) get(path string) *flock.Flock {
	r.mu.RLock()
	l, ok := r.locks[path]
	r.mu.RUnlock()
	if ok {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.locks[path]; ok {
		return l
	}
	l = flock.New(path)
	r.locks[path] = l
	return l
}

// WithLock acquires the exclusive lock for path (an in-process mutex plus
// an OS-level flock on path+".lock"), runs fn, and releases it, even if fn
// panics.
func WithLock(path string, fn func() error) error {
	mu, _ := pathMutexes.LoadOrStore(path, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()

	l := defaultRegistry.get(path + ".lock")
	if err := l.Lock(); err != nil {
		return err
	}
	defer l.Unlock()
	return fn()
}
