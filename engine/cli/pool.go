package cli

import (
	"container/list"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/modelrun/modelrun"
)

// pooledWorker is what the pool needs from a session worker. Narrowed to an
// interface so pool policy is testable without real subprocesses. retire is
// the graceful variant of die (SIGTERM before SIGKILL).
type pooledWorker interface {
	state() workerState
	die(cause error, onlyIfIdle bool) bool
	retire(cause error, onlyIfIdle bool) bool
}

// pool keys persistent workers by session and enforces a capacity with true
// least-recently-used eviction: the recency order is updated on every
// acquisition, not just on insert, and only idle workers are ever evicted.
// A pool full of busy workers refuses new sessions instead of killing an
// in-flight turn.
type pool struct {
	capacity int
	log      *zap.Logger

	mu      sync.Mutex
	order   *list.List // front = least recently used
	entries map[string]*list.Element
}

type poolEntry struct {
	key string
	w   pooledWorker
}

func newPool(capacity int, log *zap.Logger) *pool {
	return &pool{
		capacity: capacity,
		log:      log,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// acquire returns the worker for key, spawning one if needed. Dead entries
// are replaced. A busy entry returns ErrBusy; a pool at capacity with no
// idle worker to evict returns ErrUnavailable. spawnFn runs under the pool
// lock so a key is never spawned twice.
func (p *pool) acquire(key string, spawnFn func() (pooledWorker, error)) (pooledWorker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if el, ok := p.entries[key]; ok {
		w := el.Value.(*poolEntry).w
		switch w.state() {
		case stateBusy:
			return nil, fmt.Errorf("%w: session %q", modelrun.ErrBusy, key)
		case stateDead:
			p.removeLocked(key)
		default:
			p.order.MoveToBack(el)
			return w, nil
		}
	}

	if p.capacity > 0 && len(p.entries) >= p.capacity {
		if !p.evictIdleLocked() {
			return nil, fmt.Errorf("%w: session pool full of busy workers", modelrun.ErrUnavailable)
		}
	}

	w, err := spawnFn()
	if err != nil {
		return nil, err
	}
	el := p.order.PushBack(&poolEntry{key: key, w: w})
	p.entries[key] = el
	return w, nil
}

// evictIdleLocked retires the least recently used idle worker. Returns
// false when every resident worker is busy.
func (p *pool) evictIdleLocked() bool {
	for el := p.order.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*poolEntry)
		if entry.w.retire(nil, true) {
			p.log.Debug("evicted idle session worker", zap.String("session", entry.key))
			p.removeLocked(entry.key)
			return true
		}
	}
	return false
}

func (p *pool) removeLocked(key string) {
	if el, ok := p.entries[key]; ok {
		p.order.Remove(el)
		delete(p.entries, key)
	}
}

// drop removes key from the pool if it still maps to w. Called from worker
// exit hooks, which may race with replacement spawns for the same key.
func (p *pool) drop(key string, w pooledWorker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el, ok := p.entries[key]; ok && el.Value.(*poolEntry).w == w {
		p.removeLocked(key)
	}
}

// remove retires the worker for key, busy or not, and forgets the entry.
// Session invalidation: the next acquire for key spawns fresh. Reports
// whether a worker existed.
func (p *pool) remove(key string, cause error) bool {
	p.mu.Lock()
	el, ok := p.entries[key]
	var w pooledWorker
	if ok {
		w = el.Value.(*poolEntry).w
		p.removeLocked(key)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	w.retire(cause, false)
	return true
}

// shutdown retires every worker, busy or not. Used on engine shutdown.
func (p *pool) shutdown(cause error) {
	p.mu.Lock()
	workers := make([]*poolEntry, 0, len(p.entries))
	for el := p.order.Front(); el != nil; el = el.Next() {
		workers = append(workers, el.Value.(*poolEntry))
	}
	p.order.Init()
	p.entries = make(map[string]*list.Element)
	p.mu.Unlock()

	for _, entry := range workers {
		entry.w.retire(cause, false)
	}
}

func (p *pool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
