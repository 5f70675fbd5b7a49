// Package pool implements C9: a partitioned, reference-counted object pool
// (ObjectPool + RefTracker). Modeled on internal/pool/object_pool.go and
// internal/pool/bounded.go, generalized from the teacher's single
// worker-per-slot design to the spec's explicit partitioned MPMC
// free-list with detach-on-cache semantics.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// PooledObject is implemented by every type managed by a Pool. Reset must
// clear all mutable fields so a reused instance carries no stale state.
type PooledObject interface {
	Reset()
	Tracker() *RefTracker
}

// ErrPoolExhausted names the at-capacity condition. No function in this
// package returns it: Acquire blocks until an instance is free or ctx is
// done, and TryAcquire reports ok=false.
var ErrPoolExhausted = errors.New("pool: exhausted")

// ErrPoolClosed is returned once a pool has been removed/shut down.
var ErrPoolClosed = errors.New("pool: closed")

// RefTracker holds the reference-counting state for one pooled instance.
// It is normally embedded in the pooled struct and initialized by the
// owning Pool at construction time; callers never construct one directly.
type RefTracker struct {
	pool            *Pool
	self            PooledObject
	refCount        atomic.Int64
	returnRequested atomic.Bool
	returned        atomic.Bool
	detached        atomic.Bool
}

// AcquireReference atomically increments the reference count. Every call
// must be paired with exactly one ReleaseReference.
func (t *RefTracker) AcquireReference() {
	t.refCount.Add(1)
}

// ReleaseReference atomically decrements the reference count. If a
// ReturnToPool request is pending and the count has reached zero, the
// instance is finalized (reset and offered back to its partition, or
// replaced if it was detached).
func (t *RefTracker) ReleaseReference() {
	n := t.refCount.Add(-1)
	if n < 0 {
		panic("pool: RefTracker refCount went negative")
	}
	if n == 0 && t.returnRequested.Load() {
		t.finalize()
	}
}

// RefCount reports the current reference count (best-effort, for tests and
// diagnostics).
func (t *RefTracker) RefCount() int64 { return t.refCount.Load() }

// ReturnToPool requests that the instance be returned once its reference
// count reaches zero. If the count is already zero, the return happens
// immediately. CAS-guarded: a second and subsequent call is a no-op.
func (t *RefTracker) ReturnToPool() {
	if !t.returnRequested.CompareAndSwap(false, true) {
		return
	}
	if t.refCount.Load() <= 0 {
		t.finalize()
	}
}

// RemoveFromPool detaches the instance: it marks the tracker so the
// eventual finalize (triggered by the matching ReturnToPool/zero-refcount
// transition) never reinserts this instance, and the owning pool stages a
// freshly constructed replacement so availableCount stays steady.
func (t *RefTracker) RemoveFromPool() {
	t.detached.Store(true)
}

// finalize runs exactly once per instance: it is guarded by the `returned`
// CAS so concurrent ReleaseReference/ReturnToPool races can't double-return
// (or double-replace) the same instance.
func (t *RefTracker) finalize() {
	if !t.returned.CompareAndSwap(false, true) {
		return
	}
	if t.detached.Load() {
		if t.pool != nil {
			t.pool.replaceDetached()
		}
		return
	}
	if t.self != nil {
		t.self.Reset()
	}
	if t.pool != nil {
		t.pool.release(t.self)
	}
}

// reinit resets tracker bookkeeping when an instance is (re)issued by
// Acquire; the instance starts with refCount=1, returned=false.
func (t *RefTracker) reinit(p *Pool, self PooledObject) {
	t.pool = p
	t.self = self
	t.refCount.Store(1)
	t.returnRequested.Store(false)
	t.returned.Store(false)
	t.detached.Store(false)
}

// Pool is a partitioned, bounded free-list of PooledObject instances,
// capped at `capacity` live instances, spread across `nextPow2(min(cores,8))`
// partitions so concurrent acquire/release from different goroutines rarely
// contend on the same channel.
type Pool struct {
	name       string
	factory    func() PooledObject
	capacity   int
	partitions []chan PooledObject
	mask       uint64
	created    atomic.Int64
	closed     atomic.Bool
	rrCounter  atomic.Uint64
}

// DefaultCapacity is the spec's default pool capacity.
const DefaultCapacity = 256

// nextPow2 returns the smallest power of two >= n (minimum 1).
func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// partitionCount returns nextPow2(min(cores, 8)).
func partitionCount() int {
	cores := runtime.GOMAXPROCS(0)
	if cores > 8 {
		cores = 8
	}
	return nextPow2(cores)
}

// New constructs a Pool with the given name, capacity (default
// DefaultCapacity when <= 0), and factory. Partitions are sized to hold the
// full capacity spread evenly.
func New(name string, capacity int, factory func() PooledObject) *Pool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	parts := partitionCount()
	perPartition := capacity/parts + 1
	p := &Pool{
		name:       name,
		factory:    factory,
		capacity:   capacity,
		partitions: make([]chan PooledObject, parts),
		mask:       uint64(parts - 1),
	}
	for i := range p.partitions {
		p.partitions[i] = make(chan PooledObject, perPartition)
	}
	return p
}

// Name returns the pool's registered name.
func (p *Pool) Name() string { return p.name }

func (p *Pool) homePartition() int {
	// Goroutines have no stable id in Go; an atomic round-robin counter
	// gives every partition roughly even load, which is what the spec's
	// "hash of current thread id mod P" is after in practice.
	n := p.rrCounter.Add(1)
	return int(n & p.mask)
}

// Acquire attempts to obtain an instance from the caller's home partition,
// falls back to stealing from sibling partitions, allocates a new instance
// if the pool is below capacity, and otherwise blocks until ctx is done or
// an instance is released.
func (p *Pool) Acquire(ctx context.Context) (PooledObject, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	if obj, ok := p.tryTakeAny(); ok {
		return p.issue(obj), nil
	}
	if p.created.Add(1) <= int64(p.capacity) {
		return p.issue(p.factory()), nil
	}
	p.created.Add(-1)

	// Every partition was empty and the pool is at capacity: poll across
	// all partitions (a release may land on any sibling, not just our
	// home partition) until ctx is done or one becomes available.
	for {
		if obj, ok := p.tryTakeAny(); ok {
			return p.issue(obj), nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("pool %s: acquire: %w", p.name, ctx.Err())
		default:
			runtime.Gosched()
		}
	}
}

// TryAcquire attempts a non-blocking acquire, returning ok=false when the
// pool has no available instance and is already at capacity.
func (p *Pool) TryAcquire() (PooledObject, bool, error) {
	if p.closed.Load() {
		return nil, false, ErrPoolClosed
	}
	if taken, found := p.tryTakeAny(); found {
		return p.issue(taken), true, nil
	}
	if p.created.Add(1) <= int64(p.capacity) {
		return p.issue(p.factory()), true, nil
	}
	p.created.Add(-1)
	return nil, false, nil
}

func (p *Pool) tryTakeAny() (PooledObject, bool) {
	start := p.homePartition()
	n := len(p.partitions)
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		select {
		case obj := <-p.partitions[idx]:
			return obj, true
		default:
		}
	}
	return nil, false
}

func (p *Pool) issue(obj PooledObject) PooledObject {
	obj.Tracker().reinit(p, obj)
	return obj
}

// release offers a finalized (reset, non-detached) instance back to a
// partition, rotating through siblings if the home partition is full, and
// dropping the instance (letting it be garbage collected) only if every
// partition is momentarily full.
func (p *Pool) release(obj PooledObject) {
	if obj == nil {
		return
	}
	start := p.homePartition()
	n := len(p.partitions)
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		select {
		case p.partitions[idx] <- obj:
			return
		default:
		}
	}
	// Every partition is momentarily full: capacity accounting allows
	// this, since the instance is still "created" but not retrievable
	// until a partition drains. Treat it as lost to bound blocking.
	p.created.Add(-1)
}

// replaceDetached is invoked when a detached instance finalizes: it frees
// the slot the detached instance occupied and immediately constructs a
// replacement so availableCount does not starve because of the detach.
func (p *Pool) replaceDetached() {
	p.created.Add(-1)
	if p.created.Add(1) > int64(p.capacity) {
		p.created.Add(-1)
		return
	}
	replacement := p.factory()
	replacement.Tracker().reinit(p, replacement)
	replacement.Tracker().returned.Store(true)
	p.release(replacement)
}

// AvailableCount returns a best-effort sum of instances sitting idle across
// all partitions.
func (p *Pool) AvailableCount() int {
	total := 0
	for _, ch := range p.partitions {
		total += len(ch)
	}
	return total
}

// Capacity returns the configured capacity.
func (p *Pool) Capacity() int { return p.capacity }

// Close marks the pool closed; further Acquire calls fail fast.
func (p *Pool) Close() { p.closed.Store(true) }

// Base is embedded into pooled types to satisfy PooledObject's Tracker
// method; embedders still implement their own Reset.
type Base struct {
	RefTracker
}

// Tracker returns the embedded RefTracker.
func (b *Base) Tracker() *RefTracker { return &b.RefTracker }

// Manager is the per-type singleton registry of named pools, mirroring
// internal/pool.PoolManager.
type Manager struct {
	mu    sync.RWMutex
	pools map[string]*Pool
}

// NewManager constructs an empty pool manager.
func NewManager() *Manager {
	return &Manager{pools: make(map[string]*Pool)}
}

// Register adds a pool under name. Fails if the name is already taken.
func (m *Manager) Register(p *Pool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pools[p.name]; exists {
		return fmt.Errorf("pool manager: pool %s already registered", p.name)
	}
	m.pools[p.name] = p
	return nil
}

// Lookup returns the named pool, if registered.
func (m *Manager) Lookup(name string) (*Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[name]
	return p, ok
}

// Remove drops a pool from the registry (used for test cleanup), closing
// it first.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[name]; ok {
		p.Close()
		delete(m.pools, name)
	}
}
