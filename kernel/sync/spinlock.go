// Package sync provides the synchronization primitives used by the kernel
// before a scheduler exists: spinlocks and one-shot readiness flags.
package sync

import "sync/atomic"

// Spinlock implements a lock where each CPU trying to acquire it busy-waits
// till the lock becomes available. As no scheduler is available at this stage
// of kernel bring-up there is nothing to yield to; the lock is cheap while
// uncontended and only sees contention once secondary CPUs come online.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the current CPU. Any
// attempt to re-acquire a lock already held by the current CPU will deadlock.
func (l *Spinlock) Acquire() {
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		// Spin on a plain load to keep the cache line shared until the
		// holder releases the lock.
		for atomic.LoadUint32(&l.state) != 0 {
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock
// could be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release relinquishes a held lock allowing other CPUs to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// Flag is a one-shot condition that starts unset and can be set exactly once.
// It is used for publish/subscribe style signals such as "subsystems ready"
// where the bootstrap CPU publishes and secondary CPUs spin until they
// observe the flag.
type Flag struct {
	state uint32
}

// Set publishes the flag. Setting an already-set flag has no effect.
func (f *Flag) Set() {
	atomic.StoreUint32(&f.state, 1)
}

// IsSet returns true if the flag has been published.
func (f *Flag) IsSet() bool {
	return atomic.LoadUint32(&f.state) != 0
}

// Wait busy-waits until the flag is published.
func (f *Flag) Wait() {
	for !f.IsSet() {
	}
}
