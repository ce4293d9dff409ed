package kernel

import "helios/kernel/sync"

// SubsystemsReady is published by the bootstrap processor once the memory
// allocators and its trap table are initialized, immediately before the
// secondary processors are released. Secondaries wait on it in their entry
// path and the trap dispatcher treats unhandled traps that occur before it
// is published as unrecoverable.
var SubsystemsReady sync.Flag
