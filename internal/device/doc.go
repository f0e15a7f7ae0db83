// Package device holds the hub's device data model, the durable store
// contract with its SQLite implementation, and the write-behind cache that
// serves as the authoritative live view of every connected device.
//
// The cache is the system's shared mutable core: every device connection,
// the control API, and two background timers (batch flush, heartbeat sweep)
// mutate it concurrently. Lookup maps are guarded by one RWMutex; each cached
// device carries its own lock so updates for different devices do not
// serialise on a single coarse lock.
package device
