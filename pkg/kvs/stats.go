package kvs

import (
	"sync"
	"sync/atomic"
)

// OperationType defines the type of operation being tracked
type OperationType string

// Common operation types
const (
	OpInit        OperationType = "init"
	OpGet         OperationType = "get"
	OpPut         OperationType = "put"
	OpDelete      OperationType = "delete"
	OpGC          OperationType = "gc"
	OpMaintenance OperationType = "maintenance"
)

// StorageStats summarizes the flash usage of a store. Byte counts are
// derived from the in-RAM sector accounting; the recovery counters are
// cumulative since construction.
type StorageStats struct {
	// InUseBytes is the total size of all live entry copies
	InUseBytes uint32
	// ReclaimableBytes counts bytes that no longer back a live entry and
	// will be freed by garbage collection
	ReclaimableBytes uint32
	// WritableBytes is the usable free tail space, excluding the reserved
	// sector and corrupt sectors
	WritableBytes uint32
	// CorruptSectorsRecovered counts sectors reclaimed after corruption
	CorruptSectorsRecovered uint32
	// MissingRedundantEntriesRecovered counts entries whose redundant
	// copies were rewritten
	MissingRedundantEntriesRecovered uint32
}

// collector gathers operation and error counters with minimal contention
// using atomic values, in the same shape as a server-side stats
// collector but trimmed to what an embedded store reports.
type collector struct {
	counts   map[OperationType]*atomic.Uint64
	countsMu sync.RWMutex // Only used when creating new counter entries

	errors   map[string]*atomic.Uint64
	errorsMu sync.RWMutex // Only used when creating new error entries

	totalBytesRead    atomic.Uint64
	totalBytesWritten atomic.Uint64

	corruptSectorsRecovered   atomic.Uint64
	missingRedundantRecovered atomic.Uint64
}

func newCollector() *collector {
	return &collector{
		counts: make(map[OperationType]*atomic.Uint64),
		errors: make(map[string]*atomic.Uint64),
	}
}

// trackOperation increments the counter for the specified operation type
func (c *collector) trackOperation(op OperationType) {
	counter := c.getOrCreateCounter(op)
	counter.Add(1)
}

// trackError increments the counter for the specified error type
func (c *collector) trackError(errorType string) {
	c.errorsMu.RLock()
	counter, exists := c.errors[errorType]
	c.errorsMu.RUnlock()

	if !exists {
		c.errorsMu.Lock()
		if counter, exists = c.errors[errorType]; !exists {
			counter = &atomic.Uint64{}
			c.errors[errorType] = counter
		}
		c.errorsMu.Unlock()
	}

	counter.Add(1)
}

// trackBytes adds the specified number of bytes to the read or write counter
func (c *collector) trackBytes(isWrite bool, bytes uint64) {
	if isWrite {
		c.totalBytesWritten.Add(bytes)
	} else {
		c.totalBytesRead.Add(bytes)
	}
}

// getStats returns all statistics as a map
func (c *collector) getStats() map[string]interface{} {
	stats := make(map[string]interface{})

	c.countsMu.RLock()
	for op, counter := range c.counts {
		stats[string(op)+"_ops"] = counter.Load()
	}
	c.countsMu.RUnlock()

	stats["total_bytes_read"] = c.totalBytesRead.Load()
	stats["total_bytes_written"] = c.totalBytesWritten.Load()
	stats["corrupt_sectors_recovered"] = c.corruptSectorsRecovered.Load()
	stats["missing_redundant_entries_recovered"] = c.missingRedundantRecovered.Load()

	c.errorsMu.RLock()
	errorStats := make(map[string]uint64)
	for errType, counter := range c.errors {
		errorStats[errType] = counter.Load()
	}
	c.errorsMu.RUnlock()
	stats["errors"] = errorStats

	return stats
}

// getOrCreateCounter gets or creates an atomic counter for the operation
func (c *collector) getOrCreateCounter(op OperationType) *atomic.Uint64 {
	// Try read lock first (fast path)
	c.countsMu.RLock()
	counter, exists := c.counts[op]
	c.countsMu.RUnlock()

	if !exists {
		// Slow path with write lock
		c.countsMu.Lock()
		if counter, exists = c.counts[op]; !exists {
			counter = &atomic.Uint64{}
			c.counts[op] = counter
		}
		c.countsMu.Unlock()
	}

	return counter
}
