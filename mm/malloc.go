// Copyright 2016-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

// Package mm tracks allocation and reclamation of the nodes the queue
// package recycles through sync.Pool. It does not itself
// allocate: callers recycle their own typed objects and call RecordAlloc/
// RecordFree around that recycling so the outstanding-allocation count can
// be observed, the same accounting role the teacher's jemalloc bridge
// played for its C allocator.
package mm

import (
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// Debug enables the allocation/free counters. Disabling it on a hot
	// path avoids the two extra atomic adds per node recycle.
	Debug = true
	mu    sync.Mutex
)

var stats struct {
	allocs uint64
	frees  uint64
}

// injectedFailure, when set, makes the next call to MaybeFail return an
// error and clears itself. It exists purely for tests exercising
// spec's allocation-failure-must-leave-state-unchanged requirement; no
// production code path sets it.
var injectedFailure atomic.Bool

// InjectAllocFailure arms (or disarms, with ok=false) a single forced
// allocation failure for the next MaybeFail call. Test-only.
func InjectAllocFailure(ok bool) {
	injectedFailure.Store(ok)
}

// MaybeFail reports an injected allocation failure if one was armed via
// InjectAllocFailure, consuming it. Production callers call this before
// recycling a pooled object so allocation-failure handling can be tested
// without actually exhausting memory.
func MaybeFail() error {
	if injectedFailure.CompareAndSwap(true, false) {
		return fmt.Errorf("mm: injected allocation failure")
	}
	return nil
}

// RecordAlloc accounts for one allocation (or pool checkout standing in
// for one) of a tracked object.
func RecordAlloc() {
	if Debug {
		atomic.AddUint64(&stats.allocs, 1)
	}
}

// RecordFree accounts for one reclamation (or pool return standing in for
// one) of a tracked object.
func RecordFree() {
	if Debug {
		atomic.AddUint64(&stats.frees, 1)
	}
}

// GetAllocStats returns the running allocation and free counts.
func GetAllocStats() (allocs, frees uint64) {
	return atomic.LoadUint64(&stats.allocs), atomic.LoadUint64(&stats.frees)
}

// Live returns the number of tracked allocations with no matching free yet,
// i.e. the live object count. This is what testable property 6 (reclaim
// coverage) checks against: at quiescence it must equal exactly 1, the
// queue's dummy node.
func Live() uint64 {
	allocs, frees := GetAllocStats()
	if frees > allocs {
		return 0
	}
	return allocs - frees
}

// Stats returns a human-readable allocation report.
func Stats() string {
	mu.Lock()
	defer mu.Unlock()

	allocs, frees := GetAllocStats()
	return fmt.Sprintf("---- Stats ----\nMallocs = %d\nFrees   = %d\nLive    = %d\n",
		allocs, frees, Live())
}

// Reset zeroes the counters. Test-only: production code never needs to
// forget allocation history mid-process.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	atomic.StoreUint64(&stats.allocs, 0)
	atomic.StoreUint64(&stats.frees, 0)
}
