// Copyright 2016-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

// Package hazard implements Michael hazard pointers: a safe memory
// reclamation scheme that lets a reader declare "I may dereference this
// pointer shortly" in a publication-visible way, so a writer that wants to
// free a retired node can defer the free until no reader's declaration
// covers it.
//
// A Registry is a process-wide (per owning data structure) singly-linked
// list of Records. Each Record carries K hazard slots, a retired-node list,
// and an active flag. Acquire/Release bracket a single operation rather
// than a thread's lifetime: Go has no stable thread-local storage to cache
// a long-lived Record against, so every Enqueue/Dequeue-style caller
// acquires a Record, publishes its hazards, does its work, and releases the
// Record before returning.
package hazard

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// K is the number of hazard slots carried by every Record. Two is sufficient
// for the Michael & Scott queue this package backs (slot 0 guards the node
// currently being inspected, slot 1 guards its successor); the constant is
// exported so other lock-free structures sharing this registry design
// (a stack, a deque) can document their own slot usage against it.
const K = 2

// R is the reclamation slack: Retire triggers a Scan once a goroutine's
// retired-list length reaches H+R, where H is the total number of hazard
// slots ever provisioned. This bounds retired-but-unfreed nodes to O(H) per
// goroutine. Values between 8 and 16 are reasonable; this package uses the
// larger of the two values the original C implementation it is ported from
// considered.
const R = 10

// Record is a single hazard record. The K hazard slots are single-writer
// (only the goroutine currently holding the record via Acquire writes them)
// and multi-reader (any goroutine running Scan reads them).
type Record struct {
	hp     [K]unsafe.Pointer
	next   *Record // immutable once published into the registry
	active uint32  // atomic: 0 = available for acquisition, 1 = in use
	rlist  *retiredNode
	rcount int
}

// retiredNode is an intrusive singly-linked list node for a record's list
// of retired-but-not-yet-proven-unreachable pointers.
type retiredNode struct {
	ptr  unsafe.Pointer
	next *retiredNode
}

// SetHazard publishes p as hazardous in slot i of rec. The write need not be
// load-acquire paired on the reader's side; scanners observe it via their
// own acquire load during Scan.
func (rec *Record) SetHazard(i int, p unsafe.Pointer) {
	atomic.StorePointer(&rec.hp[i], p)
}

// ClearHazards withdraws every hazard declaration rec is currently making.
func (rec *Record) ClearHazards() {
	for i := range rec.hp {
		atomic.StorePointer(&rec.hp[i], nil)
	}
}

// Registry is the global (per owning structure) list of hazard records plus
// the node-free callback retired pointers are eventually handed to.
type Registry struct {
	head unsafe.Pointer // *Record, CAS-published
	h    int64          // atomic: total hazard slots ever provisioned

	free func(unsafe.Pointer)

	// compactMu guards Compact, the one operation on this registry that is
	// not lock-free by design (spec's own design notes call a reaper like
	// this "outside the lock-free fast path").
	compactMu sync.Mutex
}

// NewRegistry creates a registry whose retired nodes are eventually passed
// to free. free is installed once, at construction, mirroring the teacher's
// pattern of wiring the reclamation callback at structure-construction time
// rather than per call.
func NewRegistry(free func(unsafe.Pointer)) *Registry {
	return &Registry{free: free}
}

func loadRecord(addr *unsafe.Pointer) *Record {
	return (*Record)(atomic.LoadPointer(addr))
}

// Acquire reuses an inactive record or allocates a new one, CAS-publishing
// it onto the registry head. The returned record's hazard slots are clear.
func (reg *Registry) Acquire() *Record {
	for rec := loadRecord(&reg.head); rec != nil; rec = rec.next {
		if atomic.LoadUint32(&rec.active) != 0 {
			continue
		}
		if atomic.CompareAndSwapUint32(&rec.active, 0, 1) {
			rec.ClearHazards()
			return rec
		}
	}

	rec := &Record{active: 1}
	atomic.AddInt64(&reg.h, K)

	for {
		old := loadRecord(&reg.head)
		rec.next = old
		if atomic.CompareAndSwapPointer(&reg.head, unsafe.Pointer(old), unsafe.Pointer(rec)) {
			return rec
		}
	}
}

// Release withdraws rec's hazards and marks it available for reuse by a
// future Acquire. It does not touch rec's retired list; a later HelpScan
// by another record drains the retired list of a released (inactive)
// record. A record that is never released stays active and is skipped by
// HelpScan.
func (reg *Registry) Release(rec *Record) {
	rec.ClearHazards()
	atomic.StoreUint32(&rec.active, 0)
}

// Retire hands p to rec's retired list. Once rec's retired-list length
// reaches H+R, a Scan followed by a HelpScan is run to reclaim whatever is
// provably unreachable, bounding retired-but-unfreed memory to O(H).
func (reg *Registry) Retire(rec *Record, p unsafe.Pointer) {
	rec.rlist = &retiredNode{ptr: p, next: rec.rlist}
	rec.rcount++

	if int64(rec.rcount) >= atomic.LoadInt64(&reg.h)+R {
		reg.scan(rec)
		reg.helpScan(rec)
	}
}

// hazardSnapshot collects every non-nil pointer currently published in any
// record's hazard slots.
func (reg *Registry) hazardSnapshot() map[unsafe.Pointer]struct{} {
	seen := make(map[unsafe.Pointer]struct{})
	for rec := loadRecord(&reg.head); rec != nil; rec = rec.next {
		for i := 0; i < K; i++ {
			if p := atomic.LoadPointer(&rec.hp[i]); p != nil {
				seen[p] = struct{}{}
			}
		}
	}
	return seen
}

// scan drains rec's retired list against a fresh hazard snapshot, freeing
// everything not currently hazarded and keeping the rest for the next
// round.
func (reg *Registry) scan(rec *Record) {
	plist := reg.hazardSnapshot()

	pending := rec.rlist
	rec.rlist = nil
	rec.rcount = 0

	for pending != nil {
		next := pending.next
		if _, hazarded := plist[pending.ptr]; hazarded {
			pending.next = rec.rlist
			rec.rlist = pending
			rec.rcount++
		} else {
			reg.free(pending.ptr)
		}
		pending = next
	}
}

// helpScan walks the registry for records that are currently inactive (not
// held by any in-flight operation) but still carry a retired list — the
// record a goroutine released after its last operation, waiting for a
// future Acquire to pick it back up. rec momentarily claims each such
// record (the same CAS Acquire uses, so the two race fairly for it),
// drains its retired entries into rec's own list, and restores it to
// inactive so a future Acquire can still reuse it normally.
func (reg *Registry) helpScan(rec *Record) {
	for other := loadRecord(&reg.head); other != nil; other = other.next {
		if other == rec {
			continue
		}
		if !atomic.CompareAndSwapUint32(&other.active, 0, 1) {
			continue
		}

		for other.rlist != nil {
			n := other.rlist
			other.rlist = n.next
			other.rcount--

			n.next = rec.rlist
			rec.rlist = n
			rec.rcount++

			if int64(rec.rcount) >= atomic.LoadInt64(&reg.h)+R {
				reg.scan(rec)
			}
		}

		atomic.StoreUint32(&other.active, 0)
	}
}

// H returns the total number of hazard slots ever provisioned across the
// registry, exposed for diagnostics and for the reclamation-bound test.
func (reg *Registry) H() int64 {
	return atomic.LoadInt64(&reg.h)
}

// Compact drops inactive, empty-rlist records from the registry, so a
// process with churning goroutine-heavy workloads does not carry a
// perpetually growing record list. It is not lock-free and is not safe to
// call concurrently with Acquire, Release, or Retire on the same registry —
// callers are expected to run it during a quiescent period, as spec's
// design notes on registry growth describe for a compacting reaper.
func (reg *Registry) Compact() {
	reg.compactMu.Lock()
	defer reg.compactMu.Unlock()

	var kept []*Record
	for rec := loadRecord(&reg.head); rec != nil; rec = rec.next {
		if atomic.LoadUint32(&rec.active) != 0 || rec.rlist != nil {
			kept = append(kept, rec)
		} else {
			atomic.AddInt64(&reg.h, -K)
		}
	}

	var newHead *Record
	for i := len(kept) - 1; i >= 0; i-- {
		kept[i].next = newHead
		newHead = kept[i]
	}
	atomic.StorePointer(&reg.head, unsafe.Pointer(newHead))
}
