// Copyright 2016-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

// Package queue implements the Michael & Scott lock-free FIFO: an unbounded
// multi-producer, multi-consumer queue built on a singly-linked list with a
// permanent dummy node at head, guarded by the hazard package's safe memory
// reclamation.
package queue

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"github.com/stieg/dukes-of-hazard/hazard"
)

// ErrNilPayload is returned by Enqueue when asked to enqueue a nil pointer.
// nil is reserved to mean "no successor" and "queue empty"; a queue carrying
// it as a payload couldn't tell the two apart.
var ErrNilPayload = errors.New("queue: nil payload")

// ErrReleased is returned by Enqueue on a handle whose Release has already
// dropped the queue's last reference. Calling any method after that point
// is a caller bug, same as using a C handle past its free. Dequeue on such
// a handle reports empty instead; Retain does not check the reference
// count.
var ErrReleased = errors.New("queue: use of released handle")

// Queue is an unbounded, multi-producer, multi-consumer FIFO. The zero value
// is not usable; construct with New.
type Queue struct {
	head unsafe.Pointer // *node, always non-nil once constructed
	tail unsafe.Pointer // *node, may lag head's logical successor

	refCount int32
	reg      *hazard.Registry
}

// New constructs an empty queue: a single dummy node that both head and
// tail point at. It returns an error only if the dummy node's allocation
// was injected to fail (see mm.InjectAllocFailure); in that case no queue is
// returned.
func New() (*Queue, error) {
	dummy, err := allocNode()
	if err != nil {
		return nil, err
	}

	q := &Queue{refCount: 1}
	q.reg = hazard.NewRegistry(freeNode)
	q.head = unsafe.Pointer(dummy)
	q.tail = unsafe.Pointer(dummy)
	return q, nil
}

// Retain increments the queue's reference count and returns q, for callers
// handing the same queue to multiple long-lived goroutines that each call
// Release independently when done.
func (q *Queue) Retain() *Queue {
	atomic.AddInt32(&q.refCount, 1)
	return q
}

// Release drops one reference to the queue. When the last reference is
// dropped, every remaining node (the dummy plus any payload nodes still
// linked, which can only happen if the queue still held undequeued items)
// is freed directly; no hazard protection is needed at this point because
// by construction no other goroutine holds a reference to operate on.
func (q *Queue) Release() {
	if atomic.AddInt32(&q.refCount, -1) == 0 {
		for n := loadNode(&q.head); n != nil; {
			next := n.loadNext()
			freeNode(unsafe.Pointer(n))
			n = next
		}
	}
}

func (q *Queue) released() bool {
	return atomic.LoadInt32(&q.refCount) <= 0
}

// Enqueue appends p to the tail of the queue. It returns ErrNilPayload for a
// nil p, ErrReleased if the queue handle has already been released, or a
// node-allocation error (see mm.InjectAllocFailure) — in every error case
// the queue's visible state is unchanged, since the new node is never
// linked in until the allocation and argument checks succeed.
func (q *Queue) Enqueue(p unsafe.Pointer) error {
	if p == nil {
		return ErrNilPayload
	}
	if q.released() {
		return ErrReleased
	}

	n, err := allocNode()
	if err != nil {
		return err
	}
	n.data = p

	rec := q.reg.Acquire()
	defer q.reg.Release(rec)

	for {
		tail := loadNode(&q.tail)
		rec.SetHazard(0, unsafe.Pointer(tail))
		if loadNode(&q.tail) != tail {
			continue // tail moved before our hazard was visible; retry
		}

		next := tail.loadNext()
		if loadNode(&q.tail) != tail {
			continue
		}

		if next != nil {
			// tail is lagging one behind the actual last node; help
			// advance it and retry rather than linking off a stale tail.
			casNode(&q.tail, tail, next)
			continue
		}

		if tail.casNext(nil, n) {
			// Linked in. Advancing tail here is an optimization, not a
			// correctness requirement: Dequeue and the next Enqueue both
			// know how to repair a one-behind tail themselves.
			casNode(&q.tail, tail, n)
			return nil
		}
	}
}

// Dequeue removes and returns the item at the head of the queue. It
// reports false if the queue was empty at the moment of the attempt.
func (q *Queue) Dequeue() (unsafe.Pointer, bool) {
	if q.released() {
		return nil, false
	}

	rec := q.reg.Acquire()
	defer q.reg.Release(rec)

	for {
		head := loadNode(&q.head)
		rec.SetHazard(0, unsafe.Pointer(head))
		if loadNode(&q.head) != head {
			continue
		}

		tail := loadNode(&q.tail)
		next := head.loadNext()
		rec.SetHazard(1, unsafe.Pointer(next))
		if loadNode(&q.head) != head {
			continue
		}

		if next == nil {
			return nil, false // queue empty
		}

		if head == tail {
			// tail is lagging; help it catch up and retry.
			casNode(&q.tail, tail, next)
			continue
		}

		data := next.data
		if casNode(&q.head, head, next) {
			q.reg.Retire(rec, unsafe.Pointer(head))
			return data, true
		}
	}
}
