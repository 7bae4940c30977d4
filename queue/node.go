package queue

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/stieg/dukes-of-hazard/mm"
)

// node is a single link in the queue. data is nil only for the dummy node
// always present at head; next is mutated only by CAS once the node is
// linked.
type node struct {
	data unsafe.Pointer
	next unsafe.Pointer // *node
}

// nodePool recycles *node values instead of leaving them to the garbage
// collector. Recycling, not garbage collection, is what makes the hazard-
// pointer protocol load-bearing here: a collector never reuses a pointer
// still referenced by a live variable, so without recycling there would be
// nothing for Scan/Retire to protect against.
var nodePool = sync.Pool{New: func() interface{} { return new(node) }}

// allocNode recycles a node from the pool, or reports an injected
// allocation failure for tests. A failed allocation has touched no shared
// state, satisfying spec's "enqueue must leave the queue state unchanged"
// requirement trivially.
func allocNode() (*node, error) {
	if err := mm.MaybeFail(); err != nil {
		return nil, err
	}
	n := nodePool.Get().(*node)
	mm.RecordAlloc()
	return n, nil
}

// freeNode is the hazard registry's node-free callback: it clears the
// node's fields (so the pool never hands out a node holding a stale
// payload or link) and returns it to the pool.
func freeNode(p unsafe.Pointer) {
	n := (*node)(p)
	n.data = nil
	atomic.StorePointer(&n.next, nil)
	nodePool.Put(n)
	mm.RecordFree()
}

func loadNode(addr *unsafe.Pointer) *node {
	return (*node)(atomic.LoadPointer(addr))
}

func casNode(addr *unsafe.Pointer, old, new *node) bool {
	return atomic.CompareAndSwapPointer(addr, unsafe.Pointer(old), unsafe.Pointer(new))
}

func (n *node) loadNext() *node {
	return loadNode(&n.next)
}

func (n *node) casNext(old, new *node) bool {
	return casNode(&n.next, old, new)
}
