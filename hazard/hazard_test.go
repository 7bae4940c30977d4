package hazard

import (
	"sync"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseReusesRecords(t *testing.T) {
	reg := NewRegistry(func(unsafe.Pointer) {})

	r1 := reg.Acquire()
	require.NotNil(t, r1)
	reg.Release(r1)

	r2 := reg.Acquire()
	require.Same(t, r1, r2, "a released record should be reused before a new one is allocated")
	require.EqualValues(t, K, reg.H(), "acquiring a single record should provision exactly K slots")
}

func TestSetHazardIsVisibleToScan(t *testing.T) {
	var freed []unsafe.Pointer
	var mu sync.Mutex
	reg := NewRegistry(func(p unsafe.Pointer) {
		mu.Lock()
		defer mu.Unlock()
		freed = append(freed, p)
	})

	victim := unsafe.Pointer(new(int))
	guard := unsafe.Pointer(new(int))

	guardRec := reg.Acquire()
	guardRec.SetHazard(0, guard)

	retirer := reg.Acquire()
	reg.Retire(retirer, victim)
	reg.Retire(retirer, guard)
	for i := 0; i < R+int(reg.H()); i++ {
		reg.Retire(retirer, unsafe.Pointer(new(int)))
	}

	mu.Lock()
	sawGuard := false
	for _, p := range freed {
		if p == guard {
			sawGuard = true
		}
	}
	mu.Unlock()
	require.False(t, sawGuard, "a node whose pointer is still published as a hazard must never be freed")

	reg.Release(guardRec)
	reg.Release(retirer)
}

func TestRetireReclaimsUnhazardedNodes(t *testing.T) {
	var freedCount int64
	reg := NewRegistry(func(unsafe.Pointer) {
		atomic.AddInt64(&freedCount, 1)
	})

	rec := reg.Acquire()
	total := int(reg.H()) + R + 5
	for i := 0; i < total; i++ {
		reg.Retire(rec, unsafe.Pointer(new(int)))
	}
	reg.Release(rec)

	require.Greater(t, atomic.LoadInt64(&freedCount), int64(0), "crossing the H+R threshold should trigger reclamation")
}

func TestHelpScanAdoptsOrphanedRetiredList(t *testing.T) {
	var freedCount int64
	reg := NewRegistry(func(unsafe.Pointer) {
		atomic.AddInt64(&freedCount, 1)
	})

	orphan := reg.Acquire()
	reg.Retire(orphan, unsafe.Pointer(new(int)))
	helper := reg.Acquire() // orphan is still active, so helper is a separate record
	reg.Release(orphan)     // record goes inactive but keeps its retired list

	total := int(reg.H()) + R + 5
	for i := 0; i < total; i++ {
		reg.Retire(helper, unsafe.Pointer(new(int)))
	}
	reg.Release(helper)

	require.Greater(t, atomic.LoadInt64(&freedCount), int64(0))
	require.Zero(t, orphan.rcount, "helpScan should have moved the orphan's retired entry into the helper's list")
}

func TestConcurrentAcquireReleaseIsRaceSafe(t *testing.T) {
	reg := NewRegistry(func(unsafe.Pointer) {})

	const goroutines = 32
	const opsPerGoroutine = 500

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < opsPerGoroutine; i++ {
				rec := reg.Acquire()
				rec.SetHazard(0, unsafe.Pointer(rec))
				reg.Release(rec)
			}
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, reg.H(), int64(goroutines*K), "record count should never exceed one per concurrently-active goroutine")
}

func TestCompactDropsEmptyInactiveRecords(t *testing.T) {
	reg := NewRegistry(func(unsafe.Pointer) {})

	r1 := reg.Acquire()
	reg.Release(r1)
	before := reg.H()
	require.EqualValues(t, K, before)

	reg.Compact()
	require.EqualValues(t, 0, reg.H(), "an inactive record with no pending retirements should be dropped")
}
