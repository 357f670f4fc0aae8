// Package bench provides reproducible micro-benchmarks for temporal-slab.
// Run via:  go test ./bench -bench=. -benchmem -cpu 1,4,16
//
// The benchmarks intentionally use a *single* object size (128 bytes, the
// third class of the default ladder) so results are comparable across
// versions.
//
// We measure:
//  1. AllocFree       – alloc/free round trip, single goroutine
//  2. AllocFreeParallel – highly concurrent round trips (b.RunParallel)
//  3. Churn           – sustained allocation with continuous recycling
//  4. EpochCycle      – advance + close around a phase of allocations
//
// Results are printed in ns/op + alloc/op so CI can diff via benchstat.
//
// NOTE: Unit tests live elsewhere; this file is *only* for performance.
//
// © 2025 arena-cache authors. MIT License.

package bench

import (
	"testing"

	slab "github.com/Voskan/temporal-slab/pkg"
)

const objSize = 128

func newBenchAllocator(b *testing.B) *slab.Allocator {
	a, err := slab.New()
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = a.Close() })
	return a
}

func BenchmarkAllocFree(b *testing.B) {
	a := newBenchAllocator(b)
	e := a.EpochCurrent()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, h, err := a.Allocate(objSize, e)
		if err != nil {
			b.Fatal(err)
		}
		if !a.Free(h) {
			b.Fatal("free failed")
		}
	}
}

func BenchmarkAllocFreeParallel(b *testing.B) {
	a := newBenchAllocator(b)
	e := a.EpochCurrent()
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, h, err := a.Allocate(objSize, e)
			if err != nil {
				b.Fatal(err)
			}
			a.Free(h)
		}
	})
}

// BenchmarkChurn keeps a bounded working set alive so emptied slabs cycle
// through the empty queue and the cache instead of fresh mappings.
func BenchmarkChurn(b *testing.B) {
	a := newBenchAllocator(b)
	e := a.EpochCurrent()
	const window = 512
	handles := make([]slab.Handle, 0, window)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, h, err := a.Allocate(objSize, e)
		if err != nil {
			b.Fatal(err)
		}
		handles = append(handles, h)
		if len(handles) == window {
			for _, lh := range handles {
				a.Free(lh)
			}
			handles = handles[:0]
		}
	}
	b.StopTimer()
	st := a.Stats()
	b.ReportMetric(float64(st.SlowPathHits)/float64(b.N)*100, "slowpath-%")
}

// BenchmarkEpochCycle measures a whole phase: allocate a batch, free it,
// advance the ring and reclaim the closed epoch.
func BenchmarkEpochCycle(b *testing.B) {
	a := newBenchAllocator(b)
	const batch = 1024
	handles := make([]slab.Handle, 0, batch)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e := a.EpochCurrent()
		for j := 0; j < batch; j++ {
			_, h, err := a.Allocate(objSize, e)
			if err != nil {
				b.Fatal(err)
			}
			handles = append(handles, h)
		}
		for _, h := range handles {
			a.Free(h)
		}
		handles = handles[:0]
		closed, _ := a.EpochAdvance()
		if err := a.EpochClose(closed); err != nil {
			b.Fatal(err)
		}
	}
}
