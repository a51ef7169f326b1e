package backend

import (
	"sync"
	"testing"
)

func TestBlockAllocator_Sizing_DerivedFromTokenBudget(t *testing.T) {
	// GIVEN a token budget of 1000 and a block span of 16
	a := NewBlockAllocator(1000)

	// THEN the inventory is floor(1000/16) = 62 blocks, all free
	if a.TotalCount() != 62 {
		t.Errorf("TotalCount: got %d, want 62", a.TotalCount())
	}
	if a.FreeCount() != 62 {
		t.Errorf("FreeCount: got %d, want 62", a.FreeCount())
	}
}

func TestBlockAllocator_TryReserve_AllOrNothing(t *testing.T) {
	// GIVEN an allocator with 4 free blocks
	a := NewBlockAllocator(4 * BlockSize)

	// WHEN reserving more than is free
	got, ok := a.TryReserve(5)

	// THEN the reservation is rejected with no side effects
	if ok {
		t.Fatalf("TryReserve(5) with 4 free: got %v, want rejection", got)
	}
	if a.FreeCount() != 4 {
		t.Errorf("rejected reservation changed FreeCount: got %d, want 4", a.FreeCount())
	}

	// WHEN reserving exactly what is free
	got, ok = a.TryReserve(4)

	// THEN all blocks are granted and the pool is empty
	if !ok || len(got) != 4 {
		t.Fatalf("TryReserve(4): got %v ok=%v, want 4 blocks", got, ok)
	}
	if a.FreeCount() != 0 {
		t.Errorf("FreeCount after full grant: got %d, want 0", a.FreeCount())
	}
}

func TestBlockAllocator_ReleaseReturnsBlocksToPool(t *testing.T) {
	// GIVEN an allocator with some blocks reserved
	a := NewBlockAllocator(8 * BlockSize)
	blocks, ok := a.TryReserve(5)
	if !ok {
		t.Fatal("reservation should succeed")
	}

	// WHEN the blocks are released
	a.Release(blocks)

	// THEN the full inventory is free again
	if a.FreeCount() != a.TotalCount() {
		t.Errorf("FreeCount after release: got %d, want %d", a.FreeCount(), a.TotalCount())
	}
}

func TestBlockAllocator_Conservation_UnderConcurrentReserveRelease(t *testing.T) {
	// GIVEN an allocator and many goroutines reserving and releasing
	a := NewBlockAllocator(64 * BlockSize)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 200; n++ {
				if blocks, ok := a.TryReserve(3); ok {
					a.Release(blocks)
				}
			}
		}()
	}
	wg.Wait()

	// THEN held + free equals the total inventory (nothing held here)
	if a.FreeCount() != a.TotalCount() {
		t.Errorf("conservation violated: free %d, total %d", a.FreeCount(), a.TotalCount())
	}
}

func TestBlockAllocator_GrantedBlocksAreDisjoint(t *testing.T) {
	// GIVEN an allocator with 10 blocks
	a := NewBlockAllocator(10 * BlockSize)

	// WHEN two reservations are granted
	first, ok1 := a.TryReserve(6)
	second, ok2 := a.TryReserve(4)
	if !ok1 || !ok2 {
		t.Fatal("both reservations should succeed")
	}

	// THEN no block is owned by both
	seen := map[Block]bool{}
	for _, b := range first {
		seen[b] = true
	}
	for _, b := range second {
		if seen[b] {
			t.Errorf("block %d granted twice", b)
		}
	}
}

func TestBlocksFor_CeilDivision(t *testing.T) {
	// GIVEN token counts around block boundaries
	cases := []struct {
		tokens int
		want   int
	}{
		{0, 0},
		{1, 1},
		{BlockSize, 1},
		{BlockSize + 1, 2},
		{3 * BlockSize, 3},
	}
	for _, c := range cases {
		if got := BlocksFor(c.tokens); got != c.want {
			t.Errorf("BlocksFor(%d): got %d, want %d", c.tokens, got, c.want)
		}
	}
}
