package backend

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// BlockSize is the paging granularity of the shard KV cache: the number of
// token slots one cache block holds.
const BlockSize = 16

// Block identifies one fixed-size unit of cache-memory capacity. A block is
// owned by exactly one in-flight request or sits in the free pool, never both.
type Block uint32

// BlocksFor returns the number of blocks needed to hold the given number of
// token slots.
func BlocksFor(tokens int) int {
	return (tokens + BlockSize - 1) / BlockSize
}

// BlockAllocator owns the inventory of cache blocks derived from the
// negotiated token budget. It is the single source of truth for "is there
// room": admission and mid-decode growth both go through TryReserve.
//
// Reservations are all-or-nothing and serialized relative to each other;
// the free pool is the only state mutated from more than one logical actor
// (admissions vs releases), hence the mutex.
type BlockAllocator struct {
	mu    sync.Mutex
	free  []Block
	total int
}

// NewBlockAllocator sizes the inventory as maxBatchTotalTokens / BlockSize.
func NewBlockAllocator(maxBatchTotalTokens int) *BlockAllocator {
	total := maxBatchTotalTokens / BlockSize
	free := make([]Block, total)
	for i := range free {
		free[i] = Block(i)
	}
	logrus.Infof("cache block allocator: %d blocks of %d tokens", total, BlockSize)
	metricBlocksFree.Set(float64(total))
	return &BlockAllocator{free: free, total: total}
}

// TryReserve atomically removes n blocks from the free pool. It rejects
// without side effects when fewer than n blocks are free; there is no
// partial grant.
func (a *BlockAllocator) TryReserve(n int) ([]Block, bool) {
	if n <= 0 {
		return nil, true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.free) < n {
		return nil, false
	}
	granted := make([]Block, n)
	cut := len(a.free) - n
	copy(granted, a.free[cut:])
	a.free = a.free[:cut]
	metricBlocksFree.Set(float64(len(a.free)))
	return granted, true
}

// Release returns blocks to the free pool. Callers must hold the blocks
// exclusively; the request lifecycle guarantees release happens exactly once
// per admitted request.
func (a *BlockAllocator) Release(blocks []Block) {
	if len(blocks) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append(a.free, blocks...)
	metricBlocksFree.Set(float64(len(a.free)))
}

// FreeCount is an advisory snapshot for scheduling heuristics. Actual
// admission always goes through TryReserve.
func (a *BlockAllocator) FreeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free)
}

// TotalCount returns the size of the inventory.
func (a *BlockAllocator) TotalCount() int {
	return a.total
}
