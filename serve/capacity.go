package serve

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ReservationPolicy selects how much capacity a request reserves and when.
type ReservationPolicy string

const (
	// ReserveStatic reserves prompt + max_new_tokens at admission. A running
	// request can never run out of capacity.
	ReserveStatic ReservationPolicy = "static"
	// ReserveIncremental reserves the prompt at admission and grows one step at
	// a time. A request that cannot grow is paused, never killed.
	ReserveIncremental ReservationPolicy = "incremental"
)

// PreemptionPolicy selects what happens when an incremental reservation cannot grow.
type PreemptionPolicy string

const (
	// PreemptNone pauses the request until capacity frees up. Running requests
	// are never interrupted.
	PreemptNone PreemptionPolicy = "none"
	// PreemptNewest requeues the most recently admitted request, keeping its
	// generated tokens, until the stalled request can grow. A stalled request
	// that is itself the newest is paused as under PreemptNone.
	PreemptNewest PreemptionPolicy = "newest"
)

// Reservation is a handle to blocks held on behalf of one request.
// It is released exactly once.
type Reservation struct {
	id        uint64
	requestID string
	blocks    []int // owned block IDs, in allocation order
	usedTok   int64 // tokens actually written into the reservation
	released  bool
}

// RequestID returns the request the reservation belongs to.
func (r *Reservation) RequestID() string { return r.requestID }

// Blocks returns the number of blocks held.
func (r *Reservation) Blocks() int64 { return int64(len(r.blocks)) }

// CapacityTracker accounts for the finite cache budget shared by all running
// requests. Reserve, Grow and Release are atomic with respect to each other;
// Free may be read without the lock as an admission hint.
type CapacityTracker struct {
	mu              sync.Mutex
	totalBlocks     int64
	blockSizeTokens int64
	free            []int // free block IDs; released blocks are pushed on top
	live            map[uint64]*Reservation
	nextID          uint64
	usedBlocks      int64 // blocks holding real entries, across live reservations

	freeCnt atomic.Int64
}

// NewCapacityTracker creates a tracker for totalBlocks blocks of blockSizeTokens tokens each.
func NewCapacityTracker(totalBlocks, blockSizeTokens int64) *CapacityTracker {
	if totalBlocks <= 0 || blockSizeTokens <= 0 {
		panic(fmt.Sprintf("NewCapacityTracker: invalid geometry %d blocks x %d tokens", totalBlocks, blockSizeTokens))
	}
	ct := &CapacityTracker{
		totalBlocks:     totalBlocks,
		blockSizeTokens: blockSizeTokens,
		free:            make([]int, 0, totalBlocks),
		live:            make(map[uint64]*Reservation),
	}
	// lowest IDs are handed out first
	for i := totalBlocks - 1; i >= 0; i-- {
		ct.free = append(ct.free, int(i))
	}
	ct.freeCnt.Store(totalBlocks)
	return ct
}

// BlocksFor returns the number of blocks needed to hold tokens tokens.
func (ct *CapacityTracker) BlocksFor(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	return (tokens + ct.blockSizeTokens - 1) / ct.blockSizeTokens
}

// TryReserve reserves room for tokens tokens. On failure nothing changes.
func (ct *CapacityTracker) TryReserve(requestID string, tokens int64) (*Reservation, bool) {
	need := ct.BlocksFor(tokens)
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if need > int64(len(ct.free)) {
		return nil, false
	}
	ct.nextID++
	res := &Reservation{id: ct.nextID, requestID: requestID}
	res.blocks = ct.take(need)
	ct.live[res.id] = res
	return res, true
}

// Grow extends res so it can hold tokens tokens. It is a no-op when res is
// already large enough. On failure nothing changes.
func (ct *CapacityTracker) Grow(res *Reservation, tokens int64) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if res.released {
		return false
	}
	need := ct.BlocksFor(tokens) - int64(len(res.blocks))
	if need <= 0 {
		return true
	}
	if need > int64(len(ct.free)) {
		return false
	}
	res.blocks = append(res.blocks, ct.take(need)...)
	return true
}

// MarkUsed records that res now holds tokens real entries. The difference
// between reserved and used blocks is capacity held for tokens not yet generated.
func (ct *CapacityTracker) MarkUsed(res *Reservation, tokens int64) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if res.released {
		return
	}
	ct.usedBlocks += ct.BlocksFor(tokens) - ct.BlocksFor(res.usedTok)
	res.usedTok = tokens
}

// Release returns the blocks of res to the free pool. Releasing the same
// reservation twice returns ErrReservationReleased and frees nothing.
func (ct *CapacityTracker) Release(res *Reservation) error {
	if res == nil {
		return nil
	}
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if res.released {
		return fmt.Errorf("%w: request %s", ErrReservationReleased, res.requestID)
	}
	res.released = true
	delete(ct.live, res.id)
	ct.usedBlocks -= ct.BlocksFor(res.usedTok)
	// reverse order so the most recently taken blocks are reused first
	for i := len(res.blocks) - 1; i >= 0; i-- {
		ct.free = append(ct.free, res.blocks[i])
	}
	res.blocks = nil
	ct.freeCnt.Store(int64(len(ct.free)))
	return nil
}

// take pops n blocks off the free stack. Caller holds mu and has checked n fits.
func (ct *CapacityTracker) take(n int64) []int {
	cut := int64(len(ct.free)) - n
	blocks := make([]int, n)
	for i := range blocks {
		blocks[i] = ct.free[int64(len(ct.free))-1-int64(i)]
	}
	ct.free = ct.free[:cut]
	ct.freeCnt.Store(cut)
	return blocks
}

// Free returns the number of unreserved blocks. The read does not take the
// lock, so the value may be stale by the time it is used.
func (ct *CapacityTracker) Free() int64 {
	return ct.freeCnt.Load()
}

// Total returns the total number of blocks.
func (ct *CapacityTracker) Total() int64 {
	return ct.totalBlocks
}

// BlockSize returns the number of tokens per block.
func (ct *CapacityTracker) BlockSize() int64 {
	return ct.blockSizeTokens
}

// Reserved returns the number of blocks held by live reservations.
func (ct *CapacityTracker) Reserved() int64 {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.totalBlocks - int64(len(ct.free))
}

// Used returns the number of reserved blocks holding real entries.
func (ct *CapacityTracker) Used() int64 {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.usedBlocks
}

// Live returns the number of unreleased reservations.
func (ct *CapacityTracker) Live() int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return len(ct.live)
}

// Utilization returns reserved blocks as a fraction of the total.
func (ct *CapacityTracker) Utilization() float64 {
	return float64(ct.totalBlocks-ct.Free()) / float64(ct.totalBlocks)
}
