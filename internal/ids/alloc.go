// Package ids allocates block_ids. The container refuses block_id 0 and
// reserves two high ranges (spec §3): ids ≥ 1e12 for checkpoints, ids ≥ 2e12
// for hash-chain entries. Everything else (EmailBatch, Folder, FolderTree,
// FolderEnvelope, KeyManager, Metadata, Cleanup) draws from the normal
// range below 1e12.
package ids

import (
	"sync/atomic"

	"github.com/chartly-labs/mailvault/internal/block"
)

// Allocator hands out monotonically increasing block_ids in each of the
// three ranges. It holds no on-disk state itself; Seed must be called with
// the highest previously-used id in each range after a scan so restarts
// never reuse an id.
type Allocator struct {
	normal     int64
	checkpoint int64
	hashChain  int64
}

// NewAllocator returns an allocator starting each range at its floor.
func NewAllocator() *Allocator {
	return &Allocator{
		normal:     0,
		checkpoint: block.CheckpointIDFloor - 1,
		hashChain:  block.HashChainIDFloor - 1,
	}
}

// Seed advances each range's cursor to at least the highest id observed for
// blocks already on disk, so NextX never reissues an id a scan found.
func (a *Allocator) Seed(existingIDs []int64) {
	for _, id := range existingIDs {
		switch {
		case id >= block.HashChainIDFloor:
			if id > atomic.LoadInt64(&a.hashChain) {
				atomic.StoreInt64(&a.hashChain, id)
			}
		case id >= block.CheckpointIDFloor:
			if id > atomic.LoadInt64(&a.checkpoint) {
				atomic.StoreInt64(&a.checkpoint, id)
			}
		default:
			if id > atomic.LoadInt64(&a.normal) {
				atomic.StoreInt64(&a.normal, id)
			}
		}
	}
}

// NextNormal returns the next id below CheckpointIDFloor.
func (a *Allocator) NextNormal() int64 { return atomic.AddInt64(&a.normal, 1) }

// NextCheckpoint returns the next id in the checkpoint range.
func (a *Allocator) NextCheckpoint() int64 { return atomic.AddInt64(&a.checkpoint, 1) }

// NextHashChain returns the next id in the hash-chain range.
func (a *Allocator) NextHashChain() int64 { return atomic.AddInt64(&a.hashChain, 1) }
