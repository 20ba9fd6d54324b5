// Package hashchain links every successfully written block into a
// tamper-evident chain (spec §4.4): each entry hashes the block's own
// header+payload together with the previous entry's chain hash, anchored
// at a fixed genesis constant. Entries are themselves persisted as blocks
// in the reserved id range [2e12, ∞).
package hashchain

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"sort"
	"sync"

	"github.com/chartly-labs/mailvault/internal/block"
	"github.com/chartly-labs/mailvault/internal/ids"
	"github.com/chartly-labs/mailvault/pkg/verrors"
)

// Genesis anchors the first entry's previous_chain_hash. It is a fixed
// constant, not derived from any runtime state, so two independently
// created archives start their chains identically.
var Genesis = sha256.Sum256([]byte("mailvault-hash-chain-genesis-v1"))

// Entry is one link in the chain.
type Entry struct {
	BlockID           int64      `json:"block_id"`
	SequenceNumber    int64      `json:"sequence_number"`
	Timestamp         int64      `json:"timestamp"`
	BlockHash         [32]byte   `json:"block_hash"`
	PreviousChainHash [32]byte   `json:"previous_chain_hash"`
	ChainHash         [32]byte   `json:"chain_hash"`
	BlockType         block.Type `json:"block_type"`
	BlockSize         int64      `json:"block_size"`
}

// Chain is the in-memory, append-only view of every entry, kept in
// sequence order for verify_chain's linear walk.
type Chain struct {
	container *block.Container
	alloc     *ids.Allocator

	mu            sync.Mutex
	entries       []Entry
	byBlockID     map[int64]int // index into entries, keyed by the described block's id
	lastChainHash [32]byte
}

// New returns an empty chain anchored at Genesis.
func New(container *block.Container, alloc *ids.Allocator) *Chain {
	return &Chain{
		container:     container,
		alloc:         alloc,
		byBlockID:     make(map[int64]int),
		lastChainHash: Genesis,
	}
}

// LoadFromContainer rebuilds the in-memory chain from every HashChain block
// already present, ordered by sequence_number. Called once at engine open.
func (c *Chain) LoadFromContainer(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var loaded []Entry
	for _, id := range c.container.BlockIDs() {
		if id < block.HashChainIDFloor {
			continue
		}
		blk, err := c.container.Read(ctx, id)
		if err != nil {
			return verrors.Wrap(err, verrors.CorruptBlock, "hashchain.load")
		}
		var e Entry
		if err := json.Unmarshal(blk.Payload, &e); err != nil {
			return verrors.Wrap(err, verrors.CorruptBlock, "hashchain.load")
		}
		loaded = append(loaded, e)
	}
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].SequenceNumber < loaded[j].SequenceNumber })

	c.entries = loaded
	c.byBlockID = make(map[int64]int, len(loaded))
	c.lastChainHash = Genesis
	for i, e := range loaded {
		c.byBlockID[e.BlockID] = i
		c.lastChainHash = e.ChainHash
	}
	return nil
}

// Append computes the hash chain entry for a block that was just written
// via Container.Write, persists the entry as its own block, and links it
// into the chain. Callers MUST call this after the described block is
// durable (spec §5 ordering guarantee 4). The block hash covers the header
// as the container framed it (payload_length and any defaulted timestamp
// included), read back from the container, so VerifyBlock and VerifyChain
// recompute the same value.
func (c *Chain) Append(ctx context.Context, blockID int64, h block.Header, payload []byte) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	written, err := c.container.Read(ctx, blockID)
	if err != nil {
		return Entry{}, err
	}
	h = written.Header

	blockHash := block.BlockHash(blockID, h, payload)
	chainHash := sha256.Sum256(append(append([]byte{}, c.lastChainHash[:]...), blockHash[:]...))

	e := Entry{
		BlockID:           blockID,
		SequenceNumber:    int64(len(c.entries)) + 1,
		Timestamp:         h.Timestamp,
		BlockHash:         blockHash,
		PreviousChainHash: c.lastChainHash,
		ChainHash:         chainHash,
		BlockType:         h.Type,
		BlockSize:         block.FixedOverhead + h.PayloadLength,
	}

	payloadJSON, err := json.Marshal(e)
	if err != nil {
		return Entry{}, verrors.Wrap(err, verrors.InvalidArgument, "hashchain.append")
	}
	entryID := c.alloc.NextHashChain()
	eh := block.Header{Version: 1, Type: block.TypeHashChain, PayloadEncoding: block.EncodingJSON, Timestamp: h.Timestamp}
	if _, err := c.container.Write(ctx, entryID, eh, payloadJSON); err != nil {
		return Entry{}, err
	}
	c.entries = append(c.entries, e)
	c.byBlockID[blockID] = len(c.entries) - 1
	c.lastChainHash = chainHash
	return e, nil
}

// EntryForBlock returns the recorded chain entry describing blockID, used
// by the read-only archive view's existence_proof.
func (c *Chain) EntryForBlock(blockID int64) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.byBlockID[blockID]
	if !ok {
		return Entry{}, false
	}
	return c.entries[idx], true
}

// VerifyBlock recomputes the described block's hash from the container and
// compares it to the recorded entry, reporting ChainBroken (not
// CorruptBlock — this is the chain verifier's job per spec §7, distinct
// from Container.Read's own checksum validation) on mismatch.
func (c *Chain) VerifyBlock(ctx context.Context, blockID int64) error {
	c.mu.Lock()
	idx, ok := c.byBlockID[blockID]
	var entry Entry
	if ok {
		entry = c.entries[idx]
	}
	c.mu.Unlock()
	if !ok {
		return verrors.New(verrors.NotFound, "hashchain.verify_block", "no chain entry for block_id")
	}

	blk, err := c.container.Read(ctx, blockID)
	if err != nil {
		return err
	}
	got := block.BlockHash(blockID, blk.Header, blk.Payload)
	if got != entry.BlockHash {
		return verrors.New(verrors.ChainBroken, "hashchain.verify_block", "block_hash mismatch")
	}
	return nil
}

// VerifyResult is verify_chain's report.
type VerifyResult struct {
	OK                bool
	BrokenChainPoints []int64 // block_ids whose linkage or block_hash failed
}

// VerifyChain walks entries in sequence order checking previous_chain_hash
// linkage and, where the described block is still present, its block_hash.
func (c *Chain) VerifyChain(ctx context.Context) (VerifyResult, error) {
	c.mu.Lock()
	entries := append([]Entry(nil), c.entries...)
	c.mu.Unlock()

	res := VerifyResult{OK: true}
	prev := Genesis
	for _, e := range entries {
		if e.PreviousChainHash != prev {
			res.OK = false
			res.BrokenChainPoints = append(res.BrokenChainPoints, e.BlockID)
			prev = e.ChainHash
			continue
		}
		wantChainHash := sha256.Sum256(append(append([]byte{}, prev[:]...), e.BlockHash[:]...))
		if wantChainHash != e.ChainHash {
			res.OK = false
			res.BrokenChainPoints = append(res.BrokenChainPoints, e.BlockID)
			prev = e.ChainHash
			continue
		}
		if blk, err := c.container.Read(ctx, e.BlockID); err == nil {
			if block.BlockHash(e.BlockID, blk.Header, blk.Payload) != e.BlockHash {
				res.OK = false
				res.BrokenChainPoints = append(res.BrokenChainPoints, e.BlockID)
			}
		}
		prev = e.ChainHash
	}
	return res, nil
}

// Export returns entries in [from, to] sequence-number range (inclusive;
// nil bounds mean unbounded) plus a Merkle root over their chain_hashes
// (pairwise SHA-256, duplicating the last element if the level is odd).
func (c *Chain) Export(from, to *int64) ([]Entry, [32]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Entry
	for _, e := range c.entries {
		if from != nil && e.SequenceNumber < *from {
			continue
		}
		if to != nil && e.SequenceNumber > *to {
			continue
		}
		out = append(out, e)
	}

	level := make([][32]byte, len(out))
	for i, e := range out {
		level[i] = e.ChainHash
	}
	return out, merkleRoot(level)
}

func merkleRoot(level [][32]byte) [32]byte {
	if len(level) == 0 {
		return [32]byte{}
	}
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][32]byte, len(level)/2)
		for i := 0; i < len(next); i++ {
			combined := append(append([]byte{}, level[2*i][:]...), level[2*i+1][:]...)
			next[i] = sha256.Sum256(combined)
		}
		level = next
	}
	return level[0]
}
