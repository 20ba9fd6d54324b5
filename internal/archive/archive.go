// Package archive implements the read-only Archive View (spec §4.10): a
// strictly non-mutating façade over a container, used to verify
// integrity, search envelope metadata, and produce existence proofs
// without ever taking the write path.
package archive

import (
	"context"
	"time"

	"github.com/chartly-labs/mailvault/internal/block"
	"github.com/chartly-labs/mailvault/internal/coordinator"
	"github.com/chartly-labs/mailvault/internal/hashchain"
	"github.com/chartly-labs/mailvault/internal/ids"
	"github.com/chartly-labs/mailvault/internal/index"
	"github.com/chartly-labs/mailvault/pkg/verrors"
)

// View is a read-only handle onto an archive. It never calls
// Container.Write; every method here only reads. Container itself has no
// read-only open mode (spec's "share-read" framing maps to the advisory
// flock it already takes, not a distinct O_RDONLY path), so View enforces
// "disables writes" at the Go type level by simply never exposing one.
type View struct {
	container *block.Container
	chain     *hashchain.Chain
	idx       *index.Store
	coord     *coordinator.Coordinator
}

// Open opens path and the index sidecar next to it read-only from the
// caller's point of view, replays the hash chain from the container, and
// wires a Coordinator over the shared index for Search.
func Open(ctx context.Context, path string) (*View, error) {
	c, err := block.Open(path, block.OpenOptions{Create: false})
	if err != nil {
		return nil, err
	}
	idx, err := index.Open(path + ".idx")
	if err != nil {
		c.Close()
		return nil, err
	}
	chain := hashchain.New(c, ids.NewAllocator())
	if err := chain.LoadFromContainer(ctx); err != nil {
		idx.Close()
		c.Close()
		return nil, err
	}
	return &View{container: c, chain: chain, idx: idx, coord: coordinator.New(idx)}, nil
}

// Close releases the underlying container and index handles.
func (v *View) Close() error {
	idxErr := v.idx.Close()
	cErr := v.container.Close()
	if cErr != nil {
		return cErr
	}
	return idxErr
}

// Report is verify()'s result.
type Report struct {
	HeaderOK           bool
	ChecksumPassCount  int
	ChecksumFailCount  int
	HashChainOK        bool
	BrokenChainPoints  []int64
}

// Verify re-reads every block (exercising Container.Read's own
// header/payload checksum validation) and walks the hash chain, matching
// the {header_ok, checksum_pass_count, checksum_fail_count, hash_chain_ok,
// broken_chain_points} shape from spec §4.10.
func (v *View) Verify(ctx context.Context) (Report, error) {
	return VerifyContainer(ctx, v.container, v.chain)
}

// VerifyContainer is the free-function form of Verify, taking the
// container and chain directly. View.Verify is a thin wrapper around it;
// the top-level engine calls it directly against its own live handles so
// a verify pass never needs a second, conflicting open of the same file.
func VerifyContainer(ctx context.Context, container *block.Container, chain *hashchain.Chain) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, verrors.Wrap(err, verrors.Cancelled, "archive.verify")
	}
	report := Report{HeaderOK: true}
	for _, id := range container.BlockIDs() {
		if _, err := container.Read(ctx, id); err != nil {
			report.ChecksumFailCount++
			if verrors.Is(err, verrors.CorruptBlock) {
				report.HeaderOK = false
			}
			continue
		}
		report.ChecksumPassCount++
	}
	chainResult, err := chain.VerifyChain(ctx)
	if err != nil {
		return Report{}, err
	}
	report.HashChainOK = chainResult.OK
	report.BrokenChainPoints = chainResult.BrokenChainPoints
	return report, nil
}

// Criteria narrows Search by envelope fields and an inclusive date range.
// Zero-valued DateFrom/DateTo skip that bound. Query, if non-empty, is
// run through the coordinator's full-text index (subject+body).
type Criteria struct {
	Query     string
	DateFrom  time.Time
	DateTo    time.Time
	FromEmail string
}

// Hit is one Search result.
type Hit struct {
	CompoundKey string
	Metadata    coordinator.EnvelopeMetadata
	Score       float64
}

// Search resolves criteria.Query through the full-text index, then
// filters by date range and From address against each hit's stored
// envelope metadata (spec §4.10: "by date range and header fields").
func (v *View) Search(ctx context.Context, criteria Criteria) ([]Hit, error) {
	return SearchIndex(ctx, v.coord, v.idx, criteria)
}

// SearchIndex is the free-function form of Search, taking the Coordinator
// and index store directly so the top-level engine can search its own
// live coordinator without opening a second handle onto the archive.
func SearchIndex(ctx context.Context, coord *coordinator.Coordinator, idx *index.Store, criteria Criteria) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, verrors.Wrap(err, verrors.Cancelled, "archive.search")
	}

	var candidates []coordinator.SearchResult
	if criteria.Query != "" {
		results, err := coord.Search(ctx, criteria.Query)
		if err != nil {
			return nil, err
		}
		candidates = results
	} else {
		if err := idx.IterateAll(index.NSEnvelopeMeta, func(key, _ []byte) (bool, error) {
			candidates = append(candidates, coordinator.SearchResult{CompoundKey: string(key)})
			return true, nil
		}); err != nil {
			return nil, err
		}
	}

	var hits []Hit
	for _, cand := range candidates {
		meta, err := coord.LookupMetadata(ctx, cand.CompoundKey)
		if err != nil {
			continue
		}
		if !criteria.DateFrom.IsZero() && meta.DateUnix < criteria.DateFrom.Unix() {
			continue
		}
		if !criteria.DateTo.IsZero() && meta.DateUnix > criteria.DateTo.Unix() {
			continue
		}
		if criteria.FromEmail != "" && meta.From != criteria.FromEmail {
			continue
		}
		hits = append(hits, Hit{CompoundKey: cand.CompoundKey, Metadata: meta, Score: cand.Score})
	}
	return hits, nil
}

// Proof is existence_proof's result.
type Proof struct {
	BlockHash   [32]byte
	ChainHash   [32]byte
	Sequence    int64
	MerkleRoot  [32]byte
	GeneratedAt time.Time
	Signature   []byte // always nil: no signing key infrastructure is defined by this archive
}

// ExistenceProof returns a tamper-evidence proof for blockID: its chain
// entry's own hash linkage plus the current global Merkle root over every
// entry (spec §4.10).
func (v *View) ExistenceProof(ctx context.Context, blockID int64) (Proof, error) {
	return ExistenceProofFor(ctx, v.chain, blockID)
}

// ExistenceProofFor is the free-function form of ExistenceProof, taking
// the chain directly so the top-level engine can produce proofs from its
// own live chain instance.
func ExistenceProofFor(ctx context.Context, chain *hashchain.Chain, blockID int64) (Proof, error) {
	if err := ctx.Err(); err != nil {
		return Proof{}, verrors.Wrap(err, verrors.Cancelled, "archive.existence_proof")
	}
	entry, ok := chain.EntryForBlock(blockID)
	if !ok {
		return Proof{}, verrors.New(verrors.NotFound, "archive.existence_proof", "no chain entry for block_id")
	}
	_, root := chain.Export(nil, nil)
	return Proof{
		BlockHash:   entry.BlockHash,
		ChainHash:   entry.ChainHash,
		Sequence:    entry.SequenceNumber,
		MerkleRoot:  root,
		GeneratedAt: time.Now(),
	}, nil
}
