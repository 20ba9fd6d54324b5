// Package email implements the batch writer (spec §4.6): one email at a
// time in, deduplicated and packed many-per-block out. A batch accumulates
// raw message bytes plus a table of contents until an adaptively-sized
// target is hit, then is compressed, encrypted, framed, and chained as one
// EmailBatch block.
package email

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/chartly-labs/mailvault/internal/block"
	"github.com/chartly-labs/mailvault/internal/codec"
	"github.com/chartly-labs/mailvault/internal/hashchain"
	"github.com/chartly-labs/mailvault/internal/ids"
	"github.com/chartly-labs/mailvault/internal/keymanager"
	"github.com/chartly-labs/mailvault/pkg/verrors"
)

// Envelope is the minimal normalized header set the external MIME parser
// collaborator (spec §6) is expected to produce; envelope_hash is computed
// from these fields, never from the raw bytes.
type Envelope struct {
	MessageID      string
	Subject        string
	From           string
	To             string
	Date           time.Time
	Size           int64
	HasAttachments bool
}

// EnvelopeHash normalizes MessageID/From/To/Date/Subject (trim, lowercase,
// RFC3339 date) and returns their SHA-256 over a unit-separator-joined
// encoding, so semantically identical envelopes always hash identically
// regardless of incidental whitespace or case.
func EnvelopeHash(env Envelope) [32]byte {
	fields := []string{
		strings.ToLower(strings.TrimSpace(env.MessageID)),
		strings.ToLower(strings.TrimSpace(env.From)),
		strings.ToLower(strings.TrimSpace(env.To)),
		env.Date.UTC().Format(time.RFC3339),
		strings.ToLower(strings.TrimSpace(env.Subject)),
	}
	return sha256.Sum256([]byte(strings.Join(fields, "\x1f")))
}

// ContentHash hashes the raw, unparsed message bytes.
func ContentHash(raw []byte) [32]byte {
	return sha256.Sum256(raw)
}

// FormatCompoundKey renders the "<block_id>:<local_id>" composite id.
func FormatCompoundKey(blockID, localID int64) string {
	return fmt.Sprintf("%d:%d", blockID, localID)
}

// ParseCompoundKey is the inverse of FormatCompoundKey.
func ParseCompoundKey(key string) (blockID, localID int64, err error) {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 {
		return 0, 0, verrors.New(verrors.InvalidArgument, "email.parse_compound_key", "malformed compound key")
	}
	blockID, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, verrors.Wrap(err, verrors.InvalidArgument, "email.parse_compound_key")
	}
	localID, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, verrors.Wrap(err, verrors.InvalidArgument, "email.parse_compound_key")
	}
	return blockID, localID, nil
}

// IndexEntry describes one email durably written in a batch, passed to
// Indexer.RecordBatch after the batch block is flushed.
type IndexEntry struct {
	LocalID      int64
	MessageID    string
	EnvelopeHash [32]byte
	ContentHash  [32]byte
	Envelope     Envelope
	// BodyText is the text body extracted from the raw message, for C8's
	// full-text index (spec §4.8: "index subject + text body only").
	BodyText string
}

// ExtractBodyText splits raw RFC 5322 bytes on the first blank-line
// boundary and returns everything after it. No MIME decoding is
// performed; multipart/attachment bytes simply become part of the
// indexed text, which only costs a few stray tokens in practice.
func ExtractBodyText(raw []byte) string {
	s := string(raw)
	if i := strings.Index(s, "\r\n\r\n"); i >= 0 {
		return s[i+4:]
	}
	if i := strings.Index(s, "\n\n"); i >= 0 {
		return s[i+2:]
	}
	return ""
}

// Indexer is what C6 needs from the Index Coordinator (C8): a dedup lookup
// and a post-durability batch recording call. Kept as a narrow interface so
// the batch writer never imports the coordinator package directly.
type Indexer interface {
	LookupEnvelopeHash(ctx context.Context, envelopeHash [32]byte) (compoundKey string, found bool, err error)
	RecordBatch(ctx context.Context, blockID int64, entries []IndexEntry) error
}

// adaptiveTier is the target batch size table from spec §4.6, evaluated
// against current container size at each email arrival.
func adaptiveTarget(dbSize int64) int64 {
	switch {
	case dbSize < 5_000_000_000:
		return 50_000_000
	case dbSize < 25_000_000_000:
		return 100_000_000
	case dbSize < 100_000_000_000:
		return 250_000_000
	case dbSize < 500_000_000_000:
		return 500_000_000
	default:
		return 1_000_000_000
	}
}

type pendingEmail struct {
	envelopeHash [32]byte
	contentHash  [32]byte
	messageID    string
	envelope     Envelope
	raw          []byte
}

// Writer accumulates emails into batches and flushes EmailBatch blocks.
type Writer struct {
	container *block.Container
	alloc     *ids.Allocator
	keys      *keymanager.Manager
	chain     *hashchain.Chain
	indexer   Indexer

	compression block.CompressionAlgo
	encryption  block.EncryptionAlgo
	// sizeOverride, if non-zero, replaces the adaptive table (the
	// block_size_threshold config option).
	sizeOverride int64

	// sem is the writer_semaphore (spec §5): weighted 1 per in-flight
	// write initiation, capacity = max_concurrent_operations. It bounds
	// how many batch flushes may be writing to the container at once
	// when multiple goroutines call AppendEmail/Flush concurrently.
	sem *semaphore.Weighted

	mu           sync.Mutex
	pending      []pendingEmail
	cumulative   int64
	batchTarget  int64
	batchBlockID int64
}

// NewWriter returns a Writer that packs batches with LZ4 compression (the
// adaptive policy spec §4.2 names for email batches) and the given
// encryption algorithm. maxConcurrentOps bounds how many batch flushes may
// have a write in flight against container at once (spec §5's
// max_concurrent_operations); values <= 0 are treated as 1.
func NewWriter(container *block.Container, alloc *ids.Allocator, keys *keymanager.Manager, chain *hashchain.Chain, indexer Indexer, encryption block.EncryptionAlgo, maxConcurrentOps int) *Writer {
	if maxConcurrentOps <= 0 {
		maxConcurrentOps = 1
	}
	return &Writer{
		container:   container,
		alloc:       alloc,
		keys:        keys,
		chain:       chain,
		indexer:     indexer,
		compression: block.CompressionLZ4,
		encryption:  encryption,
		sem:         semaphore.NewWeighted(int64(maxConcurrentOps)),
	}
}

// SetSizeOverride pins the batch target, overriding the adaptive table
// (the block_size_threshold config option, spec §6). Pass 0 to restore
// adaptive sizing.
func (w *Writer) SetSizeOverride(bytes int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sizeOverride = bytes
}

func (w *Writer) target() int64 {
	if w.sizeOverride > 0 {
		return w.sizeOverride
	}
	return adaptiveTarget(w.container.Size())
}

// EmailRef is what AppendEmail returns for a single email.
type EmailRef struct {
	CompoundKey string
	BlockID     int64
	LocalID     int64
	Deduped     bool
}

// AppendEmail deduplicates via envelope_hash, then adds raw to the current
// batch (starting or flushing one as the adaptive target requires),
// flushing immediately if the batch has now reached its target.
func (w *Writer) AppendEmail(ctx context.Context, env Envelope, raw []byte) (EmailRef, error) {
	if err := ctx.Err(); err != nil {
		return EmailRef{}, verrors.Wrap(err, verrors.Cancelled, "email.append")
	}
	eHash := EnvelopeHash(env)

	if existing, found, err := w.indexer.LookupEnvelopeHash(ctx, eHash); err != nil {
		return EmailRef{}, err
	} else if found {
		blockID, localID, perr := ParseCompoundKey(existing)
		if perr != nil {
			return EmailRef{}, perr
		}
		return EmailRef{CompoundKey: existing, BlockID: blockID, LocalID: localID, Deduped: true}, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	newTarget := w.target()
	// "if the current batch already started under a smaller target, it is
	// flushed before switching" (spec §4.6).
	if len(w.pending) > 0 && newTarget > w.batchTarget {
		if err := w.flushLocked(ctx); err != nil {
			return EmailRef{}, err
		}
	}
	if len(w.pending) == 0 {
		w.batchTarget = newTarget
		w.batchBlockID = w.alloc.NextNormal()
	}

	localID := int64(len(w.pending))
	cHash := ContentHash(raw)
	w.pending = append(w.pending, pendingEmail{
		envelopeHash: eHash,
		contentHash:  cHash,
		messageID:    env.MessageID,
		envelope:     env,
		raw:          raw,
	})
	w.cumulative += int64(len(raw))

	ref := EmailRef{CompoundKey: FormatCompoundKey(w.batchBlockID, localID), BlockID: w.batchBlockID, LocalID: localID}

	if w.cumulative >= w.batchTarget {
		if err := w.flushLocked(ctx); err != nil {
			return EmailRef{}, err
		}
	}
	return ref, nil
}

// Flush forces the current batch to be written even if it has not reached
// its target size.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked(ctx)
}

// flushLocked must be called with w.mu held.
func (w *Writer) flushLocked(ctx context.Context) error {
	if len(w.pending) == 0 {
		return nil
	}
	blockID := w.batchBlockID
	payload := encodeBatchPayload(w.pending)

	keyEntry, err := w.keys.GenerateBlockKey(blockID, w.encryption, block.TypeEmailBatch)
	if err != nil {
		return err
	}
	wire, err := codec.Encode(w.compression, w.encryption, keyEntry.Key, keyEntry.Salt, blockID, payload)
	if err != nil {
		return err
	}

	h := block.Header{
		Version:         1,
		Type:            block.TypeEmailBatch,
		Flags:           block.PackFlags(w.compression, w.encryption),
		PayloadEncoding: block.EncodingRawBytes,
		Timestamp:       time.Now().Unix(),
	}

	if err := w.sem.Acquire(ctx, 1); err != nil {
		return verrors.Wrap(err, verrors.Cancelled, "email.flush")
	}
	writeErr := func() error {
		defer w.sem.Release(1)
		if _, err := w.container.Write(ctx, blockID, h, wire); err != nil {
			return err
		}
		_, err := w.chain.Append(ctx, blockID, h, wire)
		return err
	}()
	if writeErr != nil {
		return writeErr
	}

	entries := make([]IndexEntry, len(w.pending))
	for i, p := range w.pending {
		entries[i] = IndexEntry{
			LocalID:      int64(i),
			MessageID:    p.messageID,
			EnvelopeHash: p.envelopeHash,
			ContentHash:  p.contentHash,
			Envelope:     p.envelope,
			BodyText:     ExtractBodyText(p.raw),
		}
	}
	// Index updates MUST happen after the batch block is durable (spec §5
	// ordering guarantee 2); Write above has already returned successfully.
	if err := w.indexer.RecordBatch(ctx, blockID, entries); err != nil {
		return err
	}

	w.pending = nil
	w.cumulative = 0
	w.batchTarget = 0
	w.batchBlockID = 0
	return nil
}

// encodeBatchPayload builds the pre-codec EmailBatch layout (spec §4.6):
// u32 email_count, then a TOC of {u32 length, 32B envelope_hash, 32B
// content_hash} per email, then the raw bytes back to back. local_id is
// the TOC index; offsets are derived from cumulative lengths.
func encodeBatchPayload(pending []pendingEmail) []byte {
	tocSize := len(pending) * (4 + 32 + 32)
	dataSize := 0
	for _, p := range pending {
		dataSize += len(p.raw)
	}
	buf := make([]byte, 4+tocSize+dataSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(pending)))

	off := 4
	for _, p := range pending {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(p.raw)))
		off += 4
		copy(buf[off:off+32], p.envelopeHash[:])
		off += 32
		copy(buf[off:off+32], p.contentHash[:])
		off += 32
	}
	for _, p := range pending {
		copy(buf[off:off+len(p.raw)], p.raw)
		off += len(p.raw)
	}
	return buf
}

// DecodeBatchPayload is the inverse of encodeBatchPayload, used by the
// engine's post-compaction index rescan (rescanCoordinator) to recover
// individual emails by local_id from a decoded EmailBatch payload.
func DecodeBatchPayload(payload []byte) ([]DecodedEmail, error) {
	if len(payload) < 4 {
		return nil, verrors.New(verrors.CorruptBlock, "email.decode_batch", "payload shorter than count field")
	}
	count := binary.BigEndian.Uint32(payload[0:4])
	off := 4
	type tocEntry struct {
		length       uint32
		envelopeHash [32]byte
		contentHash  [32]byte
	}
	toc := make([]tocEntry, count)
	for i := uint32(0); i < count; i++ {
		if off+4+32+32 > len(payload) {
			return nil, verrors.New(verrors.CorruptBlock, "email.decode_batch", "truncated TOC entry")
		}
		var e tocEntry
		e.length = binary.BigEndian.Uint32(payload[off : off+4])
		off += 4
		copy(e.envelopeHash[:], payload[off:off+32])
		off += 32
		copy(e.contentHash[:], payload[off:off+32])
		off += 32
		toc[i] = e
	}
	out := make([]DecodedEmail, count)
	for i, e := range toc {
		if off+int(e.length) > len(payload) {
			return nil, verrors.New(verrors.CorruptBlock, "email.decode_batch", "truncated email data")
		}
		raw := make([]byte, e.length)
		copy(raw, payload[off:off+int(e.length)])
		off += int(e.length)
		out[i] = DecodedEmail{LocalID: int64(i), EnvelopeHash: e.envelopeHash, ContentHash: e.contentHash, Raw: raw}
	}
	return out, nil
}

// DecodedEmail is one email recovered from a decoded EmailBatch payload.
type DecodedEmail struct {
	LocalID      int64
	EnvelopeHash [32]byte
	ContentHash  [32]byte
	Raw          []byte
}
