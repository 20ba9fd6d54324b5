package email

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chartly-labs/mailvault/internal/block"
	"github.com/chartly-labs/mailvault/internal/hashchain"
	"github.com/chartly-labs/mailvault/internal/ids"
	"github.com/chartly-labs/mailvault/internal/keymanager"
)

// fakeIndexer is an in-memory stand-in for the Index Coordinator (C8),
// enough to exercise dedup and post-flush recording without pulling in C5.
type fakeIndexer struct {
	mu        sync.Mutex
	byEnv     map[[32]byte]string
	recorded  []IndexEntry
	batches   int
}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{byEnv: make(map[[32]byte]string)}
}

func (f *fakeIndexer) LookupEnvelopeHash(ctx context.Context, h [32]byte) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := f.byEnv[h]
	return key, ok, nil
}

func (f *fakeIndexer) RecordBatch(ctx context.Context, blockID int64, entries []IndexEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches++
	for _, e := range entries {
		f.byEnv[e.EnvelopeHash] = FormatCompoundKey(blockID, e.LocalID)
		f.recorded = append(f.recorded, e)
	}
	return nil
}

func newTestWriter(t *testing.T) (*Writer, *block.Container, *fakeIndexer) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.dat")
	c, err := block.Open(path, block.OpenOptions{Create: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	alloc := ids.NewAllocator()
	km := keymanager.New(c, alloc)
	if err := km.Unlock(context.Background(), []byte("master-key-material-32-bytes!!!"), 0); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	chain := hashchain.New(c, alloc)
	idx := newFakeIndexer()
	w := NewWriter(c, alloc, km, chain, idx, block.EncryptionAES256GCM, 8)
	return w, c, idx
}

func TestAppendEmailRoundtripsThroughFlush(t *testing.T) {
	w, c, _ := newTestWriter(t)
	ctx := context.Background()

	env := Envelope{MessageID: "m1@x", From: "a@x", To: "b@x", Subject: "hi", Date: time.Unix(1000, 0)}
	raw := []byte("From: a@x\r\nSubject: hi\r\n\r\nhello")

	ref, err := w.AppendEmail(ctx, env, raw)
	if err != nil {
		t.Fatalf("AppendEmail: %v", err)
	}
	if ref.Deduped {
		t.Fatalf("first append should not be deduped")
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	blk, err := c.Read(ctx, ref.BlockID)
	if err != nil {
		t.Fatalf("Read batch block: %v", err)
	}
	if blk.Header.Type != block.TypeEmailBatch {
		t.Fatalf("block type = %v, want EmailBatch", blk.Header.Type)
	}
}

func TestAppendEmailDedupReturnsExistingID(t *testing.T) {
	w, _, _ := newTestWriter(t)
	ctx := context.Background()

	env := Envelope{MessageID: "m1@x", From: "a@x", To: "b@x", Subject: "hi", Date: time.Unix(1000, 0)}
	raw := []byte("identical message bytes")

	first, err := w.AppendEmail(ctx, env, raw)
	if err != nil {
		t.Fatalf("first AppendEmail: %v", err)
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	second, err := w.AppendEmail(ctx, env, raw)
	if err != nil {
		t.Fatalf("second AppendEmail: %v", err)
	}
	if !second.Deduped {
		t.Fatalf("second append of identical envelope must be deduped")
	}
	if second.CompoundKey != first.CompoundKey {
		t.Fatalf("deduped compound key = %s, want %s", second.CompoundKey, first.CompoundKey)
	}
}

func TestSizeOverrideForcesSmallBatches(t *testing.T) {
	w, c, idx := newTestWriter(t)
	ctx := context.Background()
	w.SetSizeOverride(10) // bytes; forces a flush after nearly every email

	for i := 0; i < 3; i++ {
		env := Envelope{MessageID: string(rune('a' + i)), From: "a@x", To: "b@x", Subject: "s", Date: time.Unix(int64(i), 0)}
		raw := []byte("payload-bytes-longer-than-ten-bytes")
		if _, err := w.AppendEmail(ctx, env, raw); err != nil {
			t.Fatalf("AppendEmail %d: %v", i, err)
		}
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if idx.batches < 3 {
		t.Fatalf("expected at least 3 flushed batches with tiny size override, got %d", idx.batches)
	}
	if c.Size() == 0 {
		t.Fatalf("expected container to have grown")
	}
}

func TestEncodeDecodeBatchPayloadRoundtrip(t *testing.T) {
	pending := []pendingEmail{
		{envelopeHash: [32]byte{1}, contentHash: [32]byte{2}, raw: []byte("first")},
		{envelopeHash: [32]byte{3}, contentHash: [32]byte{4}, raw: []byte("second-email")},
	}
	payload := encodeBatchPayload(pending)
	decoded, err := DecodeBatchPayload(payload)
	if err != nil {
		t.Fatalf("DecodeBatchPayload: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("decoded count = %d, want 2", len(decoded))
	}
	if string(decoded[0].Raw) != "first" || string(decoded[1].Raw) != "second-email" {
		t.Fatalf("decoded raw bytes mismatch: %+v", decoded)
	}
}
