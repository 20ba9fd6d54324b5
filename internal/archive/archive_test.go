package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/chartly-labs/mailvault/internal/block"
	"github.com/chartly-labs/mailvault/internal/coordinator"
	"github.com/chartly-labs/mailvault/internal/email"
	"github.com/chartly-labs/mailvault/internal/hashchain"
	"github.com/chartly-labs/mailvault/internal/ids"
	"github.com/chartly-labs/mailvault/internal/index"
	"github.com/chartly-labs/mailvault/internal/keymanager"
)

// seedArchive builds a small archive at path with two emails, then closes
// every handle so View.Open can reopen it fresh, the way a real caller
// would open an archive written by a previous engine process.
func seedArchive(t *testing.T, path string) {
	t.Helper()
	ctx := context.Background()

	c, err := block.Open(path, block.OpenOptions{Create: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	idx, err := index.Open(path + ".idx")
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	alloc := ids.NewAllocator()
	km := keymanager.New(c, alloc)
	if err := km.Unlock(ctx, []byte("master-key-material-32-bytes!!!"), 0); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	chain := hashchain.New(c, alloc)
	coord := coordinator.New(idx)
	w := email.NewWriter(c, alloc, km, chain, coord, block.EncryptionAES256GCM, 8)
	w.SetSizeOverride(1) // flush every email immediately, one batch per email

	emails := []struct {
		subject string
		from    string
		body    string
	}{
		{"Quarterly Revenue Report", "alice@example.com", "revenue numbers are strong this quarter"},
		{"Lunch Plans", "bob@example.com", "want to grab lunch tomorrow"},
	}
	for i, e := range emails {
		env := email.Envelope{
			MessageID: "msg-" + e.subject,
			Subject:   e.subject,
			From:      e.from,
			To:        "carol@example.com",
			Date:      time.Date(2026, time.January, 1+i, 0, 0, 0, 0, time.UTC),
			Size:      int64(len(e.body)),
		}
		raw := []byte("Subject: " + e.subject + "\r\n\r\n" + e.body)
		if _, err := w.AppendEmail(ctx, env, raw); err != nil {
			t.Fatalf("AppendEmail: %v", err)
		}
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	idx.Close()
	c.Close()
}

func TestVerifyReportsCleanArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.dat")
	seedArchive(t, path)

	v, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer v.Close()

	report, err := v.Verify(context.Background())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !report.HeaderOK || !report.HashChainOK {
		t.Fatalf("expected a clean archive, got %+v", report)
	}
	if report.ChecksumFailCount != 0 {
		t.Fatalf("expected zero checksum failures, got %d", report.ChecksumFailCount)
	}
	if report.ChecksumPassCount == 0 {
		t.Fatalf("expected at least one passing block")
	}
}

func TestSearchFindsMatchingEnvelope(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.dat")
	seedArchive(t, path)

	v, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer v.Close()

	hits, err := v.Search(context.Background(), Criteria{Query: "revenue"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected exactly one hit for %q, got %d", "revenue", len(hits))
	}
	if hits[0].Metadata.From != "alice@example.com" {
		t.Fatalf("From = %q", hits[0].Metadata.From)
	}
}

func TestSearchFiltersByDateRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.dat")
	seedArchive(t, path)

	v, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer v.Close()

	hits, err := v.Search(context.Background(), Criteria{
		DateFrom: time.Date(2026, time.January, 2, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Metadata.Subject != "Lunch Plans" {
		t.Fatalf("expected only the later email, got %+v", hits)
	}
}

func TestExistenceProofForEmailBatchBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.dat")
	seedArchive(t, path)

	v, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer v.Close()

	var emailBatchID int64
	for _, id := range v.container.BlockIDs() {
		blk, err := v.container.Read(context.Background(), id)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if blk.Header.Type == block.TypeEmailBatch {
			emailBatchID = id
			break
		}
	}
	if emailBatchID == 0 {
		t.Fatalf("expected at least one EmailBatch block")
	}

	proof, err := v.ExistenceProof(context.Background(), emailBatchID)
	if err != nil {
		t.Fatalf("ExistenceProof: %v", err)
	}
	if proof.MerkleRoot == ([32]byte{}) {
		t.Fatalf("expected a non-zero merkle root")
	}
	if proof.Sequence == 0 {
		t.Fatalf("expected a non-zero sequence number")
	}
}

func TestExistenceProofUnknownBlockIsNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.dat")
	seedArchive(t, path)

	v, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer v.Close()

	if _, err := v.ExistenceProof(context.Background(), 999999); err == nil {
		t.Fatalf("expected an error for an unknown block id")
	}
}
