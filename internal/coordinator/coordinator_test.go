package coordinator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/chartly-labs/mailvault/internal/email"
	"github.com/chartly-labs/mailvault/internal/index"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	idx, err := index.Open(filepath.Join(t.TempDir(), "idx"))
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return New(idx)
}

func TestRecordBatchThenLookupEnvelopeHash(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	env := email.Envelope{MessageID: "m1@x", Subject: "project update", From: "a@x", To: "b@x", Date: time.Unix(1000, 0)}
	h := email.EnvelopeHash(env)
	entry := email.IndexEntry{LocalID: 0, MessageID: env.MessageID, EnvelopeHash: h, ContentHash: email.ContentHash([]byte("body")), Envelope: env, BodyText: "quarterly numbers look great"}

	if err := c.RecordBatch(ctx, 7, []email.IndexEntry{entry}); err != nil {
		t.Fatalf("RecordBatch: %v", err)
	}

	key, found, err := c.LookupEnvelopeHash(ctx, h)
	if err != nil {
		t.Fatalf("LookupEnvelopeHash: %v", err)
	}
	if !found || key != "7:0" {
		t.Fatalf("LookupEnvelopeHash = (%q, %v), want (7:0, true)", key, found)
	}

	loc, err := c.LookupLocation(ctx, key)
	if err != nil {
		t.Fatalf("LookupLocation: %v", err)
	}
	if loc.BlockID != 7 || loc.LocalID != 0 {
		t.Fatalf("LookupLocation = %+v, want {7 0}", loc)
	}

	meta, err := c.LookupMetadata(ctx, key)
	if err != nil {
		t.Fatalf("LookupMetadata: %v", err)
	}
	if meta.Subject != "project update" {
		t.Fatalf("meta.Subject = %q", meta.Subject)
	}
}

func TestSearchIntersectsMultiWordQueries(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	mk := func(id int64, subject, body string) email.IndexEntry {
		env := email.Envelope{MessageID: string(rune('a' + id)), Subject: subject, Date: time.Unix(id, 0)}
		return email.IndexEntry{LocalID: id, MessageID: env.MessageID, EnvelopeHash: email.EnvelopeHash(env), ContentHash: email.ContentHash([]byte(body)), Envelope: env, BodyText: body}
	}
	entries := []email.IndexEntry{
		mk(0, "quarterly report", "revenue numbers attached"),
		mk(1, "lunch plans", "sandwich shop at noon"),
		mk(2, "quarterly numbers", "revenue and headcount summary"),
	}
	if err := c.RecordBatch(ctx, 1, entries); err != nil {
		t.Fatalf("RecordBatch: %v", err)
	}

	results, err := c.Search(ctx, "quarterly revenue")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2: %+v", len(results), results)
	}
	keys := map[string]bool{results[0].CompoundKey: true, results[1].CompoundKey: true}
	if !keys["1:0"] || !keys["1:2"] {
		t.Fatalf("unexpected result keys: %+v", results)
	}
}

func TestTokenizeDropsShortTokensAndPunctuation(t *testing.T) {
	got := Tokenize("Hi, a cat sat on the mat!")
	want := []string{"cat", "sat", "the", "mat"}
	if len(got) != len(want) {
		t.Fatalf("Tokenize = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Tokenize[%d] = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestTransactionRollbackRunsInReverse(t *testing.T) {
	tx := NewTransaction()
	var order []int
	tx.Record(func(ctx context.Context) error { order = append(order, 1); return nil })
	tx.Record(func(ctx context.Context) error { order = append(order, 2); return nil })
	tx.Record(func(ctx context.Context) error { order = append(order, 3); return nil })

	if err := tx.Rollback(context.Background()); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if len(order) != 3 || order[0] != 3 || order[1] != 2 || order[2] != 1 {
		t.Fatalf("rollback order = %v, want [3 2 1]", order)
	}
}

func TestTransactionCommitSkipsRollback(t *testing.T) {
	tx := NewTransaction()
	ran := false
	tx.Record(func(ctx context.Context) error { ran = true; return nil })
	tx.Commit()
	if err := tx.Rollback(context.Background()); err != nil {
		t.Fatalf("Rollback after Commit: %v", err)
	}
	if ran {
		t.Fatalf("rollback action ran after Commit")
	}
}
