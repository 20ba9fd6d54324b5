package index

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/chartly-labs/mailvault/pkg/verrors"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "archive.dat.idx")
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundtrip(t *testing.T) {
	s := openTestStore(t)
	if err := s.Put(NSMessageID, []byte("msg-1"), []byte("loc-a")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, err := s.Get(NSMessageID, []byte("msg-1"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(v) != "loc-a" {
		t.Fatalf("Get = %q, want loc-a", v)
	}
}

func TestGetMissingIsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(NSMessageID, []byte("absent"))
	if !verrors.Is(err, verrors.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestNamespacesDoNotCollide(t *testing.T) {
	s := openTestStore(t)
	if err := s.Put(NSMessageID, []byte("k"), []byte("from-message-id")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(NSEnvelopeHash, []byte("k"), []byte("from-envelope-hash")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v1, err := s.Get(NSMessageID, []byte("k"))
	if err != nil {
		t.Fatalf("Get NSMessageID: %v", err)
	}
	v2, err := s.Get(NSEnvelopeHash, []byte("k"))
	if err != nil {
		t.Fatalf("Get NSEnvelopeHash: %v", err)
	}
	if string(v1) == string(v2) {
		t.Fatalf("expected distinct values per namespace, got %q == %q", v1, v2)
	}
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)
	if err := s.Put(NSContentHash, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete(NSContentHash, []byte("k")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok, err := s.Has(NSContentHash, []byte("k")); err != nil || ok {
		t.Fatalf("Has after delete = (%v, %v), want (false, nil)", ok, err)
	}
	if err := s.Delete(NSContentHash, []byte("never-existed")); err != nil {
		t.Fatalf("Delete of absent key should not error: %v", err)
	}
}

func TestIteratePrefixOrderAndBounds(t *testing.T) {
	s := openTestStore(t)
	words := []string{"apple", "app", "banana", "apricot"}
	for _, w := range words {
		if err := s.Put(NSFullText, []byte(w), []byte{1}); err != nil {
			t.Fatalf("Put(%s): %v", w, err)
		}
	}

	var got []string
	err := s.IteratePrefix(NSFullText, []byte("ap"), func(key, value []byte) (bool, error) {
		got = append(got, string(key))
		return true, nil
	})
	if err != nil {
		t.Fatalf("IteratePrefix: %v", err)
	}
	want := []string{"app", "apple", "apricot"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got[%d] = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestBatchCommitIsAtomicView(t *testing.T) {
	s := openTestStore(t)
	b := s.NewBatch()
	if err := b.Put(NSEnvelopeMeta, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("batch Put: %v", err)
	}
	if err := b.Put(NSEnvelopeMeta, []byte("b"), []byte("2")); err != nil {
		t.Fatalf("batch Put: %v", err)
	}
	if err := b.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	va, err := s.Get(NSEnvelopeMeta, []byte("a"))
	if err != nil || string(va) != "1" {
		t.Fatalf("Get a = (%q, %v)", va, err)
	}
	vb, err := s.Get(NSEnvelopeMeta, []byte("b"))
	if err != nil || string(vb) != "2" {
		t.Fatalf("Get b = (%q, %v)", vb, err)
	}
}

func TestRebuildAllResetsThenReplays(t *testing.T) {
	s := openTestStore(t)
	if err := s.Put(NSMessageID, []byte("stale"), []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	replayed := false
	err := RebuildAll(context.Background(), s, func(ctx context.Context) error {
		replayed = true
		return s.Put(NSMessageID, []byte("fresh"), []byte("y"))
	})
	if err != nil {
		t.Fatalf("RebuildAll: %v", err)
	}
	if !replayed {
		t.Fatalf("rebuild callback was not invoked")
	}
	if _, err := s.Get(NSMessageID, []byte("stale")); !verrors.Is(err, verrors.NotFound) {
		t.Fatalf("stale key should have been wiped by Reset, got %v", err)
	}
	if v, err := s.Get(NSMessageID, []byte("fresh")); err != nil || string(v) != "y" {
		t.Fatalf("Get fresh = (%q, %v)", v, err)
	}
}
