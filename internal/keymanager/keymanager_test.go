package keymanager

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/chartly-labs/mailvault/internal/block"
	"github.com/chartly-labs/mailvault/internal/ids"
)

func openTestContainer(t *testing.T) *block.Container {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.dat")
	c, err := block.Open(path, block.OpenOptions{Create: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestLockedManagerRejectsKeyOps(t *testing.T) {
	c := openTestContainer(t)
	m := New(c, ids.NewAllocator())
	if _, err := m.GenerateBlockKey(1, block.EncryptionAES256GCM, block.TypeEmailBatch); err == nil {
		t.Fatalf("expected AuthFailure while locked")
	}
}

func TestGenerateAndGetBlockKey(t *testing.T) {
	c := openTestContainer(t)
	m := New(c, ids.NewAllocator())
	if err := m.Unlock(context.Background(), []byte("master-key-material-32-bytes!!!"), 0); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	entry, err := m.GenerateBlockKey(10, block.EncryptionChaCha20Poly, block.TypeEmailBatch)
	if err != nil {
		t.Fatalf("GenerateBlockKey: %v", err)
	}
	got, err := m.GetBlockKey(10)
	if err != nil {
		t.Fatalf("GetBlockKey: %v", err)
	}
	if string(got.Key) != string(entry.Key) {
		t.Fatalf("key mismatch")
	}
}

func TestPersistAndUnlockRoundtrip(t *testing.T) {
	c := openTestContainer(t)
	alloc := ids.NewAllocator()
	master := []byte("master-key-material-32-bytes!!!")

	m := New(c, alloc)
	if err := m.Unlock(context.Background(), master, 0); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if _, err := m.GenerateBlockKey(5, block.EncryptionAES256GCM, block.TypeEmailBatch); err != nil {
		t.Fatalf("GenerateBlockKey: %v", err)
	}
	blockID, superseded, err := m.Persist(context.Background())
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if superseded != 0 {
		t.Fatalf("expected no superseded id on first persist, got %d", superseded)
	}

	m2 := New(c, ids.NewAllocator())
	if err := m2.Unlock(context.Background(), master, blockID); err != nil {
		t.Fatalf("Unlock from persisted block: %v", err)
	}
	entry, err := m2.GetBlockKey(5)
	if err != nil {
		t.Fatalf("GetBlockKey after reload: %v", err)
	}
	if len(entry.Key) != 32 {
		t.Fatalf("reloaded key length = %d, want 32", len(entry.Key))
	}
}

func TestUnlockWithWrongMasterKeyFailsClosed(t *testing.T) {
	c := openTestContainer(t)
	alloc := ids.NewAllocator()
	m := New(c, alloc)
	if err := m.Unlock(context.Background(), []byte("correct-master-key-32-bytes!!!!"), 0); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if _, err := m.GenerateBlockKey(1, block.EncryptionAES256GCM, block.TypeEmailBatch); err != nil {
		t.Fatalf("GenerateBlockKey: %v", err)
	}
	blockID, _, err := m.Persist(context.Background())
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}

	m2 := New(c, ids.NewAllocator())
	if err := m2.Unlock(context.Background(), []byte("wrong-master-key-material-32by!"), blockID); err == nil {
		t.Fatalf("expected AuthFailure unlocking with wrong master key")
	}
}

func TestLockZeroizesKeys(t *testing.T) {
	c := openTestContainer(t)
	m := New(c, ids.NewAllocator())
	if err := m.Unlock(context.Background(), []byte("master-key-material-32-bytes!!!"), 0); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if _, err := m.GenerateBlockKey(1, block.EncryptionAES256GCM, block.TypeEmailBatch); err != nil {
		t.Fatalf("GenerateBlockKey: %v", err)
	}
	m.Lock()
	if _, err := m.GetBlockKey(1); err == nil {
		t.Fatalf("expected AuthFailure after Lock")
	}
}
