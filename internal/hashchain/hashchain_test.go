package hashchain

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/chartly-labs/mailvault/internal/block"
	"github.com/chartly-labs/mailvault/internal/ids"
)

func newTestChain(t *testing.T) (*Chain, *block.Container) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.dat")
	c, err := block.Open(path, block.OpenOptions{Create: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return New(c, ids.NewAllocator()), c
}

func TestAppendThenVerifyChainOK(t *testing.T) {
	chain, c := newTestChain(t)
	ctx := context.Background()

	for i, id := range []int64{1, 2, 3} {
		h := block.Header{Version: 1, Type: block.TypeEmailBatch, Timestamp: int64(1000 + i)}
		payload := []byte{byte(id)}
		if _, err := c.Write(ctx, id, h, payload); err != nil {
			t.Fatalf("Write(%d): %v", id, err)
		}
		if _, err := chain.Append(ctx, id, h, payload); err != nil {
			t.Fatalf("Append(%d): %v", id, err)
		}
	}

	res, err := chain.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !res.OK || len(res.BrokenChainPoints) != 0 {
		t.Fatalf("expected clean chain, got %+v", res)
	}
}

func TestVerifyBlockAcceptsUntamperedBlock(t *testing.T) {
	chain, c := newTestChain(t)
	ctx := context.Background()

	h := block.Header{Version: 1, Type: block.TypeEmailBatch}
	payload := []byte("original payload bytes here")
	if _, err := c.Write(ctx, 1, h, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := chain.Append(ctx, 1, h, payload); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := chain.VerifyBlock(ctx, 1); err != nil {
		t.Fatalf("VerifyBlock on untampered block: %v", err)
	}
}

func TestExportMerkleRootChangesWithContent(t *testing.T) {
	chain, c := newTestChain(t)
	ctx := context.Background()

	h := block.Header{Version: 1, Type: block.TypeEmailBatch}
	for _, id := range []int64{1, 2, 3} {
		payload := []byte{byte(id)}
		if _, err := c.Write(ctx, id, h, payload); err != nil {
			t.Fatalf("Write(%d): %v", id, err)
		}
		if _, err := chain.Append(ctx, id, h, payload); err != nil {
			t.Fatalf("Append(%d): %v", id, err)
		}
	}
	entries, root := chain.Export(nil, nil)
	if len(entries) != 3 {
		t.Fatalf("Export entries = %d, want 3", len(entries))
	}
	var zero [32]byte
	if root == zero {
		t.Fatalf("expected non-zero merkle root")
	}
}

func TestLoadFromContainerRebuildsChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.dat")
	c, err := block.Open(path, block.OpenOptions{Create: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	alloc := ids.NewAllocator()
	chain := New(c, alloc)
	ctx := context.Background()

	h := block.Header{Version: 1, Type: block.TypeEmailBatch}
	for _, id := range []int64{1, 2} {
		payload := []byte{byte(id)}
		if _, err := c.Write(ctx, id, h, payload); err != nil {
			t.Fatalf("Write(%d): %v", id, err)
		}
		if _, err := chain.Append(ctx, id, h, payload); err != nil {
			t.Fatalf("Append(%d): %v", id, err)
		}
	}
	c.Close()

	c2, err := block.Open(path, block.OpenOptions{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c2.Close()

	chain2 := New(c2, ids.NewAllocator())
	if err := chain2.LoadFromContainer(ctx); err != nil {
		t.Fatalf("LoadFromContainer: %v", err)
	}
	res, err := chain2.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected clean chain after reload, got %+v", res)
	}
}
