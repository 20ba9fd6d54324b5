package folder

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/chartly-labs/mailvault/internal/block"
	"github.com/chartly-labs/mailvault/internal/hashchain"
	"github.com/chartly-labs/mailvault/internal/ids"
	"github.com/chartly-labs/mailvault/internal/index"
	"github.com/chartly-labs/mailvault/internal/keymanager"
	"github.com/chartly-labs/mailvault/pkg/verrors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.dat")
	c, err := block.Open(path, block.OpenOptions{Create: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	idx, err := index.Open(path + ".idx")
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	alloc := ids.NewAllocator()
	km := keymanager.New(c, alloc)
	if err := km.Unlock(context.Background(), []byte("master-key-material-32-bytes!!!"), 0); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	chain := hashchain.New(c, alloc)
	return NewStore(c, alloc, idx, km, chain, block.EncryptionAES256GCM)
}

func TestValidatePathRejectsForbidden(t *testing.T) {
	cases := []string{`A\`, `A\\B`, `A<B`, `A>B`, `A:B`, `A"B`, `A|B`, `A?B`, `A*B`}
	for _, c := range cases {
		if err := ValidatePath(c); err == nil {
			t.Fatalf("ValidatePath(%q) should have failed", c)
		}
	}
	if err := ValidatePath(`A\B\C`); err != nil {
		t.Fatalf("ValidatePath(A\\B\\C) should succeed, got %v", err)
	}
}

func TestCreateRequiresParent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Create(ctx, `A\B`); !verrors.Is(err, verrors.NotFound) {
		t.Fatalf("expected NotFound for missing parent, got %v", err)
	}
	if _, err := s.Create(ctx, `A`); err != nil {
		t.Fatalf("Create(A): %v", err)
	}
	if _, err := s.Create(ctx, `A\B`); err != nil {
		t.Fatalf("Create(A\\B): %v", err)
	}
}

func TestMoveEmailBetweenFolders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, `A`); err != nil {
		t.Fatalf("Create A: %v", err)
	}
	ab, err := s.Create(ctx, `A\B`)
	if err != nil {
		t.Fatalf("Create A\\B: %v", err)
	}
	ac, err := s.Create(ctx, `A\C`)
	if err != nil {
		t.Fatalf("Create A\\C: %v", err)
	}

	env := EmailEnvelope{Subject: "hi", CompoundID: "1:0"}
	if err := s.AddEmail(ctx, ab.FolderID, env); err != nil {
		t.Fatalf("AddEmail: %v", err)
	}

	preMoveVersion := ab.Version

	if err := s.MoveEmail(ctx, "1:0", ab.FolderID, ac.FolderID); err != nil {
		t.Fatalf("MoveEmail: %v", err)
	}

	bEnvs, err := s.ListEnvelopes(ab.FolderID)
	if err != nil {
		t.Fatalf("ListEnvelopes(B): %v", err)
	}
	if len(bEnvs) != 0 {
		t.Fatalf("expected B empty after move, got %v", bEnvs)
	}
	cEnvs, err := s.ListEnvelopes(ac.FolderID)
	if err != nil {
		t.Fatalf("ListEnvelopes(C): %v", err)
	}
	if len(cEnvs) != 1 || cEnvs[0].CompoundID != "1:0" {
		t.Fatalf("expected C to contain the moved email, got %v", cEnvs)
	}
	if ab.Version <= preMoveVersion {
		t.Fatalf("expected B's version to increase after move, got %d -> %d", preMoveVersion, ab.Version)
	}
}

func TestMoveRejectsCycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.Create(ctx, `A`)
	if err != nil {
		t.Fatalf("Create A: %v", err)
	}
	ab, err := s.Create(ctx, `A\B`)
	if err != nil {
		t.Fatalf("Create A\\B: %v", err)
	}
	if err := s.Move(ctx, a.FolderID, ab.FolderID); err == nil {
		t.Fatalf("expected cycle rejection moving A under its own child B")
	}
}

func TestDeleteRequiresRecursiveForNonEmptyFolder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.Create(ctx, `A`)
	if err != nil {
		t.Fatalf("Create A: %v", err)
	}
	if _, err := s.Create(ctx, `A\B`); err != nil {
		t.Fatalf("Create A\\B: %v", err)
	}
	if err := s.Delete(ctx, a.FolderID, false); err == nil {
		t.Fatalf("expected non-recursive delete of non-empty folder to fail")
	}
	if err := s.Delete(ctx, a.FolderID, true); err != nil {
		t.Fatalf("recursive delete: %v", err)
	}
}
