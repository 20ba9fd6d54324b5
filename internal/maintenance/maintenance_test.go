package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chartly-labs/mailvault/internal/block"
	"github.com/chartly-labs/mailvault/internal/folder"
	"github.com/chartly-labs/mailvault/internal/hashchain"
	"github.com/chartly-labs/mailvault/internal/ids"
	"github.com/chartly-labs/mailvault/internal/index"
	"github.com/chartly-labs/mailvault/internal/keymanager"
)

type testFixture struct {
	path      string
	container *block.Container
	idx       *index.Store
	alloc     *ids.Allocator
	keys      *keymanager.Manager
	chain     *hashchain.Chain
	folders   *folder.Store
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.dat")
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
	if err := km.Unlock(context.Background(), []byte("master-key-material-32-bytes!!!"), 0); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	chain := hashchain.New(c, alloc)
	folders := folder.NewStore(c, alloc, idx, km, chain, block.EncryptionAES256GCM)
	return &testFixture{path: path, container: c, idx: idx, alloc: alloc, keys: km, chain: chain, folders: folders}
}

func (f *testFixture) close() {
	f.idx.Close()
	f.container.Close()
}

func TestBuildSupersededSetIncludesRenamedFolderHistory(t *testing.T) {
	f := newFixture(t)
	defer f.close()
	ctx := context.Background()

	folderA, err := f.folders.Create(ctx, `A`)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.folders.Rename(ctx, folderA.FolderID, "Renamed"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	eng := New(DefaultConfig())
	superseded, err := eng.BuildSupersededSet(ctx, f.container, f.folders, f.keys)
	if err != nil {
		t.Fatalf("BuildSupersededSet: %v", err)
	}
	if len(superseded) == 0 {
		t.Fatalf("expected at least one superseded block after a rename, got none")
	}
}

func TestEligibleRespectsMinAge(t *testing.T) {
	f := newFixture(t)
	defer f.close()
	ctx := context.Background()

	folderA, err := f.folders.Create(ctx, `A`)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.folders.Rename(ctx, folderA.FolderID, "Renamed"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	eng := New(Config{MinAgeHours: 24, BackupsToKeep: 3, KeyManagerVersionsToKeep: 5})
	superseded, err := eng.BuildSupersededSet(ctx, f.container, f.folders, f.keys)
	if err != nil {
		t.Fatalf("BuildSupersededSet: %v", err)
	}
	if len(superseded) == 0 {
		t.Fatalf("expected superseded blocks")
	}
	if eng.eligible(superseded[0], time.Now()) {
		t.Fatalf("a just-observed candidate must not be eligible before MinAgeHours elapses")
	}
}

func TestCompactPreservesLiveDataAndShrinksFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	folderA, err := f.folders.Create(ctx, `A`)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := 0; i < 5; i++ {
		newName := "A" + string(rune('0'+i))
		if err := f.folders.Rename(ctx, folderA.FolderID, newName); err != nil {
			t.Fatalf("Rename %d: %v", i, err)
		}
	}

	sizeBeforeCompaction := f.container.Size()
	f.close()

	// Reopen read/write to run compaction against the same path.
	c2, err := block.Open(f.path, block.OpenOptions{Create: false})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	idx2, err := index.Open(f.path + ".idx")
	if err != nil {
		t.Fatalf("reopen idx: %v", err)
	}
	defer idx2.Close()
	defer c2.Close()

	alloc2 := ids.NewAllocator()
	km2 := keymanager.New(c2, alloc2)
	if err := km2.Unlock(ctx, []byte("master-key-material-32-bytes!!!"), 0); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	chain2 := hashchain.New(c2, alloc2)
	folders2 := folder.NewStore(c2, alloc2, idx2, km2, chain2, block.EncryptionAES256GCM)

	eng := New(Config{MinAgeHours: 0, BackupsToKeep: 2, KeyManagerVersionsToKeep: 5})
	report, err := Compact(ctx, eng, f.path, c2, idx2, folders2, km2)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if report.BlocksDeleted == 0 {
		t.Fatalf("expected compaction to delete at least one stale Folder/FolderEnvelope block")
	}
	if _, err := os.Stat(report.BackupPath); err != nil {
		t.Fatalf("expected backup file at %s: %v", report.BackupPath, err)
	}

	info, err := os.Stat(f.path)
	if err != nil {
		t.Fatalf("stat compacted file: %v", err)
	}
	if info.Size() >= sizeBeforeCompaction {
		t.Fatalf("compacted file size %d should be smaller than pre-compaction size %d", info.Size(), sizeBeforeCompaction)
	}
}
