// Package maintenance implements the offline compaction pass (spec §4.9):
// building the superseded-block set, validating every deletion candidate
// against three reference checks, enforcing a minimum age before a block
// becomes eligible, and the 7-step compaction procedure itself.
package maintenance

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chartly-labs/mailvault/internal/block"
	"github.com/chartly-labs/mailvault/internal/folder"
	"github.com/chartly-labs/mailvault/internal/index"
	"github.com/chartly-labs/mailvault/internal/keymanager"
	"github.com/chartly-labs/mailvault/pkg/verrors"
)

// Config holds the tunables spec §6 exposes for maintenance.
type Config struct {
	MinAgeHours              int // default 24
	BackupsToKeep            int // default 3
	KeyManagerVersionsToKeep int // default 5
}

// DefaultConfig returns spec §4.9/§6's stated defaults.
func DefaultConfig() Config {
	return Config{MinAgeHours: 24, BackupsToKeep: 3, KeyManagerVersionsToKeep: 5}
}

// Engine builds superseded sets and runs compaction. It is not itself a
// scheduler; spec §5's background maintenance loop is expected to call
// Compact on an interval (maintenance_interval) via whatever concurrency
// primitive the embedding engine uses.
type Engine struct {
	cfg Config

	mu        sync.Mutex
	firstSeen map[int64]time.Time // block_id -> when this Engine first observed it as a deletion candidate
}

// New returns an Engine configured with cfg.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg, firstSeen: make(map[int64]time.Time)}
}

type folderDocShape struct {
	EnvelopeBlockID int64 `json:"envelope_block_id"`
}

type folderEnvelopeDocShape struct {
	PreviousBlockID int64 `json:"previous_block_id"`
}

// BuildSupersededSet assembles the candidate-for-deletion block id set
// (spec §4.9): the union of C7's and Key Manager's explicit superseded
// lists (keeping the newest KeyManagerVersionsToKeep KeyManager blocks),
// plus an orphan scan over every block in the container that finds
// Folder/FolderEnvelope blocks no longer reachable from any folder's
// current head or from another live block's back-reference.
func (e *Engine) BuildSupersededSet(ctx context.Context, container *block.Container, folders *folder.Store, keys *keymanager.Manager) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, verrors.Wrap(err, verrors.Cancelled, "maintenance.build_superseded_set")
	}

	candidates := make(map[int64]bool)
	for _, id := range folders.SupersededIDs() {
		candidates[id] = true
	}

	keyIDs := keys.SupersededIDs() // oldest first, never includes the current block
	if keep := e.cfg.KeyManagerVersionsToKeep - 1; keep > 0 && len(keyIDs) > keep {
		for _, id := range keyIDs[:len(keyIDs)-keep] {
			candidates[id] = true
		}
	} else if e.cfg.KeyManagerVersionsToKeep <= 1 {
		for _, id := range keyIDs {
			candidates[id] = true
		}
	}

	live := make(map[int64]bool)
	for _, id := range folders.CurrentBlockIDs() {
		live[id] = true
	}

	allIDs := container.BlockIDs()
	folderTypeByID := make(map[int64]block.Type, len(allIDs))
	for _, id := range allIDs {
		blk, err := container.Read(ctx, id)
		if err != nil {
			continue // unreadable block is neither scannable nor a safe deletion candidate
		}
		folderTypeByID[id] = blk.Header.Type
		switch blk.Header.Type {
		case block.TypeFolder:
			var doc folderDocShape
			if json.Unmarshal(blk.Payload, &doc) == nil && doc.EnvelopeBlockID != 0 {
				live[doc.EnvelopeBlockID] = true
			}
		case block.TypeFolderEnvelope:
			var doc folderEnvelopeDocShape
			if json.Unmarshal(blk.Payload, &doc) == nil && doc.PreviousBlockID != 0 {
				live[doc.PreviousBlockID] = true
			}
		}
	}

	for id, typ := range folderTypeByID {
		if typ != block.TypeFolder && typ != block.TypeFolderEnvelope {
			continue
		}
		if !live[id] {
			candidates[id] = true
		}
	}

	e.mu.Lock()
	now := time.Now()
	out := make([]int64, 0, len(candidates))
	for id := range candidates {
		if _, ok := e.firstSeen[id]; !ok {
			e.firstSeen[id] = now
		}
		out = append(out, id)
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// eligible applies the safety margin: a candidate is deletable only once
// now-firstSeen (this Engine's proxy for superseded_at) is at least
// MinAgeHours old.
func (e *Engine) eligible(id int64, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.firstSeen[id]
	if !ok {
		return false
	}
	return now.Sub(t) >= time.Duration(e.cfg.MinAgeHours)*time.Hour
}

// Validate runs three reference checks against one candidate block id: no
// NSFolderBlock index value equals it, no NSCompoundKeyLoc index value
// points into it, and it is not one of the folder store's current head
// block ids (folders.CurrentBlockIDs). The previous_block_id fields inside
// live envelope blocks are not read by this check. A block failing any
// check is not deletable yet, regardless of age.
func (e *Engine) Validate(ctx context.Context, id int64, idx *index.Store, folders *folder.Store, container *block.Container) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, verrors.Wrap(err, verrors.Cancelled, "maintenance.validate")
	}
	referenced := false
	err := idx.IterateAll(index.NSFolderBlock, func(_, value []byte) (bool, error) {
		if len(value) == 8 && int64(binary.BigEndian.Uint64(value)) == id {
			referenced = true
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return false, err
	}
	if referenced {
		return false, nil
	}
	err = idx.IterateAll(index.NSCompoundKeyLoc, func(_, value []byte) (bool, error) {
		if len(value) == 16 && int64(binary.BigEndian.Uint64(value[0:8])) == id {
			referenced = true
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return false, err
	}
	if referenced {
		return false, nil
	}
	for _, liveID := range folders.CurrentBlockIDs() {
		if liveID == id {
			return false, nil
		}
	}
	return true, nil
}

// Report summarizes one Compact run.
type Report struct {
	BackupPath     string
	BlocksKept     int
	BlocksDeleted  int
	DeletedIDs     []int64
	RetainedBackup []string
}

// RescanFunc replays one additional secondary index's content from a
// freshly-compacted container, called during step 5 alongside this
// package's own folder-path rescan. The top-level engine wires the Index
// Coordinator's message/envelope/content-hash/full-text/metadata rebuild
// in as one of these, since that rebuild needs the coordinator and
// per-block decryption keys, both outside this package's scope.
type RescanFunc func(ctx context.Context, container *block.Container) error

// Compact runs the 7-step procedure from spec §4.9 against the container
// at path. container/idx/folders/keys stay open for the scan/build/
// validate phases; Container's own advisory file lock already gives
// Compact the exclusive access spec §5 requires for the whole operation.
// After Compact returns, callers must close and reopen container against
// the swapped-in file before resuming normal reads/writes, since its
// in-memory location map still describes the pre-compaction layout.
func Compact(ctx context.Context, eng *Engine, path string, container *block.Container, idx *index.Store, folders *folder.Store, keys *keymanager.Manager, extraRescans ...RescanFunc) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, verrors.Wrap(err, verrors.Cancelled, "maintenance.compact")
	}

	candidates, err := eng.BuildSupersededSet(ctx, container, folders, keys)
	if err != nil {
		return Report{}, err
	}
	now := time.Now()
	toDelete := make(map[int64]bool)
	for _, id := range candidates {
		if !eng.eligible(id, now) {
			continue
		}
		ok, err := eng.Validate(ctx, id, idx, folders, container)
		if err != nil {
			return Report{}, err
		}
		if ok {
			toDelete[id] = true
		}
	}

	// Step 2: backup.
	backupPath := fmt.Sprintf("%s.bak.%d", path, now.Unix())
	if err := copyFile(path, backupPath); err != nil {
		return Report{}, verrors.Wrap(err, verrors.Io, "maintenance.compact.backup")
	}

	// Step 3/4: stream the keep set, in ascending offset order, into a new
	// file, preserving block_ids.
	newPath := path + ".compact.tmp"
	newContainer, err := block.Open(newPath, block.OpenOptions{Create: true})
	if err != nil {
		return Report{}, err
	}
	keepIDs := orderedByOffset(container, toDelete)
	for _, id := range keepIDs {
		blk, err := container.Read(ctx, id)
		if err != nil {
			newContainer.Close()
			os.Remove(newPath)
			return Report{}, restoreOnFailure(path, backupPath, err)
		}
		if _, err := newContainer.Write(ctx, id, blk.Header, blk.Payload); err != nil {
			newContainer.Close()
			os.Remove(newPath)
			return Report{}, restoreOnFailure(path, backupPath, err)
		}
	}
	if err := newContainer.Close(); err != nil {
		os.Remove(newPath)
		return Report{}, restoreOnFailure(path, backupPath, err)
	}

	// Step 5: rebuild all indexes via a full scan of the new file.
	reopened, err := block.Open(newPath, block.OpenOptions{Create: false})
	if err != nil {
		os.Remove(newPath)
		return Report{}, restoreOnFailure(path, backupPath, err)
	}
	rebuildErr := index.RebuildAll(ctx, idx, func(ctx context.Context) error {
		if err := rescanIndexes(ctx, reopened, idx); err != nil {
			return err
		}
		for _, extra := range extraRescans {
			if err := extra(ctx, reopened); err != nil {
				return err
			}
		}
		return nil
	})
	reopened.Close()
	if rebuildErr != nil {
		os.Remove(newPath)
		return Report{}, restoreOnFailure(path, backupPath, rebuildErr)
	}

	// Step 6: atomic swap.
	if err := os.Rename(newPath, path); err != nil {
		os.Remove(newPath)
		return Report{}, restoreOnFailure(path, backupPath, err)
	}

	retained, err := pruneBackups(path, eng.cfg.BackupsToKeep)
	if err != nil {
		return Report{}, err
	}

	return Report{
		BackupPath:     backupPath,
		BlocksKept:     len(keepIDs),
		BlocksDeleted:  len(toDelete),
		DeletedIDs:     sortedKeys(toDelete),
		RetainedBackup: retained,
	}, nil
}

// restoreOnFailure implements step 7: on any failure after step 4 but
// before step 6, the partially written file is gone (callers already
// removed it) and the original is restored from the just-made backup.
func restoreOnFailure(path, backupPath string, cause error) error {
	if copyErr := copyFile(backupPath, path); copyErr != nil {
		return verrors.Wrap(fmt.Errorf("compaction failed (%v) and restore failed (%v)", cause, copyErr), verrors.Io, "maintenance.compact.restore")
	}
	return verrors.Wrap(cause, verrors.Io, "maintenance.compact")
}

func orderedByOffset(container *block.Container, exclude map[int64]bool) []int64 {
	type idOffset struct {
		id     int64
		offset int64
	}
	ids := container.BlockIDs()
	pairs := make([]idOffset, 0, len(ids))
	for _, id := range ids {
		if exclude[id] {
			continue
		}
		loc, err := container.Location(id)
		if err != nil {
			continue
		}
		pairs = append(pairs, idOffset{id, loc.Offset})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].offset < pairs[j].offset })
	out := make([]int64, len(pairs))
	for i, p := range pairs {
		out[i] = p.id
	}
	return out
}

// rescanIndexes replays a minimal subset of secondary indexes purely from
// folder-tree block content after compaction. The Index Coordinator's
// own message/envelope/content/full-text indexes are rebuilt by the
// embedding engine re-driving RecordBatch-equivalent logic over every
// EmailBatch block; that pass is out of this package's scope (it needs
// the coordinator and codec keys), so this function only restores the
// folder-path indexes C7 owns directly.
func rescanIndexes(ctx context.Context, container *block.Container, idx *index.Store) error {
	for _, id := range container.BlockIDs() {
		if err := ctx.Err(); err != nil {
			return err
		}
		blk, err := container.Read(ctx, id)
		if err != nil {
			continue
		}
		if blk.Header.Type != block.TypeFolder {
			continue
		}
		var doc struct {
			FolderID       int64  `json:"folder_id"`
			ParentFolderID int64  `json:"parent_folder_id"`
			Path           string `json:"path"`
		}
		if json.Unmarshal(blk.Payload, &doc) != nil {
			continue
		}
		be := func(v int64) []byte {
			b := make([]byte, 8)
			for i := 7; i >= 0; i-- {
				b[i] = byte(v)
				v >>= 8
			}
			return b
		}
		if err := idx.Put(index.NSFolderBlock, be(doc.FolderID), be(id)); err != nil {
			return err
		}
		if err := idx.Put(index.NSFolderParent, be(doc.FolderID), be(doc.ParentFolderID)); err != nil {
			return err
		}
		if err := idx.Put(index.NSFolderPath, []byte(doc.Path), be(doc.FolderID)); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// pruneBackups keeps the N most recent "<path>.bak.<unix>" files for
// path, deleting the rest (spec §4.9 step 6, default N=3).
func pruneBackups(path string, keep int) ([]string, error) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, verrors.Wrap(err, verrors.Io, "maintenance.prune_backups")
	}
	var backups []string
	prefix := base + ".bak."
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			backups = append(backups, filepath.Join(dir, e.Name()))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(backups)))
	if keep < 0 {
		keep = 0
	}
	if len(backups) <= keep {
		return backups, nil
	}
	for _, stale := range backups[keep:] {
		os.Remove(stale)
	}
	return backups[:keep], nil
}

func sortedKeys(m map[int64]bool) []int64 {
	out := make([]int64, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
