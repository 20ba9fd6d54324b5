// Package folder implements the folder tree and per-folder envelope
// snapshots (spec §4.7). Folders are create-only: every mutation writes a
// fresh Folder block and a fresh FolderEnvelope block, and a fresh
// FolderTree block whenever the path→folder_id mapping itself changes.
package folder

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/chartly-labs/mailvault/internal/block"
	"github.com/chartly-labs/mailvault/internal/codec"
	"github.com/chartly-labs/mailvault/internal/hashchain"
	"github.com/chartly-labs/mailvault/internal/ids"
	"github.com/chartly-labs/mailvault/internal/index"
	"github.com/chartly-labs/mailvault/internal/keymanager"
	"github.com/chartly-labs/mailvault/pkg/verrors"
)

const separator = `\`

// forbiddenChars is the closed invalid-character set from spec §8 invariant 7.
const forbiddenChars = `<>:"|?*`

// ValidatePath enforces spec §8 invariant 7: no trailing separator, no
// doubled separator, no character from the forbidden set.
func ValidatePath(path string) error {
	if path == "" {
		return nil // root
	}
	if strings.HasSuffix(path, separator) {
		return verrors.New(verrors.InvalidArgument, "folder.validate_path", "path must not end with separator")
	}
	if strings.Contains(path, separator+separator) {
		return verrors.New(verrors.InvalidArgument, "folder.validate_path", "path must not contain a doubled separator")
	}
	if strings.ContainsAny(path, forbiddenChars) {
		return verrors.New(verrors.InvalidArgument, "folder.validate_path", "path contains a forbidden character")
	}
	return nil
}

func parentPath(path string) string {
	i := strings.LastIndex(path, separator)
	if i < 0 {
		return ""
	}
	return path[:i]
}

func leafName(path string) string {
	i := strings.LastIndex(path, separator)
	if i < 0 {
		return path
	}
	return path[i+1:]
}

// Folder is the in-memory view of one folder's logical state.
type Folder struct {
	FolderID        int64
	ParentFolderID  int64
	Path            string
	EmailIDs        []string
	EnvelopeBlockID int64
	Version         int64
	LastModified    time.Time

	folderBlockID int64 // latest persisted Folder block id
}

// EmailEnvelope is the compact per-email header snapshot stored in a
// FolderEnvelope block.
type EmailEnvelope struct {
	Subject        string    `json:"subject"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	Date           time.Time `json:"date"`
	Size           int64     `json:"size"`
	HasAttachments bool      `json:"has_attachments"`
	EnvelopeHash   [32]byte  `json:"envelope_hash"`
	CompoundID     string    `json:"compound_id"`
}

// folderTreeDoc is the FolderTree block's JSON payload shape.
type folderTreeDoc struct {
	RootFolderID       int64            `json:"root_folder_id"`
	PathToFolderID     map[string]int64 `json:"path_to_folder_id"`
	FolderIDToBlockID  map[int64]int64  `json:"folder_id_to_block_id"`
	FolderIDToParentID map[int64]int64  `json:"folder_id_to_parent_id"`
}

// folderDoc/folderEnvelopeDoc are the JSON payload shapes of Folder and
// FolderEnvelope blocks.
type folderDoc struct {
	FolderID        int64    `json:"folder_id"`
	ParentFolderID  int64    `json:"parent_folder_id"`
	Path            string   `json:"path"`
	EmailIDs        []string `json:"email_ids"`
	EnvelopeBlockID int64    `json:"envelope_block_id"`
	Version         int64    `json:"version"`
	LastModified    int64    `json:"last_modified"`
}

type folderEnvelopeDoc struct {
	FolderPath      string          `json:"folder_path"`
	Version         int64           `json:"version"`
	PreviousBlockID int64           `json:"previous_block_id"`
	Envelopes       []EmailEnvelope `json:"envelopes"`
}

// Store owns the folder tree, all folder snapshots, and all envelope
// snapshots. It keeps an authoritative in-memory mirror (folders keyed by
// id, path keyed by string) that is rebuilt from the container/index on
// open and kept in lockstep with every mutation.
type Store struct {
	container *block.Container
	alloc     *ids.Allocator
	idx       *index.Store
	keys      *keymanager.Manager
	chain     *hashchain.Chain

	encryption block.EncryptionAlgo

	mu             sync.Mutex
	folders        map[int64]*Folder
	envelopes      map[int64][]EmailEnvelope
	pathToID       map[string]int64
	nextFolderID   int64
	treeBlockID    int64
	superseded     []int64 // old Folder/FolderEnvelope/FolderTree block ids
}

// NewStore returns a Store seeded with just the root folder (id 0, path "").
func NewStore(container *block.Container, alloc *ids.Allocator, idx *index.Store, keys *keymanager.Manager, chain *hashchain.Chain, encryption block.EncryptionAlgo) *Store {
	s := &Store{
		container:  container,
		alloc:      alloc,
		idx:        idx,
		keys:       keys,
		chain:      chain,
		encryption: encryption,
		folders:    make(map[int64]*Folder),
		envelopes:  make(map[int64][]EmailEnvelope),
		pathToID:   make(map[string]int64),
	}
	root := &Folder{FolderID: 0, ParentFolderID: -1, Path: "", LastModified: time.Now()}
	s.folders[0] = root
	s.pathToID[""] = 0
	s.nextFolderID = 1
	return s
}

// SupersededIDs returns every Folder/FolderEnvelope/FolderTree block id
// superseded so far, for the maintenance engine.
func (s *Store) SupersededIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.superseded))
	copy(out, s.superseded)
	return out
}

// CurrentBlockIDs returns every block id presently "live" from the folder
// tree's point of view: each folder's latest Folder block, its latest
// FolderEnvelope block, and the latest FolderTree block. The maintenance
// engine's orphan scan (spec §4.9) seeds its live set with these before
// walking envelope_block_id/previous_block_id references found elsewhere
// in the file, so a folder's own current head blocks are never mistaken
// for orphans just because nothing else points at them yet.
func (s *Store) CurrentBlockIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.folders)*2+1)
	for _, f := range s.folders {
		if f.folderBlockID != 0 {
			out = append(out, f.folderBlockID)
		}
		if f.EnvelopeBlockID != 0 {
			out = append(out, f.EnvelopeBlockID)
		}
	}
	if s.treeBlockID != 0 {
		out = append(out, s.treeBlockID)
	}
	return out
}

// LoadFromContainer rebuilds the in-memory folder tree from the latest
// FolderTree block already present, reading each referenced Folder and
// FolderEnvelope block in turn. Called once at engine open, after the key
// manager is unlocked; a brand new container (no FolderTree block yet)
// leaves the freshly-constructed root-only state from NewStore untouched.
func (s *Store) LoadFromContainer(ctx context.Context) error {
	var latestTreeID int64
	var latestTimestamp int64
	for _, id := range s.container.BlockIDs() {
		blk, err := s.container.Read(ctx, id)
		if err != nil {
			return err
		}
		if blk.Header.Type != block.TypeFolderTree {
			continue
		}
		if latestTreeID == 0 || blk.Header.Timestamp > latestTimestamp {
			latestTreeID = id
			latestTimestamp = blk.Header.Timestamp
		}
	}
	if latestTreeID == 0 {
		return nil
	}

	var treeDoc folderTreeDoc
	if err := s.readJSONBlock(ctx, latestTreeID, &treeDoc); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	folders := make(map[int64]*Folder, len(treeDoc.FolderIDToBlockID))
	envelopes := make(map[int64][]EmailEnvelope, len(treeDoc.FolderIDToBlockID))
	var maxFolderID int64
	for folderID, folderBlockID := range treeDoc.FolderIDToBlockID {
		if folderBlockID == 0 {
			// The root folder is only ever given a Folder block once it is
			// itself mutated; until then it keeps NewStore's default.
			folders[folderID] = &Folder{FolderID: folderID, ParentFolderID: -1, LastModified: time.Now()}
			continue
		}
		var doc folderDoc
		if err := s.readJSONBlock(ctx, folderBlockID, &doc); err != nil {
			return err
		}
		f := &Folder{
			FolderID:        doc.FolderID,
			ParentFolderID:  doc.ParentFolderID,
			Path:            doc.Path,
			EmailIDs:        doc.EmailIDs,
			EnvelopeBlockID: doc.EnvelopeBlockID,
			Version:         doc.Version,
			LastModified:    time.Unix(doc.LastModified, 0),
			folderBlockID:   folderBlockID,
		}
		folders[folderID] = f
		if f.FolderID > maxFolderID {
			maxFolderID = f.FolderID
		}
		if doc.EnvelopeBlockID != 0 {
			var envDoc folderEnvelopeDoc
			if err := s.readJSONBlock(ctx, doc.EnvelopeBlockID, &envDoc); err != nil {
				return err
			}
			envelopes[folderID] = envDoc.Envelopes
		}
	}

	pathToID := make(map[string]int64, len(treeDoc.PathToFolderID))
	for p, id := range treeDoc.PathToFolderID {
		pathToID[p] = id
	}
	if _, ok := folders[0]; !ok {
		folders[0] = &Folder{FolderID: 0, ParentFolderID: -1, LastModified: time.Now()}
	}
	if _, ok := pathToID[""]; !ok {
		pathToID[""] = 0
	}

	s.folders = folders
	s.envelopes = envelopes
	s.pathToID = pathToID
	s.treeBlockID = latestTreeID
	s.nextFolderID = maxFolderID + 1
	return nil
}

// readJSONBlock reads, decrypts, and JSON-decodes blockID's payload into
// out. Like writeJSONBlock it takes no lock itself; LoadFromContainer
// calls it before s.mu is held (callers reading blocks referenced by ids
// not yet in s.folders) as well as after.
func (s *Store) readJSONBlock(ctx context.Context, blockID int64, out any) error {
	blk, err := s.container.Read(ctx, blockID)
	if err != nil {
		return err
	}
	keyEntry, err := s.keys.GetBlockKey(blockID)
	if err != nil {
		return err
	}
	compression, encryption, _ := block.UnpackFlags(blk.Header.Flags)
	plain, err := codec.Decode(compression, encryption, keyEntry.Key, keyEntry.Salt, blockID, blk.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(plain, out)
}

// FolderIDForPath returns the folder id stored at path, if any. Used by
// the top-level engine to resolve an operator-supplied folder path into
// the id AddEmail/MoveEmail/Delete expect.
func (s *Store) FolderIDForPath(path string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.pathToID[path]
	return id, ok
}

// Create adds a new folder at path, whose parent path must already exist.
func (s *Store) Create(ctx context.Context, path string) (*Folder, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pathToID[path]; exists {
		return nil, verrors.New(verrors.InvalidArgument, "folder.create", "path already exists")
	}
	parentID, ok := s.pathToID[parentPath(path)]
	if !ok {
		return nil, verrors.New(verrors.NotFound, "folder.create", "parent path does not exist")
	}

	id := s.nextFolderID
	s.nextFolderID++
	f := &Folder{FolderID: id, ParentFolderID: parentID, Path: path, LastModified: time.Now()}
	s.folders[id] = f
	s.pathToID[path] = id

	if err := s.persistFolderLocked(ctx, f, nil); err != nil {
		return nil, err
	}
	if err := s.persistTreeLocked(ctx); err != nil {
		return nil, err
	}
	return f, nil
}

// Delete removes a folder. If recursive is false, the folder must have no
// subfolders.
func (s *Store) Delete(ctx context.Context, folderID int64, recursive bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.folders[folderID]
	if !ok {
		return verrors.New(verrors.NotFound, "folder.delete", "folder_id not present")
	}
	children := s.childrenLocked(folderID)
	if len(children) > 0 && !recursive {
		return verrors.New(verrors.InvalidArgument, "folder.delete", "folder has subfolders; recursive required")
	}
	for _, child := range children {
		if err := s.deleteLocked(ctx, child.FolderID); err != nil {
			return err
		}
	}
	if err := s.deleteLocked(ctx, f.FolderID); err != nil {
		return err
	}
	return s.persistTreeLocked(ctx)
}

func (s *Store) deleteLocked(ctx context.Context, folderID int64) error {
	f := s.folders[folderID]
	if f == nil {
		return nil
	}
	delete(s.folders, folderID)
	delete(s.pathToID, f.Path)
	delete(s.envelopes, folderID)
	if f.folderBlockID != 0 {
		s.superseded = append(s.superseded, f.folderBlockID)
	}
	if f.EnvelopeBlockID != 0 {
		s.superseded = append(s.superseded, f.EnvelopeBlockID)
	}
	if err := s.idx.Delete(index.NSFolderPath, []byte(f.Path)); err != nil {
		return err
	}
	if err := s.idx.Delete(index.NSFolderParent, be64(folderID)); err != nil {
		return err
	}
	return s.idx.Delete(index.NSFolderBlock, be64(folderID))
}

func (s *Store) childrenLocked(folderID int64) []*Folder {
	var out []*Folder
	for _, f := range s.folders {
		if f.ParentFolderID == folderID {
			out = append(out, f)
		}
	}
	return out
}

// isAncestorLocked reports whether candidateAncestor appears among folderID's
// chain of parent pointers (used for move's cycle check).
func (s *Store) isAncestorLocked(candidateAncestor, folderID int64) bool {
	cur := folderID
	for {
		f, ok := s.folders[cur]
		if !ok || f.ParentFolderID < 0 {
			return false
		}
		if f.ParentFolderID == candidateAncestor {
			return true
		}
		cur = f.ParentFolderID
	}
}

// Move reparents folderID under newParentID, rejecting any move that would
// introduce a cycle (spec §8 invariant 8).
func (s *Store) Move(ctx context.Context, folderID, newParentID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.folders[folderID]
	if !ok {
		return verrors.New(verrors.NotFound, "folder.move", "folder_id not present")
	}
	if _, ok := s.folders[newParentID]; !ok {
		return verrors.New(verrors.NotFound, "folder.move", "new parent folder_id not present")
	}
	if newParentID == folderID || s.isAncestorLocked(folderID, newParentID) {
		return verrors.New(verrors.InvalidArgument, "folder.move", "move would create a cycle")
	}
	newParent := s.folders[newParentID]
	newPath := leafName(f.Path)
	if newParent.Path != "" {
		newPath = newParent.Path + separator + newPath
	}
	return s.relocateLocked(ctx, f, newParentID, newPath)
}

// Rename changes a folder's leaf path segment, keeping its parent.
func (s *Store) Rename(ctx context.Context, folderID int64, newLeafName string) error {
	if strings.ContainsAny(newLeafName, separator+forbiddenChars) {
		return verrors.New(verrors.InvalidArgument, "folder.rename", "leaf name contains a forbidden character or separator")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.folders[folderID]
	if !ok {
		return verrors.New(verrors.NotFound, "folder.rename", "folder_id not present")
	}
	newPath := newLeafName
	if pp := parentPath(f.Path); pp != "" {
		newPath = pp + separator + newLeafName
	}
	return s.relocateLocked(ctx, f, f.ParentFolderID, newPath)
}

// relocateLocked updates f's path/parent (and recursively, every
// descendant's path prefix), repersists f, and writes a fresh FolderTree.
func (s *Store) relocateLocked(ctx context.Context, f *Folder, newParentID int64, newPath string) error {
	if _, exists := s.pathToID[newPath]; exists {
		return verrors.New(verrors.InvalidArgument, "folder.relocate", "destination path already exists")
	}
	oldPath := f.Path
	delete(s.pathToID, oldPath)
	if err := s.idx.Delete(index.NSFolderPath, []byte(oldPath)); err != nil {
		return err
	}
	f.Path = newPath
	f.ParentFolderID = newParentID
	s.pathToID[newPath] = f.FolderID

	// Descendants keep their relative path under the moved subtree.
	for _, child := range s.folders {
		if child.FolderID == f.FolderID {
			continue
		}
		if child.Path == oldPath || strings.HasPrefix(child.Path, oldPath+separator) {
			oldChildPath := child.Path
			delete(s.pathToID, oldChildPath)
			if err := s.idx.Delete(index.NSFolderPath, []byte(oldChildPath)); err != nil {
				return err
			}
			child.Path = newPath + strings.TrimPrefix(child.Path, oldPath)
			s.pathToID[child.Path] = child.FolderID
			if err := s.idx.Put(index.NSFolderPath, []byte(child.Path), be64(child.FolderID)); err != nil {
				return err
			}
		}
	}

	if err := s.persistFolderLocked(ctx, f, s.envelopes[f.FolderID]); err != nil {
		return err
	}
	return s.persistTreeLocked(ctx)
}

// AddEmail appends a compound email id and its envelope to folderID,
// writing fresh Folder and FolderEnvelope blocks.
func (s *Store) AddEmail(ctx context.Context, folderID int64, env EmailEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.folders[folderID]
	if !ok {
		return verrors.New(verrors.NotFound, "folder.add_email", "folder_id not present")
	}
	f.EmailIDs = append(f.EmailIDs, env.CompoundID)
	envs := append(append([]EmailEnvelope(nil), s.envelopes[folderID]...), env)
	s.envelopes[folderID] = envs
	return s.persistFolderLocked(ctx, f, envs)
}

// RemoveEmail drops a compound email id and its envelope from folderID.
func (s *Store) RemoveEmail(ctx context.Context, folderID int64, compoundID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.folders[folderID]
	if !ok {
		return verrors.New(verrors.NotFound, "folder.remove_email", "folder_id not present")
	}
	f.EmailIDs = removeString(f.EmailIDs, compoundID)
	envs := removeEnvelope(s.envelopes[folderID], compoundID)
	s.envelopes[folderID] = envs
	return s.persistFolderLocked(ctx, f, envs)
}

// MoveEmail removes compoundID's envelope from fromFolderID and adds it
// (re-using the same envelope snapshot) to toFolderID.
func (s *Store) MoveEmail(ctx context.Context, compoundID string, fromFolderID, toFolderID int64) error {
	s.mu.Lock()
	from, ok := s.folders[fromFolderID]
	if !ok {
		s.mu.Unlock()
		return verrors.New(verrors.NotFound, "folder.move_email", "source folder_id not present")
	}
	if _, ok := s.folders[toFolderID]; !ok {
		s.mu.Unlock()
		return verrors.New(verrors.NotFound, "folder.move_email", "destination folder_id not present")
	}
	var moved EmailEnvelope
	found := false
	for _, e := range s.envelopes[fromFolderID] {
		if e.CompoundID == compoundID {
			moved = e
			found = true
			break
		}
	}
	if !found {
		s.mu.Unlock()
		return verrors.New(verrors.NotFound, "folder.move_email", "compound_id not present in source folder")
	}
	from.EmailIDs = removeString(from.EmailIDs, compoundID)
	s.envelopes[fromFolderID] = removeEnvelope(s.envelopes[fromFolderID], compoundID)
	if err := s.persistFolderLocked(ctx, from, s.envelopes[fromFolderID]); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.mu.Lock()
	to := s.folders[toFolderID]
	to.EmailIDs = append(to.EmailIDs, compoundID)
	envs := append(append([]EmailEnvelope(nil), s.envelopes[toFolderID]...), moved)
	s.envelopes[toFolderID] = envs
	err := s.persistFolderLocked(ctx, to, envs)
	s.mu.Unlock()
	return err
}

// ListSubfolders returns every folder whose parent is folderID.
func (s *Store) ListSubfolders(folderID int64) []*Folder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.childrenLocked(folderID)
}

// ListEnvelopes returns folderID's current envelope snapshot.
func (s *Store) ListEnvelopes(folderID int64) ([]EmailEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.folders[folderID]; !ok {
		return nil, verrors.New(verrors.NotFound, "folder.list_envelopes", "folder_id not present")
	}
	out := append([]EmailEnvelope(nil), s.envelopes[folderID]...)
	return out, nil
}

// persistFolderLocked writes a new Folder block and a new FolderEnvelope
// block for f, updating f.EnvelopeBlockID/folderBlockID and the
// folder_id→folder_block_id index entry. Must be called with s.mu held.
func (s *Store) persistFolderLocked(ctx context.Context, f *Folder, envelopes []EmailEnvelope) error {
	f.Version++
	f.LastModified = time.Now()

	prevEnvelopeBlockID := f.EnvelopeBlockID
	envBlockID := s.alloc.NextNormal()
	envDoc := folderEnvelopeDoc{FolderPath: f.Path, Version: f.Version, PreviousBlockID: prevEnvelopeBlockID, Envelopes: envelopes}
	envHeader, envWire, err := s.writeJSONBlock(ctx, envBlockID, block.TypeFolderEnvelope, envDoc)
	if err != nil {
		return err
	}
	if _, err := s.chain.Append(ctx, envBlockID, envHeader, envWire); err != nil {
		return err
	}
	if prevEnvelopeBlockID != 0 {
		s.superseded = append(s.superseded, prevEnvelopeBlockID)
	}
	f.EnvelopeBlockID = envBlockID

	prevFolderBlockID := f.folderBlockID
	folderBlockID := s.alloc.NextNormal()
	doc := folderDoc{
		FolderID:        f.FolderID,
		ParentFolderID:  f.ParentFolderID,
		Path:            f.Path,
		EmailIDs:        f.EmailIDs,
		EnvelopeBlockID: f.EnvelopeBlockID,
		Version:         f.Version,
		LastModified:    f.LastModified.Unix(),
	}
	folderHeader, folderWire, err := s.writeJSONBlock(ctx, folderBlockID, block.TypeFolder, doc)
	if err != nil {
		return err
	}
	if _, err := s.chain.Append(ctx, folderBlockID, folderHeader, folderWire); err != nil {
		return err
	}
	if prevFolderBlockID != 0 {
		s.superseded = append(s.superseded, prevFolderBlockID)
	}
	f.folderBlockID = folderBlockID

	if err := s.idx.Put(index.NSFolderBlock, be64(f.FolderID), be64(folderBlockID)); err != nil {
		return err
	}
	if err := s.idx.Put(index.NSFolderParent, be64(f.FolderID), be64(f.ParentFolderID)); err != nil {
		return err
	}
	return s.idx.Put(index.NSFolderPath, []byte(f.Path), be64(f.FolderID))
}

// persistTreeLocked writes a fresh FolderTree block capturing the current
// path→folder_id, folder_id→block_id and folder_id→parent_id mappings.
// Must be called with s.mu held.
func (s *Store) persistTreeLocked(ctx context.Context) error {
	doc := folderTreeDoc{
		RootFolderID:       0,
		PathToFolderID:     make(map[string]int64, len(s.pathToID)),
		FolderIDToBlockID:  make(map[int64]int64, len(s.folders)),
		FolderIDToParentID: make(map[int64]int64, len(s.folders)),
	}
	for p, id := range s.pathToID {
		doc.PathToFolderID[p] = id
	}
	for id, f := range s.folders {
		doc.FolderIDToBlockID[id] = f.folderBlockID
		doc.FolderIDToParentID[id] = f.ParentFolderID
	}

	blockID := s.alloc.NextNormal()
	h, wire, err := s.writeJSONBlock(ctx, blockID, block.TypeFolderTree, doc)
	if err != nil {
		return err
	}
	if _, err := s.chain.Append(ctx, blockID, h, wire); err != nil {
		return err
	}
	if s.treeBlockID != 0 {
		s.superseded = append(s.superseded, s.treeBlockID)
	}
	s.treeBlockID = blockID
	return nil
}

// writeJSONBlock compresses-none (envelope/folder metadata favors fast
// scan over size, spec §4.2), encrypts, frames, and writes one
// JSON-payload block, returning the exact header+wire bytes written so the
// caller can feed them to hashchain.Chain.Append without re-deriving them.
func (s *Store) writeJSONBlock(ctx context.Context, blockID int64, typ block.Type, doc any) (block.Header, []byte, error) {
	plain, err := json.Marshal(doc)
	if err != nil {
		return block.Header{}, nil, verrors.Wrap(err, verrors.InvalidArgument, "folder.write_block")
	}
	keyEntry, err := s.keys.GenerateBlockKey(blockID, s.encryption, typ)
	if err != nil {
		return block.Header{}, nil, err
	}
	wire, err := codec.Encode(block.CompressionNone, s.encryption, keyEntry.Key, keyEntry.Salt, blockID, plain)
	if err != nil {
		return block.Header{}, nil, err
	}
	h := block.Header{
		Version:         1,
		Type:            typ,
		Flags:           block.PackFlags(block.CompressionNone, s.encryption),
		PayloadEncoding: block.EncodingJSON,
		Timestamp:       time.Now().Unix(),
	}
	if _, err := s.container.Write(ctx, blockID, h, wire); err != nil {
		return block.Header{}, nil, err
	}
	return h, wire, nil
}

func removeString(ss []string, target string) []string {
	out := ss[:0:0]
	for _, s := range ss {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

func removeEnvelope(es []EmailEnvelope, compoundID string) []EmailEnvelope {
	out := es[:0:0]
	for _, e := range es {
		if e.CompoundID != compoundID {
			out = append(out, e)
		}
	}
	return out
}

func be64(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}
