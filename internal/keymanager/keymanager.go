// Package keymanager implements the engine's per-block symmetric key
// derivation under a master key (spec §4.3). The serialized key map is
// itself persisted as a KeyManager block, encrypted with the master key.
package keymanager

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/chartly-labs/mailvault/internal/block"
	"github.com/chartly-labs/mailvault/internal/codec"
	"github.com/chartly-labs/mailvault/internal/ids"
	"github.com/chartly-labs/mailvault/pkg/verrors"
)

// State is the manager's lifecycle: locked (no keys available, master key
// absent from memory) or unlocked.
type State uint8

const (
	Locked State = iota
	Unlocked
)

// Entry is one block's recorded key material.
type Entry struct {
	Key       []byte         `json:"key"`
	Salt      []byte         `json:"salt"`
	Algo      block.EncryptionAlgo `json:"algo"`
	BlockType block.Type     `json:"block_type"`
}

// snapshot is the JSON-serialized form written as a KeyManager block's
// payload (before the codec layer's own master-key encryption wraps it).
type snapshot struct {
	Version int              `json:"version"`
	Keys    map[string]Entry `json:"keys"`
}

// Manager derives, stores, and serves per-block symmetric keys.
type Manager struct {
	container *block.Container
	alloc     *ids.Allocator

	mu         sync.Mutex
	state      State
	masterKey  []byte
	keys       map[int64]Entry
	currentID  int64 // block_id of the most recently persisted KeyManager block, 0 if none
	superseded []int64
}

// New returns a locked Manager bound to container for persistence.
func New(container *block.Container, alloc *ids.Allocator) *Manager {
	return &Manager{
		container: container,
		alloc:     alloc,
		state:     Locked,
		keys:      make(map[int64]Entry),
	}
}

// Unlock transitions to Unlocked. If latestBlockID is 0 there is no prior
// KeyManager block (fresh container); otherwise that block is read and
// decrypted with masterKey to repopulate the in-memory key map.
func (m *Manager) Unlock(ctx context.Context, masterKey []byte, latestBlockID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if latestBlockID == 0 {
		m.masterKey = append([]byte(nil), masterKey...)
		m.keys = make(map[int64]Entry)
		m.currentID = 0
		m.state = Unlocked
		return nil
	}

	blk, err := m.container.Read(ctx, latestBlockID)
	if err != nil {
		return verrors.Wrap(err, verrors.AuthFailure, "keymanager.unlock")
	}
	plain, err := codec.Decode(block.CompressionNone, block.EncryptionAES256GCM, masterKey, masterKeySalt(latestBlockID), latestBlockID, blk.Payload)
	if err != nil {
		return verrors.Wrap(err, verrors.AuthFailure, "keymanager.unlock")
	}

	var snap snapshot
	switch blk.Header.PayloadEncoding {
	case block.EncodingProtobuf:
		snap, err = decodeSnapshotProto(plain)
	case block.EncodingJSON:
		err = json.Unmarshal(plain, &snap)
	default:
		err = verrors.New(verrors.VersionMismatch, "keymanager.unlock", "unsupported key map payload_encoding")
	}
	if err != nil {
		return verrors.Wrap(err, verrors.CorruptBlock, "keymanager.unlock")
	}

	keys := make(map[int64]Entry, len(snap.Keys))
	for k, v := range snap.Keys {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return verrors.Wrap(err, verrors.CorruptBlock, "keymanager.unlock")
		}
		keys[id] = v
	}

	m.masterKey = append([]byte(nil), masterKey...)
	m.keys = keys
	m.currentID = latestBlockID
	m.state = Unlocked
	return nil
}

// Lock zeroizes derived key material and transitions back to Locked.
// get_block_key/generate_block_key fail with AuthFailure until the next
// Unlock.
func (m *Manager) Lock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	zero(m.masterKey)
	for id, e := range m.keys {
		zero(e.Key)
		zero(e.Salt)
		delete(m.keys, id)
	}
	m.masterKey = nil
	m.state = Locked
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// GenerateBlockKey derives a random per-block key and salt for blockID,
// recording it for later retrieval and persistence.
func (m *Manager) GenerateBlockKey(blockID int64, algo block.EncryptionAlgo, blockType block.Type) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Unlocked {
		return Entry{}, verrors.New(verrors.AuthFailure, "keymanager.generate_block_key", "key manager locked")
	}
	key := make([]byte, 32)
	salt := make([]byte, 16)
	if _, err := rand.Read(key); err != nil {
		return Entry{}, verrors.Wrap(err, verrors.Io, "keymanager.generate_block_key")
	}
	if _, err := rand.Read(salt); err != nil {
		return Entry{}, verrors.Wrap(err, verrors.Io, "keymanager.generate_block_key")
	}
	e := Entry{Key: key, Salt: salt, Algo: algo, BlockType: blockType}
	m.keys[blockID] = e
	return e, nil
}

// GetBlockKey returns the recorded key material for blockID.
func (m *Manager) GetBlockKey(blockID int64) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Unlocked {
		return Entry{}, verrors.New(verrors.AuthFailure, "keymanager.get_block_key", "key manager locked")
	}
	e, ok := m.keys[blockID]
	if !ok {
		return Entry{}, verrors.New(verrors.NotFound, "keymanager.get_block_key", "no key recorded for block_id")
	}
	return e, nil
}

// Persist serializes the current key map (entries in Go map iteration
// order, so the byte layout can differ between calls), encrypts it
// with the master key, and writes a new KeyManager block. The previous
// KeyManager block id (if any) is returned as superseded; callers (the
// maintenance engine) are responsible for eventually reclaiming it, keeping
// the newest key_manager_versions_to_keep snapshots.
func (m *Manager) Persist(ctx context.Context) (newBlockID int64, supersededID int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Unlocked {
		return 0, 0, verrors.New(verrors.AuthFailure, "keymanager.persist", "key manager locked")
	}

	keys := make(map[string]Entry, len(m.keys))
	for id, e := range m.keys {
		keys[strconv.FormatInt(id, 10)] = e
	}
	snap := snapshot{Version: 1, Keys: keys}
	plain, err := encodeSnapshotProto(snap)
	if err != nil {
		return 0, 0, err
	}

	newID := m.alloc.NextNormal()
	wire, err := codec.Encode(block.CompressionNone, block.EncryptionAES256GCM, m.masterKey, masterKeySalt(newID), newID, plain)
	if err != nil {
		return 0, 0, verrors.Wrap(err, verrors.AuthFailure, "keymanager.persist")
	}

	h := block.Header{Version: 1, Type: block.TypeKeyManager, PayloadEncoding: block.EncodingProtobuf}
	h.Flags = block.PackFlags(block.CompressionNone, block.EncryptionAES256GCM)
	if _, err := m.container.Write(ctx, newID, h, wire); err != nil {
		return 0, 0, err
	}

	prev := m.currentID
	if prev != 0 {
		m.superseded = append(m.superseded, prev)
	}
	m.currentID = newID
	return newID, prev, nil
}

// RotateMasterKey re-encrypts the current key map under newMasterKey and
// persists it as a new KeyManager block; the old master key's last
// KeyManager block becomes superseded.
func (m *Manager) RotateMasterKey(ctx context.Context, newMasterKey []byte) (newBlockID, supersededID int64, err error) {
	m.mu.Lock()
	m.masterKey = append([]byte(nil), newMasterKey...)
	m.mu.Unlock()
	return m.Persist(ctx)
}

// SupersededIDs returns every KeyManager block id superseded so far, oldest
// first, for the maintenance engine's retention pass.
func (m *Manager) SupersededIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int64, len(m.superseded))
	copy(out, m.superseded)
	return out
}

// State reports the manager's current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// masterKeySalt derives a deterministic per-block salt for the
// master-key-wrapped KeyManager block itself from its own block_id, since
// there is no "per-block Entry" for the key manager's own storage block.
func masterKeySalt(blockID int64) []byte {
	return []byte("keymanager-block-salt:" + strconv.FormatInt(blockID, 10))
}
