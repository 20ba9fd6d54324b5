// Package index implements the ordered key→value store used by every
// secondary index (spec §4.5): message-id, envelope-hash, content-hash,
// compound-key→location, full-text postings, and envelope metadata. It is
// backed by an LSM tree (cockroachdb/pebble) in a sidecar directory next
// to the container file, namespaced by a one-byte prefix per index so a
// single pebble instance serves all of them.
package index

import (
	"context"

	"github.com/cockroachdb/pebble"

	"github.com/chartly-labs/mailvault/pkg/verrors"
)

// Namespace is the one-byte prefix identifying which logical index a key
// belongs to within the shared pebble instance.
type Namespace byte

const (
	NSMessageID      Namespace = 'm'
	NSEnvelopeHash   Namespace = 'e'
	NSContentHash    Namespace = 'c'
	NSCompoundKeyLoc Namespace = 'l' // compound_key -> email_location
	NSFullText       Namespace = 'w' // word -> set<compound_key>
	NSEnvelopeMeta   Namespace = 'v' // compound_key -> envelope metadata
	NSFolderPath     Namespace = 'f' // folder path -> folder_id
	NSFolderParent   Namespace = 'p' // folder_id -> parent_folder_id
	NSFolderBlock    Namespace = 'b' // folder_id -> folder_block_id
)

// Store is a namespaced wrapper over one pebble instance. All writes use
// pebble.Sync so each put/delete is durable before returning, matching the
// "fsync-safe individually" requirement in spec §4.5.
type Store struct {
	db *pebble.DB
}

// Open opens (creating if absent) the sidecar pebble database at dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, verrors.Wrap(err, verrors.Io, "index.open")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying pebble instance.
func (s *Store) Close() error {
	return verrors.Wrap(s.db.Close(), verrors.Io, "index.close")
}

// namespacedKey prepends ns to key so distinct indexes never collide
// within the shared keyspace.
func namespacedKey(ns Namespace, key []byte) []byte {
	out := make([]byte, 1+len(key))
	out[0] = byte(ns)
	copy(out[1:], key)
	return out
}

// Get returns the value stored at (ns, key), or NotFound.
func (s *Store) Get(ns Namespace, key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(namespacedKey(ns, key))
	if err == pebble.ErrNotFound {
		return nil, verrors.New(verrors.NotFound, "index.get", "key not present")
	}
	if err != nil {
		return nil, verrors.Wrap(err, verrors.Io, "index.get")
	}
	out := make([]byte, len(v))
	copy(out, v)
	closer.Close()
	return out, nil
}

// Has reports whether (ns, key) exists. It calls Get, so the value is
// still read and copied.
func (s *Store) Has(ns Namespace, key []byte) (bool, error) {
	_, err := s.Get(ns, key)
	if verrors.Is(err, verrors.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Put durably stores value at (ns, key).
func (s *Store) Put(ns Namespace, key, value []byte) error {
	if err := s.db.Set(namespacedKey(ns, key), value, pebble.Sync); err != nil {
		return verrors.Wrap(err, verrors.Io, "index.put")
	}
	return nil
}

// Delete removes (ns, key); deleting an absent key is not an error.
func (s *Store) Delete(ns Namespace, key []byte) error {
	if err := s.db.Delete(namespacedKey(ns, key), pebble.Sync); err != nil {
		return verrors.Wrap(err, verrors.Io, "index.delete")
	}
	return nil
}

// Batch groups several Put/Delete calls into one fsync, used by C8 for the
// transactional group of index updates a single email import performs.
type Batch struct {
	b *pebble.Batch
}

// NewBatch starts a batch of writes against s.
func (s *Store) NewBatch() *Batch {
	return &Batch{b: s.db.NewBatch()}
}

func (b *Batch) Put(ns Namespace, key, value []byte) error {
	return b.b.Set(namespacedKey(ns, key), value, nil)
}

func (b *Batch) Delete(ns Namespace, key []byte) error {
	return b.b.Delete(namespacedKey(ns, key), nil)
}

// Commit durably applies every queued operation atomically.
func (b *Batch) Commit() error {
	if err := b.b.Commit(pebble.Sync); err != nil {
		return verrors.Wrap(err, verrors.Io, "index.batch.commit")
	}
	return nil
}

// Close discards a batch without committing it (used on the rollback path).
func (b *Batch) Close() error {
	return b.b.Close()
}

// IterateFunc is called for each (key, value) pair in ascending key order
// within a namespace; returning keepGoing=false stops iteration early.
type IterateFunc func(key, value []byte) (keepGoing bool, err error)

// IteratePrefix walks every key in ns whose suffix (the part after the
// namespace byte) starts with prefix, in ascending order.
func (s *Store) IteratePrefix(ns Namespace, prefix []byte, fn IterateFunc) error {
	lower := namespacedKey(ns, prefix)
	upper := prefixUpperBound(append([]byte{}, lower...))

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return verrors.Wrap(err, verrors.Io, "index.iterate")
	}
	defer iter.Close()

	for valid := iter.First(); valid; valid = iter.Next() {
		key := iter.Key()[1:] // strip namespace byte
		val := iter.Value()
		keyCopy := make([]byte, len(key))
		copy(keyCopy, key)
		valCopy := make([]byte, len(val))
		copy(valCopy, val)
		keepGoing, cbErr := fn(keyCopy, valCopy)
		if cbErr != nil {
			return cbErr
		}
		if !keepGoing {
			break
		}
	}
	return verrors.Wrap(iter.Error(), verrors.Io, "index.iterate")
}

// IterateAll walks every key in namespace ns in ascending order.
func (s *Store) IterateAll(ns Namespace, fn IterateFunc) error {
	return s.IteratePrefix(ns, nil, fn)
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, i.e. prefix with its last byte incremented (carrying as
// needed); if prefix is all 0xFF bytes, returns nil (unbounded above).
func prefixUpperBound(prefix []byte) []byte {
	out := append([]byte{}, prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}

// Reset wipes every key in every namespace, used by RebuildAll before the
// caller replays a full container scan to repopulate indexes.
func (s *Store) Reset() error {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return verrors.Wrap(err, verrors.Io, "index.reset")
	}
	defer iter.Close()

	b := s.db.NewBatch()
	for valid := iter.First(); valid; valid = iter.Next() {
		if err := b.Delete(iter.Key(), nil); err != nil {
			return verrors.Wrap(err, verrors.Io, "index.reset")
		}
	}
	if err := iter.Error(); err != nil {
		return verrors.Wrap(err, verrors.Io, "index.reset")
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return verrors.Wrap(err, verrors.Io, "index.reset")
	}
	return nil
}

// RebuildAll wipes the store and invokes rebuild, which is expected to
// perform a full container scan and replay every index upsert. ctx is
// passed through for cancellation during a potentially long scan.
func RebuildAll(ctx context.Context, s *Store, rebuild func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return verrors.Wrap(err, verrors.Cancelled, "index.rebuild_all")
	}
	if err := s.Reset(); err != nil {
		return err
	}
	return rebuild(ctx)
}
