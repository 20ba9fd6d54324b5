// Package coordinator implements the Index Coordinator (spec §4.8): the
// single owner of every secondary index kept in C5 (message-id,
// envelope-hash, content-hash, compound-key→location, full-text postings,
// envelope metadata), plus the full-text query path and the rollback-stack
// helper multi-step imports use to undo partial work.
package coordinator

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/chartly-labs/mailvault/internal/email"
	"github.com/chartly-labs/mailvault/internal/index"
	"github.com/chartly-labs/mailvault/pkg/verrors"
)

// unitSep separates a posting's word from its compound key inside a
// NSFullText key, and joins normalized envelope fields elsewhere in the
// codebase; reused here rather than introducing a second delimiter.
const unitSep = "\x1f"

// punctuation is the fixed ASCII set full-text tokenization splits on, in
// addition to whitespace (spec §4.8).
const punctuation = ".,;:!?()[]{}\"'`<>/\\|@#$%^&*+=~_-"

// minTokenLen drops tokens shorter than this many characters.
const minTokenLen = 3

// Location is the physical address a compound_key resolves to.
type Location struct {
	BlockID int64
	LocalID int64
}

// EnvelopeMetadata is the compact per-email header snapshot kept at
// compound_key→envelope_metadata for search result rendering without
// decoding the email's batch block.
type EnvelopeMetadata struct {
	MessageID string `json:"message_id"`
	Subject   string `json:"subject"`
	From      string `json:"from"`
	To        string `json:"to"`
	DateUnix  int64  `json:"date_unix"`
	Size      int64  `json:"size"`
}

// Coordinator owns every secondary index and implements email.Indexer so
// the batch writer (C6) can dedup and record without importing this
// package's full surface.
type Coordinator struct {
	idx *index.Store
	mu  sync.Mutex
}

// New returns a Coordinator backed by idx.
func New(idx *index.Store) *Coordinator {
	return &Coordinator{idx: idx}
}

// LookupEnvelopeHash implements email.Indexer.
func (c *Coordinator) LookupEnvelopeHash(ctx context.Context, envelopeHash [32]byte) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, verrors.Wrap(err, verrors.Cancelled, "coordinator.lookup_envelope_hash")
	}
	v, err := c.idx.Get(index.NSEnvelopeHash, envelopeHash[:])
	if verrors.Is(err, verrors.NotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(v), true, nil
}

// RecordBatch implements email.Indexer: for every entry in a just-durable
// batch, upsert message_id/envelope_hash/content_hash/location/metadata
// and post every body+subject token into the full-text index.
func (c *Coordinator) RecordBatch(ctx context.Context, blockID int64, entries []email.IndexEntry) error {
	if err := ctx.Err(); err != nil {
		return verrors.Wrap(err, verrors.Cancelled, "coordinator.record_batch")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.idx.NewBatch()
	defer b.Close()

	for _, e := range entries {
		compoundKey := email.FormatCompoundKey(blockID, e.LocalID)

		if e.MessageID != "" {
			if err := b.Put(index.NSMessageID, []byte(e.MessageID), []byte(compoundKey)); err != nil {
				return err
			}
		}
		if err := b.Put(index.NSEnvelopeHash, e.EnvelopeHash[:], []byte(compoundKey)); err != nil {
			return err
		}
		if err := b.Put(index.NSContentHash, e.ContentHash[:], []byte(compoundKey)); err != nil {
			return err
		}
		if err := b.Put(index.NSCompoundKeyLoc, []byte(compoundKey), encodeLocation(Location{BlockID: blockID, LocalID: e.LocalID})); err != nil {
			return err
		}

		meta := EnvelopeMetadata{
			MessageID: e.MessageID,
			Subject:   e.Envelope.Subject,
			From:      e.Envelope.From,
			To:        e.Envelope.To,
			DateUnix:  e.Envelope.Date.Unix(),
			Size:      e.Envelope.Size,
		}
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return verrors.Wrap(err, verrors.InvalidArgument, "coordinator.record_batch")
		}
		if err := b.Put(index.NSEnvelopeMeta, []byte(compoundKey), metaJSON); err != nil {
			return err
		}

		postings := postingsFor(e.Envelope.Subject, e.BodyText)
		for word, tf := range postings {
			key := append([]byte(word), unitSep...)
			key = append(key, compoundKey...)
			if err := b.Put(index.NSFullText, key, encodeTermFreq(tf)); err != nil {
				return err
			}
		}
	}
	return b.Commit()
}

// LookupLocation resolves a compound key to its block_id/local_id.
func (c *Coordinator) LookupLocation(ctx context.Context, compoundKey string) (Location, error) {
	if err := ctx.Err(); err != nil {
		return Location{}, verrors.Wrap(err, verrors.Cancelled, "coordinator.lookup_location")
	}
	v, err := c.idx.Get(index.NSCompoundKeyLoc, []byte(compoundKey))
	if err != nil {
		return Location{}, err
	}
	return decodeLocation(v), nil
}

// LookupMetadata resolves a compound key to its stored envelope metadata.
func (c *Coordinator) LookupMetadata(ctx context.Context, compoundKey string) (EnvelopeMetadata, error) {
	if err := ctx.Err(); err != nil {
		return EnvelopeMetadata{}, verrors.Wrap(err, verrors.Cancelled, "coordinator.lookup_metadata")
	}
	v, err := c.idx.Get(index.NSEnvelopeMeta, []byte(compoundKey))
	if err != nil {
		return EnvelopeMetadata{}, err
	}
	var meta EnvelopeMetadata
	if err := json.Unmarshal(v, &meta); err != nil {
		return EnvelopeMetadata{}, verrors.Wrap(err, verrors.CorruptBlock, "coordinator.lookup_metadata")
	}
	return meta, nil
}

// LookupByMessageID resolves message_id to its compound key.
func (c *Coordinator) LookupByMessageID(ctx context.Context, messageID string) (string, bool, error) {
	v, err := c.idx.Get(index.NSMessageID, []byte(messageID))
	if verrors.Is(err, verrors.NotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(v), true, nil
}

// SearchResult is one ranked hit from Search.
type SearchResult struct {
	CompoundKey string
	Score       float64
}

// Search tokenizes query the same way postings were built, intersects
// (AND) the posting sets for every token, and ranks hits by summed term
// frequency divided by the number of query terms (spec §4.8).
func (c *Coordinator) Search(ctx context.Context, query string) ([]SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, verrors.Wrap(err, verrors.Cancelled, "coordinator.search")
	}
	terms := Tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	var sets []map[string]int
	for _, term := range terms {
		set := make(map[string]int)
		prefix := []byte(term + unitSep)
		err := c.idx.IteratePrefix(index.NSFullText, prefix, func(key, value []byte) (bool, error) {
			compoundKey := string(key[len(prefix):])
			set[compoundKey] = decodeTermFreq(value)
			return true, nil
		})
		if err != nil {
			return nil, err
		}
		sets = append(sets, set)
	}

	sort.Slice(sets, func(i, j int) bool { return len(sets[i]) < len(sets[j]) })
	scores := make(map[string]int)
	for key := range sets[0] {
		inAll := true
		total := 0
		for _, set := range sets {
			tf, ok := set[key]
			if !ok {
				inAll = false
				break
			}
			total += tf
		}
		if inAll {
			scores[key] = total
		}
	}

	results := make([]SearchResult, 0, len(scores))
	for key, total := range scores {
		results = append(results, SearchResult{CompoundKey: key, Score: float64(total) / float64(len(terms))})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].CompoundKey < results[j].CompoundKey
	})
	return results, nil
}

// Tokenize splits on whitespace and the fixed punctuation set, lowercases,
// and drops tokens shorter than minTokenLen (spec §4.8).
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r' || strings.ContainsRune(punctuation, r)
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ToLower(f)
		if len(f) >= minTokenLen {
			out = append(out, f)
		}
	}
	return out
}

func postingsFor(subject, body string) map[string]int {
	postings := make(map[string]int)
	for _, tok := range Tokenize(subject) {
		postings[tok]++
	}
	for _, tok := range Tokenize(body) {
		postings[tok]++
	}
	return postings
}

func encodeLocation(loc Location) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:8], uint64(loc.BlockID))
	binary.BigEndian.PutUint64(b[8:16], uint64(loc.LocalID))
	return b
}

func decodeLocation(b []byte) Location {
	return Location{
		BlockID: int64(binary.BigEndian.Uint64(b[0:8])),
		LocalID: int64(binary.BigEndian.Uint64(b[8:16])),
	}
}

func encodeTermFreq(tf int) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(tf))
	return b
}

func decodeTermFreq(b []byte) int {
	return int(binary.BigEndian.Uint32(b))
}
