// Package verrors implements the error-kind taxonomy of the archive engine
// (spec §7): every fallible operation in mailvault returns one of these
// kinds, wrapped around an optional underlying cause, rather than an ad-hoc
// error string.
package verrors

import (
	"encoding/json"
	"sort"
)

// Kind is a stable, small taxonomy of failure classes. Once published,
// kinds are treated as API-stable — callers switch on them.
type Kind string

const (
	// Io is a file syscall failure. Retried internally up to max_retries,
	// then surfaced.
	Io Kind = "io"
	// CorruptBlock is a checksum or magic mismatch on read. Surfaced
	// immediately; scanning stops at the torn tail.
	CorruptBlock Kind = "corrupt_block"
	// NotFound means the id was absent from the location map or index.
	NotFound Kind = "not_found"
	// Duplicate means an envelope hash was already present; swallowed by
	// the batch writer, which returns the existing composite id instead.
	Duplicate Kind = "duplicate"
	// AuthFailure is an AEAD tag mismatch or a locked key manager. Reads
	// fail closed.
	AuthFailure Kind = "auth_failure"
	// InvalidArgument covers path validation, negative offsets, a zero
	// block_id, and similar caller errors.
	InvalidArgument Kind = "invalid_argument"
	// ChainBroken is surfaced only by the hash-chain verifier; it never
	// blocks ordinary reads.
	ChainBroken Kind = "chain_broken"
	// Cancelled means a cancellation signal fired during a blocking call.
	Cancelled Kind = "cancelled"
	// VersionMismatch is an unsupported on-disk format version; open
	// fails unless an upgrade path exists.
	VersionMismatch Kind = "version_mismatch"
)

// Meta carries fixed properties of a Kind: whether the caller should
// retry, and a short human description (used by the debug HTTP surface
// and by log lines).
type Meta struct {
	Retryable   bool   `json:"retryable"`
	Description string `json:"description"`
}

var registry = map[Kind]Meta{
	Io:              {Retryable: true, Description: "file I/O failure"},
	CorruptBlock:    {Retryable: false, Description: "checksum or magic mismatch"},
	NotFound:        {Retryable: false, Description: "id not present in location map or index"},
	Duplicate:       {Retryable: false, Description: "envelope hash already stored"},
	AuthFailure:     {Retryable: false, Description: "AEAD authentication failed or key manager locked"},
	InvalidArgument: {Retryable: false, Description: "caller supplied an invalid argument"},
	ChainBroken:     {Retryable: false, Description: "hash chain linkage or block hash mismatch"},
	Cancelled:       {Retryable: false, Description: "operation cancelled"},
	VersionMismatch: {Retryable: false, Description: "unsupported on-disk format version"},
}

// MetaOf returns the fixed metadata for a kind. Unknown kinds report
// non-retryable with an empty description.
func MetaOf(k Kind) Meta {
	if m, ok := registry[k]; ok {
		return m
	}
	return Meta{}
}

// Known reports whether k is part of the published taxonomy.
func Known(k Kind) bool {
	_, ok := registry[k]
	return ok
}

// Kinds returns every published kind in stable sorted order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ExportJSON returns a stable JSON array of {kind, meta}, used by the
// debug surface's capability listing.
func ExportJSON() []byte {
	type row struct {
		Kind Kind `json:"kind"`
		Meta Meta `json:"meta"`
	}
	kinds := Kinds()
	rows := make([]row, 0, len(kinds))
	for _, k := range kinds {
		rows = append(rows, row{Kind: k, Meta: registry[k]})
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return []byte("[]")
	}
	return b
}
