package keymanager

import (
	"testing"

	"github.com/chartly-labs/mailvault/internal/block"
)

func TestSnapshotProtoRoundtripEmpty(t *testing.T) {
	snap := snapshot{Version: 1, Keys: map[string]Entry{}}
	wire, err := encodeSnapshotProto(snap)
	if err != nil {
		t.Fatalf("encodeSnapshotProto: %v", err)
	}
	got, err := decodeSnapshotProto(wire)
	if err != nil {
		t.Fatalf("decodeSnapshotProto: %v", err)
	}
	if got.Version != 1 || len(got.Keys) != 0 {
		t.Fatalf("got %+v", got)
	}
}

func TestSnapshotProtoRoundtripMultipleEntries(t *testing.T) {
	snap := snapshot{
		Version: 1,
		Keys: map[string]Entry{
			"1": {Key: []byte("key-one-aaaaaaaaaaaaaaaaaaaaaaaa"), Salt: []byte("salt-one-1234567"), Algo: block.EncryptionAES256GCM, BlockType: block.TypeEmailBatch},
			"2": {Key: []byte("key-two-bbbbbbbbbbbbbbbbbbbbbbbb"), Salt: []byte("salt-two-7654321"), Algo: block.EncryptionChaCha20Poly, BlockType: block.TypeFolder},
		},
	}
	wire, err := encodeSnapshotProto(snap)
	if err != nil {
		t.Fatalf("encodeSnapshotProto: %v", err)
	}
	got, err := decodeSnapshotProto(wire)
	if err != nil {
		t.Fatalf("decodeSnapshotProto: %v", err)
	}
	if len(got.Keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(got.Keys))
	}
	for id, want := range snap.Keys {
		got, ok := got.Keys[id]
		if !ok {
			t.Fatalf("missing key %s", id)
		}
		if string(got.Key) != string(want.Key) || string(got.Salt) != string(want.Salt) ||
			got.Algo != want.Algo || got.BlockType != want.BlockType {
			t.Fatalf("entry %s mismatch: got %+v want %+v", id, got, want)
		}
	}
}

func TestSnapshotProtoDecodeRejectsGarbage(t *testing.T) {
	if _, err := decodeSnapshotProto([]byte{0xFF, 0xFF, 0xFF}); err == nil {
		t.Fatalf("expected CorruptBlock error for malformed wire bytes")
	}
}
