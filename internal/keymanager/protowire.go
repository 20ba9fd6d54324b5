package keymanager

import (
	"strconv"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/chartly-labs/mailvault/internal/block"
	"github.com/chartly-labs/mailvault/pkg/verrors"
)

// Wire layout for the persisted key map (spec §4.3's payload_encoding =
// Protobuf, hand-written against protowire since no protoc toolchain is
// available to generate .pb.go stubs — a legitimate use of the low-level
// wire package for a small, fixed schema):
//
//	message Entry {
//	  bytes key = 1;
//	  bytes salt = 2;
//	  uint32 algo = 3;
//	  uint32 block_type = 4;
//	}
//	message KeyMapEntry {
//	  int64 block_id = 1;
//	  Entry entry = 2;
//	}
//	message Snapshot {
//	  int32 version = 1;
//	  repeated KeyMapEntry keys = 2;
//	}

const (
	fieldSnapshotVersion = 1
	fieldSnapshotKeys    = 2

	fieldMapEntryBlockID = 1
	fieldMapEntryEntry   = 2

	fieldEntryKey       = 1
	fieldEntrySalt      = 2
	fieldEntryAlgo      = 3
	fieldEntryBlockType = 4
)

// encodeSnapshotProto serializes snap as the Protobuf wire form above.
// snap.Keys is keyed by the decimal string form of a block_id (the same
// convention the JSON codec uses, chosen there because encoding/json
// requires string map keys); this is where that string is parsed back to
// the int64 the wire form carries.
func encodeSnapshotProto(snap snapshot) ([]byte, error) {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldSnapshotVersion, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(snap.Version))

	for idStr, e := range snap.Keys {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			return nil, verrors.Wrap(err, verrors.InvalidArgument, "keymanager.encode_proto")
		}
		entryBuf := encodeEntry(e)

		var mapEntryBuf []byte
		mapEntryBuf = protowire.AppendTag(mapEntryBuf, fieldMapEntryBlockID, protowire.VarintType)
		mapEntryBuf = protowire.AppendVarint(mapEntryBuf, uint64(id))
		mapEntryBuf = protowire.AppendTag(mapEntryBuf, fieldMapEntryEntry, protowire.BytesType)
		mapEntryBuf = protowire.AppendBytes(mapEntryBuf, entryBuf)

		buf = protowire.AppendTag(buf, fieldSnapshotKeys, protowire.BytesType)
		buf = protowire.AppendBytes(buf, mapEntryBuf)
	}
	return buf, nil
}

func encodeEntry(e Entry) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldEntryKey, protowire.BytesType)
	buf = protowire.AppendBytes(buf, e.Key)
	buf = protowire.AppendTag(buf, fieldEntrySalt, protowire.BytesType)
	buf = protowire.AppendBytes(buf, e.Salt)
	buf = protowire.AppendTag(buf, fieldEntryAlgo, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(e.Algo))
	buf = protowire.AppendTag(buf, fieldEntryBlockType, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(e.BlockType))
	return buf
}

// decodeSnapshotProto reverses encodeSnapshotProto, failing closed
// (CorruptBlock) on any malformed field rather than returning a partial
// key map.
func decodeSnapshotProto(data []byte) (snapshot, error) {
	snap := snapshot{Keys: make(map[string]Entry)}

	keysByID := make(map[int64]Entry)
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return snapshot{}, verrors.New(verrors.CorruptBlock, "keymanager.decode_proto", "bad tag")
		}
		data = data[n:]

		switch {
		case num == fieldSnapshotVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return snapshot{}, verrors.New(verrors.CorruptBlock, "keymanager.decode_proto", "bad version")
			}
			data = data[n:]
			snap.Version = int(v)

		case num == fieldSnapshotKeys && typ == protowire.BytesType:
			entryBytes, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return snapshot{}, verrors.New(verrors.CorruptBlock, "keymanager.decode_proto", "bad key_map_entry")
			}
			data = data[n:]

			id, entry, err := decodeMapEntry(entryBytes)
			if err != nil {
				return snapshot{}, err
			}
			keysByID[id] = entry

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return snapshot{}, verrors.New(verrors.CorruptBlock, "keymanager.decode_proto", "bad unknown field")
			}
			data = data[n:]
		}
	}

	snap.Keys = snapshotKeysByString(keysByID)
	return snap, nil
}

// snapshotKeysByString re-keys the decoded block_id->Entry map into
// snapshot.Keys's string-keyed form, matching the JSON codec's map shape
// so both codecs populate the same in-memory snapshot type.
func snapshotKeysByString(keysByID map[int64]Entry) map[string]Entry {
	out := make(map[string]Entry, len(keysByID))
	for id, e := range keysByID {
		out[strconv.FormatInt(id, 10)] = e
	}
	return out
}

func decodeMapEntry(data []byte) (int64, Entry, error) {
	var id int64
	var entry Entry
	var haveEntry bool

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return 0, Entry{}, verrors.New(verrors.CorruptBlock, "keymanager.decode_proto", "bad map entry tag")
		}
		data = data[n:]

		switch {
		case num == fieldMapEntryBlockID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return 0, Entry{}, verrors.New(verrors.CorruptBlock, "keymanager.decode_proto", "bad block_id")
			}
			data = data[n:]
			id = int64(v)

		case num == fieldMapEntryEntry && typ == protowire.BytesType:
			entryBytes, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return 0, Entry{}, verrors.New(verrors.CorruptBlock, "keymanager.decode_proto", "bad entry")
			}
			data = data[n:]
			e, err := decodeEntry(entryBytes)
			if err != nil {
				return 0, Entry{}, err
			}
			entry = e
			haveEntry = true

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return 0, Entry{}, verrors.New(verrors.CorruptBlock, "keymanager.decode_proto", "bad unknown field")
			}
			data = data[n:]
		}
	}
	if !haveEntry {
		return 0, Entry{}, verrors.New(verrors.CorruptBlock, "keymanager.decode_proto", "map entry missing Entry payload")
	}
	return id, entry, nil
}

func decodeEntry(data []byte) (Entry, error) {
	var e Entry
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Entry{}, verrors.New(verrors.CorruptBlock, "keymanager.decode_proto", "bad entry tag")
		}
		data = data[n:]

		switch {
		case num == fieldEntryKey && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Entry{}, verrors.New(verrors.CorruptBlock, "keymanager.decode_proto", "bad key")
			}
			data = data[n:]
			e.Key = append([]byte(nil), b...)

		case num == fieldEntrySalt && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Entry{}, verrors.New(verrors.CorruptBlock, "keymanager.decode_proto", "bad salt")
			}
			data = data[n:]
			e.Salt = append([]byte(nil), b...)

		case num == fieldEntryAlgo && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Entry{}, verrors.New(verrors.CorruptBlock, "keymanager.decode_proto", "bad algo")
			}
			data = data[n:]
			e.Algo = block.EncryptionAlgo(v)

		case num == fieldEntryBlockType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Entry{}, verrors.New(verrors.CorruptBlock, "keymanager.decode_proto", "bad block_type")
			}
			data = data[n:]
			e.BlockType = block.Type(v)

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Entry{}, verrors.New(verrors.CorruptBlock, "keymanager.decode_proto", "bad unknown field")
			}
			data = data[n:]
		}
	}
	return e, nil
}
