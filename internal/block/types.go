// Package block implements the container's sole on-disk unit: a
// self-describing, checksummed, magic-framed record. Every other
// component (codec, key manager, hash chain, indexes, folders, email
// batches) is serialized as the payload of one of these.
package block

import (
	"crypto/sha256"
	"encoding/binary"
	"hash/crc32"

	"github.com/chartly-labs/mailvault/pkg/verrors"
)

// HeaderMagic identifies the start of a block frame. FooterMagic is its
// bitwise complement, used as a trailing sentinel so a torn write is
// detectable even if the header checksum happened to still validate.
const (
	HeaderMagic uint64 = 0x00EE411DBBD114EE
	FooterMagic uint64 = ^HeaderMagic
)

// FixedOverhead is every byte of a framed block except the payload:
// 8 (header_magic) + 2 (version) + 1 (type) + 1 (flags) + 1 (payload_encoding)
// + 8 (timestamp) + 8 (block_id) + 8 (payload_length) + 4 (header_checksum)
// + 4 (payload_checksum) + 8 (footer_magic) + 8 (total_length) = 61.
const FixedOverhead = 61

// HeaderChecksumOffset is the fixed byte offset of the header_checksum
// field within a framed block. Field offsets are part of the on-disk
// ABI and MUST NOT change.
const HeaderChecksumOffset = 37

// Reserved block_id ranges. Ordinary blocks use ids below CheckpointIDFloor.
const (
	CheckpointIDFloor = int64(1e12)
	HashChainIDFloor  = int64(2e12)
)

// Type tags the logical kind of a block's payload.
type Type uint8

const (
	TypeMetadata       Type = 0
	TypeWAL            Type = 1
	TypeFolderTree     Type = 2
	TypeFolder         Type = 3
	TypeFolderEnvelope Type = 4
	TypeSegment        Type = 5
	TypeEmailBatch     Type = 6
	TypeKeyManager     Type = 7
	TypeHashChain      Type = 8
	TypeCleanup        Type = 9
	TypeFreeSpace      Type = 10
)

func (t Type) String() string {
	switch t {
	case TypeMetadata:
		return "metadata"
	case TypeWAL:
		return "wal"
	case TypeFolderTree:
		return "folder_tree"
	case TypeFolder:
		return "folder"
	case TypeFolderEnvelope:
		return "folder_envelope"
	case TypeSegment:
		return "segment"
	case TypeEmailBatch:
		return "email_batch"
	case TypeKeyManager:
		return "key_manager"
	case TypeHashChain:
		return "hash_chain"
	case TypeCleanup:
		return "cleanup"
	case TypeFreeSpace:
		return "free_space"
	default:
		return "unknown"
	}
}

// AlwaysLive reports whether blocks of this type are never candidates for
// maintenance's orphan sweep (spec §4.9).
func (t Type) AlwaysLive() bool {
	return t == TypeMetadata || t == TypeEmailBatch
}

// CompressionAlgo occupies the low nibble of the flags byte.
type CompressionAlgo uint8

const (
	CompressionNone   CompressionAlgo = 0
	CompressionGzip   CompressionAlgo = 1
	CompressionLZ4    CompressionAlgo = 2
	CompressionZstd   CompressionAlgo = 3
	CompressionBrotli CompressionAlgo = 4
)

// EncryptionAlgo occupies the high nibble of the flags byte.
type EncryptionAlgo uint8

const (
	EncryptionNone          EncryptionAlgo = 0
	EncryptionAES256GCM     EncryptionAlgo = 1
	EncryptionChaCha20Poly  EncryptionAlgo = 2
	EncryptionAES256CBCHMAC EncryptionAlgo = 3
)

// FlagTombstone is bit 0x80 of the flags byte, set on a deletion marker
// that references a superseded block_id.
const FlagTombstone uint8 = 0x80

// PayloadEncoding tags the structured format of a block's payload.
type PayloadEncoding uint8

const (
	EncodingRawBytes PayloadEncoding = 0
	EncodingProtobuf PayloadEncoding = 1
	EncodingCapnProto PayloadEncoding = 2
	EncodingJSON      PayloadEncoding = 3
)

// PackFlags combines a compression and encryption selector into one byte:
// low nibble compression, high nibble encryption. Bit 0x80 within the high
// nibble doubles as FlagTombstone — callers that need a tombstone leave
// encryption at EncryptionNone and OR FlagTombstone in separately via
// Header.Flags |= FlagTombstone after PackFlags.
func PackFlags(c CompressionAlgo, e EncryptionAlgo) uint8 {
	return (uint8(c) & 0x0F) | (uint8(e)&0x07)<<4
}

// UnpackFlags splits a flags byte back into its compression/encryption
// selectors and whether the tombstone bit is set.
func UnpackFlags(flags uint8) (CompressionAlgo, EncryptionAlgo, bool) {
	c := CompressionAlgo(flags & 0x0F)
	e := EncryptionAlgo((flags >> 4) & 0x07)
	tomb := flags&FlagTombstone != 0
	return c, e, tomb
}

// Header is the fixed-size portion of a frame, in on-disk field order.
type Header struct {
	Version         uint16
	Type            Type
	Flags           uint8
	PayloadEncoding PayloadEncoding
	Timestamp       int64
	BlockID         int64
	PayloadLength   int64
}

// Block is a fully decoded frame: header plus the raw (still codec-wrapped)
// payload bytes. Block is what Container.Read returns; the codec layer
// peels Flags/PayloadEncoding off of it to recover the logical payload.
type Block struct {
	Header Header
	Payload []byte
}

// Location records where a framed block lives in the container file.
type Location struct {
	Offset int64
	Length int64 // total framed length, FixedOverhead+len(payload)
}

// encodeHeaderFields writes the 37 bytes preceding header_checksum (see
// HeaderChecksumOffset) into buf[0:37]. buf must be at least 37 bytes.
func encodeHeaderFields(buf []byte, h Header, blockID int64) {
	binary.BigEndian.PutUint64(buf[0:8], HeaderMagic)
	binary.BigEndian.PutUint16(buf[8:10], h.Version)
	buf[10] = uint8(h.Type)
	buf[11] = h.Flags
	buf[12] = uint8(h.PayloadEncoding)
	binary.BigEndian.PutUint64(buf[13:21], uint64(h.Timestamp))
	binary.BigEndian.PutUint64(buf[21:29], uint64(blockID))
	binary.BigEndian.PutUint64(buf[29:37], uint64(h.PayloadLength))
}

// decodeHeaderFields is the inverse of encodeHeaderFields; buf must be at
// least 37 bytes and start with a validated HeaderMagic.
func decodeHeaderFields(buf []byte) (h Header, blockID int64) {
	h.Version = binary.BigEndian.Uint16(buf[8:10])
	h.Type = Type(buf[10])
	h.Flags = buf[11]
	h.PayloadEncoding = PayloadEncoding(buf[12])
	h.Timestamp = int64(binary.BigEndian.Uint64(buf[13:21]))
	blockID = int64(binary.BigEndian.Uint64(buf[21:29]))
	h.PayloadLength = int64(binary.BigEndian.Uint64(buf[29:37]))
	return h, blockID
}

// encodeFrame serializes a complete block frame: fixed header fields,
// header_checksum, payload, payload_checksum, footer_magic, total_length.
func encodeFrame(blockID int64, h Header, payload []byte) ([]byte, error) {
	if blockID == 0 {
		return nil, verrors.New(verrors.InvalidArgument, "block.encode", "block_id must be non-zero")
	}
	h.PayloadLength = int64(len(payload))
	total := FixedOverhead + len(payload)
	buf := make([]byte, total)

	encodeHeaderFields(buf[0:37], h, blockID)
	headerChecksum := crc32.ChecksumIEEE(buf[0:37])
	binary.BigEndian.PutUint32(buf[37:41], headerChecksum)

	copy(buf[41:41+len(payload)], payload)

	var payloadChecksum uint32
	if len(payload) > 0 {
		payloadChecksum = crc32.ChecksumIEEE(payload)
	}
	off := 41 + len(payload)
	binary.BigEndian.PutUint32(buf[off:off+4], payloadChecksum)
	off += 4
	binary.BigEndian.PutUint64(buf[off:off+8], FooterMagic)
	off += 8
	binary.BigEndian.PutUint64(buf[off:off+8], uint64(total))

	return buf, nil
}

// decodeFrame parses a complete frame previously produced by encodeFrame,
// validating header_checksum, footer_magic, total_length and
// payload_checksum in that order, matching the read contract in spec §4.1.
func decodeFrame(buf []byte) (blockID int64, h Header, payload []byte, err error) {
	if len(buf) < FixedOverhead {
		return 0, Header{}, nil, verrors.New(verrors.CorruptBlock, "block.decode", "frame shorter than fixed overhead")
	}
	magic := binary.BigEndian.Uint64(buf[0:8])
	if magic != HeaderMagic {
		return 0, Header{}, nil, verrors.New(verrors.CorruptBlock, "block.decode", "bad header magic")
	}
	h, blockID = decodeHeaderFields(buf[0:37])
	wantHeaderChecksum := binary.BigEndian.Uint32(buf[37:41])
	gotHeaderChecksum := crc32.ChecksumIEEE(buf[0:37])
	if wantHeaderChecksum != gotHeaderChecksum {
		return 0, Header{}, nil, verrors.New(verrors.CorruptBlock, "block.decode", "header checksum mismatch")
	}
	if h.PayloadLength < 0 {
		return 0, Header{}, nil, verrors.New(verrors.CorruptBlock, "block.decode", "negative payload_length")
	}
	total := FixedOverhead + int(h.PayloadLength)
	if len(buf) < total {
		return 0, Header{}, nil, verrors.New(verrors.CorruptBlock, "block.decode", "frame shorter than declared total_length")
	}
	payload = buf[41 : 41+h.PayloadLength]

	off := 41 + int(h.PayloadLength)
	wantPayloadChecksum := binary.BigEndian.Uint32(buf[off : off+4])
	footer := binary.BigEndian.Uint64(buf[off+4 : off+12])
	if footer != FooterMagic {
		return 0, Header{}, nil, verrors.New(verrors.CorruptBlock, "block.decode", "bad footer magic")
	}
	totalLenField := int64(binary.BigEndian.Uint64(buf[off+12 : off+20]))
	if totalLenField != int64(total) {
		return 0, Header{}, nil, verrors.New(verrors.CorruptBlock, "block.decode", "total_length field mismatch")
	}
	var gotPayloadChecksum uint32
	if len(payload) > 0 {
		gotPayloadChecksum = crc32.ChecksumIEEE(payload)
	}
	if wantPayloadChecksum != gotPayloadChecksum {
		return 0, Header{}, nil, verrors.New(verrors.CorruptBlock, "block.decode", "payload checksum mismatch")
	}
	return blockID, h, payload, nil
}

// BlockHash returns SHA-256(fixed-header-fields || payload), the quantity
// the hash chain (C4) hashes per block (spec §4.4). The header_checksum
// itself is excluded from the hashed region — it is a framing-layer CRC32
// over the header fields, not part of the logical block identity — so
// codec layering never affects chain membership.
func BlockHash(blockID int64, h Header, payload []byte) [32]byte {
	buf := make([]byte, 37+len(payload))
	encodeHeaderFields(buf[0:37], h, blockID)
	copy(buf[37:], payload)
	return sha256.Sum256(buf)
}
