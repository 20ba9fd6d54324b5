package codec

import (
	"github.com/chartly-labs/mailvault/internal/block"
)

// Encode applies compression then authenticated encryption, matching the
// write-side order in spec §4.2 (compress, then encrypt, then frame).
func Encode(compression block.CompressionAlgo, encryption block.EncryptionAlgo, key, salt []byte, blockID int64, plain []byte) ([]byte, error) {
	compressed, err := Compress(compression, plain)
	if err != nil {
		return nil, err
	}
	return Seal(encryption, key, salt, blockID, compressed)
}

// Decode reverses Encode: decrypt (verifying the AEAD tag, failing closed
// on mismatch) then decompress.
func Decode(compression block.CompressionAlgo, encryption block.EncryptionAlgo, key, salt []byte, blockID int64, wire []byte) ([]byte, error) {
	decrypted, err := Open(encryption, key, salt, blockID, wire)
	if err != nil {
		return nil, err
	}
	return Decompress(compression, decrypted)
}
