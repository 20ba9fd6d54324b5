package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/chartly-labs/mailvault/internal/block"
	"github.com/chartly-labs/mailvault/pkg/verrors"
)

// EncryptionProvider implements one authenticated-encryption algorithm.
// blockID is always folded in as associated data so ciphertext from one
// block cannot be replayed under another's id. salt is the per-block salt
// the key manager records alongside the block's key; it seeds deterministic
// nonce derivation so Seal is reproducible for a given (key, salt, blockID)
// without needing to persist a random nonce for most algorithms.
type EncryptionProvider interface {
	Seal(key, salt []byte, blockID int64, plaintext []byte) (ciphertext []byte, err error)
	Open(key, salt []byte, blockID int64, ciphertext []byte) (plaintext []byte, err error)
}

var encryptionProviders = map[block.EncryptionAlgo]EncryptionProvider{
	block.EncryptionNone:          noneEncryption{},
	block.EncryptionAES256GCM:     aesGCMEncryption{},
	block.EncryptionChaCha20Poly:  chacha20Encryption{},
	block.EncryptionAES256CBCHMAC: aesCBCHMACEncryption{},
}

// Seal encrypts plaintext under algo, failing closed on an unknown enum.
func Seal(algo block.EncryptionAlgo, key, salt []byte, blockID int64, plaintext []byte) ([]byte, error) {
	p, ok := encryptionProviders[algo]
	if !ok {
		return nil, verrors.New(verrors.InvalidArgument, "codec.seal", "unknown encryption algorithm")
	}
	out, err := p.Seal(key, salt, blockID, plaintext)
	if err != nil {
		return nil, verrors.Wrap(err, verrors.AuthFailure, "codec.seal")
	}
	return out, nil
}

// Open decrypts and authenticates ciphertext under algo. Any authentication
// failure is reported as AuthFailure and the caller MUST treat the read as
// failed closed (spec §4.2, §7).
func Open(algo block.EncryptionAlgo, key, salt []byte, blockID int64, ciphertext []byte) ([]byte, error) {
	p, ok := encryptionProviders[algo]
	if !ok {
		return nil, verrors.New(verrors.VersionMismatch, "codec.open", "unknown encryption algorithm")
	}
	out, err := p.Open(key, salt, blockID, ciphertext)
	if err != nil {
		return nil, verrors.Wrap(err, verrors.AuthFailure, "codec.open")
	}
	return out, nil
}

type noneEncryption struct{}

func (noneEncryption) Seal(_, _ []byte, _ int64, p []byte) ([]byte, error) { return p, nil }
func (noneEncryption) Open(_, _ []byte, _ int64, c []byte) ([]byte, error) { return c, nil }

// deterministicNonce derives a nonce of the requested size from
// SHA-256(salt || blockID), truncated. Associated-data framing already
// binds the ciphertext to blockID, so a deterministic nonce here only needs
// to avoid (key, nonce) reuse across different blocks, which distinct
// block_ids/salts guarantee.
func deterministicNonce(salt []byte, blockID int64, size int) []byte {
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], uint64(blockID))
	h := sha256.New()
	h.Write(salt)
	h.Write(idBuf[:])
	sum := h.Sum(nil)
	return sum[:size]
}

func associatedData(blockID int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(blockID))
	return buf[:]
}

type aesGCMEncryption struct{}

func (aesGCMEncryption) aead(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (e aesGCMEncryption) Seal(key, salt []byte, blockID int64, plaintext []byte) ([]byte, error) {
	aead, err := e.aead(key)
	if err != nil {
		return nil, err
	}
	nonce := deterministicNonce(salt, blockID, aead.NonceSize())
	return aead.Seal(nil, nonce, plaintext, associatedData(blockID)), nil
}

func (e aesGCMEncryption) Open(key, salt []byte, blockID int64, ciphertext []byte) ([]byte, error) {
	aead, err := e.aead(key)
	if err != nil {
		return nil, err
	}
	nonce := deterministicNonce(salt, blockID, aead.NonceSize())
	return aead.Open(nil, nonce, ciphertext, associatedData(blockID))
}

type chacha20Encryption struct{}

func (chacha20Encryption) aead(key []byte) (cipher.AEAD, error) {
	return chacha20poly1305.New(key)
}

func (e chacha20Encryption) Seal(key, salt []byte, blockID int64, plaintext []byte) ([]byte, error) {
	aead, err := e.aead(key)
	if err != nil {
		return nil, err
	}
	nonce := deterministicNonce(salt, blockID, aead.NonceSize())
	return aead.Seal(nil, nonce, plaintext, associatedData(blockID)), nil
}

func (e chacha20Encryption) Open(key, salt []byte, blockID int64, ciphertext []byte) ([]byte, error) {
	aead, err := e.aead(key)
	if err != nil {
		return nil, err
	}
	nonce := deterministicNonce(salt, blockID, aead.NonceSize())
	return aead.Open(nil, nonce, ciphertext, associatedData(blockID))
}

// aesCBCHMACEncryption implements Encrypt-then-MAC: AES-256-CBC for
// confidentiality, HMAC-SHA256 over (associated data || iv || ciphertext)
// for authenticity. Unlike the two AEAD providers above, CBC needs a
// random (not deterministic) IV — reusing an IV under the same key leaks
// plaintext structure across blocks that an id-derived nonce alone
// wouldn't prevent for a non-AEAD mode — so the IV is generated with
// crypto/rand and carried in the ciphertext envelope, exactly as spec
// §4.2 allows ("or randomly (recorded in the ciphertext envelope)").
type aesCBCHMACEncryption struct{}

var errAuthFailure = errors.New("hmac authentication failed")

func splitKey(key []byte) (encKey, macKey []byte) {
	if len(key) < 64 {
		// Derive a 64-byte keystream from the supplied key via HMAC-SHA256
		// so callers can still pass a 32-byte master/per-block key.
		h := hmac.New(sha256.New, key)
		h.Write([]byte("mailvault-cbc-hmac-split"))
		expanded := h.Sum(nil)
		h2 := hmac.New(sha256.New, key)
		h2.Write(expanded)
		expanded = append(expanded, h2.Sum(nil)...)
		return expanded[:32], expanded[32:64]
	}
	return key[:32], key[32:64]
}

func (e aesCBCHMACEncryption) Seal(key, salt []byte, blockID int64, plaintext []byte) ([]byte, error) {
	encKey, macKey := splitKey(key)
	blk, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(blk, iv).CryptBlocks(ciphertext, padded)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(associatedData(blockID))
	mac.Write(iv)
	mac.Write(ciphertext)
	tag := mac.Sum(nil)

	out := make([]byte, 0, len(iv)+len(ciphertext)+len(tag))
	out = append(out, iv...)
	out = append(out, ciphertext...)
	out = append(out, tag...)
	return out, nil
}

func (e aesCBCHMACEncryption) Open(key, salt []byte, blockID int64, envelope []byte) ([]byte, error) {
	encKey, macKey := splitKey(key)
	if len(envelope) < aes.BlockSize+sha256.Size {
		return nil, errAuthFailure
	}
	iv := envelope[:aes.BlockSize]
	tag := envelope[len(envelope)-sha256.Size:]
	ciphertext := envelope[aes.BlockSize : len(envelope)-sha256.Size]
	if len(ciphertext)%aes.BlockSize != 0 || len(ciphertext) == 0 {
		return nil, errAuthFailure
	}

	mac := hmac.New(sha256.New, macKey)
	mac.Write(associatedData(blockID))
	mac.Write(iv)
	mac.Write(ciphertext)
	want := mac.Sum(nil)
	if !hmac.Equal(want, tag) {
		return nil, errAuthFailure
	}

	blk, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}
	plainPadded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(blk, iv).CryptBlocks(plainPadded, ciphertext)
	return pkcs7Unpad(plainPadded)
}

func pkcs7Pad(p []byte, blockSize int) []byte {
	padLen := blockSize - len(p)%blockSize
	out := make([]byte, len(p)+padLen)
	copy(out, p)
	for i := len(p); i < len(out); i++ {
		out[i] = byte(padLen)
	}
	return out
}

func pkcs7Unpad(p []byte) ([]byte, error) {
	if len(p) == 0 {
		return nil, errAuthFailure
	}
	padLen := int(p[len(p)-1])
	if padLen == 0 || padLen > len(p) {
		return nil, errAuthFailure
	}
	for _, b := range p[len(p)-padLen:] {
		if int(b) != padLen {
			return nil, errAuthFailure
		}
	}
	return p[:len(p)-padLen], nil
}
