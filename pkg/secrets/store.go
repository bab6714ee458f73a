// Package secrets implements the envelope encryption used for stored OAuth
// credentials.
//
// Each ciphertext blob is laid out as:
//
//	version(1) | kid_len(1) | kid(var) | nonce(12) | ciphertext-with-tag
//
// using AES-256-GCM. The caller supplies an associated-data string binding
// the blob to its storage location (see AAD); copying a ciphertext into a
// different row fails the tag check on read.
//
// Keys are addressed by a short string identifier (kid) so the store can
// carry several keys simultaneously during rotation: new writes use the
// active key, reads select the key named by the blob's kid byte.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/99designs/keyring"
)

// ServiceName is the constant identifier under which master keys live in the
// OS secret vault.
const ServiceName = "partnerd"

const (
	blobVersion   = 1
	nonceSize     = 12
	masterKeySize = 32
)

// ErrKeyMissing indicates the key named by a blob's kid is not loaded.
var ErrKeyMissing = errors.New("secrets: key not found")

// ErrDecryptFailed indicates an undecryptable blob: bad key material,
// corruption, or an AAD mismatch. Distinguishable from ErrKeyMissing so
// callers can tell operator errors from rotation gaps.
var ErrDecryptFailed = errors.New("secrets: decryption failed")

// AAD builds the associated-data context string for one encrypted field:
// "table|column|row-key|enc-version". All encrypted columns use this format.
func AAD(table, column, rowKey string) string {
	return fmt.Sprintf("%s|%s|%s|v%d", table, column, rowKey, blobVersion)
}

// Store encrypts and decrypts credential fields with AES-GCM.
type Store struct {
	aeads     map[string]cipher.AEAD
	activeKID string
}

// NewStore builds a Store from raw key material. keys maps kid to a 256-bit
// key; activeKID selects the key used for new ciphertexts and must be
// present in keys.
func NewStore(activeKID string, keys map[string][]byte) (*Store, error) {
	if len(keys) == 0 {
		return nil, errors.New("secrets: no keys provided")
	}
	if _, ok := keys[activeKID]; !ok {
		return nil, fmt.Errorf("secrets: active key %q not in key set", activeKID)
	}

	aeads := make(map[string]cipher.AEAD, len(keys))
	for kid, key := range keys {
		if len(kid) == 0 || len(kid) > 255 {
			return nil, fmt.Errorf("secrets: kid %q must be 1-255 bytes", kid)
		}
		if len(key) != masterKeySize {
			return nil, fmt.Errorf("secrets: key %q must be %d bytes, got %d", kid, masterKeySize, len(key))
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("secrets: key %q: %w", kid, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("secrets: key %q: %w", kid, err)
		}
		aeads[kid] = aead
	}

	return &Store{aeads: aeads, activeKID: activeKID}, nil
}

// Open loads master keys from the OS secret vault. activeKID names the key
// used for new writes; extraKIDs name retired keys kept loaded for reads
// during rotation.
func Open(activeKID string, extraKIDs ...string) (*Store, error) {
	ring, err := keyring.Open(keyring.Config{ServiceName: ServiceName})
	if err != nil {
		return nil, fmt.Errorf("secrets: open vault: %w", err)
	}

	keys := make(map[string][]byte, 1+len(extraKIDs))
	for _, kid := range append([]string{activeKID}, extraKIDs...) {
		item, err := ring.Get(kid)
		if err != nil {
			return nil, fmt.Errorf("secrets: load key %q from vault: %w", kid, err)
		}
		keys[kid] = decodeVaultKey(item.Data)
	}

	return NewStore(activeKID, keys)
}

// decodeVaultKey accepts either raw 32-byte key material or its base64
// encoding (some vault frontends only store printable strings).
func decodeVaultKey(data []byte) []byte {
	if len(data) == masterKeySize {
		return data
	}
	if decoded, err := base64.StdEncoding.DecodeString(string(data)); err == nil {
		return decoded
	}
	return data
}

// ActiveKID returns the key id used for new ciphertexts.
func (s *Store) ActiveKID() string {
	return s.activeKID
}

// Encrypt seals plaintext under the active key, bound to aad.
// Nonces are drawn from crypto/rand and never reused.
func (s *Store) Encrypt(plaintext []byte, aad string) ([]byte, error) {
	aead := s.aeads[s.activeKID]

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("secrets: draw nonce: %w", err)
	}

	blob := make([]byte, 0, 2+len(s.activeKID)+nonceSize+len(plaintext)+aead.Overhead())
	blob = append(blob, blobVersion)
	blob = append(blob, byte(len(s.activeKID)))
	blob = append(blob, s.activeKID...)
	blob = append(blob, nonce...)
	return aead.Seal(blob, nonce, plaintext, []byte(aad)), nil
}

// Decrypt opens a blob produced by Encrypt. The same aad that sealed the
// blob must be supplied; any mismatch returns ErrDecryptFailed. A blob
// naming an unloaded key returns ErrKeyMissing.
func (s *Store) Decrypt(blob []byte, aad string) ([]byte, error) {
	if len(blob) < 2 {
		return nil, fmt.Errorf("%w: truncated blob", ErrDecryptFailed)
	}
	if blob[0] != blobVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrDecryptFailed, blob[0])
	}

	kidLen := int(blob[1])
	if len(blob) < 2+kidLen+nonceSize {
		return nil, fmt.Errorf("%w: truncated blob", ErrDecryptFailed)
	}
	kid := string(blob[2 : 2+kidLen])

	aead, ok := s.aeads[kid]
	if !ok {
		return nil, fmt.Errorf("%w: kid %q", ErrKeyMissing, kid)
	}

	nonce := blob[2+kidLen : 2+kidLen+nonceSize]
	ciphertext := blob[2+kidLen+nonceSize:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(aad))
	if err != nil {
		return nil, fmt.Errorf("%w: kid %q: %v", ErrDecryptFailed, kid, err)
	}
	return plaintext, nil
}
