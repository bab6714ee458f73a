package secrets

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, masterKeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore("k1", map[string][]byte{"k1": testKey(t)})
	require.NoError(t, err)
	return store
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	store := newTestStore(t)
	aad := AAD("credential_grants", "access_token_enc", "alice")

	plaintexts := [][]byte{
		[]byte("oauth-access-token-value"),
		[]byte(""),
		[]byte{0x00, 0xff, 0x10},
		bytes.Repeat([]byte("x"), 4096),
	}
	for _, plaintext := range plaintexts {
		blob, err := store.Encrypt(plaintext, aad)
		require.NoError(t, err)

		got, err := store.Decrypt(blob, aad)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestDecryptRejectsAADMismatch(t *testing.T) {
	store := newTestStore(t)

	blob, err := store.Encrypt([]byte("token"), AAD("credential_grants", "access_token_enc", "alice"))
	require.NoError(t, err)

	// Same table and column, different row: simulates copying ciphertext
	// into another broadcaster's grant.
	_, err = store.Decrypt(blob, AAD("credential_grants", "access_token_enc", "bob"))
	assert.ErrorIs(t, err, ErrDecryptFailed)

	_, err = store.Decrypt(blob, AAD("credential_grants", "refresh_token_enc", "alice"))
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestDecryptRejectsCorruptedBlob(t *testing.T) {
	store := newTestStore(t)
	aad := AAD("credential_grants", "access_token_enc", "alice")

	blob, err := store.Encrypt([]byte("token"), aad)
	require.NoError(t, err)

	corrupted := append([]byte(nil), blob...)
	corrupted[len(corrupted)-1] ^= 0x01
	_, err = store.Decrypt(corrupted, aad)
	assert.ErrorIs(t, err, ErrDecryptFailed)

	_, err = store.Decrypt(blob[:3], aad)
	assert.ErrorIs(t, err, ErrDecryptFailed)

	_, err = store.Decrypt(nil, aad)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestDecryptMissingKeyIsDistinct(t *testing.T) {
	aad := AAD("credential_grants", "access_token_enc", "alice")

	old, err := NewStore("k1", map[string][]byte{"k1": testKey(t)})
	require.NoError(t, err)
	blob, err := old.Encrypt([]byte("token"), aad)
	require.NoError(t, err)

	// A store that never loaded k1 must report key-missing, not decrypt-failed.
	fresh, err := NewStore("k2", map[string][]byte{"k2": testKey(t)})
	require.NoError(t, err)

	_, err = fresh.Decrypt(blob, aad)
	assert.ErrorIs(t, err, ErrKeyMissing)
	assert.NotErrorIs(t, err, ErrDecryptFailed)
}

func TestKeyRotation(t *testing.T) {
	aad := AAD("credential_grants", "refresh_token_enc", "alice")
	k1, k2 := testKey(t), testKey(t)

	old, err := NewStore("k1", map[string][]byte{"k1": k1})
	require.NoError(t, err)
	oldBlob, err := old.Encrypt([]byte("refresh-token"), aad)
	require.NoError(t, err)

	// Rotated store: k2 active, k1 retained for reads.
	rotated, err := NewStore("k2", map[string][]byte{"k1": k1, "k2": k2})
	require.NoError(t, err)

	got, err := rotated.Decrypt(oldBlob, aad)
	require.NoError(t, err)
	assert.Equal(t, []byte("refresh-token"), got)

	newBlob, err := rotated.Encrypt([]byte("refresh-token"), aad)
	require.NoError(t, err)
	assert.Equal(t, "k2", string(newBlob[2:2+newBlob[1]]))
}

func TestNonceUniqueness(t *testing.T) {
	store := newTestStore(t)
	aad := AAD("credential_grants", "access_token_enc", "alice")

	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		blob, err := store.Encrypt([]byte("token"), aad)
		require.NoError(t, err)
		kidLen := int(blob[1])
		nonce := string(blob[2+kidLen : 2+kidLen+nonceSize])
		assert.False(t, seen[nonce], "nonce reused")
		seen[nonce] = true
	}
}

func TestNewStoreValidation(t *testing.T) {
	_, err := NewStore("k1", nil)
	assert.Error(t, err)

	_, err = NewStore("missing", map[string][]byte{"k1": testKey(t)})
	assert.Error(t, err)

	_, err = NewStore("k1", map[string][]byte{"k1": []byte("short")})
	assert.Error(t, err)
}

func TestAADFormat(t *testing.T) {
	assert.Equal(t, "credential_grants|access_token_enc|alice|v1",
		AAD("credential_grants", "access_token_enc", "alice"))
}
