package crypto

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := LoadOrCreate(filepath.Join(t.TempDir(), ".oauth-key"))
	require.NoError(t, err)
	return svc
}

func TestLoadOrCreate_KeyFilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes are not meaningful on windows")
	}
	path := filepath.Join(t.TempDir(), ".oauth-key")
	_, err := LoadOrCreate(path)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	assert.EqualValues(t, 32, info.Size())
}

func TestLoadOrCreate_ReloadsSameKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".oauth-key")
	first, err := LoadOrCreate(path)
	require.NoError(t, err)

	ciphertext, err := first.Encrypt("secret value")
	require.NoError(t, err)

	second, err := LoadOrCreate(path)
	require.NoError(t, err)
	plaintext, err := second.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "secret value", plaintext)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	svc := newTestService(t)

	for _, plaintext := range []string{"a", "hello world", "ghp_abcdef0123456789", "多字节 ✓"} {
		ciphertext, err := svc.Encrypt(plaintext)
		require.NoError(t, err)
		assert.NotEqual(t, plaintext, ciphertext)

		got, err := svc.Decrypt(ciphertext)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestEncrypt_EmptyStringStaysEmpty(t *testing.T) {
	svc := newTestService(t)

	ciphertext, err := svc.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, ciphertext)

	plaintext, err := svc.Decrypt("")
	require.NoError(t, err)
	assert.Empty(t, plaintext)
}

func TestEncrypt_FreshNoncePerCall(t *testing.T) {
	svc := newTestService(t)

	first, err := svc.Encrypt("same input")
	require.NoError(t, err)
	second, err := svc.Encrypt("same input")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestDecrypt_TamperedCiphertextFails(t *testing.T) {
	svc := newTestService(t)

	ciphertext, err := svc.Encrypt("do not touch")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)

	_, err = svc.Decrypt(tampered)
	require.Error(t, err)
	var ce *CryptoError
	assert.ErrorAs(t, err, &ce)
}

func TestDecrypt_WrongKeyFails(t *testing.T) {
	first := newTestService(t)
	second := newTestService(t)

	ciphertext, err := first.Encrypt("secret")
	require.NoError(t, err)

	_, err = second.Decrypt(ciphertext)
	var ce *CryptoError
	assert.ErrorAs(t, err, &ce)
}

func TestEncryptDecrypt_Property(t *testing.T) {
	svc := newTestService(t)

	rapid.Check(t, func(t *rapid.T) {
		plaintext := rapid.String().Draw(t, "plaintext")
		ciphertext, err := svc.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		got, err := svc.Decrypt(ciphertext)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if got != plaintext {
			t.Fatalf("round trip mismatch: %q != %q", got, plaintext)
		}
		if plaintext != "" && ciphertext == plaintext {
			t.Fatalf("ciphertext equals plaintext")
		}
	})
}

func TestHashVerify(t *testing.T) {
	digest, err := Hash("correct horse battery staple")
	require.NoError(t, err)

	assert.True(t, VerifyHash("correct horse battery staple", digest))
	assert.False(t, VerifyHash("correct horse battery stable", digest))
	assert.False(t, VerifyHash("correct horse battery staple", "not-a-digest"))
}

func TestHash_UniqueSalts(t *testing.T) {
	first, err := Hash("same data")
	require.NoError(t, err)
	second, err := Hash("same data")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.True(t, VerifyHash("same data", first))
	assert.True(t, VerifyHash("same data", second))
}

func TestRandomToken(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok, err := RandomToken(32)
		require.NoError(t, err)
		raw, err := base64.RawURLEncoding.DecodeString(tok)
		require.NoError(t, err)
		assert.Len(t, raw, 32)
		assert.False(t, seen[tok], "token repeated")
		seen[tok] = true
	}
}

func TestPKCEChallenge_KnownVector(t *testing.T) {
	// Appendix B of RFC 7636.
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", PKCEChallenge(verifier))
}

func TestBackupEncryptDecrypt_RoundTrip(t *testing.T) {
	blob := []byte(`{"configs":[],"tokens":[{"access_token":"tok"}]}`)

	sealed, err := BackupEncrypt(blob, "hunter2")
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "access_token")
	assert.GreaterOrEqual(t, len(sealed), 32+16+16)

	got, err := BackupDecrypt(sealed, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, blob, got)
}

func TestBackupDecrypt_WrongPassphrase(t *testing.T) {
	sealed, err := BackupEncrypt([]byte("payload"), "right")
	require.NoError(t, err)

	_, err = BackupDecrypt(sealed, "wrong")
	var ce *CryptoError
	assert.ErrorAs(t, err, &ce)
}

func TestRekey(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".oauth-key")
	svc, err := LoadOrCreate(path)
	require.NoError(t, err)

	old, err := svc.Encrypt("value")
	require.NoError(t, err)

	newKey, err := GenerateKey()
	require.NoError(t, err)
	require.NoError(t, svc.Rekey(newKey))

	_, err = svc.Decrypt(old)
	assert.Error(t, err, "old ciphertext must not decrypt under the new key")

	fresh, err := svc.Encrypt("value")
	require.NoError(t, err)
	plaintext, err := svc.Decrypt(fresh)
	require.NoError(t, err)
	assert.Equal(t, "value", plaintext)

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, newKey, onDisk)
}
