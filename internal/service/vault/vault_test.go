package vault

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MarketPull/pkg/clock"
	"MarketPull/pkg/logger"
)

func openTestVault(t *testing.T, path string) (*Vault, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC))
	v, err := Open(path, fake, logger.Nop())
	require.NoError(t, err)
	return v, fake
}

func TestVaultInitializeAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "vault.enc")

	v, _ := openTestVault(t, path)
	assert.False(t, v.Configured(), "no container before first unlock")
	assert.True(t, v.Locked())

	require.NoError(t, v.Unlock("correct horse battery staple"))
	assert.True(t, v.Configured())
	assert.False(t, v.Locked())

	require.NoError(t, v.Put("finnhub", []byte("fh-api-key-123")))

	// A fresh process sees the container and the same secret.
	reopened, _ := openTestVault(t, path)
	assert.True(t, reopened.Configured())
	require.NoError(t, reopened.Unlock("correct horse battery staple"))

	secret, err := reopened.Get("finnhub")
	require.NoError(t, err)
	defer secret.Close()
	assert.Equal(t, []byte("fh-api-key-123"), secret.Bytes())
}

func TestVaultWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.enc")

	v, _ := openTestVault(t, path)
	require.NoError(t, v.Unlock("right one"))
	require.NoError(t, v.Put("edgar", []byte("contact@example.com")))

	reopened, _ := openTestVault(t, path)
	err := reopened.Unlock("wrong one")
	assert.ErrorIs(t, err, ErrInvalidPassphrase)
	assert.True(t, reopened.Locked())

	_, err = reopened.Get("edgar")
	assert.ErrorIs(t, err, ErrLocked)
}

func TestVaultLockedAndMissingService(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.enc")
	v, _ := openTestVault(t, path)

	_, err := v.Get("finnhub")
	assert.ErrorIs(t, err, ErrLocked)
	assert.ErrorIs(t, v.Put("finnhub", []byte("x")), ErrLocked)

	require.NoError(t, v.Unlock("pass"))
	_, err = v.Get("nope")
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.ErrorIs(t, v.Remove("nope"), ErrNotConfigured)
}

func TestVaultTamperedEntryFailsIntegrity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.enc")

	v, _ := openTestVault(t, path)
	require.NoError(t, v.Unlock("pass"))
	require.NoError(t, v.Put("finnhub", []byte("fh-api-key-123")))

	// Flip one ciphertext byte on disk.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var data container
	require.NoError(t, json.Unmarshal(raw, &data))
	ent := data.Entries["finnhub"]
	ent.Blob[len(ent.Blob)-1] ^= 0x01
	data.Entries["finnhub"] = ent
	tampered, err := json.Marshal(&data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, tampered, 0o600))

	reopened, _ := openTestVault(t, path)
	require.NoError(t, reopened.Unlock("pass"), "the sentinel was not touched")

	_, err = reopened.Get("finnhub")
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestVaultNeverStoresPlaintext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.enc")
	plaintext := []byte("extremely-identifiable-secret-material")

	v, _ := openTestVault(t, path)
	require.NoError(t, v.Unlock("pass"))
	require.NoError(t, v.Put("finnhub", plaintext))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(raw, plaintext), "container leaked plaintext")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSecretCloseZeroes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.enc")
	v, _ := openTestVault(t, path)
	require.NoError(t, v.Unlock("pass"))
	require.NoError(t, v.Put("finnhub", []byte("zero-me")))

	secret, err := v.Get("finnhub")
	require.NoError(t, err)
	buf := secret.Bytes()
	secret.Close()

	for i, b := range buf {
		assert.Zerof(t, b, "byte %d survived Close", i)
	}
	assert.Nil(t, secret.Bytes())
	assert.Equal(t, "vault.Secret(redacted)", fmt.Sprintf("%v", secret))
}

func TestWithSecretClosesOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.enc")
	v, _ := openTestVault(t, path)
	require.NoError(t, v.Unlock("pass"))
	require.NoError(t, v.Put("finnhub", []byte("scoped")))

	var captured []byte
	sentinel := errors.New("probe failed")
	err := v.WithSecret("finnhub", func(secret []byte) error {
		captured = secret
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	for i, b := range captured {
		assert.Zerof(t, b, "byte %d survived the scope", i)
	}
}

func TestVaultStatusAndValidity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.enc")
	v, fake := openTestVault(t, path)
	require.NoError(t, v.Unlock("pass"))
	require.NoError(t, v.Put("finnhub", []byte("a")))
	require.NoError(t, v.Put("edgar", []byte("b")))

	statuses := v.Status()
	require.Len(t, statuses, 2)
	assert.Equal(t, "edgar", statuses[0].Service)
	assert.Equal(t, "finnhub", statuses[1].Service)
	assert.Equal(t, ValidityUnknown, statuses[0].Validity)
	assert.True(t, statuses[0].LastUsed.IsZero(), "never used yet")

	fake.Advance(time.Minute)
	secret, err := v.Get("edgar")
	require.NoError(t, err)
	secret.Close()
	require.NoError(t, v.MarkValidity("edgar", true))

	statuses = v.Status()
	assert.Equal(t, ValidityValid, statuses[0].Validity)
	assert.Equal(t, fake.Now().UTC(), statuses[0].LastUsed)
}

func TestVaultGetDoesNotRewriteContainer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.enc")
	v, fake := openTestVault(t, path)
	require.NoError(t, v.Unlock("pass"))
	require.NoError(t, v.Put("finnhub", []byte("fh-key")))

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	// Every outbound call reads the secret; none of them should touch
	// the container on disk.
	for i := 0; i < 5; i++ {
		fake.Advance(time.Second)
		require.NoError(t, v.WithSecret("finnhub", func([]byte) error { return nil }))
	}

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after, "secret reads must not rewrite the container")

	// Status still reflects the in-memory stamp immediately.
	statuses := v.Status()
	require.Len(t, statuses, 1)
	assert.Equal(t, fake.Now().UTC(), statuses[0].LastUsed)

	// The stamp rides along with the next real write and survives a
	// reopen.
	require.NoError(t, v.Put("edgar", []byte("contact@example.com")))
	stamped := statuses[0].LastUsed

	reopened, _ := openTestVault(t, path)
	require.NoError(t, reopened.Unlock("pass"))
	statuses = reopened.Status()
	require.Len(t, statuses, 2)
	assert.Equal(t, "finnhub", statuses[1].Service)
	assert.True(t, statuses[1].LastUsed.Equal(stamped),
		"persisted stamp %v, want %v", statuses[1].LastUsed, stamped)
}
