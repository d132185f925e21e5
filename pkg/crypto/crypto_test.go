package crypto

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher("unit-test-secret")
	require.NoError(t, err)

	passwords := []string{
		"p",
		"simple123",
		"with spaces and $ymbols!@#",
		`"quoted" & <angled>`,
	}

	// Printable ASCII up to 256 chars
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		n := 1 + rng.Intn(256)
		b := make([]byte, n)
		for j := range b {
			b[j] = byte(0x20 + rng.Intn(0x7f-0x20))
		}
		passwords = append(passwords, string(b))
	}

	for _, pw := range passwords {
		encrypted, err := c.Encrypt(pw)
		require.NoError(t, err)
		assert.NotEqual(t, pw, encrypted)

		decrypted, err := c.Decrypt(encrypted)
		require.NoError(t, err)
		assert.Equal(t, pw, decrypted)
	}
}

func TestCipherEmptyPassword(t *testing.T) {
	c, err := NewCipher("unit-test-secret")
	require.NoError(t, err)

	encrypted, err := c.Encrypt("")
	require.NoError(t, err)
	assert.Equal(t, "", encrypted)

	decrypted, err := c.Decrypt("")
	require.NoError(t, err)
	assert.Equal(t, "", decrypted)
}

func TestCipherNonDeterministicCiphertext(t *testing.T) {
	c, err := NewCipher("unit-test-secret")
	require.NoError(t, err)

	first, err := c.Encrypt("same password")
	require.NoError(t, err)
	second, err := c.Encrypt("same password")
	require.NoError(t, err)

	// Fresh nonce per call
	assert.NotEqual(t, first, second)
}

func TestCipherWrongKey(t *testing.T) {
	c1, err := NewCipher("secret-one")
	require.NoError(t, err)
	c2, err := NewCipher("secret-two")
	require.NoError(t, err)

	encrypted, err := c1.Encrypt("password")
	require.NoError(t, err)

	_, err = c2.Decrypt(encrypted)
	assert.Error(t, err)
}

func TestCipherMalformedInput(t *testing.T) {
	c, err := NewCipher("unit-test-secret")
	require.NoError(t, err)

	_, err = c.Decrypt("not base64url !!!")
	assert.Error(t, err)

	_, err = c.Decrypt("c2hvcnQ=") // valid base64, too short for a nonce
	assert.Error(t, err)
}

func TestNewCipherRejectsEmptySecret(t *testing.T) {
	_, err := NewCipher("")
	assert.Error(t, err)
}
