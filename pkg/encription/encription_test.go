package encription

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)

	enc := NewEnc("supersecretkey", salt)
	sealed, err := enc.Encrypt([]byte("hello world"))
	require.NoError(t, err)
	assert.NotContains(t, sealed, "hello")

	plain, err := enc.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(plain))
}

func TestDecryptWithWrongKey(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)

	sealed, err := NewEnc("right", salt).Encrypt([]byte("hello world"))
	require.NoError(t, err)

	_, err = NewEnc("wrong", salt).Decrypt(sealed)
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = NewEnc("right", salt).Decrypt("not base64!")
	assert.Error(t, err)
}

func TestPassphraseHash(t *testing.T) {
	hash, err := HashPassphrase("open sesame")
	require.NoError(t, err)

	assert.True(t, CheckPassphrase(hash, "open sesame"))
	assert.False(t, CheckPassphrase(hash, "open barley"))
}
