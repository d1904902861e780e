package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt(t *testing.T) {
	sealed, err := EncryptString("vault-key", "gho_secret")
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "gho_secret")

	plain, err := DecryptToString("vault-key", sealed)
	require.NoError(t, err)
	assert.Equal(t, "gho_secret", plain)
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	sealed, err := EncryptString("vault-key", "gho_secret")
	require.NoError(t, err)

	_, err = DecryptToString("other-key", sealed)
	assert.Error(t, err)

	_, err = DecryptToString("vault-key", sealed[:4])
	assert.Error(t, err)
}
