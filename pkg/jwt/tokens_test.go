package jwt

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppTokenRoundTrip(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemData := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	parsedKey, err := ParsePrivateKey(pemData)
	require.NoError(t, err)

	now := time.Now()
	token, expires, err := GenerateAppToken("12345", parsedKey, now)
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(AppTokenTTL), expires, time.Second)

	claims, err := ParseAppToken(token, &key.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, "12345", claims.Issuer)
	assert.True(t, claims.IssuedAt.Before(now))
}

func TestParsePrivateKeyRejectsGarbage(t *testing.T) {
	_, err := ParsePrivateKey([]byte("not a key"))
	assert.Error(t, err)
}
