package jwt

import (
	"crypto/rsa"
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// AppTokenTTL is the lifetime of a GitHub App JWT; GitHub rejects anything above ten minutes.
const AppTokenTTL = 9 * time.Minute

// clockSkew backdates iat so a slightly fast upstream clock still accepts the token.
const clockSkew = 60 * time.Second

// ParsePrivateKey decodes a PEM encoded RSA private key.
func ParsePrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	key, err := jwtlib.ParseRSAPrivateKeyFromPEM(pemData)
	if err != nil {
		return nil, fmt.Errorf("parse app private key: %w", err)
	}
	return key, nil
}

// GenerateAppToken issues an RS256 JWT identifying the GitHub App appID.
func GenerateAppToken(appID string, key *rsa.PrivateKey, now time.Time) (string, time.Time, error) {
	expires := now.Add(AppTokenTTL)
	claims := jwtlib.RegisteredClaims{
		Issuer:    appID,
		IssuedAt:  jwtlib.NewNumericDate(now.Add(-clockSkew)),
		ExpiresAt: jwtlib.NewNumericDate(expires),
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodRS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// ParseAppToken validates token against the App's public key and returns its claims.
func ParseAppToken(token string, key *rsa.PublicKey) (*jwtlib.RegisteredClaims, error) {
	parsed, err := jwtlib.ParseWithClaims(token, &jwtlib.RegisteredClaims{}, func(t *jwtlib.Token) (interface{}, error) {
		return key, nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodRS256.Name}))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*jwtlib.RegisteredClaims)
	if !ok || !parsed.Valid {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	return claims, nil
}
