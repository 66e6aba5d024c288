package util

import (
	"crypto/x509"
	"encoding/pem"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenToHash(t *testing.T) {
	hash := TokenToHash("secret")
	assert.Len(t, hash, 64)
	assert.Equal(t, hash, TokenToHash("secret"))
	assert.NotEqual(t, hash, TokenToHash("other"))
}

func TestRandomToken(t *testing.T) {
	a, err := RandomToken(16)
	require.NoError(t, err)
	b, err := RandomToken(16)
	require.NoError(t, err)

	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}

func TestGetNameAndVersion(t *testing.T) {
	assert.NotEmpty(t, GetVersion())
	assert.True(t, strings.HasPrefix(GetNameAndVersion(), "courier / "))
	assert.Contains(t, UserAgent("courier.example"), "courier.example")
}

func TestGeneratePemKeypair(t *testing.T) {
	pair, err := GeneratePemKeypair(1024)
	require.NoError(t, err)

	block, _ := pem.Decode([]byte(pair.Private))
	require.NotNil(t, block)
	assert.Equal(t, "RSA PRIVATE KEY", block.Type)
	_, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	require.NoError(t, err)

	block, _ = pem.Decode([]byte(pair.Public))
	require.NotNil(t, block)
	assert.Equal(t, "PUBLIC KEY", block.Type)
	_, err = x509.ParsePKIXPublicKey(block.Bytes)
	require.NoError(t, err)
}

func TestPrettyPrint(t *testing.T) {
	out := PrettyPrint(map[string]int{"a": 1})
	assert.Contains(t, out, `"a": 1`)
}
