package security

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCrypto(t *testing.T) *Crypto {
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)

	c, err := NewCryptoFromKey(key)
	require.NoError(t, err)
	return c
}

func TestCrypto_RoundTrip(t *testing.T) {
	c := newTestCrypto(t)

	tests := []string{"", "x", "DATABASE_URL=postgres://u:p@host/db", "emoji 🎉 and ünïcode"}
	for _, plaintext := range tests {
		t.Run(fmt.Sprintf("%q", plaintext), func(t *testing.T) {
			sealed, err := c.EncryptString(plaintext)
			require.NoError(t, err)
			assert.NotEqual(t, []byte(plaintext), sealed)

			out, err := c.DecryptString(sealed)
			require.NoError(t, err)
			assert.Equal(t, plaintext, out)
		})
	}
}

func TestCrypto_NilPassthrough(t *testing.T) {
	c := newTestCrypto(t)

	sealed, err := c.Encrypt(nil)
	require.NoError(t, err)
	assert.Nil(t, sealed)

	out, err := c.Decrypt(nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestCrypto_UniqueNonces(t *testing.T) {
	c := newTestCrypto(t)

	a, err := c.EncryptString("same value")
	require.NoError(t, err)
	b, err := c.EncryptString("same value")
	require.NoError(t, err)

	assert.False(t, bytes.Equal(a, b), "two encryptions of the same value must differ")
}

func TestCrypto_TamperDetected(t *testing.T) {
	c := newTestCrypto(t)

	sealed, err := c.EncryptString("secret")
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff

	_, err = c.Decrypt(sealed)
	assert.Error(t, err)
}

func TestCrypto_BadKeySize(t *testing.T) {
	_, err := NewCryptoFromKey([]byte("too short"))
	assert.ErrorIs(t, err, ErrBadKey)
}

func TestJWT_MintAndVerify(t *testing.T) {
	secrets := map[string][]byte{
		"key-public-1": []byte("super-secret-api-key-value-00001"),
	}
	lookup := func(kid string) ([]byte, error) {
		s, ok := secrets[kid]
		if !ok {
			return nil, fmt.Errorf("unknown kid %q", kid)
		}
		return s, nil
	}
	svc := NewJWTService(lookup)

	token, err := svc.Mint("key-public-1", "project:api", time.Minute)
	require.NoError(t, err)

	subject, err := svc.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "project:api", subject)
}

func TestJWT_UnknownKid(t *testing.T) {
	svc := NewJWTService(func(kid string) ([]byte, error) {
		return nil, fmt.Errorf("unknown kid %q", kid)
	})

	_, err := svc.Verify("not-even-a-token")
	assert.Error(t, err)
}

func TestJWT_Expired(t *testing.T) {
	secret := []byte("super-secret-api-key-value-00002")
	lookup := func(string) ([]byte, error) { return secret, nil }
	svc := NewJWTService(lookup)

	token, err := svc.Mint("kid", "subject", -time.Minute)
	require.NoError(t, err)

	_, err = svc.Verify(token)
	assert.Error(t, err)
}

func TestJWT_WrongSecret(t *testing.T) {
	mint := NewJWTService(func(string) ([]byte, error) { return []byte("secret-a-secret-a-secret-a-secre"), nil })
	verify := NewJWTService(func(string) ([]byte, error) { return []byte("secret-b-secret-b-secret-b-secre"), nil })

	token, err := mint.Mint("kid", "subject", time.Minute)
	require.NoError(t, err)

	_, err = verify.Verify(token)
	assert.Error(t, err)
}
