package wire

import (
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type token string

func (t token) SecretToken() string { return string(t) }

func newToken(t *testing.T) token {
	t.Helper()
	raw := make([]byte, KeySize)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	return token(base64.URLEncoding.EncodeToString(raw))
}

func TestSealOpen(t *testing.T) {
	key, err := ParseKey(string(newToken(t)))
	require.NoError(t, err)

	frame := Seal(key, []byte("hello"))
	assert.Len(t, frame, HeaderSize+5)

	payload, err := Open(key, frame)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), payload)

	empty, err := Open(key, Seal(key, nil))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestOpenShortFrames(t *testing.T) {
	var key Key
	for n := 0; n < HeaderSize; n++ {
		_, err := Open(key, make([]byte, n))
		assert.ErrorIs(t, err, ErrShortFrame, "length %d", n)
	}
}

func TestOpenTampered(t *testing.T) {
	key, err := ParseKey(string(newToken(t)))
	require.NoError(t, err)
	frame := Seal(key, []byte("payload"))

	for i := 0; i < TagSize; i++ {
		bad := append([]byte(nil), frame...)
		bad[i] ^= 0x80
		_, err := Open(key, bad)
		assert.ErrorIs(t, err, ErrBadSignature)
	}

	bad := append([]byte(nil), frame...)
	bad[len(bad)-1] ^= 1
	_, err = Open(key, bad)
	assert.ErrorIs(t, err, ErrBadSignature)

	other, err := ParseKey(string(newToken(t)))
	require.NoError(t, err)
	_, err = Open(other, frame)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestOpenLengthMismatch(t *testing.T) {
	var key Key
	frame := Seal(key, []byte("abc"))
	// Re-sign a frame whose declared length is wrong.
	frame[TagSize] = 7
	copy(frame[:TagSize], tag(key, frame[TagSize:]))
	_, err := Open(key, frame)
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestParseKey(t *testing.T) {
	_, err := ParseKey("not base64 !!")
	assert.ErrorIs(t, err, ErrBadToken)

	_, err = ParseKey(base64.URLEncoding.EncodeToString(make([]byte, 16)))
	assert.ErrorIs(t, err, ErrBadToken)

	_, err = ParseKey(base64.RawURLEncoding.EncodeToString(make([]byte, KeySize)))
	assert.NoError(t, err)
}
