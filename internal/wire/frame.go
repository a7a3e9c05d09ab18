// Package wire implements the signed framing and message set exchanged
// with the registry.
//
// A frame is
//
//	[32-byte tag][4-byte little-endian payload length][payload]
//
// where the tag is HMAC-SHA-512, truncated to 32 bytes, over everything
// after the tag. Frames are authenticated before their payload is
// interpreted.
package wire

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	KeySize    = 32
	TagSize    = 32
	HeaderSize = TagSize + 4
)

var (
	ErrShortFrame     = errors.New("wire: frame too short")
	ErrBadSignature   = errors.New("wire: signature verification failed")
	ErrLengthMismatch = errors.New("wire: payload length mismatch")
	ErrBadToken       = errors.New("wire: malformed secret token")
	ErrNoCredentials  = errors.New("wire: no api credentials")
	ErrDecode         = errors.New("wire: cannot decode payload")
)

// Key is the symmetric signing key derived from an api secret token.
type Key [KeySize]byte

// ParseKey decodes a base64url secret token. It must decode to exactly
// KeySize bytes.
func ParseKey(token string) (Key, error) {
	var k Key
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(token)
	}
	if err != nil {
		return k, fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	if len(raw) != KeySize {
		return k, fmt.Errorf("%w: decoded to %d bytes, want %d", ErrBadToken, len(raw), KeySize)
	}
	copy(k[:], raw)
	return k, nil
}

func tag(key Key, body []byte) []byte {
	mac := hmac.New(sha512.New, key[:])
	mac.Write(body)
	return mac.Sum(nil)[:TagSize]
}

// Seal frames and signs payload.
func Seal(key Key, payload []byte) []byte {
	frame := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[TagSize:HeaderSize], uint32(len(payload)))
	copy(frame[HeaderSize:], payload)
	copy(frame[:TagSize], tag(key, frame[TagSize:]))
	return frame
}

// Open verifies frame and returns its payload.
func Open(key Key, frame []byte) ([]byte, error) {
	if len(frame) < HeaderSize {
		return nil, ErrShortFrame
	}
	if !hmac.Equal(frame[:TagSize], tag(key, frame[TagSize:])) {
		return nil, ErrBadSignature
	}
	n := binary.LittleEndian.Uint32(frame[TagSize:HeaderSize])
	if uint64(n) != uint64(len(frame)-HeaderSize) {
		return nil, ErrLengthMismatch
	}
	return frame[HeaderSize:], nil
}
