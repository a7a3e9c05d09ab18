package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/guppybot/guppybot/internal/codec"
)

// MaxFrame is the largest payload either side accepts.
const MaxFrame = 4092

var ErrFrameTooLarge = errors.New("ipc: frame exceeds 4092 bytes")

// WriteFrame encodes v as CBOR and writes it behind a 4-byte
// little-endian length.
func WriteFrame(w io.Writer, v any) error {
	payload, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(payload) > MaxFrame {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Fits reports whether v encodes to a frame the peer will accept.
func Fits(v any) bool {
	payload, err := codec.Marshal(v)
	return err == nil && len(payload) <= MaxFrame
}

// ReadFrame reads one frame and decodes it into v.
func ReadFrame(r io.Reader, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > MaxFrame {
		return ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("read frame body: %w", err)
	}
	if err := codec.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}
