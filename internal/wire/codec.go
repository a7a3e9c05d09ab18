package wire

import (
	"fmt"
	"sync"

	"github.com/guppybot/guppybot/internal/codec"
)

type envelope struct {
	Kind string           `cbor:"kind"`
	Body codec.RawMessage `cbor:"body"`
}

// Marshal encodes msg into a tagged payload.
func Marshal(msg Message) ([]byte, error) {
	body, err := codec.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	return codec.Marshal(envelope{Kind: msg.Kind(), Body: body})
}

// Unmarshal decodes a tagged payload. Unknown kinds are errors.
func Unmarshal(payload []byte) (Message, error) {
	var env envelope
	if err := codec.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	ctor, ok := kinds[env.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown message kind %q", ErrDecode, env.Kind)
	}
	msg := ctor()
	if err := codec.Unmarshal(env.Body, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, env.Kind, err)
	}
	return msg, nil
}

// Credentials supplies the secret token a Channel signs with.
type Credentials interface {
	SecretToken() string
}

// Channel signs and verifies the frames of one registry connection. The
// key is resolved from the credentials on first use and kept for the
// lifetime of the Channel.
type Channel struct {
	mu  sync.Mutex
	key *Key
}

func NewChannel() *Channel { return &Channel{} }

func (c *Channel) resolve(creds Credentials) (Key, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key != nil {
		return *c.key, nil
	}
	if creds == nil {
		return Key{}, ErrNoCredentials
	}
	k, err := ParseKey(creds.SecretToken())
	if err != nil {
		return Key{}, err
	}
	c.key = &k
	return k, nil
}

// Encode signs msg into a frame.
func (c *Channel) Encode(creds Credentials, msg Message) ([]byte, error) {
	key, err := c.resolve(creds)
	if err != nil {
		return nil, err
	}
	payload, err := Marshal(msg)
	if err != nil {
		return nil, err
	}
	return Seal(key, payload), nil
}

// Decode verifies frame and only then decodes its payload.
func (c *Channel) Decode(creds Credentials, frame []byte) (Message, error) {
	key, err := c.resolve(creds)
	if err != nil {
		return nil, err
	}
	payload, err := Open(key, frame)
	if err != nil {
		return nil, err
	}
	return Unmarshal(payload)
}
