package ipc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/guppybot/guppybot/internal/session"
)

// Client talks to the daemon's control socket.
type Client struct {
	socketPath string
}

func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Call sends one request and decodes the reply data into out, which may
// be nil.
func (c *Client) Call(ctx context.Context, kind Kind, body, out any) error {
	req, err := NewRequest(kind, body)
	if err != nil {
		return err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("could not connect to guppybot socket at %s: %w", c.socketPath, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(readTimeout))
	}

	if err := WriteFrame(conn, req); err != nil {
		return err
	}
	var reply Reply
	if err := ReadFrame(conn, &reply); err != nil {
		return fmt.Errorf("failed to read reply for %s: %w", kind, err)
	}
	return reply.Result(out)
}

const (
	pollMin = 50 * time.Millisecond
	pollMax = 2 * time.Second
)

// Poll repeats an ack request until it reports Done or Stopped. The
// interval starts at 50ms and doubles up to 2s.
func Poll[T any](ctx context.Context, c *Client, kind Kind) (Ack[T], error) {
	delay := pollMin
	for {
		var ack Ack[T]
		if err := c.Call(ctx, kind, nil, &ack); err != nil {
			return Ack[T]{}, err
		}
		if ack.State != session.Pending {
			return ack, nil
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return Ack[T]{}, ctx.Err()
		case <-t.C:
		}
		delay = min(delay*2, pollMax)
	}
}
