// Package registry maintains the connection to the registry: connecting
// with a bounded wait, reconnecting with backoff after hangups, and
// keeping idle connections alive.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/guppybot/guppybot/internal/clock"
)

var (
	ErrNotConnected   = errors.New("registry: not connected")
	ErrConnectTimeout = errors.New("registry: connect timed out")
)

// DefaultConnectTimeout bounds the wait for a handshake.
const DefaultConnectTimeout = 30 * time.Second

type State int

const (
	Disconnected State = iota
	Connecting
	Open
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	default:
		return "disconnected"
	}
}

// Inbound is delivered for every received frame and once when a
// connection hangs up.
type Inbound struct {
	Frame  []byte
	Hangup bool
	Err    error
}

// Options configure a Manager.
type Options struct {
	URL            string
	Dialer         Dialer
	ConnectTimeout time.Duration
	Clock          clock.Clock
	Log            zerolog.Logger
	// Ping is called from a timer goroutine when the keepalive fires.
	Ping func(echo uint64)
}

// Manager owns the registry connection. Connect and Send are meant to be
// called from the daemon's event loop only.
type Manager struct {
	url     string
	dialer  Dialer
	timeout time.Duration
	clock   clock.Clock
	log     zerolog.Logger

	reconnect *Reconnect
	keepalive *Keepalive
	watchdog  *Watchdog

	inbound    chan Inbound
	reconnects chan struct{}
	done       chan struct{}
	closeOnce  sync.Once

	mu    sync.Mutex
	state State
	conn  Conn
	gen   uint64
}

func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.Ping == nil {
		opts.Ping = func(uint64) {}
	}
	m := &Manager{
		url:        opts.URL,
		dialer:     opts.Dialer,
		timeout:    opts.ConnectTimeout,
		clock:      opts.Clock,
		log:        opts.Log,
		reconnect:  NewReconnect(ReconnectPolicy),
		inbound:    make(chan Inbound, 64),
		reconnects: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	m.keepalive = NewKeepalive(opts.Clock, KeepaliveInterval, opts.Ping)
	m.watchdog = NewWatchdog(m.reconnect, opts.Clock, m.reconnects, opts.Log.With().Str("component", "watchdog").Logger())
	m.watchdog.Start()
	return m
}

// Events delivers received frames and hangups.
func (m *Manager) Events() <-chan Inbound { return m.inbound }

// Reconnects delivers the watchdog's reconnect requests.
func (m *Manager) Reconnects() <-chan struct{} { return m.reconnects }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Reconnect exposes the backoff record.
func (m *Manager) Reconnect() *Reconnect { return m.reconnect }

// KeepaliveLive reports whether a keepalive firing is still current.
func (m *Manager) KeepaliveLive(echo uint64) bool { return m.keepalive.Live(echo) }

type dialResult struct {
	conn Conn
	err  error
}

// Connect opens the connection unless it is already open. The dial runs
// on a worker goroutine; Connect waits for it at most the connect
// timeout. Any failure is handed to the watchdog.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != Disconnected {
		m.mu.Unlock()
		return nil
	}
	m.state = Connecting
	m.mu.Unlock()

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	rendezvous := make(chan dialResult, 1)
	go func() {
		conn, err := m.dialer.Dial(dialCtx, m.url)
		rendezvous <- dialResult{conn, err}
	}()
	abandon := func() {
		cancel()
		go func() {
			if r := <-rendezvous; r.conn != nil {
				r.conn.Close()
			}
		}()
	}

	var err error
	select {
	case r := <-rendezvous:
		if r.err == nil {
			m.open(r.conn)
			return nil
		}
		err = r.err
	case <-m.clock.After(m.timeout):
		abandon()
		err = fmt.Errorf("%w after %s", ErrConnectTimeout, m.timeout)
	case <-ctx.Done():
		abandon()
		m.setState(Disconnected)
		return ctx.Err()
	}

	m.log.Warn().Err(err).Str("url", m.url).Msg("registry connect failed")
	m.setState(Disconnected)
	m.reconnect.MarkClosed()
	m.watchdog.Notify()
	return err
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

func (m *Manager) open(conn Conn) {
	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.conn = conn
	m.state = Open
	m.mu.Unlock()

	m.reconnect.MarkOpen()
	m.keepalive.Arm()
	m.log.Info().Str("url", m.url).Msg("registry connection open")
	go m.readLoop(conn, gen)
}

func (m *Manager) readLoop(conn Conn, gen uint64) {
	for {
		frame, err := conn.ReadMessage()
		if err != nil {
			m.hangup(gen, err)
			return
		}
		m.keepalive.Arm()
		select {
		case m.inbound <- Inbound{Frame: frame}:
		case <-m.done:
			return
		}
	}
}

// hangup tears down connection gen. Later calls for the same connection
// are no-ops, so each connection hangs up exactly once.
func (m *Manager) hangup(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.state != Open {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	m.state = Disconnected
	m.mu.Unlock()

	conn.Close()
	m.reconnect.MarkClosed()
	m.keepalive.Stop()
	m.log.Warn().Err(cause).Msg("registry connection lost")
	m.watchdog.Notify()
	// Send may call hangup from the event loop itself.
	go func() {
		select {
		case m.inbound <- Inbound{Hangup: true, Err: cause}:
		case <-m.done:
		}
	}()
}

// Send writes one frame. A write error drops the connection.
func (m *Manager) Send(frame []byte) error {
	m.mu.Lock()
	if m.state != Open {
		m.mu.Unlock()
		return ErrNotConnected
	}
	conn, gen := m.conn, m.gen
	m.mu.Unlock()

	if err := conn.WriteMessage(frame); err != nil {
		m.hangup(gen, err)
		return fmt.Errorf("registry send: %w", err)
	}
	m.keepalive.Arm()
	return nil
}

// Close shuts the connection and stops the timers.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
		m.watchdog.Stop()
		m.keepalive.Stop()
	})
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.state = Disconnected
	m.gen++
	m.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
