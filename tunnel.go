package calico

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/xtaci/kcp-go/v5"
)

type connType int

const (
	tcp connType = iota
	udp
)

// Tunnel runs the stream channel of an endpoint over a framed connection.
// The endpoint itself is not safe for concurrent use, so the tunnel guards
// it with a mutex: one goroutine may Send while another Receives.
type Tunnel struct {
	conn     *Conn
	endpoint *Endpoint
	mu       sync.Mutex
}

// Send encrypts msg and writes it as one framed message. The lock is held
// across the write so frames go out in counter order.
func (t *Tunnel) Send(msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	sealed, err := t.endpoint.EncryptStream(msg)
	if err != nil {
		return fmt.Errorf("encrypting: %w", err)
	}
	if err := t.conn.WriteBytes(sealed); err != nil {
		return fmt.Errorf("writing: %w", err)
	}
	return nil
}

// Receive reads the next framed message and decrypts it. Intended for a
// single receiving goroutine; the blocking read happens outside the lock.
func (t *Tunnel) Receive() ([]byte, error) {
	payload, err := t.conn.ReadBytes()
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}

	t.mu.Lock()
	msg, err := t.endpoint.DecryptStream(payload)
	t.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("decrypting payload: %w", err)
	}
	return msg, nil
}

// Endpoint exposes the underlying endpoint, e.g. for SessionDigest.
func (t *Tunnel) Endpoint() *Endpoint { return t.endpoint }

// Close destroys the endpoint's keys and closes the connection.
func (t *Tunnel) Close() error {
	t.endpoint.Destroy()
	return t.conn.Close()
}

type dialer struct {
	connType     connType
	readTimeout  time.Duration
	writeTimeout time.Duration
	maxSize      uint32
	endpointOpts []Option
	conn         net.Conn
}

// TunnelOption configures Dial and Listen.
type TunnelOption func(*dialer) error

// WithTCP carries the tunnel over TCP. This is the default.
func WithTCP() TunnelOption {
	return func(d *dialer) error {
		d.connType = tcp
		return nil
	}
}

// WithUDP carries the tunnel over KCP, a reliable in-order protocol on top
// of UDP, satisfying the stream channel's delivery requirements on networks
// where TCP is unavailable or undesirable.
func WithUDP() TunnelOption {
	return func(d *dialer) error {
		d.connType = udp
		return nil
	}
}

// WithExistingConn runs the tunnel over an already established connection.
func WithExistingConn(conn net.Conn) TunnelOption {
	return func(d *dialer) error {
		if d.conn != nil {
			return fmt.Errorf("already have a conn override")
		}
		d.conn = conn
		return nil
	}
}

// WithReadTimeout sets the per-message read deadline. Zero disables it.
func WithReadTimeout(timeout time.Duration) TunnelOption {
	return func(d *dialer) error {
		d.readTimeout = timeout
		return nil
	}
}

// WithWriteTimeout sets the per-message write deadline. Zero disables it.
func WithWriteTimeout(timeout time.Duration) TunnelOption {
	return func(d *dialer) error {
		d.writeTimeout = timeout
		return nil
	}
}

// WithMaxMessageSize caps the framed message size.
func WithMaxMessageSize(n uint32) TunnelOption {
	return func(d *dialer) error {
		if n == 0 {
			return fmt.Errorf("max message size must be positive")
		}
		d.maxSize = n
		return nil
	}
}

// WithEndpointOptions passes options through to the endpoint constructor.
func WithEndpointOptions(opts ...Option) TunnelOption {
	return func(d *dialer) error {
		d.endpointOpts = append(d.endpointOpts, opts...)
		return nil
	}
}

func newDialer(opts []TunnelOption) (*dialer, error) {
	d := &dialer{
		connType:     tcp,
		readTimeout:  10 * time.Minute,
		writeTimeout: 1 * time.Minute,
		maxSize:      defaultMaxMessageSize,
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, fmt.Errorf("applying options: %w", err)
		}
	}
	return d, nil
}

// Dial connects to addr and returns the initiator side of a stream tunnel.
// The responder must Listen with the same secret and session name.
func Dial(addr string, secret []byte, sessionName string, opts ...TunnelOption) (*Tunnel, error) {
	d, err := newDialer(opts)
	if err != nil {
		return nil, err
	}

	if d.conn == nil {
		c, err := d.dial(addr)
		if err != nil {
			return nil, fmt.Errorf("dialing: %w", err)
		}
		d.conn = c
	}

	return d.tunnel(Initiator, secret, sessionName)
}

// Listen accepts a single connection on addr and returns the responder side
// of a stream tunnel. The listener is closed once the connection arrives.
func Listen(addr string, secret []byte, sessionName string, opts ...TunnelOption) (*Tunnel, error) {
	d, err := newDialer(opts)
	if err != nil {
		return nil, err
	}

	if d.conn == nil {
		c, err := d.accept(addr)
		if err != nil {
			return nil, fmt.Errorf("accepting: %w", err)
		}
		d.conn = c
	}

	return d.tunnel(Responder, secret, sessionName)
}

func (d *dialer) dial(addr string) (net.Conn, error) {
	switch d.connType {
	case tcp:
		c, err := net.Dial("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dialing tcp: %w", err)
		}
		return c, nil
	case udp:
		c, err := kcp.Dial(addr)
		if err != nil {
			return nil, fmt.Errorf("dialing udp: %w", err)
		}
		return c, nil
	default:
		panic("unknown connection type")
	}
}

func (d *dialer) accept(addr string) (net.Conn, error) {
	var (
		l   net.Listener
		err error
	)
	switch d.connType {
	case tcp:
		l, err = net.Listen("tcp", addr)
	case udp:
		l, err = kcp.Listen(addr)
	default:
		panic("unknown connection type")
	}
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	defer l.Close()

	c, err := l.Accept()
	if err != nil {
		return nil, fmt.Errorf("accepting conn: %w", err)
	}
	return c, nil
}

func (d *dialer) tunnel(role Role, secret []byte, sessionName string) (*Tunnel, error) {
	endpoint, err := NewEndpoint(role, secret, sessionName, append(d.endpointOpts, StreamOnly())...)
	if err != nil {
		d.conn.Close()
		return nil, fmt.Errorf("keying endpoint: %w", err)
	}

	d.log(slog.LevelDebug, "tunnel established",
		slog.String("role", role.String()), slog.String("remote", d.conn.RemoteAddr().String()))

	return &Tunnel{
		conn:     newConn(d.conn, d.maxSize, d.readTimeout, d.writeTimeout),
		endpoint: endpoint,
	}, nil
}

func (dialer) log(lvl slog.Level, msg string, args ...any) {
	slog.Log(context.Background(), lvl, msg, args...)
}
