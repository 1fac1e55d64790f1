package calico

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
)

// PacketTunnel runs the datagram channel of an endpoint over a packet
// connection such as a UDP socket. Loss, reordering, and duplication of
// packets are expected; the endpoint rejects duplicated and stale packets
// with ErrIVDrop and forged ones with ErrMACDrop, and Receive skips them.
type PacketTunnel struct {
	pc       net.PacketConn
	peer     net.Addr
	endpoint *Endpoint
	logger   *slog.Logger
}

// NewPacketTunnel wraps pc with the given endpoint, addressing all outgoing
// packets to peer. The endpoint must carry datagram state.
func NewPacketTunnel(pc net.PacketConn, peer net.Addr, endpoint *Endpoint) (*PacketTunnel, error) {
	if pc == nil || peer == nil || endpoint == nil {
		return nil, ErrBadInput
	}
	if endpoint.streamOnly {
		return nil, fmt.Errorf("%w: endpoint has no datagram channel", ErrBadInput)
	}

	return &PacketTunnel{
		pc:       pc,
		peer:     peer,
		endpoint: endpoint,
		logger:   endpoint.logger,
	}, nil
}

// Send encrypts msg and transmits it as a single packet.
func (p *PacketTunnel) Send(msg []byte) error {
	sealed, err := p.endpoint.EncryptDatagram(msg)
	if err != nil {
		return fmt.Errorf("encrypting: %w", err)
	}
	if _, err := p.pc.WriteTo(sealed, p.peer); err != nil {
		return fmt.Errorf("writing packet: %w", err)
	}
	return nil
}

// Receive reads packets until one authenticates, returning its plaintext
// and origin address. Packets that fail the replay or authentication checks
// are logged and skipped rather than surfaced, since an attacker can always
// inject garbage on an open socket. Transport errors are returned.
func (p *PacketTunnel) Receive(buf []byte) ([]byte, net.Addr, error) {
	for {
		n, addr, err := p.pc.ReadFrom(buf)
		if err != nil {
			return nil, nil, fmt.Errorf("reading packet: %w", err)
		}

		msg, err := p.endpoint.DecryptDatagram(buf[:n])
		switch {
		case err == nil:
			return msg, addr, nil
		case errors.Is(err, ErrIVDrop), errors.Is(err, ErrMACDrop):
			p.logger.Debug("packet dropped",
				slog.String("from", addr.String()), slog.Any("reason", err))
		default:
			return nil, nil, err
		}
	}
}

// Endpoint exposes the underlying endpoint.
func (p *PacketTunnel) Endpoint() *Endpoint { return p.endpoint }

// Close destroys the endpoint's keys and closes the socket.
func (p *PacketTunnel) Close() error {
	p.endpoint.Destroy()
	return p.pc.Close()
}
