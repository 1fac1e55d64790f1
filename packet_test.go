package calico

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func udpPair(t *testing.T) (net.PacketConn, net.PacketConn) {
	t.Helper()
	a, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	b, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestPacketTunnelRoundTrip(t *testing.T) {
	a := assert.New(t)
	pcA, pcB := udpPair(t)
	init, resp, _, _ := newEndpointPair(t)

	sender, err := NewPacketTunnel(pcA, pcB.LocalAddr(), init)
	require.NoError(t, err)
	receiver, err := NewPacketTunnel(pcB, pcA.LocalAddr(), resp)
	require.NoError(t, err)

	a.NoError(sender.Send([]byte("ping over udp")))

	buf := make([]byte, 2048)
	msg, from, err := receiver.Receive(buf)
	a.NoError(err)
	a.Equal([]byte("ping over udp"), msg)
	a.Equal(pcA.LocalAddr().String(), from.String())
}

func TestPacketTunnelSkipsForgeries(t *testing.T) {
	a := assert.New(t)
	pcA, pcB := udpPair(t)
	init, resp, _, _ := newEndpointPair(t)

	sender, err := NewPacketTunnel(pcA, pcB.LocalAddr(), init)
	require.NoError(t, err)
	receiver, err := NewPacketTunnel(pcB, pcA.LocalAddr(), resp)
	require.NoError(t, err)

	// An attacker injects garbage ahead of the genuine packet.
	attacker, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer attacker.Close()
	_, err = attacker.WriteTo(randomBytes(64), pcB.LocalAddr())
	require.NoError(t, err)

	a.NoError(sender.Send([]byte("genuine")))

	buf := make([]byte, 2048)
	msg, _, err := receiver.Receive(buf)
	a.NoError(err)
	a.Equal([]byte("genuine"), msg)
}

func TestPacketTunnelRejectsStreamOnly(t *testing.T) {
	a := assert.New(t)
	pcA, pcB := udpPair(t)

	endpoint, err := NewEndpoint(Initiator, randomBytes(SecretSize), "stream only", StreamOnly())
	require.NoError(t, err)

	_, err = NewPacketTunnel(pcA, pcB.LocalAddr(), endpoint)
	a.ErrorIs(err, ErrBadInput)
}

func TestPacketTunnelBadInput(t *testing.T) {
	a := assert.New(t)
	pcA, pcB := udpPair(t)
	init, _, _, _ := newEndpointPair(t)

	_, err := NewPacketTunnel(nil, pcB.LocalAddr(), init)
	a.ErrorIs(err, ErrBadInput)
	_, err = NewPacketTunnel(pcA, nil, init)
	a.ErrorIs(err, ErrBadInput)
	_, err = NewPacketTunnel(pcA, pcB.LocalAddr(), nil)
	a.ErrorIs(err, ErrBadInput)
}
