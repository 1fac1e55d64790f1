package calico

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const defaultMaxMessageSize = 64 * 1024

var (
	ErrAlreadyClosed   = errors.New("connection has already been closed")
	ErrTooLargeMessage = errors.New("message is too large")
)

// Conn frames messages over a reliable byte stream with a 4-byte big-endian
// length prefix, preserving the message boundaries the stream channel needs.
type Conn struct {
	conn          net.Conn
	isClosed      bool
	maxSize       uint32
	readDeadline  time.Duration
	writeDeadline time.Duration
}

func newConn(c net.Conn, maxSize uint32, read, write time.Duration) *Conn {
	return &Conn{
		conn:          c,
		maxSize:       maxSize,
		readDeadline:  read,
		writeDeadline: write,
	}
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	if c.isClosed {
		return ErrAlreadyClosed
	}
	if err := c.conn.Close(); err != nil {
		return err
	}
	c.isClosed = true

	return nil
}

// ReadBytes reads the next framed message.
func (c *Conn) ReadBytes() ([]byte, error) {
	if c.isClosed {
		return nil, ErrAlreadyClosed
	}
	if c.readDeadline > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.readDeadline)); err != nil {
			return nil, fmt.Errorf("setting read deadline: %w", err)
		}
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(c.conn, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("reading length: %w", err)
	}
	msgLen := binary.BigEndian.Uint32(lenBuf[:])
	if msgLen > c.maxSize {
		return nil, ErrTooLargeMessage
	}

	buf := make([]byte, msgLen)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return nil, fmt.Errorf("reading message: %w", err)
	}
	return buf, nil
}

// WriteBytes writes data as one framed message.
func (c *Conn) WriteBytes(data []byte) error {
	if c.isClosed {
		return ErrAlreadyClosed
	}
	if uint32(len(data)) > c.maxSize {
		return ErrTooLargeMessage
	}
	if c.writeDeadline > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeDeadline)); err != nil {
			return fmt.Errorf("setting write deadline: %w", err)
		}
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := c.conn.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("writing length: %w", err)
	}
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}
