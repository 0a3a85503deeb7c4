// Package device speaks the bootloader's framed protocol over the TCP
// bridge. Requests carry a command byte followed by a target address at
// offset 4 and a length at offset 8, both little endian as the target
// reads them straight out of the buffer. Every response opens with an
// "Ok\x00" greeting.
package device

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

var (
	ErrNotConnected = errors.New("device not connected")
	ErrBadGreeting  = errors.New("unexpected bootloader greeting")
)

const (
	cmdWriteMemory = 0x02
	cmdReadMemory  = 0x03

	headerLen        = 12
	defaultBlockSize = 4096
)

var greeting = []byte("Ok\x00")

// Client drives one bootloader session. Not safe for concurrent use, the
// pipeline owns it for the lifetime of a single job.
type Client struct {
	mu        sync.Mutex
	conn      net.Conn
	blockSize int
	timeout   time.Duration
}

func NewClient() *Client {
	return &Client{blockSize: defaultBlockSize, timeout: 30 * time.Second}
}

// WithBlockSize sets the chunk size used when streaming a payload.
func (c *Client) WithBlockSize(n int) *Client {
	if n > 0 {
		c.blockSize = n
	}
	return c
}

// WithTimeout overrides the per-exchange deadline.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.timeout = d
	return c
}

// Connect dials the bridge endpoint the bootloader sits behind.
func (c *Client) Connect(ctx context.Context, endpoint string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return fmt.Errorf("connecting bootloader at %s: %w", endpoint, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// WritePayload streams the image to the target in block-sized chunks and
// waits for the per-block acknowledgement before sending the next one.
func (c *Client) WritePayload(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}

	for offset := 0; offset < len(payload); offset += c.blockSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := offset + c.blockSize
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[offset:end]

		if err := c.setDeadline(ctx); err != nil {
			return err
		}
		frame := encodeHeader(cmdWriteMemory, uint32(offset), uint32(len(chunk)))
		if _, err := c.conn.Write(append(frame, chunk...)); err != nil {
			return fmt.Errorf("writing block at %#x: %w", offset, err)
		}
		if err := c.readGreeting(); err != nil {
			return fmt.Errorf("block at %#x not acknowledged: %w", offset, err)
		}
	}
	return nil
}

// ReadRegion dumps length bytes starting at start from the target.
func (c *Client) ReadRegion(ctx context.Context, start, length uint32) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	if err := c.setDeadline(ctx); err != nil {
		return nil, err
	}

	frame := encodeHeader(cmdReadMemory, start, length)
	if _, err := c.conn.Write(frame); err != nil {
		return nil, fmt.Errorf("requesting region %#x+%d: %w", start, length, err)
	}
	if err := c.readGreeting(); err != nil {
		return nil, err
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(c.conn, data); err != nil {
		return nil, fmt.Errorf("reading region %#x+%d: %w", start, length, err)
	}
	return data, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) readGreeting() error {
	buf := make([]byte, len(greeting))
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return fmt.Errorf("reading greeting: %w", err)
	}
	if !bytes.Equal(buf, greeting) {
		return fmt.Errorf("%w: % x", ErrBadGreeting, buf)
	}
	return nil
}

func (c *Client) setDeadline(ctx context.Context) error {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return c.conn.SetDeadline(deadline)
}

func encodeHeader(cmd byte, addr, length uint32) []byte {
	frame := make([]byte, headerLen)
	frame[0] = cmd
	binary.LittleEndian.PutUint32(frame[4:8], addr)
	binary.LittleEndian.PutUint32(frame[8:12], length)
	return frame
}
