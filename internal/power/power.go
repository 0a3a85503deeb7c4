// Package power switches the target's power supply over Modbus TCP. Only
// the operations the pipeline needs are implemented: connect, turn on,
// turn off, read back the power state and the full power cycle built from
// them.
package power

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/s7tools/provd/internal/model"
)

var ErrNotConnected = errors.New("power client not connected")

const (
	fcReadCoils       = 0x01
	fcWriteSingleCoil = 0x05

	coilOn  = 0xFF00
	coilOff = 0x0000
)

// Client is a minimal Modbus TCP master. Safe for sequential use by one
// pipeline worker, a mutex serialises the request/response cycle.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	profile model.PowerProfile
	txn     uint16
	timeout time.Duration
}

func NewClient() *Client {
	return &Client{timeout: 5 * time.Second}
}

// WithTimeout overrides the per-request deadline.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.timeout = d
	return c
}

// Connect dials the power supply named by the profile.
func (c *Client) Connect(ctx context.Context, profile model.PowerProfile) error {
	addr := fmt.Sprintf("%s:%d", profile.Host, profile.Port)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connecting power supply %s: %w", addr, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.profile = profile
	c.mu.Unlock()
	return nil
}

// TurnOn energises the on coil. ok reports whether the supply acknowledged.
func (c *Client) TurnOn(ctx context.Context) (bool, error) {
	return c.writeCoil(ctx, c.profile.OnCoil, coilOn)
}

// TurnOff de-energises the off coil.
func (c *Client) TurnOff(ctx context.Context) (bool, error) {
	return c.writeCoil(ctx, c.profile.OffCoil, coilOff)
}

// ReadPowerState reads the state input back from the supply.
func (c *Client) ReadPowerState(ctx context.Context) (bool, error) {
	pdu := make([]byte, 5)
	pdu[0] = fcReadCoils
	binary.BigEndian.PutUint16(pdu[1:3], c.profile.StateInput)
	binary.BigEndian.PutUint16(pdu[3:5], 1)

	resp, err := c.request(ctx, pdu)
	if err != nil {
		return false, err
	}
	if len(resp) < 3 || resp[0] != fcReadCoils || resp[1] < 1 {
		return false, fmt.Errorf("malformed read coils response % x", resp)
	}
	return resp[2]&0x01 == 0x01, nil
}

// Cycle runs the OFF, wait, ON, wait, read back sequence shared by the
// provisioning pipeline and the manual powercycle command. The same delay
// follows both coil writes.
func (c *Client) Cycle(ctx context.Context, delay time.Duration) error {
	ok, err := c.TurnOff(ctx)
	if err != nil {
		return fmt.Errorf("turning power off: %w", err)
	}
	if !ok {
		return errors.New("power supply refused OFF command")
	}
	time.Sleep(delay)

	ok, err = c.TurnOn(ctx)
	if err != nil {
		return fmt.Errorf("turning power on: %w", err)
	}
	if !ok {
		return errors.New("power supply refused ON command")
	}
	time.Sleep(delay)

	on, err := c.ReadPowerState(ctx)
	if err != nil {
		return fmt.Errorf("reading power state: %w", err)
	}
	if !on {
		return errors.New("power state reads OFF after power cycle")
	}
	return nil
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

func (c *Client) writeCoil(ctx context.Context, addr uint16, value uint16) (bool, error) {
	pdu := make([]byte, 5)
	pdu[0] = fcWriteSingleCoil
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], value)

	resp, err := c.request(ctx, pdu)
	if err != nil {
		return false, err
	}
	// a write single coil response echoes the request
	if len(resp) != 5 || resp[0] != fcWriteSingleCoil {
		return false, fmt.Errorf("malformed write coil response % x", resp)
	}
	echoAddr := binary.BigEndian.Uint16(resp[1:3])
	echoValue := binary.BigEndian.Uint16(resp[3:5])
	return echoAddr == addr && echoValue == value, nil
}

// request sends one MBAP-framed PDU and reads the matching response.
func (c *Client) request(ctx context.Context, pdu []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	c.txn++
	frame := make([]byte, 7+len(pdu))
	binary.BigEndian.PutUint16(frame[0:2], c.txn)
	// protocol id 0
	binary.BigEndian.PutUint16(frame[4:6], uint16(1+len(pdu)))
	frame[6] = c.profile.UnitID
	copy(frame[7:], pdu)

	if _, err := c.conn.Write(frame); err != nil {
		return nil, fmt.Errorf("writing modbus request: %w", err)
	}

	header := make([]byte, 7)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return nil, fmt.Errorf("reading modbus header: %w", err)
	}
	if txn := binary.BigEndian.Uint16(header[0:2]); txn != c.txn {
		return nil, fmt.Errorf("transaction id mismatch: sent %d, got %d", c.txn, txn)
	}
	length := binary.BigEndian.Uint16(header[4:6])
	if length < 2 || length > 256 {
		return nil, fmt.Errorf("implausible modbus length %d", length)
	}

	resp := make([]byte, length-1)
	if _, err := io.ReadFull(c.conn, resp); err != nil {
		return nil, fmt.Errorf("reading modbus response: %w", err)
	}

	if resp[0]&0x80 != 0 {
		code := byte(0)
		if len(resp) > 1 {
			code = resp[1]
		}
		return nil, fmt.Errorf("modbus exception %#x for function %#x", code, resp[0]&0x7F)
	}
	return resp, nil
}
