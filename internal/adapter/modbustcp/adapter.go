// Package modbustcp implements the Modbus/TCP protocol adapter.
//
// It speaks the MBAP framing directly over a TCP connection: one
// request in flight at a time, matched to its response by transaction
// ID. Sensor points map to input/holding registers (function codes 4
// and 3), command points to single-register writes (function code 6).
package modbustcp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sort"
	"time"

	"github.com/hortiva/hortiva-core/internal/adapter"
	"github.com/hortiva/hortiva-core/internal/device"
)

const (
	defaultPort    = 502
	defaultTimeout = 10 * time.Second

	// MBAP header: transaction(2) + protocol(2) + length(2) + unit(1)
	mbapHeaderLen = 7

	fcReadHolding = 0x03
	fcReadInput   = 0x04
	fcWriteSingle = 0x06

	// Modbus register numbering conventions. Registers numbered 3xxxx
	// are input registers, 4xxxx holding registers; the wire address is
	// the number minus the base.
	inputRegisterBase   = 30001
	holdingRegisterBase = 40001
)

// Adapter implements adapter.Adapter for Modbus/TCP devices.
type Adapter struct {
	timeout time.Duration
}

// New creates a Modbus/TCP adapter. timeout bounds each request and
// response exchange; zero means the default of 10s.
func New(timeout time.Duration) *Adapter {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Adapter{timeout: timeout}
}

// Protocol returns the protocol tag this adapter serves.
func (a *Adapter) Protocol() device.Protocol {
	return device.ProtocolModbusTCP
}

// Connect dials the device and parses its point mapping.
//
// Address fields: host (required), port (default 502), unit_id
// (default 1).
func (a *Adapter) Connect(ctx context.Context, dev *device.Device) (adapter.Conn, error) {
	host, ok := dev.Address["host"].(string)
	if !ok || host == "" {
		return nil, fmt.Errorf("%w: modbus address requires host", adapter.ErrUnsupported)
	}
	port := intField(dev.Address, "port", defaultPort)
	unitID := intField(dev.Address, "unit_id", 1)
	if unitID < 0 || unitID > 255 {
		return nil, fmt.Errorf("%w: unit_id %d out of range", adapter.ErrUnsupported, unitID)
	}

	sensors, err := parsePoints(dev.Mapping, "sensors")
	if err != nil {
		return nil, err
	}
	commands, err := parsePoints(dev.Mapping, "commands")
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: a.timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, classifyNetError(err)
	}

	return &conn{
		nc:       netConn,
		unitID:   byte(unitID),
		timeout:  a.timeout,
		sensors:  sensors,
		commands: commands,
	}, nil
}

// pointSpec is a parsed mapping entry for one point.
type pointSpec struct {
	register int
	scale    float64
	unit     string
}

// conn is a live Modbus/TCP session. Driven by a single goroutine.
type conn struct {
	nc       net.Conn
	unitID   byte
	timeout  time.Duration
	txnID    uint16
	sensors  map[string]pointSpec
	commands map[string]pointSpec
	closed   bool
}

// Read retrieves the current value of a mapped sensor point.
func (c *conn) Read(ctx context.Context, point string) (adapter.Sample, error) {
	spec, ok := c.sensors[point]
	if !ok {
		// Commands with a readback register can be read too.
		if spec, ok = c.commands[point]; !ok {
			return adapter.Sample{}, fmt.Errorf("%w: point %q not mapped", adapter.ErrUnsupported, point)
		}
	}

	fc, addr := registerAddress(spec.register)
	raw, err := c.readRegister(ctx, fc, addr)
	if err != nil {
		return adapter.Sample{}, fmt.Errorf("reading %q: %w", point, err)
	}

	return adapter.Sample{
		Point: point,
		Value: float64(raw) / spec.scale,
		Unit:  spec.unit,
		At:    time.Now().UTC(),
	}, nil
}

// Write sends a value to a mapped command point and waits for the echo.
func (c *conn) Write(ctx context.Context, point string, value float64) error {
	spec, ok := c.commands[point]
	if !ok {
		return fmt.Errorf("%w: command %q not mapped", adapter.ErrUnsupported, point)
	}

	raw := math.Round(value * spec.scale)
	if raw < 0 || raw > math.MaxUint16 {
		return fmt.Errorf("%w: value %g out of register range for %q", adapter.ErrUnsupported, value, point)
	}

	_, addr := registerAddress(spec.register)
	if err := c.writeRegister(ctx, addr, uint16(raw)); err != nil {
		return fmt.Errorf("writing %q: %w", point, err)
	}
	return nil
}

// Poll reads every mapped sensor point, in name order so failures are
// deterministic.
func (c *conn) Poll(ctx context.Context) ([]adapter.Sample, error) {
	names := make([]string, 0, len(c.sensors))
	for name := range c.sensors {
		names = append(names, name)
	}
	sort.Strings(names)

	samples := make([]adapter.Sample, 0, len(names))
	for _, name := range names {
		sample, err := c.Read(ctx, name)
		if err != nil {
			return samples, err
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

// Close tears the session down. Safe to call more than once.
func (c *conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.nc.Close()
}

// readRegister performs a single-register read with the given function
// code and wire address.
func (c *conn) readRegister(ctx context.Context, fc byte, addr uint16) (uint16, error) {
	pdu := make([]byte, 5)
	pdu[0] = fc
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], 1) // quantity

	resp, err := c.exchange(ctx, pdu)
	if err != nil {
		return 0, err
	}
	// fc(1) + byte count(1) + data(2)
	if len(resp) != 4 || resp[0] != fc || resp[1] != 2 {
		return 0, fmt.Errorf("%w: malformed read response", adapter.ErrProtocolViolation)
	}
	return binary.BigEndian.Uint16(resp[2:4]), nil
}

// writeRegister performs a single-register write and verifies the echo.
func (c *conn) writeRegister(ctx context.Context, addr, value uint16) error {
	pdu := make([]byte, 5)
	pdu[0] = fcWriteSingle
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], value)

	resp, err := c.exchange(ctx, pdu)
	if err != nil {
		return err
	}
	// FC6 echoes the request PDU back
	if len(resp) != 5 || resp[0] != fcWriteSingle ||
		binary.BigEndian.Uint16(resp[1:3]) != addr ||
		binary.BigEndian.Uint16(resp[3:5]) != value {
		return fmt.Errorf("%w: write echo mismatch", adapter.ErrProtocolViolation)
	}
	return nil
}

// exchange sends one PDU and reads the matching response PDU.
func (c *conn) exchange(ctx context.Context, pdu []byte) ([]byte, error) {
	if c.closed {
		return nil, adapter.ErrNotConnected
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.nc.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("setting deadline: %w", err)
	}

	c.txnID++
	frame := make([]byte, mbapHeaderLen+len(pdu))
	binary.BigEndian.PutUint16(frame[0:2], c.txnID)
	binary.BigEndian.PutUint16(frame[2:4], 0) // protocol identifier
	binary.BigEndian.PutUint16(frame[4:6], uint16(len(pdu)+1))
	frame[6] = c.unitID
	copy(frame[mbapHeaderLen:], pdu)

	if _, err := c.nc.Write(frame); err != nil {
		return nil, classifyNetError(err)
	}

	header := make([]byte, mbapHeaderLen)
	if _, err := io.ReadFull(c.nc, header); err != nil {
		return nil, classifyNetError(err)
	}

	txn := binary.BigEndian.Uint16(header[0:2])
	if txn != c.txnID {
		return nil, fmt.Errorf("%w: transaction id %d, expected %d", adapter.ErrProtocolViolation, txn, c.txnID)
	}
	if proto := binary.BigEndian.Uint16(header[2:4]); proto != 0 {
		return nil, fmt.Errorf("%w: protocol identifier %d", adapter.ErrProtocolViolation, proto)
	}

	length := binary.BigEndian.Uint16(header[4:6])
	if length < 2 || length > 256 {
		return nil, fmt.Errorf("%w: frame length %d", adapter.ErrProtocolViolation, length)
	}

	resp := make([]byte, length-1) // unit byte already consumed in header
	if _, err := io.ReadFull(c.nc, resp); err != nil {
		return nil, classifyNetError(err)
	}

	// Exception response: function code with high bit set, one byte of
	// exception code.
	if resp[0]&0x80 != 0 {
		code := byte(0)
		if len(resp) > 1 {
			code = resp[1]
		}
		return nil, fmt.Errorf("%w: modbus exception 0x%02x", adapter.ErrProtocolViolation, code)
	}

	return resp, nil
}

// registerAddress translates conventional register numbering to a
// function code and wire address.
func registerAddress(register int) (fc byte, addr uint16) {
	switch {
	case register >= holdingRegisterBase:
		return fcReadHolding, uint16(register - holdingRegisterBase)
	case register >= inputRegisterBase:
		return fcReadInput, uint16(register - inputRegisterBase)
	default:
		// Raw zero-based holding register address
		return fcReadHolding, uint16(register)
	}
}

// parsePoints extracts one section ("sensors" or "commands") of the
// device mapping.
func parsePoints(mapping device.Mapping, section string) (map[string]pointSpec, error) {
	points := make(map[string]pointSpec)

	raw, ok := mapping[section]
	if !ok {
		return points, nil
	}
	entries, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: mapping section %q is not an object", adapter.ErrUnsupported, section)
	}

	for name, entry := range entries {
		fields, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: mapping for %q is not an object", adapter.ErrUnsupported, name)
		}
		register := intField(fields, "register", -1)
		if register < 0 {
			return nil, fmt.Errorf("%w: mapping for %q lacks register", adapter.ErrUnsupported, name)
		}
		scale := floatField(fields, "scale", 1)
		if scale == 0 {
			scale = 1
		}
		unit, _ := fields["unit"].(string)

		points[name] = pointSpec{register: register, scale: scale, unit: unit}
	}
	return points, nil
}

// intField reads an integer from a JSON-decoded map, accepting the
// float64 that encoding/json produces for numbers.
func intField(m map[string]any, key string, def int) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func floatField(m map[string]any, key string, def float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}

// classifyNetError maps transport errors to the adapter sentinels.
func classifyNetError(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", adapter.ErrTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", adapter.ErrTimeout, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %v", adapter.ErrNotConnected, err)
	}
	// Dial refusals and resets surface as *net.OpError
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Errorf("%w: %v", adapter.ErrConnectionRefused, err)
	}
	return err
}
