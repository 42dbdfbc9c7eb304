// Package scpi implements a line-oriented SCPI client over raw TCP sockets
// (port 5025 on most bench instruments).
package scpi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/rjboer/pabench/internal/errs"
	"github.com/rjboer/pabench/internal/logging"
)

// DefaultPort is the raw SCPI socket port.
const DefaultPort = 5025

// Dialer opens the underlying transport. *net.Dialer and *SSHDialer satisfy it.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Conn is a single instrument session. A transport fault is retried once
// after RetryDelay on a fresh connection; a second consecutive failure is
// reported as errs.ErrInstrumentUnavailable.
type Conn struct {
	Name       string
	Address    string
	Timeout    time.Duration
	RetryDelay time.Duration

	mu     sync.Mutex
	dialer Dialer
	logger logging.Logger
	conn   net.Conn
	reader *bufio.Reader
	idn    string
}

// Option customizes a Conn.
type Option func(*Conn)

// WithDialer overrides the transport dialer.
func WithDialer(d Dialer) Option { return func(c *Conn) { c.dialer = d } }

// WithLogger sets the session logger.
func WithLogger(l logging.Logger) Option { return func(c *Conn) { c.logger = l } }

// WithTimeout sets the per-exchange deadline.
func WithTimeout(d time.Duration) Option { return func(c *Conn) { c.Timeout = d } }

// WithRetryDelay sets the pause before the single retry.
func WithRetryDelay(d time.Duration) Option { return func(c *Conn) { c.RetryDelay = d } }

// New builds an unconnected session. addr may omit the port.
func New(name, addr string, opts ...Option) *Conn {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(DefaultPort))
	}
	c := &Conn{
		Name:       name,
		Address:    addr,
		Timeout:    5 * time.Second,
		RetryDelay: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = &net.Dialer{Timeout: c.Timeout}
	}
	if c.logger == nil {
		c.logger = logging.Default()
	}
	c.logger = c.logger.With(logging.F("subsystem", "scpi"), logging.F("instrument", name))
	return c
}

// Connect opens the socket and reads the identification string.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.dialLocked(ctx); err != nil {
		return fmt.Errorf("%w: %s: %v", errs.ErrInstrumentUnavailable, c.Name, err)
	}
	idn, err := c.exchangeLocked(ctx, "*IDN?", true)
	if err != nil {
		c.dropLocked()
		return fmt.Errorf("%w: %s: identify: %v", errs.ErrInstrumentUnavailable, c.Name, err)
	}
	c.idn = idn
	c.logger.Info("connected", logging.F("address", c.Address), logging.F("idn", idn))
	return nil
}

// SetConn injects an already open transport (tests, tunnels).
func (c *Conn) SetConn(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.reader = bufio.NewReader(conn)
}

// IDN returns the identification string read at connect time.
func (c *Conn) IDN() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idn
}

// Close releases the socket.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}

// Write sends a command without waiting for a response.
func (c *Conn) Write(ctx context.Context, cmd string) error {
	_, err := c.do(ctx, cmd, false)
	return err
}

// Query sends a command and returns the trimmed response line.
func (c *Conn) Query(ctx context.Context, cmd string) (string, error) {
	return c.do(ctx, cmd, true)
}

// Sync sends cmd followed by *OPC? and waits for the completion reply.
func (c *Conn) Sync(ctx context.Context, cmd string) error {
	resp, err := c.do(ctx, cmd+"; *OPC?", true)
	if err != nil {
		return err
	}
	if strings.TrimSpace(resp) != "1" {
		return fmt.Errorf("%w: %s: %q: unexpected completion reply %q", errs.ErrInstrumentUnavailable, c.Name, cmd, resp)
	}
	return nil
}

// QueryFloat queries a single numeric value.
func (c *Conn) QueryFloat(ctx context.Context, cmd string) (float64, error) {
	resp, err := c.Query(ctx, cmd)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(resp), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %q: parse %q: %w", errs.ErrInstrumentUnavailable, c.Name, cmd, resp, err)
	}
	return v, nil
}

// QueryFloats queries a comma separated list of numbers.
func (c *Conn) QueryFloats(ctx context.Context, cmd string) ([]float64, error) {
	resp, err := c.Query(ctx, cmd)
	if err != nil {
		return nil, err
	}
	parts := strings.Split(resp, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %q: parse %q: %w", errs.ErrInstrumentUnavailable, c.Name, cmd, resp, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func (c *Conn) do(ctx context.Context, cmd string, wantReply bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var resp string
	attempt := 0
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		if c.conn == nil {
			if err := c.dialLocked(ctx); err != nil {
				return err
			}
		}
		r, err := c.exchangeLocked(ctx, cmd, wantReply)
		if err != nil {
			c.dropLocked()
			return err
		}
		resp = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("command failed, retrying",
			logging.F("command", cmd),
			logging.F("error", err.Error()),
			logging.F("backoff_ms", wait.Milliseconds()))
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(c.RetryDelay), 1), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return "", err
		}
		c.logger.Error("instrument unavailable", logging.F("command", cmd), logging.F("attempts", attempt), logging.F("error", err.Error()))
		return "", fmt.Errorf("%w: %s: %q: %v", errs.ErrInstrumentUnavailable, c.Name, cmd, err)
	}
	return resp, nil
}

func (c *Conn) dialLocked(ctx context.Context) error {
	if c.Address == "" {
		return errors.New("no address configured")
	}
	dctx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	conn, err := c.dialer.DialContext(dctx, "tcp", c.Address)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.Address, err)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return nil
}

func (c *Conn) dropLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.reader = nil
}

// exchangeLocked writes one command line and optionally reads one reply line.
func (c *Conn) exchangeLocked(ctx context.Context, cmd string, wantReply bool) (string, error) {
	if c.conn == nil {
		return "", errors.New("not connected")
	}
	deadline := time.Time{}
	if c.Timeout > 0 {
		deadline = time.Now().Add(c.Timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = c.conn.SetDeadline(deadline)

	line := cmd
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	c.logger.Debug("write", logging.F("command", cmd))
	if _, err := c.conn.Write([]byte(line)); err != nil {
		return "", fmt.Errorf("write: %w", err)
	}
	if !wantReply {
		return "", nil
	}
	reply, err := c.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read: %w", err)
	}
	reply = strings.TrimRight(reply, "\r\n")
	c.logger.Debug("reply", logging.F("command", cmd), logging.F("reply", reply))
	return reply, nil
}
