package scpi

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rjboer/pabench/internal/errs"
)

// pipeDialer hands out net.Pipe connections, each served by the next handler.
type pipeDialer struct {
	mu       sync.Mutex
	handlers []func(net.Conn)
	dials    int
}

func (d *pipeDialer) DialContext(_ context.Context, _, _ string) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.dials
	d.dials++
	if i >= len(d.handlers) {
		return nil, errors.New("connection refused")
	}
	client, server := net.Pipe()
	go d.handlers[i](server)
	return client, nil
}

func (d *pipeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// serveInstrument answers each received line with reply(cmd); an empty reply
// sends nothing.
func serveInstrument(reply func(cmd string) string) func(net.Conn) {
	return func(conn net.Conn) {
		defer conn.Close()
		sc := bufio.NewScanner(conn)
		for sc.Scan() {
			cmd := sc.Text()
			if r := reply(cmd); r != "" {
				if _, err := conn.Write([]byte(r + "\n")); err != nil {
					return
				}
			}
		}
	}
}

func meterReplies(cmd string) string {
	switch {
	case cmd == "*IDN?":
		return "Rohde&Schwarz,NRX,1424.7005k02/101234,02.60"
	case cmd == "STUCK; *OPC?":
		return "0"
	case strings.HasSuffix(cmd, "*OPC?"):
		return "1"
	case cmd == ":MEAS2?":
		return "10.5"
	case cmd == "CALC:MARK:FUNC:POW:RES? ACP":
		return "10.1,-45.2,-46.3"
	case cmd == "BAD?":
		return "not-a-number"
	}
	return ""
}

func brokenPipe() net.Conn {
	client, server := net.Pipe()
	server.Close()
	return client
}

func TestConnectReadsIdentification(t *testing.T) {
	d := &pipeDialer{handlers: []func(net.Conn){serveInstrument(meterReplies)}}
	c := New("meter", "10.0.0.4", WithDialer(d), WithRetryDelay(time.Millisecond))
	defer c.Close()

	if c.Address != "10.0.0.4:5025" {
		t.Fatalf("expected default port, got %s", c.Address)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !strings.HasPrefix(c.IDN(), "Rohde&Schwarz,NRX") {
		t.Fatalf("unexpected IDN %q", c.IDN())
	}
	v, err := c.QueryFloat(context.Background(), ":MEAS2?")
	if err != nil {
		t.Fatalf("QueryFloat: %v", err)
	}
	if v != 10.5 {
		t.Fatalf("expected 10.5, got %v", v)
	}
}

func TestSyncAndQueryFloats(t *testing.T) {
	d := &pipeDialer{handlers: []func(net.Conn){serveInstrument(meterReplies)}}
	c := New("analyzer", "10.0.0.2:5025", WithDialer(d))
	defer c.Close()
	ctx := context.Background()

	if err := c.Sync(ctx, "INIT:IMM"); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	vals, err := c.QueryFloats(ctx, "CALC:MARK:FUNC:POW:RES? ACP")
	if err != nil {
		t.Fatalf("QueryFloats: %v", err)
	}
	if len(vals) != 3 || vals[1] != -45.2 {
		t.Fatalf("unexpected values %v", vals)
	}
	if _, err := c.QueryFloat(ctx, "BAD?"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestMalformedRepliesAreUnavailable(t *testing.T) {
	d := &pipeDialer{handlers: []func(net.Conn){serveInstrument(meterReplies)}}
	c := New("analyzer", "10.0.0.2:5025", WithDialer(d))
	defer c.Close()
	ctx := context.Background()

	if err := c.Sync(ctx, "STUCK"); !errors.Is(err, errs.ErrInstrumentUnavailable) {
		t.Fatalf("completion mismatch should be unavailable, got %v", err)
	}
	if _, err := c.QueryFloat(ctx, "BAD?"); !errors.Is(err, errs.ErrInstrumentUnavailable) {
		t.Fatalf("parse failure should be unavailable, got %v", err)
	}
	if _, err := c.QueryFloats(ctx, "BAD?"); !errors.Is(err, errs.ErrInstrumentUnavailable) {
		t.Fatalf("list parse failure should be unavailable, got %v", err)
	}
	if d.count() != 1 {
		t.Fatalf("malformed replies must not redial, got %d dials", d.count())
	}
}

func TestTransportFaultRetriedOnce(t *testing.T) {
	d := &pipeDialer{handlers: []func(net.Conn){serveInstrument(meterReplies)}}
	c := New("meter", "10.0.0.4:5025", WithDialer(d), WithRetryDelay(time.Millisecond))
	c.SetConn(brokenPipe())
	defer c.Close()

	v, err := c.QueryFloat(context.Background(), ":MEAS2?")
	if err != nil {
		t.Fatalf("expected recovery after one retry, got %v", err)
	}
	if v != 10.5 {
		t.Fatalf("expected 10.5, got %v", v)
	}
	if d.count() != 1 {
		t.Fatalf("expected exactly one redial, got %d", d.count())
	}
}

func TestSecondFailureIsUnavailable(t *testing.T) {
	d := &pipeDialer{}
	c := New("generator", "10.0.0.3:5025", WithDialer(d), WithRetryDelay(time.Millisecond))
	c.SetConn(brokenPipe())
	defer c.Close()

	err := c.Write(context.Background(), ":SOUR1:POW:LEV:IMM:AMPL -12")
	if !errors.Is(err, errs.ErrInstrumentUnavailable) {
		t.Fatalf("expected ErrInstrumentUnavailable, got %v", err)
	}
	if d.count() != 1 {
		t.Fatalf("expected one redial attempt, got %d", d.count())
	}
}

func TestReadTimeoutCountsAsFault(t *testing.T) {
	silent := serveInstrument(func(string) string { return "" })
	d := &pipeDialer{}
	c := New("analyzer", "10.0.0.2:5025", WithDialer(d), WithTimeout(20*time.Millisecond), WithRetryDelay(time.Millisecond))
	client, server := net.Pipe()
	go silent(server)
	c.SetConn(client)
	defer c.Close()

	_, err := c.Query(context.Background(), "FETC:CC1:ISRC:FRAM:SUMM:EVM:ALL:AVER?")
	if !errors.Is(err, errs.ErrInstrumentUnavailable) {
		t.Fatalf("expected ErrInstrumentUnavailable, got %v", err)
	}
}

func TestCanceledContextIsNotUnavailable(t *testing.T) {
	d := &pipeDialer{handlers: []func(net.Conn){serveInstrument(meterReplies)}}
	c := New("meter", "10.0.0.4:5025", WithDialer(d))
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Query(ctx, ":MEAS2?")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, errs.ErrInstrumentUnavailable) {
		t.Fatalf("cancellation must not be reported as unavailable")
	}
}

func TestNewSSHDialerRequiresHost(t *testing.T) {
	if _, err := NewSSHDialer(SSHConfig{}); err == nil {
		t.Fatalf("expected error without host")
	}
	d, err := NewSSHDialer(SSHConfig{Host: "jump.lab"})
	if err != nil {
		t.Fatalf("NewSSHDialer: %v", err)
	}
	if d.cfg.User != "root" || d.cfg.Port != 22 {
		t.Fatalf("defaults not applied: %+v", d.cfg)
	}
	if _, err := d.DialContext(context.Background(), "tcp", "10.0.0.2:5025"); err == nil {
		t.Fatalf("expected error without credentials")
	}
}
