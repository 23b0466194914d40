package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// acceptPoll bounds how long Accept blocks before ctx is checked again.
const acceptPoll = 500 * time.Millisecond

// TCPSource listens for the vehicle electronics and reads frames from the
// single accepted connection. A new peer replaces the old one on reconnect.
type TCPSource struct {
	addr string
	log  *zap.Logger

	mu     sync.Mutex
	ln     *net.TCPListener
	conn   net.Conn
	closed bool
}

func NewTCP(addr string, log *zap.Logger) *TCPSource {
	if addr == "" {
		addr = ":4003"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &TCPSource{addr: addr, log: log}
}

func (t *TCPSource) Name() string { return "tcp " + t.addr }

// Addr returns the bound listen address, useful when listening on port 0.
func (t *TCPSource) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

// Listen binds the listener without waiting for a peer. Connect calls it
// when needed. A closed source never listens again.
func (t *TCPSource) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.ln != nil {
		return nil
	}
	la, err := net.ResolveTCPAddr("tcp", t.addr)
	if err != nil {
		return fmt.Errorf("tcp: resolve %s: %w", t.addr, err)
	}
	ln, err := net.ListenTCP("tcp", la)
	if err != nil {
		return fmt.Errorf("tcp: listen %s: %w", t.addr, err)
	}
	t.ln = ln
	t.log.Info("listening", zap.String("addr", ln.Addr().String()))
	return nil
}

func (t *TCPSource) Connect(ctx context.Context) error {
	if err := t.Listen(); err != nil {
		return err
	}
	t.mu.Lock()
	ln := t.ln
	t.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_ = ln.SetDeadline(time.Now().Add(acceptPoll))
		conn, err := ln.AcceptTCP()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("tcp: accept: %w", err)
		}
		_ = conn.SetNoDelay(true)

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			conn.Close()
			return ErrClosed
		}
		if t.conn != nil {
			t.conn.Close()
		}
		t.conn = conn
		t.mu.Unlock()
		t.log.Info("peer connected", zap.String("remote", conn.RemoteAddr().String()))
		return nil
	}
}

// Close drops the peer and the listener for good.
func (t *TCPSource) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	var err error
	if t.conn != nil {
		err = t.conn.Close()
		t.conn = nil
	}
	if t.ln != nil {
		if cerr := t.ln.Close(); err == nil {
			err = cerr
		}
		t.ln = nil
	}
	return err
}

func (t *TCPSource) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

func (t *TCPSource) ReadFrame(buf []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}

	if _, err := io.ReadFull(conn, buf); err != nil {
		t.mu.Lock()
		if t.conn == conn {
			t.conn.Close()
			t.conn = nil
		}
		t.mu.Unlock()
		t.log.Warn("peer disconnected", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}
