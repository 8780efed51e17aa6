/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package tftp implements the RFC 1350 transport half of the uploader:
// an endpoint that is simultaneously a client (RRQ/WRQ initiator) and a
// micro-server (answering RRQ/WRQ from the target on an ephemeral
// Transfer-ID), with retransmission, block ordering, TID enforcement
// and timeouts. It knows nothing about ARINC 615A; internal/session
// drives it.
package tftp

import (
	"net"
	"sync"
	"time"

	"github.com/gse-fls/uploader/internal/arincerr"
)

// DefaultMaxRetries is the retry budget for a single DATA/ACK exchange
// before a transfer is declared failed. Fixed at 5 per SPEC_FULL.md's
// resolution of the open MAX_RETRIES question.
const DefaultMaxRetries = 5

// DefaultRecvTimeout is the per-receive timeout latched at endpoint
// creation (spec.md §4.2, "T_recv, default 60 s").
const DefaultRecvTimeout = 60 * time.Second

// remotePort is the canonical TFTP listener port targets are contacted
// on for the initial RRQ/WRQ of any transfer.
const remotePort = 69

// Logf is the structured-log sink the endpoint uses for warn/diagnostic
// lines that never abort a transfer (UNKNOWN_TID, stray opcodes, ...).
// internal/gselog's *Logger satisfies this signature via Infof/Warnf
// wrappers supplied by the caller.
type Logf func(format string, args ...interface{})

// Endpoint owns exactly one primary UDP socket for the outbound half of
// a session, plus at most one additional ephemeral socket created on
// demand to serve an RRQ (see ServeFileOnRRQ). It is safe to share
// across goroutines only in the sense that the session that owns it
// issues one operation at a time; a mutex guards the shared serverTID
// latch and timeout value.
type Endpoint struct {
	mtx         sync.Mutex
	conn        *net.UDPConn
	remoteIP    net.IP
	recvTimeout time.Duration
	maxRetries  int
	logf        Logf

	serverTID  int // 0 means "not yet latched"
	remotePort int // port the initial RRQ/WRQ is sent to
}

// Option configures an Endpoint at Open time.
type Option func(*Endpoint)

// WithRecvTimeout overrides DefaultRecvTimeout.
func WithRecvTimeout(d time.Duration) Option {
	return func(e *Endpoint) { e.recvTimeout = d }
}

// WithMaxRetries overrides DefaultMaxRetries.
func WithMaxRetries(n int) Option {
	return func(e *Endpoint) { e.maxRetries = n }
}

// WithLogf attaches a structured-log sink for warn-only diagnostics.
func WithLogf(f Logf) Option {
	return func(e *Endpoint) { e.logf = f }
}

// WithRemotePort overrides the well-known port 69 the endpoint sends
// its initial RRQ/WRQ to. Real deployments never need this; it exists
// for tests driving a loopback fake target on an OS-assigned port.
func WithRemotePort(port int) Option {
	return func(e *Endpoint) { e.remotePort = port }
}

// Open binds the primary UDP socket on an OS-assigned ephemeral port
// and prepares an Endpoint to talk to remoteIP:69. Any failure here is
// TransportInitFailure territory for the caller (internal/worker).
func Open(remoteIP net.IP, opts ...Option) (*Endpoint, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, err
	}
	e := &Endpoint{
		conn:        conn,
		remoteIP:    remoteIP,
		recvTimeout: DefaultRecvTimeout,
		maxRetries:  DefaultMaxRetries,
		logf:        func(string, ...interface{}) {},
		remotePort:  remotePort,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Close tears down the primary socket. It is safe to call more than
// once; subsequent calls return the error from net.Conn.Close.
func (e *Endpoint) Close() error {
	return e.conn.Close()
}

// LocalAddr is the primary socket's own ephemeral address, i.e. the
// address the target must push its WRQ-driven LUS frames back to.
func (e *Endpoint) LocalAddr() *net.UDPAddr {
	return e.conn.LocalAddr().(*net.UDPAddr)
}

// remoteAddr is the target's RRQ/WRQ listener address.
func (e *Endpoint) remoteAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: e.remoteIP, Port: e.remotePort}
}

// resetTID clears the latched server_tid at the start of a new transfer.
func (e *Endpoint) resetTID() {
	e.mtx.Lock()
	e.serverTID = 0
	e.mtx.Unlock()
}

// latchTID records the remote ephemeral port learned from the first
// reply of a transfer.
func (e *Endpoint) latchTID(port int) {
	e.mtx.Lock()
	e.serverTID = port
	e.mtx.Unlock()
}

// checkTID reports whether addr's port matches the latched server_tid.
// Before a TID has been latched, any port is accepted (it becomes the
// latch).
func (e *Endpoint) checkTID(addr *net.UDPAddr) bool {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if e.serverTID == 0 {
		return true
	}
	return addr.Port == e.serverTID
}

// setDeadline applies the endpoint's configured receive timeout to the
// primary socket.
func (e *Endpoint) setDeadline(conn *net.UDPConn) error {
	return conn.SetReadDeadline(time.Now().Add(e.recvTimeout))
}

// withExtendedTimeout temporarily raises the primary socket's receive
// timeout (used for the final LUS, which may take up to 120s to arrive
// while the target flashes the image) and restores the original value
// on every exit path, including error, per spec.md §5.
func (e *Endpoint) withExtendedTimeout(d time.Duration, fn func() error) error {
	e.mtx.Lock()
	prev := e.recvTimeout
	e.recvTimeout = d
	e.mtx.Unlock()

	defer func() {
		e.mtx.Lock()
		e.recvTimeout = prev
		e.mtx.Unlock()
	}()

	return fn()
}

func backoff(retries int) time.Duration {
	d := 250 * time.Millisecond * time.Duration(1<<uint(retries-1))
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	return d
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// mapRecvError classifies a failed read on the primary socket.
func mapRecvError(err error) error {
	if isTimeout(err) {
		return arincerr.ErrTimeout
	}
	return err
}
