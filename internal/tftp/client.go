/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package tftp

import (
	"context"
	"net"

	"github.com/gse-fls/uploader/internal/arincerr"
	"github.com/gse-fls/uploader/internal/tftpwire"
)

// ReadFile performs the RRQ client operation (spec.md §4.2): it reads
// filename from the target via RRQ/DATA/ACK, enforcing TID and block
// ordering, and returns the concatenated file contents. filename is
// sanitised before the RRQ is sent.
func (e *Endpoint) ReadFile(ctx context.Context, filename string) ([]byte, error) {
	clean, err := SanitizeFilename(filename)
	if err != nil {
		return nil, err
	}

	e.resetTID()
	rrq := tftpwire.EncodeRRQ(clean, tftpwire.ModeOctet)
	if _, err := e.conn.WriteToUDP(rrq, e.remoteAddr()); err != nil {
		return nil, err
	}

	var out []byte
	expected := uint16(1)
	retries := 0
	buf := make([]byte, 4+tftpwire.BlockSize)

	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err := e.setDeadline(e.conn); err != nil {
			return nil, err
		}
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				retries++
				if retries >= e.maxRetries {
					return nil, arincerr.ErrTransferFailure
				}
				if expected == 1 {
					if _, werr := e.conn.WriteToUDP(rrq, e.remoteAddr()); werr != nil {
						return nil, werr
					}
				}
				continue
			}
			return nil, err
		}

		op, body, perr := tftpwire.DecodeOpcode(buf[:n])
		if perr != nil {
			e.logf("tftp: read_file: dropping unparseable datagram from %s: %v", addr, perr)
			continue
		}

		if op == tftpwire.OpERROR {
			code, msg, derr := tftpwire.DecodeERROR(body)
			if derr != nil {
				return nil, derr
			}
			return nil, &arincerr.TftpError{Code: code, Message: msg}
		}
		if op != tftpwire.OpDATA {
			e.logf("tftp: read_file: unexpected opcode %v from %s, ignoring", op, addr)
			continue
		}

		if e.firstReply() {
			e.latchTID(addr.Port)
		} else if !e.checkTID(addr) {
			e.logf("tftp: read_file: %v from %s", arincerr.ErrUnknownTid, addr)
			continue
		}

		block, payload, derr := tftpwire.DecodeDATA(body)
		if derr != nil {
			return nil, derr
		}
		if block != expected {
			ack := tftpwire.EncodeACK(expected - 1)
			if _, werr := e.conn.WriteToUDP(ack, addr); werr != nil {
				return nil, werr
			}
			continue
		}

		out = append(out, payload...)
		ack := tftpwire.EncodeACK(block)
		if _, werr := e.conn.WriteToUDP(ack, addr); werr != nil {
			return nil, werr
		}
		expected++
		retries = 0

		if len(payload) < tftpwire.BlockSize {
			return out, nil
		}
	}
}

// firstReply reports whether we have not yet latched a server TID for
// this transfer, i.e. this is the first DATA/ACK expected to arrive.
func (e *Endpoint) firstReply() bool {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.serverTID == 0
}

// WriteFile performs the WRQ client operation (spec.md §4.2): send WRQ,
// await ACK(0) (latching the TID), then send data in 512-byte chunks
// awaiting an ACK after each. The final chunk is whichever one is
// shorter than 512 bytes; unlike the server role, no extra zero-length
// DATA block is sent when len(data) is an exact multiple of 512.
func (e *Endpoint) WriteFile(ctx context.Context, filename string, data []byte) error {
	clean, err := SanitizeFilename(filename)
	if err != nil {
		return err
	}

	e.resetTID()
	wrq := tftpwire.EncodeWRQ(clean, tftpwire.ModeOctet)
	remote, err := e.awaitInitialAck(ctx, wrq, 0)
	if err != nil {
		return err
	}

	block := uint16(1)
	for off := 0; ; {
		end := off + tftpwire.BlockSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]
		pkt := tftpwire.EncodeDATA(block, chunk)
		if remote, err = e.sendAndAwaitAck(ctx, pkt, block, remote); err != nil {
			return err
		}
		off = end
		if len(chunk) < tftpwire.BlockSize {
			return nil
		}
		block++
	}
}

// awaitInitialAck sends pkt (an RRQ/WRQ) and blocks until an ACK for
// wantBlock arrives, latching the server TID from the first reply.
// Retries resend pkt on timeout up to the endpoint's retry budget.
func (e *Endpoint) awaitInitialAck(ctx context.Context, pkt []byte, wantBlock uint16) (*net.UDPAddr, error) {
	if _, err := e.conn.WriteToUDP(pkt, e.remoteAddr()); err != nil {
		return nil, err
	}
	retries := 0
	buf := make([]byte, 4)
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err := e.setDeadline(e.conn); err != nil {
			return nil, err
		}
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				retries++
				if retries >= e.maxRetries {
					return nil, arincerr.ErrTransferFailure
				}
				if _, werr := e.conn.WriteToUDP(pkt, e.remoteAddr()); werr != nil {
					return nil, werr
				}
				continue
			}
			return nil, err
		}
		op, body, perr := tftpwire.DecodeOpcode(buf[:n])
		if perr != nil {
			continue
		}
		if op == tftpwire.OpERROR {
			code, msg, derr := tftpwire.DecodeERROR(body)
			if derr != nil {
				return nil, derr
			}
			return nil, &arincerr.TftpError{Code: code, Message: msg}
		}
		if op != tftpwire.OpACK {
			e.logf("tftp: write_file: unexpected opcode %v from %s, ignoring", op, addr)
			continue
		}
		block, derr := tftpwire.DecodeACK(body)
		if derr != nil {
			return nil, derr
		}
		if block != wantBlock {
			continue
		}
		e.latchTID(addr.Port)
		return addr, nil
	}
}

// sendAndAwaitAck sends a DATA packet and blocks until it is ACKed by
// wantBlock, retransmitting on timeout up to the retry budget. remote
// must already have a latched TID.
func (e *Endpoint) sendAndAwaitAck(ctx context.Context, pkt []byte, wantBlock uint16, remote *net.UDPAddr) (*net.UDPAddr, error) {
	if _, err := e.conn.WriteToUDP(pkt, remote); err != nil {
		return nil, err
	}
	retries := 0
	buf := make([]byte, 4)
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err := e.setDeadline(e.conn); err != nil {
			return nil, err
		}
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				retries++
				if retries >= e.maxRetries {
					return nil, arincerr.ErrTransferFailure
				}
				if _, werr := e.conn.WriteToUDP(pkt, remote); werr != nil {
					return nil, werr
				}
				continue
			}
			return nil, err
		}
		if !e.checkTID(addr) {
			e.logf("tftp: write_file: %v from %s", arincerr.ErrUnknownTid, addr)
			continue
		}
		op, body, perr := tftpwire.DecodeOpcode(buf[:n])
		if perr != nil {
			continue
		}
		if op == tftpwire.OpERROR {
			code, msg, derr := tftpwire.DecodeERROR(body)
			if derr != nil {
				return nil, derr
			}
			return nil, &arincerr.TftpError{Code: code, Message: msg}
		}
		if op != tftpwire.OpACK {
			continue
		}
		block, derr := tftpwire.DecodeACK(body)
		if derr != nil {
			return nil, derr
		}
		if block != wantBlock {
			continue
		}
		return addr, nil
	}
}
