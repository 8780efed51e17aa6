/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package tftp

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"time"

	"github.com/gse-fls/uploader/internal/arincerr"
	"github.com/gse-fls/uploader/internal/tftpwire"
)

// ReceiveWRQAndData performs the receive_wrq_and_data server-role
// operation (spec.md §4.2): on the primary socket, receive a WRQ, ACK
// it, then receive and ACK a single DATA(1) block from the same
// requester and return its payload. Used for the initial LUS and the
// two progress LUS frames, all of which the target pushes as a
// one-block WRQ.
func (e *Endpoint) ReceiveWRQAndData(ctx context.Context) ([]byte, error) {
	if err := e.setDeadline(e.conn); err != nil {
		return nil, err
	}
	buf := make([]byte, 4+tftpwire.BlockSize)
	n, addr, err := e.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, mapRecvError(err)
	}
	op, body, perr := tftpwire.DecodeOpcode(buf[:n])
	if perr != nil {
		return nil, perr
	}
	if op != tftpwire.OpWRQ {
		return nil, &arincerr.ProtocolViolation{Expected: "WRQ", Got: op.String()}
	}
	if _, perr = tftpwire.DecodeRQ(body); perr != nil {
		return nil, perr
	}

	ack0 := tftpwire.EncodeACK(0)
	if _, err := e.conn.WriteToUDP(ack0, addr); err != nil {
		return nil, err
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err := e.setDeadline(e.conn); err != nil {
		return nil, err
	}
	n, dataAddr, err := e.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, mapRecvError(err)
	}
	if dataAddr.Port != addr.Port || !dataAddr.IP.Equal(addr.IP) {
		return nil, &arincerr.ProtocolViolation{Expected: "DATA from WRQ source", Got: dataAddr.String()}
	}
	op, body, perr = tftpwire.DecodeOpcode(buf[:n])
	if perr != nil {
		return nil, perr
	}
	if op != tftpwire.OpDATA {
		return nil, &arincerr.ProtocolViolation{Expected: "DATA", Got: op.String()}
	}
	block, payload, derr := tftpwire.DecodeDATA(body)
	if derr != nil {
		return nil, derr
	}
	if block != 1 {
		return nil, &arincerr.ProtocolViolation{Expected: "DATA block 1", Got: "block " + strconv.Itoa(int(block))}
	}

	ack1 := tftpwire.EncodeACK(1)
	if _, err := e.conn.WriteToUDP(ack1, addr); err != nil {
		return nil, err
	}

	out := make([]byte, len(payload))
	copy(out, payload)
	return out, nil
}

// ProgressFunc receives the percentage (0..100) of the image transmitted
// so far during ServeFileOnRRQ; it is never called for the trailing
// HASH block.
type ProgressFunc func(pct int)

// ServeFileOnRRQ performs the serve_file_on_rrq server-role operation
// (spec.md §4.2): wait for the target's RRQ for expectedFilename, then
// serve fileBytes in 512-byte DATA blocks over a fresh ephemeral socket,
// followed by a trailer DATA block carrying hashBytes (the SHA-256
// digest). Every block is retransmitted with exponential backoff on a
// per-block retry budget; ACKs from an unexpected address are ignored
// without consuming that budget.
func (e *Endpoint) ServeFileOnRRQ(ctx context.Context, expectedFilename string, fileBytes, hashBytes []byte, progress ProgressFunc) error {
	if err := e.setDeadline(e.conn); err != nil {
		return err
	}
	buf := make([]byte, 4+tftpwire.BlockSize)
	n, requester, err := e.conn.ReadFromUDP(buf)
	if err != nil {
		return mapRecvError(err)
	}
	op, body, perr := tftpwire.DecodeOpcode(buf[:n])
	if perr != nil {
		return perr
	}
	if op != tftpwire.OpRRQ {
		return &arincerr.ProtocolViolation{Expected: "RRQ", Got: op.String()}
	}
	rq, perr := tftpwire.DecodeRQ(body)
	if perr != nil {
		return perr
	}
	if rq.Filename != expectedFilename {
		return arincerr.ErrFilenameMismatch
	}

	srvConn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return err
	}
	defer srvConn.Close()

	total := len(fileBytes)
	sent := 0
	block := uint16(1)
	for off := 0; off < total || (total == 0 && off == 0); {
		end := off + tftpwire.BlockSize
		if end > total {
			end = total
		}
		chunk := fileBytes[off:end]
		pkt := tftpwire.EncodeDATA(block, chunk)
		if err := e.sendBlockAndWaitAck(ctx, srvConn, requester, pkt, block); err != nil {
			return err
		}
		sent += len(chunk)
		if progress != nil {
			progress(clampPct(sent, total))
		}
		off = end
		block++
		if len(chunk) < tftpwire.BlockSize {
			break
		}
		if off >= total {
			break
		}
	}

	if total > 0 && total%tftpwire.BlockSize == 0 {
		pkt := tftpwire.EncodeDATA(block, nil)
		if err := e.sendBlockAndWaitAck(ctx, srvConn, requester, pkt, block); err != nil {
			return err
		}
		if progress != nil {
			progress(100)
		}
		block++
	}

	hashPkt := tftpwire.EncodeDATA(block, hashBytes)
	return e.sendBlockAndWaitAck(ctx, srvConn, requester, hashPkt, block)
}

func clampPct(sent, total int) int {
	if total <= 0 {
		return 100
	}
	pct := int(100 * int64(sent) / int64(total))
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// sendBlockAndWaitAck transmits pkt to requester over conn, retrying
// with exponential backoff (min(2s, 0.25*2^(retries-1))) until it is
// ACKed by wantBlock or the retry budget is exhausted. ACKs from any
// other address are ignored and do not consume the retry budget.
func (e *Endpoint) sendBlockAndWaitAck(ctx context.Context, conn *net.UDPConn, requester *net.UDPAddr, pkt []byte, wantBlock uint16) error {
	retries := 0
	buf := make([]byte, 4)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := conn.WriteToUDP(pkt, requester); err != nil {
			return err
		}
		if err := conn.SetReadDeadline(time.Now().Add(e.recvTimeout)); err != nil {
			return err
		}
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				retries++
				if retries >= e.maxRetries {
					return arincerr.ErrTransferFailure
				}
				time.Sleep(backoff(retries))
				continue
			}
			return err
		}
		if addr.Port != requester.Port || !addr.IP.Equal(requester.IP) {
			e.logf("tftp: serve_file_on_rrq: ignoring ACK from unexpected address %s", addr)
			continue
		}
		op, body, perr := tftpwire.DecodeOpcode(buf[:n])
		if perr != nil {
			continue
		}
		if op == tftpwire.OpERROR {
			code, msg, derr := tftpwire.DecodeERROR(body)
			if derr != nil {
				return derr
			}
			return &arincerr.TftpError{Code: code, Message: msg}
		}
		if op != tftpwire.OpACK {
			continue
		}
		block, derr := tftpwire.DecodeACK(body)
		if derr != nil {
			return derr
		}
		if block != wantBlock {
			continue
		}
		return nil
	}
}

// handshakeTimeout bounds the optional static-key handshake (spec.md
// §4.3): 5 seconds for the full exchange.
const handshakeTimeout = 5 * time.Second

// FinalLUSTimeout extends the primary socket's receive deadline while
// awaiting the last progress LUS (spec.md §5): the target may need up
// to 120s to finish flashing before it pushes the 100% frame.
const FinalLUSTimeout = 120 * time.Second

// ReceiveWRQAndDataExtended is ReceiveWRQAndData with the primary
// socket's receive timeout temporarily raised to d; the endpoint's
// configured timeout is restored on every exit path, including error.
func (e *Endpoint) ReceiveWRQAndDataExtended(ctx context.Context, d time.Duration) (out []byte, err error) {
	err = e.withExtendedTimeout(d, func() error {
		var ierr error
		out, ierr = e.ReceiveWRQAndData(ctx)
		return ierr
	})
	return
}

// VerifyStaticKey implements the optional, feature-flagged static-key
// handshake: send gseKey as DATA(1) to the target's well-known port,
// await ACK(1), then receive the target's DATA(1) and compare it to
// expectedBCKey before ACKing. Disabled by default; the session only
// calls this when the handshake feature flag is set. The endpoint's
// primary receive timeout is restored on every exit path.
func (e *Endpoint) VerifyStaticKey(ctx context.Context, gseKey, expectedBCKey []byte) error {
	return e.withExtendedTimeout(handshakeTimeout, func() error {
		pkt := tftpwire.EncodeDATA(1, gseKey)
		if _, err := e.conn.WriteToUDP(pkt, e.remoteAddr()); err != nil {
			return err
		}
		buf := make([]byte, 4+tftpwire.BlockSize)
		if err := e.setDeadline(e.conn); err != nil {
			return err
		}
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			return mapRecvError(err)
		}
		op, body, perr := tftpwire.DecodeOpcode(buf[:n])
		if perr != nil {
			return perr
		}
		if op != tftpwire.OpACK {
			return &arincerr.ProtocolViolation{Expected: "ACK(1)", Got: op.String()}
		}
		if block, derr := tftpwire.DecodeACK(body); derr != nil {
			return derr
		} else if block != 1 {
			return &arincerr.ProtocolViolation{Expected: "ACK(1)", Got: "ACK with different block"}
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := e.setDeadline(e.conn); err != nil {
			return err
		}
		n, addr, err = e.conn.ReadFromUDP(buf)
		if err != nil {
			return mapRecvError(err)
		}
		op, body, perr = tftpwire.DecodeOpcode(buf[:n])
		if perr != nil {
			return perr
		}
		if op != tftpwire.OpDATA {
			return &arincerr.ProtocolViolation{Expected: "DATA(1)", Got: op.String()}
		}
		block, payload, derr := tftpwire.DecodeDATA(body)
		if derr != nil {
			return derr
		}
		if block != 1 {
			return &arincerr.ProtocolViolation{Expected: "DATA block 1", Got: "different block"}
		}
		if !bytes.Equal(payload, expectedBCKey) {
			return &arincerr.ProtocolViolation{Expected: "matching BC key", Got: "key mismatch"}
		}
		ack := tftpwire.EncodeACK(1)
		_, err = e.conn.WriteToUDP(ack, addr)
		return err
	})
}
