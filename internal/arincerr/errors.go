/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package arincerr holds the error taxonomy shared by the TFTP endpoint,
// the ARINC 615A frame codec and the session state machine. Every
// fallible operation in those packages returns one of these sentinels,
// wrapped with fmt.Errorf("%w") when extra context is useful; nothing in
// this module panics across a package boundary.
package arincerr

import (
	"errors"
	"strconv"
)

// Input validation errors (C1).
var (
	ErrInsufficientData       = errors.New("arinc: payload shorter than minimum frame size")
	ErrInvalidProtocolVersion = errors.New("arinc: protocol_version is not 2 ASCII bytes")
	ErrTruncatedDescription   = errors.New("arinc: payload shorter than desc_length requires")
	ErrInvalidProgress        = errors.New("arinc: progress field is not ASCII digits")
	ErrProgressOutOfRange     = errors.New("arinc: progress value outside [0,100]")
	ErrInvalidField           = errors.New("arinc: field is empty, non-ASCII, or exceeds 255 bytes")
	ErrInvalidArguments       = errors.New("arinc: invalid arguments to session operation")
)

// Transport errors (C2).
var (
	ErrTimeout           = errors.New("tftp: receive timed out")
	ErrUnknownTid        = errors.New("tftp: datagram source port does not match latched TID")
	ErrProtocolViolation = errors.New("tftp: unexpected opcode or sequence")
	ErrFilenameMismatch  = errors.New("tftp: RRQ filename does not match expected filename")
	ErrInvalidFilename   = errors.New("tftp: filename sanitises to empty or contains a traversal segment")
	ErrTransferFailure   = errors.New("tftp: retry budget exhausted")
)

// Local errors.
var (
	ErrIoError              = errors.New("gse: local I/O failure")
	ErrHashError            = errors.New("gse: SHA-256 digest computation failed")
	ErrTransportInitFailure = errors.New("gse: failed to open TFTP endpoint socket")
)

// Pre-flight errors (C5).
var (
	ErrWifiMismatch     = errors.New("wifi: associated SSID does not match expected SSID")
	ErrWifiDisconnected = errors.New("wifi: host is not associated with any network")
	ErrWifiCheckFailure = errors.New("wifi: unable to query platform network state")
)

// TftpError carries a remote-reported TFTP ERROR packet (code + message).
type TftpError struct {
	Code    uint16
	Message string
}

func (e *TftpError) Error() string {
	return "tftp: remote error " + strconv.Itoa(int(e.Code)) + ": " + e.Message
}

// ProtocolViolation records the opcode/step we expected against what we
// actually observed, for diagnostic logging.
type ProtocolViolation struct {
	Expected string
	Got      string
}

func (e *ProtocolViolation) Error() string {
	return "tftp: protocol violation, expected " + e.Expected + " got " + e.Got
}

func (e *ProtocolViolation) Unwrap() error {
	return ErrProtocolViolation
}
