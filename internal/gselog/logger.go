/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package gselog provides the session-transcript logger: an
// RFC5424-structured *Logger per upload session, writing to a rotating
// file (see rotate.go, adapted from the teacher's
// ingest/log/rotate.FileRotator) and forwarding every line to an
// in-process Relay (the session worker's observer callback). It
// replaces gse_logger.py's timestamp-prefixed single-file logger with
// the structured idiom the rest of this module's ambient stack uses,
// while keeping the same "one file per session, append mode, never let
// a logging failure abort the session" behavior.
package gselog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/crewjam/rfc5424"
	"github.com/google/uuid"
)

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	CRITICAL
)

// DefaultID is the RFC5424 structured-data element ID this logger uses
// to carry the session UUID on every line.
const DefaultID = `gse@1`

var (
	ErrNotOpen      = errors.New("logger is not open")
	ErrInvalidLevel = errors.New("log level is invalid")
)

type Level int

// ParseLevel parses one of DEBUG/INFO/WARN/ERROR/CRITICAL
// case-insensitively, for use by cmd/gse-uploader's Log-Level config
// setting.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DEBUG, nil
	case "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	case "CRITICAL", "CRIT":
		return CRITICAL, nil
	}
	return INFO, ErrInvalidLevel
}

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case CRITICAL:
		return "CRITICAL"
	}
	return "UNKNOWN"
}

func (l Level) priority() rfc5424.Priority {
	switch l {
	case DEBUG:
		return rfc5424.User | rfc5424.Debug
	case INFO:
		return rfc5424.User | rfc5424.Info
	case WARN:
		return rfc5424.User | rfc5424.Warning
	case ERROR:
		return rfc5424.User | rfc5424.Error
	case CRITICAL:
		return rfc5424.User | rfc5424.Crit
	}
	return rfc5424.User | rfc5424.Info
}

// Relay receives every accepted log line in parallel with the file
// writer. internal/worker implements Relay to bridge session log lines
// out to its own observer channel.
type Relay interface {
	WriteLog(ts time.Time, line []byte) error
}

// Logger is a single upload session's transcript logger: one file
// writer plus any number of relays, all guarded by a mutex so it is
// safe to call from the session, the worker and C2's warn-only
// diagnostics concurrently.
type Logger struct {
	mtx       sync.Mutex
	wtr       io.WriteCloser
	relays    []Relay
	lvl       Level
	hostname  string
	sessionID uuid.UUID
	closed    bool
}

// NewFile opens (creating if needed, append mode) path as the
// transcript file for sessionID, rotating it at defaultMaxSize with up
// to defaultMaxHistory compressed history files, and returns a ready
// Logger at level INFO.
func NewFile(path string, sessionID uuid.UUID) (*Logger, error) {
	fr, err := openRotatingFile(path, 0640, defaultMaxSize, defaultMaxHistory, defaultCompressOld)
	if err != nil {
		return nil, err
	}
	return New(fr, sessionID), nil
}

// New wraps wtr as a Logger at level INFO.
func New(wtr io.WriteCloser, sessionID uuid.UUID) *Logger {
	hostname, _ := os.Hostname()
	return &Logger{
		wtr:       wtr,
		lvl:       INFO,
		hostname:  hostname,
		sessionID: sessionID,
	}
}

// NewDiscard returns a Logger that drops every line, for tests and
// dry-run invocations that don't want a transcript file.
func NewDiscard(sessionID uuid.UUID) *Logger {
	return New(discardCloser{}, sessionID)
}

type discardCloser struct{}

func (discardCloser) Write(b []byte) (int, error) { return len(b), nil }
func (discardCloser) Close() error                { return nil }

// Close closes the transcript file. Relays are not closed; the worker
// owns their lifetime.
func (l *Logger) Close() error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.closed {
		return ErrNotOpen
	}
	l.closed = true
	return l.wtr.Close()
}

// AddRelay registers r to receive every subsequent accepted log line.
func (l *Logger) AddRelay(r Relay) error {
	if r == nil {
		return errors.New("nil relay")
	}
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.closed {
		return ErrNotOpen
	}
	l.relays = append(l.relays, r)
	return nil
}

// SetLevel sets the minimum level that reaches the writer and relays.
func (l *Logger) SetLevel(lvl Level) error {
	if lvl < DEBUG || lvl > CRITICAL {
		return ErrInvalidLevel
	}
	l.mtx.Lock()
	l.lvl = lvl
	l.mtx.Unlock()
	return nil
}

func (l *Logger) Debugf(f string, args ...interface{}) error { return l.outputf(DEBUG, f, args...) }
func (l *Logger) Infof(f string, args ...interface{}) error  { return l.outputf(INFO, f, args...) }
func (l *Logger) Warnf(f string, args ...interface{}) error  { return l.outputf(WARN, f, args...) }
func (l *Logger) Errorf(f string, args ...interface{}) error { return l.outputf(ERROR, f, args...) }
func (l *Logger) Criticalf(f string, args ...interface{}) error {
	return l.outputf(CRITICAL, f, args...)
}

func (l *Logger) outputf(lvl Level, f string, args ...interface{}) error {
	l.mtx.Lock()
	skip := l.closed || lvl < l.lvl
	l.mtx.Unlock()
	if skip {
		return nil
	}
	ts := time.Now()
	msg := fmt.Sprintf(f, args...)
	ln := strings.TrimRight(l.render(ts, lvl, msg), "\n\t\r")
	return l.write(ts, ln)
}

func (l *Logger) render(ts time.Time, lvl Level, msg string) string {
	m := rfc5424.Message{
		Priority:  lvl.priority(),
		Timestamp: ts,
		Hostname:  l.hostname,
		AppName:   "gse-uploader",
		MessageID: lvl.String(),
		Message:   []byte(msg),
		StructuredData: []rfc5424.StructuredData{{
			ID: DefaultID,
			Parameters: []rfc5424.SDParam{
				rfc5424.SDParam{Name: "session", Value: l.sessionID.String()},
			},
		}},
	}
	b, err := m.MarshalBinary()
	if err != nil {
		return fmt.Sprintf("%s %s %s", ts.UTC().Format(time.RFC3339), lvl, msg)
	}
	return string(b)
}

func (l *Logger) write(ts time.Time, ln string) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.closed {
		return ErrNotOpen
	}
	var err error
	if _, werr := io.WriteString(l.wtr, ln+"\n"); werr != nil {
		err = werr
	}
	for _, r := range l.relays {
		if rerr := r.WriteLog(ts, []byte(ln)); rerr != nil {
			err = rerr
		}
	}
	return err
}
