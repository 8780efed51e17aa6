/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package worker runs one complete upload session and bridges its
// log/progress/completion events to an observer, guaranteeing socket
// teardown on every exit path. Run executes the session on the calling
// goroutine and blocks until it ends; it does not start a goroutine of
// its own. It is the Go translation of arinc_worker.py's
// ArincWorker.run: the try/except/finally structure becomes a deferred
// cleanup plus a terminal Result that is returned to the caller and
// passed to Observer.Finished, and the Qt WorkerSignals become plain
// callbacks the caller supplies.
package worker

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/gse-fls/uploader/internal/arincerr"
	"github.com/gse-fls/uploader/internal/gselog"
	"github.com/gse-fls/uploader/internal/session"
	"github.com/gse-fls/uploader/internal/state"
	"github.com/gse-fls/uploader/internal/tftp"
)

// Observer receives the three event types a session emits, mirroring
// WorkerSignals.log/progress/finished. All three are called on the
// goroutine that calls Run; a caller that runs Run on its own goroutine
// must treat them as cross-goroutine events.
type Observer struct {
	Log      func(line string)
	Progress func(pct int)
	Finished func(result Result)
}

// Result is the terminal outcome of one Run call.
type Result struct {
	SessionID  uuid.UUID
	Succeeded  bool
	FinalState session.State
	Err        error
}

// Options configures session construction; both feature flags default
// to disabled and off, per SPEC_FULL.md's open-question resolutions.
type Options struct {
	RecvTimeout        time.Duration
	MaxRetries         int
	AbortOnHashError   bool
	EnableKeyHandshake bool
	GseKey             []byte
	ExpectedBCKey      []byte
	LogPath            string
	Store              *state.Store
}

// Run opens a TFTP endpoint to targetIP, drives one full upload of
// filePath/partNumber through internal/session, and always tears the
// endpoint down and emits Observer.Finished exactly once, regardless of
// how the flow ends. It blocks; callers that want concurrency should
// invoke it from their own goroutine, exactly as ArincWorker.run was
// dispatched onto a QThreadPool by the Qt side.
func Run(ctx context.Context, targetIP net.IP, filePath, partNumber string, opts Options, obs Observer) Result {
	sessionID := uuid.New()
	start := time.Now()
	emit := func(line string) {
		if obs.Log != nil {
			obs.Log(line)
		}
	}
	// Until the session logger is open, lines go straight to the
	// observer; afterwards they are written through the logger, whose
	// relay forwards every written line to the observer.
	var logger *gselog.Logger
	logLine := func(f string, args ...interface{}) {
		if logger != nil {
			logger.Infof(f, args...)
			return
		}
		emit(fmt.Sprintf(f, args...))
	}
	progress := func(pct int) {
		if obs.Progress != nil {
			obs.Progress(pct)
		}
	}

	logLine("[worker] starting session %s for target %s", sessionID, targetIP)

	lg, lerr := loggerFor(opts.LogPath, sessionID)
	if lerr != nil {
		logLine("[worker] failed to open session log %q: %v", opts.LogPath, lerr)
	} else {
		defer lg.Close()
		lg.AddRelay(relayFunc(func(_ time.Time, line []byte) error {
			emit(string(line))
			return nil
		}))
		logger = lg
	}

	result := Result{SessionID: sessionID, FinalState: session.Idle}

	var ep *tftp.Endpoint
	defer func() {
		if ep != nil {
			if err := ep.Close(); err != nil {
				logLine("[worker] error closing endpoint: %v", err)
			}
		}
		if opts.Store != nil {
			sr := state.LastSessionResult{
				SessionID:   sessionID,
				TargetIP:    targetIP.String(),
				PartNumber:  partNumber,
				FinalState:  result.FinalState.String(),
				Succeeded:   result.Succeeded,
				StartedAt:   start,
				CompletedAt: time.Now(),
			}
			if result.Err != nil {
				sr.ErrorText = result.Err.Error()
			}
			if err := opts.Store.Write(sr); err != nil {
				logLine("[worker] failed to persist session result: %v", err)
			}
		}
		logLine("[worker] session %s terminated, sockets closed", sessionID)
		if obs.Finished != nil {
			obs.Finished(result)
		}
	}()

	endpointOpts := []tftp.Option{
		tftp.WithLogf(tftp.Logf(logLine)),
	}
	if opts.RecvTimeout > 0 {
		endpointOpts = append(endpointOpts, tftp.WithRecvTimeout(opts.RecvTimeout))
	}
	if opts.MaxRetries > 0 {
		endpointOpts = append(endpointOpts, tftp.WithMaxRetries(opts.MaxRetries))
	}

	var err error
	ep, err = tftp.Open(targetIP, endpointOpts...)
	if err != nil {
		result.Err = fmt.Errorf("%w: %v", arincerr.ErrTransportInitFailure, err)
		result.FinalState = session.Aborted
		logLine("[worker] %v", result.Err)
		return result
	}

	sess := session.New(ep, session.Logf(logLine), progress)
	sess.AbortOnHashError = opts.AbortOnHashError
	sess.EnableKeyHandshake = opts.EnableKeyHandshake
	sess.GseKey = opts.GseKey
	sess.ExpectedBCKey = opts.ExpectedBCKey

	if err := sess.RunUploadFlow(ctx, filePath, partNumber); err != nil {
		result.Err = err
		result.FinalState = sess.State()
		logLine("[worker] session failed: %v (state %s)", err, sess.State())
		return result
	}

	result.Succeeded = true
	result.FinalState = sess.State()
	logLine("[worker] session completed successfully")
	return result
}

func loggerFor(path string, sessionID uuid.UUID) (*gselog.Logger, error) {
	if path == "" {
		return gselog.NewDiscard(sessionID), nil
	}
	return gselog.NewFile(path, sessionID)
}

type relayFunc func(time.Time, []byte) error

func (f relayFunc) WriteLog(ts time.Time, line []byte) error { return f(ts, line) }
