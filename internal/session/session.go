/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package session implements the ARINC 615A five-step upload state
// machine (spec.md §4.3): read the target's LUI, await its initial LUS,
// send the LUR describing the image, serve the image and its SHA-256
// trailer on RRQ, then await the two progress LUS frames. It is pure
// orchestration over internal/tftp's Endpoint and internal/arincwire's
// frame codec; retries belong entirely to the transport layer below it,
// mirroring arinc615a.py's separation from tftp_client.py.
package session

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"

	"github.com/gse-fls/uploader/internal/arincerr"
	"github.com/gse-fls/uploader/internal/arincwire"
	"github.com/gse-fls/uploader/internal/tftp"
)

// State names every node of the state machine, in the order a
// successful upload visits them.
type State int

const (
	Idle State = iota
	Step1ReadLUI
	Step2AwaitLUSInit
	Step3SendLUR
	Step4ServeImage
	Step5AwaitLUSProgress
	Completed
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Step1ReadLUI:
		return "Step1_ReadLUI"
	case Step2AwaitLUSInit:
		return "Step2_AwaitLUSInit"
	case Step3SendLUR:
		return "Step3_SendLUR"
	case Step4ServeImage:
		return "Step4_ServeImage"
	case Step5AwaitLUSProgress:
		return "Step5_AwaitLUSProgress"
	case Completed:
		return "Completed"
	case Aborted:
		return "Aborted"
	}
	return "Unknown"
}

// Logf is the structured-log sink for both warn-only diagnostics and
// step transitions; internal/gselog's *Logger satisfies it via Infof
// etc. wrapped by the caller to a uniform signature.
type Logf func(format string, args ...interface{})

// ProgressFunc receives the session's overall progress percentage,
// already mapped into the documented ranges (10, 25, 40, 40..70, 70,
// 85, 100).
type ProgressFunc func(pct int)

// luiFilename and lurFilename are the two fixed ARINC 615A transfer
// names the target always requests/serves by.
const (
	luiFilename = "system.LUI"
	lurFilename = "test.LUR"
)

// Session drives one complete upload flow over a single tftp.Endpoint.
type Session struct {
	ep       *tftp.Endpoint
	logf     Logf
	progress ProgressFunc
	state    State

	// AbortOnHashError, when true, treats a local SHA-256 failure
	// (internal/arincwire.Digest returning ErrHashError) as fatal
	// instead of the default resilience behavior of sending 32 zero
	// bytes and continuing. See SPEC_FULL.md open-question resolution.
	AbortOnHashError bool

	// EnableKeyHandshake, when true, runs the optional static-key
	// handshake before Step 1. Disabled by default.
	EnableKeyHandshake bool
	GseKey             []byte
	ExpectedBCKey      []byte
}

// New constructs a Session bound to an already-open endpoint. Both
// callbacks are invoked synchronously from whatever goroutine calls
// RunUploadFlow; internal/worker is responsible for treating them as
// cross-goroutine events.
func New(ep *tftp.Endpoint, logf Logf, progress ProgressFunc) *Session {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	if progress == nil {
		progress = func(int) {}
	}
	return &Session{ep: ep, logf: logf, progress: progress, state: Idle}
}

// State reports the state machine's current node.
func (s *Session) State() State { return s.state }

// RunUploadFlow executes the full five-step sequence for one image
// upload. filePath is the local image file to transmit; partNumber is
// embedded in the LUR frame. Any C2 transport error, protocol
// violation, or local I/O failure aborts the flow immediately; C3
// itself never retries a step.
func (s *Session) RunUploadFlow(ctx context.Context, filePath, partNumber string) error {
	if partNumber == "" {
		s.state = Aborted
		return arincerr.ErrInvalidArguments
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		s.state = Aborted
		return fmt.Errorf("%w: %v", arincerr.ErrIoError, err)
	}
	imageFilename, err := tftp.SanitizeFilename(filePath)
	if err != nil {
		s.state = Aborted
		return err
	}

	if s.EnableKeyHandshake {
		s.logf("session: verifying static key handshake")
		if err := s.ep.VerifyStaticKey(ctx, s.GseKey, s.ExpectedBCKey); err != nil {
			s.state = Aborted
			return err
		}
	}

	s.state = Step1ReadLUI
	if err := s.step1ReadLUI(ctx); err != nil {
		s.state = Aborted
		return err
	}
	s.progress(10)

	s.state = Step2AwaitLUSInit
	if err := s.step2AwaitLUSInit(ctx); err != nil {
		s.state = Aborted
		return err
	}
	s.progress(25)

	s.state = Step3SendLUR
	if err := s.step3SendLUR(ctx, imageFilename, partNumber); err != nil {
		s.state = Aborted
		return err
	}
	s.progress(40)

	s.state = Step4ServeImage
	if err := s.step4ServeImage(ctx, imageFilename, data); err != nil {
		s.state = Aborted
		return err
	}
	// step4ServeImage's own progress callback always reaches exactly
	// 70 on its last call (C2's clampPct hits 100 for the final block),
	// so no separate transition announcement is needed here.

	s.state = Step5AwaitLUSProgress
	if err := s.step5AwaitLUSProgress(ctx); err != nil {
		s.state = Aborted
		return err
	}
	s.progress(100)

	s.state = Completed
	return nil
}

// step1ReadLUI reads system.LUI from the target; an unexpected status
// code is warn-only, never fatal.
func (s *Session) step1ReadLUI(ctx context.Context) error {
	buf, err := s.ep.ReadFile(ctx, luiFilename)
	if err != nil {
		return err
	}
	lui, err := arincwire.ParseLUI(buf)
	if err != nil {
		return err
	}
	if !lui.Status.Ok() {
		s.logf("session: step1: LUI status %s (%s), proceeding anyway", lui.Status.Name(), lui.Status.Hex())
	}
	return nil
}

// step2AwaitLUSInit receives the target's one-block WRQ carrying the
// initial LUS and parses it; a non-fatal progress mismatch is not
// possible here since the LUS's own progress field is irrelevant to
// this step, only that it parses.
func (s *Session) step2AwaitLUSInit(ctx context.Context) error {
	buf, err := s.ep.ReceiveWRQAndData(ctx)
	if err != nil {
		return err
	}
	if _, err := arincwire.ParseLUS(buf); err != nil {
		return err
	}
	return nil
}

// step3SendLUR builds and writes test.LUR describing the image about
// to be served; imageFilename is the sanitized basename step4ServeImage
// will later expect the target's RRQ to name.
func (s *Session) step3SendLUR(ctx context.Context, imageFilename, partNumber string) error {
	buf, err := arincwire.BuildLUR(imageFilename, partNumber)
	if err != nil {
		return err
	}
	return s.ep.WriteFile(ctx, lurFilename, buf)
}

// step4ServeImage computes the image's SHA-256 digest and serves both
// the image and the digest trailer on the target's RRQ, mapping C2's
// [0,100] send progress into the session's documented [40,70] window.
// imageFilename must match the basename embedded in the LUR sent by
// step3SendLUR, since that's the filename the target RRQs for.
func (s *Session) step4ServeImage(ctx context.Context, imageFilename string, data []byte) error {
	hash, herr := arincwire.Digest(data)
	var hashBytes []byte
	if herr != nil {
		if s.AbortOnHashError {
			return herr
		}
		s.logf("session: step4: %v, sending zeroed hash trailer per resilience policy", herr)
		hashBytes = make([]byte, sha256.Size)
	} else {
		hashBytes = hash[:]
	}

	return s.ep.ServeFileOnRRQ(ctx, imageFilename, data, hashBytes, func(pct int) {
		s.progress(40 + int(float64(pct)*0.30))
	})
}

// step5AwaitLUSProgress receives the two final progress LUS frames.
// Progress-value mismatches are warn-only on both; a receive timeout on
// either is fatal, per spec.md §4.3.
func (s *Session) step5AwaitLUSProgress(ctx context.Context) error {
	if err := s.awaitLUSAt(ctx, 50, false); err != nil {
		return err
	}
	s.progress(85)
	if err := s.awaitLUSAt(ctx, 100, true); err != nil {
		return err
	}
	return nil
}

// awaitLUSAt receives one progress LUS and checks it against want. A
// progress-value mismatch is always warn-only; a receive timeout is
// fatal. When final is true the extended 120s window of spec.md §5
// applies, since the target may still be flashing the image.
func (s *Session) awaitLUSAt(ctx context.Context, want int, final bool) error {
	var buf []byte
	var err error
	if final {
		buf, err = s.ep.ReceiveWRQAndDataExtended(ctx, tftp.FinalLUSTimeout)
	} else {
		buf, err = s.ep.ReceiveWRQAndData(ctx)
	}
	if err != nil {
		return err
	}
	lus, err := arincwire.ParseLUS(buf)
	if err != nil {
		return err
	}
	if lus.Progress != want {
		s.logf("session: step5: expected LUS progress %d, got %d, continuing", want, lus.Progress)
	}
	return nil
}
