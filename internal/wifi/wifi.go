/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package wifi implements the C5 pre-flight gate of spec.md §4.5: a
// single-shot check that the host is currently associated with the
// expected maintenance Wi-Fi SSID before an upload session begins. It
// is grounded on the teacher's per-OS build-tag convention (see
// ingest/log's *_unix.go / *_windows.go split) and on the original
// source's wifi_utils.py, which performs the same single comparison
// against a platform-native query.
package wifi

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/gse-fls/uploader/internal/arincerr"
)

// Logf is the structured-log sink for the warn-only "unknown platform"
// path; internal/gselog's *Logger satisfies it via a wrapper.
type Logf func(format string, args ...interface{})

// errUnsupportedPlatform marks a host OS this package has no native
// SSID query for; Check treats it as a non-blocking warning, not a
// failure, per spec.md §4.5.
var errUnsupportedPlatform = errors.New("wifi: no native SSID query for this platform")

// currentSSID is implemented per-OS in wifi_linux.go / wifi_windows.go;
// on any other platform this default reports errUnsupportedPlatform.
var currentSSID = func() (string, error) { return "", errUnsupportedPlatform }

// Check compares the host's currently-associated SSID to expected. A
// mismatch returns ErrWifiMismatch; no association at all returns
// ErrWifiDisconnected; a failure to query the platform (missing tool,
// permission denied) returns ErrWifiCheckFailure. On a platform this
// package does not know how to query, it logs a warning and returns
// nil, matching the "non-blocking" behaviour spec.md §4.5 requires for
// unknown platforms.
func Check(expectedSSID string, logf Logf) error {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	got, err := currentSSID()
	if err != nil {
		if errors.Is(err, errUnsupportedPlatform) {
			logf("wifi: no SSID check available on %s, skipping pre-flight gate", runtime.GOOS)
			return nil
		}
		return fmt.Errorf("%w: %v", arincerr.ErrWifiCheckFailure, err)
	}
	got = strings.TrimSpace(got)
	if got == "" {
		return arincerr.ErrWifiDisconnected
	}
	if got != expectedSSID {
		logf("wifi: associated SSID %q does not match expected %q", got, expectedSSID)
		return arincerr.ErrWifiMismatch
	}
	return nil
}
