/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package tftp

import (
	"strings"

	"github.com/gse-fls/uploader/internal/arincerr"
)

// SanitizeFilename applies the filename hardening rules of spec.md
// §4.2 before any RRQ/WRQ is built: backslashes become forward
// slashes, only the final path segment survives (earlier segments,
// including any "..", are discarded), a final segment of ".." or "." is
// rejected, and any byte outside [A-Za-z0-9._-@+] is replaced with an
// underscore. An empty result after sanitising is rejected.
func SanitizeFilename(name string) (string, error) {
	name = strings.ReplaceAll(name, `\`, `/`)
	if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		name = name[idx+1:]
	}
	if name == ".." || name == "." {
		return "", arincerr.ErrInvalidFilename
	}
	b := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if isAllowedFilenameByte(c) {
			b[i] = c
		} else {
			b[i] = '_'
		}
	}
	out := string(b)
	if out == "" {
		return "", arincerr.ErrInvalidFilename
	}
	return out, nil
}

func isAllowedFilenameByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '.' || c == '_' || c == '-' || c == '@' || c == '+':
		return true
	}
	return false
}
