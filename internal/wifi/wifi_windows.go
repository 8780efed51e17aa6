//go:build windows

/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package wifi

import (
	"os/exec"
	"strings"
)

func init() {
	currentSSID = windowsCurrentSSID
}

// windowsCurrentSSID parses the "SSID" line out of
// `netsh wlan show interfaces`, the standard way to query the
// associated network on Windows without a native WLAN API binding.
func windowsCurrentSSID() (string, error) {
	out, err := exec.Command("netsh", "wlan", "show", "interfaces").Output()
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "SSID") && !strings.HasPrefix(line, "SSID BSSID") && !strings.HasPrefix(line, "BSSID") {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				return strings.TrimSpace(parts[1]), nil
			}
		}
	}
	return "", nil
}
