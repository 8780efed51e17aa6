//go:build linux

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
	currentSSID = linuxCurrentSSID
}

// linuxCurrentSSID shells out to iwgetid, the standard wireless-tools
// query for the SSID of the currently associated interface. If
// iwgetid isn't installed we fall back to nmcli, which ships on most
// NetworkManager-based distributions used for maintenance laptops.
func linuxCurrentSSID() (string, error) {
	if out, err := exec.Command("iwgetid", "-r").Output(); err == nil {
		return strings.TrimSpace(string(out)), nil
	}
	out, err := exec.Command("nmcli", "-t", "-f", "active,ssid", "dev", "wifi").Output()
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		fields := strings.SplitN(line, ":", 2)
		if len(fields) == 2 && fields[0] == "yes" {
			return fields[1], nil
		}
	}
	return "", nil
}
