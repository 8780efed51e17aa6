/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package appconfig

import (
	"bufio"
	"os"
)

// loadEnvVarString mirrors config/env.go's LoadEnvVar(string) behavior:
// an already-set ini value is left alone; otherwise envName is
// consulted directly, falling back to envName+"_FILE" naming a file
// whose first line holds the value. Used for the handful of settings
// an operator may reasonably want to inject without editing the ini
// file (target IP, SSID, log routing).
func loadEnvVarString(cnd *string, envName string) {
	if cnd == nil || *cnd != "" || envName == "" {
		return
	}
	if v, ok := os.LookupEnv(envName); ok {
		*cnd = v
		return
	}
	if fp, ok := os.LookupEnv(envName + "_FILE"); ok {
		if v, err := loadFirstLine(fp); err == nil {
			*cnd = v
		}
	}
}

func loadFirstLine(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	s.Scan()
	return s.Text(), s.Err()
}
