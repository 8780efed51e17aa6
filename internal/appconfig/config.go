/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package appconfig loads cmd/gse-uploader's gcfg-style ini
// configuration file, following the teacher's collectd/config.go
// pattern (an intermediary "read" type decoded with gcfg, validated
// into the type the rest of the program uses) and config/env.go's
// environment-variable override convention.
package appconfig

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/gcfg.v1"
)

// MaxConfigSize guards against a runaway or corrupted config file,
// mirroring collectd/config.go's MAX_CONFIG_SIZE sanity check.
const MaxConfigSize int64 = 1024 * 1024 * 2

var (
	ErrNoTargetIP     = errors.New("appconfig: Target-IP is required")
	ErrNoExpectedSSID = errors.New("appconfig: Expected-SSID is required")
	ErrInvalidTimeout = errors.New("appconfig: a configured timeout must be positive")
)

// Global is the single [Global] section of the ini file.
type Global struct {
	Target_IP            string
	Expected_SSID        string
	Recv_Timeout         string // duration string, e.g. "60s"
	Max_Retries          int
	Log_File             string
	Log_Level            string
	State_File           string
	Import_Dir           string
	Storage_Dir          string
	Abort_On_Hash_Error  bool
	Enable_Key_Handshake bool
	Gse_Key_Hex          string
	Expected_BC_Key_Hex  string
	Lock_File            string

	Auth_Username   string
	Auth_Salt_Hex   string
	Auth_Key_Hex    string
	Auth_Iterations int
}

type readType struct {
	Global Global
}

// Config is the validated, ready-to-use configuration cmd/gse-uploader
// builds its components from.
type Config struct {
	Global

	TargetIP    net.IP
	RecvTimeout time.Duration
}

// Load reads path (rejecting anything over MaxConfigSize, per the
// teacher's sanity check), applies environment variable overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	fin, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := fin.Stat()
	if err != nil {
		fin.Close()
		return nil, err
	}
	if fi.Size() > MaxConfigSize {
		fin.Close()
		return nil, fmt.Errorf("appconfig: config file %s is too large", path)
	}
	buf := make([]byte, fi.Size())
	n, err := fin.Read(buf)
	fin.Close()
	if err != nil && int64(n) != fi.Size() {
		return nil, err
	}

	var rt readType
	if err := gcfg.ReadStringInto(&rt, string(buf)); err != nil {
		return nil, err
	}

	g := rt.Global
	if err := applyEnvOverrides(&g); err != nil {
		return nil, err
	}

	c := &Config{Global: g}
	if err := c.resolve(); err != nil {
		return nil, err
	}
	return c, nil
}

// applyEnvOverrides mirrors config/env.go's LoadEnvVar convention: an
// environment variable (or its _FILE indirection) fills in a setting
// only when the ini value is still the zero value, so an explicit file
// setting is never silently clobbered by a
// stray environment variable left over from a different invocation.
func applyEnvOverrides(g *Global) error {
	loadEnvVarString(&g.Target_IP, "GSE_TARGET_IP")
	loadEnvVarString(&g.Expected_SSID, "GSE_EXPECTED_SSID")
	loadEnvVarString(&g.Log_Level, "GSE_LOG_LEVEL")
	loadEnvVarString(&g.Log_File, "GSE_LOG_FILE")
	return nil
}

func (c *Config) resolve() error {
	if c.Target_IP == "" {
		return ErrNoTargetIP
	}
	ip := net.ParseIP(c.Target_IP)
	if ip == nil {
		return fmt.Errorf("appconfig: Target-IP %q is not a valid IPv4 address", c.Target_IP)
	}
	c.TargetIP = ip

	if c.Expected_SSID == "" {
		return ErrNoExpectedSSID
	}

	if c.Recv_Timeout == "" {
		c.RecvTimeout = 60 * time.Second
	} else {
		d, err := time.ParseDuration(c.Recv_Timeout)
		if err != nil {
			return fmt.Errorf("appconfig: Recv-Timeout %q: %w", c.Recv_Timeout, err)
		}
		if d <= 0 {
			return ErrInvalidTimeout
		}
		c.RecvTimeout = d
	}
	if c.Max_Retries <= 0 {
		c.Max_Retries = 5
	}
	if c.Import_Dir == "" {
		c.Import_Dir = "gse_import"
	}
	if c.Storage_Dir == "" {
		c.Storage_Dir = "gse_storage"
	}
	if c.State_File == "" {
		c.State_File = "gse_state.bin"
	}
	if c.Log_File == "" {
		c.Log_File = "gse-uploader.log"
	}
	if c.Log_Level == "" {
		c.Log_Level = "INFO"
	}
	if c.Lock_File == "" {
		c.Lock_File = "gse-uploader.lock"
	}
	if c.Auth_Iterations <= 0 {
		c.Auth_Iterations = 210000
	}
	return nil
}
