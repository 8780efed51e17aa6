/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Command gse-uploader is the process entry point for the ARINC 615A
// ground-side uploader: it loads configuration, takes a single-instance
// file lock, runs the Wi-Fi pre-flight gate, validates operator
// credentials, waits for an image to be imported, and drives one complete
// upload session, logging progress to stdout as it goes. It is
// grounded on the teacher's collectd/main.go (flag parsing, config
// load, fatal-on-setup-error pattern, -version flag).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/gse-fls/uploader/internal/appconfig"
	"github.com/gse-fls/uploader/internal/authexternal"
	"github.com/gse-fls/uploader/internal/filewatch"
	"github.com/gse-fls/uploader/internal/gselog"
	"github.com/gse-fls/uploader/internal/state"
	"github.com/gse-fls/uploader/internal/wifi"
	"github.com/gse-fls/uploader/internal/worker"
	"github.com/gse-fls/uploader/version"
)

const defaultConfigLoc = `/opt/gse-uploader/etc/gse-uploader.conf`

var (
	configOverride = flag.String("config-file-override", "", "Override location for configuration file")
	ver            = flag.Bool("version", false, "Print the version information and exit")
	imagePath      = flag.String("image", "", "Path to the image file to upload (bypasses the import-directory watch)")
	authUser       = flag.String("user", "", "Operator username for the pre-session credential check")
	authPass       = flag.String("pass", "", "Operator password for the pre-session credential check")
)

func main() {
	flag.Parse()
	if *ver {
		version.PrintVersion(os.Stdout)
		os.Exit(0)
	}

	confLoc := defaultConfigLoc
	if *configOverride != "" {
		confLoc = *configOverride
	}

	cfg, err := appconfig.Load(confLoc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration %s: %v\n", confLoc, err)
		os.Exit(1)
	}

	lk := flock.New(cfg.Lock_File)
	locked, err := lk.TryLock()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to acquire single-instance lock %s: %v\n", cfg.Lock_File, err)
		os.Exit(1)
	}
	if !locked {
		fmt.Fprintf(os.Stderr, "another gse-uploader instance already holds %s\n", cfg.Lock_File)
		os.Exit(1)
	}
	defer lk.Unlock()

	lvl, lerr := gselog.ParseLevel(cfg.Log_Level)
	if lerr != nil {
		fmt.Fprintf(os.Stderr, "invalid Log-Level %q, defaulting to INFO\n", cfg.Log_Level)
		lvl = gselog.INFO
	}

	startupLogger, err := gselog.NewFile(cfg.Log_File, uuid.Nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log file %s: %v\n", cfg.Log_File, err)
		os.Exit(1)
	}
	startupLogger.SetLevel(lvl)
	defer startupLogger.Close()

	logBoth := func(format string, args ...interface{}) {
		startupLogger.Infof(format, args...)
		fmt.Printf(format+"\n", args...)
	}

	if err := wifi.Check(cfg.Expected_SSID, func(f string, a ...interface{}) { startupLogger.Warnf(f, a...) }); err != nil {
		logBoth("[FATAL] pre-flight Wi-Fi check failed: %v", err)
		os.Exit(1)
	}
	logBoth("pre-flight Wi-Fi check passed (SSID %q)", cfg.Expected_SSID)

	if cfg.Auth_Username != "" {
		if *authUser == "" || *authPass == "" {
			logBoth("[FATAL] credentials required; pass -user and -pass")
			os.Exit(1)
		}
		rec, rerr := authexternal.DecodeRecord(cfg.Auth_Username, cfg.Auth_Salt_Hex, cfg.Auth_Key_Hex, cfg.Auth_Iterations)
		if rerr != nil {
			logBoth("[FATAL] invalid provisioned credential record: %v", rerr)
			os.Exit(1)
		}
		ok, verr := authexternal.ValidateCredentials(rec, *authUser, *authPass)
		if verr != nil || !ok {
			logBoth("[AUTH-ERROR] credential validation failed for user %q", *authUser)
			os.Exit(1)
		}
		logBoth("credential check passed for user %q", *authUser)
	}

	st, serr := state.NewStore(cfg.State_File, 0640)
	if serr != nil {
		logBoth("[FATAL] invalid State-File %s: %v", cfg.State_File, serr)
		os.Exit(1)
	}

	path, partNumber := *imagePath, ""
	if path != "" {
		fw, ferr := filewatch.New(cfg.Import_Dir, cfg.Storage_Dir)
		if ferr != nil {
			logBoth("[FATAL] failed to prepare storage directory: %v", ferr)
			os.Exit(1)
		}
		details, ierr := fw.Import(path)
		if ierr != nil {
			logBoth("[FATAL] failed to import %s: %v", path, ierr)
			os.Exit(1)
		}
		path, partNumber = details.StoredPath, details.PartNumber
		logBoth("imported %s as part number %s", path, partNumber)
	} else {
		path, partNumber = waitForDroppedImage(cfg, logBoth)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := worker.Options{
		RecvTimeout:        cfg.RecvTimeout,
		MaxRetries:         cfg.Max_Retries,
		AbortOnHashError:   cfg.Abort_On_Hash_Error,
		EnableKeyHandshake: cfg.Enable_Key_Handshake,
		LogPath:            cfg.Log_File,
		Store:              st,
	}

	result := worker.Run(ctx, cfg.TargetIP, path, partNumber, opts, worker.Observer{
		Log: func(line string) { fmt.Println(line) },
		Progress: func(pct int) {
			fmt.Printf("progress: %d%%\n", pct)
		},
	})

	if !result.Succeeded {
		os.Exit(2)
	}
}

// waitForDroppedImage blocks on a filewatch.Watcher until an image
// lands in the configured import directory, returning its stored path
// and derived part number.
func waitForDroppedImage(cfg *appconfig.Config, logBoth func(string, ...interface{})) (string, string) {
	fw, err := filewatch.New(cfg.Import_Dir, cfg.Storage_Dir)
	if err != nil {
		logBoth("[FATAL] failed to prepare storage directory: %v", err)
		os.Exit(1)
	}
	ready := make(chan filewatch.Details, 1)
	fw.OnReady = func(d filewatch.Details) { ready <- d }
	fw.OnError = func(path string, err error) {
		logBoth("[ERROR] failed to import %s: %v", path, err)
	}
	if err := fw.Start(); err != nil {
		logBoth("[FATAL] failed to watch import directory %s: %v", cfg.Import_Dir, err)
		os.Exit(1)
	}
	defer fw.Close()

	logBoth("watching %s for an image to upload...", cfg.Import_Dir)
	d := <-ready
	logBoth("detected %s, part number %s", d.StoredPath, d.PartNumber)
	return d.StoredPath, d.PartNumber
}
