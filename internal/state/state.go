/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package state persists the outcome of the last upload session to a
// small gob-encoded file using atomic rename-on-commit writes, so a
// crashed or killed uploader process never leaves a half-written
// result file for the next run to trip over.
package state

import (
	"encoding/gob"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dchest/safefile"
	"github.com/google/uuid"
)

var (
	ErrInvalidStatePath = errors.New("state: invalid state file path")
	ErrNoState          = errors.New("state: no state available")
)

// LastSessionResult records the outcome of one run_upload_flow
// invocation: target, part number, final state name, and timing.
type LastSessionResult struct {
	SessionID   uuid.UUID
	TargetIP    string
	PartNumber  string
	FinalState  string
	Succeeded   bool
	ErrorText   string
	StartedAt   time.Time
	CompletedAt time.Time
}

// Store guards a single state file on disk with atomic writes.
type Store struct {
	mtx   sync.Mutex
	fpath string
	perm  os.FileMode
}

// NewStore validates path (must not already exist as a non-regular
// file) and returns a Store bound to it.
func NewStore(path string, perm os.FileMode) (*Store, error) {
	path = filepath.Clean(path)
	if path == "." {
		return nil, ErrInvalidStatePath
	}
	if fi, err := os.Stat(path); err == nil {
		if !fi.Mode().IsRegular() {
			return nil, ErrInvalidStatePath
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	return &Store{fpath: path, perm: perm}, nil
}

// Write atomically replaces the state file's contents with the gob
// encoding of result. A partial or failed encode never corrupts the
// previous file, since safefile.Create writes to a temp file that is
// only renamed into place on Commit.
func (s *Store) Write(result LastSessionResult) (err error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	fout, err := safefile.Create(s.fpath, s.perm)
	if err != nil {
		return err
	}
	name := fout.Name()
	if err = gob.NewEncoder(fout).Encode(result); err != nil {
		fout.File.Close()
		os.Remove(name)
		return err
	}
	if err = fout.Commit(); err != nil {
		fout.File.Close()
		os.Remove(name)
		return err
	}
	return nil
}

// Read decodes the last persisted result. ErrNoState is returned if no
// state file exists yet, which a fresh install should treat as normal.
func (s *Store) Read() (result LastSessionResult, err error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	fin, err := os.Open(s.fpath)
	if err != nil {
		if os.IsNotExist(err) {
			err = ErrNoState
		}
		return
	}
	defer fin.Close()
	err = gob.NewDecoder(fin).Decode(&result)
	return
}
