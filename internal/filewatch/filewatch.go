/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package filewatch implements the consumed file-picker collaborator
// of spec.md §6: it watches an import directory for a newly-dropped
// image file, copies it into the uploader's own storage directory (so
// the operator can safely remove the original from the watched
// location), and derives the ARINC part number from the image's
// filename. It is grounded on the teacher's fsnotify.Watcher lifecycle
// (see the top-level filewatch.go/followers.go WatchManager) and on
// the original source's upload_controller.py (handleImageSelected /
// parse_pn_from_filename / GSE_STORAGE_DIR).
package filewatch

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

var (
	ErrNotStarted     = errors.New("filewatch: watcher has not been started")
	ErrAlreadyStarted = errors.New("filewatch: watcher is already started")
	ErrNoPartNumber   = errors.New("filewatch: filename does not yield a non-empty EMB-... part number")
)

// partNumberPrefix is the single naming convention parse_pn_from_filename
// recognises (spec.md §3: "part number is ... a non-empty string
// matching EMB-...").
const partNumberPrefix = "EMB-"

// Details is delivered once per successfully-imported image, mirroring
// the original's fileDetailsReady(pn, path) signal.
type Details struct {
	PartNumber string
	StoredPath string
	OrigPath   string
}

// ParsePartNumber extracts the part number from an image filename: the
// extension is stripped and the remaining basename must begin with
// "EMB-". Anything else is ErrNoPartNumber, since a part number is a
// hard precondition for internal/session.RunUploadFlow.
func ParsePartNumber(filename string) (string, error) {
	base := filepath.Base(filename)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if !strings.HasPrefix(base, partNumberPrefix) || base == partNumberPrefix {
		return "", ErrNoPartNumber
	}
	return base, nil
}

// Watcher watches a single import directory and, on every file create
// or write event, copies the file into storageDir and reports Details
// through the OnReady callback. Only one directory is ever watched;
// this module does not support concurrent sessions (spec.md §1).
type Watcher struct {
	mtx        sync.Mutex
	fsw        *fsnotify.Watcher
	importDir  string
	storageDir string
	started    bool

	// OnReady is invoked after every successful import; a file written
	// in several steps is imported once per write event. OnError is
	// invoked for any failure encountered while importing, including an
	// unparseable part number, mirroring the original's failure path
	// that clears selected_path/selected_pn and reports the error
	// string back through fileDetailsReady("", err).
	OnReady func(Details)
	OnError func(origPath string, err error)

	done chan struct{}
}

// New validates storageDir exists (creating it if necessary) and
// returns a Watcher ready to Start watching importDir.
func New(importDir, storageDir string) (*Watcher, error) {
	if err := os.MkdirAll(storageDir, 0750); err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{fsw: fsw, importDir: importDir, storageDir: storageDir}, nil
}

// Start begins watching importDir for newly created/written files and
// runs the import loop on a background goroutine until Close is
// called.
func (w *Watcher) Start() error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if w.started {
		return ErrAlreadyStarted
	}
	if err := w.fsw.Add(w.importDir); err != nil {
		return err
	}
	w.started = true
	w.done = make(chan struct{})
	go w.loop()
	return nil
}

// Close stops the watcher and releases its inotify/ReadDirectoryChanges
// handle.
func (w *Watcher) Close() error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if !w.started {
		return ErrNotStarted
	}
	w.started = false
	close(w.done)
	return w.fsw.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.handle(ev.Name)
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) handle(path string) {
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return
	}
	details, err := w.Import(path)
	if err != nil {
		if w.OnError != nil {
			w.OnError(path, err)
		}
		return
	}
	if w.OnReady != nil {
		w.OnReady(details)
	}
}

// Import copies origPath into the storage directory under its own
// basename and derives the part number, without requiring the file to
// have arrived through the watched directory. cmd/gse-uploader also
// calls this directly for an operator-driven file-picker selection,
// matching handleImageSelected's synchronous call path in the
// original source.
func (w *Watcher) Import(origPath string) (Details, error) {
	filename := filepath.Base(origPath)
	pn, err := ParsePartNumber(filename)
	if err != nil {
		return Details{}, err
	}
	dest := filepath.Join(w.storageDir, filename)
	if err := copyFile(origPath, dest); err != nil {
		return Details{}, fmt.Errorf("filewatch: importing %s: %w", origPath, err)
	}
	return Details{PartNumber: pn, StoredPath: dest, OrigPath: origPath}, nil
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".importing"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0640)
	if err != nil {
		return err
	}
	defer func() {
		out.Close()
		if err != nil {
			os.Remove(tmp)
		}
	}()
	if _, err = io.Copy(out, in); err != nil {
		return err
	}
	if err = out.Sync(); err != nil {
		return err
	}
	if err = out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}
