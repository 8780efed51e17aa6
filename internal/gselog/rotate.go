/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package gselog

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Rotation defaults for a session transcript file: small and
// long-lived uploader processes favor a tight cap over the teacher's
// indexer-facing defaults, since a session log is a few hundred lines,
// not a multiplexed ingest stream.
const (
	defaultMaxSize     = 1 * 1024 * 1024
	defaultMaxHistory  = 5
	defaultCompressOld = true

	gzExt = `.gz`
)

var errRotatorClosed = errors.New("gselog: rotator already closed")

// fileRotator is a size-bounded, history-capped log file, adapted from
// the teacher's ingest/log/rotate.FileRotator: once the current file
// reaches maxSize (checked only after a newline-terminated write, so a
// single structured log line is never split across files), it is
// rolled to a numbered history file (gzip-compressed if compress is
// set) and a fresh current file is opened in its place. History beyond
// maxHistory is deleted oldest-first.
type fileRotator struct {
	mtx        sync.Mutex
	perm       os.FileMode
	path       string
	baseName   string
	fout       *os.File
	currSize   int64
	maxSize    int64
	maxHistory uint
	compress   bool
}

// openRotatingFile opens (creating if needed) path as the current file
// of a fileRotator, rotating immediately if it is already oversized.
func openRotatingFile(path string, perm os.FileMode, maxSize int64, maxHistory uint, compress bool) (*fileRotator, error) {
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	if maxHistory == 0 {
		maxHistory = 1
	}

	path = filepath.Clean(path)
	_, file := filepath.Split(path)
	if file == "" {
		return nil, fmt.Errorf("gselog: path %q has no filename component", path)
	}
	bn, _, ok := splitExt(file)
	if !ok {
		return nil, fmt.Errorf("gselog: path %q needs a file extension", path)
	}

	fout, sz, err := openCurrent(path, perm)
	if err != nil {
		return nil, err
	}

	fr := &fileRotator{
		perm:       perm,
		path:       path,
		baseName:   bn,
		fout:       fout,
		currSize:   sz,
		maxSize:    maxSize,
		maxHistory: maxHistory,
		compress:   compress,
	}
	if fr.currSize >= fr.maxSize {
		if err := fr.rotate(); err != nil {
			fr.Close()
			return nil, fmt.Errorf("gselog: failed to rotate %s on open: %w", path, err)
		}
	}
	return fr, nil
}

func (fr *fileRotator) Close() error {
	fr.mtx.Lock()
	defer fr.mtx.Unlock()
	if fr.fout == nil {
		return errRotatorClosed
	}
	err := fr.fout.Close()
	fr.fout = nil
	return err
}

func (fr *fileRotator) Write(buf []byte) (n int, err error) {
	var doRotate bool
	fr.mtx.Lock()
	if fr.fout == nil {
		fr.mtx.Unlock()
		return 0, errRotatorClosed
	}
	if n, err = fr.fout.Write(buf); err == nil {
		fr.currSize += int64(n)
		if fr.currSize >= fr.maxSize && newlineTerminated(buf) {
			doRotate = true
		}
	}
	fr.mtx.Unlock()
	if doRotate {
		if rerr := fr.rotate(); rerr != nil && err == nil {
			err = rerr
		}
	}
	return
}

func newlineTerminated(buf []byte) bool {
	l := len(buf)
	return l >= 1 && (buf[l-1] == '\n' || buf[l-1] == '\r')
}

func (fr *fileRotator) rotate() error {
	fr.mtx.Lock()
	defer fr.mtx.Unlock()
	if fr.maxHistory > 1 {
		if err := fr.shiftHistoryLocked(); err != nil {
			return err
		}
	}
	return fr.rollCurrentLocked()
}

type historyFile struct {
	dir       string
	orig      string
	baseName  string
	ext       string
	historyID uint
}

func (h historyFile) origPath() string { return filepath.Join(h.dir, h.orig) }
func (h historyFile) path() string     { return filepath.Join(h.dir, h.name()) }

func (h historyFile) name() string {
	if h.historyID > 0 {
		return fmt.Sprintf("%s.%d%s", h.baseName, h.historyID, h.ext)
	}
	return fmt.Sprintf("%s%s", h.baseName, h.ext)
}

func resolveHistory(dir, filename string) (h historyFile, ok bool) {
	h.orig = filename
	h.dir = dir
	var stem string
	if stem, h.ext, ok = splitExt(filename); !ok {
		return
	}
	if ext := filepath.Ext(stem); ext != "" {
		if id, err := strconv.ParseUint(strings.TrimPrefix(ext, "."), 10, 64); err == nil && id < math.MaxUint {
			h.historyID = uint(id)
			stem = strings.TrimSuffix(stem, ext)
		}
	}
	h.baseName = stem
	return
}

// listHistoryLocked finds every rotated history file sharing fr's base
// name in fr's directory, newest first (ascending history ID; ID 1 is
// the most recent rotation).
func (fr *fileRotator) listHistoryLocked() ([]historyFile, error) {
	dir, file := filepath.Split(fr.path)
	if dir == "" {
		dir = "."
	}
	dents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []historyFile
	for _, dent := range dents {
		if !dent.Type().IsRegular() {
			continue
		}
		if dent.Name() == file {
			continue
		}
		h, ok := resolveHistory(dir, dent.Name())
		if !ok || h.baseName != fr.baseName {
			continue
		}
		out = append(out, h)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].historyID < out[j].historyID })
	return out, nil
}

// shiftHistoryLocked deletes history beyond maxHistory-1 (the current
// file is about to become the newest history entry) and bumps every
// remaining entry's ID up by one.
func (fr *fileRotator) shiftHistoryLocked() error {
	hist, err := fr.listHistoryLocked()
	if err != nil {
		return fmt.Errorf("gselog: listing history for %s: %w", fr.path, err)
	}
	keep := fr.maxHistory
	if keep > 0 {
		keep--
	}
	if uint(len(hist)) >= keep {
		for _, old := range hist[keep:] {
			if err := os.Remove(old.origPath()); err != nil {
				return fmt.Errorf("gselog: removing old history file %s: %w", old.origPath(), err)
			}
		}
		hist = hist[:keep]
	}
	for i := len(hist) - 1; i >= 0; i-- {
		h := hist[i]
		h.historyID++
		if err := os.Rename(h.origPath(), h.path()); err != nil {
			return fmt.Errorf("gselog: renaming %s to %s: %w", h.origPath(), h.path(), err)
		}
	}
	return nil
}

func (fr *fileRotator) rollCurrentLocked() error {
	dir, name := filepath.Split(fr.path)
	h, ok := resolveHistory(dir, name)
	if !ok {
		return fmt.Errorf("gselog: cannot resolve history naming for %s", fr.path)
	}
	h.historyID = 1
	if fr.compress {
		h.ext += gzExt
	}
	newPath, oldPath := h.path(), h.origPath()

	if err := fr.fout.Close(); err != nil {
		return fmt.Errorf("gselog: closing %s before rotation: %w", fr.path, err)
	}
	if fr.compress {
		if err := compressFile(oldPath, newPath, fr.perm); err != nil {
			return err
		}
		if err := os.Remove(oldPath); err != nil {
			return fmt.Errorf("gselog: removing %s after compression: %w", oldPath, err)
		}
	} else if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("gselog: renaming %s to %s: %w", oldPath, newPath, err)
	}

	fout, sz, err := openCurrent(fr.path, fr.perm)
	if err != nil {
		return fmt.Errorf("gselog: reopening %s after rotation: %w", fr.path, err)
	}
	fr.fout, fr.currSize = fout, sz
	return nil
}

func openCurrent(path string, perm os.FileMode) (*os.File, int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, perm)
	if err != nil {
		return nil, 0, err
	}
	sz, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("gselog: sizing %s: %w", path, err)
	}
	return f, sz, nil
}

func compressFile(src, dst string, perm fs.FileMode) (err error) {
	fin, err := os.Open(src)
	if err != nil {
		return err
	}
	defer fin.Close()

	fout, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer fout.Close()

	wtr, err := gzip.NewWriterLevel(fout, gzip.BestCompression)
	if err != nil {
		return fmt.Errorf("gselog: creating gzip writer for %s: %w", dst, err)
	}
	if _, err = io.Copy(wtr, fin); err == nil {
		err = wtr.Close()
	}
	if err != nil {
		err = fmt.Errorf("gselog: compressing %s to %s: %w", src, dst, err)
	}
	return err
}

// splitExt strips a filename's extension, folding a trailing ".gz"
// into a compound extension (".log.gz") the same way the teacher's
// rotator does, so a previously-compressed history file round-trips
// through resolveHistory correctly.
func splitExt(name string) (base, ext string, ok bool) {
	ext = filepath.Ext(name)
	if ext == "" {
		return name, "", false
	}
	base = strings.TrimSuffix(name, ext)
	if ext == gzExt {
		if inner := filepath.Ext(base); inner == "" {
			return base, gzExt, true
		} else if _, err := strconv.ParseUint(strings.TrimPrefix(inner, "."), 10, 64); err == nil {
			return base, gzExt, true
		} else {
			base = strings.TrimSuffix(base, inner)
			ext = inner + gzExt
		}
	}
	return base, ext, true
}
