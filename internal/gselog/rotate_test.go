/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package gselog

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestSplitExt(t *testing.T) {
	tests := []struct {
		v    string
		base string
		ext  string
		ok   bool
	}{
		{v: `test.log`, base: `test`, ext: `.log`, ok: true},
		{v: `test`, base: `test`, ext: ``, ok: false},
		{v: `test.log.gz`, base: `test`, ext: `.log.gz`, ok: true},
		{v: `test.gz`, base: `test`, ext: `.gz`, ok: true},
		{v: `test_foobar.gz.1.log`, base: `test_foobar.gz.1`, ext: `.log`, ok: true},
	}
	for _, v := range tests {
		base, ext, ok := splitExt(v.v)
		if ok != v.ok {
			t.Fatalf("%v: ok = %v, want %v", v.v, ok, v.ok)
		} else if !ok {
			continue
		}
		if base != v.base || ext != v.ext {
			t.Fatalf("%v: got (%q, %q), want (%q, %q)", v.v, base, ext, v.base, v.ext)
		}
	}
}

func TestOpenRotatingFileRejectsBadPaths(t *testing.T) {
	if _, err := openRotatingFile("./nodir", 0640, defaultMaxSize, defaultMaxHistory, false); err == nil {
		t.Fatal("expected an error opening a path with no extension")
	}
	if _, err := openRotatingFile("./nodir/", 0640, defaultMaxSize, defaultMaxHistory, false); err == nil {
		t.Fatal("expected an error opening a trailing-slash path")
	}
}

func TestFileRotatorRotatesOnSize(t *testing.T) {
	base := t.TempDir()
	pth := filepath.Join(base, "session.log")

	fr, err := openRotatingFile(pth, 0640, 4*1024, 3, false)
	if err != nil {
		t.Fatalf("openRotatingFile: %v", err)
	}
	if err := dropLineBytes(fr, 16*1024); err != nil {
		t.Fatalf("dropLineBytes: %v", err)
	}
	if err := fr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for _, name := range []string{"session.log", "session.1.log", "session.2.log", "session.3.log"} {
		if cnt, err := countFileLines(filepath.Join(base, name)); err != nil {
			t.Fatalf("%s: %v", name, err)
		} else if cnt <= 0 {
			t.Fatalf("%s: expected at least one line, got %d", name, cnt)
		}
	}
	if _, err := os.Stat(filepath.Join(base, "session.4.log")); err == nil || !os.IsNotExist(err) {
		t.Fatalf("session.4.log should not exist, stat err = %v", err)
	}
}

func TestFileRotatorCompressesHistory(t *testing.T) {
	base := t.TempDir()
	pth := filepath.Join(base, "session.log")

	fr, err := openRotatingFile(pth, 0640, 4*1024, 2, true)
	if err != nil {
		t.Fatalf("openRotatingFile: %v", err)
	}
	if err := dropLineBytes(fr, 12*1024); err != nil {
		t.Fatalf("dropLineBytes: %v", err)
	}
	if err := fr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if cnt, err := countFileLines(filepath.Join(base, "session.1.log.gz")); err != nil {
		t.Fatalf("session.1.log.gz: %v", err)
	} else if cnt <= 0 {
		t.Fatal("expected compressed history to contain lines")
	}
	if _, err := os.Stat(filepath.Join(base, "session.3.log.gz")); err == nil || !os.IsNotExist(err) {
		t.Fatalf("history beyond maxHistory should have been deleted, stat err = %v", err)
	}
}

func TestFileRotatorReopenAppends(t *testing.T) {
	base := t.TempDir()
	pth := filepath.Join(base, "session.log")

	fr, err := openRotatingFile(pth, 0640, defaultMaxSize, defaultMaxHistory, false)
	if err != nil {
		t.Fatalf("openRotatingFile: %v", err)
	}
	if _, err := fr.Write([]byte("first\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := fr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fr, err = openRotatingFile(pth, 0640, defaultMaxSize, defaultMaxHistory, false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := fr.Write([]byte("second\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := fr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	cnt, err := countFileLines(pth)
	if err != nil {
		t.Fatalf("countFileLines: %v", err)
	}
	if cnt != 2 {
		t.Fatalf("line count = %d, want 2 (reopen must append, not truncate)", cnt)
	}
}

func dropLineBytes(wtr io.Writer, bts int) (err error) {
	var n, i int
	for n < bts {
		var written int
		if written, err = fmt.Fprintf(wtr, "line %d with some stuff in it\n", i); err != nil {
			return err
		}
		n += written
		i++
	}
	return nil
}

func countFileLines(pth string) (int, error) {
	fin, err := os.Open(pth)
	if err != nil {
		return -1, err
	}
	defer fin.Close()
	if filepath.Ext(pth) == ".gz" {
		rdr, err := gzip.NewReader(fin)
		if err != nil {
			return -1, err
		}
		return countLines(rdr), nil
	}
	return countLines(fin), nil
}

func countLines(fin io.Reader) (cnt int) {
	rdr := bufio.NewReader(fin)
	for _, err := rdr.ReadSlice('\n'); err == nil; _, err = rdr.ReadSlice('\n') {
		cnt++
	}
	return
}
