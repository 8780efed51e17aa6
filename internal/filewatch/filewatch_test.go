package filewatch

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParsePartNumber(t *testing.T) {
	cases := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"EMB-0001-021-045.bin", "EMB-0001-021-045", false},
		{"EMB-0001-021-045", "EMB-0001-021-045", false},
		{"image.bin", "", true},
		{"EMB-.bin", "", true},
		{"", "", true},
	}
	for _, c := range cases {
		got, err := ParsePartNumber(c.name)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParsePartNumber(%q): expected error", c.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePartNumber(%q): unexpected error %v", c.name, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParsePartNumber(%q) = %q, want %q", c.name, got, c.want)
		}
	}
}

func TestImportCopiesFileAndDerivesPartNumber(t *testing.T) {
	dir := t.TempDir()
	storage := filepath.Join(dir, "storage")
	src := filepath.Join(dir, "EMB-0001-021-045.bin")
	if err := os.WriteFile(src, []byte("image bytes"), 0640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	w, err := New(filepath.Join(dir, "import"), storage)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	details, err := w.Import(src)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if details.PartNumber != "EMB-0001-021-045" {
		t.Fatalf("PartNumber = %q", details.PartNumber)
	}
	got, err := os.ReadFile(details.StoredPath)
	if err != nil {
		t.Fatalf("ReadFile(stored): %v", err)
	}
	if string(got) != "image bytes" {
		t.Fatalf("stored content = %q", got)
	}
}

func TestImportRejectsUnrecognisedFilename(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "firmware.bin")
	if err := os.WriteFile(src, []byte("x"), 0640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	w, err := New(filepath.Join(dir, "import"), filepath.Join(dir, "storage"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := w.Import(src); err != ErrNoPartNumber {
		t.Fatalf("Import err = %v, want ErrNoPartNumber", err)
	}
}

func TestWatcherStartDetectsDroppedFile(t *testing.T) {
	dir := t.TempDir()
	importDir := filepath.Join(dir, "import")
	if err := os.MkdirAll(importDir, 0750); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	w, err := New(importDir, filepath.Join(dir, "storage"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ready := make(chan Details, 1)
	w.OnReady = func(d Details) { ready <- d }
	w.OnError = func(string, error) {}
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Close()

	dropped := filepath.Join(importDir, "EMB-9999-000-001.bin")
	if err := os.WriteFile(dropped, []byte("payload"), 0640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case d := <-ready:
		if d.PartNumber != "EMB-9999-000-001" {
			t.Fatalf("PartNumber = %q", d.PartNumber)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for OnReady")
	}
}
