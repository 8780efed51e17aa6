package state

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "last_session"), 0660)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	want := LastSessionResult{
		SessionID:   uuid.New(),
		TargetIP:    "192.168.4.1",
		PartNumber:  "EMB-0001-021-045",
		FinalState:  "Completed",
		Succeeded:   true,
		StartedAt:   time.Now().Truncate(time.Second),
		CompletedAt: time.Now().Truncate(time.Second),
	}
	if err := s.Write(want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.SessionID != want.SessionID || got.TargetIP != want.TargetIP || got.PartNumber != want.PartNumber {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestReadEmptyStateReturnsErrNoState(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "never_written"), 0660)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, err := s.Read(); err != ErrNoState {
		t.Fatalf("Read: err = %v, want ErrNoState", err)
	}
}

func TestConcurrentWritesLeaveConsistentState(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "concurrent"), 0660)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	var wg sync.WaitGroup
	wg.Add(50)
	for i := 0; i < 50; i++ {
		go func(n int) {
			defer wg.Done()
			s.Write(LastSessionResult{
				TargetIP:   "192.168.4.1",
				PartNumber: "PN",
				Succeeded:  n%2 == 0,
			})
		}(i)
	}
	wg.Wait()
	got, err := s.Read()
	if err != nil {
		t.Fatalf("Read after concurrent writes: %v", err)
	}
	if got.TargetIP != "192.168.4.1" {
		t.Fatalf("got %+v", got)
	}
}
