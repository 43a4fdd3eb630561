package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestAcquireLock_RecordsHolder(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer lock.Release()

	h := readHolder(filepath.Join(dir, LockFileName))
	if h == nil {
		t.Fatal("expected a holder record")
	}
	if h.PID != os.Getpid() || !h.Running || h.Started.IsZero() {
		t.Errorf("unexpected holder %+v", h)
	}
}

func TestAcquireLock_Conflict(t *testing.T) {
	dir := t.TempDir()
	first, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer first.Release()

	second, err := AcquireLock(dir)
	if err == nil {
		second.Release()
		t.Fatal("second AcquireLock should fail")
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *LockError, got %T", err)
	}
	if lockErr.Holder == nil || lockErr.Holder.PID != os.Getpid() {
		t.Errorf("expected the holder to be this process, got %+v", lockErr.Holder)
	}
	if !strings.Contains(err.Error(), dir) || !strings.Contains(err.Error(), "PID "+strconv.Itoa(os.Getpid())) {
		t.Errorf("error should name the lock file and holder: %s", err)
	}
}

func TestLock_ReleaseAndReacquire(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state", "nested")
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock on a missing directory failed: %v", err)
	}
	path := filepath.Join(dir, LockFileName)

	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("lock file should be removed, stat err %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release should be a no-op: %v", err)
	}

	again, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("reacquire failed: %v", err)
	}
	again.Release()
}

func TestParseHolder(t *testing.T) {
	started := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		content string
		want    *Holder
	}{
		{"pid and start", "pid=12345\nstarted=2026-03-02T10:00:00Z\n", &Holder{PID: 12345, Started: started}},
		{"pid only", "pid=67890", &Holder{PID: 67890}},
		{"bad start is ignored", "pid=7\nstarted=yesterday", &Holder{PID: 7}},
		{"no pid", "started=2026-03-02T10:00:00Z", nil},
		{"invalid pid", "pid=abc", nil},
		{"empty", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseHolder(tt.content)
			if (got == nil) != (tt.want == nil) {
				t.Fatalf("parseHolder(%q) = %+v, want %+v", tt.content, got, tt.want)
			}
			if got != nil && (got.PID != tt.want.PID || !got.Started.Equal(tt.want.Started)) {
				t.Errorf("parseHolder(%q) = %+v, want %+v", tt.content, got, tt.want)
			}
		})
	}
}

func TestHolderString(t *testing.T) {
	h := Holder{PID: 42}
	if got := h.String(); got != "PID 42 (not running, stale lock)" {
		t.Errorf("unexpected %q", got)
	}
	if !isProcessRunning(os.Getpid()) {
		t.Error("this process should be detected as running")
	}
}
