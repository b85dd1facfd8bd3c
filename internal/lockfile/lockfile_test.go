package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"

	"github.com/grip-on-software/data-gathering-sub000/internal/types"
)

func TestAcquireRecordsPid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.lock")
	lock, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lock.Release()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading lock file: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatalf("lock file holds %q, want a pid", data)
	}
	if pid != os.Getpid() {
		t.Errorf("lock file pid = %d, want %d", pid, os.Getpid())
	}
}

func TestAcquireHeldIsLockContention(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file locking is unix-only")
	}
	path := filepath.Join(t.TempDir(), "agent.lock")
	first, err := Acquire(path)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer first.Release()

	second, err := Acquire(path)
	if err == nil {
		second.Release()
		t.Fatal("second Acquire succeeded, want contention")
	}
	if !errors.Is(err, types.ErrLockContention) {
		t.Errorf("second Acquire error = %v, want ErrLockContention", err)
	}
	if !strings.Contains(err.Error(), strconv.Itoa(os.Getpid())) {
		t.Errorf("error %q does not name the holder pid", err)
	}
}

func TestReleaseFreesLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.lock")
	lock, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	again, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire after Release: %v", err)
	}
	if err := again.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}

func TestReleaseNilLock(t *testing.T) {
	var lock *Lock
	if err := lock.Release(); err != nil {
		t.Errorf("Release on nil lock = %v, want nil", err)
	}
}
