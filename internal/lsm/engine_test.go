package lsm

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/cvdpl/respkv/internal/common"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.MemtableSize = 256
	opts.L0CompactTrigger = 2
	opts.FlushCheckInterval = 5 * time.Millisecond
	opts.CompactCheckInterval = 5 * time.Millisecond
	return opts
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestStoreLoadRoundTrip(t *testing.T) {
	e, err := Open(t.TempDir(), DefaultOptions(), nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer e.Close()

	if err := e.Store([]byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("store: %v", err)
	}
	found, val, err := e.Load([]byte("k1"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !found || !bytes.Equal(val, []byte("v1")) {
		t.Fatalf("load: found=%v val=%q, want v1", found, val)
	}
}

func TestRemoveShadowsPut(t *testing.T) {
	e, err := Open(t.TempDir(), DefaultOptions(), nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer e.Close()

	e.Store([]byte("k1"), []byte("v1"))
	e.Remove([]byte("k1"))

	found, _, err := e.Load([]byte("k1"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if found {
		t.Fatalf("expected miss after remove")
	}
}

func TestFlushPersistsToSSTableAndRemainsReadable(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testOptions(), nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	for i := 0; i < 20; i++ {
		key := []byte{'k', byte(i)}
		val := bytes.Repeat([]byte{'v'}, 64)
		if err := e.Store(key, val); err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
	}

	waitFor(t, time.Second, func() bool {
		v := e.version.Load()
		return v.levelSize(0) > 0 || v.levelSize(1) > 0
	})

	found, val, err := e.Load([]byte{'k', 0})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !found || len(val) != 64 {
		t.Fatalf("load after flush: found=%v len=%d", found, len(val))
	}
	e.Close()
}

func TestRecoveryReplaysWALAfterRestart(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, DefaultOptions(), nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := e.Store([]byte("persist"), []byte("me")); err != nil {
		t.Fatalf("store: %v", err)
	}
	// Simulate a crash: skip Close's flush path and just abandon the
	// engine without touching in-memory state further.
	e.cancel()
	e.wg.Wait()
	e.wal.Close()

	e2, err := Open(dir, DefaultOptions(), nil, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()

	found, val, err := e2.Load([]byte("persist"))
	if err != nil {
		t.Fatalf("load after recovery: %v", err)
	}
	if !found || !bytes.Equal(val, []byte("me")) {
		t.Fatalf("load after recovery: found=%v val=%q, want me", found, val)
	}
}

func TestL0CompactionMergesIntoL1(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	e, err := Open(dir, opts, nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer e.Close()

	// Force several flush cycles by writing enough distinct keys per
	// batch to cross the (small) memtable threshold multiple times.
	for batch := 0; batch < 4; batch++ {
		for i := 0; i < 10; i++ {
			key := []byte{'b', byte(batch), 'k', byte(i)}
			val := bytes.Repeat([]byte{'x'}, 32)
			if err := e.Store(key, val); err != nil {
				t.Fatalf("store: %v", err)
			}
		}
		waitFor(t, time.Second, func() bool {
			return !e.flushPending.Load()
		})
	}

	waitFor(t, 2*time.Second, func() bool {
		v := e.version.Load()
		return v.levelSize(1) > 0
	})

	found, _, err := e.Load([]byte{'b', 0, 'k', 0})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !found {
		t.Fatalf("expected key from first batch to survive compaction")
	}
}

func TestStoreRejectsOversizedKey(t *testing.T) {
	e, err := Open(t.TempDir(), DefaultOptions(), nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer e.Close()

	bigKey := bytes.Repeat([]byte{'k'}, common.MaxKeySize+1)
	if err := e.Store(bigKey, []byte("v")); err == nil {
		t.Fatalf("expected error storing oversized key")
	}
}

func TestClosedEngineRejectsWrites(t *testing.T) {
	e, err := Open(t.TempDir(), DefaultOptions(), nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := e.Store([]byte("k"), []byte("v")); err == nil {
		t.Fatalf("expected error storing to closed engine")
	}
}

func TestWALRotationFileNaming(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, DefaultOptions(), nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer e.Close()

	if got := currentWALPath(filepath.Join(dir, common.DirWAL)); filepath.Base(got) != "current.wal" {
		t.Fatalf("current wal path = %s", got)
	}
	if got := rotatingWALPath(filepath.Join(dir, common.DirWAL), 7); filepath.Base(got) != "rotating_7.wal" {
		t.Fatalf("rotating wal path = %s", got)
	}
}
