package storage

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestFileBackendStoreLoadRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.tsv")
	b, err := NewFileBackend(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer b.Close()

	if err := b.Store([]byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("store: %v", err)
	}
	found, val, err := b.Load([]byte("k1"))
	if err != nil || !found || !bytes.Equal(val, []byte("v1")) {
		t.Fatalf("load: found=%v val=%q err=%v", found, val, err)
	}

	if err := b.Remove([]byte("k1")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	found, _, err = b.Load([]byte("k1"))
	if err != nil || found {
		t.Fatalf("expected miss after remove, found=%v err=%v", found, err)
	}
}

func TestFileBackendPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.tsv")
	b, err := NewFileBackend(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	b.Store([]byte("a"), []byte("1"))
	b.Store([]byte("b"), []byte("2"))
	b.Remove([]byte("a"))
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b2, err := NewFileBackend(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b2.Close()

	if found, _, _ := b2.Load([]byte("a")); found {
		t.Fatalf("expected a to remain deleted after reopen")
	}
	found, val, _ := b2.Load([]byte("b"))
	if !found || !bytes.Equal(val, []byte("2")) {
		t.Fatalf("load b after reopen: found=%v val=%q", found, val)
	}
}

func TestFileBackendCompactPreservesLiveData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.tsv")
	b, err := NewFileBackend(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer b.Close()

	for i := 0; i < 5; i++ {
		b.Store([]byte{byte('a' + i)}, []byte{byte(i)})
	}
	b.Remove([]byte{'a'})

	if err := b.Compact(); err != nil {
		t.Fatalf("compact: %v", err)
	}

	if found, _, _ := b.Load([]byte{'a'}); found {
		t.Fatalf("expected a to stay removed after compact")
	}
	found, val, _ := b.Load([]byte{'b'})
	if !found || val[0] != 1 {
		t.Fatalf("load b after compact: found=%v val=%v", found, val)
	}
}

func TestFileBackendBatchStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.tsv")
	b, err := NewFileBackend(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer b.Close()

	entries := map[string][]byte{"x": []byte("1"), "y": []byte("2")}
	if err := b.BatchStore(entries); err != nil {
		t.Fatalf("batch store: %v", err)
	}
	for k, v := range entries {
		found, val, err := b.Load([]byte(k))
		if err != nil || !found || !bytes.Equal(val, v) {
			t.Fatalf("load %s: found=%v val=%q err=%v", k, found, val, err)
		}
	}
}
