package cache

import (
	"bytes"
	"testing"
)

func TestShardPutGetMovesToFront(t *testing.T) {
	s := NewShard(2, nil)
	s.Put("a", []byte("1"), false)
	s.Put("b", []byte("2"), false)

	// touch a so b becomes the least recently used
	s.Get("a")
	s.Put("c", []byte("3"), false)

	if _, found := s.Get("b"); found {
		t.Fatalf("expected b to be evicted")
	}
	if v, found := s.Get("a"); !found || !bytes.Equal(v, []byte("1")) {
		t.Fatalf("expected a to survive, found=%v v=%q", found, v)
	}
}

func TestShardEvictionInvokesHook(t *testing.T) {
	var evictedKey string
	var evictedDirty bool
	s := NewShard(1, func(key string, value []byte, dirty bool) {
		evictedKey = key
		evictedDirty = dirty
	})
	s.Put("a", []byte("1"), true)
	s.Put("b", []byte("2"), false)

	if evictedKey != "a" || !evictedDirty {
		t.Fatalf("evicted key=%q dirty=%v, want a/true", evictedKey, evictedDirty)
	}
}

func TestShardContainsDoesNotPromote(t *testing.T) {
	s := NewShard(2, nil)
	s.Put("a", []byte("1"), false)
	s.Put("b", []byte("2"), false)

	// a is least recently used; Contains must not move it to front.
	if !s.Contains("a") {
		t.Fatalf("expected a to be present")
	}
	s.Put("c", []byte("3"), false)

	if _, found := s.Get("a"); found {
		t.Fatalf("expected a to be evicted; Contains must not have promoted it")
	}
	if _, found := s.Get("b"); !found {
		t.Fatalf("expected b to survive as the actually-recently-used entry")
	}
}

func TestShardDeleteAndLen(t *testing.T) {
	s := NewShard(4, nil)
	s.Put("a", []byte("1"), false)
	s.Put("b", []byte("2"), false)
	if !s.Delete("a") {
		t.Fatalf("expected delete of present key to succeed")
	}
	if s.Delete("a") {
		t.Fatalf("expected second delete to report absent")
	}
	if s.Len() != 1 {
		t.Fatalf("len = %d, want 1", s.Len())
	}
}

func TestShardMarkCleanClearsDirty(t *testing.T) {
	s := NewShard(4, nil)
	s.Put("a", []byte("1"), true)
	dirty := s.DirtyEntries()
	if _, ok := dirty["a"]; !ok {
		t.Fatalf("expected a to be dirty")
	}
	s.MarkClean("a")
	dirty = s.DirtyEntries()
	if _, ok := dirty["a"]; ok {
		t.Fatalf("expected a to no longer be dirty")
	}
}

func TestSegmentedRejectsNonPowerOfTwo(t *testing.T) {
	if _, err := New(3, 100, nil); err == nil {
		t.Fatalf("expected error for non-power-of-two segment count")
	}
}

func TestSegmentedRoundTrip(t *testing.T) {
	c, err := New(8, 64, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	c.Put("hello", []byte("world"), false)
	v, found := c.Get("hello")
	if !found || !bytes.Equal(v, []byte("world")) {
		t.Fatalf("get: found=%v v=%q", found, v)
	}
	if !c.Delete("hello") {
		t.Fatalf("expected delete to report present")
	}
	if _, found := c.Get("hello"); found {
		t.Fatalf("expected miss after delete")
	}
}

func TestSegmentedKeysAndClear(t *testing.T) {
	c, err := New(4, 64, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for i := 0; i < 10; i++ {
		c.Put(string(rune('a'+i)), []byte{byte(i)}, false)
	}
	if len(c.Keys()) != 10 {
		t.Fatalf("keys len = %d, want 10", len(c.Keys()))
	}
	c.Clear()
	if c.Len() != 0 {
		t.Fatalf("len after clear = %d, want 0", c.Len())
	}
}

func TestSegmentedDirtyEntriesAcrossShards(t *testing.T) {
	c, err := New(4, 64, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	c.Put("a", []byte("1"), true)
	c.Put("b", []byte("2"), false)
	c.Put("c", []byte("3"), true)

	dirty := c.DirtyEntries()
	if len(dirty) != 2 {
		t.Fatalf("dirty entries = %d, want 2: %v", len(dirty), dirty)
	}
}
