package raft

import (
	"path/filepath"
	"testing"
)

func TestPersistentStateMissingFileIsZeroValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	s, err := LoadPersistentState(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.CurrentTerm != 0 || s.VotedFor != noVote {
		t.Fatalf("state = %+v, want zero term and noVote", s)
	}
}

func TestPersistentStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	s := PersistentState{CurrentTerm: 7, VotedFor: 2}
	if err := s.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadPersistentState(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded != s {
		t.Fatalf("loaded = %+v, want %+v", loaded, s)
	}
}
