// Package raft implements a minimal single-log Raft: persistent
// term/vote state, an append-only entry log, and a Follower/
// Candidate/Leader state machine driven by a ticker. Transport is an
// abstract RequestVote/AppendEntries interface so tests can swap a
// direct in-memory implementation for the net/rpc-based production one.
package raft

import (
	"encoding/binary"
	"fmt"
	"os"
)

// noVote is the on-disk sentinel for "voted for nobody this term".
const noVote int32 = -1

const persistentStateSize = 8 + 4 // current_term:u64 LE, voted_for:i32 LE

// PersistentState is the durable {current_term, voted_for} pair a node
// must persist before responding to a vote request or advancing its
// term. voted_for is an index into the node's peer table (self
// included), not a raw NodeID, matching the fixed on-disk layout.
type PersistentState struct {
	CurrentTerm uint64
	VotedFor    int32 // noVote if unset
}

// LoadPersistentState reads path, returning a zero-value state (term 0,
// no vote) if the file does not exist yet.
func LoadPersistentState(path string) (PersistentState, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return PersistentState{VotedFor: noVote}, nil
	}
	if err != nil {
		return PersistentState{}, fmt.Errorf("raft: read state file: %w", err)
	}
	if len(data) != persistentStateSize {
		return PersistentState{}, fmt.Errorf("raft: state file %s has wrong size %d", path, len(data))
	}
	return PersistentState{
		CurrentTerm: binary.LittleEndian.Uint64(data[0:8]),
		VotedFor:    int32(binary.LittleEndian.Uint32(data[8:12])),
	}, nil
}

// Save writes state to path, replacing it atomically via a temp file
// and rename so a crash mid-write never leaves a torn state file.
func (s PersistentState) Save(path string) error {
	buf := make([]byte, persistentStateSize)
	binary.LittleEndian.PutUint64(buf[0:8], s.CurrentTerm)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(s.VotedFor))

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0644); err != nil {
		return fmt.Errorf("raft: write state temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("raft: rename state file: %w", err)
	}
	return nil
}
