package raft

// RequestVoteArgs is the payload of a RequestVote RPC.
type RequestVoteArgs struct {
	Term         uint64
	CandidateID  string
	LastLogIndex uint64
	LastLogTerm  uint64
}

// RequestVoteReply is the response to a RequestVote RPC.
type RequestVoteReply struct {
	Term        uint64
	VoteGranted bool
}

// AppendEntriesArgs is the payload of an AppendEntries RPC. An empty
// Entries slice is a heartbeat.
type AppendEntriesArgs struct {
	Term         uint64
	LeaderID     string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []Entry
	LeaderCommit uint64
}

// AppendEntriesReply is the response to an AppendEntries RPC.
type AppendEntriesReply struct {
	Term    uint64
	Success bool
	// MatchIndex is the responder's last log index after a successful
	// call, its commit index when PrevLogIndex/PrevLogTerm did not
	// match, and zero on any other failure. Node's leader path does
	// not read it; it backs off nextIndex one entry at a time.
	MatchIndex uint64
}

// Transport lets a Node reach its peers without knowing whether the
// wire is net/rpc, an in-memory fake, or anything else. Every call is
// expected to have its own timeout; a Transport implementation that
// blocks forever would stall the node's election/heartbeat ticker.
type Transport interface {
	RequestVote(peerID string, args RequestVoteArgs) (RequestVoteReply, error)
	AppendEntries(peerID string, args AppendEntriesArgs) (AppendEntriesReply, error)
}
