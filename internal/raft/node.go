package raft

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cvdpl/respkv/internal/common"
	"github.com/cvdpl/respkv/internal/observer"
)

// ErrNotLeader is returned by Propose when this node cannot accept a
// write because it is not currently the cluster leader.
var ErrNotLeader = errors.New("raft: not leader")

// Role is one of the three Raft roles.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

const (
	tickInterval       = 50 * time.Millisecond
	minElectionTimeout = 150 * time.Millisecond
	maxElectionTimeout = 300 * time.Millisecond
	heartbeatInterval  = minElectionTimeout / 2
)

// ApplyFunc is invoked, in commit order, once per newly committed
// entry. Calls are serialized; each runs on whichever goroutine
// advanced the commit index (an AppendEntries handler on a follower,
// a replication goroutine on the leader). It must not block for long:
// a slow callback delays every later apply.
type ApplyFunc func(Entry)

// Node is a single participant in the cluster. Its exported methods
// beyond HandleRequestVote/HandleAppendEntries/Submit are safe to call
// from any goroutine; the run loop serializes all state transitions
// under one mutex (lock level 7 in the documented hierarchy).
type Node struct {
	id      string
	peers   []string
	peerIdx map[string]int32 // stable index of every node (self+peers) for VotedFor persistence

	transport Transport
	log       *Log
	statePath string
	logger    common.Logger
	obs       observer.Observer
	applyCB   ApplyFunc
	applyMu   sync.Mutex // serializes applyCommitted so entries apply in order

	runID uuid.UUID // distinguishes restarts of the same node in logs

	mu            sync.Mutex
	state         PersistentState
	role          Role
	leaderID      string
	commitIndex   uint64
	lastApplied   uint64
	electionAt    time.Time
	lastHeartbeat time.Time
	nextIndex     map[string]uint64
	matchIndex    map[string]uint64

	stopCh chan struct{}
	doneCh chan struct{}
	rng    *rand.Rand
}

// NewNode builds a node with the given ID and peer IDs (self excluded
// from peers). log and statePath must be exclusive to this node.
func NewNode(id string, peers []string, transport Transport, log *Log, statePath string, applyCB ApplyFunc, logger common.Logger, obs observer.Observer) (*Node, error) {
	if logger == nil {
		logger = common.NewNullLogger()
	}
	if obs == nil {
		obs = observer.NewNoop()
	}

	state, err := LoadPersistentState(statePath)
	if err != nil {
		return nil, fmt.Errorf("raft: load state: %w", err)
	}

	all := append([]string{id}, peers...)
	sort.Strings(all)
	peerIdx := make(map[string]int32, len(all))
	for i, p := range all {
		peerIdx[p] = int32(i)
	}

	n := &Node{
		id:        id,
		peers:     peers,
		peerIdx:   peerIdx,
		transport: transport,
		log:       log,
		statePath: statePath,
		logger:    logger,
		obs:       obs,
		applyCB:   applyCB,
		runID:     uuid.New(),
		state:     state,
		role:      Follower,
		nextIndex: make(map[string]uint64),
		matchIndex: make(map[string]uint64),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(peerIdx[id]))),
	}
	n.resetElectionDeadlineLocked()
	return n, nil
}

// Start launches the ticker-driven run loop.
func (n *Node) Start() {
	go n.run()
}

// Stop halts the run loop and waits for it to exit.
func (n *Node) Stop() {
	close(n.stopCh)
	<-n.doneCh
}

func (n *Node) run() {
	defer close(n.doneCh)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.tick()
		case <-n.stopCh:
			return
		}
	}
}

func (n *Node) tick() {
	n.mu.Lock()
	role := n.role
	now := time.Now()
	electionDue := now.After(n.electionAt)
	heartbeatDue := role == Leader && now.Sub(n.lastHeartbeat) >= heartbeatInterval
	n.mu.Unlock()

	switch {
	case role != Leader && electionDue:
		n.startElection()
	case heartbeatDue:
		n.broadcastAppendEntries()
	}
}

func (n *Node) randomElectionTimeout() time.Duration {
	span := maxElectionTimeout - minElectionTimeout
	return minElectionTimeout + time.Duration(n.rng.Int63n(int64(span)))
}

func (n *Node) resetElectionDeadlineLocked() {
	n.electionAt = time.Now().Add(n.randomElectionTimeout())
}

// Role reports the node's current role.
func (n *Node) Role() Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

// LeaderID reports who the node currently believes is leader, which
// may be stale or empty.
func (n *Node) LeaderID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderID
}

func (n *Node) becomeFollowerLocked(term uint64) {
	if term > n.state.CurrentTerm {
		n.state.CurrentTerm = term
		n.state.VotedFor = noVote
	}
	n.role = Follower
	n.resetElectionDeadlineLocked()
}

func (n *Node) persistStateLocked() error {
	return n.state.Save(n.statePath)
}

func (n *Node) startElection() {
	n.mu.Lock()
	n.role = Candidate
	n.state.CurrentTerm++
	n.state.VotedFor = n.peerIdx[n.id]
	term := n.state.CurrentTerm
	if err := n.persistStateLocked(); err != nil {
		n.logger.Error("raft: persist state before election failed", "error", err)
	}
	n.resetElectionDeadlineLocked()
	lastIndex, lastTerm := n.log.LastIndexTerm()
	peers := append([]string(nil), n.peers...)
	n.mu.Unlock()

	n.logger.Info("raft: starting election", "node", n.id, "term", term)

	votes := 1 // vote for self
	var votesMu sync.Mutex
	var wg sync.WaitGroup

	for _, peer := range peers {
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()
			reply, err := n.transport.RequestVote(peer, RequestVoteArgs{
				Term:         term,
				CandidateID:  n.id,
				LastLogIndex: lastIndex,
				LastLogTerm:  lastTerm,
			})
			if err != nil {
				return
			}
			n.mu.Lock()
			if reply.Term > n.state.CurrentTerm {
				n.becomeFollowerLocked(reply.Term)
				n.persistStateLocked()
				n.mu.Unlock()
				return
			}
			n.mu.Unlock()

			if reply.VoteGranted {
				votesMu.Lock()
				votes++
				votesMu.Unlock()
			}
		}(peer)
	}
	wg.Wait()

	clusterSize := len(peers) + 1
	majority := clusterSize/2 + 1
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != Candidate || n.state.CurrentTerm != term {
		return // a newer term or role change happened while votes were in flight
	}
	if votes >= majority {
		n.becomeLeaderLocked()
	}
}

func (n *Node) becomeLeaderLocked() {
	n.role = Leader
	n.leaderID = n.id
	lastIndex, _ := n.log.LastIndexTerm()
	for _, p := range n.peers {
		n.nextIndex[p] = lastIndex + 1
		n.matchIndex[p] = 0
	}
	n.lastHeartbeat = time.Time{} // force an immediate heartbeat on the next tick
	n.logger.Info("raft: became leader", "node", n.id, "term", n.state.CurrentTerm)
}

// HandleRequestVote implements the RequestVote RPC handler.
func (n *Node) HandleRequestVote(args RequestVoteArgs) RequestVoteReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	if args.Term > n.state.CurrentTerm {
		n.becomeFollowerLocked(args.Term)
	}
	if args.Term < n.state.CurrentTerm {
		return RequestVoteReply{Term: n.state.CurrentTerm, VoteGranted: false}
	}

	candidateIdx, known := n.peerIdx[args.CandidateID]
	alreadyVoted := n.state.VotedFor != noVote && (!known || n.state.VotedFor != candidateIdx)

	lastIndex, lastTerm := n.log.LastIndexTerm()
	logOK := args.LastLogTerm > lastTerm || (args.LastLogTerm == lastTerm && args.LastLogIndex >= lastIndex)

	if alreadyVoted || !logOK {
		return RequestVoteReply{Term: n.state.CurrentTerm, VoteGranted: false}
	}

	n.state.VotedFor = candidateIdx
	if err := n.persistStateLocked(); err != nil {
		n.logger.Error("raft: persist vote failed", "error", err)
		return RequestVoteReply{Term: n.state.CurrentTerm, VoteGranted: false}
	}
	n.resetElectionDeadlineLocked()
	return RequestVoteReply{Term: n.state.CurrentTerm, VoteGranted: true}
}

// HandleAppendEntries implements the AppendEntries RPC handler,
// covering both heartbeats (empty Entries) and replication.
func (n *Node) HandleAppendEntries(args AppendEntriesArgs) AppendEntriesReply {
	n.mu.Lock()

	if args.Term > n.state.CurrentTerm {
		n.becomeFollowerLocked(args.Term)
	}
	if args.Term < n.state.CurrentTerm {
		term := n.state.CurrentTerm
		n.mu.Unlock()
		return AppendEntriesReply{Term: term, Success: false}
	}

	n.role = Follower
	n.leaderID = args.LeaderID
	n.resetElectionDeadlineLocked()

	if args.PrevLogIndex > 0 {
		if term := n.log.TermAt(args.PrevLogIndex); term != args.PrevLogTerm {
			reply := AppendEntriesReply{Term: n.state.CurrentTerm, Success: false, MatchIndex: n.commitIndex}
			n.mu.Unlock()
			return reply
		}
	}

	for _, e := range args.Entries {
		if existingTerm := n.log.TermAt(e.Index); existingTerm != 0 && existingTerm != e.Term {
			if err := n.log.TruncateFrom(e.Index); err != nil {
				n.logger.Error("raft: truncate conflicting entries failed", "error", err)
			}
		}
		if _, ok := n.log.Get(e.Index); !ok {
			if err := n.log.Append(e); err != nil {
				n.logger.Error("raft: append replicated entry failed", "error", err)
				term := n.state.CurrentTerm
				n.mu.Unlock()
				return AppendEntriesReply{Term: term, Success: false}
			}
		}
	}

	if args.LeaderCommit > n.commitIndex {
		lastIndex, _ := n.log.LastIndexTerm()
		newCommit := args.LeaderCommit
		if lastIndex < newCommit {
			newCommit = lastIndex
		}
		n.commitIndex = newCommit
	}

	lastIndex, _ := n.log.LastIndexTerm()
	term := n.state.CurrentTerm
	n.mu.Unlock()

	n.applyCommitted()
	return AppendEntriesReply{Term: term, Success: true, MatchIndex: lastIndex}
}

func (n *Node) broadcastAppendEntries() {
	n.mu.Lock()
	n.lastHeartbeat = time.Now()
	term := n.state.CurrentTerm
	leaderID := n.id
	commit := n.commitIndex
	peers := append([]string(nil), n.peers...)
	type target struct {
		peer         string
		prevIndex    uint64
		prevTerm     uint64
		entries      []Entry
	}
	targets := make([]target, 0, len(peers))
	for _, p := range peers {
		next := n.nextIndex[p]
		if next == 0 {
			next = 1
		}
		prevIndex := next - 1
		prevTerm := n.log.TermAt(prevIndex)
		targets = append(targets, target{
			peer:      p,
			prevIndex: prevIndex,
			prevTerm:  prevTerm,
			entries:   n.log.EntriesFrom(next),
		})
	}
	n.mu.Unlock()

	for _, t := range targets {
		go func(t target) {
			reply, err := n.transport.AppendEntries(t.peer, AppendEntriesArgs{
				Term:         term,
				LeaderID:     leaderID,
				PrevLogIndex: t.prevIndex,
				PrevLogTerm:  t.prevTerm,
				Entries:      t.entries,
				LeaderCommit: commit,
			})
			if err != nil {
				return
			}

			n.mu.Lock()
			defer n.mu.Unlock()
			if reply.Term > n.state.CurrentTerm {
				n.becomeFollowerLocked(reply.Term)
				n.persistStateLocked()
				return
			}
			if n.role != Leader {
				return
			}
			if reply.Success {
				if len(t.entries) > 0 {
					n.matchIndex[t.peer] = t.entries[len(t.entries)-1].Index
					n.nextIndex[t.peer] = n.matchIndex[t.peer] + 1
				}
				n.maybeAdvanceCommitLocked()
			} else if n.nextIndex[t.peer] > 1 {
				n.nextIndex[t.peer]--
			}
		}(t)
	}
}

// maybeAdvanceCommitLocked advances commitIndex to the highest N for
// which a majority of matchIndex >= N and the entry at N was proposed
// in the current term, per the Raft commit rule. Caller holds n.mu.
func (n *Node) maybeAdvanceCommitLocked() {
	lastIndex, _ := n.log.LastIndexTerm()
	for idx := lastIndex; idx > n.commitIndex; idx-- {
		if n.log.TermAt(idx) != n.state.CurrentTerm {
			continue
		}
		count := 1 // leader itself
		for _, p := range n.peers {
			if n.matchIndex[p] >= idx {
				count++
			}
		}
		clusterSize := len(n.peers) + 1
		if count >= clusterSize/2+1 {
			n.commitIndex = idx
			go n.applyCommitted()
			return
		}
	}
}

func (n *Node) applyCommitted() {
	n.applyMu.Lock()
	defer n.applyMu.Unlock()

	n.mu.Lock()
	var toApply []Entry
	for idx := n.lastApplied + 1; idx <= n.commitIndex; idx++ {
		if e, ok := n.log.Get(idx); ok {
			toApply = append(toApply, e)
		}
	}
	n.mu.Unlock()

	for _, e := range toApply {
		if n.applyCB != nil {
			n.applyCB(e)
		}
		n.obs.IncCounter("raft_entries_applied", 1)
		n.mu.Lock()
		n.lastApplied = e.Index
		n.mu.Unlock()
	}
}

// Submit appends command to the log as leader and returns its index
// and term for the caller to track until it commits. It returns
// isLeader=false without appending anything if this node is not
// currently the leader.
func (n *Node) Submit(command []byte) (index uint64, term uint64, isLeader bool) {
	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return 0, 0, false
	}
	lastIndex, _ := n.log.LastIndexTerm()
	entry := Entry{Term: n.state.CurrentTerm, Index: lastIndex + 1, Command: command}
	term = n.state.CurrentTerm
	n.mu.Unlock()

	if err := n.log.Append(entry); err != nil {
		n.logger.Error("raft: submit append failed", "error", err)
		return 0, 0, false
	}

	n.broadcastAppendEntries()
	return entry.Index, term, true
}

// proposeApplyPoll is how often Propose checks whether its entry has
// been applied yet.
const proposeApplyPoll = 2 * time.Millisecond

// Propose is Submit's error-returning counterpart: it proposes command
// through the leader and blocks until that entry has been applied (or
// timeout elapses), so a caller such as the RESP dispatcher can reply
// only once the write is actually visible to reads. It returns
// ErrNotLeader immediately, without appending anything, if this node
// is not currently the leader.
func (n *Node) Propose(command []byte, timeout time.Duration) (index uint64, term uint64, err error) {
	index, term, isLeader := n.Submit(command)
	if !isLeader {
		return 0, 0, ErrNotLeader
	}

	deadline := time.Now().Add(timeout)
	for {
		n.mu.Lock()
		applied := n.lastApplied >= index
		n.mu.Unlock()
		if applied {
			return index, term, nil
		}
		if time.Now().After(deadline) {
			return index, term, fmt.Errorf("raft: propose: entry %d not applied within %s", index, timeout)
		}
		time.Sleep(proposeApplyPoll)
	}
}
