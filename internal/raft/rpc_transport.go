package raft

import (
	"fmt"
	"net"
	"net/rpc"
	"sync"
	"time"
)

// Service exposes a Node's RequestVote and AppendEntries handlers as
// net/rpc methods, grounded on the same net/rpc registration/serving
// pattern used elsewhere in the corpus for a small key/value RPC
// service: one exported method per RPC, each taking (args, *reply).
type Service struct {
	node *Node
}

// NewService wraps node for net/rpc registration.
func NewService(node *Node) *Service { return &Service{node: node} }

// RequestVote is the net/rpc entry point for vote requests.
func (s *Service) RequestVote(args RequestVoteArgs, reply *RequestVoteReply) error {
	*reply = s.node.HandleRequestVote(args)
	return nil
}

// AppendEntries is the net/rpc entry point for log replication and
// heartbeats.
func (s *Service) AppendEntries(args AppendEntriesArgs, reply *AppendEntriesReply) error {
	*reply = s.node.HandleAppendEntries(args)
	return nil
}

// Serve registers node's Service and accepts RPC connections on addr
// until the returned listener is closed.
func Serve(node *Node, addr string) (net.Listener, error) {
	server := rpc.NewServer()
	if err := server.Register(NewService(node)); err != nil {
		return nil, fmt.Errorf("raft: register rpc service: %w", err)
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("raft: listen on %s: %w", addr, err)
	}
	go server.Accept(listener)
	return listener, nil
}

// RPCTransport reaches peers over net/rpc, dialing lazily and caching
// live connections per peer.
type RPCTransport struct {
	mu      sync.Mutex
	addrs   map[string]string // peerID -> "host:port"
	clients map[string]*rpc.Client
	timeout time.Duration
}

// NewRPCTransport builds a transport over the given peerID->address
// table. Calls that don't complete within timeout are treated as
// failures so a slow or partitioned peer never stalls the node's
// election/heartbeat ticker.
func NewRPCTransport(addrs map[string]string, timeout time.Duration) *RPCTransport {
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	return &RPCTransport{
		addrs:   addrs,
		clients: make(map[string]*rpc.Client),
		timeout: timeout,
	}
}

func (t *RPCTransport) clientFor(peerID string) (*rpc.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.clients[peerID]; ok {
		return c, nil
	}
	addr, ok := t.addrs[peerID]
	if !ok {
		return nil, fmt.Errorf("raft: no address configured for peer %s", peerID)
	}
	conn, err := net.DialTimeout("tcp", addr, t.timeout)
	if err != nil {
		return nil, fmt.Errorf("raft: dial peer %s at %s: %w", peerID, addr, err)
	}
	client := rpc.NewClient(conn)
	t.clients[peerID] = client
	return client, nil
}

func (t *RPCTransport) dropClient(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.clients[peerID]; ok {
		c.Close()
		delete(t.clients, peerID)
	}
}

func (t *RPCTransport) call(peerID, method string, args, reply interface{}) error {
	client, err := t.clientFor(peerID)
	if err != nil {
		return err
	}

	call := client.Go(method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-call.Done:
		if call.Error != nil {
			t.dropClient(peerID)
			return call.Error
		}
		return nil
	case <-time.After(t.timeout):
		t.dropClient(peerID)
		return fmt.Errorf("raft: rpc call %s to %s timed out", method, peerID)
	}
}

// RequestVote implements Transport over net/rpc.
func (t *RPCTransport) RequestVote(peerID string, args RequestVoteArgs) (RequestVoteReply, error) {
	var reply RequestVoteReply
	err := t.call(peerID, "Service.RequestVote", args, &reply)
	return reply, err
}

// AppendEntries implements Transport over net/rpc.
func (t *RPCTransport) AppendEntries(peerID string, args AppendEntriesArgs) (AppendEntriesReply, error) {
	var reply AppendEntriesReply
	err := t.call(peerID, "Service.AppendEntries", args, &reply)
	return reply, err
}

// Close drops every cached client connection.
func (t *RPCTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, c := range t.clients {
		c.Close()
		delete(t.clients, id)
	}
}
