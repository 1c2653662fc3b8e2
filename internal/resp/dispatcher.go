package resp

import (
	"bytes"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cvdpl/respkv/internal/cachemgr"
	"github.com/cvdpl/respkv/internal/config"
	"github.com/cvdpl/respkv/internal/raft"
)

// ServerVersion is reported in the INFO body.
const ServerVersion = "1.0.0"

// proposeTimeout bounds how long a write waits for Raft to commit and
// apply it before the dispatcher gives up and reports an error.
const proposeTimeout = 2 * time.Second

// Proposer is satisfied by *raft.Node. When attached, SET/DEL are
// ordered through consensus instead of applied to the cache manager
// directly: the dispatcher proposes the command and waits for it to
// commit and apply before replying.
type Proposer interface {
	Propose(command []byte, timeout time.Duration) (index uint64, term uint64, err error)
}

// Dispatcher interprets parsed command tokens against a cache manager
// and produces one encoded RESP reply per request.
type Dispatcher struct {
	mgr      *cachemgr.Manager
	mode     config.WriteMode
	proposer Proposer

	writeThroughOps atomic.Uint64
	writeBackOps    atomic.Uint64
}

// New builds a Dispatcher over an already-constructed cache manager.
// Writes are applied to the cache manager directly until AttachProposer
// wires in a Raft node.
func New(mgr *cachemgr.Manager, mode config.WriteMode) *Dispatcher {
	return &Dispatcher{mgr: mgr, mode: mode}
}

// AttachProposer routes future SET/DEL commands through p instead of
// applying them to the cache manager directly. Use this when the
// server runs with Raft enabled; the corresponding raft.Node's
// ApplyFunc must call back into the same cache manager passed to New.
func (d *Dispatcher) AttachProposer(p Proposer) {
	d.proposer = p
}

// Result is the outcome of dispatching one request.
type Result struct {
	Reply []byte
	Close bool
}

// Dispatch executes one already-parsed request and returns its reply.
// It never panics on malformed or unrecognized input.
func (d *Dispatcher) Dispatch(tokens [][]byte) Result {
	if len(tokens) == 0 {
		return Result{Reply: EncodeError("ERR empty command")}
	}

	name := bytes.ToUpper(tokens[0])
	switch string(name) {
	case "PING":
		return d.doPing(tokens)
	case "SET":
		return d.doSet(tokens)
	case "GET":
		return d.doGet(tokens)
	case "DEL":
		return d.doDel(tokens)
	case "EXISTS":
		return d.doExists(tokens)
	case "KEYS":
		return d.doKeys(tokens)
	case "DBSIZE":
		return d.doDBSize(tokens)
	case "FLUSHALL", "FLUSHDB":
		return d.doFlushAll(tokens)
	case "INFO":
		return d.doInfo(tokens)
	case "QUIT":
		return Result{Reply: EncodeSimpleString("OK"), Close: true}
	case "COMMAND":
		return Result{Reply: EncodeEmptyArray()}
	case "CONFIG", "CLIENT":
		return Result{Reply: EncodeSimpleString("OK")}
	default:
		return Result{Reply: EncodeError(fmt.Sprintf("ERR unknown command '%s'", tokens[0]))}
	}
}

func (d *Dispatcher) doPing(tokens [][]byte) Result {
	switch len(tokens) {
	case 1:
		return Result{Reply: EncodeSimpleString("PONG")}
	case 2:
		return Result{Reply: EncodeBulkString(tokens[1])}
	default:
		return Result{Reply: EncodeError("ERR wrong number of arguments for 'ping' command")}
	}
}

func (d *Dispatcher) doSet(tokens [][]byte) Result {
	if len(tokens) < 3 {
		return Result{Reply: EncodeError("ERR wrong number of arguments for 'set' command")}
	}
	// Historical accommodation for inline clients: join every value
	// token with single spaces. RESP-array clients send one bulk
	// argument, so the join is a no-op.
	value := bytes.Join(tokens[2:], []byte(" "))
	key := string(tokens[1])

	if d.proposer != nil {
		command := append([]byte("PUT "+key+" "), value...)
		if _, _, err := d.proposer.Propose(command, proposeTimeout); err != nil {
			return Result{Reply: proposeErrorReply(err)}
		}
	} else if err := d.mgr.Put(key, value); err != nil {
		return Result{Reply: EncodeError("ERR " + err.Error())}
	}

	if d.mode == config.WriteThrough {
		d.writeThroughOps.Add(1)
	} else {
		d.writeBackOps.Add(1)
	}
	return Result{Reply: EncodeSimpleString("OK")}
}

// proposeErrorReply renders a Raft proposal failure as a RESP error,
// hinting at retrying on the leader per the not-leader case.
func proposeErrorReply(err error) []byte {
	if errors.Is(err, raft.ErrNotLeader) {
		return EncodeError("ERR not leader, retry on the current leader")
	}
	return EncodeError("ERR " + err.Error())
}

func (d *Dispatcher) doGet(tokens [][]byte) Result {
	if len(tokens) != 2 {
		return Result{Reply: EncodeError("ERR wrong number of arguments for 'get' command")}
	}
	val, found, err := d.mgr.Get(string(tokens[1]))
	if err != nil {
		return Result{Reply: EncodeError("ERR " + err.Error())}
	}
	if !found {
		return Result{Reply: EncodeNullBulk()}
	}
	return Result{Reply: EncodeBulkString(val)}
}

func (d *Dispatcher) doDel(tokens [][]byte) Result {
	if len(tokens) < 2 {
		return Result{Reply: EncodeError("ERR wrong number of arguments for 'del' command")}
	}
	var count int64
	for _, keyBytes := range tokens[1:] {
		key := string(keyBytes)

		if d.proposer != nil {
			existed := d.mgr.Exists(key)
			if _, _, err := d.proposer.Propose([]byte("DEL "+key), proposeTimeout); err != nil {
				return Result{Reply: proposeErrorReply(err)}
			}
			if existed {
				count++
			}
			continue
		}

		existed, err := d.mgr.Del(key)
		if err != nil {
			return Result{Reply: EncodeError("ERR " + err.Error())}
		}
		if existed {
			count++
		}
	}
	return Result{Reply: EncodeInteger(count)}
}

func (d *Dispatcher) doExists(tokens [][]byte) Result {
	if len(tokens) != 2 {
		return Result{Reply: EncodeError("ERR wrong number of arguments for 'exists' command")}
	}
	if d.mgr.Exists(string(tokens[1])) {
		return Result{Reply: EncodeInteger(1)}
	}
	return Result{Reply: EncodeInteger(0)}
}

func (d *Dispatcher) doKeys(tokens [][]byte) Result {
	keys := d.mgr.Keys()
	items := make([][]byte, len(keys))
	for i, k := range keys {
		items[i] = EncodeBulkString([]byte(k))
	}
	return Result{Reply: EncodeArray(items)}
}

func (d *Dispatcher) doDBSize(tokens [][]byte) Result {
	return Result{Reply: EncodeInteger(int64(d.mgr.Len()))}
}

func (d *Dispatcher) doFlushAll(tokens [][]byte) Result {
	d.mgr.FlushAll()
	return Result{Reply: EncodeSimpleString("OK")}
}

func (d *Dispatcher) doInfo(tokens [][]byte) Result {
	hits, misses := d.mgr.Stats()
	body := fmt.Sprintf(
		"# Server\r\ndistributed_cache_version:%s\r\nwrite_mode:%s\r\n\r\n"+
			"# Stats\r\ncache_hits:%d\r\ncache_misses:%d\r\nwrite_through_ops:%d\r\nwrite_back_ops:%d\r\n\r\n"+
			"# Keyspace\r\nkeys:%d\r\n",
		ServerVersion, d.mode, hits, misses,
		d.writeThroughOps.Load(), d.writeBackOps.Load(), d.mgr.Len(),
	)
	return Result{Reply: EncodeBulkString([]byte(body))}
}
