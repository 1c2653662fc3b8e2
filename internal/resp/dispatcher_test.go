package resp

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvdpl/respkv/internal/cachemgr"
	"github.com/cvdpl/respkv/internal/config"
	"github.com/cvdpl/respkv/internal/raft"
	"github.com/cvdpl/respkv/internal/storage"
)

// fakeProposer stands in for a *raft.Node in dispatcher tests: it
// either applies the command straight to a cache manager (simulating a
// leader whose own ApplyFunc just ran) or reports ErrNotLeader.
type fakeProposer struct {
	mgr      *cachemgr.Manager
	isLeader bool
}

func (f *fakeProposer) Propose(command []byte, _ time.Duration) (index uint64, term uint64, err error) {
	if !f.isLeader {
		return 0, 0, raft.ErrNotLeader
	}
	fields := strings.SplitN(string(command), " ", 3)
	switch fields[0] {
	case "PUT":
		_ = f.mgr.Put(fields[1], []byte(fields[2]))
	case "DEL":
		_, _ = f.mgr.Del(fields[1])
	}
	return 1, 1, nil
}

func newTestDispatcher(t *testing.T, mode config.WriteMode) *Dispatcher {
	t.Helper()
	d, _ := newTestDispatcherWithManager(t, mode)
	return d
}

func newTestDispatcherWithManager(t *testing.T, mode config.WriteMode) (*Dispatcher, *cachemgr.Manager) {
	t.Helper()
	backend, err := storage.NewFileBackend(filepath.Join(t.TempDir(), "data.tsv"))
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	mgr, err := cachemgr.New(4, 64, backend, mode, nil, nil)
	require.NoError(t, err)
	return New(mgr, mode), mgr
}

func tok(args ...string) [][]byte {
	out := make([][]byte, len(args))
	for i, a := range args {
		out[i] = []byte(a)
	}
	return out
}

func TestDispatchPing(t *testing.T) {
	d := newTestDispatcher(t, config.WriteThrough)
	assert.Equal(t, EncodeSimpleString("PONG"), d.Dispatch(tok("PING")).Reply)
	assert.Equal(t, EncodeBulkString([]byte("hello")), d.Dispatch(tok("PING", "hello")).Reply)
	assert.Contains(t, string(d.Dispatch(tok("PING", "a", "b")).Reply), "ERR")
}

func TestDispatchSetGet(t *testing.T) {
	d := newTestDispatcher(t, config.WriteThrough)

	assert.Equal(t, EncodeSimpleString("OK"), d.Dispatch(tok("SET", "k", "v")).Reply)
	assert.Equal(t, EncodeBulkString([]byte("v")), d.Dispatch(tok("GET", "k")).Reply)
	assert.Equal(t, EncodeNullBulk(), d.Dispatch(tok("GET", "missing")).Reply)
}

func TestDispatchSetArityError(t *testing.T) {
	d := newTestDispatcher(t, config.WriteThrough)
	reply := d.Dispatch(tok("SET", "k"))
	assert.True(t, reply.Reply[0] == '-')
}

func TestDispatchDelAndExists(t *testing.T) {
	d := newTestDispatcher(t, config.WriteThrough)
	d.Dispatch(tok("SET", "a", "1"))
	d.Dispatch(tok("SET", "b", "2"))

	assert.Equal(t, EncodeInteger(1), d.Dispatch(tok("EXISTS", "a")).Reply)
	assert.Equal(t, EncodeInteger(0), d.Dispatch(tok("EXISTS", "nope")).Reply)

	assert.Equal(t, EncodeInteger(2), d.Dispatch(tok("DEL", "a", "b", "nope")).Reply)
	assert.Equal(t, EncodeInteger(0), d.Dispatch(tok("EXISTS", "a")).Reply)
}

func TestDispatchKeysAndDBSize(t *testing.T) {
	d := newTestDispatcher(t, config.WriteThrough)
	d.Dispatch(tok("SET", "a", "1"))
	d.Dispatch(tok("SET", "b", "2"))

	assert.Equal(t, EncodeInteger(2), d.Dispatch(tok("DBSIZE")).Reply)

	reply := d.Dispatch(tok("KEYS", "*")).Reply
	assert.True(t, reply[0] == '*')
}

func TestDispatchFlushAll(t *testing.T) {
	d := newTestDispatcher(t, config.WriteThrough)
	d.Dispatch(tok("SET", "a", "1"))
	assert.Equal(t, EncodeSimpleString("OK"), d.Dispatch(tok("FLUSHALL")).Reply)
	assert.Equal(t, EncodeInteger(0), d.Dispatch(tok("DBSIZE")).Reply)
}

func TestDispatchInfoContainsSections(t *testing.T) {
	d := newTestDispatcher(t, config.WriteBack)
	reply := string(d.Dispatch(tok("INFO")).Reply)
	assert.Contains(t, reply, "# Server")
	assert.Contains(t, reply, "write_mode:write-back")
	assert.Contains(t, reply, "# Stats")
	assert.Contains(t, reply, "# Keyspace")
}

func TestDispatchQuitSignalsClose(t *testing.T) {
	d := newTestDispatcher(t, config.WriteThrough)
	result := d.Dispatch(tok("QUIT"))
	assert.True(t, result.Close)
	assert.Equal(t, EncodeSimpleString("OK"), result.Reply)
}

func TestDispatchUnknownCommand(t *testing.T) {
	d := newTestDispatcher(t, config.WriteThrough)
	reply := string(d.Dispatch(tok("FROBNICATE")).Reply)
	assert.Contains(t, reply, "ERR unknown command")
}

func TestDispatchEmptyTokens(t *testing.T) {
	d := newTestDispatcher(t, config.WriteThrough)
	reply := string(d.Dispatch(nil).Reply)
	assert.Contains(t, reply, "ERR")
}

func TestDispatchSetProposesThroughRaftWhenLeader(t *testing.T) {
	d, mgr := newTestDispatcherWithManager(t, config.WriteThrough)
	d.AttachProposer(&fakeProposer{mgr: mgr, isLeader: true})

	assert.Equal(t, EncodeSimpleString("OK"), d.Dispatch(tok("SET", "k", "v")).Reply)
	assert.Equal(t, EncodeBulkString([]byte("v")), d.Dispatch(tok("GET", "k")).Reply)
}

func TestDispatchSetRejectedWhenNotLeader(t *testing.T) {
	d, mgr := newTestDispatcherWithManager(t, config.WriteThrough)
	d.AttachProposer(&fakeProposer{mgr: mgr, isLeader: false})

	reply := string(d.Dispatch(tok("SET", "k", "v")).Reply)
	assert.Contains(t, reply, "not leader")
	assert.Equal(t, EncodeNullBulk(), d.Dispatch(tok("GET", "k")).Reply)
}

func TestDispatchDelProposesThroughRaftWhenLeader(t *testing.T) {
	d, mgr := newTestDispatcherWithManager(t, config.WriteThrough)
	require.NoError(t, mgr.Put("k", []byte("v")))
	d.AttachProposer(&fakeProposer{mgr: mgr, isLeader: true})

	assert.Equal(t, EncodeInteger(1), d.Dispatch(tok("DEL", "k")).Reply)
	assert.Equal(t, EncodeNullBulk(), d.Dispatch(tok("GET", "k")).Reply)
}
