// Package config carries the opaque, immutable configuration record
// the server is built from. Loading it from flags, environment
// variables, or files is out of scope: cmd/server populates a Config
// literal (or starts from Default()) and passes it down.
package config

import (
	"fmt"
	"time"

	"github.com/cvdpl/respkv/internal/common"
)

// WriteMode selects how the cache manager propagates writes to the
// storage backend.
type WriteMode int

const (
	WriteThrough WriteMode = iota
	WriteBack
)

func (m WriteMode) String() string {
	switch m {
	case WriteThrough:
		return "write-through"
	case WriteBack:
		return "write-back"
	default:
		return "unknown"
	}
}

// RaftPeer identifies one member of a statically configured cluster.
type RaftPeer struct {
	ID   string
	Addr string
}

// Config is the immutable, validated configuration record the rest of
// the server is built from.
type Config struct {
	ListenPort    uint16
	CacheCapacity int
	WriteMode     WriteMode
	FlushInterval time.Duration
	DataDir       string

	Segments         int
	MemtableSize     int64
	L0CompactTrigger int
	MaxLevels        int
	BloomFPR         float64

	// MemtableHardCapMultiplier bounds the active memtable's size at
	// HardCapMultiplier*MemtableSize while a flush is already pending;
	// writes past that point stall (see common.ErrMemtableFull) rather
	// than growing the memtable without bound.
	MemtableHardCapMultiplier int64

	RaftEnabled bool
	RaftSelf    RaftPeer
	RaftPeers   []RaftPeer
}

// Default returns the spec's documented defaults.
func Default() Config {
	return Config{
		ListenPort:                common.DefaultListenPort,
		CacheCapacity:             common.DefaultCacheCapacity,
		WriteMode:                 WriteBack,
		FlushInterval:             5 * time.Second,
		DataDir:                   "./data",
		Segments:                  common.DefaultSegments,
		MemtableSize:              common.DefaultMemtableSize,
		L0CompactTrigger:          common.DefaultL0CompactTrigger,
		MaxLevels:                 common.DefaultMaxLevels,
		BloomFPR:                  common.DefaultBloomFPR,
		MemtableHardCapMultiplier: 2,
		RaftEnabled:               false,
	}
}

// Validate enforces the invariants the rest of the server relies on
// without re-checking: Segments must be a positive power of two,
// CacheCapacity and MaxLevels must be positive, and the LSM sizing
// knobs must be sane.
func (c Config) Validate() error {
	if c.Segments <= 0 || (c.Segments&(c.Segments-1)) != 0 {
		return fmt.Errorf("config: segments must be a positive power of two, got %d", c.Segments)
	}
	if c.CacheCapacity <= 0 {
		return fmt.Errorf("config: cache capacity must be positive, got %d", c.CacheCapacity)
	}
	if c.MaxLevels < 1 {
		return fmt.Errorf("config: max levels must be >= 1, got %d", c.MaxLevels)
	}
	if c.MemtableSize <= 0 {
		return fmt.Errorf("config: memtable size must be positive, got %d", c.MemtableSize)
	}
	if c.L0CompactTrigger < 1 {
		return fmt.Errorf("config: l0 compact trigger must be >= 1, got %d", c.L0CompactTrigger)
	}
	if c.BloomFPR <= 0 || c.BloomFPR >= 1 {
		return fmt.Errorf("config: bloom fpr must be in (0,1), got %f", c.BloomFPR)
	}
	if c.MemtableHardCapMultiplier < 1 {
		return fmt.Errorf("config: memtable hard cap multiplier must be >= 1, got %d", c.MemtableHardCapMultiplier)
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: data dir must not be empty")
	}
	if c.RaftEnabled && len(c.RaftPeers) == 0 {
		return fmt.Errorf("config: raft enabled with no peers configured")
	}
	return nil
}
