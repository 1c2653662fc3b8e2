// Package lsm implements the log-structured storage engine: a
// write-ahead log, an in-memory memtable pair (active + immutable), a
// background flush task that drains the immutable memtable into
// immutable SSTables, and a background compactor that folds L0 into
// L1. It is grounded on the teacher's storeImpl (pkg/srad/store_impl.go):
// the same shapes — a dedicated WAL writer, an atomic pointer to the
// active memtable, an imm_mu-guarded immutable slot, and background
// tasks observing a context — carry over; the underlying key/value
// semantics are rewritten from a trie-based string set to a versioned
// byte-key/byte-value store.
package lsm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cvdpl/respkv/internal/common"
	"github.com/cvdpl/respkv/internal/fsutil"
	"github.com/cvdpl/respkv/internal/memtable"
	"github.com/cvdpl/respkv/internal/observer"
	"github.com/cvdpl/respkv/internal/sstable"
	"github.com/cvdpl/respkv/internal/wal"
)

// Options configures one Engine instance.
type Options struct {
	MemtableSize              int64
	MemtableHardCapMultiplier int64
	L0CompactTrigger          int
	MaxLevels                 int
	BloomFPR                  float64

	FlushCheckInterval   time.Duration
	CompactCheckInterval time.Duration
}

// DefaultOptions mirrors the spec's documented defaults.
func DefaultOptions() Options {
	return Options{
		MemtableSize:              common.DefaultMemtableSize,
		MemtableHardCapMultiplier: 2,
		L0CompactTrigger:          common.DefaultL0CompactTrigger,
		MaxLevels:                 common.DefaultMaxLevels,
		BloomFPR:                  common.DefaultBloomFPR,
		FlushCheckInterval:        50 * time.Millisecond,
		CompactCheckInterval:      200 * time.Millisecond,
	}
}

// KV is one entry of a BatchStore call.
type KV struct {
	Key   []byte
	Value []byte
}

// Engine is the LSM storage engine rooted at one data directory.
type Engine struct {
	dir     string
	opts    Options
	logger  common.Logger
	obs     observer.Observer

	seq atomic.Uint64

	walMu sync.Mutex // lock level 6
	wal   *wal.Writer

	activeMT atomic.Pointer[memtable.Memtable]

	immMu sync.RWMutex // lock level 4
	imm   *memtable.Memtable

	sstMu   sync.Mutex // lock level 5, guards version swaps
	version atomic.Pointer[version]

	flushPending atomic.Bool
	nextFileNum  atomic.Uint64

	flushCh   chan struct{}
	compactCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closed atomic.Bool
}

// Open runs the startup sequence: create directories, construct the
// active memtable and WAL, recover from any WAL segments left by a
// prior crash, load existing SSTables, and start the background flush
// and compaction tasks.
func Open(dir string, opts Options, logger common.Logger, obs observer.Observer) (*Engine, error) {
	if logger == nil {
		logger = common.NewNullLogger()
	}
	if obs == nil {
		obs = observer.NewNoop()
	}
	if opts.MaxLevels < 1 {
		opts.MaxLevels = common.DefaultMaxLevels
	}

	walDir := filepath.Join(dir, common.DirWAL)
	sstDir := filepath.Join(dir, common.DirSSTables)
	if err := fsutil.EnsureDir(walDir); err != nil {
		return nil, fmt.Errorf("lsm: create wal dir: %w", err)
	}
	for l := 0; l < opts.MaxLevels; l++ {
		if err := fsutil.EnsureDir(levelDir(sstDir, l)); err != nil {
			return nil, fmt.Errorf("lsm: create level dir: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		dir:       dir,
		opts:      opts,
		logger:    logger,
		obs:       obs,
		flushCh:   make(chan struct{}, 1),
		compactCh: make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
	e.activeMT.Store(memtable.New())
	e.version.Store(newEmptyVersion(opts.MaxLevels))

	if err := e.recover(walDir); err != nil {
		cancel()
		return nil, err
	}

	w, err := wal.Open(currentWALPath(walDir), logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("lsm: open wal: %w", err)
	}
	e.wal = w

	if err := e.loadSSTables(sstDir); err != nil {
		cancel()
		w.Close()
		return nil, err
	}

	e.wg.Add(2)
	go e.flushLoop()
	go e.compactLoop()

	return e, nil
}

func currentWALPath(walDir string) string { return filepath.Join(walDir, "current.wal") }

func rotatingWALPath(walDir string, n uint64) string {
	return filepath.Join(walDir, fmt.Sprintf("rotating_%d.wal", n))
}

func levelDir(sstDir string, level int) string {
	return filepath.Join(sstDir, fmt.Sprintf("L%d", level))
}

// recover replays any leftover rotating WAL segments (from a crash
// between flush-swap and flush-completion) and then the current WAL
// into the active memtable, advancing the sequence counter past the
// highest sequence observed. Rotating segments are left on disk; they
// are only deleted once the flush they feed has durably completed.
func (e *Engine) recover(walDir string) error {
	entries, err := os.ReadDir(walDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("lsm: scan wal dir: %w", err)
	}

	var rotating []string
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		if strings.HasPrefix(ent.Name(), "rotating_") && strings.HasSuffix(ent.Name(), ".wal") {
			rotating = append(rotating, ent.Name())
		}
	}
	sort.Slice(rotating, func(i, j int) bool {
		return rotatingSeqOf(rotating[i]) < rotatingSeqOf(rotating[j])
	})

	active := e.activeMT.Load()
	var maxSeq uint64
	replay := func(path string) error {
		_, err := wal.Replay(path, func(r wal.Record) error {
			if r.Sequence > maxSeq {
				maxSeq = r.Sequence
			}
			switch r.Type {
			case common.OpPut:
				active.Put(r.Key, r.Sequence, r.Value)
			case common.OpDelete:
				active.Delete(r.Key, r.Sequence)
			}
			return nil
		})
		return err
	}

	for _, name := range rotating {
		if err := replay(filepath.Join(walDir, name)); err != nil {
			return fmt.Errorf("lsm: replay %s: %w", name, err)
		}
	}
	if err := replay(currentWALPath(walDir)); err != nil {
		return fmt.Errorf("lsm: replay current wal: %w", err)
	}

	e.seq.Store(maxSeq + 1)
	return nil
}

func rotatingSeqOf(name string) uint64 {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(name, "rotating_"), ".wal")
	n, _ := strconv.ParseUint(trimmed, 10, 64)
	return n
}

func (e *Engine) loadSSTables(sstDir string) error {
	v := newEmptyVersion(e.opts.MaxLevels)
	var maxFileNum uint64

	for level := 0; level < e.opts.MaxLevels; level++ {
		dir := levelDir(sstDir, level)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("lsm: scan level %d: %w", level, err)
		}

		var names []string
		for _, ent := range entries {
			if !ent.IsDir() && strings.HasSuffix(ent.Name(), ".sst") {
				names = append(names, ent.Name())
			}
		}
		sort.Slice(names, func(i, j int) bool { return sstFileNum(names[i]) < sstFileNum(names[j]) })

		for _, name := range names {
			path := filepath.Join(dir, name)
			r, err := sstable.Open(path)
			if err != nil {
				e.logger.Warn("quarantining corrupt sstable", "path", path, "error", err)
				fsutil.QuarantineFile(path)
				continue
			}
			v.levels[level] = append(v.levels[level], r)
			if n := sstFileNum(name); n > maxFileNum {
				maxFileNum = n
			}
		}
	}

	e.version.Store(v)
	e.nextFileNum.Store(maxFileNum)
	return nil
}

func sstFileNum(name string) uint64 {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(name, "sst_"), ".sst")
	n, _ := strconv.ParseUint(trimmed, 10, 64)
	return n
}

// Store durably appends a Put record then makes it visible in the
// active memtable. The write is not allowed to reorder ahead of the
// WAL append: Sync completes before the memtable is mutated.
func (e *Engine) Store(key, value []byte) error {
	if e.closed.Load() {
		return common.ErrClosed
	}
	if len(key) == 0 {
		return common.ErrEmptyKey
	}
	if len(key) > common.MaxKeySize {
		return common.ErrKeyTooLarge
	}
	if len(value) > common.MaxValueSize {
		return common.ErrValueTooLarge
	}
	if err := e.waitForCapacity(); err != nil {
		return err
	}

	seq := e.seq.Add(1)
	if err := e.appendAndSync(wal.Record{Type: common.OpPut, Sequence: seq, Key: key, Value: value}); err != nil {
		return err
	}

	e.activeMT.Load().Put(key, seq, value)
	e.obs.IncCounter("lsm_puts", 1)
	e.maybeScheduleFlush()
	return nil
}

// Remove durably appends a Delete record then makes the tombstone
// visible in the active memtable.
func (e *Engine) Remove(key []byte) error {
	if e.closed.Load() {
		return common.ErrClosed
	}
	if len(key) == 0 {
		return common.ErrEmptyKey
	}
	if err := e.waitForCapacity(); err != nil {
		return err
	}

	seq := e.seq.Add(1)
	if err := e.appendAndSync(wal.Record{Type: common.OpDelete, Sequence: seq, Key: key}); err != nil {
		return err
	}

	e.activeMT.Load().Delete(key, seq)
	e.obs.IncCounter("lsm_deletes", 1)
	e.maybeScheduleFlush()
	return nil
}

// BatchStore allocates one sequence per entry in order, writes the WAL
// batch, then inserts every entry into the memtable.
func (e *Engine) BatchStore(entries []KV) error {
	if e.closed.Load() {
		return common.ErrClosed
	}
	if len(entries) == 0 {
		return nil
	}
	if err := e.waitForCapacity(); err != nil {
		return err
	}

	records := make([]wal.Record, len(entries))
	seqs := make([]uint64, len(entries))
	for i, kv := range entries {
		if len(kv.Key) == 0 {
			return common.ErrEmptyKey
		}
		seq := e.seq.Add(1)
		seqs[i] = seq
		records[i] = wal.Record{Type: common.OpPut, Sequence: seq, Key: kv.Key, Value: kv.Value}
	}

	e.walMu.Lock()
	err := e.wal.AppendBatch(records)
	if err == nil {
		err = e.wal.Sync()
	}
	e.walMu.Unlock()
	if err != nil {
		return fmt.Errorf("lsm: batch store: %w", err)
	}

	active := e.activeMT.Load()
	for i, kv := range entries {
		active.Put(kv.Key, seqs[i], kv.Value)
	}
	e.obs.IncCounter("lsm_puts", uint64(len(entries)))
	e.maybeScheduleFlush()
	return nil
}

func (e *Engine) appendAndSync(r wal.Record) error {
	e.walMu.Lock()
	defer e.walMu.Unlock()
	if err := e.wal.Append(r); err != nil {
		return fmt.Errorf("lsm: wal append: %w", err)
	}
	if err := e.wal.Sync(); err != nil {
		return fmt.Errorf("lsm: wal sync: %w", err)
	}
	return nil
}

// waitForCapacity blocks while the active memtable has grown past its
// hard cap with a flush already pending, instead of dropping the
// write or growing the memtable without bound.
func (e *Engine) waitForCapacity() error {
	hardCap := e.opts.MemtableSize * e.opts.MemtableHardCapMultiplier
	if hardCap <= 0 {
		return nil
	}
	stalled := false
	for e.activeMT.Load().ApproxSize() >= hardCap && e.flushPending.Load() {
		if e.closed.Load() {
			return common.ErrClosed
		}
		if !stalled {
			stalled = true
			e.obs.IncCounter("lsm_write_stalls", 1)
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

// maybeScheduleFlush swaps the active memtable into the immutable slot
// and rotates the WAL if the active memtable has grown past its
// configured threshold and no flush is already pending.
func (e *Engine) maybeScheduleFlush() {
	active := e.activeMT.Load()
	if !active.ShouldFlush(e.opts.MemtableSize) {
		return
	}
	if e.flushPending.Load() {
		return
	}

	e.immMu.Lock()
	if e.imm != nil {
		e.immMu.Unlock()
		return
	}
	// Re-check under lock: another writer may have won the race.
	active = e.activeMT.Load()
	if !active.ShouldFlush(e.opts.MemtableSize) {
		e.immMu.Unlock()
		return
	}
	e.imm = active
	e.activeMT.Store(memtable.New())
	e.immMu.Unlock()

	e.rotateWAL()
	e.flushPending.Store(true)

	select {
	case e.flushCh <- struct{}{}:
	default:
	}
}

func (e *Engine) rotateWAL() {
	e.walMu.Lock()
	defer e.walMu.Unlock()

	oldPath := e.wal.Path()
	if err := e.wal.Close(); err != nil {
		e.logger.Error("close wal for rotation", "error", err)
	}
	rotated := rotatingWALPath(filepath.Dir(oldPath), e.seq.Load())
	if err := os.Rename(oldPath, rotated); err != nil {
		e.logger.Error("rename wal for rotation", "error", err)
	}
	w, err := wal.Open(oldPath, e.logger)
	if err != nil {
		e.logger.Error("reopen wal after rotation", "error", err)
		return
	}
	e.wal = w
}

func (e *Engine) flushLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.FlushCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.flushCh:
			e.doFlush()
		case <-ticker.C:
			if e.flushPending.Load() {
				e.doFlush()
			}
		}
	}
}

func (e *Engine) doFlush() {
	e.immMu.RLock()
	imm := e.imm
	e.immMu.RUnlock()
	if imm == nil {
		return
	}

	fileNum := e.nextFileNum.Add(1)
	path := filepath.Join(e.dir, common.DirSSTables, levelDirName(0), fmt.Sprintf("sst_%d.sst", fileNum))

	w := sstable.NewWriter(e.opts.BloomFPR)
	deepest := e.opts.MaxLevels - 1
	if err := imm.ForEachFlush(func(fe memtable.FlushEntry) error {
		if fe.Tombstone && deepest == 0 {
			// Only one level configured: nothing can shadow-resurrect
			// the key, so the tombstone need not be carried forward.
			return nil
		}
		w.Add(fe.UserKey, fe.Value, fe.Tombstone)
		return nil
	}); err != nil {
		e.logger.Error("flush: iterate immutable memtable", "error", err)
		return
	}

	if w.Len() == 0 {
		e.finishFlush(nil)
		return
	}

	if err := w.Finish(path); err != nil {
		e.logger.Error("flush: write sstable", "error", err, "path", path)
		return
	}
	reader, err := sstable.Open(path)
	if err != nil {
		e.logger.Error("flush: reopen sstable", "error", err, "path", path)
		return
	}

	e.sstMu.Lock()
	v := e.version.Load()
	e.version.Store(v.withL0Appended(reader))
	e.sstMu.Unlock()

	e.obs.IncCounter("lsm_flushes", 1)
	e.finishFlush(nil)

	select {
	case e.compactCh <- struct{}{}:
	default:
	}
}

func (e *Engine) finishFlush(_ error) {
	e.immMu.Lock()
	e.imm = nil
	e.immMu.Unlock()
	e.flushPending.Store(false)
	e.deleteRotatingWALs()
}

func levelDirName(level int) string { return fmt.Sprintf("L%d", level) }

func (e *Engine) deleteRotatingWALs() {
	walDir := filepath.Join(e.dir, common.DirWAL)
	entries, err := os.ReadDir(walDir)
	if err != nil {
		return
	}
	for _, ent := range entries {
		if strings.HasPrefix(ent.Name(), "rotating_") && strings.HasSuffix(ent.Name(), ".wal") {
			os.Remove(filepath.Join(walDir, ent.Name()))
		}
	}
}

func (e *Engine) compactLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.CompactCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.compactCh:
			e.maybeCompactL0()
		case <-ticker.C:
			e.maybeCompactL0()
		}
	}
}

// maybeCompactL0 merges every L0 table with the existing L1 table (if
// any) into a single fresh L1 table once L0 reaches its trigger count.
// Tombstones are dropped only once L1 is the deepest configured level.
func (e *Engine) maybeCompactL0() {
	v := e.version.Load()
	if v.levelSize(0) < e.opts.L0CompactTrigger {
		return
	}
	if e.opts.MaxLevels < 2 {
		return
	}

	l0 := append([]*sstable.Reader(nil), v.levels[0]...)
	var l1 []*sstable.Reader
	if len(v.levels) > 1 {
		l1 = append([]*sstable.Reader(nil), v.levels[1]...)
	}

	type entry struct {
		value     []byte
		tombstone bool
	}
	merged := make(map[string]entry)

	applyTable := func(r *sstable.Reader) {
		for _, k := range r.Keys() {
			found, val, del, err := r.Get([]byte(k))
			if err != nil || !found {
				continue
			}
			merged[k] = entry{value: val, tombstone: del}
		}
	}
	for _, r := range l1 {
		applyTable(r)
	}
	for _, r := range l0 {
		applyTable(r)
	}

	dropTombstones := 1 >= e.opts.MaxLevels-1
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w := sstable.NewWriter(e.opts.BloomFPR)
	for _, k := range keys {
		en := merged[k]
		if en.tombstone && dropTombstones {
			continue
		}
		w.Add([]byte(k), en.value, en.tombstone)
	}

	var newL1 []*sstable.Reader
	if w.Len() > 0 {
		fileNum := e.nextFileNum.Add(1)
		path := filepath.Join(e.dir, common.DirSSTables, levelDirName(1), fmt.Sprintf("sst_%d.sst", fileNum))
		if err := w.Finish(path); err != nil {
			e.logger.Error("compact: write l1 sstable", "error", err)
			return
		}
		reader, err := sstable.Open(path)
		if err != nil {
			e.logger.Error("compact: reopen l1 sstable", "error", err)
			return
		}
		newL1 = []*sstable.Reader{reader}
	}

	e.sstMu.Lock()
	cur := e.version.Load()
	e.version.Store(cur.withL1Replaced(newL1))
	e.sstMu.Unlock()

	e.obs.IncCounter("lsm_compactions", 1)

	for _, r := range l0 {
		path := r.Path()
		r.Close()
		os.Remove(path)
	}
	for _, r := range l1 {
		path := r.Path()
		r.Close()
		os.Remove(path)
	}
}

// Load looks up key, checking the active memtable, then the immutable
// memtable, then every SSTable level newest-first, short-circuiting on
// each table's bloom filter.
func (e *Engine) Load(key []byte) (found bool, value []byte, err error) {
	if e.closed.Load() {
		return false, nil, common.ErrClosed
	}

	if hit, val, deleted := e.activeMT.Load().Get(key); hit {
		if deleted {
			return false, nil, nil
		}
		return true, val, nil
	}

	e.immMu.RLock()
	imm := e.imm
	e.immMu.RUnlock()
	if imm != nil {
		if hit, val, deleted := imm.Get(key); hit {
			if deleted {
				return false, nil, nil
			}
			return true, val, nil
		}
	}

	v := e.version.Load()
	for level := 0; level < v.numLevels(); level++ {
		for _, r := range v.tablesForLookup(level) {
			if !r.MayContain(key) {
				continue
			}
			hit, val, deleted, gerr := r.Get(key)
			if gerr != nil {
				return false, nil, fmt.Errorf("lsm: sstable lookup: %w", gerr)
			}
			if hit {
				if deleted {
					return false, nil, nil
				}
				return true, val, nil
			}
		}
	}
	return false, nil, nil
}

// Close flushes the active memtable (if non-empty), stops the
// background tasks, and closes the WAL. It blocks until the final
// flush completes.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.cancel()
	e.wg.Wait()

	if e.activeMT.Load().Len() > 0 {
		// Drain a flush that is already pending so the active memtable
		// can take the immutable slot.
		e.doFlush()
		e.immMu.Lock()
		moved := e.imm == nil
		if moved {
			e.imm = e.activeMT.Load()
			e.activeMT.Store(memtable.New())
		}
		e.immMu.Unlock()
		if moved {
			e.rotateWAL()
			e.flushPending.Store(true)
			e.doFlush()
		}
	}

	e.walMu.Lock()
	err := e.wal.Close()
	e.walMu.Unlock()

	v := e.version.Load()
	for _, level := range v.levels {
		for _, r := range level {
			r.Close()
		}
	}

	if err != nil {
		return fmt.Errorf("lsm: close: %w", err)
	}
	return nil
}
