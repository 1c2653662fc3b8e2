package lsm

import "github.com/cvdpl/respkv/internal/sstable"

// version is an immutable snapshot of the SSTable level lists. Readers
// grab the current *version via an atomic load and never see a
// partially updated level list; writers build a new version and swap
// the pointer under sstMu. This mirrors the read-copy-update discipline
// the concurrency model calls for, without persisting anything to disk:
// the version is rebuilt from a directory scan on every startup.
type version struct {
	// levels[0] holds every L0 table in registration order (oldest
	// first); L0 tables may overlap in key range, so a lookup scans
	// them newest-first. levels[i] for i>=1 holds non-overlapping
	// tables and may be scanned in any order.
	levels [][]*sstable.Reader
}

func newEmptyVersion(maxLevels int) *version {
	return &version{levels: make([][]*sstable.Reader, maxLevels)}
}

// clone makes a shallow copy of the level lists (readers are shared,
// immutable, and reference-safe to alias across versions).
func (v *version) clone() *version {
	nv := &version{levels: make([][]*sstable.Reader, len(v.levels))}
	for i, l := range v.levels {
		nv.levels[i] = append([]*sstable.Reader(nil), l...)
	}
	return nv
}

func (v *version) withL0Appended(r *sstable.Reader) *version {
	nv := v.clone()
	nv.levels[0] = append(nv.levels[0], r)
	return nv
}

// withL1Replaced returns a version with L0 emptied and L1 replaced by
// newL1, used after an L0->L1 compaction. The readers being replaced
// are not closed here; the caller closes the old readers once no
// in-flight Load can still observe the version that held them.
func (v *version) withL1Replaced(newL1 []*sstable.Reader) *version {
	nv := v.clone()
	nv.levels[0] = nil
	if len(nv.levels) > 1 {
		nv.levels[1] = newL1
	}
	return nv
}

// tablesForLookup returns, for level 0, the tables newest-first; for
// every other level, the tables in whatever order they are stored
// (non-overlapping, so order does not affect correctness).
func (v *version) tablesForLookup(level int) []*sstable.Reader {
	if level < 0 || level >= len(v.levels) {
		return nil
	}
	tbls := v.levels[level]
	if level != 0 {
		return tbls
	}
	reversed := make([]*sstable.Reader, len(tbls))
	for i, t := range tbls {
		reversed[len(tbls)-1-i] = t
	}
	return reversed
}

func (v *version) numLevels() int { return len(v.levels) }

func (v *version) levelSize(level int) int {
	if level < 0 || level >= len(v.levels) {
		return 0
	}
	return len(v.levels[level])
}
