package cachemgr

import (
	"time"

	"github.com/cvdpl/respkv/internal/cache"
	"github.com/cvdpl/respkv/internal/common"
	"github.com/cvdpl/respkv/internal/observer"
	"github.com/cvdpl/respkv/internal/storage"
)

// Worker periodically drains dirty cache entries to the backend in
// bounded batches, for cache managers running in write-back mode.
type Worker struct {
	cache    *cache.Segmented
	backend  storage.Backend
	interval time.Duration
	logger   common.Logger
	obs      observer.Observer

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWorker builds a worker over cache/backend that ticks every
// interval. Call Start to launch its goroutine.
func NewWorker(c *cache.Segmented, backend storage.Backend, interval time.Duration, logger common.Logger, obs observer.Observer) *Worker {
	if logger == nil {
		logger = common.NewNullLogger()
	}
	if obs == nil {
		obs = observer.NewNoop()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Worker{
		cache:    c,
		backend:  backend,
		interval: interval,
		logger:   logger,
		obs:      obs,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the periodic flush loop.
func (w *Worker) Start() {
	go w.loop()
}

func (w *Worker) loop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.flushOnce()
		case <-w.stopCh:
			w.flushOnce()
			close(w.doneCh)
			return
		}
	}
}

// flushOnce batches every currently dirty entry into groups of at
// most WriteBackBatch and persists each group. A batch failure is
// logged and aborts the rest of this tick; the next tick retries
// whatever is still dirty.
func (w *Worker) flushOnce() {
	dirty := w.cache.DirtyEntries()
	if len(dirty) == 0 {
		return
	}

	keys := make([]string, 0, len(dirty))
	for k := range dirty {
		keys = append(keys, k)
	}

	for i := 0; i < len(keys); i += common.WriteBackBatch {
		end := i + common.WriteBackBatch
		if end > len(keys) {
			end = len(keys)
		}
		batch := make(map[string][]byte, end-i)
		for _, k := range keys[i:end] {
			batch[k] = dirty[k]
		}

		if err := w.backend.BatchStore(batch); err != nil {
			w.logger.Error("write-back: batch store failed", "size", len(batch), "error", err)
			w.obs.IncCounter("writeback_batch_failures", 1)
			return
		}
		for k := range batch {
			w.cache.MarkClean(k)
		}
		w.obs.IncCounter("writeback_entries_flushed", uint64(len(batch)))
	}
}

// Stop signals the loop to perform one final flush and exit, blocking
// until it has done so.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}
