package sqlite

import (
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/almanac/pkg/types"
)

// shouldPersistImmediately reports whether JSONL files are rewritten on
// every write. True for the immediate strategy, which is the default.
func (b *Backend) shouldPersistImmediately() bool {
	return b.syncStrategy == types.SyncImmediate || b.syncStrategy == ""
}

// queueWrite marks kind's JSONL file dirty. With the batch strategy the
// queue is flushed once it reaches the batch size. The caller holds b.mu
// for writing.
func (b *Backend) queueWrite(kind types.Kind) {
	b.dirty[kind] = true
	b.pendingWrites++

	if b.syncStrategy == types.SyncBatch && b.batchSize > 0 && b.pendingWrites >= b.batchSize {
		if err := b.flushLocked(); err != nil {
			b.log.WithError(err).Warn("batch flush failed")
		}
	}
}

// flushLocked rewrites every dirty JSONL file. A kind that fails stays
// dirty so the next flush retries it. The caller holds b.mu for writing.
func (b *Backend) flushLocked() error {
	if len(b.dirty) == 0 {
		return nil
	}
	kinds := make([]types.Kind, 0, len(b.dirty))
	for kind := range b.dirty {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	for _, kind := range kinds {
		if err := b.persistKindLocked(kind); err != nil {
			return fmt.Errorf("flush %s: %w", kind, err)
		}
		delete(b.dirty, kind)
	}
	b.log.WithFields(logrus.Fields{"kinds": len(kinds), "writes": b.pendingWrites}).Debug("flushed pending writes")
	b.pendingWrites = 0
	return nil
}

// Flush writes pending changes to the JSONL files now.
func (b *Backend) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.attached {
		return types.ErrDetached
	}
	return b.flushLocked()
}

// startBatchTimer starts the periodic flush for the batch strategy.
func (b *Backend) startBatchTimer() {
	b.batchMu.Lock()
	defer b.batchMu.Unlock()

	if b.batchTimer != nil {
		return
	}

	b.batchTimer = time.AfterFunc(b.batchInterval, func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if !b.attached {
			return
		}
		if err := b.flushLocked(); err != nil {
			b.log.WithError(err).Warn("interval flush failed")
		}

		b.batchMu.Lock()
		if b.batchTimer != nil {
			b.batchTimer.Reset(b.batchInterval)
		}
		b.batchMu.Unlock()
	})
}

// stopBatchTimer stops the periodic flush if running.
func (b *Backend) stopBatchTimer() {
	b.batchMu.Lock()
	defer b.batchMu.Unlock()

	if b.batchTimer != nil {
		b.batchTimer.Stop()
		b.batchTimer = nil
	}
}
