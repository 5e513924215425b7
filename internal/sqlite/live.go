package sqlite

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/almanac/internal/metrics"
	"github.com/mesh-intelligence/almanac/pkg/types"
)

// liveHub tracks the backend's live queries.
type liveHub struct {
	b       *Backend
	mu      sync.Mutex
	queries map[*liveQuery]struct{}
}

func newLiveHub(b *Backend) *liveHub {
	return &liveHub{b: b, queries: make(map[*liveQuery]struct{})}
}

// liveQuery delivers snapshots to one handler from its own goroutine. Its
// mailbox holds only the newest undelivered snapshot, so a slow handler
// skips intermediate states but always ends on the latest.
type liveQuery struct {
	hub     *liveHub
	owner   string
	kind    types.Kind
	handler types.SnapshotHandler

	mu         sync.Mutex
	pending    []types.Record
	pendingSeq uint64
	hasPending bool
	lastSeq    uint64
	failErr    error

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// open registers a live query and queues its initial snapshot.
func (h *liveHub) open(owner string, kind types.Kind, handler types.SnapshotHandler) (types.LiveQuery, error) {
	b := h.b
	b.mu.RLock()
	if !b.attached {
		b.mu.RUnlock()
		return nil, types.ErrDetached
	}
	records, err := b.listLocked(owner, kind)
	seq := b.seq

	q := &liveQuery{
		hub:     h,
		owner:   owner,
		kind:    kind,
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if err == nil {
		// Registered under the read lock so no write can slip between the
		// initial snapshot and the first change notification.
		h.mu.Lock()
		h.queries[q] = struct{}{}
		h.mu.Unlock()
	}
	b.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	metrics.LiveQueryOpened()
	b.log.WithFields(logrus.Fields{"owner": owner, "kind": kind}).Debug("live query opened")

	go q.run()
	q.offer(seq, records)
	return q, nil
}

// captureLocked reads the current snapshot of owner's kind for every live
// query watching it; an empty owner captures every owner's queries. The
// caller holds b.mu; the returned func delivers the snapshots and must run
// after b.mu is released.
func (h *liveHub) captureLocked(owner string, kind types.Kind) func() {
	h.mu.Lock()
	targets := make(map[string][]*liveQuery)
	for q := range h.queries {
		if q.kind == kind && (owner == "" || q.owner == owner) {
			targets[q.owner] = append(targets[q.owner], q)
		}
	}
	h.mu.Unlock()
	if len(targets) == 0 {
		return func() {}
	}

	seq := h.b.seq
	snapshots := make(map[string][]types.Record, len(targets))
	for o := range targets {
		records, err := h.b.listLocked(o, kind)
		if err != nil {
			h.b.log.WithError(err).WithField("kind", kind).Warn("reading live snapshot failed")
			continue
		}
		snapshots[o] = records
	}
	return func() {
		for o, records := range snapshots {
			for _, q := range targets[o] {
				q.offer(seq, cloneRecords(records))
			}
		}
	}
}

// closeAll ends every live query with err.
func (h *liveHub) closeAll(err error) {
	h.mu.Lock()
	targets := make([]*liveQuery, 0, len(h.queries))
	for q := range h.queries {
		targets = append(targets, q)
	}
	h.queries = make(map[*liveQuery]struct{})
	h.mu.Unlock()

	for _, q := range targets {
		q.fail(err)
	}
}

func (h *liveHub) remove(q *liveQuery) {
	h.mu.Lock()
	delete(h.queries, q)
	h.mu.Unlock()
}

// size returns the number of open live queries.
func (h *liveHub) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queries)
}

// offer replaces the mailbox contents if seq is newer than anything offered
// before.
func (q *liveQuery) offer(seq uint64, records []types.Record) {
	q.mu.Lock()
	if q.failErr != nil || (q.hasPending && seq <= q.pendingSeq) || (!q.hasPending && seq < q.lastSeq) {
		q.mu.Unlock()
		return
	}
	q.pending = records
	q.pendingSeq = seq
	q.hasPending = true
	q.mu.Unlock()
	q.signal()
}

func (q *liveQuery) fail(err error) {
	q.mu.Lock()
	if q.failErr == nil {
		q.failErr = err
	}
	q.mu.Unlock()
	q.signal()
}

func (q *liveQuery) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *liveQuery) run() {
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}

		q.mu.Lock()
		failErr := q.failErr
		records, has := q.pending, q.hasPending
		if has {
			q.lastSeq = q.pendingSeq
			q.pending, q.hasPending = nil, false
		}
		q.mu.Unlock()

		if q.stopped() {
			return
		}
		if failErr != nil {
			q.handler.OnError(failErr)
			q.finish()
			return
		}
		if has {
			q.handler.OnSnapshot(records)
			metrics.RecordSnapshotPushed(q.kind.String())
		}
	}
}

func (q *liveQuery) stopped() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

func (q *liveQuery) finish() {
	q.stopOnce.Do(func() {
		close(q.done)
		q.hub.remove(q)
		metrics.LiveQueryClosed()
		q.hub.b.log.WithFields(logrus.Fields{"owner": q.owner, "kind": q.kind}).Debug("live query closed")
	})
}

// Stop ends the live query. It is safe to call more than once.
func (q *liveQuery) Stop() error {
	q.finish()
	return nil
}

func cloneRecords(records []types.Record) []types.Record {
	out := make([]types.Record, len(records))
	for i, rec := range records {
		out[i] = rec.Clone()
	}
	return out
}
