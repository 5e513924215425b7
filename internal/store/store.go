// Package store implements the client-side record store: a per-kind
// in-memory cache of owned records, keyed by record ID, that publishes the
// full current snapshot to its listeners after every change.
//
// The store never fails. Writes with an empty record ID are ignored and,
// after Close, every write is a no-op and every read is empty, so results of
// requests that complete after sign-out can be applied without checks.
package store

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/almanac/pkg/types"
)

// Change is delivered to listeners after each write. Records is the full
// snapshot of the kind in store order; listeners own the slice.
type Change struct {
	Kind    types.Kind
	Version uint64
	Records []types.Record
}

// Listener receives change notifications for one kind.
type Listener func(Change)

// Store is the record cache shared by the reconciler (writer), the mutation
// coordinator (optimistic writer) and projections (readers).
type Store struct {
	mu     sync.RWMutex
	closed bool
	kinds  map[types.Kind]*bucket
	nextID uint64
	log    logrus.FieldLogger
}

type bucket struct {
	records   []types.Record
	index     map[string]int
	version   uint64
	listeners []listenerEntry
}

type listenerEntry struct {
	id uint64
	fn Listener
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for debug output.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	s := &Store{
		kinds: make(map[types.Kind]*bucket),
		log:   discard,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) bucketLocked(kind types.Kind) *bucket {
	b, ok := s.kinds[kind]
	if !ok {
		b = &bucket{index: make(map[string]int)}
		s.kinds[kind] = b
	}
	return b
}

// Upsert replaces the record with the same ID, keeping its position, or
// appends it.
func (s *Store) Upsert(kind types.Kind, rec types.Record) {
	if rec.ID == "" {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.log.WithField("kind", kind).Debug("upsert after close ignored")
		return
	}
	b := s.bucketLocked(kind)
	rec = rec.Clone()
	rec.Kind = kind
	if i, ok := b.index[rec.ID]; ok {
		b.records[i] = rec
	} else {
		b.index[rec.ID] = len(b.records)
		b.records = append(b.records, rec)
	}
	s.commitLocked(kind, b)()
}

// Remove deletes the record with the given ID. Removing an absent ID
// changes nothing and notifies no one.
func (s *Store) Remove(kind types.Kind, id string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	b, ok := s.kinds[kind]
	if !ok {
		s.mu.Unlock()
		return
	}
	i, ok := b.index[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	b.records = append(b.records[:i], b.records[i+1:]...)
	b.reindex()
	s.commitLocked(kind, b)()
}

// Replace makes the kind's contents equal to records, in the given order,
// with a single notification. Records missing from the list are dropped. A
// repeated ID keeps its first position and its last value.
func (s *Store) Replace(kind types.Kind, records []types.Record) {
	s.ReplaceDeferred(kind, records)()
}

// ReplaceDeferred applies records like Replace but returns the listener
// notification instead of running it. The contents are visible to readers
// as soon as it returns; notify may be called after the caller has released
// its own locks, and does nothing once the store is closed.
func (s *Store) ReplaceDeferred(kind types.Kind, records []types.Record) (notify func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.log.WithField("kind", kind).Debug("replace after close ignored")
		return func() {}
	}
	b := s.bucketLocked(kind)
	next := make([]types.Record, 0, len(records))
	index := make(map[string]int, len(records))
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		rec = rec.Clone()
		rec.Kind = kind
		if i, ok := index[rec.ID]; ok {
			next[i] = rec
			continue
		}
		index[rec.ID] = len(next)
		next = append(next, rec)
	}
	removed := len(b.records)
	for id := range b.index {
		if _, ok := index[id]; ok {
			removed--
		}
	}
	b.records = next
	b.index = index
	s.log.WithFields(logrus.Fields{
		"kind":    kind,
		"records": len(next),
		"removed": removed,
	}).Debug("snapshot replaced")
	return s.commitLocked(kind, b)
}

// MarkProvisional replaces the record id with apply(cached) tagged with
// provisionalID and returns the copy it replaced. It changes nothing and
// reports false when the record is absent or already provisional, so at most
// one unconfirmed copy of a record exists at a time.
func (s *Store) MarkProvisional(kind types.Kind, id, provisionalID string, apply func(types.Record) types.Record) (types.Record, bool) {
	if provisionalID == "" || apply == nil {
		return types.Record{}, false
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.Record{}, false
	}
	b, ok := s.kinds[kind]
	if !ok {
		s.mu.Unlock()
		return types.Record{}, false
	}
	i, ok := b.index[id]
	if !ok || b.records[i].Provisional() {
		s.mu.Unlock()
		return types.Record{}, false
	}
	prior := b.records[i].Clone()
	rec := apply(prior.Clone())
	rec.ID = id
	rec.Kind = kind
	rec.ProvisionalID = provisionalID
	b.records[i] = rec
	s.commitLocked(kind, b)()
	return prior, true
}

// CompareAndRestore puts prior back in place of the record id, but only if
// the cached record still carries provisionalID. If prior is nil the record
// is removed. It reports whether anything changed.
func (s *Store) CompareAndRestore(kind types.Kind, id, provisionalID string, prior *types.Record) bool {
	if provisionalID == "" {
		return false
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	b := s.bucketLocked(kind)
	i, ok := b.index[id]
	if !ok || b.records[i].ProvisionalID != provisionalID {
		s.mu.Unlock()
		return false
	}
	if prior == nil {
		b.records = append(b.records[:i], b.records[i+1:]...)
		b.reindex()
	} else {
		rec := prior.Clone()
		rec.Kind = kind
		b.records[i] = rec
	}
	s.commitLocked(kind, b)()
	return true
}

// commitLocked bumps the version, releases s.mu and returns the function
// that notifies the listeners registered at commit time.
func (s *Store) commitLocked(kind types.Kind, b *bucket) func() {
	b.version++
	change := Change{Kind: kind, Version: b.version}
	listeners := make([]Listener, len(b.listeners))
	for i, l := range b.listeners {
		listeners[i] = l.fn
	}
	var records []types.Record
	if len(listeners) > 0 {
		records = cloneRecords(b.records)
	}
	s.mu.Unlock()

	if len(listeners) == 0 {
		return func() {}
	}
	return func() {
		if s.Closed() {
			return
		}
		for i, fn := range listeners {
			c := change
			c.Records = records
			if i < len(listeners)-1 {
				c.Records = cloneRecords(records)
			}
			fn(c)
		}
	}
}

func (b *bucket) reindex() {
	b.index = make(map[string]int, len(b.records))
	for i, r := range b.records {
		b.index[r.ID] = i
	}
}

// Snapshot returns a copy of the kind's records in store order.
func (s *Store) Snapshot(kind types.Kind) []types.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.kinds[kind]
	if !ok || s.closed {
		return []types.Record{}
	}
	return cloneRecords(b.records)
}

// Get returns a copy of one record.
func (s *Store) Get(kind types.Kind, id string) (types.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.kinds[kind]
	if !ok || s.closed {
		return types.Record{}, false
	}
	i, ok := b.index[id]
	if !ok {
		return types.Record{}, false
	}
	return b.records[i].Clone(), true
}

// Version returns the kind's change counter. It increases by one on every
// write and is zero for a kind that was never written.
func (s *Store) Version(kind types.Kind) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.kinds[kind]; ok {
		return b.version
	}
	return 0
}

// Subscribe registers fn for changes to kind. The returned function removes
// it and is safe to call more than once. Subscribing to a closed store
// returns a no-op unsubscribe and fn is never called.
func (s *Store) Subscribe(kind types.Kind, fn Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || fn == nil {
		return func() {}
	}
	s.nextID++
	id := s.nextID
	b := s.bucketLocked(kind)
	b.listeners = append(b.listeners, listenerEntry{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { s.unsubscribe(kind, id) })
	}
}

func (s *Store) unsubscribe(kind types.Kind, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.kinds[kind]
	if !ok {
		return
	}
	for i, l := range b.listeners {
		if l.id == id {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Close tears the store down: contents and listeners are dropped and later
// writes are ignored. Close is idempotent.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.kinds = make(map[types.Kind]*bucket)
	s.log.Debug("store closed")
}

// Closed reports whether Close has been called.
func (s *Store) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func cloneRecords(records []types.Record) []types.Record {
	out := make([]types.Record, len(records))
	for i, r := range records {
		out[i] = r.Clone()
	}
	return out
}
