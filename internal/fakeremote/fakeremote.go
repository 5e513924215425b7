// Package fakeremote is an in-memory types.RemoteService for tests. Pushes
// are delivered synchronously on the calling goroutine, and failures can be
// injected per operation.
package fakeremote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mesh-intelligence/almanac/pkg/types"
)

// Operation names accepted by FailNext.
const (
	OpSubscribe = "subscribe"
	OpCreate    = "create"
	OpUpdate    = "update"
	OpDelete    = "delete"
)

// Service holds records for a single owner.
type Service struct {
	Owner string

	// Now stamps created and updated times. Defaults to time.Now.
	Now func() time.Time

	mu       sync.Mutex
	records  map[types.Kind][]types.Record
	subs     map[types.Kind][]*sub
	failures map[string][]error
	calls    map[string]int
	nextID   int
	muted    bool
}

type sub struct {
	handler types.SnapshotHandler
	stopped bool
	stops   int
}

// New returns an empty service.
func New(owner string) *Service {
	return &Service{
		Owner:    owner,
		records:  make(map[types.Kind][]types.Record),
		subs:     make(map[types.Kind][]*sub),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// FailNext makes the next call to op return err.
func (s *Service) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], err)
}

// Mute stops automatic pushes after writes until Unmute. Writes still apply.
func (s *Service) Mute() {
	s.mu.Lock()
	s.muted = true
	s.mu.Unlock()
}

// Unmute resumes automatic pushes.
func (s *Service) Unmute() {
	s.mu.Lock()
	s.muted = false
	s.mu.Unlock()
}

// Calls returns how many times op was invoked.
func (s *Service) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Active returns the number of live queries for kind that are not stopped.
func (s *Service) Active(kind types.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sb := range s.subs[kind] {
		if !sb.stopped {
			n++
		}
	}
	return n
}

// Stops returns the total number of Stop calls made on kind's live queries.
func (s *Service) Stops(kind types.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sb := range s.subs[kind] {
		n += sb.stops
	}
	return n
}

// Seed stores records without pushing. Records keep their IDs.
func (s *Service) Seed(kind types.Kind, records ...types.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		r.Kind = kind
		if r.Owner == "" {
			r.Owner = s.Owner
		}
		s.records[kind] = append(s.records[kind], r.Clone())
	}
}

// Records returns the stored records of kind.
func (s *Service) Records(kind types.Kind) []types.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneAll(s.records[kind])
}

func (s *Service) begin(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	if errs := s.failures[op]; len(errs) > 0 {
		s.failures[op] = errs[1:]
		return errs[0]
	}
	return nil
}

// Subscribe implements types.RemoteService. The initial snapshot is pushed
// before Subscribe returns.
func (s *Service) Subscribe(ctx context.Context, kind types.Kind, handler types.SnapshotHandler) (types.LiveQuery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.begin(OpSubscribe); err != nil {
		return nil, err
	}
	s.mu.Lock()
	sb := &sub{handler: handler}
	s.subs[kind] = append(s.subs[kind], sb)
	snapshot := cloneAll(s.records[kind])
	s.mu.Unlock()

	handler.OnSnapshot(snapshot)

	return types.LiveQueryFunc(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		sb.stops++
		sb.stopped = true
		return nil
	}), nil
}

// Create implements types.RemoteService.
func (s *Service) Create(ctx context.Context, kind types.Kind, fields types.Fields) (types.Record, error) {
	if err := s.begin(OpCreate); err != nil {
		return types.Record{}, err
	}
	s.mu.Lock()
	s.nextID++
	now := s.now()
	rec := types.Record{
		ID:        fmt.Sprintf("%s-%d", kind, s.nextID),
		Kind:      kind,
		Owner:     s.Owner,
		CreatedAt: now,
		UpdatedAt: now,
		Fields:    types.Record{}.Merge(fields).Fields,
	}
	s.records[kind] = append(s.records[kind], rec)
	s.mu.Unlock()

	s.pushIfLive(kind)
	return rec.Clone(), nil
}

// Update implements types.RemoteService.
func (s *Service) Update(ctx context.Context, kind types.Kind, id string, fields types.Fields) (types.Record, error) {
	if err := s.begin(OpUpdate); err != nil {
		return types.Record{}, err
	}
	s.mu.Lock()
	var out types.Record
	found := false
	for i, r := range s.records[kind] {
		if r.ID == id {
			r = r.Merge(fields)
			r.UpdatedAt = s.now()
			s.records[kind][i] = r
			out = r.Clone()
			found = true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return types.Record{}, types.ErrNotFound
	}
	s.pushIfLive(kind)
	return out, nil
}

// Delete implements types.RemoteService.
func (s *Service) Delete(ctx context.Context, kind types.Kind, id string) error {
	if err := s.begin(OpDelete); err != nil {
		return err
	}
	s.mu.Lock()
	found := false
	for i, r := range s.records[kind] {
		if r.ID == id {
			s.records[kind] = append(s.records[kind][:i:i], s.records[kind][i+1:]...)
			found = true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return types.ErrNotFound
	}
	s.pushIfLive(kind)
	return nil
}

func (s *Service) pushIfLive(kind types.Kind) {
	s.mu.Lock()
	muted := s.muted
	s.mu.Unlock()
	if !muted {
		s.Push(kind)
	}
}

// Push delivers the current snapshot of kind to every active live query.
func (s *Service) Push(kind types.Kind) {
	s.mu.Lock()
	snapshot := s.records[kind]
	var handlers []types.SnapshotHandler
	for _, sb := range s.subs[kind] {
		if !sb.stopped {
			handlers = append(handlers, sb.handler)
		}
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h.OnSnapshot(cloneAll(snapshot))
	}
}

// PushRaw delivers records to every handler ever registered for kind,
// including stopped ones, as a service that delivers late would.
func (s *Service) PushRaw(kind types.Kind, records []types.Record) {
	s.mu.Lock()
	var handlers []types.SnapshotHandler
	for _, sb := range s.subs[kind] {
		handlers = append(handlers, sb.handler)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h.OnSnapshot(cloneAll(records))
	}
}

// Fail reports err to every active live query for kind.
func (s *Service) Fail(kind types.Kind, err error) {
	s.mu.Lock()
	var handlers []types.SnapshotHandler
	for _, sb := range s.subs[kind] {
		if !sb.stopped {
			handlers = append(handlers, sb.handler)
		}
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h.OnError(err)
	}
}

func cloneAll(records []types.Record) []types.Record {
	out := make([]types.Record, len(records))
	for i, r := range records {
		out[i] = r.Clone()
	}
	return out
}
