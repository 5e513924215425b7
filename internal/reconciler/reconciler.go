// Package reconciler keeps the record store equal to the data service's view
// of each watched kind. It opens one live query per kind and applies every
// pushed snapshot as a full replacement, so records deleted remotely never
// linger locally.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/almanac/internal/metrics"
	"github.com/mesh-intelligence/almanac/internal/store"
	"github.com/mesh-intelligence/almanac/pkg/types"
)

// ErrClosed is returned by Watch after Close.
var ErrClosed = errors.New("reconciler is closed")

// Status describes the health of one kind's live query.
type Status int

// Watch states.
const (
	StatusIdle     Status = iota // not watched
	StatusPending                // live query opened, no snapshot yet
	StatusLive                   // at least one snapshot applied
	StatusDegraded               // stream failed; store holds last-known-good data
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusPending:
		return "pending"
	case StatusLive:
		return "live"
	case StatusDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Reconciler feeds a store from a remote service.
type Reconciler struct {
	remote types.RemoteService
	store  *store.Store
	log    logrus.FieldLogger
	owner  string

	onError func(*types.SubscriptionError)

	mu      sync.Mutex
	closed  bool
	watches map[types.Kind]*watch
}

// watch is one live query. mu serializes the store write of each push with
// stop so that once stop returns no further push reaches the store. status and err are guarded by
// the Reconciler's mu so store listeners may query them during a push.
type watch struct {
	kind types.Kind

	mu      sync.Mutex
	stopped bool
	query   types.LiveQuery

	status Status
	err    error

	ready     chan struct{}
	readyOnce sync.Once
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Reconciler) {
		if log != nil {
			r.log = log
		}
	}
}

// WithOwner drops pushed records whose owner is set and differs from owner.
func WithOwner(owner string) Option {
	return func(r *Reconciler) {
		r.owner = owner
	}
}

// OnError registers a callback for failed live queries. It runs on the
// delivering goroutine after the kind is marked degraded.
func OnError(fn func(*types.SubscriptionError)) Option {
	return func(r *Reconciler) {
		r.onError = fn
	}
}

// New creates a Reconciler writing into st.
func New(remote types.RemoteService, st *store.Store, opts ...Option) *Reconciler {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	r := &Reconciler{
		remote:  remote,
		store:   st,
		log:     discard,
		watches: make(map[types.Kind]*watch),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Watch opens a live query for kind. Watching a kind that is already pending
// or live is a no-op; watching a degraded kind replaces its live query, which
// is how callers retry. A failure to open the query is returned as a
// *types.SubscriptionError and leaves the kind unwatched.
func (r *Reconciler) Watch(ctx context.Context, kind types.Kind) error {
	if !kind.Valid() {
		return fmt.Errorf("watch %q: %w", kind, types.ErrUnknownKind)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	old := r.watches[kind]
	if old != nil && old.status != StatusDegraded {
		r.mu.Unlock()
		return nil
	}
	w := &watch{kind: kind, status: StatusPending, ready: make(chan struct{})}
	r.watches[kind] = w
	r.mu.Unlock()

	if old != nil {
		_ = old.stop(r.log)
	}

	log := r.log.WithField("kind", kind)
	q, err := r.remote.Subscribe(ctx, kind, &handler{r: r, w: w})
	if err != nil {
		r.mu.Lock()
		if r.watches[kind] == w {
			delete(r.watches, kind)
		}
		r.mu.Unlock()
		w.mu.Lock()
		w.stopped = true
		w.mu.Unlock()
		metrics.RecordSubscriptionError(kind.String())
		log.WithError(err).Warn("live query failed to open")
		return asSubscriptionError(kind, err)
	}

	w.mu.Lock()
	if w.stopped {
		// Unwatched or closed while the query was opening.
		w.mu.Unlock()
		_ = q.Stop()
		return nil
	}
	w.query = q
	w.mu.Unlock()

	log.Debug("live query opened")
	return nil
}

// Unwatch stops the kind's live query. After it returns no further pushes
// for the kind are applied. Unwatching an unwatched kind is a no-op.
func (r *Reconciler) Unwatch(kind types.Kind) error {
	r.mu.Lock()
	w, ok := r.watches[kind]
	if ok {
		delete(r.watches, kind)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return w.stop(r.log)
}

// Close stops every live query. Later calls to Watch return ErrClosed.
// Close is idempotent.
func (r *Reconciler) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	watches := r.watches
	r.watches = make(map[types.Kind]*watch)
	r.mu.Unlock()

	var errs []error
	for _, w := range watches {
		if err := w.stop(r.log); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Status reports the state of the kind's live query.
func (r *Reconciler) Status(kind types.Kind) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.watches[kind]; ok {
		return w.status
	}
	return StatusIdle
}

// Err returns the error that degraded the kind, if any.
func (r *Reconciler) Err(kind types.Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.watches[kind]; ok {
		return w.err
	}
	return nil
}

// Ready returns a channel closed once the kind's first snapshot has been
// applied. It returns nil for a kind that is not watched.
func (r *Reconciler) Ready(kind types.Kind) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.watches[kind]; ok {
		return w.ready
	}
	return nil
}

// Watched lists the kinds with an open live query.
func (r *Reconciler) Watched() []types.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Kind, 0, len(r.watches))
	for _, k := range types.Kinds {
		if _, ok := r.watches[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

func (w *watch) stop(log logrus.FieldLogger) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	q := w.query
	w.query = nil
	w.mu.Unlock()

	if q == nil {
		return nil
	}
	if err := q.Stop(); err != nil {
		log.WithField("kind", w.kind).WithError(err).Warn("stopping live query")
		return fmt.Errorf("stopping %s live query: %w", w.kind, err)
	}
	log.WithField("kind", w.kind).Debug("live query stopped")
	return nil
}

// handler applies pushes for one watch.
type handler struct {
	r *Reconciler
	w *watch
}

// OnSnapshot commits the push while holding w.mu, so stop never returns
// between the stopped check and the write, and notifies store listeners
// after releasing it. Listeners may therefore stop this watch.
func (h *handler) OnSnapshot(records []types.Record) {
	w := h.w
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}

	schema, _ := types.SchemaFor(w.kind)
	accepted := make([]types.Record, 0, len(records))
	for _, rec := range records {
		if h.r.owner != "" && rec.Owner != "" && rec.Owner != h.r.owner {
			h.r.log.WithFields(logrus.Fields{
				"kind": w.kind,
				"id":   rec.ID,
			}).Warn("dropping record owned by another user")
			continue
		}
		rec.Fields = schema.Hydrate(rec.Fields)
		rec.ProvisionalID = ""
		accepted = append(accepted, rec)
	}

	notify := h.r.store.ReplaceDeferred(w.kind, accepted)
	h.r.setStatus(w, StatusLive, nil)
	w.mu.Unlock()

	w.readyOnce.Do(func() { close(w.ready) })
	metrics.RecordSnapshotApplied(w.kind.String(), len(accepted))
	notify()
}

func (h *handler) OnError(err error) {
	w := h.w
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	subErr := asSubscriptionError(w.kind, err)
	h.r.setStatus(w, StatusDegraded, subErr)
	w.mu.Unlock()

	metrics.RecordSubscriptionError(w.kind.String())
	h.r.log.WithField("kind", w.kind).WithError(err).Warn("live query failed")
	if h.r.onError != nil {
		h.r.onError(subErr)
	}
}

func (r *Reconciler) setStatus(w *watch, status Status, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w.status = status
	w.err = err
}

func asSubscriptionError(kind types.Kind, err error) *types.SubscriptionError {
	var subErr *types.SubscriptionError
	if errors.As(err, &subErr) {
		return subErr
	}
	return &types.SubscriptionError{Kind: kind, Err: err}
}
