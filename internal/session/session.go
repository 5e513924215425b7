// Package session wires the sync core for one signed-in user: the record
// store, the subscription reconciler, the mutation coordinator and the
// view projections, all scoped to the user's identity.
package session

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/almanac/internal/mutation"
	"github.com/mesh-intelligence/almanac/internal/reconciler"
	"github.com/mesh-intelligence/almanac/internal/store"
	"github.com/mesh-intelligence/almanac/internal/view"
	"github.com/mesh-intelligence/almanac/pkg/types"
)

// Session is the presentation layer's handle on the sync core.
type Session struct {
	identity types.Identity
	store    *store.Store
	rec      *reconciler.Reconciler
	coord    *mutation.Coordinator
	log      logrus.FieldLogger

	optimistic bool
	onSignOut  func() error
	onSubError func(*types.SubscriptionError)

	mu        sync.Mutex
	signedOut bool
	views     []*view.Projection
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger shared by every component of the session.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Session) {
		if log != nil {
			s.log = log
		}
	}
}

// WithOptimistic enables optimistic updates of cached records.
func WithOptimistic(enabled bool) Option {
	return func(s *Session) { s.optimistic = enabled }
}

// OnSignOut sets the hook run once by SignOut after the core is torn down,
// typically the authentication collaborator's sign-out action.
func OnSignOut(fn func() error) Option {
	return func(s *Session) { s.onSignOut = fn }
}

// OnSubscriptionError sets the callback for live queries that fail.
func OnSubscriptionError(fn func(*types.SubscriptionError)) Option {
	return func(s *Session) { s.onSubError = fn }
}

// New starts a session for identity over remote. Nothing is watched until
// Watch is called.
func New(identity types.Identity, remote types.RemoteService, opts ...Option) (*Session, error) {
	if identity.Subject == "" {
		return nil, types.ErrNoOwner
	}
	if remote == nil {
		return nil, errors.New("session requires a remote service")
	}
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	s := &Session{identity: identity, log: discard}
	for _, opt := range opts {
		opt(s)
	}

	log := s.log.WithField("owner", identity.Subject)
	s.store = store.New(store.WithLogger(log))
	recOpts := []reconciler.Option{
		reconciler.WithLogger(log),
		reconciler.WithOwner(identity.Subject),
	}
	if s.onSubError != nil {
		recOpts = append(recOpts, reconciler.OnError(s.onSubError))
	}
	s.rec = reconciler.New(remote, s.store, recOpts...)
	s.coord = mutation.New(remote, s.store,
		mutation.WithLogger(log),
		mutation.WithOptimistic(s.optimistic),
	)
	log.Debug("session started")
	return s, nil
}

// Identity returns the signed-in user.
func (s *Session) Identity() types.Identity {
	return s.identity
}

// Store returns the session's record store.
func (s *Session) Store() *store.Store {
	return s.store
}

func (s *Session) active() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signedOut {
		return types.ErrSignedOut
	}
	return nil
}

// Watch starts live queries for kinds. Every kind is attempted; the errors
// of those that failed are joined.
func (s *Session) Watch(ctx context.Context, kinds ...types.Kind) error {
	if err := s.active(); err != nil {
		return err
	}
	var errs []error
	for _, kind := range kinds {
		if err := s.rec.Watch(ctx, kind); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Unwatch stops the live query for kind. The cached records stay.
func (s *Session) Unwatch(kind types.Kind) error {
	if err := s.active(); err != nil {
		return err
	}
	return s.rec.Unwatch(kind)
}

// Status reports the live query state of kind.
func (s *Session) Status(kind types.Kind) reconciler.Status {
	return s.rec.Status(kind)
}

// Ready returns a channel closed once kind's first snapshot is applied, or
// nil if kind is not watched.
func (s *Session) Ready(kind types.Kind) <-chan struct{} {
	return s.rec.Ready(kind)
}

// Create sends a new record to the data service.
func (s *Session) Create(ctx context.Context, kind types.Kind, fields types.Fields) (types.Record, error) {
	if err := s.active(); err != nil {
		return types.Record{}, err
	}
	return s.coord.Create(ctx, kind, fields)
}

// Update changes fields of a record.
func (s *Session) Update(ctx context.Context, kind types.Kind, id string, fields types.Fields) (types.Record, error) {
	if err := s.active(); err != nil {
		return types.Record{}, err
	}
	return s.coord.Update(ctx, kind, id, fields)
}

// Delete removes a record.
func (s *Session) Delete(ctx context.Context, kind types.Kind, id string) error {
	if err := s.active(); err != nil {
		return err
	}
	return s.coord.Delete(ctx, kind, id)
}

// SetTaskStatus moves a task to status, maintaining completedAt.
func (s *Session) SetTaskStatus(ctx context.Context, id, status string) (types.Record, error) {
	if err := s.active(); err != nil {
		return types.Record{}, err
	}
	return s.coord.SetTaskStatus(ctx, id, status)
}

// View returns a live projection of kind through q. It is closed by
// SignOut if the caller has not closed it before.
func (s *Session) View(kind types.Kind, q view.Query) (*view.Projection, error) {
	if !kind.Valid() {
		return nil, types.ErrUnknownKind
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signedOut {
		return nil, types.ErrSignedOut
	}
	p, err := view.NewProjection(s.store, kind, q)
	if err != nil {
		return nil, err
	}
	s.views = append(s.views, p)
	return p, nil
}

// SignOut stops every live query, closes the projections and the store and
// then runs the sign-out hook. Later calls do nothing.
func (s *Session) SignOut() error {
	s.mu.Lock()
	if s.signedOut {
		s.mu.Unlock()
		return nil
	}
	s.signedOut = true
	views := s.views
	s.views = nil
	s.mu.Unlock()

	closeErr := s.rec.Close()
	for _, p := range views {
		p.Close()
	}
	s.store.Close()

	var hookErr error
	if s.onSignOut != nil {
		hookErr = s.onSignOut()
	}
	s.log.WithField("owner", s.identity.Subject).Info("signed out")
	return errors.Join(closeErr, hookErr)
}

// SignedOut reports whether SignOut has run.
func (s *Session) SignedOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signedOut
}
