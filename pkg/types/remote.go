package types

import "context"

// RemoteService is the data service contract the sync core consumes. Every
// operation is scoped to the authenticated owner by the implementation;
// callers never pass an owner.
type RemoteService interface {
	// Subscribe opens a live query for kind. The service pushes a full
	// snapshot of the owner's records of that kind once the query is
	// established and again after every change, until the returned
	// LiveQuery is stopped. Pushes for one live query are delivered in
	// order and never concurrently.
	Subscribe(ctx context.Context, kind Kind, handler SnapshotHandler) (LiveQuery, error)

	// Create stores a new record and returns it with its assigned ID and
	// system timestamps.
	Create(ctx context.Context, kind Kind, fields Fields) (Record, error)

	// Update replaces the given fields of an existing record. Fields not
	// named are left unchanged; nil values clear a field. The update is
	// atomic. Returns ErrNotFound if no such record is visible.
	Update(ctx context.Context, kind Kind, id string, fields Fields) (Record, error)

	// Delete removes a record. Returns ErrNotFound if no such record is
	// visible. Related records are not deleted.
	Delete(ctx context.Context, kind Kind, id string) error
}

// LiveQuery is a running subscription.
type LiveQuery interface {
	// Stop releases the live query. It is safe to call more than once and
	// from any state.
	Stop() error
}

// SnapshotHandler receives live query pushes.
type SnapshotHandler interface {
	// OnSnapshot receives the complete current record set for the kind.
	OnSnapshot(records []Record)

	// OnError reports that the stream failed. No further snapshots follow.
	OnError(err error)
}

// HandlerFuncs adapts a pair of functions to SnapshotHandler. Nil functions
// are ignored.
type HandlerFuncs struct {
	Snapshot func(records []Record)
	Error    func(err error)
}

// OnSnapshot implements SnapshotHandler.
func (h HandlerFuncs) OnSnapshot(records []Record) {
	if h.Snapshot != nil {
		h.Snapshot(records)
	}
}

// OnError implements SnapshotHandler.
func (h HandlerFuncs) OnError(err error) {
	if h.Error != nil {
		h.Error(err)
	}
}

// LiveQueryFunc adapts a function to LiveQuery.
type LiveQueryFunc func() error

// Stop implements LiveQuery.
func (f LiveQueryFunc) Stop() error {
	return f()
}

// Identity is the authenticated user as reported by the authentication
// collaborator. Subject is the owner scope of every record the user sees.
type Identity struct {
	Subject string
	Token   string
}
