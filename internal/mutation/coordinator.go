// Package mutation sends create, update and delete requests to the data
// service on behalf of the client.
//
// Inputs are validated against the record schema before anything is sent.
// Successful creates and deletes become visible when the data service's
// confirming push reaches the record store; the coordinator never inserts
// new records itself. Updates may optionally be applied to the store ahead
// of the response, tagged as provisional, and are restored if the request
// fails.
package mutation

import (
	"context"
	"io"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/almanac/internal/metrics"
	"github.com/mesh-intelligence/almanac/internal/store"
	"github.com/mesh-intelligence/almanac/pkg/types"
)

// Operation names used in errors, logs and metrics.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Coordinator executes mutations against a remote service.
type Coordinator struct {
	remote     types.RemoteService
	store      *store.Store
	log        logrus.FieldLogger
	optimistic bool
	now        func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Coordinator) {
		if log != nil {
			c.log = log
		}
	}
}

// WithOptimistic enables provisional store writes for updates.
func WithOptimistic(enabled bool) Option {
	return func(c *Coordinator) {
		c.optimistic = enabled
	}
}

// WithClock sets the time source used for completedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a Coordinator. st is only written when optimistic updates are
// enabled.
func New(remote types.RemoteService, st *store.Store, opts ...Option) *Coordinator {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	c := &Coordinator{
		remote: remote,
		store:  st,
		log:    discard,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create validates fields, applies defaults and sends the create. The
// returned record is the data service's response; the store is not touched.
func (c *Coordinator) Create(ctx context.Context, kind types.Kind, fields types.Fields) (types.Record, error) {
	schema, err := types.SchemaFor(kind)
	if err != nil {
		return types.Record{}, &types.ValidationError{Kind: kind, Reason: err.Error()}
	}
	normalized, err := schema.ValidateCreate(fields)
	if err != nil {
		return types.Record{}, err
	}
	for name, v := range normalized {
		if v == nil {
			delete(normalized, name)
		}
	}
	normalized = schema.ApplyDefaults(normalized)
	if err := c.createPolicy(kind, normalized); err != nil {
		return types.Record{}, err
	}

	log := c.log.WithFields(logrus.Fields{"op": OpCreate, "kind": kind})
	start := time.Now()
	rec, err := c.remote.Create(ctx, kind, normalized)
	metrics.RecordMutation(OpCreate, kind.String(), time.Since(start), err)
	if err != nil {
		log.WithError(err).Warn("create failed")
		return types.Record{}, &types.RemoteRequestError{Op: OpCreate, Kind: kind, Err: err}
	}
	log.WithField("id", rec.ID).Debug("created")
	rec.Fields = schema.Hydrate(rec.Fields)
	return rec, nil
}

// Update validates a partial update, applies the status policy and sends
// it. Fields not named are left unchanged; nil clears a field.
func (c *Coordinator) Update(ctx context.Context, kind types.Kind, id string, fields types.Fields) (types.Record, error) {
	schema, err := types.SchemaFor(kind)
	if err != nil {
		return types.Record{}, &types.ValidationError{Kind: kind, Reason: err.Error()}
	}
	if id == "" {
		return types.Record{}, &types.ValidationError{Kind: kind, Field: types.FieldNameID, Reason: "required"}
	}
	normalized, err := schema.ValidateUpdate(fields)
	if err != nil {
		return types.Record{}, err
	}
	if err := c.updatePolicy(kind, normalized); err != nil {
		return types.Record{}, err
	}

	log := c.log.WithFields(logrus.Fields{"op": OpUpdate, "kind": kind, "id": id})

	var (
		tag   string
		prior types.Record
	)
	if c.optimistic {
		// A record with an update already in flight keeps that update's
		// copy; this one becomes visible with its response or push.
		candidate := ulid.Make().String()
		now := c.now().UTC()
		cached, ok := c.store.MarkProvisional(kind, id, candidate, func(r types.Record) types.Record {
			r = r.Merge(normalized)
			r.UpdatedAt = now
			return r
		})
		if ok {
			prior, tag = cached, candidate
			log.WithField("provisional", tag).Debug("applied optimistic update")
		} else {
			log.Debug("optimistic update skipped")
		}
	}

	start := time.Now()
	rec, err := c.remote.Update(ctx, kind, id, normalized)
	metrics.RecordMutation(OpUpdate, kind.String(), time.Since(start), err)
	if err != nil {
		if tag != "" && c.store.CompareAndRestore(kind, id, tag, &prior) {
			metrics.RecordRollback(kind.String())
			log.WithField("provisional", tag).Debug("rolled back optimistic update")
		}
		log.WithError(err).Warn("update failed")
		return types.Record{}, &types.RemoteRequestError{Op: OpUpdate, Kind: kind, ID: id, Err: err}
	}

	rec.Fields = schema.Hydrate(rec.Fields)
	if tag != "" {
		// The response is authoritative; replace our copy unless a push
		// already did.
		c.store.CompareAndRestore(kind, id, tag, &rec)
	}
	log.Debug("updated")
	return rec, nil
}

// Delete sends a delete. The record leaves the store when the confirming
// push arrives.
func (c *Coordinator) Delete(ctx context.Context, kind types.Kind, id string) error {
	if !kind.Valid() {
		return &types.ValidationError{Kind: kind, Reason: types.ErrUnknownKind.Error()}
	}
	if id == "" {
		return &types.ValidationError{Kind: kind, Field: types.FieldNameID, Reason: "required"}
	}

	log := c.log.WithFields(logrus.Fields{"op": OpDelete, "kind": kind, "id": id})
	start := time.Now()
	err := c.remote.Delete(ctx, kind, id)
	metrics.RecordMutation(OpDelete, kind.String(), time.Since(start), err)
	if err != nil {
		log.WithError(err).Warn("delete failed")
		return &types.RemoteRequestError{Op: OpDelete, Kind: kind, ID: id, Err: err}
	}
	log.Debug("deleted")
	return nil
}

// SetTaskStatus updates a task's status; completedAt follows the status
// policy.
func (c *Coordinator) SetTaskStatus(ctx context.Context, id, status string) (types.Record, error) {
	return c.Update(ctx, types.KindTask, id, types.Fields{"status": status})
}
