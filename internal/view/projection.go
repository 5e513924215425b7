package view

import (
	"sync"

	"github.com/mesh-intelligence/almanac/internal/store"
	"github.com/mesh-intelligence/almanac/pkg/types"
)

// Projection keeps a query's output current for one kind. It recomputes on
// every store notification and memoizes by store version, so reads between
// changes cost a copy.
type Projection struct {
	store    *store.Store
	kind     types.Kind
	compiled *Compiled

	mu          sync.Mutex
	version     uint64
	computed    bool
	out         []types.Record
	err         error
	listeners   map[int]func([]types.Record, error)
	nextID      int
	closed      bool
	unsubscribe func()
}

// NewProjection compiles q and subscribes to st for kind.
func NewProjection(st *store.Store, kind types.Kind, q Query) (*Projection, error) {
	compiled, err := Compile(q)
	if err != nil {
		return nil, err
	}
	p := &Projection{
		store:     st,
		kind:      kind,
		compiled:  compiled,
		listeners: make(map[int]func([]types.Record, error)),
	}
	p.unsubscribe = st.Subscribe(kind, p.onChange)
	return p, nil
}

func (p *Projection) onChange(c store.Change) {
	p.mu.Lock()
	if p.closed || (p.computed && c.Version <= p.version) {
		p.mu.Unlock()
		return
	}
	p.out, p.err = p.compiled.Apply(c.Records)
	p.version = c.Version
	p.computed = true
	out, err := cloneAll(p.out), p.err
	listeners := make([]func([]types.Record, error), 0, len(p.listeners))
	for _, fn := range p.listeners {
		listeners = append(listeners, fn)
	}
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(cloneAll(out), err)
	}
}

// Records returns the current projection. The result is recomputed only if
// the store changed since the last computation.
func (p *Projection) Records() ([]types.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return []types.Record{}, nil
	}
	version := p.store.Version(p.kind)
	if !p.computed || version != p.version {
		p.out, p.err = p.compiled.Apply(p.store.Snapshot(p.kind))
		p.version = version
		p.computed = true
	}
	return cloneAll(p.out), p.err
}

// OnChange registers fn to receive each recomputed projection. The returned
// function removes it.
func (p *Projection) OnChange(fn func([]types.Record, error)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || fn == nil {
		return func() {}
	}
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.listeners, id)
	}
}

// Close unsubscribes from the store. Close is idempotent.
func (p *Projection) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.listeners = nil
	unsubscribe := p.unsubscribe
	p.mu.Unlock()
	unsubscribe()
}

func cloneAll(records []types.Record) []types.Record {
	if records == nil {
		return nil
	}
	out := make([]types.Record, len(records))
	for i, r := range records {
		out[i] = r.Clone()
	}
	return out
}
