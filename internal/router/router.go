// Package router dispatches webhook events to registered callbacks.
//
// Callbacks are bound either to an event kind ("push") or to a kind plus
// an object_attributes value ("Pipeline Hook", status=failed). Dispatch
// runs callbacks in registration order; one callback failing never stops
// the rest.
package router

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/llnl/hubcast/internal/event"
)

// Callback handles a single event. Env carries the per-request
// collaborators (forge clients, resolved user) the ingress built.
type Callback[Env any] func(ctx context.Context, ev *event.Event, env Env) error

// Router is a two-level routing registry keyed by event kind.
type Router[Env any] struct {
	shallow map[string][]Callback[Env]

	// kind -> attribute -> value -> callbacks, matched against the
	// event's object_attributes. attrOrder keeps attribute matching in
	// registration order so dispatch is deterministic.
	deep      map[string]map[string]map[string][]Callback[Env]
	attrOrder map[string][]string

	log *slog.Logger
}

// New returns an empty router.
func New[Env any](log *slog.Logger) *Router[Env] {
	if log == nil {
		log = slog.Default()
	}
	return &Router[Env]{
		shallow:   make(map[string][]Callback[Env]),
		deep:      make(map[string]map[string]map[string][]Callback[Env]),
		attrOrder: make(map[string][]string),
		log:       log,
	}
}

// Register binds a callback to every event of the given kind.
func (r *Router[Env]) Register(kind string, cb Callback[Env]) {
	r.shallow[kind] = append(r.shallow[kind], cb)
}

// RegisterAttr binds a callback to events of the given kind whose
// object_attributes[attr] equals value.
func (r *Router[Env]) RegisterAttr(kind, attr, value string, cb Callback[Env]) {
	byAttr, ok := r.deep[kind]
	if !ok {
		byAttr = make(map[string]map[string][]Callback[Env])
		r.deep[kind] = byAttr
	}
	byValue, ok := byAttr[attr]
	if !ok {
		byValue = make(map[string][]Callback[Env])
		byAttr[attr] = byValue
		r.attrOrder[kind] = append(r.attrOrder[kind], attr)
	}
	byValue[value] = append(byValue[value], cb)
}

// Dispatch invokes every callback matching the event. Errors and panics
// from callbacks are logged and swallowed so remaining callbacks still
// run; they never propagate to the HTTP handler.
func (r *Router[Env]) Dispatch(ctx context.Context, ev *event.Event, env Env) {
	callbacks := r.match(ev)

	for _, cb := range callbacks {
		if err := r.invoke(ctx, ev, env, cb); err != nil {
			r.log.Error("event callback failed",
				"event", ev.Kind,
				"delivery_id", ev.DeliveryID,
				"error", err,
			)
		}
	}
}

func (r *Router[Env]) match(ev *event.Event) []Callback[Env] {
	var callbacks []Callback[Env]
	callbacks = append(callbacks, r.shallow[ev.Kind]...)

	byAttr, ok := r.deep[ev.Kind]
	if !ok {
		return callbacks
	}
	attrs := ev.ObjectAttributes()
	if !attrs.Exists() {
		return callbacks
	}

	for _, attr := range r.attrOrder[ev.Kind] {
		v := attrs.Get(attr)
		if !v.Exists() {
			continue
		}
		callbacks = append(callbacks, byAttr[attr][v.String()]...)
	}
	return callbacks
}

func (r *Router[Env]) invoke(ctx context.Context, ev *event.Event, env Env, cb Callback[Env]) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("callback panic: %v", p)
		}
	}()
	return cb(ctx, ev, env)
}
