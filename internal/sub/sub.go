// SPDX-License-Identifier: AGPL-3.0-or-later
// hwmgr - distributed hardware cluster membership and liveness manager
// Copyright (C) 2024 anshulthakur

// Package sub implements the Subscription Engine: pending/active
// subscription tables, a wildcard list, cross-binding, and duplicate
// suppression.
package sub

import (
	"sync"

	"github.com/anshulthakur/hwmgr/internal/invariant"
	"github.com/anshulthakur/hwmgr/internal/model"
	"github.com/puzpuzpuz/xsync/v4"
)

// Kind mirrors the node-facing REGISTER frame's subscription_type — the
// axis subscription rows are keyed on, distinct from model.RowKind (which
// tags global rows; a subscription row may be pending with no global row
// yet attached).
type Kind uint8

const (
	KindGroup Kind = iota
	KindProcess
	KindInterface
)

// Key identifies a subscription row: (table_kind, value). value is a
// group id, a process type, or an interface type depending on Kind.
type Key struct {
	Kind  Kind
	Value uint32
}

// DualKind returns the subscription kind the opposite end of a cross-bind
// uses: a process-type subscriber cross-bound to a group also wants the
// group's subscriber list to learn of the process, and vice versa.
func (k Kind) DualKind() Kind {
	switch k {
	case KindGroup:
		return KindProcess
	case KindProcess:
		return KindGroup
	default:
		return k
	}
}

// Subscriber identifies who is to be notified. SubscriberPID distinguishes
// a node-local process subscriber from the group/interface row it is
// attached to; Transport is the weak transport reference used to route
// the NOTIFY frame.
type Subscriber struct {
	GlobalKey       model.GlobalKey
	Transport       uint64
	SubscriberPID   uint32
	LastProcessedID uint64
}

// Row is a subscription row. It lives in exactly one of the engine's
// pending or active trees (invariant 2), never both.
type Row struct {
	Key    Key
	Target *model.GlobalRow // nil while pending

	mu          sync.Mutex
	subscribers []*Subscriber
}

func newRow(key Key) *Row {
	return &Row{Key: key}
}

// Subscribers returns a snapshot of the row's subscriber list.
func (r *Row) Subscribers() []*Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Subscriber, len(r.subscribers))
	copy(out, r.subscribers)
	return out
}

func (r *Row) find(gk model.GlobalKey) *Subscriber {
	for _, s := range r.subscribers {
		if s.GlobalKey == gk {
			return s
		}
	}
	return nil
}

// SubscribeResult distinguishes a fresh insert from the spec's non-fatal
// duplicate outcome.
type SubscribeResult int

const (
	Subscribed SubscribeResult = iota
	Duplicate
)

// wildcard is a wildcard subscriber entry (value==0 at Subscribe time):
// {subs_type, value, cross_bind, subscriber_global_row}.
type wildcard struct {
	kind      Kind
	value     uint32
	crossBind bool
	subscribe model.GlobalKey
}

// Engine holds the pending/active subscription trees and the wildcard
// list. One Engine per process; every method is safe for concurrent use
// from the Main Loop and from the cluster/node-facing handlers.
type Engine struct {
	mu        sync.Mutex
	pending   *xsync.Map[Key, *Row]
	active    *xsync.Map[Key, *Row]
	wildcards []wildcard
}

func NewEngine() *Engine {
	return &Engine{
		pending: xsync.NewMap[Key, *Row](),
		active:  xsync.NewMap[Key, *Row](),
	}
}

// lookup returns the row for key, preferring active over pending: a row
// promoted to active keeps answering lookups under its old pending key
// for any caller that has not yet observed the promotion.
func (e *Engine) lookup(key Key) (*Row, bool) {
	if row, ok := e.active.Load(key); ok {
		return row, true
	}
	return e.pending.Load(key)
}

// Subscribe installs subscriberRef as a subscriber of (kind, value).
// value==0 installs a wildcard: the subscriber is attached to every row of
// that kind that exists at that moment, and the wildcard entry is kept so
// the same subscriber cannot install it twice. Rows created later are not
// matched against stored wildcards. crossBind,
// when true, additionally makes this subscription bidirectional: a
// second row is created keyed on the subscriber's own identity (the dual
// kind, subscriberPID as value) and the original row's target — if
// already known — is attached to it as a subscriber. So group 11's
// membership change reaches subscriberPID the normal way, and a change
// on subscriberPID's own row reaches whatever is the target of group 11,
// rather than merely re-subscribing the same subscriber to a flipped
// kind. A target not yet known when Subscribe runs is not retroactively
// bound; cross-binding against a not-yet-created target is not supported.
func (e *Engine) Subscribe(kind Kind, value uint32, subscriberRef model.GlobalKey, subscriberPID uint32, transport uint64, crossBind bool) SubscribeResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if value == 0 {
		return e.subscribeWildcardLocked(kind, subscriberRef, subscriberPID, transport, crossBind)
	}

	row := e.rowLocked(kind, value)
	result := e.attach(row, subscriberRef, subscriberPID, transport)

	if crossBind && row.Target != nil {
		dual := e.rowLocked(kind.DualKind(), subscriberPID)
		e.attach(dual, row.Target.Key, 0, 0)
	}

	return result
}

func (e *Engine) subscribeWildcardLocked(kind Kind, subscriberRef model.GlobalKey, subscriberPID uint32, transport uint64, crossBind bool) SubscribeResult {
	for _, w := range e.wildcards {
		if w.kind == kind && w.subscribe == subscriberRef {
			return Duplicate
		}
	}
	e.wildcards = append(e.wildcards, wildcard{kind: kind, value: 0, crossBind: crossBind, subscribe: subscriberRef})

	scan := func(m *xsync.Map[Key, *Row]) {
		m.Range(func(k Key, row *Row) bool {
			if k.Kind != kind {
				return true
			}
			e.attach(row, subscriberRef, subscriberPID, transport)
			return true
		})
	}
	scan(e.pending)
	scan(e.active)
	return Subscribed
}

// rowLocked returns the row for (kind, value), creating a pending one if
// none exists yet. Caller must hold e.mu.
func (e *Engine) rowLocked(kind Kind, value uint32) *Row {
	key := Key{Kind: kind, Value: value}
	row, ok := e.lookup(key)
	if !ok {
		row = newRow(key)
		e.pending.Store(key, row)
	}
	return row
}

// attach appends subscriberRef to row, skipping self-subscription (a
// wildcard never installs itself as its own subscriber) and duplicates.
func (e *Engine) attach(row *Row, subscriberRef model.GlobalKey, subscriberPID uint32, transport uint64) SubscribeResult {
	row.mu.Lock()
	defer row.mu.Unlock()
	if row.Target != nil && row.Target.Key == subscriberRef {
		return Duplicate
	}
	if row.find(subscriberRef) != nil {
		return Duplicate
	}
	row.subscribers = append(row.subscribers, &Subscriber{
		GlobalKey:     subscriberRef,
		Transport:     transport,
		SubscriberPID: subscriberPID,
	})
	return Subscribed
}

// CreateSubscriptionEntry returns the row for (kind, value). An already
// active row is returned unchanged. Otherwise a pending row is created if
// absent and adopts target if it has none; a prior, different target
// means two distinct entities are claiming the same subscription key, an
// invariant breach that invariant.Assert turns into process exit.
func (e *Engine) CreateSubscriptionEntry(kind Kind, value uint32, target *model.GlobalRow) *Row {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := Key{Kind: kind, Value: value}
	if row, ok := e.active.Load(key); ok {
		return row
	}
	row, _ := e.pending.LoadOrCompute(key, func() (*Row, bool) {
		return newRow(key), false
	})
	if row.Target == nil {
		row.Target = target
	} else if target != nil {
		invariant.Assert(row.Target == target, "subscription row target mismatch",
			"kind", kind, "value", value, "existing", row.Target.Key, "incoming", target.Key)
	}
	if target != nil {
		target.Subscription = row
	}
	return row
}

// PromoteToActive migrates a row from pending to active, invoked when the
// subject entity first reports running/active. Subscribers already queued
// on the row begin receiving notifications from this point on.
func (e *Engine) PromoteToActive(key Key) (*Row, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	row, ok := e.pending.LoadAndDelete(key)
	if !ok {
		if row, ok = e.active.Load(key); ok {
			return row, true
		}
		return nil, false
	}
	e.active.Store(key, row)
	return row, true
}

// Row looks up a subscription row by key in either tree.
func (e *Engine) Row(key Key) (*Row, bool) {
	return e.lookup(key)
}

// IsActive reports whether key currently lives in the active tree.
func (e *Engine) IsActive(key Key) bool {
	_, ok := e.active.Load(key)
	return ok
}

// PruneOrphanedPending removes pending rows that have acquired no
// subscribers and no target: rows created by a create_subscription_entry
// call with no target that was never followed up, left behind
// when the subscriber that would have used them disconnected first.
// Returns the number of rows removed. Intended for the periodic
// maintenance sweep, not the hot path.
func (e *Engine) PruneOrphanedPending() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	var stale []Key
	e.pending.Range(func(k Key, row *Row) bool {
		row.mu.Lock()
		orphan := len(row.subscribers) == 0 && row.Target == nil
		row.mu.Unlock()
		if orphan {
			stale = append(stale, k)
		}
		return true
	})
	for _, k := range stale {
		e.pending.Delete(k)
	}
	return len(stale)
}

// PendingCount and ActiveCount report tree sizes, for metrics.
func (e *Engine) PendingCount() int { return e.pending.Size() }
func (e *Engine) ActiveCount() int  { return e.active.Size() }
