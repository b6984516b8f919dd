// SPDX-License-Identifier: AGPL-3.0-or-later
// hwmgr - distributed hardware cluster membership and liveness manager
// Copyright (C) 2024 anshulthakur

package model

import "github.com/puzpuzpuz/xsync/v4"

// GlobalKey identifies a global row. For RowLocation, NodeIndex/PID are
// unused; for RowNode, only NodeIndex is used; RowProcess uses the full
// ProcessKey triple. Kept as one comparable struct so a single map can
// hold all three kinds.
type GlobalKey struct {
	Kind     RowKind
	Location uint32
	ProcessKey
}

// GlobalRow is the index-side mirror of a Location/Node/Process: the sole
// subject of subscriptions and notifications, so that subscribers can
// reference local and remote entities identically. The canonical record
// (Location/Node/Process) holds the data; this holds the status + identity.
type GlobalRow struct {
	Key    GlobalKey
	Status Status
	Role   Role

	// Subscription is set once a subscription row is attached to this
	// global row (by the subscription engine); nil until then.
	Subscription interface{}
}

// Registry is the application context's entity store: every global row and
// every canonical Location record, addressed by key rather than pointer, so
// that components hold ids and resolve through the registry instead of
// cyclic pointers.
type Registry struct {
	LocalLocation uint32

	locations *xsync.Map[uint32, *Location]
	globals   *xsync.Map[GlobalKey, *GlobalRow]
}

func NewRegistry(localLocation uint32) *Registry {
	return &Registry{
		LocalLocation: localLocation,
		locations:     xsync.NewMap[uint32, *Location](),
		globals:       xsync.NewMap[GlobalKey, *GlobalRow](),
	}
}

func (r *Registry) AddLocation(l *Location) {
	r.locations.Store(l.Index, l)
	r.UpsertGlobal(GlobalKey{Kind: RowLocation, Location: l.Index}, StatusInactive, RoleNone)
}

func (r *Registry) Location(index uint32) (*Location, bool) {
	return r.locations.Load(index)
}

func (r *Registry) Locations() []*Location {
	out := make([]*Location, 0, r.locations.Size())
	r.locations.Range(func(_ uint32, l *Location) bool {
		out = append(out, l)
		return true
	})
	return out
}

func (r *Registry) Local() (*Location, bool) {
	return r.Location(r.LocalLocation)
}

// UpsertGlobal creates a global row if absent, per invariant 1 (a global
// row exists iff its canonical record has been added and not removed), and
// otherwise overwrites the existing row's status and role.
func (r *Registry) UpsertGlobal(key GlobalKey, status Status, role Role) *GlobalRow {
	row, loaded := r.globals.LoadOrCompute(key, func() (*GlobalRow, bool) {
		return &GlobalRow{Key: key, Status: status, Role: role}, false
	})
	if loaded {
		row.Status = status
		row.Role = role
	}
	return row
}

func (r *Registry) Global(key GlobalKey) (*GlobalRow, bool) {
	return r.globals.Load(key)
}

func (r *Registry) RemoveGlobal(key GlobalKey) {
	r.globals.Delete(key)
}

// NodeGlobalKey builds the key for a node's global row.
func NodeGlobalKey(location, node uint32) GlobalKey {
	return GlobalKey{Kind: RowNode, Location: location, ProcessKey: ProcessKey{NodeIndex: node}}
}

// ProcessGlobalKey builds the key for a process's global row. Always
// requires the full (type, node_index, pid) triple at the call site:
// there is no way to call this without all three fields, so no insert
// path can key a process row ambiguously.
func ProcessGlobalKey(location uint32, pk ProcessKey) GlobalKey {
	return GlobalKey{Kind: RowProcess, Location: location, ProcessKey: pk}
}

func LocationGlobalKey(location uint32) GlobalKey {
	return GlobalKey{Kind: RowLocation, Location: location}
}
