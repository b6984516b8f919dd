// SPDX-License-Identifier: AGPL-3.0-or-later
// hwmgr - distributed hardware cluster membership and liveness manager
// Copyright (C) 2024 anshulthakur

// Package ha implements the HA Role Resolver: active/passive pairing
// within a group, run on each remote-node arrival. No pairing pass runs at
// configuration load.
package ha

import (
	"sort"
	"sync"

	"github.com/anshulthakur/hwmgr/internal/model"
	"github.com/anshulthakur/hwmgr/internal/notify"
	"github.com/anshulthakur/hwmgr/internal/transport"
	"github.com/anshulthakur/hwmgr/internal/wire"
)

// candidate pairs a node with the location it was found under, so the
// resolver can tie-break by (location_index, node_index) without the node
// record needing to know its own location.
type candidate struct {
	location uint32
	node     *model.Node
}

func (c candidate) less(other candidate) bool {
	if c.location != other.location {
		return c.location < other.location
	}
	return c.node.Index < other.node.Index
}

// Resolver owns no state of its own beyond a mutex serializing resolution
// passes against concurrent remote-node arrivals; all durable state lives
// on the Node records themselves.
type Resolver struct {
	mu       sync.Mutex
	registry *model.Registry
	notify   *notify.Engine
}

func NewResolver(registry *model.Registry, notify *notify.Engine) *Resolver {
	return &Resolver{registry: registry, notify: notify}
}

// ResolveGroup scans every known node in group across all locations and
// pairs the unique desired-ACTIVE/desired-PASSIVE pair, if one exists.
// Calls happen on each remote-node arrival (the cluster Handler is the
// only caller); no call is made at configuration load, and no HA timer
// delays the first one.
func (r *Resolver) ResolveGroup(group uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var actives, passives []candidate
	for _, loc := range r.registry.Locations() {
		for _, n := range loc.Nodes() {
			if n.Group != group {
				continue
			}
			switch n.DesiredRole {
			case model.RoleActive:
				actives = append(actives, candidate{location: loc.Index, node: n})
			case model.RolePassive:
				passives = append(passives, candidate{location: loc.Index, node: n})
			}
		}
	}

	winnerActive := tieBreak(actives)
	winnerPassive := tieBreak(passives)
	r.demoteLosers(actives, winnerActive)
	r.demoteLosers(passives, winnerPassive)

	if winnerActive == nil || winnerPassive == nil {
		return
	}

	r.pair(*winnerActive, *winnerPassive)
}

// tieBreak returns the deterministic winner among same-role candidates —
// the one with the lexicographically smallest (location_index, node_index)
// — or nil if the list is empty. A single candidate is trivially its own
// winner.
func tieBreak(cands []candidate) *candidate {
	if len(cands) == 0 {
		return nil
	}
	sorted := make([]candidate, len(cands))
	copy(sorted, cands)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].less(sorted[j]) })
	return &sorted[0]
}

// demoteLosers sets every non-winning candidate's current role to NONE
// and clears its partner: a tie-break loser is demoted and left
// unpaired rather than left at its prior role.
func (r *Resolver) demoteLosers(cands []candidate, winner *candidate) {
	for _, c := range cands {
		if winner != nil && c.node == winner.node {
			continue
		}
		if c.node.CurrentRole == model.RoleNone && c.node.Partner == nil {
			continue
		}
		c.node.CurrentRole = model.RoleNone
		c.node.Partner = nil
	}
}

func (r *Resolver) pair(active, passive candidate) {
	if active.node.Partner != nil && *active.node.Partner == passive.node.Index &&
		passive.node.Partner != nil && *passive.node.Partner == active.node.Index &&
		active.node.CurrentRole == model.RoleActive && passive.node.CurrentRole == model.RolePassive {
		return // already paired; avoid redundant role-update spam
	}

	activeIdx := active.node.Index
	passiveIdx := passive.node.Index
	active.node.Partner = &passiveIdx
	passive.node.Partner = &activeIdx
	active.node.CurrentRole = model.RoleActive
	passive.node.CurrentRole = model.RolePassive

	r.emitRoleChange(active.node, passive.node)
	r.emitRoleChange(passive.node, active.node)
}

// emitRoleChange delivers the role-update notification only to the
// affected node itself, on the affected node's own transport. The
// AddrInfo names the partner's location, node index and group; its
// address and port fields are left zero.
func (r *Resolver) emitRoleChange(affected, partner *model.Node) {
	addr := wire.AddrInfo{
		HWIndex: partner.ParentLocation,
		NodeID:  partner.Index,
		Group:   partner.Group,
		Role:    uint8(partner.CurrentRole),
	}
	r.notify.NotifyRoleChange(transport.Handle(affected.Transport), affected.CurrentRole, wire.Header{}, addr)
}
