// SPDX-License-Identifier: AGPL-3.0-or-later
// hwmgr - distributed hardware cluster membership and liveness manager
// Copyright (C) 2024 anshulthakur

package config

import (
	"github.com/anshulthakur/hwmgr/internal/model"
	"github.com/anshulthakur/hwmgr/internal/sub"
)

// subKind maps a configured subscription type onto the subscription
// engine's table-kind axis.
func (t SubscriptionType) subKind() sub.Kind {
	switch t {
	case SubscriptionTypeProcess:
		return sub.KindProcess
	case SubscriptionTypeInterface:
		return sub.KindInterface
	default:
		return sub.KindGroup
	}
}

func (r NodeRole) modelRole() model.Role {
	if r == NodeRolePassive {
		return model.RolePassive
	}
	return model.RoleActive
}

// Millis returns p's value normalized to milliseconds.
func (p Period) Millis() uint32 {
	if p.Resolution == PeriodResolutionSeconds {
		const msPerSecond = 1000
		return p.Value * msPerSecond
	}
	return p.Value
}

// Bootstrap builds this instance's own Location record (and its
// statically-configured nodes) from the parsed document, registers it in
// registry, and installs every node's static <subscriptions> into subs.
// Remote locations are not created here: they are discovered from
// cluster beacons, not configuration.
func (d *Document) Bootstrap(registry *model.Registry, subs *sub.Engine) *model.Location {
	loc := model.NewLocation(d.Instance.Index)
	registry.AddLocation(loc)

	for _, cn := range d.Instance.Nodes {
		node := model.NewNode(cn.Index, cn.Group, cn.Name, cn.Role.modelRole())
		loc.AddNode(node)

		gk := model.NodeGlobalKey(loc.Index, node.Index)
		for _, s := range cn.Subscriptions {
			subs.Subscribe(s.Type.subKind(), s.Value, gk, node.Index, 0, false)
		}
	}

	return loc
}
