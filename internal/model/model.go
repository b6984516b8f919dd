// SPDX-License-Identifier: AGPL-3.0-or-later
// hwmgr - distributed hardware cluster membership and liveness manager
// Copyright (C) 2024 anshulthakur
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// Package model holds the Location/Node/Process/Interface entity records
// and their global index mirrors. Every record is owned by exactly one
// container; cross-references (partner, transport, parent) are weak and
// resolved through the owning registry rather than stored as pointers.
package model

import (
	"encoding/json"

	"github.com/puzpuzpuz/xsync/v4"
)

// Status is the RUNNING/ACTIVE-style snapshot carried by a global row.
type Status int

const (
	StatusDown Status = iota
	StatusInactive
	StatusActive
	StatusRunning
)

func (s Status) String() string {
	switch s {
	case StatusDown:
		return "DOWN"
	case StatusInactive:
		return "INACTIVE"
	case StatusActive:
		return "ACTIVE"
	case StatusRunning:
		return "RUNNING"
	default:
		return "UNKNOWN"
	}
}

// Role is a node's HA role.
type Role int

const (
	RoleNone Role = iota
	RoleActive
	RolePassive
)

func (r Role) String() string {
	switch r {
	case RoleActive:
		return "ACTIVE"
	case RolePassive:
		return "PASSIVE"
	default:
		return "NONE"
	}
}

// RowKind tags which canonical table a global row mirrors. Reimplements the
// source's first-field discriminator trick as a proper tagged variant.
type RowKind int

const (
	RowLocation RowKind = iota
	RowNode
	RowProcess
)

// ProcessKey is the triple that uniquely identifies a process across the
// cluster: two processes of the same type may coexist on different nodes,
// so the node index must always be part of the key.
type ProcessKey struct {
	Type      uint32
	NodeIndex uint32
	PID       uint32
}

// Interface is a leaf record attached to a process.
type Interface struct {
	IfType        uint32
	ParentProcess ProcessKey // weak reference
}

// Process is a unit of work hosted by a node.
type Process struct {
	Type    uint32
	PID     uint32
	Name    string
	Running bool
	Role    Role
	Partner *ProcessKey // weak reference, nil if unpaired
	Parent  uint32      // weak reference: owning node index

	Interfaces []Interface
}

func (p *Process) Key() ProcessKey {
	return ProcessKey{Type: p.Type, NodeIndex: p.Parent, PID: p.PID}
}

func (p *Process) String() string {
	b, _ := json.Marshal(p)
	return string(b)
}

// NodeState is the Node FSM's state, duplicated here on the record so other
// subsystems can read it without reaching into the FSM package.
type NodeState int

const (
	NodeNull NodeState = iota
	NodeWaiting
	NodeActive
	NodeFailing
	NodeFailed
)

func (s NodeState) String() string {
	switch s {
	case NodeWaiting:
		return "WAITING"
	case NodeActive:
		return "ACTIVE"
	case NodeFailing:
		return "FAILING"
	case NodeFailed:
		return "FAILED"
	default:
		return "NULL"
	}
}

// Node is an NBASE process hosted on a location.
type Node struct {
	Index              uint32
	Group              uint32
	DesiredRole        Role
	CurrentRole        Role
	Name               string
	FSMState           NodeState
	KeepalivePeriodMs  uint32
	KeepaliveMissed    uint32
	Partner            *uint32 // weak reference: paired node index
	Transport          uint64  // weak reference: transport handle, 0 if none
	ParentLocation      uint32  // weak reference

	processes *xsync.Map[ProcessKey, *Process]
}

func NewNode(index, group uint32, name string, desired Role) *Node {
	return &Node{
		Index:       index,
		Group:       group,
		DesiredRole: desired,
		Name:        name,
		FSMState:    NodeNull,
		processes:   xsync.NewMap[ProcessKey, *Process](),
	}
}

func (n *Node) AddProcess(p *Process) {
	p.Parent = n.Index
	n.processes.Store(p.Key(), p)
}

func (n *Node) Process(key ProcessKey) (*Process, bool) {
	return n.processes.Load(key)
}

func (n *Node) RemoveProcess(key ProcessKey) {
	n.processes.Delete(key)
}

// Processes returns a snapshot ordered is not guaranteed; callers sort by
// (type, pid) when order matters, per spec's process_table ordering.
func (n *Node) Processes() []*Process {
	out := make([]*Process, 0, n.processes.Size())
	n.processes.Range(func(_ ProcessKey, p *Process) bool {
		out = append(out, p)
		return true
	})
	return out
}

// ActiveProcessCount counts running processes under this node.
func (n *Node) ActiveProcessCount() int {
	count := 0
	n.processes.Range(func(_ ProcessKey, p *Process) bool {
		if p.Running {
			count++
		}
		return true
	})
	return count
}

func (n *Node) String() string {
	b, _ := json.Marshal(struct {
		Index    uint32
		Group    uint32
		Name     string
		FSMState string
		Role     string
	}{n.Index, n.Group, n.Name, n.FSMState.String(), n.CurrentRole.String()})
	return string(b)
}

// LocationState mirrors the Peer FSM's state on the record.
type LocationState int

const (
	LocationNull LocationState = iota
	LocationConnecting
	LocationInit
	LocationActive
	LocationFailing
	LocationFailed
)

func (s LocationState) String() string {
	switch s {
	case LocationConnecting:
		return "CONNECTING"
	case LocationInit:
		return "INIT"
	case LocationActive:
		return "ACTIVE"
	case LocationFailing:
		return "FAILING"
	case LocationFailed:
		return "FAILED"
	default:
		return "NULL"
	}
}

// Location is a hardware instance, the cluster-unique root of a node tree.
type Location struct {
	Index               uint32
	FSMState            LocationState
	KeepalivePeriodMs    uint32
	KeepaliveMissed      uint32
	TotalNodes           int
	ReplayInProgress     bool
	PeerListenTransport  uint64
	NodeListenTransport  uint64
	PeerBroadcastTransport uint64
	KeepaliveTimer       uint64 // timer handle, 0 if unarmed
	HATimer              uint64

	nodes *xsync.Map[uint32, *Node]
}

func NewLocation(index uint32) *Location {
	return &Location{
		Index:    index,
		FSMState: LocationNull,
		nodes:    xsync.NewMap[uint32, *Node](),
	}
}

func (l *Location) AddNode(n *Node) {
	n.ParentLocation = l.Index
	l.nodes.Store(n.Index, n)
	l.TotalNodes = l.nodes.Size()
}

func (l *Location) Node(index uint32) (*Node, bool) {
	return l.nodes.Load(index)
}

func (l *Location) Nodes() []*Node {
	out := make([]*Node, 0, l.nodes.Size())
	l.nodes.Range(func(_ uint32, n *Node) bool {
		out = append(out, n)
		return true
	})
	return out
}

// ActiveNodeCount counts nodes whose FSM state is ACTIVE, per invariant 3.
func (l *Location) ActiveNodeCount() int {
	count := 0
	l.nodes.Range(func(_ uint32, n *Node) bool {
		if n.FSMState == NodeActive {
			count++
		}
		return true
	})
	return count
}

// ActiveProcessCount sums ActiveProcessCount across all nodes.
func (l *Location) ActiveProcessCount() int {
	total := 0
	l.nodes.Range(func(_ uint32, n *Node) bool {
		total += n.ActiveProcessCount()
		return true
	})
	return total
}
