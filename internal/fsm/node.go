// SPDX-License-Identifier: AGPL-3.0-or-later
// hwmgr - distributed hardware cluster membership and liveness manager
// Copyright (C) 2024 anshulthakur

package fsm

import "github.com/anshulthakur/hwmgr/internal/model"

// NodeInput is a Node FSM input.
type NodeInput int

const (
	NodeCreate NodeInput = iota
	NodeInit
	NodeData
	NodeTerm
	NodeClose
	NodeTimerPop
	NodeTimeout
	NodeFailed
	NodeActive
)

func (i NodeInput) String() string {
	switch i {
	case NodeCreate:
		return "CREATE"
	case NodeInit:
		return "INIT"
	case NodeData:
		return "DATA"
	case NodeTerm:
		return "TERM"
	case NodeClose:
		return "CLOSE"
	case NodeTimerPop:
		return "TIMER_POP"
	case NodeTimeout:
		return "TIMEOUT"
	case NodeFailed:
		return "FAILED"
	case NodeActive:
		return "ACTIVE"
	default:
		return "UNKNOWN"
	}
}

var nodeTable = map[model.NodeState]map[NodeInput]model.NodeState{
	model.NodeNull: {
		NodeCreate: model.NodeWaiting,
		// Remote nodes are synthesized directly into WAITING/ACTIVE from
		// REPLAY/NODE_UPDATE without a local CREATE.
		NodeInit:   model.NodeWaiting,
		NodeActive: model.NodeActive,
	},
	model.NodeWaiting: {
		NodeInit:    model.NodeWaiting, // stops timeout timer, arms keepalive
		NodeActive:  model.NodeActive,
		NodeTimeout: model.NodeFailing,
		NodeClose:   model.NodeFailed,
	},
	model.NodeActive: {
		NodeData:     model.NodeActive,
		NodeTimerPop: model.NodeActive,
		NodeTerm:     model.NodeFailing,
		NodeClose:    model.NodeFailing,
		NodeTimeout:  model.NodeFailing,
	},
	model.NodeFailing: {
		NodeFailed: model.NodeFailed,
		NodeClose:  model.NodeFailed,
	},
	model.NodeFailed: {
		NodeCreate: model.NodeWaiting, // node reconfigured/reconnected
		NodeInit:   model.NodeWaiting,
	},
}

// NodeTransition returns the next Node FSM state for (state, input).
func NodeTransition(state model.NodeState, input NodeInput) (model.NodeState, error) {
	inputs, ok := nodeTable[state]
	if !ok {
		return state, ErrInvalidTransition
	}
	next, ok := inputs[input]
	if !ok {
		return state, ErrInvalidTransition
	}
	return next, nil
}
