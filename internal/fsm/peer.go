// SPDX-License-Identifier: AGPL-3.0-or-later
// hwmgr - distributed hardware cluster membership and liveness manager
// Copyright (C) 2024 anshulthakur

// Package fsm implements the Peer (Location) and Node liveness state
// machines as pure transition tables: a (state, input) pair maps to a next
// state or is rejected. Side effects (sending frames, arming timers,
// updating the entity model) are the caller's responsibility — the cluster
// and node-facing handlers drive these tables and perform the effects the
// spec attaches to each transition.
package fsm

import (
	"errors"

	"github.com/anshulthakur/hwmgr/internal/model"
)

// ErrInvalidTransition is returned when an input is not accepted in the
// current state. Callers treat this as a protocol violation (log + drop),
// never as a fatal invariant breach.
var ErrInvalidTransition = errors.New("fsm: invalid transition")

// PeerInput is a Peer (Location) FSM input.
type PeerInput int

const (
	PeerConnect PeerInput = iota
	PeerInitRcvd
	PeerTimerPop
	PeerTimeout
	PeerClose
	PeerReplayDone
	PeerFail
)

func (i PeerInput) String() string {
	switch i {
	case PeerConnect:
		return "CONNECT"
	case PeerInitRcvd:
		return "INIT_RCVD"
	case PeerTimerPop:
		return "TIMER_POP"
	case PeerTimeout:
		return "TIMEOUT"
	case PeerClose:
		return "CLOSE"
	case PeerReplayDone:
		return "REPLAY_DONE"
	case PeerFail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// peerTable[state][input] = next state. Absent entries are invalid.
var peerTable = map[model.LocationState]map[PeerInput]model.LocationState{
	model.LocationNull: {
		PeerConnect:  model.LocationConnecting,
		PeerInitRcvd: model.LocationActive, // unsolicited peer INIT on an unknown socket
	},
	model.LocationConnecting: {
		PeerInitRcvd: model.LocationInit,
		PeerFail:     model.LocationFailing,
		PeerClose:    model.LocationFailed,
	},
	model.LocationInit: {
		PeerInitRcvd:   model.LocationActive,
		PeerReplayDone: model.LocationActive,
		PeerFail:       model.LocationFailing,
		PeerClose:      model.LocationFailed,
	},
	model.LocationActive: {
		PeerInitRcvd: model.LocationActive, // replay request from an already-active peer
		PeerTimerPop: model.LocationActive,
		PeerTimeout:  model.LocationFailing,
		PeerFail:     model.LocationFailing,
		PeerClose:    model.LocationFailed,
	},
	model.LocationFailing: {
		PeerTimeout: model.LocationFailed,
		PeerFail:    model.LocationFailed,
		PeerClose:   model.LocationFailed,
	},
	model.LocationFailed: {
		PeerConnect: model.LocationConnecting, // re-discovery after a later beacon
	},
}

// PeerTransition returns the next Peer FSM state for (state, input), or
// ErrInvalidTransition if the input is not accepted in that state.
func PeerTransition(state model.LocationState, input PeerInput) (model.LocationState, error) {
	inputs, ok := peerTable[state]
	if !ok {
		return state, ErrInvalidTransition
	}
	next, ok := inputs[input]
	if !ok {
		return state, ErrInvalidTransition
	}
	return next, nil
}
