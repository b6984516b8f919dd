// SPDX-License-Identifier: AGPL-3.0-or-later
// hwmgr - distributed hardware cluster membership and liveness manager
// Copyright (C) 2024 anshulthakur

// Package mainloop implements the single-threaded cooperative event loop:
// one select over the transport's Events channel and the timer service's
// Pending channel, with every callback resolved to a Go method call at
// the top of the loop rather than invoked from inside a socket's or
// timer's own goroutine.
package mainloop

import (
	"context"
	"log/slog"

	"github.com/anshulthakur/hwmgr/internal/cluster"
	"github.com/anshulthakur/hwmgr/internal/node"
	"github.com/anshulthakur/hwmgr/internal/timer"
	"github.com/anshulthakur/hwmgr/internal/transport"
)

// beaconTick is the owner value stamped on the cluster-beacon timer this
// package creates itself; a distinct unexported type so a type switch on
// timer.Pop.Owner can never collide with a node index (a plain uint32,
// stamped by internal/node on its own per-node keepalive timers).
type beaconTick struct{}

// Loop owns the transport and timer services and the two protocol
// handlers, and dispatches every event arriving on either to the right
// handler method.
type Loop struct {
	transport *transport.Service
	timers    *timer.Service
	cluster   *cluster.Handler
	node      *node.Handler

	peerHandles map[transport.Handle]bool
	nodeHandles map[transport.Handle]bool
	beaconH     transport.Handle
}

// New builds a Loop. beaconH is the multicast socket the cluster Handler
// both sends and receives beacons on.
func New(transp *transport.Service, timers *timer.Service, clusterH *cluster.Handler, nodeH *node.Handler, beaconH transport.Handle) *Loop {
	return &Loop{
		transport:   transp,
		timers:      timers,
		cluster:     clusterH,
		node:        nodeH,
		peerHandles: make(map[transport.Handle]bool),
		nodeHandles: make(map[transport.Handle]bool),
		beaconH:     beaconH,
	}
}

// Run blocks, dispatching events until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-l.transport.Events:
			l.handleTransportEvent(ev)
		case pop := <-l.timers.Pending():
			l.handleTimerPop(pop)
		}
	}
}

func (l *Loop) handleTransportEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventAccepted:
		l.handleAccepted(ev)
	case transport.EventData:
		l.handleData(ev)
	case transport.EventClosed:
		l.handleClosed(ev)
	case transport.EventConnected:
		// Only the cluster Handler ever dials out (HandleBeacon's
		// unknown-peer branch); the node-facing handler only accepts. The
		// dialed handle carries peer frames from here on.
		l.peerHandles[ev.Handle] = true
		l.cluster.HandleConnected(ev.Handle)
	}
}

func (l *Loop) handleAccepted(ev transport.Event) {
	switch ev.Handle {
	case l.cluster.ListenHandle():
		l.peerHandles[ev.NewHandle] = true
		l.cluster.HandleAccepted(ev.NewHandle)
	case l.node.ListenHandle():
		l.nodeHandles[ev.NewHandle] = true
		l.node.HandleAccepted(ev.NewHandle)
	default:
		slog.Warn("mainloop: accept on unknown listen socket", "handle", ev.Handle)
	}
}

func (l *Loop) handleData(ev transport.Event) {
	switch {
	case ev.Handle == l.beaconH:
		addr := ""
		if ev.From != nil {
			addr = ev.From.String()
		}
		l.cluster.HandleBeacon(addr, ev.Data)
	case l.peerHandles[ev.Handle]:
		l.cluster.HandlePeerFrame(ev.Handle, ev.Data)
	case l.nodeHandles[ev.Handle]:
		l.node.HandleFrame(ev.Handle, ev.Data)
	default:
		slog.Warn("mainloop: data on unrecognized handle, dropped", "handle", ev.Handle)
	}
}

func (l *Loop) handleClosed(ev transport.Event) {
	switch {
	case l.peerHandles[ev.Handle]:
		delete(l.peerHandles, ev.Handle)
		l.cluster.HandleClosed(ev.Handle)
	case l.nodeHandles[ev.Handle]:
		delete(l.nodeHandles, ev.Handle)
		l.node.HandleClosed(ev.Handle)
	}
}

func (l *Loop) handleTimerPop(pop timer.Pop) {
	switch owner := pop.Owner.(type) {
	case beaconTick:
		l.cluster.SendBeacon()
	case uint32:
		// A node's own keepalive timer firing means it missed its
		// window; the node-facing handler counts the miss and feeds a
		// TIMEOUT input into the Node FSM.
		l.node.HandleKeepaliveMiss(owner)
	}
}

// StartClusterBeacon arms the periodic cluster-beacon timer at periodMs,
// stamped so handleTimerPop routes its pops to SendBeacon.
func (l *Loop) StartClusterBeacon(periodMs uint32) {
	l.timers.Create(periodMs, true, beaconTick{})
}
