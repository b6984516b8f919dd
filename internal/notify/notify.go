// SPDX-License-Identifier: AGPL-3.0-or-later
// hwmgr - distributed hardware cluster membership and liveness manager
// Copyright (C) 2024 anshulthakur

// Package notify implements the Notification Engine: a FIFO of
// monotonically id-stamped notifications, drained in order, delivered at
// most once per subscriber via a per-subscriber last-processed-id
// watermark.
package notify

import (
	"sync"

	"github.com/anshulthakur/hwmgr/internal/model"
	"github.com/anshulthakur/hwmgr/internal/sub"
	"github.com/anshulthakur/hwmgr/internal/transport"
	"github.com/anshulthakur/hwmgr/internal/wire"
)

// Notification is a queued, id-stamped delivery unit. RefCount tracks how
// many subscribers still have last_processed_id < ID; it is the only
// reference count in the system outside shared message buffers.
type Notification struct {
	ID        uint64
	Kind      wire.NotifyType
	Affected  model.GlobalKey
	SubKey    sub.Key
	Template  wire.Notify
	RefCount  int
}

// Engine owns the notification FIFO and the monotonic id counter.
type Engine struct {
	mu       sync.Mutex
	nextID   uint64
	queue    []*Notification
	subs     *sub.Engine
	transp   *transport.Service
	localLoc uint32
}

func NewEngine(subs *sub.Engine, transp *transport.Service, localLocation uint32) *Engine {
	return &Engine{subs: subs, transp: transp, localLoc: localLocation}
}

// Enqueue stamps and queues a notification, then drains it immediately —
// draining inline on enqueue is equivalent to draining on every
// scheduling cycle as long as delivery order is preserved, and is
// simpler than deferring to a separate drain pass.
func (e *Engine) Enqueue(kind wire.NotifyType, affected model.GlobalKey, subKey sub.Key, hdr wire.Header, ifID, procType uint32, addr wire.AddrInfo) *Notification {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.mu.Unlock()

	hdr.MsgType = wire.MsgNotify
	n := &Notification{
		ID:       id,
		Kind:     kind,
		Affected: affected,
		SubKey:   subKey,
		Template: wire.Notify{
			Header:   hdr,
			Type:     kind,
			ID:       id,
			IfID:     ifID,
			ProcType: procType,
			AddrInfo: addr,
		},
	}

	e.deliver(n)
	return n
}

// deliver walks the row's current subscriber list in order and sends the
// frame to every subscriber whose last_processed_id < n.ID. Remote
// subscribers (transport's location differs from the local location) are
// skipped: peers learn state via NODE_UPDATE/PROCESS_UPDATE, never NOTIFY.
func (e *Engine) deliver(n *Notification) {
	row, ok := e.subs.Row(n.SubKey)
	if !ok {
		return
	}
	subscribers := row.Subscribers()
	n.RefCount = 0
	for _, s := range subscribers {
		if s.LastProcessedID >= n.ID {
			continue
		}
		if s.GlobalKey.Location != e.localLoc {
			s.LastProcessedID = n.ID
			continue
		}
		frame := n.Template
		frame.SubsPID = s.SubscriberPID
		_ = e.transp.Send(transport.Handle(s.Transport), frame.Encode())
		s.LastProcessedID = n.ID
	}

	e.mu.Lock()
	for _, s := range subscribers {
		if s.LastProcessedID < n.ID {
			n.RefCount++
		}
	}
	if n.RefCount > 0 {
		e.queue = append(e.queue, n)
	}
	e.mu.Unlock()
}

// Redeliver re-walks every still-referenced notification's subscriber
// list, advancing any subscriber that has since caught up and dropping
// notifications whose ref count has reached zero. Intended to be called
// by the periodic maintenance sweep, not the hot path.
func (e *Engine) Redeliver() {
	e.mu.Lock()
	pending := e.queue
	e.queue = nil
	e.mu.Unlock()

	for _, n := range pending {
		e.deliver(n)
	}
}

// SynthesizeActive handles the subscribe-to-active special case: a
// subscriber joining an already-active row whose entity is currently
// running gets a single synthetic ACTIVE/RUNNING notification
// immediately, rather than waiting for the next real transition.
func (e *Engine) SynthesizeActive(kind wire.NotifyType, subKey sub.Key, hdr wire.Header, subscriberTransport transport.Handle, subscriberPID uint32, addr wire.AddrInfo) {
	hdr.MsgType = wire.MsgNotify
	frame := wire.Notify{Header: hdr, Type: kind, SubsPID: subscriberPID, AddrInfo: addr}
	_ = e.transp.Send(subscriberTransport, frame.Encode())
}

// NotifyRoleChange handles the other special case: a role
// transition is delivered only to the affected node itself, carrying the
// partner's address so the node can establish peer sync. partnerAddr's
// zero value (AddrType == 0 and no partner fields set) signals "no
// partner yet" to the receiving node; the notification still fires.
func (e *Engine) NotifyRoleChange(nodeTransport transport.Handle, role model.Role, hdr wire.Header, partnerAddr wire.AddrInfo) {
	kind := wire.NotifyHARole
	hdr.MsgType = wire.MsgNotify
	frame := wire.Notify{
		Header:   hdr,
		Type:     kind,
		AddrInfo: partnerAddr,
	}
	frame.AddrInfo.Role = uint8(role)
	_ = e.transp.Send(nodeTransport, frame.Encode())
}

// QueueDepth reports how many notifications still have outstanding
// subscribers, for metrics and tests.
func (e *Engine) QueueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}
