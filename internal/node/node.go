// SPDX-License-Identifier: AGPL-3.0-or-later
// hwmgr - distributed hardware cluster membership and liveness manager
// Copyright (C) 2024 anshulthakur

// Package node implements the node-facing application protocol: INIT
// request/response, keepalive, REGISTER, and PROCESS_CREATE/DESTROY, and
// their effect on the core Node/Process model. Styled as a sibling of
// internal/cluster: one Handler with a HandleXxx method per event
// source, dispatched by message type.
package node

import (
	"log/slog"

	"github.com/anshulthakur/hwmgr/internal/fsm"
	"github.com/anshulthakur/hwmgr/internal/model"
	"github.com/anshulthakur/hwmgr/internal/notify"
	"github.com/anshulthakur/hwmgr/internal/sub"
	"github.com/anshulthakur/hwmgr/internal/timer"
	"github.com/anshulthakur/hwmgr/internal/transport"
	"github.com/anshulthakur/hwmgr/internal/wire"
)

// PeerBroadcaster is the subset of internal/cluster.Handler this package
// depends on: propagating locally-observed changes and cross-bindings to
// the rest of the cluster. Declared here, not in cluster, so this package
// does not import cluster (cluster's Main Loop wiring stays one-directional).
type PeerBroadcaster interface {
	ExchangeBinding(subscriberID uint32, bindings []wire.Binding)
	BroadcastNodeUpdate(rec wire.NodeRecord)
	BroadcastProcessUpdate(rec wire.ProcessRecord)
}

type nodeSession struct {
	nodeIndex      uint32
	keepaliveTimer timer.Handle
}

// Handler is the node-facing protocol's single entry point.
type Handler struct {
	registry  *model.Registry
	transport *transport.Service
	timers    *timer.Service
	subs      *sub.Engine
	notif     *notify.Engine
	peers     PeerBroadcaster
	sessions  map[transport.Handle]*nodeSession
	localLoc  uint32
	listenH   transport.Handle
}

func NewHandler(registry *model.Registry, transp *transport.Service, timers *timer.Service, subs *sub.Engine, notif *notify.Engine, peers PeerBroadcaster, localLoc uint32) *Handler {
	return &Handler{
		registry:  registry,
		transport: transp,
		timers:    timers,
		subs:      subs,
		notif:     notif,
		peers:     peers,
		sessions:  make(map[transport.Handle]*nodeSession),
		localLoc:  localLoc,
	}
}

func (h *Handler) header(msgType wire.MsgType) wire.Header {
	return wire.Header{HWID: h.localLoc, MsgType: msgType}
}

// BindListen records the node-facing listen socket so the Main Loop knows
// which EventAccepted belongs to this handler versus the cluster
// Handler's peer-listen socket.
func (h *Handler) BindListen(listenH transport.Handle) {
	h.listenH = listenH
}

// ListenHandle reports the node-listen socket.
func (h *Handler) ListenHandle() transport.Handle {
	return h.listenH
}

// HandleAccepted registers bookkeeping for a freshly accepted node socket;
// it starts unbound until the node's INIT_REQUEST names which configured
// node index it is.
func (h *Handler) HandleAccepted(newH transport.Handle) {
	h.sessions[newH] = &nodeSession{}
}

// HandleClosed tears down a node session and feeds a CLOSE input into its
// Node FSM (a WAITING node goes straight to FAILED), mirroring the cluster Handler's transport-error-as-FSM-input
// discipline.
func (h *Handler) HandleClosed(handle transport.Handle) {
	sess, ok := h.sessions[handle]
	if !ok {
		return
	}
	delete(h.sessions, handle)
	if sess.keepaliveTimer != 0 {
		h.timers.Delete(sess.keepaliveTimer)
	}
	if sess.nodeIndex == 0 {
		return
	}
	loc, ok := h.registry.Local()
	if !ok {
		return
	}
	n, ok := loc.Node(sess.nodeIndex)
	if !ok {
		return
	}
	next, err := fsm.NodeTransition(n.FSMState, fsm.NodeClose)
	if err == nil {
		n.FSMState = next
	}
	n.Transport = 0
}

// HandleFrame dispatches one decoded node-protocol frame arriving on
// handle.
func (h *Handler) HandleFrame(handle transport.Handle, data []byte) {
	hdr, err := wire.GetHeader(data)
	if err != nil {
		slog.Warn("node: short header, closing connection", "handle", handle)
		h.transport.Close(handle)
		return
	}
	sess := h.sessions[handle]
	if sess == nil {
		sess = &nodeSession{}
		h.sessions[handle] = sess
	}

	switch hdr.MsgType {
	case wire.MsgInitRequest:
		h.handleInitRequest(handle, sess, data)
	case wire.MsgKeepalive:
		h.handleKeepalive(sess)
	case wire.MsgRegister:
		h.handleRegister(handle, sess, data)
	case wire.MsgProcessCreate:
		h.handleProcessLifecycle(sess, data, true)
	case wire.MsgProcessDestroy:
		h.handleProcessLifecycle(sess, data, false)
	default:
		slog.Warn("node: unknown node message type, frame dropped", "type", hdr.MsgType)
	}
}

func (h *Handler) handleInitRequest(handle transport.Handle, sess *nodeSession, data []byte) {
	req, err := wire.DecodeInitRequest(data)
	if err != nil {
		slog.Warn("node: malformed INIT_REQUEST dropped", "error", err)
		return
	}
	loc, ok := h.registry.Local()
	if !ok {
		return
	}
	n, ok := loc.Node(req.NodeIndex)
	if !ok {
		resp := wire.InitResponse{Header: h.header(wire.MsgInitResponse), ResponseOK: false, HardwareIndex: h.localLoc}
		_ = h.transport.Send(handle, resp.Encode())
		return
	}

	sess.nodeIndex = n.Index
	n.Transport = uint64(handle)

	next, err := fsm.NodeTransition(n.FSMState, fsm.NodeInit)
	if err == nil {
		n.FSMState = next
	}

	period := req.KeepalivePreference
	if period == 0 {
		period = n.KeepalivePeriodMs
	}
	n.KeepalivePeriodMs = period
	if sess.keepaliveTimer == 0 && period > 0 {
		sess.keepaliveTimer = h.timers.Create(period, true, n.Index)
	}

	resp := wire.InitResponse{
		Header:              h.header(wire.MsgInitResponse),
		ResponseOK:          true,
		HardwareIndex:       h.localLoc,
		CurrentRole:         uint8(n.CurrentRole),
		NegotiatedKeepalive: period,
	}
	_ = h.transport.Send(handle, resp.Encode())

	h.registry.UpsertGlobal(model.NodeGlobalKey(loc.Index, n.Index), model.StatusInactive, n.CurrentRole)
}

// HandleKeepaliveMiss is driven by the Main Loop when a node's keepalive
// timer fires without an intervening KEEPALIVE or data frame: the node
// missed its window. Counts the miss and feeds a TIMEOUT input into the
// Node FSM (a WAITING node goes to FAILING, not to FAILED as on a
// transport close). Enforced as miss-once since the timer itself
// already re-arms on KEEPALIVE via Restart, so a pop strictly means one
// full period elapsed unanswered.
func (h *Handler) HandleKeepaliveMiss(nodeIndex uint32) {
	loc, ok := h.registry.Local()
	if !ok {
		return
	}
	n, ok := loc.Node(nodeIndex)
	if !ok {
		return
	}
	n.KeepaliveMissed++
	next, err := fsm.NodeTransition(n.FSMState, fsm.NodeTimeout)
	if err == nil {
		n.FSMState = next
	}
}

func (h *Handler) handleKeepalive(sess *nodeSession) {
	if sess.nodeIndex == 0 {
		return
	}
	if sess.keepaliveTimer != 0 {
		h.timers.Restart(sess.keepaliveTimer)
	}
	loc, ok := h.registry.Local()
	if !ok {
		return
	}
	n, ok := loc.Node(sess.nodeIndex)
	if !ok {
		return
	}
	n.KeepaliveMissed = 0
	next, err := fsm.NodeTransition(n.FSMState, fsm.NodeData)
	if err == nil {
		n.FSMState = next
	}
}

// subscriberKey identifies the subscribing process as a global row key:
// the subscriber is always a process local to this node.
func (h *Handler) subscriberKey(nodeIndex, pid uint32) model.GlobalKey {
	return model.GlobalKey{Kind: model.RowProcess, Location: h.localLoc, ProcessKey: model.ProcessKey{NodeIndex: nodeIndex, PID: pid}}
}

func toSubKind(t wire.SubscriptionType) sub.Kind {
	switch t {
	case wire.SubscribeProcess:
		return sub.KindProcess
	case wire.SubscribeInterface:
		return sub.KindInterface
	default:
		return sub.KindGroup
	}
}

// handleRegister installs every TLV's subscription and, for any
// cross-bound TLV, propagates the binding to the rest of the cluster.
// Responds with the same frame, ResponseOK=true.
func (h *Handler) handleRegister(handle transport.Handle, sess *nodeSession, data []byte) {
	msg, err := wire.DecodeRegister(data)
	if err != nil {
		slog.Warn("node: malformed REGISTER dropped", "error", err)
		return
	}

	h.transport.SetHold(handle, true)

	subscriberRef := h.subscriberKey(sess.nodeIndex, msg.SubscriberPID)
	kind := toSubKind(msg.SubscriptionType)
	var crossBound []wire.Binding
	for _, tlv := range msg.TLVs {
		result := h.subs.Subscribe(kind, tlv.ID, subscriberRef, msg.SubscriberPID, uint64(handle), tlv.CrossBind)
		if result == sub.Subscribed && tlv.CrossBind {
			crossBound = append(crossBound, wire.Binding{SubscriptionType: uint8(msg.SubscriptionType), SubscriptionID: tlv.ID})
		}
		if result == sub.Subscribed && h.subs.IsActive(sub.Key{Kind: kind, Value: tlv.ID}) {
			h.notif.SynthesizeActive(notifyKindFor(kind), sub.Key{Kind: kind, Value: tlv.ID}, h.header(wire.MsgNotify), handle, msg.SubscriberPID, wire.AddrInfo{})
		}
	}

	if len(crossBound) > 0 {
		h.peers.ExchangeBinding(msg.SubscriberPID, crossBound)
	}

	msg.ResponseOK = true
	_ = h.transport.EnqueuePriority(handle, msg.Encode())
}

func notifyKindFor(kind sub.Kind) wire.NotifyType {
	switch kind {
	case sub.KindProcess:
		return wire.NotifyProcAvailable
	case sub.KindInterface:
		return wire.NotifyInterfaceAdd
	default:
		return wire.NotifyNodeUp
	}
}

// handleProcessLifecycle applies a PROCESS_CREATE or PROCESS_DESTROY
// frame to the owning node's process table, updates the global row,
// promotes the process's subscription row to active on first RUNNING
// report, fires the corresponding NOTIFY, and propagates an incremental
// PROCESS_UPDATE to peers.
func (h *Handler) handleProcessLifecycle(sess *nodeSession, data []byte, created bool) {
	msg, err := wire.DecodeProcessLifecycle(data)
	if err != nil {
		slog.Warn("node: malformed process lifecycle frame dropped", "error", err)
		return
	}
	if sess.nodeIndex == 0 {
		return
	}
	loc, ok := h.registry.Local()
	if !ok {
		return
	}
	n, ok := loc.Node(sess.nodeIndex)
	if !ok {
		return
	}

	key := model.ProcessKey{Type: msg.ProcType, NodeIndex: sess.nodeIndex, PID: msg.PID}
	p, ok := n.Process(key)
	if !ok {
		p = &model.Process{Type: msg.ProcType, PID: msg.PID, Name: msg.Name}
		n.AddProcess(p)
	}
	p.Running = created

	gk := model.ProcessGlobalKey(loc.Index, key)
	status := model.StatusInactive
	notifyKind := wire.NotifyProcGone
	if created {
		status = model.StatusRunning
		notifyKind = wire.NotifyProcAvailable
	}
	h.registry.UpsertGlobal(gk, status, model.RoleNone)

	subKey := sub.Key{Kind: sub.KindProcess, Value: msg.ProcType}
	if created {
		h.subs.PromoteToActive(subKey)
	}
	h.notif.Enqueue(notifyKind, gk, subKey, h.header(wire.MsgNotify), 0, msg.ProcType, wire.AddrInfo{HWIndex: h.localLoc, NodeID: sess.nodeIndex})

	h.peers.BroadcastProcessUpdate(wire.ProcessRecord{
		Type:       msg.ProcType,
		NodeID:     sess.nodeIndex,
		UpdateType: updateTypeFor(created),
		PID:        msg.PID,
	})

	if !created {
		n.RemoveProcess(key)
	}
}

func updateTypeFor(active bool) wire.UpdateType {
	if active {
		return wire.UpdateActive
	}
	return wire.UpdateInactive
}
