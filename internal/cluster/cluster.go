// SPDX-License-Identifier: AGPL-3.0-or-later
// hwmgr - distributed hardware cluster membership and liveness manager
// Copyright (C) 2024 anshulthakur

// Package cluster wires fsm, wire, transport, sub and notify together into
// the peer-facing protocol handler: beacon send/receive, the INIT
// handshake, REPLAY send/receive with strict NODE-before-PROCESS
// validation, and incremental NODE/PROCESS/HA/BINDING update application
// with entity synthesis for late-arriving creations.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/anshulthakur/hwmgr/internal/fsm"
	"github.com/anshulthakur/hwmgr/internal/ha"
	"github.com/anshulthakur/hwmgr/internal/model"
	"github.com/anshulthakur/hwmgr/internal/notify"
	"github.com/anshulthakur/hwmgr/internal/sub"
	"github.com/anshulthakur/hwmgr/internal/timer"
	"github.com/anshulthakur/hwmgr/internal/transport"
	"github.com/anshulthakur/hwmgr/internal/wire"
)

// peerSession tracks the per-socket bookkeeping a TCP peer connection
// needs beyond what transport.Service itself stores: which remote
// location it has been resolved to (0 until INIT), and whether we are
// mid-replay either as sender or receiver.
type peerSession struct {
	location       uint32
	receivingNodes bool // true once any NodeRecord has been seen this replay
}

// Handler is the Cluster Protocol's single entry point: one HandleXxx
// method per event source (multicast beacon, peer TCP frame, accepted
// connection, closed connection).
type Handler struct {
	registry   *model.Registry
	transport  *transport.Service
	timers     *timer.Service
	subs       *sub.Engine
	notif      *notify.Engine
	sessions   map[transport.Handle]*peerSession
	beaconH    transport.Handle
	listenH    transport.Handle
	listenPort uint32
	localHWID  uint32
	ha         *ha.Resolver
}

// SetHAResolver wires the HA Resolver so a remote node's arrival (via
// REPLAY or NODE_UPDATE) can trigger a resolution pass for its group, per
// the resolver's own "subsequent calls happen on each remote-node
// arrival" contract. Optional: a nil resolver simply skips resolution,
// useful for tests that don't exercise HA.
func (h *Handler) SetHAResolver(r *ha.Resolver) {
	h.ha = r
}

func NewHandler(registry *model.Registry, transp *transport.Service, timers *timer.Service, subs *sub.Engine, notif *notify.Engine, localHWID uint32) *Handler {
	return &Handler{
		registry:  registry,
		transport: transp,
		timers:    timers,
		subs:      subs,
		notif:     notif,
		sessions:  make(map[transport.Handle]*peerSession),
		localHWID: localHWID,
	}
}

// BindSockets records the multicast beacon and peer-listen handles so the
// handler knows which transport.Events belong to it versus the node-facing
// listener (wired by the Main Loop, not this package).
func (h *Handler) BindSockets(beaconH, listenH transport.Handle, listenPort uint32) {
	h.beaconH = beaconH
	h.listenH = listenH
	h.listenPort = listenPort
}

// ListenHandle reports the peer-listen socket so the Main Loop can route
// EventAccepted for that handle to HandleAccepted.
func (h *Handler) ListenHandle() transport.Handle {
	return h.listenH
}

func (h *Handler) header(msgType wire.MsgType) wire.Header {
	return wire.Header{HWID: h.localHWID, MsgType: msgType}
}

// SendBeacon advertises this location's current node/process counts on
// the multicast group. The beacon carries only summary counts; a
// mismatch against a peer's record is what triggers a full REPLAY.
func (h *Handler) SendBeacon() {
	local, ok := h.registry.Local()
	if !ok {
		return
	}
	b := wire.Beacon{
		Header:       h.header(wire.MsgKeepalive),
		ListenPort:   h.listenPort,
		NumNodes:     uint32(len(local.Nodes())),
		NumProcesses: uint32(local.ActiveProcessCount()),
	}
	_ = h.transport.Send(h.beaconH, b.Encode())
}

// HandleBeacon reacts to a peer's multicast beacon: an unknown peer
// triggers a fresh TCP connect + INIT; a known peer whose advertised
// counts mismatch our record triggers a fresh REPLAY, converging the two
// locations' state without waiting for the next full sync.
func (h *Handler) HandleBeacon(addr string, data []byte) {
	b, err := wire.DecodeBeacon(data)
	if err != nil {
		slog.Warn("cluster: malformed beacon dropped", "error", err)
		return
	}
	peerLoc, ok := h.registry.Location(b.Header.HWID)
	if !ok {
		peerAddr, err := peerListenAddr(addr, b.ListenPort)
		if err != nil {
			slog.Warn("cluster: malformed beacon source address", "addr", addr, "error", err)
			return
		}
		connH, err := h.transport.Open(context.TODO(), transport.TCPOut, peerAddr)
		if err != nil {
			slog.Warn("cluster: beacon-triggered connect failed", "addr", peerAddr, "error", err)
			return
		}
		h.sessions[connH] = &peerSession{}
		return
	}
	if uint32(len(peerLoc.Nodes())) != b.NumNodes || uint32(peerLoc.ActiveProcessCount()) != b.NumProcesses {
		h.requestReplay(peerLoc)
	}
}

// peerListenAddr rebuilds the peer's TCP peer-listen address from a
// beacon's source address and its advertised ListenPort: the beacon
// itself arrives over the multicast channel from an ephemeral send port,
// which is never the peer's own peer-listen port.
func peerListenAddr(beaconSrc string, listenPort uint32) (string, error) {
	host, _, err := net.SplitHostPort(beaconSrc)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, fmt.Sprint(listenPort)), nil
}

// HandleAccepted registers bookkeeping for a freshly accepted peer socket;
// it starts unbound, resolved to a location only once its first frame
// names one.
func (h *Handler) HandleAccepted(newH transport.Handle) {
	h.sessions[newH] = &peerSession{}
}

// HandleConnected sends this location's INIT request once an outbound
// peer dial completes. HandleBeacon is the only caller of transport.Open
// with transport.TCPOut in this package, so every EventConnected the Main
// Loop sees belongs to a beacon-triggered dial awaiting its first frame;
// a session already resolved to a location (handleInit ran first, e.g. a
// race with the peer dialing us back) is left alone.
func (h *Handler) HandleConnected(handle transport.Handle) {
	sess, ok := h.sessions[handle]
	if !ok || sess.location != 0 {
		return
	}
	req := wire.PeerInit{Header: h.header(wire.MsgInit), Request: true}
	_ = h.transport.Send(handle, req.Encode())
}

// HandleClosed tears down a peer session and drives its location's FSM to
// FAILING: a transport-level error is absorbed here and surfaced only as
// a state-machine input, never propagated as an error return.
func (h *Handler) HandleClosed(handle transport.Handle) {
	sess, ok := h.sessions[handle]
	if !ok {
		return
	}
	delete(h.sessions, handle)
	if sess.location == 0 {
		return
	}
	loc, ok := h.registry.Location(sess.location)
	if !ok {
		return
	}
	next, err := fsm.PeerTransition(loc.FSMState, fsm.PeerFail)
	if err == nil {
		loc.FSMState = next
	}
}

// HandlePeerFrame dispatches one decoded peer-protocol frame arriving on
// handle. Frames are processed in the order the transport delivers them
// per connection.
func (h *Handler) HandlePeerFrame(handle transport.Handle, data []byte) {
	hdr, err := wire.GetHeader(data)
	if err != nil {
		slog.Warn("cluster: short header, closing connection", "handle", handle)
		h.transport.Close(handle)
		return
	}
	sess := h.sessions[handle]
	if sess == nil {
		sess = &peerSession{}
		h.sessions[handle] = sess
	}

	switch hdr.MsgType {
	case wire.MsgInit:
		h.handleInit(handle, sess, data)
	case wire.MsgReplay:
		h.handleReplayChunk(handle, sess, data)
	case wire.MsgNodeUpdate:
		h.handleNodeUpdate(sess, data)
	case wire.MsgProcessUpdate:
		h.handleProcessUpdate(sess, data)
	case wire.MsgHAUpdate:
		h.handleHAUpdate(sess, data)
	case wire.MsgBinding:
		h.handleBindingBatch(sess, data)
	case wire.MsgKeepalive:
		// Header-only keepalive: no body to decode, just resets any
		// peer-timeout bookkeeping the Main Loop tracks via timers.
	default:
		slog.Warn("cluster: unknown peer message type, frame dropped", "type", hdr.MsgType)
	}
}

func (h *Handler) handleInit(handle transport.Handle, sess *peerSession, data []byte) {
	msg, err := wire.DecodePeerInit(data)
	if err != nil {
		slog.Warn("cluster: malformed INIT dropped", "error", err)
		return
	}
	loc, ok := h.registry.Location(msg.Header.HWID)
	if !ok {
		loc = model.NewLocation(msg.Header.HWID)
		h.registry.AddLocation(loc)
	}
	sess.location = loc.Index
	loc.PeerListenTransport = uint64(handle)

	next, err := fsm.PeerTransition(loc.FSMState, fsm.PeerInitRcvd)
	if err != nil {
		slog.Warn("cluster: INIT rejected by FSM", "state", loc.FSMState, "error", err)
		return
	}
	loc.FSMState = next

	if msg.Request {
		resp := wire.PeerInit{Header: h.header(wire.MsgInit), Request: false, ResponseOK: true}
		_ = h.transport.EnqueuePriority(handle, resp.Encode())
		h.sendReplay(handle, sess)
	}
}

// requestReplay asks peerLoc to replay its full state over the connection
// recorded in its PeerListenTransport; with none recorded it does nothing.
func (h *Handler) requestReplay(peerLoc *model.Location) {
	if peerLoc.PeerListenTransport == 0 {
		return
	}
	handle := transport.Handle(peerLoc.PeerListenTransport)
	req := wire.PeerInit{Header: h.header(wire.MsgInit), Request: true}
	_ = h.transport.EnqueuePriority(handle, req.Encode())
}

// sendReplay emits the local location's entire node+process state as one
// or more REPLAY chunks, all NODE records before any PROCESS record,
// terminated by a chunk with Last=true.
func (h *Handler) sendReplay(handle transport.Handle, sess *peerSession) {
	local, ok := h.registry.Local()
	if !ok {
		return
	}
	var records []wire.ReplayRecord
	for _, n := range local.Nodes() {
		records = append(records, wire.ReplayRecord{Tag: wire.RecordNode, Node: wire.NodeRecord{
			Group:      n.Group,
			NodeID:     n.Index,
			UpdateType: activeOrInactive(n.FSMState == model.NodeActive),
			Role:       uint8(n.CurrentRole),
			Running:    n.FSMState == model.NodeActive,
		}})
	}
	for _, n := range local.Nodes() {
		for _, p := range n.Processes() {
			records = append(records, wire.ReplayRecord{Tag: wire.RecordProcess, Process: wire.ProcessRecord{
				Type:       p.Type,
				NodeID:     n.Index,
				UpdateType: activeOrInactive(p.Running),
				PID:        p.PID,
			}})
		}
	}

	for len(records) > 0 || true {
		batch := records
		last := true
		if len(batch) > wire.TLVsPerUpdate {
			batch = records[:wire.TLVsPerUpdate]
			last = false
		}
		chunk := wire.ReplayChunk{Header: h.header(wire.MsgReplay), Last: last, Records: batch}
		_ = h.transport.Send(handle, chunk.Encode())
		records = records[len(batch):]
		if last {
			break
		}
	}
}

func activeOrInactive(active bool) wire.UpdateType {
	if active {
		return wire.UpdateActive
	}
	return wire.UpdateInactive
}

// handleReplayChunk applies a received REPLAY chunk. Within a single
// replay session a PROCESS record referencing a node this session has not
// yet created is a structural protocol violation, even if the node already
// exists: the record is dropped without tearing down the connection
// (only a short header does that).
func (h *Handler) handleReplayChunk(handle transport.Handle, sess *peerSession, data []byte) {
	chunk, err := wire.DecodeReplayChunk(data)
	if err != nil {
		slog.Warn("cluster: malformed REPLAY chunk dropped", "error", err)
		return
	}
	if sess.location == 0 {
		slog.Warn("cluster: REPLAY on unbound connection, dropped")
		return
	}
	loc, ok := h.registry.Location(sess.location)
	if !ok {
		return
	}
	if !loc.ReplayInProgress {
		sess.receivingNodes = false // fresh replay session: re-arm the ordering guard
	}
	loc.ReplayInProgress = true

	for _, rec := range chunk.Records {
		switch rec.Tag {
		case wire.RecordNode:
			h.applyNodeRecord(loc, rec.Node)
			sess.receivingNodes = true
		case wire.RecordProcess:
			if !sess.receivingNodes {
				slog.Warn("cluster: PROCESS record before any NODE record this replay, dropped", "node", rec.Process.NodeID)
				continue
			}
			if _, ok := loc.Node(rec.Process.NodeID); !ok {
				slog.Warn("cluster: PROCESS record for unknown node, dropped", "node", rec.Process.NodeID)
				continue
			}
			h.applyProcessRecord(loc, rec.Process)
		}
	}

	if chunk.Last {
		loc.ReplayInProgress = false
		next, err := fsm.PeerTransition(loc.FSMState, fsm.PeerReplayDone)
		if err == nil {
			loc.FSMState = next
		}
	}
}

// applyNodeRecord synthesizes or updates a remote node from a wire record
// (spec: "entity synthesis for late-arriving creations").
func (h *Handler) applyNodeRecord(loc *model.Location, rec wire.NodeRecord) *model.Node {
	n, ok := loc.Node(rec.NodeID)
	if !ok {
		n = model.NewNode(rec.NodeID, rec.Group, "", model.Role(rec.Role))
		loc.AddNode(n)
		next, _ := fsm.NodeTransition(n.FSMState, fsm.NodeInit)
		n.FSMState = next
	}
	n.CurrentRole = model.Role(rec.Role)
	if rec.Running {
		next, err := fsm.NodeTransition(n.FSMState, fsm.NodeActive)
		if err == nil {
			n.FSMState = next
		}
		h.subs.PromoteToActive(sub.Key{Kind: sub.KindGroup, Value: n.Group})
	}
	h.registry.UpsertGlobal(model.NodeGlobalKey(loc.Index, rec.NodeID), statusFor(rec.Running), model.Role(rec.Role))
	if h.ha != nil && loc.Index != h.localHWID {
		h.ha.ResolveGroup(rec.Group)
	}
	return n
}

func (h *Handler) applyProcessRecord(loc *model.Location, rec wire.ProcessRecord) {
	n, ok := loc.Node(rec.NodeID)
	if !ok {
		return
	}
	key := model.ProcessKey{Type: rec.Type, NodeIndex: rec.NodeID, PID: rec.PID}
	p, ok := n.Process(key)
	if !ok {
		p = &model.Process{Type: rec.Type, PID: rec.PID}
		n.AddProcess(p)
	}
	p.Running = rec.UpdateType == wire.UpdateActive
	gk := model.ProcessGlobalKey(loc.Index, key)
	h.registry.UpsertGlobal(gk, statusFor(p.Running), model.RoleNone)
	if p.Running {
		h.subs.PromoteToActive(sub.Key{Kind: sub.KindProcess, Value: rec.Type})
	}
}

func statusFor(running bool) model.Status {
	if running {
		return model.StatusRunning
	}
	return model.StatusInactive
}

func (h *Handler) handleNodeUpdate(sess *peerSession, data []byte) {
	if sess.location == 0 {
		return
	}
	loc, ok := h.registry.Location(sess.location)
	if !ok {
		return
	}
	u, err := wire.DecodeNodeUpdate(data)
	if err != nil {
		slog.Warn("cluster: malformed NODE_UPDATE dropped", "error", err)
		return
	}
	h.applyNodeRecord(loc, u.Record)
}

func (h *Handler) handleProcessUpdate(sess *peerSession, data []byte) {
	if sess.location == 0 {
		return
	}
	loc, ok := h.registry.Location(sess.location)
	if !ok {
		return
	}
	u, err := wire.DecodeProcessUpdate(data)
	if err != nil {
		slog.Warn("cluster: malformed PROCESS_UPDATE dropped", "error", err)
		return
	}
	if _, ok := loc.Node(u.Record.NodeID); !ok {
		slog.Warn("cluster: PROCESS_UPDATE for unknown node, dropped", "node", u.Record.NodeID)
		return
	}
	h.applyProcessRecord(loc, u.Record)
}

func (h *Handler) handleHAUpdate(sess *peerSession, data []byte) {
	if sess.location == 0 {
		return
	}
	loc, ok := h.registry.Location(sess.location)
	if !ok {
		return
	}
	u, err := wire.DecodeHAUpdate(data)
	if err != nil {
		slog.Warn("cluster: malformed HA_UPDATE dropped", "error", err)
		return
	}
	n, ok := loc.Node(u.NodeID)
	if !ok {
		return
	}
	n.CurrentRole = model.Role(u.Role)
	h.registry.UpsertGlobal(model.NodeGlobalKey(loc.Index, u.NodeID), model.StatusActive, n.CurrentRole)
}

func (h *Handler) handleBindingBatch(sess *peerSession, data []byte) {
	if sess.location == 0 {
		return
	}
	batch, err := wire.DecodeBindingBatch(data)
	if err != nil {
		slog.Warn("cluster: malformed BINDING batch dropped", "error", err)
		return
	}
	subscriberKey := model.GlobalKey{Kind: model.RowProcess, Location: sess.location, ProcessKey: model.ProcessKey{PID: batch.SubscriberID}}
	for _, b := range batch.Bindings {
		h.subs.Subscribe(sub.Kind(b.SubscriptionType), b.SubscriptionID, subscriberKey, batch.SubscriberID, uint64(0), false)
	}
}

// ExchangeBinding emits a BINDING chunk to every peer with a live
// transport (excluding self), containing the cross-bound subset of
// bindings.
func (h *Handler) ExchangeBinding(subscriberID uint32, bindings []wire.Binding) {
	if len(bindings) == 0 {
		return
	}
	batch := wire.BindingBatch{Header: h.header(wire.MsgBinding), SubscriberID: subscriberID, Bindings: bindings}
	h.broadcast(batch.Encode())
}

// BroadcastNodeUpdate sends an incremental NODE_UPDATE to every peer with
// a live transport, so a locally-observed node transition (role change,
// activation) reaches the rest of the cluster without waiting for the
// next REPLAY.
func (h *Handler) BroadcastNodeUpdate(rec wire.NodeRecord) {
	u := wire.NodeUpdate{Header: h.header(wire.MsgNodeUpdate), Record: rec}
	h.broadcast(u.Encode())
}

// BroadcastProcessUpdate sends an incremental PROCESS_UPDATE to every peer
// with a live transport.
func (h *Handler) BroadcastProcessUpdate(rec wire.ProcessRecord) {
	u := wire.ProcessUpdate{Header: h.header(wire.MsgProcessUpdate), Record: rec}
	h.broadcast(u.Encode())
}

func (h *Handler) broadcast(encoded []byte) {
	for _, loc := range h.registry.Locations() {
		if loc.Index == h.registry.LocalLocation || loc.PeerListenTransport == 0 {
			continue
		}
		_ = h.transport.Send(transport.Handle(loc.PeerListenTransport), encoded)
	}
}
