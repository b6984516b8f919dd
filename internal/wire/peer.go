// SPDX-License-Identifier: AGPL-3.0-or-later
// hwmgr - distributed hardware cluster membership and liveness manager
// Copyright (C) 2024 anshulthakur

package wire

// TLVsPerUpdate bounds the number of NODE/PROCESS records a single REPLAY
// chunk carries.
const TLVsPerUpdate = 16

// Beacon is the periodic multicast advertisement (KEEPALIVE).
type Beacon struct {
	Header       Header
	ListenPort   uint32
	NumNodes     uint32
	NumProcesses uint32
}

const beaconBodyLen = 4 + 4 + 4

func (b Beacon) Encode() []byte {
	buf := make([]byte, HeaderLen+beaconBodyLen)
	PutHeader(buf, b.Header)
	off := HeaderLen
	off = putU32(buf, off, b.ListenPort)
	off = putU32(buf, off, b.NumNodes)
	putU32(buf, off, b.NumProcesses)
	return buf
}

func DecodeBeacon(buf []byte) (Beacon, error) {
	if len(buf) < HeaderLen+beaconBodyLen {
		return Beacon{}, ErrShortBuffer
	}
	h, err := GetHeader(buf)
	if err != nil {
		return Beacon{}, err
	}
	off := HeaderLen
	listenPort, off := getU32(buf, off)
	numNodes, off := getU32(buf, off)
	numProcesses, _ := getU32(buf, off)
	return Beacon{Header: h, ListenPort: listenPort, NumNodes: numNodes, NumProcesses: numProcesses}, nil
}

// PeerInit is the unicast INIT handshake, sent both as a request (our
// location index, requesting the peer's replay) and as the INIT OK
// response.
type PeerInit struct {
	Header      Header
	Request     bool
	ResponseOK  bool
}

const peerInitBodyLen = 2

func (p PeerInit) Encode() []byte {
	buf := make([]byte, HeaderLen+peerInitBodyLen)
	PutHeader(buf, p.Header)
	off := HeaderLen
	off = putBool(buf, off, p.Request)
	putBool(buf, off, p.ResponseOK)
	return buf
}

func DecodePeerInit(buf []byte) (PeerInit, error) {
	if len(buf) < HeaderLen+peerInitBodyLen {
		return PeerInit{}, ErrShortBuffer
	}
	h, err := GetHeader(buf)
	if err != nil {
		return PeerInit{}, err
	}
	off := HeaderLen
	req, off := getBool(buf, off)
	ok, _ := getBool(buf, off)
	return PeerInit{Header: h, Request: req, ResponseOK: ok}, nil
}

func putBool(buf []byte, off int, v bool) int {
	if v {
		return putU8(buf, off, 1)
	}
	return putU8(buf, off, 0)
}

func getBool(buf []byte, off int) (bool, int) {
	v, off := getU8(buf, off)
	return v != 0, off
}

// UpdateType distinguishes a REPLAY/NODE_UPDATE/PROCESS_UPDATE's meaning.
type UpdateType uint8

const (
	UpdateActive UpdateType = iota
	UpdateInactive
)

// RecordTag marks a replay record as describing a node or a process; a
// receiver walking a mixed chunk must see every NODE tag before any
// PROCESS tag.
type RecordTag uint8

const (
	RecordNode RecordTag = iota
	RecordProcess
)

// NodeRecord is a REPLAY/NODE_UPDATE payload: {group, node_id, update_type,
// role, running}.
type NodeRecord struct {
	Group      uint32
	NodeID     uint32
	UpdateType UpdateType
	Role       uint8
	Running    bool
}

const nodeRecordLen = 1 + 4 + 4 + 1 + 1 + 1 // tag + group + node_id + update_type + role + running

func (r NodeRecord) encode(buf []byte, off int) int {
	off = putU8(buf, off, uint8(RecordNode))
	off = putU32(buf, off, r.Group)
	off = putU32(buf, off, r.NodeID)
	off = putU8(buf, off, uint8(r.UpdateType))
	off = putU8(buf, off, r.Role)
	return putBool(buf, off, r.Running)
}

func decodeNodeRecord(buf []byte, off int) (NodeRecord, int) {
	group, off := getU32(buf, off)
	nodeID, off := getU32(buf, off)
	ut, off := getU8(buf, off)
	role, off := getU8(buf, off)
	running, off := getBool(buf, off)
	return NodeRecord{Group: group, NodeID: nodeID, UpdateType: UpdateType(ut), Role: role, Running: running}, off
}

// ProcessRecord is a REPLAY/PROCESS_UPDATE payload: {type(as group),
// node_id, update_type, pid}.
type ProcessRecord struct {
	Type       uint32
	NodeID     uint32
	UpdateType UpdateType
	PID        uint32
}

const processRecordLen = 1 + 4 + 4 + 1 + 4 // tag + type + node_id + update_type + pid

func (r ProcessRecord) encode(buf []byte, off int) int {
	off = putU8(buf, off, uint8(RecordProcess))
	off = putU32(buf, off, r.Type)
	off = putU32(buf, off, r.NodeID)
	off = putU8(buf, off, uint8(r.UpdateType))
	return putU32(buf, off, r.PID)
}

func decodeProcessRecord(buf []byte, off int) (ProcessRecord, int) {
	typ, off := getU32(buf, off)
	nodeID, off := getU32(buf, off)
	ut, off := getU8(buf, off)
	pid, off := getU32(buf, off)
	return ProcessRecord{Type: typ, NodeID: nodeID, UpdateType: UpdateType(ut), PID: pid}, off
}

// ReplayRecord is either a NodeRecord or a ProcessRecord, tagged.
type ReplayRecord struct {
	Tag     RecordTag
	Node    NodeRecord
	Process ProcessRecord
}

func (r ReplayRecord) encodedLen() int {
	if r.Tag == RecordNode {
		return nodeRecordLen
	}
	return processRecordLen
}

// ReplayChunk is a single REPLAY message carrying up to TLVsPerUpdate
// records; its encoded size follows the records it carries (chunks are
// not padded to a fixed size). The final chunk of a replay session sets
// Last.
type ReplayChunk struct {
	Header  Header
	Last    bool
	Records []ReplayRecord
}

func (c ReplayChunk) Encode() []byte {
	size := HeaderLen + 1 + 1 // header + last + count
	for _, r := range c.Records {
		size += r.encodedLen()
	}
	buf := make([]byte, size)
	PutHeader(buf, c.Header)
	off := HeaderLen
	off = putBool(buf, off, c.Last)
	off = putU8(buf, off, uint8(len(c.Records)))
	for _, r := range c.Records {
		if r.Tag == RecordNode {
			off = r.Node.encode(buf, off)
		} else {
			off = r.Process.encode(buf, off)
		}
	}
	return buf
}

func DecodeReplayChunk(buf []byte) (ReplayChunk, error) {
	if len(buf) < HeaderLen+2 {
		return ReplayChunk{}, ErrShortBuffer
	}
	h, err := GetHeader(buf)
	if err != nil {
		return ReplayChunk{}, err
	}
	off := HeaderLen
	last, off := getBool(buf, off)
	count, off := getU8(buf, off)
	records := make([]ReplayRecord, 0, count)
	for i := 0; i < int(count); i++ {
		if off >= len(buf) {
			return ReplayChunk{}, ErrShortBuffer
		}
		tag := RecordTag(buf[off])
		off++
		switch tag {
		case RecordNode:
			var rec NodeRecord
			rec, off = decodeNodeRecord(buf, off)
			records = append(records, ReplayRecord{Tag: RecordNode, Node: rec})
		case RecordProcess:
			var rec ProcessRecord
			rec, off = decodeProcessRecord(buf, off)
			records = append(records, ReplayRecord{Tag: RecordProcess, Process: rec})
		default:
			return ReplayChunk{}, ErrUnknownMsgType
		}
	}
	return ReplayChunk{Header: h, Last: last, Records: records}, nil
}

// NodeUpdate is the incremental unicast analogue of a single NodeRecord.
type NodeUpdate struct {
	Header Header
	Record NodeRecord
}

func (u NodeUpdate) Encode() []byte {
	buf := make([]byte, HeaderLen+nodeRecordLen)
	PutHeader(buf, u.Header)
	u.Record.encode(buf, HeaderLen)
	return buf
}

func DecodeNodeUpdate(buf []byte) (NodeUpdate, error) {
	if len(buf) < HeaderLen+nodeRecordLen {
		return NodeUpdate{}, ErrShortBuffer
	}
	h, err := GetHeader(buf)
	if err != nil {
		return NodeUpdate{}, err
	}
	off := HeaderLen + 1 // skip tag byte written by encode()
	rec, _ := decodeNodeRecord(buf, off)
	return NodeUpdate{Header: h, Record: rec}, nil
}

// ProcessUpdate is the incremental unicast analogue of a single ProcessRecord.
type ProcessUpdate struct {
	Header Header
	Record ProcessRecord
}

func (u ProcessUpdate) Encode() []byte {
	buf := make([]byte, HeaderLen+processRecordLen)
	PutHeader(buf, u.Header)
	u.Record.encode(buf, HeaderLen)
	return buf
}

func DecodeProcessUpdate(buf []byte) (ProcessUpdate, error) {
	if len(buf) < HeaderLen+processRecordLen {
		return ProcessUpdate{}, ErrShortBuffer
	}
	h, err := GetHeader(buf)
	if err != nil {
		return ProcessUpdate{}, err
	}
	off := HeaderLen + 1
	rec, _ := decodeProcessRecord(buf, off)
	return ProcessUpdate{Header: h, Record: rec}, nil
}

// HAUpdate conveys a node's resolved role to peers when a local role flips.
type HAUpdate struct {
	Header Header
	Group  uint32
	NodeID uint32
	Role   uint8
}

const haUpdateBodyLen = 4 + 4 + 1

func (u HAUpdate) Encode() []byte {
	buf := make([]byte, HeaderLen+haUpdateBodyLen)
	PutHeader(buf, u.Header)
	off := HeaderLen
	off = putU32(buf, off, u.Group)
	off = putU32(buf, off, u.NodeID)
	putU8(buf, off, u.Role)
	return buf
}

func DecodeHAUpdate(buf []byte) (HAUpdate, error) {
	if len(buf) < HeaderLen+haUpdateBodyLen {
		return HAUpdate{}, ErrShortBuffer
	}
	h, err := GetHeader(buf)
	if err != nil {
		return HAUpdate{}, err
	}
	off := HeaderLen
	group, off := getU32(buf, off)
	nodeID, off := getU32(buf, off)
	role, _ := getU8(buf, off)
	return HAUpdate{Header: h, Group: group, NodeID: nodeID, Role: role}, nil
}

// Binding is a single cross-bound subscription contributed by a local
// subscriber that used cross_bind=true in its REGISTER.
type Binding struct {
	SubscriptionType uint8
	SubscriptionID   uint32
}

const bindingLen = 1 + 4

// BindingBatch is the BINDING message: a batch of Bindings plus the
// subscriber-id the peer uses to re-run its local subscribe routine.
type BindingBatch struct {
	Header       Header
	SubscriberID uint32
	Bindings     []Binding
}

func (b BindingBatch) Encode() []byte {
	buf := make([]byte, HeaderLen+4+1+len(b.Bindings)*bindingLen)
	PutHeader(buf, b.Header)
	off := HeaderLen
	off = putU32(buf, off, b.SubscriberID)
	off = putU8(buf, off, uint8(len(b.Bindings)))
	for _, bind := range b.Bindings {
		off = putU8(buf, off, bind.SubscriptionType)
		off = putU32(buf, off, bind.SubscriptionID)
	}
	return buf
}

func DecodeBindingBatch(buf []byte) (BindingBatch, error) {
	if len(buf) < HeaderLen+5 {
		return BindingBatch{}, ErrShortBuffer
	}
	h, err := GetHeader(buf)
	if err != nil {
		return BindingBatch{}, err
	}
	off := HeaderLen
	subID, off := getU32(buf, off)
	count, off := getU8(buf, off)
	bindings := make([]Binding, 0, count)
	for i := 0; i < int(count); i++ {
		if off+bindingLen > len(buf) {
			return BindingBatch{}, ErrShortBuffer
		}
		var typ uint8
		typ, off = getU8(buf, off)
		var id uint32
		id, off = getU32(buf, off)
		bindings = append(bindings, Binding{SubscriptionType: typ, SubscriptionID: id})
	}
	return BindingBatch{Header: h, SubscriberID: subID, Bindings: bindings}, nil
}
