// SPDX-License-Identifier: AGPL-3.0-or-later
// hwmgr - distributed hardware cluster membership and liveness manager
// Copyright (C) 2024 anshulthakur

package wire

// Node-facing protocol: registration, process lifecycle and notification
// delivery.

// InitRequest is sent by a connecting node.
type InitRequest struct {
	Header              Header
	NodeIndex           uint32
	GroupIndex          uint32
	KeepalivePreference uint32
}

const initRequestBodyLen = 4 + 4 + 4

func (r InitRequest) Encode() []byte {
	buf := make([]byte, HeaderLen+initRequestBodyLen)
	PutHeader(buf, r.Header)
	off := HeaderLen
	off = putU32(buf, off, r.NodeIndex)
	off = putU32(buf, off, r.GroupIndex)
	putU32(buf, off, r.KeepalivePreference)
	return buf
}

func DecodeInitRequest(buf []byte) (InitRequest, error) {
	if len(buf) < HeaderLen+initRequestBodyLen {
		return InitRequest{}, ErrShortBuffer
	}
	h, err := GetHeader(buf)
	if err != nil {
		return InitRequest{}, err
	}
	off := HeaderLen
	nodeIndex, off := getU32(buf, off)
	groupIndex, off := getU32(buf, off)
	pref, _ := getU32(buf, off)
	return InitRequest{Header: h, NodeIndex: nodeIndex, GroupIndex: groupIndex, KeepalivePreference: pref}, nil
}

// InitResponse answers an InitRequest.
type InitResponse struct {
	Header              Header
	ResponseOK          bool
	HardwareIndex       uint32
	CurrentRole         uint8
	NegotiatedKeepalive uint32
}

const initResponseBodyLen = 1 + 4 + 1 + 4

func (r InitResponse) Encode() []byte {
	buf := make([]byte, HeaderLen+initResponseBodyLen)
	PutHeader(buf, r.Header)
	off := HeaderLen
	off = putBool(buf, off, r.ResponseOK)
	off = putU32(buf, off, r.HardwareIndex)
	off = putU8(buf, off, r.CurrentRole)
	putU32(buf, off, r.NegotiatedKeepalive)
	return buf
}

func DecodeInitResponse(buf []byte) (InitResponse, error) {
	if len(buf) < HeaderLen+initResponseBodyLen {
		return InitResponse{}, ErrShortBuffer
	}
	h, err := GetHeader(buf)
	if err != nil {
		return InitResponse{}, err
	}
	off := HeaderLen
	ok, off := getBool(buf, off)
	hwIndex, off := getU32(buf, off)
	role, off := getU8(buf, off)
	keepalive, _ := getU32(buf, off)
	return InitResponse{Header: h, ResponseOK: ok, HardwareIndex: hwIndex, CurrentRole: role, NegotiatedKeepalive: keepalive}, nil
}

// SubscriptionType is the kind a REGISTER TLV names.
type SubscriptionType uint8

const (
	SubscribeGroup SubscriptionType = iota
	SubscribeProcess
	SubscribeInterface
)

// SubscriptionTLV is one entry in a REGISTER frame.
type SubscriptionTLV struct {
	ID        uint32
	CrossBind bool
}

// Register is the node-facing REGISTER frame.
type Register struct {
	Header           Header
	SubscriberPID    uint32
	SubscriptionType SubscriptionType
	TLVs             []SubscriptionTLV
	ResponseOK       bool
}

const registerTLVLen = 4 + 1

func (r Register) Encode() []byte {
	buf := make([]byte, HeaderLen+4+1+1+1+len(r.TLVs)*registerTLVLen)
	PutHeader(buf, r.Header)
	off := HeaderLen
	off = putU32(buf, off, r.SubscriberPID)
	off = putU8(buf, off, uint8(r.SubscriptionType))
	off = putU8(buf, off, uint8(len(r.TLVs)))
	off = putBool(buf, off, r.ResponseOK)
	for _, tlv := range r.TLVs {
		off = putU32(buf, off, tlv.ID)
		off = putBool(buf, off, tlv.CrossBind)
	}
	return buf
}

func DecodeRegister(buf []byte) (Register, error) {
	if len(buf) < HeaderLen+7 {
		return Register{}, ErrShortBuffer
	}
	h, err := GetHeader(buf)
	if err != nil {
		return Register{}, err
	}
	off := HeaderLen
	pid, off := getU32(buf, off)
	subType, off := getU8(buf, off)
	count, off := getU8(buf, off)
	ok, off := getBool(buf, off)
	tlvs := make([]SubscriptionTLV, 0, count)
	for i := 0; i < int(count); i++ {
		if off+registerTLVLen > len(buf) {
			return Register{}, ErrShortBuffer
		}
		var id uint32
		id, off = getU32(buf, off)
		var cross bool
		cross, off = getBool(buf, off)
		tlvs = append(tlvs, SubscriptionTLV{ID: id, CrossBind: cross})
	}
	return Register{Header: h, SubscriberPID: pid, SubscriptionType: SubscriptionType(subType), TLVs: tlvs, ResponseOK: ok}, nil
}

// ProcessLifecycle is shared by PROCESS_CREATE and PROCESS_DESTROY; the
// message type in Header distinguishes which.
type ProcessLifecycle struct {
	Header   Header
	ProcType uint32
	PID      uint32
	Name     string
}

const processLifecycleFixedLen = 4 + 4 + 2 // type + pid + name length

func (p ProcessLifecycle) Encode() []byte {
	name := []byte(p.Name)
	buf := make([]byte, HeaderLen+processLifecycleFixedLen+len(name))
	PutHeader(buf, p.Header)
	off := HeaderLen
	off = putU32(buf, off, p.ProcType)
	off = putU32(buf, off, p.PID)
	off = putU16(buf, off, uint16(len(name)))
	copy(buf[off:], name)
	return buf
}

func DecodeProcessLifecycle(buf []byte) (ProcessLifecycle, error) {
	if len(buf) < HeaderLen+processLifecycleFixedLen {
		return ProcessLifecycle{}, ErrShortBuffer
	}
	h, err := GetHeader(buf)
	if err != nil {
		return ProcessLifecycle{}, err
	}
	off := HeaderLen
	typ, off := getU32(buf, off)
	pid, off := getU32(buf, off)
	nameLen, off := getU16(buf, off)
	if off+int(nameLen) > len(buf) {
		return ProcessLifecycle{}, ErrShortBuffer
	}
	name := string(buf[off : off+int(nameLen)])
	return ProcessLifecycle{Header: h, ProcType: typ, PID: pid, Name: name}, nil
}

func putU16(buf []byte, off int, v uint16) int {
	buf[off] = byte(v >> 8)
	buf[off+1] = byte(v)
	return off + 2
}

func getU16(buf []byte, off int) (uint16, int) {
	return uint16(buf[off])<<8 | uint16(buf[off+1]), off + 2
}

// NotifyType enumerates NOTIFY frame kinds.
type NotifyType uint8

const (
	NotifyNodeUp NotifyType = iota
	NotifyNodeDown
	NotifyProcAvailable
	NotifyProcGone
	NotifyInterfaceAdd
	NotifyInterfaceDelete
	NotifyHARole
)

// AddrInfo carries the addressing details a NOTIFY frame attaches to
// describe where the affected entity lives.
type AddrInfo struct {
	AddrType uint8
	Addr     [16]byte
	Port     uint16
	HWIndex  uint32
	Group    uint32
	NodeID   uint32
	Role     uint8
}

const addrInfoLen = 1 + 16 + 2 + 4 + 4 + 4 + 1

func (a AddrInfo) encode(buf []byte, off int) int {
	off = putU8(buf, off, a.AddrType)
	copy(buf[off:off+16], a.Addr[:])
	off += 16
	off = putU16(buf, off, a.Port)
	off = putU32(buf, off, a.HWIndex)
	off = putU32(buf, off, a.Group)
	off = putU32(buf, off, a.NodeID)
	return putU8(buf, off, a.Role)
}

func decodeAddrInfo(buf []byte, off int) (AddrInfo, int) {
	var a AddrInfo
	a.AddrType, off = getU8(buf, off)
	copy(a.Addr[:], buf[off:off+16])
	off += 16
	a.Port, off = getU16(buf, off)
	a.HWIndex, off = getU32(buf, off)
	a.Group, off = getU32(buf, off)
	a.NodeID, off = getU32(buf, off)
	a.Role, off = getU8(buf, off)
	return a, off
}

// Notify is the node-facing NOTIFY frame.
type Notify struct {
	Header   Header
	Type     NotifyType
	ID       uint64
	SubsPID  uint32
	IfID     uint32
	ProcType uint32
	AddrInfo AddrInfo
}

const notifyBodyLen = 1 + 8 + 4 + 4 + 4 + addrInfoLen

func (n Notify) Encode() []byte {
	buf := make([]byte, HeaderLen+notifyBodyLen)
	PutHeader(buf, n.Header)
	off := HeaderLen
	off = putU8(buf, off, uint8(n.Type))
	off = putU64(buf, off, n.ID)
	off = putU32(buf, off, n.SubsPID)
	off = putU32(buf, off, n.IfID)
	off = putU32(buf, off, n.ProcType)
	n.AddrInfo.encode(buf, off)
	return buf
}

func DecodeNotify(buf []byte) (Notify, error) {
	if len(buf) < HeaderLen+notifyBodyLen {
		return Notify{}, ErrShortBuffer
	}
	h, err := GetHeader(buf)
	if err != nil {
		return Notify{}, err
	}
	off := HeaderLen
	typ, off := getU8(buf, off)
	id, off := getU64(buf, off)
	subsPID, off := getU32(buf, off)
	ifID, off := getU32(buf, off)
	procType, off := getU32(buf, off)
	addr, _ := decodeAddrInfo(buf, off)
	return Notify{Header: h, Type: NotifyType(typ), ID: id, SubsPID: subsPID, IfID: ifID, ProcType: procType, AddrInfo: addr}, nil
}
