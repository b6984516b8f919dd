// SPDX-License-Identifier: AGPL-3.0-or-later
// hwmgr - distributed hardware cluster membership and liveness manager
// Copyright (C) 2024 anshulthakur

// Package wire implements the on-wire codec for the peer cluster protocol
// and the node-facing protocol. Every multi-byte integer is big-endian via
// explicit Put/Get helpers — receivers must never assume in-place struct
// layout. The message-type constants are stable; renaming one is a
// protocol break.
package wire

import (
	"encoding/binary"
	"errors"
)

// ErrShortBuffer is returned when a buffer is too small to decode a frame;
// on a stream socket this is a structural violation and the connection may
// be torn down.
var ErrShortBuffer = errors.New("wire: buffer too short")

// ErrUnknownMsgType flags an unrecognized message type: a protocol
// violation that causes the frame to be dropped, never the connection.
var ErrUnknownMsgType = errors.New("wire: unknown message type")

// MsgType is the peer/node protocol message-type tag, carried big-endian
// as a u32 in the common header.
type MsgType uint32

const (
	MsgKeepalive MsgType = iota + 1
	MsgInit
	MsgReplay
	MsgNodeUpdate
	MsgProcessUpdate
	MsgHAUpdate
	MsgBinding

	MsgInitRequest
	MsgInitResponse
	MsgRegister
	MsgProcessCreate
	MsgProcessDestroy
	MsgNotify
)

// HeaderLen is the encoded size of Header in bytes.
const HeaderLen = 4 + 4 + 8

// Header is the common envelope for every peer and node-facing frame:
// {hw_id: u32-be, msg_type: u32-be, timestamp: u64-be}.
type Header struct {
	HWID      uint32
	MsgType   MsgType
	Timestamp uint64
}

func PutHeader(buf []byte, h Header) {
	binary.BigEndian.PutUint32(buf[0:4], h.HWID)
	binary.BigEndian.PutUint32(buf[4:8], uint32(h.MsgType))
	binary.BigEndian.PutUint64(buf[8:16], h.Timestamp)
}

func GetHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, ErrShortBuffer
	}
	return Header{
		HWID:      binary.BigEndian.Uint32(buf[0:4]),
		MsgType:   MsgType(binary.BigEndian.Uint32(buf[4:8])),
		Timestamp: binary.BigEndian.Uint64(buf[8:16]),
	}, nil
}

func putU32(buf []byte, off int, v uint32) int {
	binary.BigEndian.PutUint32(buf[off:off+4], v)
	return off + 4
}

func getU32(buf []byte, off int) (uint32, int) {
	return binary.BigEndian.Uint32(buf[off : off+4]), off + 4
}

func putU64(buf []byte, off int, v uint64) int {
	binary.BigEndian.PutUint64(buf[off:off+8], v)
	return off + 8
}

func getU64(buf []byte, off int) (uint64, int) {
	return binary.BigEndian.Uint64(buf[off : off+8]), off + 8
}

func putU8(buf []byte, off int, v uint8) int {
	buf[off] = v
	return off + 1
}

func getU8(buf []byte, off int) (uint8, int) {
	return buf[off], off + 1
}
