// SPDX-License-Identifier: AGPL-3.0-or-later
// hwmgr - distributed hardware cluster membership and liveness manager
// Copyright (C) 2024 anshulthakur

package wire_test

import (
	"testing"

	"github.com/anshulthakur/hwmgr/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeaconRoundTrip(t *testing.T) {
	b := wire.Beacon{
		Header:       wire.Header{HWID: 1, MsgType: wire.MsgKeepalive, Timestamp: 42},
		ListenPort:   9100,
		NumNodes:     3,
		NumProcesses: 7,
	}
	got, err := wire.DecodeBeacon(b.Encode())
	require.NoError(t, err)
	assert.Equal(t, b, got)
}

func TestReplayChunkRoundTripStrictOrdering(t *testing.T) {
	chunk := wire.ReplayChunk{
		Header: wire.Header{HWID: 2, MsgType: wire.MsgReplay, Timestamp: 7},
		Last:   true,
		Records: []wire.ReplayRecord{
			{Tag: wire.RecordNode, Node: wire.NodeRecord{Group: 1, NodeID: 42, UpdateType: wire.UpdateActive, Role: 1, Running: true}},
			{Tag: wire.RecordProcess, Process: wire.ProcessRecord{Type: 7, NodeID: 42, UpdateType: wire.UpdateActive, PID: 0xBBBB}},
		},
	}
	got, err := wire.DecodeReplayChunk(chunk.Encode())
	require.NoError(t, err)
	assert.Equal(t, chunk, got)
	assert.Equal(t, wire.RecordNode, got.Records[0].Tag, "NODE records must precede PROCESS records on the wire")
}

func TestNodeUpdateRoundTrip(t *testing.T) {
	u := wire.NodeUpdate{
		Header: wire.Header{HWID: 1, MsgType: wire.MsgNodeUpdate, Timestamp: 1},
		Record: wire.NodeRecord{Group: 1, NodeID: 42, UpdateType: wire.UpdateActive, Role: 2, Running: true},
	}
	got, err := wire.DecodeNodeUpdate(u.Encode())
	require.NoError(t, err)
	assert.Equal(t, u, got)
}

func TestBindingBatchRoundTrip(t *testing.T) {
	batch := wire.BindingBatch{
		Header:       wire.Header{HWID: 1, MsgType: wire.MsgBinding, Timestamp: 1},
		SubscriberID: 0xAAAA,
		Bindings: []wire.Binding{
			{SubscriptionType: uint8(wire.SubscribeProcess), SubscriptionID: 7},
		},
	}
	got, err := wire.DecodeBindingBatch(batch.Encode())
	require.NoError(t, err)
	assert.Equal(t, batch, got)
}

func TestNotifyRoundTrip(t *testing.T) {
	n := wire.Notify{
		Header:   wire.Header{HWID: 1, MsgType: wire.MsgNotify, Timestamp: 5},
		Type:     wire.NotifyProcAvailable,
		ID:       99,
		SubsPID:  0xAAAA,
		ProcType: 7,
		AddrInfo: wire.AddrInfo{AddrType: 4, Port: 9100, HWIndex: 1, Group: 1, NodeID: 42},
	}
	got, err := wire.DecodeNotify(n.Encode())
	require.NoError(t, err)
	assert.Equal(t, n, got)
}

func TestGetHeaderShortBuffer(t *testing.T) {
	_, err := wire.GetHeader([]byte{1, 2, 3})
	assert.ErrorIs(t, err, wire.ErrShortBuffer)
}
