// SPDX-License-Identifier: AGPL-3.0-or-later
// hwmgr - distributed hardware cluster membership and liveness manager
// Copyright (C) 2024 anshulthakur

package cluster_test

import (
	"context"
	"testing"

	"github.com/anshulthakur/hwmgr/internal/cluster"
	"github.com/anshulthakur/hwmgr/internal/model"
	"github.com/anshulthakur/hwmgr/internal/notify"
	"github.com/anshulthakur/hwmgr/internal/sub"
	"github.com/anshulthakur/hwmgr/internal/timer"
	"github.com/anshulthakur/hwmgr/internal/transport"
	"github.com/anshulthakur/hwmgr/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHandler(localLoc uint32) (*cluster.Handler, *model.Registry, *transport.Service) {
	reg := model.NewRegistry(localLoc)
	reg.AddLocation(model.NewLocation(localLoc))
	transp := transport.NewService()
	subs := sub.NewEngine()
	n := notify.NewEngine(subs, transp, localLoc)
	return cluster.NewHandler(reg, transp, timer.NewService(), subs, n, localLoc), reg, transp
}

func TestHandleInitRequestRepliesAndSendsReplay(t *testing.T) {
	h, reg, transp := newHandler(1)

	local, _ := reg.Local()
	node := model.NewNode(1, 5, "n1", model.RoleActive)
	local.AddNode(node)

	listenH, err := transp.Open(ctxTODO(), transport.TCPListen, "127.0.0.1:0")
	require.NoError(t, err)
	addr, _ := transp.Addr(listenH)
	clientH, err := transp.Open(ctxTODO(), transport.TCPOut, addr.String())
	require.NoError(t, err)

	var serverH transport.Handle
	for serverH == 0 {
		ev := <-transp.Events
		if ev.Handle == listenH && ev.Kind == transport.EventAccepted {
			serverH = ev.NewHandle
		}
	}

	req := wire.PeerInit{Header: wire.Header{HWID: 2, MsgType: wire.MsgInit}, Request: true}
	h.HandlePeerFrame(serverH, req.Encode())

	loc, ok := reg.Location(2)
	require.True(t, ok)
	assert.Equal(t, model.LocationActive, loc.FSMState)

	var sawInitResponse, sawReplayLast bool
	for !sawInitResponse || !sawReplayLast {
		ev := <-transp.Events
		if ev.Handle != clientH || ev.Kind != transport.EventData {
			continue
		}
		hdr, err := wire.GetHeader(ev.Data)
		require.NoError(t, err)
		switch hdr.MsgType {
		case wire.MsgInit:
			resp, err := wire.DecodePeerInit(ev.Data)
			require.NoError(t, err)
			assert.True(t, resp.ResponseOK)
			sawInitResponse = true
		case wire.MsgReplay:
			chunk, err := wire.DecodeReplayChunk(ev.Data)
			require.NoError(t, err)
			if chunk.Last {
				sawReplayLast = true
				require.Len(t, chunk.Records, 1)
				assert.Equal(t, wire.RecordNode, chunk.Records[0].Tag)
			}
		}
	}
}

func TestReplayProcessBeforeNodeIsDropped(t *testing.T) {
	h, reg, transp := newHandler(1)
	_ = reg

	listenH, err := transp.Open(ctxTODO(), transport.TCPListen, "127.0.0.1:0")
	require.NoError(t, err)
	addr, _ := transp.Addr(listenH)
	_, err = transp.Open(ctxTODO(), transport.TCPOut, addr.String())
	require.NoError(t, err)

	var serverH transport.Handle
	for serverH == 0 {
		ev := <-transp.Events
		if ev.Handle == listenH && ev.Kind == transport.EventAccepted {
			serverH = ev.NewHandle
		}
	}

	init := wire.PeerInit{Header: wire.Header{HWID: 9, MsgType: wire.MsgInit}, Request: true}
	h.HandlePeerFrame(serverH, init.Encode())

	badChunk := wire.ReplayChunk{
		Header: wire.Header{HWID: 9, MsgType: wire.MsgReplay},
		Last:   true,
		Records: []wire.ReplayRecord{
			{Tag: wire.RecordProcess, Process: wire.ProcessRecord{Type: 1, NodeID: 77, PID: 1}},
		},
	}
	h.HandlePeerFrame(serverH, badChunk.Encode())

	peerLoc, ok := reg.Location(9)
	require.True(t, ok)
	_, nodeExists := peerLoc.Node(77)
	assert.False(t, nodeExists, "a PROCESS record with no preceding NODE record must be dropped")
}

func TestHandleBeaconTriggersReplayOnCountMismatch(t *testing.T) {
	h, reg, transp := newHandler(1)

	listenH, err := transp.Open(ctxTODO(), transport.TCPListen, "127.0.0.1:0")
	require.NoError(t, err)
	addr, _ := transp.Addr(listenH)
	clientH, err := transp.Open(ctxTODO(), transport.TCPOut, addr.String())
	require.NoError(t, err)

	var serverH transport.Handle
	for serverH == 0 {
		ev := <-transp.Events
		if ev.Handle == listenH && ev.Kind == transport.EventAccepted {
			serverH = ev.NewHandle
		}
	}

	peerLoc := model.NewLocation(3)
	peerLoc.PeerListenTransport = uint64(serverH)
	reg.AddLocation(peerLoc)

	// Our record of location 3 holds no nodes or processes, so a beacon
	// advertising 5 and 2 must send it an INIT request asking for a replay.
	b := wire.Beacon{Header: wire.Header{HWID: 3}, NumNodes: 5, NumProcesses: 2}
	h.HandleBeacon("127.0.0.1:0", b.Encode())

	for {
		ev := <-transp.Events
		if ev.Handle != clientH || ev.Kind != transport.EventData {
			continue
		}
		req, err := wire.DecodePeerInit(ev.Data)
		require.NoError(t, err)
		assert.Equal(t, wire.MsgInit, req.Header.MsgType)
		assert.True(t, req.Request)
		return
	}
}

func TestHandleConnectedSendsInitOnUnresolvedSession(t *testing.T) {
	h, _, transp := newHandler(1)

	listenH, err := transp.Open(ctxTODO(), transport.TCPListen, "127.0.0.1:0")
	require.NoError(t, err)
	addr, _ := transp.Addr(listenH)
	clientH, err := transp.Open(ctxTODO(), transport.TCPOut, addr.String())
	require.NoError(t, err)

	var serverH transport.Handle
	for serverH == 0 {
		ev := <-transp.Events
		if ev.Handle == listenH && ev.Kind == transport.EventAccepted {
			serverH = ev.NewHandle
		}
	}

	// serverH stands in for a handle HandleBeacon would have dialed itself;
	// HandleConnected doesn't care which side opened the connection, only
	// that a session for it exists and is unresolved.
	h.HandleAccepted(serverH)
	h.HandleConnected(serverH)

	for {
		ev := <-transp.Events
		if ev.Handle != clientH || ev.Kind != transport.EventData {
			continue
		}
		hdr, err := wire.GetHeader(ev.Data)
		require.NoError(t, err)
		assert.Equal(t, wire.MsgInit, hdr.MsgType)
		req, err := wire.DecodePeerInit(ev.Data)
		require.NoError(t, err)
		assert.True(t, req.Request)
		return
	}
}

func TestHandleConnectedNoOpWithoutSession(t *testing.T) {
	h, _, transp := newHandler(1)
	// No HandleAccepted/HandleBeacon ever ran for this handle, so there is
	// no session entry; HandleConnected must not panic or send anything.
	h.HandleConnected(transport.Handle(12345))
	_ = transp
}

func ctxTODO() context.Context {
	return context.Background()
}
