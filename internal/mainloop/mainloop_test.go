// SPDX-License-Identifier: AGPL-3.0-or-later
// hwmgr - distributed hardware cluster membership and liveness manager
// Copyright (C) 2024 anshulthakur

package mainloop_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anshulthakur/hwmgr/internal/cluster"
	"github.com/anshulthakur/hwmgr/internal/mainloop"
	"github.com/anshulthakur/hwmgr/internal/model"
	"github.com/anshulthakur/hwmgr/internal/node"
	"github.com/anshulthakur/hwmgr/internal/notify"
	"github.com/anshulthakur/hwmgr/internal/sub"
	"github.com/anshulthakur/hwmgr/internal/timer"
	"github.com/anshulthakur/hwmgr/internal/transport"
	"github.com/anshulthakur/hwmgr/internal/wire"
)

type stubPeers struct{}

func (stubPeers) ExchangeBinding(uint32, []wire.Binding)    {}
func (stubPeers) BroadcastNodeUpdate(wire.NodeRecord)       {}
func (stubPeers) BroadcastProcessUpdate(wire.ProcessRecord) {}

func setup(t *testing.T) (*mainloop.Loop, *transport.Service, transport.Handle, transport.Handle, *model.Registry) {
	t.Helper()
	reg := model.NewRegistry(1)
	reg.AddLocation(model.NewLocation(1))
	transp := transport.NewService()
	subs := sub.NewEngine()
	n := notify.NewEngine(subs, transp, 1)
	timers := timer.NewService()

	clusterH := cluster.NewHandler(reg, transp, timers, subs, n, 1)
	nodeH := node.NewHandler(reg, transp, timers, subs, n, stubPeers{}, 1)

	peerListenH, err := transp.Open(context.Background(), transport.TCPListen, "127.0.0.1:0")
	require.NoError(t, err)
	nodeListenH, err := transp.Open(context.Background(), transport.TCPListen, "127.0.0.1:0")
	require.NoError(t, err)
	clusterH.BindSockets(0, peerListenH, 0)
	nodeH.BindListen(nodeListenH)

	loop := mainloop.New(transp, timers, clusterH, nodeH, 0)
	return loop, transp, peerListenH, nodeListenH, reg
}

func TestLoopRoutesNodeInitRequestToNodeHandler(t *testing.T) {
	loop, transp, _, nodeListenH, reg := setup(t)
	local, _ := reg.Local()
	local.AddNode(model.NewNode(7, 3, "n7", model.RoleActive))

	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	defer cancel()

	addr, _ := transp.Addr(nodeListenH)
	clientH, err := transp.Open(context.Background(), transport.TCPOut, addr.String())
	require.NoError(t, err)

	for {
		ev := <-transp.Events
		if ev.Handle == clientH && ev.Kind == transport.EventConnected {
			break
		}
	}

	req := wire.InitRequest{Header: wire.Header{HWID: 9, MsgType: wire.MsgInitRequest}, NodeIndex: 7}
	require.NoError(t, transp.Send(clientH, req.Encode()))

	for {
		ev := <-transp.Events
		if ev.Handle == clientH && ev.Kind == transport.EventData {
			resp, err := wire.DecodeInitResponse(ev.Data)
			require.NoError(t, err)
			assert.True(t, resp.ResponseOK)
			return
		}
	}
}

func TestLoopRoutesPeerInitToClusterHandler(t *testing.T) {
	loop, transp, peerListenH, _, reg := setup(t)

	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	defer cancel()

	addr, _ := transp.Addr(peerListenH)
	clientH, err := transp.Open(context.Background(), transport.TCPOut, addr.String())
	require.NoError(t, err)

	for {
		ev := <-transp.Events
		if ev.Handle == clientH && ev.Kind == transport.EventConnected {
			break
		}
	}

	req := wire.PeerInit{Header: wire.Header{HWID: 2, MsgType: wire.MsgInit}, Request: true}
	require.NoError(t, transp.Send(clientH, req.Encode()))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-transp.Events:
			if ev.Handle == clientH && ev.Kind == transport.EventData {
				hdr, err := wire.GetHeader(ev.Data)
				require.NoError(t, err)
				if hdr.MsgType == wire.MsgInit {
					_, ok := reg.Location(2)
					assert.True(t, ok)
					return
				}
			}
		case <-deadline:
			t.Fatal("timed out waiting for peer INIT response")
		}
	}
}
