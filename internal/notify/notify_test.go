// SPDX-License-Identifier: AGPL-3.0-or-later
// hwmgr - distributed hardware cluster membership and liveness manager
// Copyright (C) 2024 anshulthakur

package notify_test

import (
	"context"
	"testing"
	"time"

	"github.com/anshulthakur/hwmgr/internal/model"
	"github.com/anshulthakur/hwmgr/internal/notify"
	"github.com/anshulthakur/hwmgr/internal/sub"
	"github.com/anshulthakur/hwmgr/internal/transport"
	"github.com/anshulthakur/hwmgr/internal/wire"
	"github.com/stretchr/testify/require"
)

func localSubscriber(t *testing.T, svc *transport.Service) (transport.Handle, chan []byte) {
	t.Helper()
	ctx := context.Background()
	listenH, err := svc.Open(ctx, transport.TCPListen, "127.0.0.1:0")
	require.NoError(t, err)
	addr, _ := svc.Addr(listenH)
	clientH, err := svc.Open(ctx, transport.TCPOut, addr.String())
	require.NoError(t, err)

	received := make(chan []byte, 8)
	var serverH transport.Handle
	go func() {
		for ev := range svc.Events {
			switch {
			case ev.Handle == listenH && ev.Kind == transport.EventAccepted:
				serverH = ev.NewHandle
			case ev.Handle == clientH && ev.Kind == transport.EventData:
				received <- ev.Data
			}
		}
	}()
	require.Eventually(t, func() bool { return serverH != 0 }, time.Second, time.Millisecond)
	return serverH, received
}

func TestEnqueueDeliversToLocalSubscriber(t *testing.T) {
	svc := transport.NewService()
	serverH, received := localSubscriber(t, svc)

	subEngine := sub.NewEngine()
	subscriberKey := model.GlobalKey{Kind: model.RowProcess, Location: 1, ProcessKey: model.ProcessKey{PID: 5}}
	subEngine.Subscribe(sub.KindGroup, 1, subscriberKey, 5, uint64(serverH), false)

	n := notify.NewEngine(subEngine, svc, 1)
	n.Enqueue(wire.NotifyNodeUp, model.GlobalKey{}, sub.Key{Kind: sub.KindGroup, Value: 1}, wire.Header{HWID: 1}, 0, 0, wire.AddrInfo{})

	require.Eventually(t, func() bool { return len(received) == 1 }, time.Second, time.Millisecond)
}

func TestRemoteSubscriberIsSkippedNotDelivered(t *testing.T) {
	svc := transport.NewService()
	subEngine := sub.NewEngine()
	remoteKey := model.GlobalKey{Kind: model.RowProcess, Location: 2, ProcessKey: model.ProcessKey{PID: 9}}
	subEngine.Subscribe(sub.KindGroup, 1, remoteKey, 9, 0, false)

	n := notify.NewEngine(subEngine, svc, 1)
	note := n.Enqueue(wire.NotifyNodeUp, model.GlobalKey{}, sub.Key{Kind: sub.KindGroup, Value: 1}, wire.Header{HWID: 1}, 0, 0, wire.AddrInfo{})

	require.Equal(t, 0, note.RefCount, "remote subscribers still advance last_processed_id so the notification frees")
}

func TestMonotonicIDsAcrossNotifications(t *testing.T) {
	svc := transport.NewService()
	subEngine := sub.NewEngine()
	n := notify.NewEngine(subEngine, svc, 1)

	first := n.Enqueue(wire.NotifyNodeUp, model.GlobalKey{}, sub.Key{Kind: sub.KindGroup, Value: 1}, wire.Header{}, 0, 0, wire.AddrInfo{})
	second := n.Enqueue(wire.NotifyNodeDown, model.GlobalKey{}, sub.Key{Kind: sub.KindGroup, Value: 1}, wire.Header{}, 0, 0, wire.AddrInfo{})
	require.Less(t, first.ID, second.ID)
}
