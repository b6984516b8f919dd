// SPDX-License-Identifier: AGPL-3.0-or-later
// hwmgr - distributed hardware cluster membership and liveness manager
// Copyright (C) 2024 anshulthakur

package transport

import (
	"net"

	"golang.org/x/net/ipv4"
)

// multicastSocket wraps the UDP socket joined to a beacon group. Loopback
// is disabled so a process never receives its own beacons.
type multicastSocket struct {
	conn  *net.UDPConn
	pc    *ipv4.PacketConn
	group *net.UDPAddr
}

func openMulticast(address string) (*multicastSocket, error) {
	group, err := net.ResolveUDPAddr("udp4", address)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: group.Port})
	if err != nil {
		return nil, err
	}
	pc := ipv4.NewPacketConn(conn)
	iface, err := defaultMulticastInterface()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := pc.JoinGroup(iface, group); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := pc.SetMulticastLoopback(false); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &multicastSocket{conn: conn, pc: pc, group: group}, nil
}

func (m *multicastSocket) close() error {
	_ = m.pc.LeaveGroup(nil, m.group)
	return m.conn.Close()
}

// defaultMulticastInterface picks the first interface that supports
// multicast, falling back to nil (all interfaces) if none is found.
func defaultMulticastInterface() (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagMulticast != 0 && iface.Flags&net.FlagUp != 0 {
			return &iface, nil
		}
	}
	return nil, nil
}

func (s *Service) multicastReadLoop(h Handle, sock *socket) {
	buf := make([]byte, 65536)
	for {
		n, _, from, err := sock.mc.pc.ReadFrom(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		s.Events <- Event{Handle: h, Kind: EventData, Data: data, From: from}
	}
}

func (s *Service) multicastWriteLoop(sock *socket) {
	for {
		msg, ok := sock.nextOutbound()
		if !ok {
			return
		}
		_, _ = sock.mc.conn.WriteToUDP(msg, sock.mc.group)
	}
}
