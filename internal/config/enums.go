// SPDX-License-Identifier: AGPL-3.0-or-later
// hwmgr - distributed hardware cluster membership and liveness manager
// Copyright (C) 2024 anshulthakur

package config

// HeartbeatScope names which liveness mechanism a <heartbeat> element
// configures.
type HeartbeatScope string

const (
	// HeartbeatScopeNode is the per-node keepalive heartbeat.
	HeartbeatScopeNode HeartbeatScope = "node"
	// HeartbeatScopeCluster is the inter-location beacon/replay heartbeat.
	HeartbeatScopeCluster HeartbeatScope = "cluster"
	// HeartbeatScopeHA is the HA pairing wait-interval heartbeat.
	HeartbeatScopeHA HeartbeatScope = "ha"
)

// PeriodResolution is the unit a <period> value is expressed in.
type PeriodResolution string

const (
	// PeriodResolutionMillis treats the period value as milliseconds.
	PeriodResolutionMillis PeriodResolution = "ms"
	// PeriodResolutionSeconds treats the period value as seconds.
	PeriodResolutionSeconds PeriodResolution = "s"
)

// AddressRole distinguishes an address that names this instance's own
// socket from one that names a remote peer's.
type AddressRole string

const (
	// AddressRoleLocal is a socket this instance binds.
	AddressRoleLocal AddressRole = "local"
	// AddressRoleCluster is a remote peer's advertised address.
	AddressRoleCluster AddressRole = "cluster"
)

// AddressScope names which subsystem an <address> element configures.
type AddressScope string

const (
	// AddressScopeNode is the node-facing application protocol socket.
	AddressScopeNode AddressScope = "node"
	// AddressScopeCluster is the peer cluster-protocol socket.
	AddressScopeCluster AddressScope = "cluster"
)

// IPVersion is the IP version an address is expressed in.
type IPVersion string

const (
	// IPVersion4 is IPv4.
	IPVersion4 IPVersion = "4"
	// IPVersion6 is IPv6.
	IPVersion6 IPVersion = "6"
)

// TransportProto is the socket kind an <address> element opens.
type TransportProto string

const (
	// TransportProtoTCP is a TCP stream socket.
	TransportProtoTCP TransportProto = "tcp"
	// TransportProtoUDP is a UDP unicast socket.
	TransportProtoUDP TransportProto = "udp"
	// TransportProtoMulticast is a UDP multicast socket.
	TransportProtoMulticast TransportProto = "mcast"
)

// NodeRole is a configured node's desired HA role.
type NodeRole string

const (
	// NodeRoleActive is the desired-ACTIVE role.
	NodeRoleActive NodeRole = "active"
	// NodeRolePassive is the desired-PASSIVE role.
	NodeRolePassive NodeRole = "passive"
)

// SubscriptionType is the table kind a <subscription> element targets.
type SubscriptionType string

const (
	// SubscriptionTypeGroup subscribes to a group's active row.
	SubscriptionTypeGroup SubscriptionType = "group"
	// SubscriptionTypeProcess subscribes to a process's active row.
	SubscriptionTypeProcess SubscriptionType = "process"
	// SubscriptionTypeInterface subscribes to an interface's active row.
	SubscriptionTypeInterface SubscriptionType = "interface"
)
