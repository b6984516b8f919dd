// SPDX-License-Identifier: AGPL-3.0-or-later
// hwmgr - distributed hardware cluster membership and liveness manager
// Copyright (C) 2024 anshulthakur

package config

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingIndex indicates the instance's own location index is
	// absent or zero.
	ErrMissingIndex = errors.New("hm_instance_info index is required and must be nonzero")
	// ErrInvalidHeartbeatScope indicates a <heartbeat> element names a
	// scope other than node, cluster, or ha.
	ErrInvalidHeartbeatScope = errors.New("invalid heartbeat scope provided")
	// ErrInvalidPeriodResolution indicates a <period> element names a
	// resolution other than ms or s.
	ErrInvalidPeriodResolution = errors.New("invalid period resolution provided")
	// ErrZeroPeriod indicates a heartbeat's period value is zero.
	ErrZeroPeriod = errors.New("heartbeat period must be nonzero")
	// ErrZeroThreshold indicates a heartbeat's miss-count threshold is
	// zero.
	ErrZeroThreshold = errors.New("heartbeat threshold must be nonzero")
	// ErrDuplicateHeartbeatScope indicates more than one <heartbeat>
	// element names the same scope.
	ErrDuplicateHeartbeatScope = errors.New("duplicate heartbeat scope provided")
	// ErrInvalidAddressRole indicates an <address> element's type
	// attribute is neither local nor cluster.
	ErrInvalidAddressRole = errors.New("invalid address type provided")
	// ErrInvalidAddressScope indicates an <address> element's scope
	// attribute is neither node nor cluster.
	ErrInvalidAddressScope = errors.New("invalid address scope provided")
	// ErrInvalidIPVersion indicates an <address> element's version
	// attribute is neither 4 nor 6.
	ErrInvalidIPVersion = errors.New("invalid address IP version provided")
	// ErrInvalidTransportProto indicates an <address> element's proto
	// attribute is not tcp, udp, or mcast.
	ErrInvalidTransportProto = errors.New("invalid address transport protocol provided")
	// ErrMissingAddressIP indicates an <address> element has no ip.
	ErrMissingAddressIP = errors.New("address ip is required")
	// ErrInvalidAddressPort indicates an <address> element's port is out
	// of range.
	ErrInvalidAddressPort = errors.New("invalid address port provided")
	// ErrMissingLocalClusterAddress indicates no local/cluster-scope
	// address is configured; the peer listen socket has no bind address.
	ErrMissingLocalClusterAddress = errors.New("a local cluster-scope address is required")
	// ErrMissingNodeName indicates a <node> element has no name.
	ErrMissingNodeName = errors.New("node name is required")
	// ErrInvalidNodeRole indicates a <node> element's role is neither
	// active nor passive.
	ErrInvalidNodeRole = errors.New("invalid node role provided")
	// ErrDuplicateNodeIndex indicates two <node> elements share an index.
	ErrDuplicateNodeIndex = errors.New("duplicate node index provided")
	// ErrInvalidSubscriptionType indicates a <subscription> element's
	// type is not group, process, or interface.
	ErrInvalidSubscriptionType = errors.New("invalid subscription type provided")
	// ErrNodeGroupNotFound is returned by UpdateNodeRole when no node in
	// the document belongs to the requested group.
	ErrNodeGroupNotFound = errors.New("no configured node belongs to the requested group")
)

// Validate validates a Period element.
func (p Period) Validate() error {
	if p.Resolution != PeriodResolutionMillis && p.Resolution != PeriodResolutionSeconds {
		return ErrInvalidPeriodResolution
	}
	if p.Value == 0 {
		return ErrZeroPeriod
	}
	return nil
}

// Validate validates a Heartbeat element.
func (h Heartbeat) Validate() error {
	if h.Scope != HeartbeatScopeNode && h.Scope != HeartbeatScopeCluster && h.Scope != HeartbeatScopeHA {
		return ErrInvalidHeartbeatScope
	}
	if err := h.Period.Validate(); err != nil {
		return err
	}
	if h.Threshold == 0 {
		return ErrZeroThreshold
	}
	return nil
}

// Validate validates an Address element.
func (a Address) Validate() error {
	if a.Role != AddressRoleLocal && a.Role != AddressRoleCluster {
		return ErrInvalidAddressRole
	}
	if a.Scope != AddressScopeNode && a.Scope != AddressScopeCluster {
		return ErrInvalidAddressScope
	}
	if a.Version != IPVersion4 && a.Version != IPVersion6 {
		return ErrInvalidIPVersion
	}
	if a.Proto != TransportProtoTCP && a.Proto != TransportProtoUDP && a.Proto != TransportProtoMulticast {
		return ErrInvalidTransportProto
	}
	if a.IP == "" {
		return ErrMissingAddressIP
	}
	if a.Port == 0 {
		return ErrInvalidAddressPort
	}
	return nil
}

// Validate validates a Subscription element.
func (s Subscription) Validate() error {
	if s.Type != SubscriptionTypeGroup && s.Type != SubscriptionTypeProcess && s.Type != SubscriptionTypeInterface {
		return ErrInvalidSubscriptionType
	}
	return nil
}

// Validate validates a Node element.
func (n Node) Validate() error {
	if n.Name == "" {
		return ErrMissingNodeName
	}
	if n.Role != NodeRoleActive && n.Role != NodeRolePassive {
		return ErrInvalidNodeRole
	}
	for _, s := range n.Subscriptions {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("node %d: %w", n.Index, err)
		}
	}
	return nil
}

// Validate validates the full hm_instance_info element, including
// cross-element invariants (no duplicate heartbeat scopes, no duplicate
// node indices, at least one local cluster-scope address).
func (h HMInstanceInfo) Validate() error {
	if h.Index == 0 {
		return ErrMissingIndex
	}

	seenScopes := make(map[HeartbeatScope]bool, len(h.Heartbeats))
	for _, hb := range h.Heartbeats {
		if err := hb.Validate(); err != nil {
			return err
		}
		if seenScopes[hb.Scope] {
			return ErrDuplicateHeartbeatScope
		}
		seenScopes[hb.Scope] = true
	}

	haveLocalCluster := false
	for _, a := range h.Addresses {
		if err := a.Validate(); err != nil {
			return err
		}
		if a.Role == AddressRoleLocal && a.Scope == AddressScopeCluster {
			haveLocalCluster = true
		}
	}
	if !haveLocalCluster {
		return ErrMissingLocalClusterAddress
	}

	seenNodes := make(map[uint32]bool, len(h.Nodes))
	for _, n := range h.Nodes {
		if err := n.Validate(); err != nil {
			return err
		}
		if seenNodes[n.Index] {
			return ErrDuplicateNodeIndex
		}
		seenNodes[n.Index] = true
	}

	return nil
}

// Validate validates the full document.
func (d Document) Validate() error {
	return d.Instance.Validate()
}
