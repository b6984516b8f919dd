// SPDX-License-Identifier: AGPL-3.0-or-later
// hwmgr - distributed hardware cluster membership and liveness manager
// Copyright (C) 2024 anshulthakur

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/anshulthakur/hwmgr/internal/config"
	"github.com/anshulthakur/hwmgr/internal/model"
	"github.com/anshulthakur/hwmgr/internal/sub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `<?xml version="1.0" encoding="UTF-8"?>
<config>
  <hm_instance_info>
    <index>1</index>
    <heartbeat scope="node"><period resolution="ms">100</period><threshold>3</threshold></heartbeat>
    <heartbeat scope="cluster"><period resolution="ms">250</period><threshold>3</threshold></heartbeat>
    <heartbeat scope="ha"><period resolution="s">5</period><threshold>1</threshold></heartbeat>
    <address type="local" scope="cluster" version="4" proto="tcp"><ip>0.0.0.0</ip><port>7001</port></address>
    <address type="local" scope="node" version="4" proto="tcp"><ip>0.0.0.0</ip><port>8001</port></address>
    <group>1</group>
    <nodes>
      <node>
        <index>100</index>
        <name>bts-a</name>
        <role>active</role>
        <group>10</group>
        <subscriptions>
          <subscription type="group">10</subscription>
          <subscription type="process">0</subscription>
        </subscriptions>
      </node>
    </nodes>
  </hm_instance_info>
</config>`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hwmgr.xml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))
	return path
}

func TestLoadParsesAndValidates(t *testing.T) {
	path := writeSample(t)

	doc, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, uint32(1), doc.Instance.Index)
	require.Len(t, doc.Instance.Nodes, 1)
	assert.Equal(t, "bts-a", doc.Instance.Nodes[0].Name)
	assert.Equal(t, config.NodeRoleActive, doc.Instance.Nodes[0].Role)

	hb, ok := doc.Instance.Heartbeat(config.HeartbeatScopeNode)
	require.True(t, ok)
	assert.Equal(t, uint32(100), hb.Period.Value)
	assert.Equal(t, uint32(3), hb.Threshold)

	addr, ok := doc.Instance.Address(config.AddressRoleLocal, config.AddressScopeCluster)
	require.True(t, ok)
	assert.Equal(t, uint16(7001), addr.Port)
}

func TestValidateRejectsMissingIndex(t *testing.T) {
	doc := &config.Document{}
	err := doc.Validate()
	assert.ErrorIs(t, err, config.ErrMissingIndex)
}

func TestValidateRejectsDuplicateNodeIndex(t *testing.T) {
	doc := &config.Document{Instance: config.HMInstanceInfo{
		Index: 1,
		Addresses: []config.Address{
			{Role: config.AddressRoleLocal, Scope: config.AddressScopeCluster, Version: config.IPVersion4, Proto: config.TransportProtoTCP, IP: "0.0.0.0", Port: 7001},
		},
		Nodes: []config.Node{
			{Index: 1, Name: "a", Role: config.NodeRoleActive},
			{Index: 1, Name: "b", Role: config.NodeRolePassive},
		},
	}}
	err := doc.Validate()
	assert.ErrorIs(t, err, config.ErrDuplicateNodeIndex)
}

func TestValidateRejectsMissingLocalClusterAddress(t *testing.T) {
	doc := &config.Document{Instance: config.HMInstanceInfo{Index: 1}}
	err := doc.Validate()
	assert.ErrorIs(t, err, config.ErrMissingLocalClusterAddress)
}

func TestUpdateNodeRolePersistsAcrossReload(t *testing.T) {
	path := writeSample(t)

	require.NoError(t, config.UpdateNodeRole(path, 10, config.NodeRolePassive))

	doc, err := config.Load(path)
	require.NoError(t, err)
	require.Len(t, doc.Instance.Nodes, 1)
	assert.Equal(t, config.NodeRolePassive, doc.Instance.Nodes[0].Role)
}

func TestUpdateNodeRoleUnknownGroupErrors(t *testing.T) {
	path := writeSample(t)
	err := config.UpdateNodeRole(path, 999, config.NodeRolePassive)
	assert.ErrorIs(t, err, config.ErrNodeGroupNotFound)
}

func TestBootstrapInstallsNodesAndSubscriptions(t *testing.T) {
	path := writeSample(t)
	doc, err := config.Load(path)
	require.NoError(t, err)

	registry := model.NewRegistry(doc.Instance.Index)
	subs := sub.NewEngine()

	loc := doc.Bootstrap(registry, subs)

	node, ok := loc.Node(100)
	require.True(t, ok)
	assert.Equal(t, model.RoleActive, node.DesiredRole)

	row, ok := subs.Row(sub.Key{Kind: sub.KindGroup, Value: 10})
	require.True(t, ok)
	assert.Len(t, row.Subscribers(), 1)
}
