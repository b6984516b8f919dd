// SPDX-License-Identifier: AGPL-3.0-or-later
// hwmgr - distributed hardware cluster membership and liveness manager
// Copyright (C) 2024 anshulthakur

package maint_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/anshulthakur/hwmgr/internal/maint"
	"github.com/anshulthakur/hwmgr/internal/notify"
	"github.com/anshulthakur/hwmgr/internal/sub"
	"github.com/anshulthakur/hwmgr/internal/transport"
)

func TestNewSweeperStartsAndStopsCleanly(t *testing.T) {
	subs := sub.NewEngine()
	n := notify.NewEngine(subs, transport.NewService(), 1)

	s, err := maint.New(subs, n, 50*time.Millisecond)
	require.NoError(t, err)

	s.Start()
	time.Sleep(120 * time.Millisecond)
	require.NoError(t, s.Stop())
}

func TestSweeperPrunesOrphanedPendingRows(t *testing.T) {
	subs := sub.NewEngine()
	n := notify.NewEngine(subs, transport.NewService(), 1)

	row := subs.CreateSubscriptionEntry(sub.KindGroup, 42, nil)
	require.NotNil(t, row)

	s, err := maint.New(subs, n, 20*time.Millisecond)
	require.NoError(t, err)
	s.Start()
	defer func() { _ = s.Stop() }()

	require.Eventually(t, func() bool {
		_, ok := subs.Row(sub.Key{Kind: sub.KindGroup, Value: 42})
		return !ok
	}, time.Second, 10*time.Millisecond)
}
