// SPDX-License-Identifier: AGPL-3.0-or-later
// hwmgr - distributed hardware cluster membership and liveness manager
// Copyright (C) 2024 anshulthakur

package timer_test

import (
	"testing"
	"time"

	"github.com/anshulthakur/hwmgr/internal/timer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOneShotFiresOnce(t *testing.T) {
	s := timer.NewService()
	h := s.Create(10, false, "owner-a")

	require.Eventually(t, func() bool {
		return len(s.Drain()) > 0
	}, time.Second, time.Millisecond, "timer should fire")

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, s.Drain(), "one-shot timer must not fire again")
	_ = h
}

func TestRepeatFiresMultipleTimes(t *testing.T) {
	s := timer.NewService()
	s.Create(10, true, "owner-b")

	var total int
	require.Eventually(t, func() bool {
		total += len(s.Drain())
		return total >= 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStopPreventsFurtherPops(t *testing.T) {
	s := timer.NewService()
	h := s.Create(10, true, "owner-c")
	require.Eventually(t, func() bool { return len(s.Drain()) > 0 }, time.Second, time.Millisecond)
	s.Stop(h)
	time.Sleep(40 * time.Millisecond)
	assert.Empty(t, s.Drain())
}
