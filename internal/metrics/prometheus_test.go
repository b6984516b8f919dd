// SPDX-License-Identifier: AGPL-3.0-or-later
// hwmgr - distributed hardware cluster membership and liveness manager
// Copyright (C) 2024 anshulthakur

package metrics_test

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/anshulthakur/hwmgr/internal/metrics"
)

func TestNewMetricsRegistersWithoutPanic(t *testing.T) {
	require.NotPanics(t, func() {
		metrics.NewMetrics()
	})
}

func TestIndependentInstancesDoNotCollide(t *testing.T) {
	m1 := metrics.NewMetrics()
	m2 := metrics.NewMetrics()
	m1.PeersActive.Set(2)
	m2.PeersActive.Set(5)

	gathered, err := m2.Registry().Gather()
	require.NoError(t, err)

	var found *dto.MetricFamily
	for _, fam := range gathered {
		if fam.GetName() == "hwmgr_peers_active" {
			found = fam
		}
	}
	require.NotNil(t, found)
	require.Len(t, found.Metric, 1)
	require.InDelta(t, 5, found.Metric[0].GetGauge().GetValue(), 0.001)
}
