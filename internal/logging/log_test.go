// SPDX-License-Identifier: AGPL-3.0-or-later
// hwmgr - distributed hardware cluster membership and liveness manager
// Copyright (C) 2024 anshulthakur

package logging_test

import (
	"testing"

	"github.com/anshulthakur/hwmgr/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevelAcceptsKnownLevels(t *testing.T) {
	for _, s := range []string{"debug", "info", "warn", "error"} {
		lvl, err := logging.ParseLevel(s)
		require.NoError(t, err)
		assert.Equal(t, logging.Level(s), lvl)
	}
}

func TestParseLevelRejectsUnknown(t *testing.T) {
	_, err := logging.ParseLevel("verbose")
	assert.ErrorIs(t, err, logging.ErrInvalidLevel)
}

func TestSetupDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		logging.Setup(logging.LevelDebug, 1)
	})
}
