// SPDX-License-Identifier: AGPL-3.0-or-later
// hwmgr - distributed hardware cluster membership and liveness manager
// Copyright (C) 2024 anshulthakur

// Package logging configures the process-wide structured logger. Grounded
// on cmd/root.go's setupLogger: a level-switch selecting a tint handler,
// installed as the slog default rather than this package's own legacy
// channel-based file logger, which this replaces outright.
package logging

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

// Level names accepted on the CLI/config; the XML instance-configuration
// document carries no log level field, so this is sourced from a flag
// or environment variable by the caller, not from internal/config.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// ErrInvalidLevel is returned by ParseLevel for an unrecognized string.
var ErrInvalidLevel = errors.New("invalid log level")

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup installs a tint-backed slog.Logger as the process default,
// tagged with this location's index so log lines from a multi-location
// test harness running several instances in one process stay
// distinguishable.
func Setup(level Level, locationIndex uint32) {
	out := os.Stdout
	slogLevel := level.slogLevel()
	if slogLevel >= slog.LevelWarn {
		out = os.Stderr
	}

	handler := tint.NewHandler(out, &tint.Options{Level: slogLevel})
	logger := slog.New(handler).With("location", locationIndex)
	slog.SetDefault(logger)
}

// ParseLevel validates a level string from the CLI/environment.
func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return Level(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidLevel, s)
	}
}
