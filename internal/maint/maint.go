// SPDX-License-Identifier: AGPL-3.0-or-later
// hwmgr - distributed hardware cluster membership and liveness manager
// Copyright (C) 2024 anshulthakur

// Package maint runs the periodic stale-notification and
// orphaned-pending-subscription sweep: the addressable one-shot/repeat
// timers elsewhere in this tree cover FSM-driven liveness, but nothing
// else ages out a notification that every subscriber has already
// consumed, or a pending subscription row whose target never arrives.
package maint

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/anshulthakur/hwmgr/internal/notify"
	"github.com/anshulthakur/hwmgr/internal/sub"
)

// Sweeper owns the gocron scheduler running the GC job.
type Sweeper struct {
	scheduler gocron.Scheduler
	subs      *sub.Engine
	notif     *notify.Engine
}

// New creates a Sweeper with a job running every interval, redelivering
// stalled notifications and pruning orphaned pending subscription rows.
func New(subs *sub.Engine, notif *notify.Engine, interval time.Duration) (*Sweeper, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("creating maintenance scheduler: %w", err)
	}

	s := &Sweeper{scheduler: scheduler, subs: subs, notif: notif}

	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(s.sweep),
	)
	if err != nil {
		return nil, fmt.Errorf("scheduling maintenance sweep: %w", err)
	}

	return s, nil
}

func (s *Sweeper) sweep() {
	before := s.notif.QueueDepth()
	s.notif.Redeliver()
	after := s.notif.QueueDepth()

	pruned := s.subs.PruneOrphanedPending()
	if pruned > 0 || before != after {
		slog.Debug("maintenance sweep",
			"notifications_before", before,
			"notifications_after", after,
			"pending_rows_pruned", pruned,
		)
	}
}

// Start begins running the scheduled job.
func (s *Sweeper) Start() {
	s.scheduler.Start()
}

// Stop halts the scheduler, blocking until the in-flight job (if any)
// returns.
func (s *Sweeper) Stop() error {
	return s.scheduler.Shutdown()
}
