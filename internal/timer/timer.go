// SPDX-License-Identifier: AGPL-3.0-or-later
// hwmgr - distributed hardware cluster membership and liveness manager
// Copyright (C) 2024 anshulthakur

// Package timer implements the Timer Service: a table of addressable
// one-shot/repeat timers. A timer's own goroutine never calls application
// code directly; it only records that the timer fired onto a channel. The
// Main Loop drains that channel at the top of its select cycle and invokes
// the owner's callback there, keeping every callback on the single
// cooperative goroutine the rest of the process assumes.
package timer

import (
	"sync"
	"time"
)

// Handle addresses a timer in the table.
type Handle uint64

// Pop is a fired-timer event delivered to the Main Loop.
type Pop struct {
	Handle Handle
	Owner  any
}

type entry struct {
	periodMs uint32
	repeat   bool
	running  bool
	owner    any
	t        *time.Timer
}

// Service is the global timer table. One Service is shared by the whole
// process, threaded through as an explicit dependency rather than read
// from a package-level singleton.
type Service struct {
	mu      sync.Mutex
	timers  map[Handle]*entry
	next    Handle
	pending chan Pop
}

func NewService() *Service {
	return &Service{
		timers:  make(map[Handle]*entry),
		pending: make(chan Pop, 256),
	}
}

// Create registers a new timer and arms it immediately.
func (s *Service) Create(periodMs uint32, repeat bool, owner any) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	h := s.next
	e := &entry{periodMs: periodMs, repeat: repeat, owner: owner}
	s.timers[h] = e
	s.arm(h, e)
	return h
}

// arm must be called with mu held.
func (s *Service) arm(h Handle, e *entry) {
	e.running = true
	e.t = time.AfterFunc(time.Duration(e.periodMs)*time.Millisecond, func() {
		s.fire(h)
	})
}

func (s *Service) fire(h Handle) {
	s.mu.Lock()
	e, ok := s.timers[h]
	if !ok || !e.running {
		s.mu.Unlock()
		return
	}
	if !e.repeat {
		e.running = false
	} else {
		s.arm(h, e)
	}
	owner := e.owner
	s.mu.Unlock()

	// Non-blocking: a full channel means the main loop is behind; the next
	// drain cycle will still observe subsequent timers. Never block a
	// timer goroutine on application back-pressure.
	select {
	case s.pending <- Pop{Handle: h, Owner: owner}:
	default:
	}
}

// Modify changes a timer's period. A running timer rearms immediately with
// the new period; a stopped timer only has its period updated.
func (s *Service) Modify(h Handle, periodMs uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[h]
	if !ok {
		return
	}
	e.periodMs = periodMs
	if e.running {
		e.t.Stop()
		s.arm(h, e)
	}
}

// Stop pauses a timer without removing it from the table.
func (s *Service) Stop(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[h]
	if !ok {
		return
	}
	e.running = false
	if e.t != nil {
		e.t.Stop()
	}
}

// Restart re-arms a stopped timer at its current period.
func (s *Service) Restart(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[h]
	if !ok {
		return
	}
	if e.t != nil {
		e.t.Stop()
	}
	s.arm(h, e)
}

// Delete removes a timer from the table entirely.
func (s *Service) Delete(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[h]
	if !ok {
		return
	}
	if e.t != nil {
		e.t.Stop()
	}
	delete(s.timers, h)
}

// Pending exposes the fired-timer channel so the Main Loop's select can
// wake on a pop arriving, without gaining any other access to the timer
// table.
func (s *Service) Pending() <-chan Pop {
	return s.pending
}

// Drain returns every timer pop queued since the last call, without
// blocking. The Main Loop does not call it (it receives pops one at a
// time from Pending); the tests use it to collect pops.
func (s *Service) Drain() []Pop {
	var pops []Pop
	for {
		select {
		case p := <-s.pending:
			pops = append(pops, p)
		default:
			return pops
		}
	}
}
