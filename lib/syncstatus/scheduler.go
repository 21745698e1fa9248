// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncstatus

import (
	"context"
	"log/slog"
	"sync"
)

// LogScheduler is a Scheduler for hosts without a job system: it logs
// transitions and remembers the current decision.
type LogScheduler struct {
	Logger *slog.Logger

	mu        sync.Mutex
	scheduled bool
}

func (s *LogScheduler) ScheduleBackgroundWork(context.Context) error {
	s.set(true)
	return nil
}

func (s *LogScheduler) CancelBackgroundWork(context.Context) error {
	s.set(false)
	return nil
}

// Scheduled reports the last decision.
func (s *LogScheduler) Scheduled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduled
}

func (s *LogScheduler) set(scheduled bool) {
	s.mu.Lock()
	changed := s.scheduled != scheduled
	s.scheduled = scheduled
	s.mu.Unlock()
	if changed && s.Logger != nil {
		s.Logger.Info("background sync work", "scheduled", scheduled)
	}
}
